package registry

import (
	"fmt"
	"strings"

	"github.com/BearBump/ptrack/internal/models"
)

// SourceReadError means the registry file could not be used: it is missing,
// unreadable, or has lines that do not parse.
type SourceReadError struct {
	Path string
	Err  error
}

func (e *SourceReadError) Error() string {
	return fmt.Sprintf("read registry %s: %v", e.Path, e.Err)
}

func (e *SourceReadError) Unwrap() error { return e.Err }

type MalformedLineError struct {
	Line   int
	Text   string
	Reason string
}

func (e *MalformedLineError) Error() string {
	return fmt.Sprintf("line %d: %s: %q", e.Line, e.Reason, e.Text)
}

// LineErrors collects every malformed line of one parse.
type LineErrors []*MalformedLineError

func (e LineErrors) Error() string {
	parts := make([]string, 0, len(e))
	for _, le := range e {
		parts = append(parts, le.Error())
	}
	return strings.Join(parts, "; ")
}

func (e LineErrors) Unwrap() []error {
	out := make([]error, 0, len(e))
	for _, le := range e {
		out = append(out, le)
	}
	return out
}

// UnknownCarrierError is reported for an identifier whose carrier key has no adapter.
type UnknownCarrierError struct {
	Line int
	ID   models.Identifier
}

func (e *UnknownCarrierError) Error() string {
	return fmt.Sprintf("line %d: unknown carrier %q for %s", e.Line, e.ID.Source, e.ID.Number)
}
