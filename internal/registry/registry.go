// Package registry reads the user maintained list of shipments to track.
//
// One shipment per line:
//
//	<tracking-number> <carrier-key> ["<display name>"] [postcode]
package registry

import (
	"bufio"
	"os"
	"strings"
	"time"

	"github.com/BearBump/ptrack/internal/models"
	"github.com/pkg/errors"
)

// Carriers tells the reader which carrier keys have an adapter.
type Carriers interface {
	Has(key string) bool
}

// Source is the result of one parse of the registry file.
type Source struct {
	// Identifiers in file order, duplicates collapsed.
	Identifiers []models.Identifier
	// Unknown holds the identifiers whose carrier has no adapter.
	Unknown map[models.Identifier]*UnknownCarrierError
	ModTime time.Time
}

// Problems returns the non-fatal findings of the parse.
func (s *Source) Problems() []error {
	out := make([]error, 0, len(s.Unknown))
	for _, id := range s.Identifiers {
		if e, ok := s.Unknown[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Parse reads the registry at path. carriers may be nil, in which case every
// carrier key is accepted.
func Parse(path string, carriers Carriers) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &SourceReadError{Path: path, Err: err}
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, &SourceReadError{Path: path, Err: errors.Wrap(err, "stat")}
	}

	src := &Source{
		Unknown: make(map[models.Identifier]*UnknownCarrierError),
		ModTime: st.ModTime(),
	}
	seen := make(map[models.Identifier]struct{})
	var bad LineErrors

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		text := sc.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		id, lerr := parseLine(lineNo, text)
		if lerr != nil {
			bad = append(bad, lerr)
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		src.Identifiers = append(src.Identifiers, id)
		if carriers != nil && !carriers.Has(id.Source) {
			src.Unknown[id] = &UnknownCarrierError{Line: lineNo, ID: id}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &SourceReadError{Path: path, Err: errors.Wrap(err, "scan")}
	}
	if len(bad) > 0 {
		return nil, &SourceReadError{Path: path, Err: bad}
	}
	return src, nil
}

func parseLine(lineNo int, text string) (models.Identifier, *MalformedLineError) {
	fields, err := splitFields(text)
	if err != nil {
		return models.Identifier{}, &MalformedLineError{Line: lineNo, Text: text, Reason: err.Error()}
	}
	if len(fields) < 2 || fields[1] == "" {
		return models.Identifier{}, &MalformedLineError{Line: lineNo, Text: text, Reason: "missing carrier key"}
	}
	if fields[0] == "" {
		return models.Identifier{}, &MalformedLineError{Line: lineNo, Text: text, Reason: "empty tracking number"}
	}
	id := models.Identifier{Number: fields[0], Source: fields[1]}
	if len(fields) > 2 {
		id.ReadableName = fields[2]
	}
	if len(fields) > 3 {
		id.Postcode = fields[3]
	}
	return id, nil
}

// ModTime returns the modification time of the registry file.
func ModTime(path string) (time.Time, error) {
	st, err := os.Stat(path)
	if err != nil {
		return time.Time{}, &SourceReadError{Path: path, Err: err}
	}
	return st.ModTime(), nil
}

// ModifiedSince reports whether the file's modification time differs from ts.
func ModifiedSince(path string, ts time.Time) (bool, error) {
	mt, err := ModTime(path)
	if err != nil {
		return false, err
	}
	return !mt.Equal(ts), nil
}
