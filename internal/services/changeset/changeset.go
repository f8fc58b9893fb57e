// Package changeset compares two generations of tracked shipments.
package changeset

import (
	"fmt"
	"sort"
	"time"

	"github.com/BearBump/ptrack/internal/models"
)

type Change int

const (
	Kept Change = iota
	Added
	Removed
)

func (c Change) String() string {
	switch c {
	case Added:
		return "added"
	case Removed:
		return "removed"
	default:
		return "kept"
	}
}

func (c Change) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Change) UnmarshalText(b []byte) error {
	switch string(b) {
	case "added":
		*c = Added
	case "removed":
		*c = Removed
	case "kept":
		*c = Kept
	default:
		return fmt.Errorf("unknown change %q", string(b))
	}
	return nil
}

// Entry is one shipment of the union of both generations. State is nil when the
// shipment is tracked but could not be resolved.
type Entry struct {
	ID     models.Identifier     `json:"id"`
	State  *models.TrackingState `json:"state"`
	Change Change                `json:"change"`
	// Updated is set for kept entries whose state differs from the previous one.
	Updated bool `json:"updated,omitempty"`
}

type Result struct {
	Entries  []Entry   `json:"entries"`
	At       time.Time `json:"at"`
	Warnings []error   `json:"-"`
}

// Compute returns the union of prev and next, new values winning on overlap.
func Compute(prev, next map[models.Identifier]*models.TrackingState) Result {
	entries := make([]Entry, 0, len(prev)+len(next))
	for id, st := range next {
		old, existed := prev[id]
		switch {
		case !existed:
			entries = append(entries, Entry{ID: id, State: st, Change: Added})
		default:
			entries = append(entries, Entry{ID: id, State: st, Change: Kept, Updated: !st.SameAs(old)})
		}
	}
	for id, st := range prev {
		if _, ok := next[id]; !ok {
			entries = append(entries, Entry{ID: id, State: st, Change: Removed})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return less(entries[i].ID, entries[j].ID)
	})
	return Result{Entries: entries}
}

func less(a, b models.Identifier) bool {
	if a.Number != b.Number {
		return a.Number < b.Number
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	if a.ReadableName != b.ReadableName {
		return a.ReadableName < b.ReadableName
	}
	return a.Postcode < b.Postcode
}

func (r Result) filter(keep func(Entry) bool) []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func (r Result) Added() []Entry {
	return r.filter(func(e Entry) bool { return e.Change == Added })
}

func (r Result) Removed() []Entry {
	return r.filter(func(e Entry) bool { return e.Change == Removed })
}

func (r Result) Kept() []Entry {
	return r.filter(func(e Entry) bool { return e.Change == Kept })
}

// Changed returns every entry a subscriber would want to hear about.
func (r Result) Changed() []Entry {
	return r.filter(func(e Entry) bool { return e.Change != Kept || e.Updated })
}

// Current returns the entries still tracked after this generation.
func (r Result) Current() []Entry {
	return r.filter(func(e Entry) bool { return e.Change != Removed })
}
