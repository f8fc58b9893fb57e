// Package render turns a poll result into text for terminals and status bars.
package render

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BearBump/ptrack/internal/models"
	"github.com/BearBump/ptrack/internal/services/changeset"
	"github.com/mattn/go-runewidth"
	"github.com/morikuni/aec"
)

type Mode string

const (
	ModeCompact    Mode = "compact"
	ModeI3Bar      Mode = "i3bar"
	ModeExhaustive Mode = "exhaustive"
)

// ParseMode falls back to compact for anything it does not know.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeI3Bar:
		return ModeI3Bar
	case ModeExhaustive:
		return ModeExhaustive
	default:
		return ModeCompact
	}
}

const nameWidth = 20

var clearScreen = aec.Position(1, 1).With(aec.EraseDisplay(aec.EraseModes.All))

type Renderer struct {
	Mode Mode
	// Color enables ANSI escapes (screen clearing and added/removed highlighting).
	Color bool
	Loc   *time.Location
}

func New(mode Mode, color bool) *Renderer {
	return &Renderer{Mode: mode, Color: color, Loc: time.Local}
}

func (r *Renderer) Render(w io.Writer, res changeset.Result) error {
	var out string
	switch r.Mode {
	case ModeI3Bar:
		out = I3Bar(res) + "\n"
	case ModeExhaustive:
		out = r.exhaustive(res)
	default:
		out = r.compact(res)
	}
	_, err := io.WriteString(w, out)
	return err
}

func (r *Renderer) compact(res changeset.Result) string {
	var b strings.Builder
	if r.Color {
		b.WriteString(clearScreen.String())
	}
	for _, e := range res.Entries {
		name := e.ID.DisplayName()
		if e.State == nil {
			fmt.Fprintf(&b, "%s: not found\n", name)
			continue
		}
		line := fmt.Sprintf("%s: %s %s%s %s",
			runewidth.FillRight(name, nameWidth),
			FormatDateTime(e.State.LastUpdate, r.Loc),
			ProgressBar(e.State.Progress),
			latestPlace(e.State),
			e.State.ShortDescription,
		)
		if r.Color {
			switch e.Change {
			case changeset.Removed:
				line = aec.RedF.Apply(line)
			case changeset.Added:
				line = aec.GreenF.Apply(line)
			}
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func latestPlace(st *models.TrackingState) string {
	if ev, ok := st.LatestUpdate(); ok && ev.Where != "" {
		return " " + ev.Where + ","
	}
	return ""
}

// I3Bar renders the current shipments as one status line. Removed and
// unresolved shipments are left out.
func I3Bar(res changeset.Result) string {
	parts := make([]string, 0, len(res.Entries))
	for _, e := range res.Entries {
		if e.State == nil || e.Change == changeset.Removed {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s %s", e.ID.DisplayName(), ProgressBar(e.State.Progress), Icon(e.State.State)))
	}
	return strings.Join(parts, " | ")
}

func (r *Renderer) exhaustive(res changeset.Result) string {
	var b strings.Builder
	for _, e := range res.Current() {
		b.WriteString("\n\n")
		if e.State == nil {
			fmt.Fprintf(&b, "%s: not found\n", e.ID.Number)
			continue
		}
		st := e.State
		fmt.Fprintf(&b, "%s: %s\n%s%s\n", e.ID.Number, st.ShortDescription, strings.Repeat(" ", len(e.ID.Number)+2), st.AdditionalInfo)
		if len(st.Updates) == 0 {
			continue
		}
		b.WriteString("\nUpdates:\n")
		for i, u := range st.Updates {
			if i > 0 {
				b.WriteString("\n")
			}
			where := u.Where
			if where == "" {
				where = "?"
			}
			fmt.Fprintf(&b, "  %s: %s\n%s%s\n", u.When.In(r.loc()).Format("2006-01-02 15:04"), where, strings.Repeat(" ", nameWidth), u.Text)
		}
	}
	return b.String()
}

func (r *Renderer) loc() *time.Location {
	if r.Loc == nil {
		return time.Local
	}
	return r.Loc
}

// FormatDateTime prints t as "02.01. 15:04", or question marks if unknown.
func FormatDateTime(t time.Time, loc *time.Location) string {
	if models.IsUnknownTime(t) {
		return "??.??. ??:??"
	}
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format("02.01. 15:04")
}

func ProgressBar(p models.Progress) string {
	p = p.Clamp()
	return strings.Repeat("█", p.Completed) + strings.Repeat("░", p.Total-p.Completed)
}

func Icon(s models.PackageState) string {
	switch s {
	case models.StateAnnounced:
		return "📣"
	case models.StateArrivedAtIngress, models.StateOnTheWay, models.StateArrivedAtDestination:
		return "🚛"
	case models.StateOutForDelivery:
		return "🚚"
	case models.StateDelivered:
		return "✅"
	case models.StateCustoms:
		return "🛃"
	case models.StateReadyForCollection:
		return "📯"
	default:
		return "❓"
	}
}
