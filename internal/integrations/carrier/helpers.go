package carrier

import (
	"fmt"
	"strings"
	"time"
)

// FindSubstring returns the text between the first start marker and the next end
// marker after it.
func FindSubstring(text, start, end string) (string, error) {
	i := strings.Index(text, start)
	if i < 0 {
		return "", fmt.Errorf("marker %q not found", start)
	}
	i += len(start)
	j := strings.Index(text[i:], end)
	if j < 0 {
		return "", fmt.Errorf("marker %q not found", end)
	}
	return text[i : i+j], nil
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseISOTime accepts the ISO-8601 variants carriers emit, with or without a zone.
// Values without a zone are read in loc (UTC when nil).
func ParseISOTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
