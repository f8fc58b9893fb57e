package registry

import (
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

var errUnterminatedQuote = errors.New("unterminated quote")

// splitFields splits a registry line on whitespace. A double-quoted field is one
// token with the quotes removed; inside quotes \" stands for a literal quote.
func splitFields(line string) ([]string, error) {
	var (
		fields []string
		cur    strings.Builder
		inTok  bool
		quoted bool
	)
	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quoted:
			switch {
			case r == '\\' && i+1 < len(runes) && runes[i+1] == '"':
				cur.WriteRune('"')
				i++
			case r == '"':
				quoted = false
			default:
				cur.WriteRune(r)
			}
		case r == '"':
			quoted = true
			inTok = true
		case unicode.IsSpace(r):
			if inTok {
				fields = append(fields, cur.String())
				cur.Reset()
				inTok = false
			}
		default:
			cur.WriteRune(r)
			inTok = true
		}
	}
	if quoted {
		return nil, errUnterminatedQuote
	}
	if inTok {
		fields = append(fields, cur.String())
	}
	return fields, nil
}
