package channel

import (
	"html"
	"strings"
)

// Payload markup subset:
//
//	*bold*  _italic_  `mono`
//
// A marker opens only at a word boundary and closes on the same line.
// A backslash escapes a marker or another backslash.

type span struct {
	style byte // 0 plain, '*', '_', '`'
	text  string
}

func isMarker(c byte) bool { return c == '*' || c == '_' || c == '`' }

func isWordByte(c byte) bool {
	return c >= 0x80 || c == '_' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// EscapeMarkup makes s render literally.
func EscapeMarkup(s string) string {
	if !strings.ContainsAny(s, "*_`\\") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isMarker(c) || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

func parseMarkup(s string) []span {
	var (
		out   []span
		plain strings.Builder
	)
	flush := func() {
		if plain.Len() > 0 {
			out = append(out, span{text: plain.String()})
			plain.Reset()
		}
	}
	for i := 0; i < len(s); {
		c := s[i]
		if c == '\\' && i+1 < len(s) && (isMarker(s[i+1]) || s[i+1] == '\\') {
			plain.WriteByte(s[i+1])
			i += 2
			continue
		}
		if isMarker(c) && (i == 0 || !isWordByte(s[i-1])) && i+1 < len(s) && s[i+1] != ' ' && s[i+1] != '\n' {
			if j := findClose(s, i+1, c); j > i+1 {
				flush()
				inner := s[i+1 : j]
				if c != '`' {
					inner = unescape(inner)
				}
				out = append(out, span{style: c, text: inner})
				i = j + 1
				continue
			}
		}
		plain.WriteByte(c)
		i++
	}
	flush()
	return out
}

func findClose(s string, from int, marker byte) int {
	for k := from; k < len(s); k++ {
		switch {
		case s[k] == '\n':
			return -1
		case s[k] == '\\' && marker != '`' && k+1 < len(s):
			k++
		case s[k] == marker && s[k-1] != ' ' && (k+1 == len(s) || !isWordByte(s[k+1])):
			return k
		}
	}
	return -1
}

func unescape(s string) string {
	if !strings.Contains(s, "\\") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && (isMarker(s[i+1]) || s[i+1] == '\\') {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// ToHTML renders markup as Telegram-compatible HTML with all text escaped.
func ToHTML(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)
	for _, sp := range parseMarkup(s) {
		t := html.EscapeString(sp.text)
		switch sp.style {
		case '*':
			b.WriteString("<b>" + t + "</b>")
		case '_':
			b.WriteString("<i>" + t + "</i>")
		case '`':
			b.WriteString("<code>" + t + "</code>")
		default:
			b.WriteString(t)
		}
	}
	return b.String()
}

// ToPlain strips markup.
func ToPlain(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, sp := range parseMarkup(s) {
		b.WriteString(sp.text)
	}
	return b.String()
}
