package dispatch

import (
	"strings"
	"unicode/utf8"
)

// Split cuts text into ordered chunks of at most limit bytes, breaking only
// between lines. A single line longer than limit is the one exception: it is
// cut at rune boundaries and its pieces become consecutive chunks. Chunks
// that would hold only blank lines are dropped, since channels reject empty
// text. limit <= 0 disables splitting.
func Split(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if c := cur.String(); strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
		cur.Reset()
	}
	for i, line := range strings.Split(text, "\n") {
		if len(line) > limit {
			if i > 0 {
				flush()
			}
			parts := hardSplit(line, limit)
			for _, p := range parts[:len(parts)-1] {
				out = append(out, p)
			}
			cur.WriteString(parts[len(parts)-1])
			continue
		}
		switch {
		case i == 0:
			cur.WriteString(line)
		case cur.Len()+1+len(line) <= limit:
			cur.WriteByte('\n')
			cur.WriteString(line)
		default:
			flush()
			cur.WriteString(line)
		}
	}
	flush()
	return out
}

func hardSplit(line string, limit int) []string {
	var parts []string
	for len(line) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(line[cut]) {
			cut--
		}
		if cut == 0 {
			cut = limit
		}
		parts = append(parts, line[:cut])
		line = line[cut:]
	}
	return append(parts, line)
}
