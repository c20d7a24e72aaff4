package transform

import (
	"strings"
	"unicode"

	"github.com/k3a/html2text"
	"golang.org/x/text/unicode/norm"
)

// CleanText flattens HTML in a legacy text field and returns trimmed NFC plain
// text with at most one blank line in a row.
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	if looksLikeHTML(s) {
		s = html2text.HTML2TextWithOptions(s, html2text.WithUnixLineBreaks())
	}
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r == '\u00a0':
			return ' '
		case unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, s)

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = strings.TrimRightFunc(line, unicode.IsSpace)
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
			line = ""
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func looksLikeHTML(s string) bool {
	i := strings.IndexByte(s, '<')
	if i < 0 {
		return strings.Contains(s, "&") && strings.Contains(s, ";")
	}
	return strings.IndexByte(s[i:], '>') > 0
}

// FirstLine returns the first non-empty line of s, shortened to limit runes.
func FirstLine(s string, limit int) string {
	for line := range strings.SplitSeq(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return Truncate(line, limit)
		}
	}
	return ""
}

// Truncate shortens s to at most limit runes, marking the cut with an ellipsis.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit == 1 {
		return "…"
	}
	return string(r[:limit-1]) + "…"
}
