package router

import (
	"strings"
)

type token struct {
	text string
	end  int // byte offset just past the token in the raw line
}

// tokenize splits s on whitespace. Double quotes group words; a backslash
// escapes the next byte. Single quotes are literal so reasons like "don't"
// survive.
func tokenize(s string) []token {
	var (
		out  []token
		buf  strings.Builder
		inQ  bool
		esc  bool
		have bool
	)
	flush := func(end int) {
		if have {
			out = append(out, token{text: buf.String(), end: end})
			buf.Reset()
			have = false
		}
	}
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if esc {
			buf.WriteByte(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			have = true
			continue
		}
		if inQ {
			if ch == '"' {
				inQ = false
				continue
			}
			buf.WriteByte(ch)
			continue
		}
		switch ch {
		case '"':
			inQ = true
			have = true
		case ' ', '\t', '\n', '\r':
			flush(i)
		default:
			buf.WriteByte(ch)
			have = true
		}
	}
	flush(len(s))
	return out
}

// UserID extracts a user id from a mention (<@123>, <@!123>) or a bare
// numeric id. ok is false for anything else.
func UserID(arg string) (string, bool) {
	s := strings.TrimSpace(arg)
	if strings.HasPrefix(s, "<@") && strings.HasSuffix(s, ">") {
		s = strings.TrimPrefix(s[2:len(s)-1], "!")
	}
	if s == "" {
		return "", false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return "", false
		}
	}
	return s, true
}
