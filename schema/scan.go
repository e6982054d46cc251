package schema

import (
	"strings"

	"github.com/pkg/errors"
)

// scanner is a minimal cursor over a DDL statement. It understands
// backtick/double-quote identifiers, single-quote strings and balanced
// parens; that's all mysql DDL needs here.
type scanner struct {
	s   string
	pos int
}

func newScanner(s string) *scanner {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ";")
	return &scanner{s: s}
}

func (sc *scanner) skipSpace() {
	for sc.pos < len(sc.s) {
		switch sc.s[sc.pos] {
		case ' ', '\t', '\n', '\r':
			sc.pos++
		default:
			return
		}
	}
}

func (sc *scanner) eof() bool {
	sc.skipSpace()
	return sc.pos >= len(sc.s)
}

// rest returns everything not yet consumed.
func (sc *scanner) rest() string {
	sc.skipSpace()
	return sc.s[sc.pos:]
}

func isWordByte(b byte) bool {
	return b == '_' || b == '$' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// word consumes and returns the next bare word, "" at eof or punctuation.
func (sc *scanner) word() string {
	sc.skipSpace()
	start := sc.pos
	for sc.pos < len(sc.s) && isWordByte(sc.s[sc.pos]) {
		sc.pos++
	}
	return sc.s[start:sc.pos]
}

// keywords consumes the given keyword sequence case-insensitively. On a
// partial match nothing is consumed.
func (sc *scanner) keywords(kws ...string) bool {
	save := sc.pos
	for _, kw := range kws {
		if !strings.EqualFold(sc.word(), kw) {
			sc.pos = save
			return false
		}
	}
	return true
}

// consume eats the given punctuation byte if it is next.
func (sc *scanner) consume(b byte) bool {
	sc.skipSpace()
	if sc.pos < len(sc.s) && sc.s[sc.pos] == b {
		sc.pos++
		return true
	}
	return false
}

// ident consumes a (possibly backtick- or double-quoted) identifier.
func (sc *scanner) ident() (string, error) {
	sc.skipSpace()
	if sc.pos >= len(sc.s) {
		return "", errors.New("unexpected end of statement")
	}
	switch q := sc.s[sc.pos]; q {
	case '`', '"':
		end := strings.IndexByte(sc.s[sc.pos+1:], q)
		if end < 0 {
			return "", errors.Errorf("unterminated %c-quoted identifier", q)
		}
		name := sc.s[sc.pos+1 : sc.pos+1+end]
		sc.pos += end + 2
		return name, nil
	}
	w := sc.word()
	if w == "" {
		return "", errors.Errorf("expected identifier at %q", sc.rest())
	}
	return w, nil
}

// qualified consumes "[db.]name" and fills in defaultDB when the
// qualifier is absent.
func (sc *scanner) qualified(defaultDB string) (TableRef, error) {
	first, err := sc.ident()
	if err != nil {
		return TableRef{}, err
	}
	if sc.pos < len(sc.s) && sc.s[sc.pos] == '.' {
		sc.pos++
		second, err := sc.ident()
		if err != nil {
			return TableRef{}, err
		}
		return TableRef{Database: first, Name: second}, nil
	}
	return TableRef{Database: defaultDB, Name: first}, nil
}

// parenGroup consumes a balanced "( ... )" and returns the inner text.
func (sc *scanner) parenGroup() (string, error) {
	if !sc.consume('(') {
		return "", errors.Errorf("expected '(' at %q", sc.rest())
	}
	start := sc.pos
	depth := 1
	for sc.pos < len(sc.s) {
		switch b := sc.s[sc.pos]; b {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				inner := sc.s[start:sc.pos]
				sc.pos++
				return inner, nil
			}
		case '\'', '`', '"':
			sc.skipQuoted(b)
			continue
		}
		sc.pos++
	}
	return "", errors.New("unbalanced parens")
}

// skipQuoted advances past a quoted region starting at sc.pos (which must
// hold the quote byte). Single-quote strings double the quote to escape it
// and honor backslash escapes.
func (sc *scanner) skipQuoted(q byte) {
	sc.pos++
	for sc.pos < len(sc.s) {
		switch sc.s[sc.pos] {
		case '\\':
			if q == '\'' && sc.pos+1 < len(sc.s) {
				sc.pos++
			}
		case q:
			if q == '\'' && sc.pos+1 < len(sc.s) && sc.s[sc.pos+1] == q {
				sc.pos++ // '' escape
				break
			}
			sc.pos++
			return
		}
		sc.pos++
	}
}

// typeName consumes a column type: a word, an optional parenthesized
// length/member list and trailing unsigned/zerofill attributes. Returns
// the type as written, lowercased.
func (sc *scanner) typeName() (string, error) {
	base := sc.word()
	if base == "" {
		return "", errors.Errorf("expected type at %q", sc.rest())
	}
	typ := strings.ToLower(base)
	sc.skipSpace()
	if sc.pos < len(sc.s) && sc.s[sc.pos] == '(' {
		group, err := sc.parenGroup()
		if err != nil {
			return "", err
		}
		typ += "(" + group + ")"
	}
	for {
		save := sc.pos
		w := strings.ToLower(sc.word())
		switch w {
		case "unsigned", "zerofill":
			typ += " " + w
		default:
			sc.pos = save
			return typ, nil
		}
	}
}

// splitTopLevel splits s on commas outside parens and quotes.
func splitTopLevel(s string) []string {
	var parts []string
	sc := &scanner{s: s}
	start := 0
	depth := 0
	for sc.pos < len(sc.s) {
		switch b := sc.s[sc.pos]; b {
		case '(':
			depth++
		case ')':
			depth--
		case '\'', '`', '"':
			sc.skipQuoted(b)
			continue
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(sc.s[start:sc.pos]))
				start = sc.pos + 1
			}
		}
		sc.pos++
	}
	if tail := strings.TrimSpace(sc.s[start:]); tail != "" {
		parts = append(parts, tail)
	}
	return parts
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		switch s[0] {
		case '`', '"', '\'':
			if s[len(s)-1] == s[0] {
				return s[1 : len(s)-1]
			}
		}
	}
	return s
}
