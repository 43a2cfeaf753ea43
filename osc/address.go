package osc

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

const patternChars = "*?[]{}"

// ValidAddress reports whether s is a literal OSC address: it starts with
// '/', has no empty segments and contains no space, '#', ',' or wildcard
// characters.
func ValidAddress(s string) bool {
	if !validShape(s) {
		return false
	}
	return !strings.ContainsAny(s, patternChars+",")
}

// ValidPattern reports whether s is a well formed OSC address pattern.
func ValidPattern(s string) bool {
	return checkPattern(s) == nil
}

func validShape(s string) bool {
	if len(s) < 2 || s[0] != '/' || s[len(s)-1] == '/' {
		return false
	}
	if strings.ContainsAny(s, " #") || strings.Contains(s, "//") {
		return false
	}
	return true
}

// checkPattern validates bracket and brace balance. Neither may nest, span
// a '/' or be empty.
func checkPattern(s string) error {
	if !validShape(s) {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, s)
	}
	var open byte
	openAt := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '[', '{':
			if open != 0 {
				return fmt.Errorf("%w: nested %q at %d in %q", ErrInvalidPattern, c, i, s)
			}
			open, openAt = c, i
		case ']', '}':
			if (c == ']' && open != '[') || (c == '}' && open != '{') {
				return fmt.Errorf("%w: unbalanced %q at %d in %q", ErrInvalidPattern, c, i, s)
			}
			if i == openAt+1 {
				return fmt.Errorf("%w: empty %c%c at %d in %q", ErrInvalidPattern, open, c, openAt, s)
			}
			open = 0
		case '/':
			if open != 0 {
				return fmt.Errorf("%w: '/' inside %q at %d in %q", ErrInvalidPattern, open, i, s)
			}
		}
	}
	if open != 0 {
		return fmt.Errorf("%w: unclosed %q at %d in %q", ErrInvalidPattern, open, openAt, s)
	}
	return nil
}

// Pattern is a compiled OSC address pattern.
type Pattern struct {
	raw     string
	literal bool
	g       glob.Glob
}

// CompilePattern validates and compiles an OSC address pattern. A pattern
// without wildcards matches by string equality.
func CompilePattern(s string) (*Pattern, error) {
	if err := checkPattern(s); err != nil {
		return nil, err
	}
	p := &Pattern{raw: s}
	if !strings.ContainsAny(s, patternChars) {
		p.literal = true
		return p, nil
	}
	g, err := glob.Compile(globSyntax(s), '/')
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, s, err)
	}
	p.g = g
	return p, nil
}

// globSyntax rewrites an OSC pattern into glob syntax. OSC has no escape
// character and no multi-segment wildcard, so backslashes are quoted and
// runs of '*' collapse into a single segment wildcard. Bracket expressions
// become explicit character lists.
func globSyntax(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\':
			sb.WriteString(`\\`)
		case c == '*' && i > 0 && s[i-1] == '*':
		case c == '[':
			end := i + strings.IndexByte(s[i:], ']')
			writeCharClass(&sb, s[i+1:end])
			i = end
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// writeCharClass writes the body of an OSC bracket expression as a glob
// list of escaped characters. A '-' that does not sit between two
// characters is literal, and a range never includes '/'.
func writeCharClass(sb *strings.Builder, class string) {
	sb.WriteByte('[')
	if len(class) > 1 && class[0] == '!' {
		sb.WriteByte('!')
		class = class[1:]
	}
	rs := []rune(class)
	set := make(map[rune]struct{}, len(rs))
	for i := 0; i < len(rs); i++ {
		lo, hi := rs[i], rs[i]
		if i+2 < len(rs) && rs[i+1] == '-' {
			hi = rs[i+2]
			i += 2
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		for r := lo; r <= hi; r++ {
			if r != '/' {
				set[r] = struct{}{}
			}
		}
	}
	_, dash := set['-']
	delete(set, '-')
	list := make([]rune, 0, len(set))
	for r := range set {
		list = append(list, r)
	}
	slices.Sort(list)
	for _, r := range list {
		sb.WriteByte('\\')
		sb.WriteRune(r)
	}
	// gobwas reads a leading "x-" as a range, so a lone '-' is written as
	// the range "---" and otherwise goes last.
	switch {
	case dash && len(list) > 0:
		sb.WriteString(`\-`)
	case dash:
		sb.WriteString("---")
	}
	sb.WriteByte(']')
}

// String returns the source pattern.
func (p *Pattern) String() string {
	return p.raw
}

// IsLiteral reports whether the pattern contains no wildcards.
func (p *Pattern) IsLiteral() bool {
	return p.literal
}

// Match reports whether the literal address is matched by the pattern.
// Matching is case sensitive, segment counts must agree and every character
// of the address must be consumed.
func (p *Pattern) Match(address string) bool {
	if p.literal {
		return p.raw == address
	}
	return p.g.Match(address)
}

// Match reports whether pattern matches the literal address. Invalid
// patterns match nothing.
func Match(pattern, address string) bool {
	p, err := CompilePattern(pattern)
	if err != nil {
		return false
	}
	return p.Match(address)
}
