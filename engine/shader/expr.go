package shader

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// evalCondition evaluates the expression of an #if or #elif against the
// currently defined macros. Supported: defined(X), defined X, integer
// literals, macros with integer values, ! && || ( ) and the comparisons
// == != < > <= >=. Undefined identifiers evaluate to 0.
func evalCondition(expr string, defines map[string]string) (bool, error) {
	toks, err := tokenizeExpr(expr)
	if err != nil {
		return false, err
	}
	if len(toks) == 0 {
		return false, fmt.Errorf("empty condition")
	}
	p := &exprParser{toks: toks, defines: defines}
	v, err := p.or()
	if err != nil {
		return false, err
	}
	if p.pos != len(p.toks) {
		return false, fmt.Errorf("unexpected '%s' in condition '%s'", p.toks[p.pos], expr)
	}
	return v != 0, nil
}

func tokenizeExpr(s string) ([]string, error) {
	var toks []string
	for i := 0; i < len(s); {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '_' || unicode.IsLetter(c) || unicode.IsDigit(c):
			j := i
			for j < len(s) && (s[j] == '_' || unicode.IsLetter(rune(s[j])) || unicode.IsDigit(rune(s[j]))) {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		case strings.HasPrefix(s[i:], "&&"), strings.HasPrefix(s[i:], "||"),
			strings.HasPrefix(s[i:], "=="), strings.HasPrefix(s[i:], "!="),
			strings.HasPrefix(s[i:], "<="), strings.HasPrefix(s[i:], ">="):
			toks = append(toks, s[i:i+2])
			i += 2
		case strings.ContainsRune("()!<>", c):
			toks = append(toks, string(c))
			i++
		case strings.HasPrefix(s[i:], "//"):
			return toks, nil
		default:
			return nil, fmt.Errorf("unexpected character '%c' in condition", c)
		}
	}
	return toks, nil
}

type exprParser struct {
	toks    []string
	pos     int
	defines map[string]string
}

func (p *exprParser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *exprParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *exprParser) expect(tok string) error {
	if got := p.next(); got != tok {
		return fmt.Errorf("expected '%s', found '%s'", tok, got)
	}
	return nil
}

func (p *exprParser) or() (int64, error) {
	v, err := p.and()
	if err != nil {
		return 0, err
	}
	for p.peek() == "||" {
		p.next()
		rhs, err := p.and()
		if err != nil {
			return 0, err
		}
		v = boolInt(v != 0 || rhs != 0)
	}
	return v, nil
}

func (p *exprParser) and() (int64, error) {
	v, err := p.compare()
	if err != nil {
		return 0, err
	}
	for p.peek() == "&&" {
		p.next()
		rhs, err := p.compare()
		if err != nil {
			return 0, err
		}
		v = boolInt(v != 0 && rhs != 0)
	}
	return v, nil
}

func (p *exprParser) compare() (int64, error) {
	lhs, err := p.unary()
	if err != nil {
		return 0, err
	}
	op := p.peek()
	switch op {
	case "==", "!=", "<", ">", "<=", ">=":
	default:
		return lhs, nil
	}
	p.next()
	rhs, err := p.unary()
	if err != nil {
		return 0, err
	}
	switch op {
	case "==":
		return boolInt(lhs == rhs), nil
	case "!=":
		return boolInt(lhs != rhs), nil
	case "<":
		return boolInt(lhs < rhs), nil
	case ">":
		return boolInt(lhs > rhs), nil
	case "<=":
		return boolInt(lhs <= rhs), nil
	}
	return boolInt(lhs >= rhs), nil
}

func (p *exprParser) unary() (int64, error) {
	if p.peek() == "!" {
		p.next()
		v, err := p.unary()
		if err != nil {
			return 0, err
		}
		return boolInt(v == 0), nil
	}
	return p.primary()
}

func (p *exprParser) primary() (int64, error) {
	tok := p.next()
	switch {
	case tok == "":
		return 0, fmt.Errorf("unexpected end of condition")
	case tok == "(":
		v, err := p.or()
		if err != nil {
			return 0, err
		}
		return v, p.expect(")")
	case tok == "defined":
		paren := p.peek() == "("
		if paren {
			p.next()
		}
		name := p.next()
		if !isIdentifier(name) {
			return 0, fmt.Errorf("defined needs an identifier, found '%s'", name)
		}
		if paren {
			if err := p.expect(")"); err != nil {
				return 0, err
			}
		}
		_, ok := p.defines[name]
		return boolInt(ok), nil
	case unicode.IsDigit(rune(tok[0])):
		v, err := strconv.ParseInt(strings.TrimRight(tok, "uUlL"), 0, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer '%s'", tok)
		}
		return v, nil
	case isIdentifier(tok):
		value, ok := p.defines[tok]
		if !ok {
			return 0, nil
		}
		if value == "" {
			return 1, nil
		}
		v, err := strconv.ParseInt(strings.TrimSpace(value), 0, 64)
		if err != nil {
			return 0, fmt.Errorf("macro %s=%s is not an integer", tok, value)
		}
		return v, nil
	}
	return 0, fmt.Errorf("unexpected '%s' in condition", tok)
}

func isIdentifier(s string) bool {
	if s == "" || unicode.IsDigit(rune(s[0])) {
		return false
	}
	for _, c := range s {
		if c != '_' && !unicode.IsLetter(c) && !unicode.IsDigit(c) {
			return false
		}
	}
	return true
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
