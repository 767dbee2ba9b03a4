package condition

import (
	"fmt"
	"regexp"
	"strings"
)

type parser struct {
	src string
	pos int
}

func (p *parser) eof() bool { return p.pos >= len(p.src) }

func (p *parser) rest() string { return p.src[p.pos:] }

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Src: p.src, Offset: p.pos, Msg: fmt.Sprintf(format, args...)}
}

// isSpace matches ASCII whitespace only; bytes of multibyte UTF-8
// characters are part of values.
func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func (p *parser) skipSpace() {
	for !p.eof() && isSpace(p.src[p.pos]) {
		p.pos++
	}
}

// symbol consumes s if the input continues with it.
func (p *parser) symbol(s string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.rest(), s) {
		p.pos += len(s)
		return true
	}
	return false
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// keyword consumes kw (case-insensitively) when it is followed by a word
// boundary.
func (p *parser) keyword(kw string) bool {
	p.skipSpace()
	end := p.pos + len(kw)
	if end > len(p.src) || !strings.EqualFold(p.src[p.pos:end], kw) {
		return false
	}
	if end < len(p.src) && isWordByte(p.src[end]) {
		return false
	}
	p.pos = end
	return true
}

// peekKeyword reports whether kw comes next without consuming it.
func (p *parser) peekKeyword(kw string) bool {
	save := p.pos
	ok := p.keyword(kw)
	p.pos = save
	return ok
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") || p.symbol("||") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") || p.symbol("&&") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	p.skipSpace()
	if p.keyword("NOT") || (!strings.HasPrefix(p.rest(), "!=") && !strings.HasPrefix(p.rest(), "!~") && p.symbol("!")) {
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{x: x}, nil
	}
	if p.symbol("(") {
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.symbol(")") {
			return nil, p.errorf("missing closing parenthesis")
		}
		return x, nil
	}
	return p.parseTerm()
}

func (p *parser) parseOperand() (operand, error) {
	p.skipSpace()
	start := p.pos
	for !p.eof() && isWordByte(p.src[p.pos]) {
		p.pos++
	}
	if start == p.pos {
		return operand{}, p.errorf("expected variable")
	}
	name := strings.ToLower(p.src[start:p.pos])
	if name == "env" && !p.eof() && p.src[p.pos] == '(' {
		p.pos++
		end := strings.IndexByte(p.rest(), ')')
		if end < 0 {
			return operand{}, p.errorf("unterminated env(")
		}
		envName := strings.TrimSpace(p.src[p.pos : p.pos+end])
		if envName == "" {
			return operand{}, p.errorf("env() needs a variable name")
		}
		p.pos += end + 1
		return operand{name: envName, env: true}, nil
	}
	if !knownVars[name] {
		p.pos = start
		return operand{}, p.errorf("unknown variable %q", name)
	}
	return operand{name: name}, nil
}

func (p *parser) parseTerm() (node, error) {
	op, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	switch {
	case p.symbol("=~"):
		re, err := p.parseRegex()
		if err != nil {
			return nil, err
		}
		return matchNode{op: op, re: re}, nil
	case p.symbol("!~"):
		re, err := p.parseRegex()
		if err != nil {
			return nil, err
		}
		return matchNode{op: op, re: re, negate: true}, nil
	case p.symbol("=="), p.symbol("="):
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return equalNode{op: op, want: v}, nil
	case p.symbol("!="):
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		return equalNode{op: op, want: v, negate: true}, nil
	case p.keyword("IS"):
		negate := p.keyword("NOT")
		switch {
		case p.keyword("present"):
			return presenceNode{op: op, negate: negate}, nil
		case p.keyword("blank"):
			return presenceNode{op: op, blank: true, negate: negate}, nil
		}
		return nil, p.errorf("expected present or blank")
	case p.peekKeyword("NOT"):
		p.keyword("NOT")
		if !p.keyword("IN") {
			return nil, p.errorf("expected IN after NOT")
		}
		return p.parseIn(op, true)
	case p.keyword("IN"):
		return p.parseIn(op, false)
	}
	return presenceNode{op: op}, nil
}

func (p *parser) parseIn(op operand, negate bool) (node, error) {
	if !p.symbol("(") {
		return nil, p.errorf("expected ( after IN")
	}
	var values []string
	for {
		v, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		if p.symbol(",") {
			continue
		}
		if p.symbol(")") {
			return inNode{op: op, values: values, negate: negate}, nil
		}
		return nil, p.errorf("expected , or ) in list")
	}
}

func (p *parser) parseQuoted() (string, error) {
	quote := p.src[p.pos]
	p.pos++
	var b strings.Builder
	for !p.eof() {
		c := p.src[p.pos]
		switch {
		case c == '\\' && p.pos+1 < len(p.src) && p.src[p.pos+1] == quote:
			b.WriteByte(quote)
			p.pos += 2
		case c == quote:
			p.pos++
			return b.String(), nil
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return "", p.errorf("unterminated string")
}

func (p *parser) parseValue() (string, error) {
	p.skipSpace()
	if p.eof() {
		return "", p.errorf("expected value")
	}
	if c := p.src[p.pos]; c == '"' || c == '\'' {
		return p.parseQuoted()
	}
	start := p.pos
	for !p.eof() {
		c := p.src[p.pos]
		if isSpace(c) || c == ')' || c == ',' {
			break
		}
		p.pos++
	}
	if start == p.pos {
		return "", p.errorf("expected value")
	}
	return p.src[start:p.pos], nil
}

// parseRegex reads a /delimited/, quoted or bare pattern. A bare pattern
// runs to the next space or to a closing parenthesis that it did not open
// itself, so `^v(\d+|\.)+$` can be written without quoting.
func (p *parser) parseRegex() (*regexp.Regexp, error) {
	p.skipSpace()
	if p.eof() {
		return nil, p.errorf("expected pattern")
	}
	start := p.pos
	var pattern string
	switch c := p.src[p.pos]; c {
	case '"', '\'':
		s, err := p.parseQuoted()
		if err != nil {
			return nil, err
		}
		pattern = s
	case '/':
		p.pos++
		var b strings.Builder
		closed := false
		for !p.eof() {
			c := p.src[p.pos]
			if c == '\\' && p.pos+1 < len(p.src) && p.src[p.pos+1] == '/' {
				b.WriteByte('/')
				p.pos += 2
				continue
			}
			p.pos++
			if c == '/' {
				closed = true
				break
			}
			b.WriteByte(c)
		}
		if !closed {
			return nil, p.errorf("unterminated /pattern/")
		}
		pattern = b.String()
	default:
		depth, inClass := 0, false
	scan:
		for !p.eof() {
			c := p.src[p.pos]
			switch {
			case c == '\\':
				p.pos += 2
				continue
			case inClass:
				if c == ']' {
					inClass = false
				}
			case isSpace(c):
				break scan
			case c == '[':
				inClass = true
			case c == '(':
				depth++
			case c == ')':
				if depth == 0 {
					break scan
				}
				depth--
			}
			p.pos++
		}
		if p.pos > len(p.src) {
			p.pos = len(p.src)
		}
		pattern = p.src[start:p.pos]
	}
	if pattern == "" {
		return nil, p.errorf("empty pattern")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &SyntaxError{Src: p.src, Offset: start, Msg: fmt.Sprintf("invalid pattern %q: %v", pattern, err)}
	}
	return re, nil
}
