// Package condition implements the small predicate language used by the
// `if:` keys of stages and jobs, e.g.
//
//	tag =~ ^v(\d+|\.)+[^a-z]\d+$
//	branch = main AND type != pull_request
//	env(DEPLOY) IS present
//
// Keywords are case-insensitive. Variables that are empty count as absent.
package condition

import (
	"fmt"
	"regexp"
	"strings"
)

// Context supplies variable values at evaluation time.
type Context interface {
	// Var returns a build variable (tag, branch, type, os, repo, sender).
	Var(name string) string
	// Env returns an environment variable visible to the build.
	Env(name string) string
}

// Variables accepted as bare operands.
var knownVars = map[string]bool{
	"tag":    true,
	"branch": true,
	"type":   true,
	"os":     true,
	"repo":   true,
	"sender": true,
}

// Expr is a compiled condition.
type Expr struct {
	src  string
	root node
}

// Parse compiles src. An empty or blank src is an error; callers treat a
// missing condition as "always".
func Parse(src string) (*Expr, error) {
	p := &parser{src: src}
	p.skipSpace()
	if p.eof() {
		return nil, p.errorf("empty condition")
	}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.eof() {
		return nil, p.errorf("unexpected %q", p.rest())
	}
	return &Expr{src: strings.TrimSpace(src), root: root}, nil
}

// MustParse is like Parse but panics on error.
func MustParse(src string) *Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

// Eval reports whether the condition holds for ctx.
func (e *Expr) Eval(ctx Context) bool {
	return e.root.eval(ctx)
}

func (e *Expr) String() string { return e.src }

// SyntaxError describes a malformed condition.
type SyntaxError struct {
	Src    string
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("condition %q: %s at offset %d", e.Src, e.Msg, e.Offset)
}

type node interface {
	eval(ctx Context) bool
}

type operand struct {
	name string
	env  bool
}

func (o operand) value(ctx Context) string {
	if o.env {
		return ctx.Env(o.name)
	}
	return ctx.Var(o.name)
}

type orNode struct{ left, right node }

func (n orNode) eval(ctx Context) bool { return n.left.eval(ctx) || n.right.eval(ctx) }

type andNode struct{ left, right node }

func (n andNode) eval(ctx Context) bool { return n.left.eval(ctx) && n.right.eval(ctx) }

type notNode struct{ x node }

func (n notNode) eval(ctx Context) bool { return !n.x.eval(ctx) }

type equalNode struct {
	op     operand
	want   string
	negate bool
}

func (n equalNode) eval(ctx Context) bool {
	return (n.op.value(ctx) == n.want) != n.negate
}

type matchNode struct {
	op     operand
	re     *regexp.Regexp
	negate bool
}

// An absent value never matches, so `tag =~ ...` is false on branch builds.
func (n matchNode) eval(ctx Context) bool {
	v := n.op.value(ctx)
	if v == "" {
		return n.negate
	}
	return n.re.MatchString(v) != n.negate
}

type presenceNode struct {
	op     operand
	blank  bool
	negate bool
}

func (n presenceNode) eval(ctx Context) bool {
	present := n.op.value(ctx) != ""
	return (present != n.blank) != n.negate
}

type inNode struct {
	op     operand
	values []string
	negate bool
}

func (n inNode) eval(ctx Context) bool {
	v := n.op.value(ctx)
	for _, want := range n.values {
		if v == want {
			return !n.negate
		}
	}
	return n.negate
}
