// Package formula evaluates reward formulas: numeric literals, named
// variables, unary minus, + - * / and parentheses. Nothing else is accepted.
package formula

import (
	"errors"
	"fmt"
	"math"
	"strconv"
)

const (
	// MaxLength bounds the formula source length.
	MaxLength = 512

	// MaxDepth bounds parenthesis and unary nesting.
	MaxDepth = 64
)

// ErrFormula is the sentinel wrapped by every *Error.
var ErrFormula = errors.New("formula error")

// Error describes why a formula could not be compiled or evaluated.
type Error struct {
	Formula  string
	Pos      int    // byte offset, -1 when not positional
	Variable string // set for unknown variables
	Msg      string
}

func (e *Error) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("formula %q: %s at position %d", e.Formula, e.Msg, e.Pos)
	}
	return fmt.Sprintf("formula %q: %s", e.Formula, e.Msg)
}

func (e *Error) Unwrap() error { return ErrFormula }

// Formula is a compiled expression, safe for concurrent use.
type Formula struct {
	src  string
	root node
	vars []string
}

// Compile parses src into a Formula.
func Compile(src string) (*Formula, error) {
	if len(src) > MaxLength {
		return nil, &Error{Formula: src, Pos: -1, Msg: fmt.Sprintf("longer than %d bytes", MaxLength)}
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	root, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %s", t)
	}

	seen := make(map[string]bool)
	var vars []string
	for _, t := range toks {
		if t.kind == tokIdent && !seen[t.text] {
			seen[t.text] = true
			vars = append(vars, t.text)
		}
	}
	return &Formula{src: src, root: root, vars: vars}, nil
}

// MustCompile is Compile that panics on error. Intended for tests and constants.
func MustCompile(src string) *Formula {
	f, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return f
}

// Evaluate compiles and evaluates src in one step.
func Evaluate(src string, vars map[string]float64) (float64, error) {
	f, err := Compile(src)
	if err != nil {
		return 0, err
	}
	return f.Eval(vars)
}

// String returns the source text.
func (f *Formula) String() string { return f.src }

// Variables returns the variable names referenced, in first-use order.
func (f *Formula) Variables() []string {
	return append([]string(nil), f.vars...)
}

// Eval evaluates the formula against vars.
func (f *Formula) Eval(vars map[string]float64) (float64, error) {
	v, err := f.root.eval(f.src, vars)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &Error{Formula: f.src, Pos: -1, Msg: "result is not a finite number"}
	}
	return v, nil
}

// AST

type node interface {
	eval(src string, vars map[string]float64) (float64, error)
}

type numberNode struct{ val float64 }

func (n numberNode) eval(string, map[string]float64) (float64, error) { return n.val, nil }

type varNode struct {
	name string
	pos  int
}

func (n varNode) eval(src string, vars map[string]float64) (float64, error) {
	v, ok := vars[n.name]
	if !ok {
		return 0, &Error{Formula: src, Pos: n.pos, Variable: n.name, Msg: fmt.Sprintf("unknown variable %q", n.name)}
	}
	return v, nil
}

type negNode struct{ x node }

func (n negNode) eval(src string, vars map[string]float64) (float64, error) {
	v, err := n.x.eval(src, vars)
	if err != nil {
		return 0, err
	}
	return -v, nil
}

type binaryNode struct {
	op   byte
	pos  int
	l, r node
}

func (n binaryNode) eval(src string, vars map[string]float64) (float64, error) {
	l, err := n.l.eval(src, vars)
	if err != nil {
		return 0, err
	}
	r, err := n.r.eval(src, vars)
	if err != nil {
		return 0, err
	}
	switch n.op {
	case '+':
		return l + r, nil
	case '-':
		return l - r, nil
	case '*':
		return l * r, nil
	case '/':
		if r == 0 {
			return 0, &Error{Formula: src, Pos: n.pos, Msg: "division by zero"}
		}
		return l / r, nil
	}
	return 0, &Error{Formula: src, Pos: n.pos, Msg: fmt.Sprintf("unknown operator %q", n.op)}
}

// Parser
//
//	expr   = term { ("+" | "-") term }
//	term   = unary { ("*" | "/") unary }
//	unary  = "-" unary | primary
//	primary = number | ident | "(" expr ")"

type parser struct {
	src  string
	toks []token
	i    int
}

func (p *parser) peek() token { return p.toks[p.i] }

func (p *parser) next() token {
	t := p.toks[p.i]
	if t.kind != tokEOF {
		p.i++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &Error{Formula: p.src, Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseExpr(depth int) (node, error) {
	left, err := p.parseTerm(depth)
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.op != '+' && t.op != '-') {
			return left, nil
		}
		p.next()
		right, err := p.parseTerm(depth)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: t.op, pos: t.pos, l: left, r: right}
	}
}

func (p *parser) parseTerm(depth int) (node, error) {
	left, err := p.parseUnary(depth)
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.op != '*' && t.op != '/') {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary(depth)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: t.op, pos: t.pos, l: left, r: right}
	}
}

func (p *parser) parseUnary(depth int) (node, error) {
	if depth > MaxDepth {
		return nil, p.errorf(p.peek(), "nesting deeper than %d", MaxDepth)
	}
	t := p.peek()
	if t.kind == tokOp && t.op == '-' {
		p.next()
		x, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		return negNode{x: x}, nil
	}
	return p.parsePrimary(depth)
}

func (p *parser) parsePrimary(depth int) (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil || math.IsInf(v, 0) {
			return nil, p.errorf(t, "invalid number %q", t.text)
		}
		return numberNode{val: v}, nil
	case tokIdent:
		return varNode{name: t.text, pos: t.pos}, nil
	case tokLParen:
		x, err := p.parseExpr(depth + 1)
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, p.errorf(c, "expected ')' but found %s", c)
		}
		return x, nil
	case tokEOF:
		return nil, p.errorf(t, "unexpected end of formula")
	}
	return nil, p.errorf(t, "unexpected %s", t)
}
