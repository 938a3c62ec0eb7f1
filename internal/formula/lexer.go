package formula

import (
	"fmt"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	op   byte
	pos  int
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of formula"
	case tokOp:
		return fmt.Sprintf("operator %q", t.op)
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	}
	return fmt.Sprintf("%q", t.text)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }

// lex splits src into tokens. Any byte outside the grammar is rejected,
// which keeps dots, brackets, quotes and commas out of identifiers.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '+' || c == '-' || c == '*' || c == '/':
			toks = append(toks, token{kind: tokOp, op: c, pos: i})
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, pos: i})
			i++
		case isDigit(c) || c == '.':
			start := i
			dots := 0
			for i < len(src) && (isDigit(src[i]) || src[i] == '.') {
				if src[i] == '.' {
					dots++
				}
				i++
			}
			text := src[start:i]
			if dots > 1 || text == "." {
				return nil, &Error{Formula: src, Pos: start, Msg: fmt.Sprintf("invalid number %q", text)}
			}
			if i < len(src) && isIdentStart(src[i]) {
				return nil, &Error{Formula: src, Pos: i, Msg: "identifier cannot follow a number"}
			}
			toks = append(toks, token{kind: tokNumber, text: text, pos: start})
		case isIdentStart(c):
			start := i
			for i < len(src) && isIdentPart(src[i]) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})
		default:
			return nil, &Error{Formula: src, Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}
