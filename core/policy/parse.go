// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// MaxExpressionLength bounds the policy text accepted by Parse.
	MaxExpressionLength = 4096

	// MaxDepth bounds nesting.
	MaxDepth = 32
)

// ErrInvalidExpression is returned for policy text that does not parse.
var ErrInvalidExpression = errors.New("policy: invalid expression")

type tokenKind int

const (
	tokOpen tokenKind = iota
	tokClose
	tokSymbol
	tokString
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func tokenize(s string) ([]token, error) {
	var toks []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokOpen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokClose, ")", i})
			i++
		case c == '"':
			j := i + 1
			for ; j < len(s) && s[j] != '"'; j++ {
				if s[j] == '\\' {
					j++
				}
			}
			if j >= len(s) {
				return nil, fmt.Errorf("%w: unterminated string at %d", ErrInvalidExpression, i)
			}
			v, err := strconv.Unquote(s[i : j+1])
			if err != nil {
				return nil, fmt.Errorf("%w: bad string at %d", ErrInvalidExpression, i)
			}
			toks = append(toks, token{tokString, v, i})
			i = j + 1
		default:
			j := i
			for ; j < len(s) && !strings.ContainsRune(" \t\r\n()\"", rune(s[j])); j++ {
			}
			toks = append(toks, token{tokSymbol, s[i:j], i})
			i = j
		}
	}
	return toks, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) next() (token, bool) {
	if p.pos >= len(p.toks) {
		return token{}, false
	}
	t := p.toks[p.pos]
	p.pos++
	return t, true
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidExpression, fmt.Sprintf(format, args...))
}

func (p *parser) parseExpr(depth int) (Expression, error) {
	if depth > MaxDepth {
		return nil, p.errorf("nesting too deep")
	}
	t, ok := p.next()
	if !ok {
		return nil, p.errorf("unexpected end of input")
	}
	switch t.kind {
	case tokSymbol:
		switch t.text {
		case "true":
			return Const(true), nil
		case "false":
			return Const(false), nil
		}
		return nil, p.errorf("unexpected symbol '%s' at %d", t.text, t.pos)
	case tokOpen:
	default:
		return nil, p.errorf("unexpected '%s' at %d", t.text, t.pos)
	}

	op, ok := p.next()
	if !ok || op.kind != tokSymbol {
		return nil, p.errorf("expected operator at %d", t.pos)
	}

	var expr Expression
	switch op.text {
	case "=":
		attr, ok := p.next()
		if !ok || attr.kind != tokSymbol || !strings.HasPrefix(attr.text, SubjectPrefix) {
			return nil, p.errorf("expected subject attribute at %d", op.pos)
		}
		name := strings.TrimPrefix(attr.text, SubjectPrefix)
		if !validAttribute(name) {
			return nil, p.errorf("invalid attribute name '%s'", name)
		}
		lit, ok := p.next()
		if !ok || lit.kind != tokString {
			return nil, p.errorf("expected string literal at %d", attr.pos)
		}
		expr = &Equal{Attribute: name, Value: lit.text}
	case "and", "or":
		ops, err := p.parseOperands(depth)
		if err != nil {
			return nil, err
		}
		if len(ops) == 0 {
			return nil, p.errorf("'%s' needs at least one operand", op.text)
		}
		if op.text == "and" {
			expr = And(ops)
		} else {
			expr = Or(ops)
		}
		// parseOperands consumed the closing paren.
		return expr, nil
	case "not":
		e, err := p.parseExpr(depth + 1)
		if err != nil {
			return nil, err
		}
		expr = &Not{Expression: e}
	default:
		return nil, p.errorf("unknown operator '%s' at %d", op.text, op.pos)
	}

	if t, ok := p.next(); !ok || t.kind != tokClose {
		return nil, p.errorf("expected ')' after '%s'", op.text)
	}
	return expr, nil
}

func (p *parser) parseOperands(depth int) ([]Expression, error) {
	var ops []Expression
	for {
		if p.pos >= len(p.toks) {
			return nil, p.errorf("unexpected end of input")
		}
		if p.toks[p.pos].kind == tokClose {
			p.pos++
			return ops, nil
		}
		e, err := p.parseExpr(depth + 1)
		if err != nil {
			return nil, err
		}
		ops = append(ops, e)
	}
}

func validAttribute(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return true
}

// Parse parses policy text.
func Parse(s string) (Expression, error) {
	if len(s) > MaxExpressionLength {
		return nil, fmt.Errorf("%w: too long", ErrInvalidExpression)
	}
	toks, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	expr, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, p.errorf("trailing input at %d", p.toks[p.pos].pos)
	}
	return expr, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Expression {
	expr, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return expr
}
