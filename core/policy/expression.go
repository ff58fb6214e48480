// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package policy implements attribute based access policies.
//
// A policy is an s-expression over the verified attributes of a peer:
//
//	(= subject.<attr> "<literal>")
//	(and e1 e2 ...)
//	(or e1 e2 ...)
//	(not e)
//	true | false
//
// Expressions are parsed once and are immutable, so a parsed Expression
// may be evaluated concurrently.
package policy

import (
	"strconv"
	"strings"
)

// SubjectPrefix prefixes attribute references.
const SubjectPrefix = "subject."

// Expression is a parsed policy.
type Expression interface {
	// Evaluate returns true iff attrs satisfy the expression.  Missing
	// attributes make equality terms false.
	Evaluate(attrs map[string]string) bool

	// String returns the canonical text of the expression.
	String() string
}

// Evaluate evaluates expr against attrs.  A nil expression denies.
func Evaluate(expr Expression, attrs map[string]string) bool {
	if expr == nil {
		return false
	}
	return expr.Evaluate(attrs)
}

// Equal compares one attribute with a literal.
type Equal struct {
	Attribute string
	Value     string
}

// Evaluate implements Expression.
func (e *Equal) Evaluate(attrs map[string]string) bool {
	v, ok := attrs[e.Attribute]
	return ok && v == e.Value
}

// String implements Expression.
func (e *Equal) String() string {
	return "(= " + SubjectPrefix + e.Attribute + " " + strconv.Quote(e.Value) + ")"
}

// And is true iff every operand is true.
type And []Expression

// Evaluate implements Expression.
func (e And) Evaluate(attrs map[string]string) bool {
	for _, op := range e {
		if !op.Evaluate(attrs) {
			return false
		}
	}
	return true
}

// String implements Expression.
func (e And) String() string {
	return join("and", e)
}

// Or is true iff any operand is true.
type Or []Expression

// Evaluate implements Expression.
func (e Or) Evaluate(attrs map[string]string) bool {
	for _, op := range e {
		if op.Evaluate(attrs) {
			return true
		}
	}
	return false
}

// String implements Expression.
func (e Or) String() string {
	return join("or", e)
}

// Not negates its operand.
type Not struct {
	Expression Expression
}

// Evaluate implements Expression.
func (e *Not) Evaluate(attrs map[string]string) bool {
	return !e.Expression.Evaluate(attrs)
}

// String implements Expression.
func (e *Not) String() string {
	return "(not " + e.Expression.String() + ")"
}

// Const is a literal true or false.
type Const bool

// Evaluate implements Expression.
func (e Const) Evaluate(map[string]string) bool {
	return bool(e)
}

// String implements Expression.
func (e Const) String() string {
	return strconv.FormatBool(bool(e))
}

func join(op string, ops []Expression) string {
	var b strings.Builder
	b.WriteString("(" + op)
	for _, o := range ops {
		b.WriteByte(' ')
		b.WriteString(o.String())
	}
	b.WriteByte(')')
	return b.String()
}
