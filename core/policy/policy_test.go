// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package policy

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	t.Parallel()

	for _, v := range []struct {
		expr  string
		attrs map[string]string
		want  bool
	}{
		{`(= subject.role "admin")`, map[string]string{"role": "admin"}, true},
		{`(= subject.role "admin")`, map[string]string{"role": "member"}, false},
		{`(= subject.role "admin")`, nil, false},
		{`(= subject.role "")`, nil, false},
		{`(= subject.role "")`, map[string]string{"role": ""}, true},
		{`(and (= subject.a "1") (= subject.b "2"))`, map[string]string{"a": "1", "b": "2"}, true},
		{`(and (= subject.a "1") (= subject.b "2"))`, map[string]string{"a": "1"}, false},
		{`(and (= subject.a "1") (= subject.b "2"))`, map[string]string{"b": "2"}, false},
		{`(or (= subject.a "1") (= subject.b "2"))`, map[string]string{"b": "2"}, true},
		{`(or (= subject.a "1") (= subject.b "2"))`, map[string]string{}, false},
		{`(not (= subject.banned "true"))`, map[string]string{}, true},
		{`(not (= subject.banned "true"))`, map[string]string{"banned": "true"}, false},
		{`(and (or (= subject.role "admin") (= subject.role "member")) (not (= subject.site "x")))`, map[string]string{"role": "member", "site": "y"}, true},
		{`true`, nil, true},
		{`false`, map[string]string{"a": "1"}, false},
		{`(= subject.relay-access "*")`, map[string]string{"relay-access": "*"}, true},
		{`(= subject.name "say \"hi\"")`, map[string]string{"name": `say "hi"`}, true},
	} {
		expr, err := Parse(v.expr)
		require.NoError(t, err, v.expr)
		require.Equal(t, v.want, Evaluate(expr, v.attrs), v.expr)
	}

	require.False(t, Evaluate(nil, map[string]string{"role": "admin"}))
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()

	for _, s := range []string{
		``,
		`(`,
		`)`,
		`(= subject.role)`,
		`(= role "admin")`,
		`(= subject. "admin")`,
		`(= subject.role admin)`,
		`(= subject.role "admin"`,
		`(= subject.role "admin" "extra")`,
		`(and)`,
		`(or)`,
		`(not)`,
		`(not (= subject.a "1") (= subject.b "2"))`,
		`(xor (= subject.a "1"))`,
		`(= subject.role "admin") (= subject.a "1")`,
		`(= subject.role "unterminated)`,
		`(= subject.r$le "x")`,
		`maybe`,
		strings.Repeat("(not ", MaxDepth+2) + `true` + strings.Repeat(")", MaxDepth+2),
		`(= subject.a "` + strings.Repeat("x", MaxExpressionLength) + `")`,
	} {
		_, err := Parse(s)
		require.ErrorIs(t, err, ErrInvalidExpression, s)
	}
}

func TestStringRoundTrip(t *testing.T) {
	t.Parallel()

	for _, s := range []string{
		`(= subject.role "admin")`,
		`(and (= subject.a "1") (or (= subject.b "2") (not (= subject.c "3"))))`,
		`(= subject.quote "a \"b\" c")`,
		`true`,
	} {
		expr, err := Parse(s)
		require.NoError(t, err)
		require.Equal(t, s, expr.String())
	}

	expr, err := Parse("(and\n\t(= subject.a   \"1\")\n)")
	require.NoError(t, err)
	require.Equal(t, `(and (= subject.a "1"))`, expr.String())
}

func TestShortCircuit(t *testing.T) {
	t.Parallel()

	var calls int
	counted := countingExpr(func() bool { calls++; return true })

	require.False(t, And{Const(false), counted}.Evaluate(nil))
	require.True(t, Or{Const(true), counted}.Evaluate(nil))
	require.Zero(t, calls)

	require.True(t, And{Const(true), counted}.Evaluate(nil))
	require.Equal(t, 1, calls)
}

type countingExpr func() bool

func (p countingExpr) Evaluate(map[string]string) bool { return p() }
func (p countingExpr) String() string                  { return "counted" }

func TestConcurrentEvaluate(t *testing.T) {
	t.Parallel()

	expr := MustParse(`(and (= subject.role "member") (not (= subject.banned "true")))`)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			attrs := map[string]string{"role": "member"}
			if i%2 == 0 {
				attrs["banned"] = "true"
			}
			for j := 0; j < 100; j++ {
				if got := expr.Evaluate(attrs); got != (i%2 != 0) {
					t.Errorf("unexpected result %v", got)
					return
				}
			}
		}(i)
	}
	wg.Wait()
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	r := NewRegistry()
	_, err := r.Resolve(ResourceTCPOutlet, nil)
	require.ErrorIs(err, ErrNoPolicy)

	member := MustParse(`(= subject.role "member")`)
	admin := MustParse(`(= subject.role "admin")`)
	r.SetPolicy(ResourceTCPOutlet, member)
	r.SetPolicy(ResourceTCPInlet, admin)
	require.Equal([]string{ResourceTCPInlet, ResourceTCPOutlet}, r.ResourceTypes())

	got, err := r.Resolve(ResourceTCPOutlet, nil)
	require.NoError(err)
	require.Equal(member.String(), got.String())

	got, err = r.Resolve(ResourceTCPOutlet, admin)
	require.NoError(err)
	require.Equal(admin.String(), got.String())

	r.DeletePolicy(ResourceTCPOutlet)
	_, ok := r.Policy(ResourceTCPOutlet)
	require.False(ok)
}
