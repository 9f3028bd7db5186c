package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapResolver backs identifiers with a plain map; field/index hops are
// rejected like an empty snapshot would.
type mapResolver map[string]float64

func (m mapResolver) ResolveIdent(name string) (Value, error) {
	if v, ok := m[name]; ok {
		return Value{Num: v}, nil
	}
	return Value{}, assert.AnError
}

func (m mapResolver) ResolveField(base Value, field string) (Value, error) {
	return Value{}, assert.AnError
}

func (m mapResolver) ResolveIndex(base, index Value) (Value, error) {
	return Value{}, assert.AnError
}

func evalStr(t *testing.T, src string, env Resolver) Value {
	t.Helper()
	n, err := Parse(src)
	require.NoError(t, err)
	v, err := Eval(n, env)
	require.NoError(t, err)
	return v
}

func TestParseAndEvalArithmetic(t *testing.T) {
	cases := map[string]float64{
		"1 + 2 * 3":       7,
		"(1 + 2) * 3":     9,
		"10 - 4 / 2":      8,
		"-5 + 3":          -2,
		"x * 2":           84,
		"x > 10":          1,
		"x < 10":          0,
		"x == 42":         1,
		"x != 42":         0,
		"x > 1 && x < 50": 1,
		"x < 1 || x > 40": 1,
	}
	env := mapResolver{"x": 42}
	for src, want := range cases {
		assert.Equal(t, want, evalStr(t, src, env).Num, "expr %q", src)
	}
}

func TestParseStringLiteral(t *testing.T) {
	v := evalStr(t, `"hello"`, nil)
	assert.True(t, v.IsString)
	assert.Equal(t, "hello", v.Str)
}

func TestParseRejectsOutsideWhitelist(t *testing.T) {
	// The whitelist admits literals, identifier access, indexed
	// access with literal keys, arithmetic, comparison, boolean operators
	// — and nothing else.
	rejected := []string{
		"f(1)",             // function call
		"x = 1",            // assignment
		"x; y",             // statement sequence
		"x.__proto__ = 1",  // property assignment
		"import os",        // anything statement-like
		"x++",              // mutation
		"`cmd`",            // backtick
		"{1: 2}",           // object literal
		"",                 // empty
	}
	for _, src := range rejected {
		_, err := Parse(src)
		assert.Error(t, err, "expr %q must be rejected", src)
	}
}

func TestParseAcceptsWhitelistedShapes(t *testing.T) {
	accepted := []string{
		"x",
		"x.y",
		"x.y.z",
		"x[0]",
		`x["key"]`,
		"x + y * 2 == 10",
		`"a" == "b"`,
	}
	for _, src := range accepted {
		_, err := Parse(src)
		assert.NoError(t, err, "expr %q must parse", src)
	}
}

func TestParseLengthBoundary(t *testing.T) {
	// Exactly MaxExprLen characters accepted, one more rejected.
	pad := strings.Repeat(" ", MaxExprLen-1)
	_, err := Parse("x" + pad)
	assert.NoError(t, err)
	_, err = Parse("x" + pad + " ")
	assert.Error(t, err)
}

func TestEvalStringComparison(t *testing.T) {
	v := evalStr(t, `"abc" == "abc"`, nil)
	assert.Equal(t, float64(1), v.Num)
	v = evalStr(t, `"abc" < "abd"`, nil)
	assert.Equal(t, float64(1), v.Num)
}

func TestEvalDivisionByZero(t *testing.T) {
	n, err := Parse("1 / 0")
	require.NoError(t, err)
	_, err = Eval(n, nil)
	assert.Error(t, err)
}
