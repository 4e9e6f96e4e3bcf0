package calibration

import (
	"io"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietEvaluator() *Evaluator {
	return NewEvaluator(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEval(t *testing.T) {
	cases := []struct {
		formula string
		x       float64
		want    float64
	}{
		{"x * 2 + 1", 10, 21},
		{"sqrt(x)", 16, 4},
		{"x * 0.5 + 10", 100, 60},
		{"(x - 32) * 5 / 9", 212, 100},
		{"x ** 2", 3, 9},
		{"2 ** 3 ** 2", 0, 512},
		{"-x ** 2", 3, -9},
		{"2 ** -1", 0, 0.5},
		{"-x", 4, -4},
		{"+x", 4, 4},
		{"abs(x - 10)", 4, 6},
		{"log(x)", math.E, 1},
		{"log(x, 10)", 1000, 3},
		{"round(x)", 2.5, 2},
		{"round(x)", 3.5, 4},
		{"round(x, 2)", 1.23456, 1.23},
		{".5 * x", 8, 4},
		{"1e3 * x", 2, 2000},
		{"x", 7, 7},
	}
	for _, tc := range cases {
		t.Run(tc.formula, func(t *testing.T) {
			got, err := Eval(tc.formula, tc.x)
			require.NoError(t, err)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}

func TestEvalRejects(t *testing.T) {
	cases := []struct {
		formula string
		want    error
	}{
		{"x / 0", ErrDivisionByZero},
		{"0 ** -1", ErrDivisionByZero},
		{"sqrt(-1)", ErrDomain},
		{"log(x - 10)", ErrDomain},
		{"(-8) ** 0.5", ErrDomain},
		{"y + 1", ErrUnknownVariable},
		{"__import__", ErrUnknownVariable},
		{"exec(x)", ErrUnknownFunction},
		{"sqrt(x, 2)", ErrArity},
		{"abs()", ErrArity},
		{"x % 2", ErrSyntax},
		{"x // 2", ErrSyntax},
		{"x +", ErrSyntax},
		{"(x + 1", ErrSyntax},
		{"x[0]", ErrSyntax},
		{"1.2.3", ErrSyntax},
		{"x" + strings.Repeat(" + 1", 13), ErrFormulaTooLong},
		{"10 ** 400", ErrDomain},
	}
	for _, tc := range cases {
		t.Run(tc.formula, func(t *testing.T) {
			_, err := Eval(tc.formula, 5)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestEvaluator(t *testing.T) {
	e := quietEvaluator()

	t.Run("blank formula passes the raw value", func(t *testing.T) {
		for _, x := range []float64{0, -3.5, 42, 1e9} {
			assert.Equal(t, x, e.Evaluate("", x))
			assert.Equal(t, x, e.Evaluate("   ", x))
		}
	})

	t.Run("applies valid formulas", func(t *testing.T) {
		assert.Equal(t, 21.0, e.Evaluate("x * 2 + 1", 10))
		assert.Equal(t, 4.0, e.Evaluate("sqrt(x)", 16))
	})

	t.Run("fails open to the raw value", func(t *testing.T) {
		assert.Equal(t, 5.0, e.Evaluate("x / 0", 5))
		assert.Equal(t, 5.0, e.Evaluate("open('/etc/passwd')", 5))
		assert.Equal(t, 5.0, e.Evaluate("log(-x)", 5))
		assert.Equal(t, 5.0, e.Evaluate(strings.Repeat("x+", 30)+"x", 5))
	})

	t.Run("never returns a non-finite number", func(t *testing.T) {
		formulas := []string{"x ** x", "x * 1e308 * 10", "1 / (x - x)", "sqrt(x) ** 1000"}
		for _, f := range formulas {
			for _, x := range []float64{-10, -1, 0, 1, 10, 1000} {
				v := e.Evaluate(f, x)
				assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "%s at %g gave %g", f, x, v)
			}
		}
	})
}

func TestParse(t *testing.T) {
	tree, err := Parse("sqrt(x) + 2 * x")
	require.NoError(t, err)

	sum, ok := tree.(Binary)
	require.True(t, ok)
	assert.Equal(t, "+", sum.Op)
	assert.Equal(t, Call{Func: "sqrt", Args: []Node{Variable{Name: "x"}}}, sum.Left)
	assert.Equal(t, Binary{Op: "*", Left: Number{Value: 2}, Right: Variable{Name: "x"}}, sum.Right)
}
