// internal/calibration/evaluator.go
package calibration

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
)

var (
	ErrUnknownVariable = errors.New("variable not allowed")
	ErrUnknownFunction = errors.New("function not allowed")
	ErrArity           = errors.New("wrong number of arguments")
	ErrUnsupportedNode = errors.New("unsupported expression")
	ErrDivisionByZero  = errors.New("division by zero")
	ErrDomain          = errors.New("math domain error")
)

type function struct {
	minArgs, maxArgs int
	apply            func(args []float64) (float64, error)
}

var functions = map[string]function{
	"sqrt": {1, 1, func(a []float64) (float64, error) {
		if a[0] < 0 {
			return 0, fmt.Errorf("%w: sqrt(%g)", ErrDomain, a[0])
		}
		return math.Sqrt(a[0]), nil
	}},
	"log": {1, 2, func(a []float64) (float64, error) {
		if a[0] <= 0 {
			return 0, fmt.Errorf("%w: log(%g)", ErrDomain, a[0])
		}
		if len(a) == 1 {
			return math.Log(a[0]), nil
		}
		if a[1] <= 0 || a[1] == 1 {
			return 0, fmt.Errorf("%w: log base %g", ErrDomain, a[1])
		}
		return math.Log(a[0]) / math.Log(a[1]), nil
	}},
	"abs": {1, 1, func(a []float64) (float64, error) {
		return math.Abs(a[0]), nil
	}},
	"round": {1, 2, func(a []float64) (float64, error) {
		if len(a) == 1 {
			return math.RoundToEven(a[0]), nil
		}
		if a[1] != math.Trunc(a[1]) {
			return 0, fmt.Errorf("%w: round ndigits must be an integer", ErrDomain)
		}
		scale := math.Pow(10, a[1])
		return math.RoundToEven(a[0]*scale) / scale, nil
	}},
}

// Eval parses formula and evaluates it with the variable x bound to x.
// A blank formula yields x.
func Eval(formula string, x float64) (float64, error) {
	if strings.TrimSpace(formula) == "" {
		return x, nil
	}
	tree, err := Parse(formula)
	if err != nil {
		return 0, err
	}
	v, err := evalNode(tree, x)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: result is not finite", ErrDomain)
	}
	return v, nil
}

func evalNode(n Node, x float64) (float64, error) {
	switch n := n.(type) {
	case Number:
		return n.Value, nil
	case Variable:
		if n.Name != "x" {
			return 0, fmt.Errorf("%w: %s", ErrUnknownVariable, n.Name)
		}
		return x, nil
	case Unary:
		v, err := evalNode(n.Operand, x)
		if err != nil {
			return 0, err
		}
		switch n.Op {
		case "+":
			return v, nil
		case "-":
			return -v, nil
		}
		return 0, fmt.Errorf("%w: unary %q", ErrUnsupportedNode, n.Op)
	case Binary:
		l, err := evalNode(n.Left, x)
		if err != nil {
			return 0, err
		}
		r, err := evalNode(n.Right, x)
		if err != nil {
			return 0, err
		}
		return binary(n.Op, l, r)
	case Call:
		fn, ok := functions[n.Func]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownFunction, n.Func)
		}
		if len(n.Args) < fn.minArgs || len(n.Args) > fn.maxArgs {
			return 0, fmt.Errorf("%w: %s takes %d..%d, got %d", ErrArity, n.Func, fn.minArgs, fn.maxArgs, len(n.Args))
		}
		args := make([]float64, len(n.Args))
		for i, a := range n.Args {
			v, err := evalNode(a, x)
			if err != nil {
				return 0, err
			}
			args[i] = v
		}
		return fn.apply(args)
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedNode, n)
	}
}

func binary(op string, l, r float64) (float64, error) {
	switch op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return 0, ErrDivisionByZero
		}
		return l / r, nil
	case "**":
		if l == 0 && r < 0 {
			return 0, ErrDivisionByZero
		}
		if l < 0 && r != math.Trunc(r) {
			return 0, fmt.Errorf("%w: fractional power of a negative number", ErrDomain)
		}
		v := math.Pow(l, r)
		if math.IsInf(v, 0) {
			return 0, fmt.Errorf("%w: overflow", ErrDomain)
		}
		return v, nil
	}
	return 0, fmt.Errorf("%w: operator %q", ErrUnsupportedNode, op)
}

// Evaluator applies calibration formulas to raw readings. A formula that
// fails to parse or evaluate never blocks a reading: the raw value is
// returned and the failure is logged.
type Evaluator struct {
	log *slog.Logger
}

func NewEvaluator(log *slog.Logger) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{log: log}
}

// Evaluate returns the calibrated value, or x unchanged on any failure.
func (e *Evaluator) Evaluate(formula string, x float64) float64 {
	v, err := Eval(formula, x)
	if err != nil {
		e.log.Warn("calibration failed, using raw value",
			"formula", formula,
			"raw", x,
			"error", err)
		return x
	}
	return v
}
