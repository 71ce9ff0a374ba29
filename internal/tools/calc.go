package tools

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
)

// calcEnv exposes math helpers to calculator expressions. Power is
// written as ** or ^.
var calcEnv = map[string]any{
	"pi":    math.Pi,
	"e":     math.E,
	"sqrt":  math.Sqrt,
	"cbrt":  math.Cbrt,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
	"asin":  math.Asin,
	"acos":  math.Acos,
	"atan":  math.Atan,
	"log":   math.Log10,
	"ln":    math.Log,
	"log2":  math.Log2,
	"exp":   math.Exp,
	"hypot": math.Hypot,
	"factorial": func(n int) (int, error) {
		if n < 0 || n > 20 {
			return 0, errors.New("factorial argument out of range 0..20")
		}
		r := 1
		for i := 2; i <= n; i++ {
			r *= i
		}
		return r, nil
	},
}

// Calculate evaluates an arithmetic expression and formats the result.
// Integral results are printed without a decimal point.
func Calculate(expression string) (string, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return "", errors.New("empty expression")
	}

	program, err := expr.Compile(expression, expr.Env(calcEnv))
	if err != nil {
		return "", fmt.Errorf("parse expression: %w", err)
	}
	out, err := expr.Run(program, calcEnv)
	if err != nil {
		return "", fmt.Errorf("evaluate expression: %w", err)
	}
	return formatNumber(out)
}

func formatNumber(v any) (string, error) {
	switch n := v.(type) {
	case int:
		return strconv.Itoa(n), nil
	case int64:
		return strconv.FormatInt(n, 10), nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return "", fmt.Errorf("result is %v", n)
		}
		if n == math.Trunc(n) && math.Abs(n) < 1e15 {
			return strconv.FormatFloat(n, 'f', -1, 64), nil
		}
		return strconv.FormatFloat(n, 'g', 12, 64), nil
	case bool:
		return strconv.FormatBool(n), nil
	default:
		return "", fmt.Errorf("expression did not produce a number (got %T)", v)
	}
}

// CalculatorTool returns the calculator tool.
func CalculatorTool() Tool {
	return TextTool("calculator",
		"Evaluates an arithmetic expression exactly, e.g. 2**10+1 or sqrt(2)*pi. Argument: the expression.",
		false,
		func(_ context.Context, arg string) (string, error) {
			return Calculate(arg)
		})
}
