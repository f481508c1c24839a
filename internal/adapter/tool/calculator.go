package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"go.opentelemetry.io/otel/trace"

	"convoagent/internal/domain"
	"convoagent/internal/infra/tracer"
)

const maxExpressionLength = 512

var calcFuncs = map[string]func(args []float64) (float64, error){
	"sqrt":  unary(math.Sqrt),
	"abs":   unary(math.Abs),
	"floor": unary(math.Floor),
	"ceil":  unary(math.Ceil),
	"round": unary(math.Round),
	"ln":    unary(math.Log),
	"log10": unary(math.Log10),
	"sin":   unary(math.Sin),
	"cos":   unary(math.Cos),
	"tan":   unary(math.Tan),
	"pow": func(args []float64) (float64, error) {
		if len(args) != 2 {
			return 0, fmt.Errorf("pow takes 2 arguments, got %d", len(args))
		}
		return math.Pow(args[0], args[1]), nil
	},
	"min": variadic(math.Min),
	"max": variadic(math.Max),
}

var calcConsts = map[string]any{
	"pi": math.Pi,
	"e":  math.E,
}

func unary(fn func(float64) float64) func([]float64) (float64, error) {
	return func(args []float64) (float64, error) {
		if len(args) != 1 {
			return 0, fmt.Errorf("expected 1 argument, got %d", len(args))
		}
		return fn(args[0]), nil
	}
}

func variadic(fn func(a, b float64) float64) func([]float64) (float64, error) {
	return func(args []float64) (float64, error) {
		if len(args) == 0 {
			return 0, errors.New("expected at least 1 argument")
		}
		out := args[0]
		for _, a := range args[1:] {
			out = fn(out, a)
		}
		return out, nil
	}
}

// calcOptions restricts expr to numeric constants and the whitelisted
// functions. Builtins are disabled so only calcFuncs can be called.
func calcOptions() []expr.Option {
	opts := []expr.Option{
		expr.Env(calcConsts),
		expr.DisableAllBuiltins(),
		expr.AsFloat64(),
	}
	for name, fn := range calcFuncs {
		opts = append(opts, expr.Function(name, wrapCalcFunc(name, fn)))
	}
	return opts
}

func wrapCalcFunc(name string, fn func([]float64) (float64, error)) func(params ...any) (any, error) {
	return func(params ...any) (any, error) {
		args := make([]float64, len(params))
		for i, p := range params {
			switch v := p.(type) {
			case int:
				args[i] = float64(v)
			case float64:
				args[i] = v
			default:
				return nil, fmt.Errorf("%s: argument %d is not a number", name, i+1)
			}
		}
		v, err := fn(args)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return v, nil
	}
}

// CalculatorTool evaluates arithmetic expressions.
type CalculatorTool struct {
	logger *slog.Logger
}

// NewCalculatorTool creates a calculator tool.
func NewCalculatorTool(logger *slog.Logger) *CalculatorTool {
	return &CalculatorTool{logger: logger}
}

func (t *CalculatorTool) Name() string { return "calculator" }
func (t *CalculatorTool) Description() string {
	return "Evaluate an arithmetic expression. Supports + - * / %, parentheses, pi, e and the functions " +
		joinComma(funcNames()) + "."
}

func (t *CalculatorTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"expression": {"type": "string", "minLength": 1, "maxLength": 512, "description": "Expression to evaluate, e.g. (2 + 3) * pow(2, 8)"}
			},
			"required": ["expression"]
		}`),
	}
}

type calculatorParams struct {
	Expression string `json:"expression"`
}

func (t *CalculatorTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, t.Name(), t.logger, params,
		func(_ context.Context, span trace.Span, p calculatorParams) (any, error) {
			input := strings.TrimSpace(p.Expression)
			span.SetAttributes(tracer.StringAttr("tool.expression", input))
			v, err := Evaluate(input)
			if err != nil {
				return nil, err
			}
			return input + " = " + formatNumber(v), nil
		},
	)
}

// Evaluate compiles and runs an arithmetic expression.
func Evaluate(input string) (float64, error) {
	if input == "" {
		return 0, errors.New("expression must not be empty")
	}
	if len(input) > maxExpressionLength {
		return 0, fmt.Errorf("expression longer than %d characters", maxExpressionLength)
	}
	if strings.Contains(input, "^") || strings.Contains(input, "**") {
		return 0, errors.New("use pow(x, y) for exponentiation")
	}
	program, err := expr.Compile(input, calcOptions()...)
	if err != nil {
		return 0, fmt.Errorf("parse expression: %w", err)
	}
	out, err := expr.Run(program, calcConsts)
	if err != nil {
		return 0, fmt.Errorf("evaluate expression: %w", err)
	}
	v, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("result is not a number: %T", out)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("result is not a finite number")
	}
	return v, nil
}

func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'g', 12, 64)
}

func funcNames() []string {
	names := make([]string, 0, len(calcFuncs))
	for name := range calcFuncs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
