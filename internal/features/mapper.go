package features

import (
	"fmt"
	"math"
	"sort"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// DefaultExpressions maps the stock model columns onto transaction fields.
// Account numbers are numeric strings and are fed to the models as numbers.
func DefaultExpressions() map[string]string {
	return map[string]string{
		"Source":    "double(source_account)",
		"Target":    "double(target_account)",
		"Weight":    "amount",
		"typeTrans": "double(tx_type)",
	}
}

// TxInput is the transaction view exposed to mapping expressions.
type TxInput struct {
	SourceAccount string
	TargetAccount string
	Amount        float64
	Type          int
	Balance       float64
	Currency      string
	Metadata      map[string]any
}

// Mapper evaluates one compiled CEL expression per feature to turn a
// transaction into Raw attributes.
type Mapper struct {
	env   *cel.Env
	exprs []compiledExpr
}

type compiledExpr struct {
	feature    string
	expression string
	program    cel.Program
}

// NewMapper compiles the feature expressions. Expressions must evaluate to
// a double, int or bool.
func NewMapper(expressions map[string]string) (*Mapper, error) {
	env, err := cel.NewEnv(
		cel.Variable("source_account", cel.StringType),
		cel.Variable("target_account", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("tx_type", cel.IntType),
		cel.Variable("balance", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	names := make([]string, 0, len(expressions))
	for name := range expressions {
		names = append(names, name)
	}
	sort.Strings(names)

	m := &Mapper{env: env, exprs: make([]compiledExpr, 0, len(names))}
	for _, name := range names {
		compiled, err := m.compile(name, expressions[name])
		if err != nil {
			return nil, err
		}
		m.exprs = append(m.exprs, compiled)
	}
	return m, nil
}

func (m *Mapper) compile(feature, expression string) (compiledExpr, error) {
	ast, issues := m.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return compiledExpr{}, fmt.Errorf("failed to compile expression for %s: %w", feature, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return compiledExpr{}, fmt.Errorf("feature %s: expression must return bool, int, or double, got %s", feature, outputType)
	}

	program, err := m.env.Program(ast)
	if err != nil {
		return compiledExpr{}, fmt.Errorf("failed to create program for %s: %w", feature, err)
	}

	return compiledExpr{feature: feature, expression: expression, program: program}, nil
}

// Map evaluates every expression against in. Conversion failures, such as
// a non-numeric account number, are reported as *InputError.
func (m *Mapper) Map(in *TxInput) (Raw, error) {
	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	activation := map[string]any{
		"source_account": in.SourceAccount,
		"target_account": in.TargetAccount,
		"amount":         in.Amount,
		"tx_type":        int64(in.Type),
		"balance":        in.Balance,
		"currency":       in.Currency,
		"tx":             metadata,
	}

	raw := make(Raw, len(m.exprs))
	for _, e := range m.exprs {
		out, _, err := e.program.Eval(activation)
		if err != nil {
			return nil, &InputError{Field: e.feature, Reason: err.Error()}
		}
		f := toNumber(out)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, &InputError{Field: e.feature, Reason: "value must be finite"}
		}
		raw[e.feature] = f
	}
	return raw, nil
}

// Expressions returns the source of every compiled expression.
func (m *Mapper) Expressions() map[string]string {
	out := make(map[string]string, len(m.exprs))
	for _, e := range m.exprs {
		out[e.feature] = e.expression
	}
	return out
}

func toNumber(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}
