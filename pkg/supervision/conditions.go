package supervision

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// conditionEnv evaluates edge conditions. The only variable is `action`, the
// JSON form of the Action under evaluation.
type conditionEnv struct {
	env *cel.Env
}

func newConditionEnv() (*conditionEnv, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &conditionEnv{env: env}, nil
}

// compile parses, lints, type-checks and plans a condition.
func (c *conditionEnv) compile(expr string) (cel.Program, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if out := ast.OutputType(); out.Kind() != types.BoolKind && out.Kind() != types.DynKind {
		return nil, fmt.Errorf("condition must be boolean, got %s", out)
	}
	if problems, err := lintCondition(ast); err != nil {
		return nil, err
	} else if len(problems) > 0 {
		return nil, fmt.Errorf("condition rejected: %v", problems)
	}
	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	return prg, nil
}

// lintCondition walks the parsed expression and rejects constructs that make
// a verdict depend on anything other than the action itself.
func lintCondition(ast *cel.Ast) ([]string, error) {
	parsed, err := cel.AstToParsedExpr(ast)
	if err != nil {
		return nil, fmt.Errorf("condition AST: %w", err)
	}
	var problems []string
	bound := map[string]bool{"action": true}
	walkExpr(parsed.GetExpr(), bound, &problems)
	return problems, nil
}

func walkExpr(e *exprpb.Expr, bound map[string]bool, problems *[]string) {
	if e == nil {
		return
	}
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_IdentExpr:
		if !bound[k.IdentExpr.GetName()] {
			*problems = append(*problems, fmt.Sprintf("unknown identifier %q", k.IdentExpr.GetName()))
		}
	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		switch call.GetFunction() {
		case "now", "timestamp", "duration":
			*problems = append(*problems, fmt.Sprintf("%s() is not allowed in edge conditions", call.GetFunction()))
		}
		walkExpr(call.GetTarget(), bound, problems)
		for _, arg := range call.GetArgs() {
			walkExpr(arg, bound, problems)
		}
	case *exprpb.Expr_SelectExpr:
		walkExpr(k.SelectExpr.GetOperand(), bound, problems)
	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.GetElements() {
			walkExpr(el, bound, problems)
		}
	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.GetEntries() {
			walkExpr(entry.GetMapKey(), bound, problems)
			walkExpr(entry.GetValue(), bound, problems)
		}
	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		inner := make(map[string]bool, len(bound)+2)
		for name := range bound {
			inner[name] = true
		}
		inner[comp.GetIterVar()] = true
		inner[comp.GetAccuVar()] = true
		walkExpr(comp.GetIterRange(), bound, problems)
		walkExpr(comp.GetAccuInit(), inner, problems)
		walkExpr(comp.GetLoopCondition(), inner, problems)
		walkExpr(comp.GetLoopStep(), inner, problems)
		walkExpr(comp.GetResult(), inner, problems)
	}
}

// actionInput converts an action to the CEL activation.
func actionInput(a Action) (map[string]any, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return map[string]any{"action": m}, nil
}

func evalCondition(prg cel.Program, input map[string]any) (bool, error) {
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("CEL eval error: %w", err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition result not boolean")
	}
	return v, nil
}
