package fraud

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/loyalty/internal/domain"
)

// customRule is a compiled administrator-defined signal.
type customRule struct {
	cfg     domain.CustomSignalRule
	program cel.Program
}

func newCELEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("player", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("activity", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("segment", cel.StringType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

func compileCustomRule(env *cel.Env, cfg domain.CustomSignalRule) (*customRule, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("custom signal rule id is required")
	}
	if strings.TrimSpace(cfg.Expression) == "" {
		return nil, fmt.Errorf("custom signal rule %s: expression is required", cfg.ID)
	}

	ast, issues := env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile custom signal rule %s: %w", cfg.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("custom signal rule %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for custom signal rule %s: %w", cfg.ID, err)
	}

	if cfg.SignalType == "" {
		cfg.SignalType = domain.SignalType(strings.ToUpper(cfg.ID))
	}
	cfg.Severity = clampSeverity(cfg.Severity)

	return &customRule{cfg: cfg, program: program}, nil
}

func (r *customRule) eval(activation map[string]any) (bool, error) {
	out, _, err := r.program.Eval(activation)
	if err != nil {
		return false, err
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("unexpected result type %s", out.Type())
	}
	return bool(b), nil
}

func activationFor(state *domain.PlayerState, summary Summary) map[string]any {
	player := make(map[string]any)
	for k, v := range state.NumericVariables() {
		player[k] = v
	}
	player["player_id"] = state.PlayerID
	player["tier"] = state.Tier
	return map[string]any{
		"player":   player,
		"activity": summary.Vars(),
		"segment":  string(state.Segment),
	}
}

func clampSeverity(s int) int {
	if s < 1 {
		return 1
	}
	if s > 10 {
		return 10
	}
	return s
}
