package formula

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func TestEvaluate(t *testing.T) {
	vars := map[string]float64{
		"net_loss":       100,
		"net_pnl":        -150,
		"total_wagered":  2000,
		"deposit_amount": 50,
	}

	tests := []struct {
		name    string
		formula string
		want    float64
	}{
		{"Literal", "42", 42},
		{"Decimal", "0.5", 0.5},
		{"LeadingDot", ".25", 0.25},
		{"Variable", "net_loss", 100},
		{"Percentage", "net_loss * 0.10", 10},
		{"Precedence", "2 + 3 * 4", 14},
		{"Parentheses", "(2 + 3) * 4", 20},
		{"LeftAssociativeMinus", "10 - 4 - 3", 3},
		{"LeftAssociativeDivide", "100 / 10 / 5", 2},
		{"UnaryMinus", "-net_pnl", 150},
		{"DoubleNegation", "--5", 5},
		{"NegatedGroup", "-(2 + 3) * 2", -10},
		{"MixedVariables", "deposit_amount * 2 + total_wagered / 100", 120},
		{"Whitespace", "  net_loss\t*\n2 ", 200},
		{"NegativeResultAllowed", "net_pnl * 2", -300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.formula, vars)
			if err != nil {
				t.Fatalf("Evaluate(%q) failed: %v", tt.formula, err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.formula, got, tt.want)
			}
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	vars := map[string]float64{"x": 1, "zero": 0}

	tests := []struct {
		name    string
		formula string
		msg     string
	}{
		{"Empty", "", "unexpected end"},
		{"DivisionByZeroLiteral", "1 / 0", "division by zero"},
		{"DivisionByZeroVariable", "x / zero", "division by zero"},
		{"DivisionByZeroExpression", "x / (x - 1)", "division by zero"},
		{"UnbalancedOpen", "(x + 1", "expected ')'"},
		{"UnbalancedClose", "x + 1)", "unexpected"},
		{"TrailingOperator", "x +", "unexpected end"},
		{"AdjacentNumbers", "1 2", "unexpected"},
		{"FunctionCall", "max(x, 1)", "unexpected character"},
		{"AttributeAccess", "x.__class__", "invalid number"},
		{"Exponent", "x ** 2", "unexpected"},
		{"Modulo", "x % 2", "unexpected character"},
		{"StringLiteral", "'a'", "unexpected character"},
		{"Brackets", "x[0]", "unexpected character"},
		{"UnaryPlus", "+x", "unexpected"},
		{"BadNumber", "1.2.3", "invalid number"},
		{"NumberThenIdent", "2x", "identifier cannot follow"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Evaluate(tt.formula, vars)
			if err == nil {
				t.Fatalf("Evaluate(%q) succeeded, want error", tt.formula)
			}
			if !errors.Is(err, ErrFormula) {
				t.Errorf("expected ErrFormula, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.msg)
			}
		})
	}
}

func TestUnknownVariable(t *testing.T) {
	_, err := Evaluate("net_loss * bonus_rate", map[string]float64{"net_loss": 10})
	if err == nil {
		t.Fatal("expected error for unbound variable")
	}

	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected *Error, got %T", err)
	}
	if fe.Variable != "bonus_rate" {
		t.Errorf("expected variable 'bonus_rate', got '%s'", fe.Variable)
	}
	if !strings.Contains(err.Error(), "bonus_rate") {
		t.Errorf("error should name the variable: %v", err)
	}
}

func TestCompile(t *testing.T) {
	t.Run("ReusableAcrossBindings", func(t *testing.T) {
		f := MustCompile("net_loss * 0.1")
		for _, loss := range []float64{0, 100, 3000} {
			got, err := f.Eval(map[string]float64{"net_loss": loss})
			if err != nil {
				t.Fatalf("Eval failed: %v", err)
			}
			if math.Abs(got-loss*0.1) > 1e-9 {
				t.Errorf("expected %v, got %v", loss*0.1, got)
			}
		}
	})

	t.Run("Variables", func(t *testing.T) {
		f := MustCompile("a + b * a - c")
		got := f.Variables()
		want := []string{"a", "b", "c"}
		if len(got) != len(want) {
			t.Fatalf("expected %v, got %v", want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("expected %v, got %v", want, got)
			}
		}
	})

	t.Run("TooLong", func(t *testing.T) {
		_, err := Compile(strings.Repeat("1+", MaxLength) + "1")
		if !errors.Is(err, ErrFormula) {
			t.Errorf("expected ErrFormula, got %v", err)
		}
	})

	t.Run("TooDeep", func(t *testing.T) {
		src := strings.Repeat("(", MaxDepth+2) + "1" + strings.Repeat(")", MaxDepth+2)
		_, err := Compile(src)
		if err == nil || !strings.Contains(err.Error(), "nesting") {
			t.Errorf("expected nesting error, got %v", err)
		}
	})

	t.Run("Overflow", func(t *testing.T) {
		_, err := Evaluate("x * x", map[string]float64{"x": 1e200})
		if err == nil || !strings.Contains(err.Error(), "finite") {
			t.Errorf("expected non-finite error, got %v", err)
		}
	})
}
