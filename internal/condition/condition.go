// Package condition compiles reward rule conditions into a closed set of
// condition kinds and matches them against player snapshots.
//
// Supported shapes per key:
//
//	"segment": "LOSING"                   equality
//	"segment": ["LOSING", "BREAKEVEN"]    membership
//	"net_pnl": {"min": -500, "max": 0}    range (optionally "equals")
//	"net_loss_min": 100                   threshold on net_loss
//
// All conditions of a rule must match. There is no OR.
package condition

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/opensource-finance/loyalty/internal/domain"
)

// ErrCondition is the sentinel wrapped by every *Error.
var ErrCondition = errors.New("condition error")

// Error reports a malformed condition value.
type Error struct {
	Key string
	Msg string
}

func (e *Error) Error() string {
	return fmt.Sprintf("condition %q: %s", e.Key, e.Msg)
}

func (e *Error) Unwrap() error { return ErrCondition }

// Kind tags a compiled condition.
type Kind int

const (
	KindEquality Kind = iota + 1
	KindMembership
	KindRange
	KindThreshold
)

func (k Kind) String() string {
	switch k {
	case KindEquality:
		return "equality"
	case KindMembership:
		return "membership"
	case KindRange:
		return "range"
	case KindThreshold:
		return "threshold"
	}
	return "unknown"
}

// Condition is one compiled entry of a rule's conditions.
type Condition struct {
	Key    string // as authored
	Field  string // field it reads
	Kind   Kind
	Value  domain.FieldValue   // equality, and range "equals"
	Values []domain.FieldValue // membership
	Min    *float64
	Max    *float64
}

// Set is a compiled, ordered list of conditions.
type Set []Condition

// Parse compiles raw conditions. Keys are processed in sorted order so the
// first reported error is deterministic.
func Parse(raw map[string]any) (Set, error) {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	set := make(Set, 0, len(keys))
	for _, key := range keys {
		c, err := parseOne(key, raw[key])
		if err != nil {
			return nil, err
		}
		set = append(set, c)
	}
	return set, nil
}

// Match parses and matches in one step.
func Match(raw map[string]any, state *domain.PlayerState) (bool, error) {
	set, err := Parse(raw)
	if err != nil {
		return false, err
	}
	return set.Match(state), nil
}

func parseOne(key string, v any) (Condition, error) {
	if key == "" {
		return Condition{}, &Error{Key: key, Msg: "empty key"}
	}

	if !domain.KnownField(key) {
		if base, ok := strings.CutSuffix(key, "_min"); ok && base != "" {
			return parseThreshold(key, base, v, true)
		}
		if base, ok := strings.CutSuffix(key, "_max"); ok && base != "" {
			return parseThreshold(key, base, v, false)
		}
	}

	switch val := v.(type) {
	case nil:
		return Condition{}, &Error{Key: key, Msg: "null value"}
	case map[string]any:
		return parseObject(key, val)
	case []any:
		return parseList(key, val)
	case []string:
		items := make([]any, len(val))
		for i, s := range val {
			items[i] = s
		}
		return parseList(key, items)
	}

	fv, ok := scalar(v)
	if !ok {
		return Condition{}, &Error{Key: key, Msg: fmt.Sprintf("unsupported value type %T", v)}
	}
	return Condition{Key: key, Field: key, Kind: KindEquality, Value: fv}, nil
}

func parseThreshold(key, base string, v any, isMin bool) (Condition, error) {
	n, ok := number(v)
	if !ok {
		return Condition{}, &Error{Key: key, Msg: fmt.Sprintf("threshold must be numeric, got %T", v)}
	}
	c := Condition{Key: key, Field: base, Kind: KindThreshold}
	if isMin {
		c.Min = &n
	} else {
		c.Max = &n
	}
	return c, nil
}

func parseObject(key string, obj map[string]any) (Condition, error) {
	if len(obj) == 0 {
		return Condition{}, &Error{Key: key, Msg: "empty comparison object"}
	}

	c := Condition{Key: key, Field: key, Kind: KindRange}
	for k, raw := range obj {
		switch k {
		case "min", "max":
			n, ok := number(raw)
			if !ok {
				return Condition{}, &Error{Key: key, Msg: fmt.Sprintf("%s must be numeric, got %T", k, raw)}
			}
			if k == "min" {
				c.Min = &n
			} else {
				c.Max = &n
			}
		case "equals":
			fv, ok := scalar(raw)
			if !ok {
				return Condition{}, &Error{Key: key, Msg: fmt.Sprintf("equals must be a scalar, got %T", raw)}
			}
			c.Value = fv
		default:
			return Condition{}, &Error{Key: key, Msg: fmt.Sprintf("unknown comparison %q", k)}
		}
	}

	if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
		return Condition{}, &Error{Key: key, Msg: fmt.Sprintf("min %v greater than max %v", *c.Min, *c.Max)}
	}
	return c, nil
}

func parseList(key string, items []any) (Condition, error) {
	if len(items) == 0 {
		return Condition{}, &Error{Key: key, Msg: "empty list"}
	}
	c := Condition{Key: key, Field: key, Kind: KindMembership, Values: make([]domain.FieldValue, 0, len(items))}
	for i, item := range items {
		fv, ok := scalar(item)
		if !ok {
			return Condition{}, &Error{Key: key, Msg: fmt.Sprintf("list item %d must be a scalar, got %T", i, item)}
		}
		c.Values = append(c.Values, fv)
	}
	return c, nil
}

// Match reports whether every condition holds for state.
func (s Set) Match(state *domain.PlayerState) bool {
	for i := range s {
		if !s[i].Match(state) {
			return false
		}
	}
	return true
}

// Fields returns the distinct fields read by the set.
func (s Set) Fields() []string {
	seen := make(map[string]bool, len(s))
	var out []string
	for _, c := range s {
		if !seen[c.Field] {
			seen[c.Field] = true
			out = append(out, c.Field)
		}
	}
	return out
}

// Match reports whether the condition holds. A field missing from the
// snapshot, or of a different type, never matches.
func (c *Condition) Match(state *domain.PlayerState) bool {
	if state == nil {
		return false
	}
	fv, ok := state.Field(c.Field)
	if !ok {
		return false
	}

	switch c.Kind {
	case KindEquality:
		return equal(fv, c.Value)
	case KindMembership:
		for _, v := range c.Values {
			if equal(fv, v) {
				return true
			}
		}
		return false
	case KindRange, KindThreshold:
		if c.Value.Kind != 0 && !equal(fv, c.Value) {
			return false
		}
		if c.Min == nil && c.Max == nil {
			return true
		}
		if fv.Kind != domain.KindNumber {
			return false
		}
		if c.Min != nil && fv.Num < *c.Min {
			return false
		}
		if c.Max != nil && fv.Num > *c.Max {
			return false
		}
		return true
	}
	return false
}

func equal(a, b domain.FieldValue) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case domain.KindNumber:
		return a.Num == b.Num
	case domain.KindString:
		return a.Str == b.Str
	case domain.KindBool:
		return a.Bool == b.Bool
	}
	return false
}

func scalar(v any) (domain.FieldValue, bool) {
	switch val := v.(type) {
	case string:
		return domain.StringValue(val), true
	case bool:
		return domain.BoolValue(val), true
	}
	if n, ok := number(v); ok {
		return domain.NumberValue(n), true
	}
	return domain.FieldValue{}, false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
