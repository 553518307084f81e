// Package rules implements the alert condition evaluator. Evaluate is pure:
// deterministic, no I/O, no global state. Anything that could make a
// condition unevaluable is rejected up front by Validate, so the engine's
// hot loop never sees a condition error.
package rules

import (
	"fmt"
	"math"

	"github.com/vigil/backend/internal/core"
)

// Equality tolerance for == and != comparisons.
const epsilon = 1e-3

const (
	AggLatest = "latest"
	AggAvg    = "avg"
	AggMax    = "max"
	AggMin    = "min"
)

// Validate checks a condition at rule create/update time. Unknown condition
// types, missing fields, unknown operators and unknown aggregations are all
// validation errors here, never evaluation errors.
func Validate(c core.Condition) error {
	if c.Type != "threshold" {
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	if c.Field == "" {
		return fmt.Errorf("condition field is required")
	}
	switch c.Operator {
	case ">", "<", ">=", "<=", "==", "!=":
	default:
		return fmt.Errorf("unknown operator %q", c.Operator)
	}
	switch c.Aggregation {
	case "", AggLatest, AggAvg, AggMax, AggMin:
	default:
		return fmt.Errorf("unknown aggregation %q", c.Aggregation)
	}
	return nil
}

// Evaluate applies cond to a newest-first sample window and reports whether
// the rule fires. An empty window, or a window where no sample carries the
// condition's field, never fires.
func Evaluate(cond core.Condition, window []core.Sample) bool {
	if len(window) == 0 {
		return false
	}

	values := make([]float64, 0, len(window))
	for _, s := range window {
		if v, ok := s.Fields[cond.Field]; ok {
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return false
	}

	var current float64
	switch cond.Aggregation {
	case AggAvg:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		current = sum / float64(len(values))
	case AggMax:
		current = values[0]
		for _, v := range values[1:] {
			if v > current {
				current = v
			}
		}
	case AggMin:
		current = values[0]
		for _, v := range values[1:] {
			if v < current {
				current = v
			}
		}
	default: // latest — window is newest first
		current = values[0]
	}

	switch cond.Operator {
	case ">":
		return current > cond.Value
	case "<":
		return current < cond.Value
	case ">=":
		return current >= cond.Value
	case "<=":
		return current <= cond.Value
	case "==":
		return math.Abs(current-cond.Value) < epsilon
	case "!=":
		return math.Abs(current-cond.Value) >= epsilon
	}
	return false
}
