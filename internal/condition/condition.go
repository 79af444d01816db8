// Package condition evaluates show-condition trees against a session's response map.
//
// Evaluation never fails: malformed input evaluates to false for comparisons and an
// unknown operator evaluates to true so a bad authored condition cannot block a live session.
package condition

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// LeafFunc evaluates a single leaf condition.
type LeafFunc func(c models.Condition, responses map[string]any) bool

// Evaluator evaluates condition trees. The zero value is ready to use.
type Evaluator struct {
	// OnUnknownOperator is called with any operator the evaluator does not know.
	OnUnknownOperator func(op models.Operator)
	// Leaf replaces the built-in leaf evaluation when set.
	Leaf LeafFunc
}

// Evaluate evaluates cond with the default evaluator.
func Evaluate(cond *models.Condition, responses map[string]any) bool {
	return Evaluator{}.Evaluate(cond, responses)
}

// Evaluate returns true for a nil condition, otherwise the value of the tree.
func (e Evaluator) Evaluate(cond *models.Condition, responses map[string]any) bool {
	if cond == nil {
		return true
	}
	return e.eval(*cond, responses)
}

func (e Evaluator) eval(c models.Condition, responses map[string]any) bool {
	switch c.Operator {
	case models.OperatorAnd:
		for _, child := range c.Conditions {
			if !e.eval(child, responses) {
				return false
			}
		}
		return true
	case models.OperatorOr:
		for _, child := range c.Conditions {
			if e.eval(child, responses) {
				return true
			}
		}
		return false
	}
	if !IsLeafOperator(c.Operator) {
		if e.OnUnknownOperator != nil {
			e.OnUnknownOperator(c.Operator)
		}
		return true
	}
	if e.Leaf != nil {
		return e.Leaf(c, responses)
	}
	return EvaluateLeaf(c, responses)
}

// IsLeafOperator reports whether op is a supported leaf operator.
func IsLeafOperator(op models.Operator) bool {
	switch op {
	case models.OperatorEquals, models.OperatorNotEquals,
		models.OperatorContains, models.OperatorNotContains,
		models.OperatorExists, models.OperatorIsEmpty,
		models.OperatorGreaterThan, models.OperatorLessThan,
		models.OperatorGreaterThanOrEqual, models.OperatorLessThanOrEqual,
		models.OperatorIn, models.OperatorNotIn:
		return true
	default:
		return false
	}
}

// EvaluateLeaf applies a leaf operator to the stored response for c.Field.
// Unknown operators evaluate to true.
func EvaluateLeaf(c models.Condition, responses map[string]any) bool {
	stored, present := responses[c.Field]

	switch c.Operator {
	case models.OperatorEquals:
		return valuesEqual(stored, c.Value)
	case models.OperatorNotEquals:
		return !valuesEqual(stored, c.Value)
	case models.OperatorContains:
		return present && contains(stored, c.Value)
	case models.OperatorNotContains:
		return !present || !contains(stored, c.Value)
	case models.OperatorExists:
		return present && stored != nil && stored != ""
	case models.OperatorIsEmpty:
		return isEmpty(stored)
	case models.OperatorGreaterThan:
		return compare(stored, c.Value, func(a, b float64) bool { return a > b })
	case models.OperatorLessThan:
		return compare(stored, c.Value, func(a, b float64) bool { return a < b })
	case models.OperatorGreaterThanOrEqual:
		return compare(stored, c.Value, func(a, b float64) bool { return a >= b })
	case models.OperatorLessThanOrEqual:
		return compare(stored, c.Value, func(a, b float64) bool { return a <= b })
	case models.OperatorIn:
		return present && inList(stored, c.Value)
	case models.OperatorNotIn:
		return !present || !inList(stored, c.Value)
	default:
		return true
	}
}

// UnknownOperators returns every operator in the tree that the evaluator does not support.
func UnknownOperators(cond *models.Condition) []models.Operator {
	if cond == nil {
		return nil
	}
	var out []models.Operator
	var walk func(c models.Condition)
	walk = func(c models.Condition) {
		if c.IsCombinator() {
			for _, child := range c.Conditions {
				walk(child)
			}
			return
		}
		if !IsLeafOperator(c.Operator) {
			out = append(out, c.Operator)
		}
	}
	walk(*cond)
	return out
}

// ToNumber coerces v to a finite float64. Booleans, nil and non-numeric strings fail.
func ToNumber(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int8:
		f = float64(t)
	case int16:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint:
		f = float64(t)
	case uint8:
		f = float64(t)
	case uint16:
		f = float64(t)
	case uint32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func compare(stored, want any, cmp func(a, b float64) bool) bool {
	a, ok := ToNumber(stored)
	if !ok {
		return false
	}
	b, ok := ToNumber(want)
	if !ok {
		return false
	}
	return cmp(a, b)
}

// valuesEqual is strict equality on raw values, treating numeric kinds (not numeric
// strings) as equal when they hold the same number so values survive a JSON round trip.
func valuesEqual(a, b any) bool {
	if isNumericKind(a) && isNumericKind(b) {
		x, okA := ToNumber(a)
		y, okB := ToNumber(b)
		return okA && okB && x == y
	}
	la, aIsList := asList(a)
	lb, bIsList := asList(b)
	if aIsList && bIsList {
		if len(la) != len(lb) {
			return false
		}
		for i := range la {
			if !valuesEqual(la[i], lb[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func isNumericKind(v any) bool {
	switch v.(type) {
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return true
	default:
		return false
	}
}

func contains(stored, want any) bool {
	if list, ok := asList(stored); ok {
		for _, item := range list {
			if valuesEqual(item, want) {
				return true
			}
		}
		return false
	}
	if stored == nil {
		return false
	}
	return strings.Contains(stringForm(stored), stringForm(want))
}

func inList(stored, list any) bool {
	items, ok := asList(list)
	if !ok {
		return false
	}
	for _, item := range items {
		if valuesEqual(stored, item) {
			return true
		}
	}
	return false
}

func isEmpty(v any) bool {
	if v == nil || v == "" {
		return true
	}
	if list, ok := asList(v); ok {
		return len(list) == 0
	}
	if m, ok := v.(map[string]any); ok {
		return len(m) == 0
	}
	return false
}

// asList converts any slice value to []any.
func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func stringForm(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
