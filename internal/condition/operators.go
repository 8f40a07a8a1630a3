package condition

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Operator names a leaf comparison.
type Operator string

const (
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "not_equals"
	OpGt        Operator = "gt"
	OpLt        Operator = "lt"
	OpGte       Operator = "gte"
	OpLte       Operator = "lte"
	OpContains  Operator = "contains"
	OpExists    Operator = "exists"
)

// Valid reports whether op is part of the grammar.
func (op Operator) Valid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpGt, OpLt, OpGte, OpLte, OpContains, OpExists:
		return true
	}
	return false
}

// ToFloat64 coerces a numeric value (or a numeric string) to float64.
func ToFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// isNumber is ToFloat64 without string coercion; equality must not treat
// "5" and 5 as the same value.
func isNumber(v interface{}) (float64, bool) {
	if _, ok := v.(string); ok {
		return 0, false
	}
	return ToFloat64(v)
}

// compare applies op to a resolved field value. found is false when the
// field path did not resolve.
func compare(op Operator, actual interface{}, found bool, expected interface{}) bool {
	if op == OpExists {
		return found
	}
	if !found {
		return false
	}
	switch op {
	case OpEquals:
		return equal(actual, expected)
	case OpNotEquals:
		return !equal(actual, expected)
	case OpGt, OpGte, OpLt, OpLte:
		return numericCompare(op, actual, expected)
	case OpContains:
		return containsOp(actual, expected)
	}
	return false
}

// equal is deep value equality where numbers compare by value regardless of
// their Go type.
func equal(left, right interface{}) bool {
	lf, lok := isNumber(left)
	rf, rok := isNumber(right)
	if lok || rok {
		return lok && rok && lf == rf
	}
	switch l := left.(type) {
	case []interface{}:
		r, ok := toSlice(right)
		if !ok || len(l) != len(r) {
			return false
		}
		for i := range l {
			if !equal(l[i], r[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		r, ok := right.(map[string]interface{})
		if !ok || len(l) != len(r) {
			return false
		}
		for k, lv := range l {
			rv, ok := r[k]
			if !ok || !equal(lv, rv) {
				return false
			}
		}
		return true
	}
	if l, ok := toSlice(left); ok {
		return equal(l, right)
	}
	return reflect.DeepEqual(left, right)
}

// toSlice converts any slice value into []interface{}.
func toSlice(v interface{}) ([]interface{}, bool) {
	if s, ok := v.([]interface{}); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func numericCompare(op Operator, left, right interface{}) bool {
	lf, lok := ToFloat64(left)
	rf, rok := ToFloat64(right)
	if !lok || !rok {
		return false
	}
	switch op {
	case OpGt:
		return lf > rf
	case OpGte:
		return lf >= rf
	case OpLt:
		return lf < rf
	case OpLte:
		return lf <= rf
	}
	return false
}

func containsOp(haystack, needle interface{}) bool {
	if needle == nil {
		return false
	}
	if s, ok := haystack.(string); ok {
		return strings.Contains(s, fmt.Sprintf("%v", needle))
	}
	items, ok := toSlice(haystack)
	if !ok {
		return false
	}
	for _, it := range items {
		if equal(it, needle) {
			return true
		}
	}
	return false
}
