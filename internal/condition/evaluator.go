package condition

// Evaluate walks the tree against payload and reports whether it holds.
// It is pure and total: missing fields, non-numeric operands and unknown
// operators all evaluate to false instead of failing.
func Evaluate(t Tree, payload map[string]interface{}) bool {
	return eval(t, payload, 0)
}

func eval(t Tree, payload map[string]interface{}, depth int) bool {
	if depth > MaxDepth {
		return false
	}
	switch t.Kind() {
	case KindEmpty:
		return true
	case KindAll:
		for _, c := range t.All {
			if !eval(c, payload, depth+1) {
				return false // short-circuit
			}
		}
		return true
	case KindAny:
		for _, c := range t.Any {
			if eval(c, payload, depth+1) {
				return true // short-circuit
			}
		}
		return false
	case KindLeaf:
		if t.Field == "" || !t.Operator.Valid() {
			return false
		}
		actual, found := Lookup(payload, t.Field)
		return compare(t.Operator, actual, found, t.Value)
	}
	return false
}
