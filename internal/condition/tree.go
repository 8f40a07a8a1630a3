package condition

import (
	"encoding/json"
	"fmt"
)

// MaxDepth bounds how deeply branches may nest.
const MaxDepth = 32

// Kind discriminates the shapes a Tree node can take.
type Kind int

const (
	KindEmpty Kind = iota // no constraint, always true
	KindLeaf              // field/operator/value comparison
	KindAll               // AND over children
	KindAny               // OR over children
)

// Tree is a recursively defined boolean expression over payload fields.
//
// A leaf sets Field and Operator (and Value for every operator but exists).
// A branch sets exactly one of All or Any. The zero Tree is the empty tree.
// All and Any distinguish nil (absent) from an empty, non-nil slice: an
// empty "all" is true, an empty "any" is false.
type Tree struct {
	All      []Tree
	Any      []Tree
	Field    string
	Operator Operator
	Value    interface{}
}

// Leaf builds a comparison node.
func Leaf(field string, op Operator, value interface{}) Tree {
	return Tree{Field: field, Operator: op, Value: value}
}

// All builds an AND branch. Calling it with no children yields an
// always-true branch.
func All(children ...Tree) Tree {
	if children == nil {
		children = []Tree{}
	}
	return Tree{All: children}
}

// Any builds an OR branch. Calling it with no children yields an
// always-false branch.
func Any(children ...Tree) Tree {
	if children == nil {
		children = []Tree{}
	}
	return Tree{Any: children}
}

// Kind reports the node shape. Malformed nodes (see Validate) report the
// first shape found, leaf before all before any.
func (t Tree) Kind() Kind {
	switch {
	case t.Field != "" || t.Operator != "":
		return KindLeaf
	case t.All != nil:
		return KindAll
	case t.Any != nil:
		return KindAny
	}
	return KindEmpty
}

// IsEmpty reports whether the tree places no constraint at all.
func (t Tree) IsEmpty() bool { return t.Kind() == KindEmpty }

// Validate checks that every node has exactly one shape, every operator is
// known and nesting stays within MaxDepth.
func Validate(t Tree) error {
	return validate(t, "$", 0)
}

func validate(t Tree, at string, depth int) error {
	if depth > MaxDepth {
		return fmt.Errorf("%s: nesting deeper than %d", at, MaxDepth)
	}
	shapes := 0
	if t.Field != "" || t.Operator != "" {
		shapes++
	}
	if t.All != nil {
		shapes++
	}
	if t.Any != nil {
		shapes++
	}
	if shapes > 1 {
		return fmt.Errorf("%s: node mixes leaf and branch keys", at)
	}
	switch t.Kind() {
	case KindLeaf:
		if t.Field == "" {
			return fmt.Errorf("%s: field is required", at)
		}
		if !t.Operator.Valid() {
			return fmt.Errorf("%s: unknown operator %q", at, t.Operator)
		}
	case KindAll:
		for i, c := range t.All {
			if err := validate(c, fmt.Sprintf("%s.all[%d]", at, i), depth+1); err != nil {
				return err
			}
		}
	case KindAny:
		for i, c := range t.Any {
			if err := validate(c, fmt.Sprintf("%s.any[%d]", at, i), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

type wireTree struct {
	All      *[]Tree     `json:"all,omitempty"`
	Any      *[]Tree     `json:"any,omitempty"`
	Field    string      `json:"field,omitempty"`
	Operator Operator    `json:"operator,omitempty"`
	Value    interface{} `json:"value"`
}

// MarshalJSON keeps empty branches distinct from the empty tree. Leaf
// values are always written so zero values like 0 and false survive.
func (t Tree) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{}
	switch t.Kind() {
	case KindLeaf:
		out["field"] = t.Field
		out["operator"] = t.Operator
		if t.Operator != OpExists || t.Value != nil {
			out["value"] = t.Value
		}
	case KindAll:
		out["all"] = t.All
	case KindAny:
		out["any"] = t.Any
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts null and {} as the empty tree.
func (t *Tree) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = Tree{}
		return nil
	}
	var w wireTree
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("condition tree: %w", err)
	}
	*t = Tree{Field: w.Field, Operator: w.Operator, Value: w.Value}
	if w.All != nil {
		t.All = *w.All
		if t.All == nil {
			t.All = []Tree{}
		}
	}
	if w.Any != nil {
		t.Any = *w.Any
		if t.Any == nil {
			t.Any = []Tree{}
		}
	}
	return nil
}

// FromMap converts a generic decoded document (for example a YAML mapping)
// into a Tree by way of its JSON encoding.
func FromMap(m map[string]interface{}) (Tree, error) {
	if len(m) == 0 {
		return Tree{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return Tree{}, fmt.Errorf("condition tree: %w", err)
	}
	var t Tree
	if err := json.Unmarshal(raw, &t); err != nil {
		return Tree{}, err
	}
	return t, nil
}
