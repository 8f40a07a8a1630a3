package condition

import (
	"strconv"
	"strings"
)

// Lookup resolves a dot-separated path through nested maps. Numeric
// segments index into lists ("items.0.sku"). The second result is false when
// any segment is missing.
func Lookup(data map[string]interface{}, path string) (interface{}, bool) {
	if path == "" || data == nil {
		return nil, false
	}
	return resolve(data, strings.Split(path, "."))
}

func resolve(v interface{}, path []string) (interface{}, bool) {
	if len(path) == 0 {
		return v, true
	}
	switch node := v.(type) {
	case map[string]interface{}:
		next, ok := node[path[0]]
		if !ok {
			return nil, false
		}
		return resolve(next, path[1:])
	case []interface{}:
		i, err := strconv.Atoi(path[0])
		if err != nil || i < 0 || i >= len(node) {
			return nil, false
		}
		return resolve(node[i], path[1:])
	}
	return nil, false
}
