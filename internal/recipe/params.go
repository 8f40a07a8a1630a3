package recipe

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gyaneshwarpardhi/recipebus/internal/condition"
	"github.com/gyaneshwarpardhi/recipebus/internal/event"
)

var (
	// placeholderPattern matches {{ reference }}.
	placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

	// stepPattern matches steps[N].output with an optional trailing path.
	stepPattern = regexp.MustCompile(`^steps\[(\d+)\]\.output(?:\.(.+))?$`)
)

// ErrUnresolvedReference is wrapped by UnresolvedReferenceError.
var ErrUnresolvedReference = errors.New("unresolved parameter reference")

// UnresolvedReferenceError lists the placeholders that could not be bound.
type UnresolvedReferenceError struct {
	Refs []string
}

func (e *UnresolvedReferenceError) Error() string {
	if len(e.Refs) == 1 {
		return fmt.Sprintf("unresolved parameter reference: %s", e.Refs[0])
	}
	return fmt.Sprintf("unresolved parameter references: %s", strings.Join(e.Refs, ", "))
}

func (e *UnresolvedReferenceError) Unwrap() error { return ErrUnresolvedReference }

// Scope is what a step's params may reference.
type Scope struct {
	Event  *event.Event // nil for cron and manual runs
	Recipe *Recipe
	// Steps holds the outputs of the steps already executed, by index.
	Steps []map[string]interface{}
	// Input holds the params passed by a parent recipe via execute_recipe.
	Input map[string]interface{}
}

// ResolveParams returns a copy of params with every {{...}} placeholder
// bound against scope. A string consisting of a single placeholder takes
// the referenced value with its type; placeholders embedded in longer
// strings are formatted into the text.
func ResolveParams(params map[string]interface{}, scope Scope) (map[string]interface{}, error) {
	r := resolver{scope: scope}
	out := r.resolveMap(params)
	if len(r.missing) > 0 {
		return nil, &UnresolvedReferenceError{Refs: r.missing}
	}
	return out, nil
}

type resolver struct {
	scope   Scope
	missing []string
}

func (r *resolver) resolveMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = r.resolveValue(v)
	}
	return out
}

func (r *resolver) resolveValue(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return r.resolveString(val)
	case map[string]interface{}:
		return r.resolveMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = r.resolveValue(item)
		}
		return out
	}
	return v
}

func (r *resolver) resolveString(s string) interface{} {
	if !strings.Contains(s, "{{") {
		return s
	}
	trimmed := strings.TrimSpace(s)
	if loc := placeholderPattern.FindStringSubmatchIndex(trimmed); loc != nil && loc[0] == 0 && loc[1] == len(trimmed) {
		ref := trimmed[loc[2]:loc[3]]
		v, ok := r.scope.lookup(ref)
		if !ok {
			r.missing = append(r.missing, ref)
			return s
		}
		return v
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		ref := placeholderPattern.FindStringSubmatch(match)[1]
		v, ok := r.scope.lookup(ref)
		if !ok {
			r.missing = append(r.missing, ref)
			return match
		}
		return stringify(v)
	})
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

// lookup resolves one reference such as "event.payload.keyword".
func (s Scope) lookup(ref string) (interface{}, bool) {
	if m := stepPattern.FindStringSubmatch(ref); m != nil {
		i, err := strconv.Atoi(m[1])
		if err != nil || i < 0 || i >= len(s.Steps) {
			return nil, false
		}
		if m[2] == "" {
			return s.Steps[i], s.Steps[i] != nil
		}
		return condition.Lookup(s.Steps[i], m[2])
	}

	head, rest, _ := strings.Cut(ref, ".")
	switch head {
	case "event":
		if s.Event == nil {
			return nil, false
		}
		switch rest {
		case "id":
			return s.Event.ID, true
		case "event_type":
			return s.Event.Type, true
		case "site_id":
			return s.Event.SiteID, true
		case "source_module":
			return s.Event.SourceModule, true
		case "severity":
			return string(s.Event.Severity), true
		case "payload":
			return s.Event.Payload, true
		}
		if p, ok := strings.CutPrefix(rest, "payload."); ok {
			return condition.Lookup(s.Event.Payload, p)
		}
	case "recipe":
		if s.Recipe == nil {
			return nil, false
		}
		switch rest {
		case "id":
			return s.Recipe.ID, true
		case "owner_id":
			return s.Recipe.OwnerID, true
		case "name":
			return s.Recipe.Name, true
		}
	case "input":
		if rest == "" {
			return s.Input, s.Input != nil
		}
		return condition.Lookup(s.Input, rest)
	}
	return nil, false
}

// References returns every placeholder reference found in params. It is
// used at save time to reject step references that point forward.
func References(params map[string]interface{}) []string {
	var refs []string
	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case string:
			for _, m := range placeholderPattern.FindAllStringSubmatch(val, -1) {
				refs = append(refs, m[1])
			}
		case map[string]interface{}:
			for _, item := range val {
				walk(item)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(params)
	return refs
}

// stepIndex returns N for a "steps[N]..." reference.
func stepIndex(ref string) (int, bool) {
	m := stepPattern.FindStringSubmatch(ref)
	if m == nil {
		return 0, false
	}
	i, err := strconv.Atoi(m[1])
	return i, err == nil
}
