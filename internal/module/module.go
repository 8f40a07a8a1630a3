// Package module defines the contract between the engine and the pluggable
// units that handle events and execute recipe actions.
package module

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gyaneshwarpardhi/recipebus/internal/event"
)

// ErrUnknownAction is returned when a module or action id is not registered.
var ErrUnknownAction = errors.New("unknown action")

// Outcome is the per-step status a module reports for a successful call.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomePartial Outcome = "partial" // completed with a recoverable problem
)

// Param types accepted in an ActionSpec.
const (
	ParamString = "string"
	ParamNumber = "number"
	ParamBool   = "bool"
	ParamObject = "object"
	ParamArray  = "array"
	ParamAny    = "any"
)

// ParamSpec describes one action parameter.
type ParamSpec struct {
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// ActionSpec is the parameter schema of one action.
type ActionSpec struct {
	Description string               `json:"description,omitempty"`
	Params      map[string]ParamSpec `json:"params"`
}

// Descriptor is the static, declared surface of a module.
type Descriptor struct {
	ID                string                `json:"id"`
	EmittedEventTypes []string              `json:"emitted_event_types"`
	HandledEventTypes []string              `json:"handled_event_types"`
	Actions           map[string]ActionSpec `json:"actions"`
	Credentials       []string              `json:"credentials,omitempty"`
}

// Handles reports whether the module declared eventType as handled.
func (d Descriptor) Handles(eventType string) bool {
	for _, t := range d.HandledEventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// ActionIDs returns the declared action ids in sorted order.
func (d Descriptor) ActionIDs() []string {
	out := make([]string, 0, len(d.Actions))
	for id := range d.Actions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Context is what the engine hands a module for a single call.
type Context struct {
	OwnerID     string
	SiteID      string
	RunID       string
	Credentials map[string]string

	// Emit dispatches a further event one level deeper than the current one.
	Emit func(ctx context.Context, ev *event.Event) error
	// RunRecipe executes another recipe of the same owner as a sub-run and
	// returns a summary of it as step output.
	RunRecipe func(ctx context.Context, recipeID string, params map[string]interface{}) (map[string]interface{}, error)
}

// Credential returns a credential value or the empty string.
func (c *Context) Credential(name string) string {
	if c == nil || c.Credentials == nil {
		return ""
	}
	return c.Credentials[name]
}

// Result holds the outcome of executing a single action.
type Result struct {
	Output  map[string]interface{} `json:"output,omitempty"`
	Outcome Outcome                `json:"outcome"`
	Message string                 `json:"message,omitempty"`
	// Events are dispatched by the engine before the next step starts.
	Events []*event.Event `json:"-"`
}

// OK is a convenience constructor for a successful result.
func OK(output map[string]interface{}) *Result {
	return &Result{Output: output, Outcome: OutcomeOK}
}

// Partial is a convenience constructor for a recoverable outcome.
func Partial(message string, output map[string]interface{}) *Result {
	return &Result{Output: output, Outcome: OutcomePartial, Message: message}
}

// Module is the interface all module implementations must satisfy.
type Module interface {
	// ID returns the key this module is registered under.
	ID() string
	Descriptor() Descriptor
	// HandleEvent is called for every persisted event whose type is listed in
	// HandledEventTypes. A non-nil returned event is dispatched one level deeper.
	HandleEvent(ctx context.Context, ev *event.Event, mctx *Context) (*event.Event, error)
	// ExecuteAction runs one declared action.
	ExecuteAction(ctx context.Context, actionID string, params map[string]interface{}, mctx *Context) (*Result, error)
}

// ValidateParams checks params against spec. String values that contain a
// {{...}} placeholder are resolved at run time and only checked for presence.
func ValidateParams(spec ActionSpec, params map[string]interface{}) error {
	var errs []string
	names := make([]string, 0, len(spec.Params))
	for name := range spec.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ps := spec.Params[name]
		v, ok := params[name]
		if !ok || v == nil {
			if ps.Required {
				errs = append(errs, fmt.Sprintf("param %q is required", name))
			}
			continue
		}
		if s, isStr := v.(string); isStr && strings.Contains(s, "{{") {
			continue
		}
		if !typeMatches(ps.Type, v) {
			errs = append(errs, fmt.Sprintf("param %q must be of type %s", name, ps.Type))
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func typeMatches(want string, v interface{}) bool {
	switch want {
	case "", ParamAny:
		return true
	case ParamString:
		_, ok := v.(string)
		return ok
	case ParamBool:
		_, ok := v.(bool)
		return ok
	case ParamNumber:
		switch v.(type) {
		case float64, float32, int, int64, int32, uint, uint64, uint32:
			return true
		}
		return false
	case ParamObject:
		_, ok := v.(map[string]interface{})
		return ok
	case ParamArray:
		_, ok := v.([]interface{})
		return ok
	}
	return false
}
