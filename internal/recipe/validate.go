package recipe

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/recipebus/internal/condition"
	"github.com/gyaneshwarpardhi/recipebus/internal/module"
)

// ErrInvalid is wrapped by every error returned from Validate.
var ErrInvalid = errors.New("invalid recipe")

// ActionResolver resolves a module action to its parameter schema.
// *module.Registry satisfies it.
type ActionResolver interface {
	Lookup(moduleID, actionID string) (module.Module, module.ActionSpec, error)
}

// ValidationError collects every problem found in a recipe.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("recipe validation errors:\n  - %s", strings.Join(e.Problems, "\n  - "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

var referenceRoots = map[string]bool{"event": true, "recipe": true, "input": true}

// Validate checks a recipe before it is saved:
//   - trigger and at least one action are present
//   - the condition tree is well formed
//   - every action resolves in the registry and its params match the schema
//   - step references only point at earlier steps
func Validate(r *Recipe, actions ActionResolver) error {
	var errs []string

	if strings.TrimSpace(r.OwnerID) == "" {
		errs = append(errs, "owner_id is required")
	}
	if strings.TrimSpace(r.TriggerEvent) == "" {
		errs = append(errs, "trigger_event is required")
	} else if r.PrefixMatch && strings.TrimSuffix(r.TriggerEvent, ".") == "" {
		errs = append(errs, "trigger_event prefix must not be empty")
	}
	if r.SiteIDs != nil && len(r.SiteIDs) == 0 {
		errs = append(errs, "site_ids must be null (all sites) or list at least one site")
	}
	if err := condition.Validate(r.Conditions); err != nil {
		errs = append(errs, fmt.Sprintf("trigger_conditions: %v", err))
	}
	if len(r.Actions) == 0 {
		errs = append(errs, "actions must not be empty")
	}

	for i, a := range r.Actions {
		loc := fmt.Sprintf("actions[%d]", i)
		if a.ModuleID == "" || a.ActionID == "" {
			errs = append(errs, fmt.Sprintf("%s: module_id and action_id are required", loc))
			continue
		}
		if actions != nil {
			_, spec, err := actions.Lookup(a.ModuleID, a.ActionID)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", loc, err))
			} else if err := module.ValidateParams(spec, a.Params); err != nil {
				errs = append(errs, fmt.Sprintf("%s (%s): %v", loc, a.Key(), err))
			}
		}
		for _, ref := range References(a.Params) {
			if n, ok := stepIndex(ref); ok {
				if n >= i {
					errs = append(errs, fmt.Sprintf("%s: reference %q points at a step that has not run yet", loc, ref))
				}
				continue
			}
			root, _, _ := strings.Cut(ref, ".")
			if !referenceRoots[root] {
				errs = append(errs, fmt.Sprintf("%s: unknown reference %q", loc, ref))
			}
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Problems: errs}
	}
	return nil
}
