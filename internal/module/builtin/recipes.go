package builtin

import (
	"context"
	"fmt"

	"github.com/gyaneshwarpardhi/recipebus/internal/event"
	"github.com/gyaneshwarpardhi/recipebus/internal/module"
)

// Recipes exposes sub-recipe invocation as an action. The actual run is
// delegated to the engine through Context.RunRecipe so the call stays
// within the caller's depth budget.
type Recipes struct{}

func NewRecipes() *Recipes { return &Recipes{} }

func (r *Recipes) ID() string { return event.ModuleRecipes }

func (r *Recipes) Descriptor() module.Descriptor {
	return module.Descriptor{
		ID: event.ModuleRecipes,
		Actions: map[string]module.ActionSpec{
			"execute_recipe": {
				Description: "Run another recipe of the same owner and wait for it to finish.",
				Params: map[string]module.ParamSpec{
					"recipe_id": {Type: module.ParamString, Required: true},
					"params":    {Type: module.ParamObject},
				},
			},
		},
	}
}

func (r *Recipes) HandleEvent(context.Context, *event.Event, *module.Context) (*event.Event, error) {
	return nil, nil
}

func (r *Recipes) ExecuteAction(ctx context.Context, actionID string, params map[string]interface{}, mctx *module.Context) (*module.Result, error) {
	if actionID != "execute_recipe" {
		return nil, fmt.Errorf("recipes.%s: %w", actionID, module.ErrUnknownAction)
	}
	recipeID, _ := params["recipe_id"].(string)
	if recipeID == "" {
		return nil, fmt.Errorf("recipes.execute_recipe: recipe_id is required")
	}
	if mctx == nil || mctx.RunRecipe == nil {
		return nil, fmt.Errorf("recipes.execute_recipe: sub-recipe execution unavailable in this context")
	}
	sub, _ := params["params"].(map[string]interface{})

	out, err := mctx.RunRecipe(ctx, recipeID, sub)
	if err != nil {
		return nil, fmt.Errorf("recipes.execute_recipe %s: %w", recipeID, err)
	}
	if status, _ := out["status"].(string); status == "partial" {
		return module.Partial("sub-recipe finished with partial steps", out), nil
	}
	return module.OK(out), nil
}
