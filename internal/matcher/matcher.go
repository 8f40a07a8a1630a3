// Package matcher selects the recipes an event triggers.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/gyaneshwarpardhi/recipebus/internal/condition"
	"github.com/gyaneshwarpardhi/recipebus/internal/event"
	"github.com/gyaneshwarpardhi/recipebus/internal/recipe"
)

// RecipeSource loads the enabled recipes of one owner.
type RecipeSource interface {
	ListEnabledRecipes(ctx context.Context, ownerID string) ([]*recipe.Recipe, error)
}

// Matcher filters candidate recipes by trigger, site scope and conditions.
type Matcher struct {
	src RecipeSource
	log *slog.Logger
}

// New returns a Matcher reading from src. A nil logger means slog.Default().
func New(src RecipeSource, log *slog.Logger) *Matcher {
	if log == nil {
		log = slog.Default()
	}
	return &Matcher{src: src, log: log}
}

// Match returns the recipes triggered by ev in ascending created_at order,
// ties broken by id. A recipe whose stored condition tree is malformed is
// logged and skipped without affecting the others.
func (m *Matcher) Match(ctx context.Context, ev *event.Event) ([]*recipe.Recipe, error) {
	candidates, err := m.src.ListEnabledRecipes(ctx, ev.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("load recipes for owner %s: %w", ev.OwnerID, err)
	}

	var matched []*recipe.Recipe
	for _, r := range candidates {
		if !r.Enabled || !r.Triggers(ev.Type) || !r.InScope(ev.SiteID) {
			continue
		}
		if err := condition.Validate(r.Conditions); err != nil {
			m.log.Warn("skipping recipe with malformed conditions",
				"recipe_id", r.ID, "event_id", ev.ID, "err", err)
			continue
		}
		if !condition.Evaluate(r.Conditions, ev.Payload) {
			continue
		}
		matched = append(matched, r)
	}

	Sort(matched)
	return matched, nil
}

// Sort orders recipes by created_at, then id.
func Sort(rs []*recipe.Recipe) {
	sort.SliceStable(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}
