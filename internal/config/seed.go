package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gyaneshwarpardhi/recipebus/internal/condition"
	"github.com/gyaneshwarpardhi/recipebus/internal/cron"
	"github.com/gyaneshwarpardhi/recipebus/internal/recipe"
	"github.com/gyaneshwarpardhi/recipebus/internal/store"
)

// SeedStore is the persistence Seed writes to.
type SeedStore interface {
	UpsertRecipe(ctx context.Context, r *recipe.Recipe) error
	GetSchedule(ctx context.Context, id string) (*recipe.Schedule, error)
	UpsertSchedule(ctx context.Context, s *recipe.Schedule) error
}

func (d RecipeDef) conditions() (condition.Tree, error) {
	var (
		t   condition.Tree
		err error
	)
	switch {
	case d.When != "" && len(d.Conditions) > 0:
		return t, fmt.Errorf("when and conditions are mutually exclusive")
	case d.When != "":
		t, err = condition.Parse(d.When)
	default:
		t, err = condition.FromMap(d.Conditions)
	}
	if err != nil {
		return t, err
	}
	return t, condition.Validate(t)
}

// Recipe converts the definition into a recipe.
func (d RecipeDef) Recipe() (*recipe.Recipe, error) {
	conds, err := d.conditions()
	if err != nil {
		return nil, fmt.Errorf("recipe %s: %w", d.ID, err)
	}
	r := &recipe.Recipe{
		ID:           d.ID,
		OwnerID:      d.OwnerID,
		Name:         d.Name,
		Enabled:      d.Enabled == nil || *d.Enabled,
		TriggerEvent: d.TriggerEvent,
		PrefixMatch:  d.PrefixMatch,
		Conditions:   conds,
		SiteIDs:      d.SiteIDs,
	}
	for _, a := range d.Actions {
		r.Actions = append(r.Actions, recipe.Action{ModuleID: a.Module, ActionID: a.Action, Params: a.Params})
	}
	if r.Name == "" {
		r.Name = r.ID
	}
	return r, nil
}

// Schedule converts the definition into a schedule whose first activation
// is the one after now.
func (d ScheduleDef) Schedule(now time.Time) (*recipe.Schedule, error) {
	sc, err := cron.NewSchedule(d.OwnerID, d.RecipeID, d.Cron, d.Timezone, now)
	if err != nil {
		return nil, fmt.Errorf("schedule %s: %w", d.ID, err)
	}
	sc.ID = d.ID
	sc.Enabled = d.Enabled == nil || *d.Enabled
	return sc, nil
}

// Seed writes the recipes and schedules declared in cfg. Every definition
// is converted and checked against the action registry before anything is
// written, so a bad definition leaves the store untouched. Recipes replace
// any stored recipe with the same id. A schedule whose expression and
// timezone are unchanged keeps its stored next and last activation.
func Seed(ctx context.Context, st SeedStore, actions recipe.ActionResolver, cfg *Config, now time.Time, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	recipes := make([]*recipe.Recipe, 0, len(cfg.Recipes))
	for _, d := range cfg.Recipes {
		r, err := d.Recipe()
		if err != nil {
			return err
		}
		if err := recipe.Validate(r, actions); err != nil {
			return fmt.Errorf("recipe %s: %w", d.ID, err)
		}
		recipes = append(recipes, r)
	}
	schedules := make([]*recipe.Schedule, 0, len(cfg.Schedules))
	for _, d := range cfg.Schedules {
		sc, err := d.Schedule(now)
		if err != nil {
			return err
		}
		schedules = append(schedules, sc)
	}

	for _, r := range recipes {
		if err := st.UpsertRecipe(ctx, r); err != nil {
			return fmt.Errorf("seed recipe %s: %w", r.ID, err)
		}
	}
	for _, sc := range schedules {
		prev, err := st.GetSchedule(ctx, sc.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return fmt.Errorf("load schedule %s: %w", sc.ID, err)
		case prev.Expression == sc.Expression && prev.Timezone == sc.Timezone:
			sc.NextRunAt = prev.NextRunAt
			sc.LastRunAt = prev.LastRunAt
			sc.CreatedAt = prev.CreatedAt
		}
		if err := st.UpsertSchedule(ctx, sc); err != nil {
			return fmt.Errorf("seed schedule %s: %w", sc.ID, err)
		}
	}

	log.Info("config seeded", "recipes", len(recipes), "schedules", len(schedules))
	return nil
}
