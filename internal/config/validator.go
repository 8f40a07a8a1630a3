package config

import (
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/recipebus/internal/cron"
)

// Validate checks the config for:
//   - Required fields and known enum values
//   - Duplicate recipe and schedule ids
//   - Condition trees and cron expressions that cannot be compiled
//
// Action ids are checked against the module registry when recipes are
// seeded, since the registry is not known here.
func Validate(cfg *Config) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log.level %q must be one of debug, info, warn, error", cfg.Log.Level))
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be text or json", cfg.Log.Format))
	}

	e := cfg.Engine
	for _, f := range []struct {
		name string
		v    int
	}{
		{"engine.max_dispatch_depth", e.MaxDispatchDepth},
		{"engine.action_timeout_ms", e.ActionTimeoutMs},
		{"engine.async_workers", e.AsyncWorkers},
		{"engine.queue_depth", e.QueueDepth},
		{"engine.cron_interval_ms", e.CronIntervalMs},
	} {
		if f.v < 0 {
			errs = append(errs, fmt.Sprintf("%s must not be negative", f.name))
		}
	}

	switch cfg.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if cfg.Store.DSN == "" {
			errs = append(errs, fmt.Sprintf("store.dsn is required for driver %s", cfg.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be memory, sqlite or postgres", cfg.Store.Driver))
	}

	recipeIDs := make(map[string]int)
	for i, d := range cfg.Recipes {
		loc := fmt.Sprintf("recipes[%d]", i)
		if d.ID == "" {
			errs = append(errs, loc+": id is required")
		} else {
			loc = fmt.Sprintf("recipe %s", d.ID)
			if prev, ok := recipeIDs[d.ID]; ok {
				errs = append(errs, fmt.Sprintf("duplicate recipe id %q (recipes[%d] and recipes[%d])", d.ID, prev, i))
			} else {
				recipeIDs[d.ID] = i
			}
		}
		if d.OwnerID == "" {
			errs = append(errs, loc+": owner_id is required")
		}
		if d.TriggerEvent == "" {
			errs = append(errs, loc+": trigger_event is required")
		}
		if _, err := d.conditions(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", loc, err))
		}
		if len(d.Actions) == 0 {
			errs = append(errs, loc+": actions must not be empty")
		}
		for j, a := range d.Actions {
			if a.Module == "" || a.Action == "" {
				errs = append(errs, fmt.Sprintf("%s.actions[%d]: module and action are required", loc, j))
			}
		}
	}

	scheduleIDs := make(map[string]int)
	for i, d := range cfg.Schedules {
		loc := fmt.Sprintf("schedules[%d]", i)
		if d.ID == "" {
			errs = append(errs, loc+": id is required")
		} else {
			loc = fmt.Sprintf("schedule %s", d.ID)
			if prev, ok := scheduleIDs[d.ID]; ok {
				errs = append(errs, fmt.Sprintf("duplicate schedule id %q (schedules[%d] and schedules[%d])", d.ID, prev, i))
			} else {
				scheduleIDs[d.ID] = i
			}
		}
		if d.OwnerID == "" {
			errs = append(errs, loc+": owner_id is required")
		}
		if d.RecipeID == "" {
			errs = append(errs, loc+": recipe_id is required")
		}
		if _, _, err := cron.Parse(d.Cron, d.Timezone); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", loc, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
