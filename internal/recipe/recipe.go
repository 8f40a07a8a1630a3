// Package recipe holds the automation rule model: recipes, their execution
// runs and the schedules that fire them.
package recipe

import (
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/recipebus/internal/condition"
)

// Action is one step of a recipe's chain.
type Action struct {
	ModuleID string                 `json:"module_id" yaml:"module_id"`
	ActionID string                 `json:"action_id" yaml:"action_id"`
	Params   map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// Key returns "module.action".
func (a Action) Key() string { return a.ModuleID + "." + a.ActionID }

// Recipe is a user-defined automation rule.
type Recipe struct {
	ID           string         `json:"id"`
	OwnerID      string         `json:"owner_id"`
	Name         string         `json:"name"`
	Enabled      bool           `json:"enabled"`
	TriggerEvent string         `json:"trigger_event"`
	PrefixMatch  bool           `json:"prefix_match"`
	Conditions   condition.Tree `json:"trigger_conditions"`
	Actions      []Action       `json:"actions"`
	// SiteIDs nil means every site.
	SiteIDs   []string  `json:"site_ids"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Triggers reports whether eventType fires the recipe, ignoring conditions
// and site scope. A prefix trigger matches on dotted segment boundaries
// only: "rank" and "rank." match "rank.position_dropped" but not
// "ranking.updated".
func (r *Recipe) Triggers(eventType string) bool {
	if r.TriggerEvent == eventType {
		return true
	}
	if !r.PrefixMatch {
		return false
	}
	prefix := strings.TrimSuffix(r.TriggerEvent, ".")
	if prefix == "" {
		return false
	}
	return eventType == prefix || strings.HasPrefix(eventType, prefix+".")
}

// InScope reports whether siteID passes the recipe's site allow-list.
func (r *Recipe) InScope(siteID string) bool {
	if r.SiteIDs == nil {
		return true
	}
	for _, s := range r.SiteIDs {
		if s == siteID {
			return true
		}
	}
	return false
}

// RunStatus is the lifecycle state of an execution run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further steps will be executed.
func (s RunStatus) Terminal() bool { return s != RunRunning && s != "" }

// StepStatus is the outcome of a single step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepPartial   StepStatus = "partial"
	StepFailed    StepStatus = "failed"
)

// Trigger records what started a run.
type Trigger string

const (
	TriggerEvent     Trigger = "event"
	TriggerCron      Trigger = "cron"
	TriggerManual    Trigger = "manual"
	TriggerSubRecipe Trigger = "sub_recipe"
)

// StepResult is the recorded outcome of one action.
type StepResult struct {
	ActionIndex int                    `json:"action_index"`
	ModuleID    string                 `json:"module_id"`
	ActionID    string                 `json:"action_id"`
	Status      StepStatus             `json:"status"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Message     string                 `json:"message,omitempty"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	EndedAt     time.Time              `json:"ended_at"`
}

// Run is the record of one attempt to execute a recipe's action chain.
type Run struct {
	ID          string       `json:"id"`
	RecipeID    string       `json:"recipe_id"`
	OwnerID     string       `json:"owner_id"`
	EventID     *string      `json:"triggering_event_id"`
	Trigger     Trigger      `json:"trigger"`
	ParentRunID string       `json:"parent_run_id,omitempty"`
	Status      RunStatus    `json:"status"`
	Steps       []StepResult `json:"step_results"`
	Depth       int          `json:"depth"`
	StartedAt   time.Time    `json:"started_at"`
	EndedAt     *time.Time   `json:"ended_at,omitempty"`
}

// Finish sets the terminal status derived from the recorded steps. A run
// with any failed step is failed, otherwise partial if any step was
// partial, otherwise completed.
func (r *Run) Finish(at time.Time) {
	status := RunCompleted
	for _, s := range r.Steps {
		if s.Status == StepFailed {
			status = RunFailed
			break
		}
		if s.Status == StepPartial {
			status = RunPartial
		}
	}
	r.Status = status
	r.EndedAt = &at
}

// Outputs returns every step's output indexed by action index.
func (r *Run) Outputs() []map[string]interface{} {
	out := make([]map[string]interface{}, len(r.Steps))
	for i, s := range r.Steps {
		out[i] = s.Output
	}
	return out
}

// Schedule fires a recipe on a cron expression.
type Schedule struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	RecipeID   string     `json:"recipe_id"`
	Expression string     `json:"cron_expression"`
	Timezone   string     `json:"timezone"`
	Enabled    bool       `json:"enabled"`
	NextRunAt  time.Time  `json:"next_run_at"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
