package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/recipebus/internal/condition"
	"github.com/gyaneshwarpardhi/recipebus/internal/event"
	"github.com/gyaneshwarpardhi/recipebus/internal/recipe"
)

// JSON columns travel as strings: lib/pq would send []byte as bytea.

const eventColumns = `id, event_type, source_module, payload, site_id, severity, owner_id, created_at`

type eventRow struct {
	ID           string    `db:"id"`
	Type         string    `db:"event_type"`
	SourceModule string    `db:"source_module"`
	Payload      string    `db:"payload"`
	SiteID       string    `db:"site_id"`
	Severity     string    `db:"severity"`
	OwnerID      string    `db:"owner_id"`
	CreatedAt    time.Time `db:"created_at"`
}

func toEventRow(ev *event.Event) (eventRow, error) {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return eventRow{}, fmt.Errorf("encode payload: %w", err)
	}
	return eventRow{
		ID:           ev.ID,
		Type:         ev.Type,
		SourceModule: ev.SourceModule,
		Payload:      string(raw),
		SiteID:       ev.SiteID,
		Severity:     string(ev.Severity),
		OwnerID:      ev.OwnerID,
		CreatedAt:    dbTime(ev.CreatedAt),
	}, nil
}

func (r eventRow) toEvent() (*event.Event, error) {
	payload, err := event.DecodePayload([]byte(r.Payload))
	if err != nil {
		return nil, fmt.Errorf("event %s: %w", r.ID, err)
	}
	return &event.Event{
		ID:           r.ID,
		Type:         r.Type,
		SourceModule: r.SourceModule,
		Payload:      payload,
		SiteID:       r.SiteID,
		Severity:     event.Severity(r.Severity),
		OwnerID:      r.OwnerID,
		CreatedAt:    r.CreatedAt.UTC(),
	}, nil
}

const recipeColumns = `id, owner_id, name, enabled, trigger_event, prefix_match, conditions, actions, site_ids, created_at, updated_at`

type recipeRow struct {
	ID           string         `db:"id"`
	OwnerID      string         `db:"owner_id"`
	Name         string         `db:"name"`
	Enabled      bool           `db:"enabled"`
	TriggerEvent string         `db:"trigger_event"`
	PrefixMatch  bool           `db:"prefix_match"`
	Conditions   string         `db:"conditions"`
	Actions      string         `db:"actions"`
	SiteIDs      sql.NullString `db:"site_ids"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func toRecipeRow(r *recipe.Recipe) (recipeRow, error) {
	conds, err := json.Marshal(r.Conditions)
	if err != nil {
		return recipeRow{}, fmt.Errorf("encode conditions: %w", err)
	}
	actions := r.Actions
	if actions == nil {
		actions = []recipe.Action{}
	}
	acts, err := json.Marshal(actions)
	if err != nil {
		return recipeRow{}, fmt.Errorf("encode actions: %w", err)
	}
	row := recipeRow{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		Name:         r.Name,
		Enabled:      r.Enabled,
		TriggerEvent: r.TriggerEvent,
		PrefixMatch:  r.PrefixMatch,
		Conditions:   string(conds),
		Actions:      string(acts),
		CreatedAt:    dbTime(r.CreatedAt),
		UpdatedAt:    dbTime(r.UpdatedAt),
	}
	if r.SiteIDs != nil {
		sites, err := json.Marshal(r.SiteIDs)
		if err != nil {
			return recipeRow{}, fmt.Errorf("encode site_ids: %w", err)
		}
		row.SiteIDs = sql.NullString{String: string(sites), Valid: true}
	}
	return row, nil
}

func (row recipeRow) toRecipe() (*recipe.Recipe, error) {
	r := &recipe.Recipe{
		ID:           row.ID,
		OwnerID:      row.OwnerID,
		Name:         row.Name,
		Enabled:      row.Enabled,
		TriggerEvent: row.TriggerEvent,
		PrefixMatch:  row.PrefixMatch,
		CreatedAt:    row.CreatedAt.UTC(),
		UpdatedAt:    row.UpdatedAt.UTC(),
	}
	var tree condition.Tree
	if err := json.Unmarshal([]byte(row.Conditions), &tree); err != nil {
		return nil, fmt.Errorf("recipe %s conditions: %w", row.ID, err)
	}
	r.Conditions = tree
	if err := json.Unmarshal([]byte(row.Actions), &r.Actions); err != nil {
		return nil, fmt.Errorf("recipe %s actions: %w", row.ID, err)
	}
	if row.SiteIDs.Valid {
		sites := []string{}
		if err := json.Unmarshal([]byte(row.SiteIDs.String), &sites); err != nil {
			return nil, fmt.Errorf("recipe %s site_ids: %w", row.ID, err)
		}
		r.SiteIDs = sites
	}
	return r, nil
}

const runColumns = `id, recipe_id, owner_id, event_id, trigger_kind, parent_run_id, status, steps, depth, started_at, ended_at`

type runRow struct {
	ID          string         `db:"id"`
	RecipeID    string         `db:"recipe_id"`
	OwnerID     string         `db:"owner_id"`
	EventID     sql.NullString `db:"event_id"`
	Trigger     string         `db:"trigger_kind"`
	ParentRunID string         `db:"parent_run_id"`
	Status      string         `db:"status"`
	Steps       string         `db:"steps"`
	Depth       int            `db:"depth"`
	StartedAt   time.Time      `db:"started_at"`
	EndedAt     sql.NullTime   `db:"ended_at"`
}

func encodeSteps(steps []recipe.StepResult) (string, error) {
	if steps == nil {
		steps = []recipe.StepResult{}
	}
	for i := range steps {
		steps[i].StartedAt = dbTime(steps[i].StartedAt)
		steps[i].EndedAt = dbTime(steps[i].EndedAt)
	}
	raw, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("encode steps: %w", err)
	}
	return string(raw), nil
}

func toRunRow(run *recipe.Run) (runRow, error) {
	steps, err := encodeSteps(run.Steps)
	if err != nil {
		return runRow{}, err
	}
	row := runRow{
		ID:          run.ID,
		RecipeID:    run.RecipeID,
		OwnerID:     run.OwnerID,
		Trigger:     string(run.Trigger),
		ParentRunID: run.ParentRunID,
		Status:      string(run.Status),
		Steps:       steps,
		Depth:       run.Depth,
		StartedAt:   dbTime(run.StartedAt),
		EndedAt:     nullTime(run.EndedAt),
	}
	if run.EventID != nil {
		row.EventID = sql.NullString{String: *run.EventID, Valid: true}
	}
	return row, nil
}

func (row runRow) toRun() (*recipe.Run, error) {
	run := &recipe.Run{
		ID:          row.ID,
		RecipeID:    row.RecipeID,
		OwnerID:     row.OwnerID,
		Trigger:     recipe.Trigger(row.Trigger),
		ParentRunID: row.ParentRunID,
		Status:      recipe.RunStatus(row.Status),
		Depth:       row.Depth,
		StartedAt:   row.StartedAt.UTC(),
		EndedAt:     timePtr(row.EndedAt),
	}
	if row.EventID.Valid {
		id := row.EventID.String
		run.EventID = &id
	}
	if err := json.Unmarshal([]byte(row.Steps), &run.Steps); err != nil {
		return nil, fmt.Errorf("run %s steps: %w", row.ID, err)
	}
	return run, nil
}

const scheduleColumns = `id, owner_id, recipe_id, expression, timezone, enabled, next_run_at, last_run_at, created_at`

type scheduleRow struct {
	ID         string       `db:"id"`
	OwnerID    string       `db:"owner_id"`
	RecipeID   string       `db:"recipe_id"`
	Expression string       `db:"expression"`
	Timezone   string       `db:"timezone"`
	Enabled    bool         `db:"enabled"`
	NextRunAt  time.Time    `db:"next_run_at"`
	LastRunAt  sql.NullTime `db:"last_run_at"`
	CreatedAt  time.Time    `db:"created_at"`
}

func toScheduleRow(sc *recipe.Schedule) scheduleRow {
	return scheduleRow{
		ID:         sc.ID,
		OwnerID:    sc.OwnerID,
		RecipeID:   sc.RecipeID,
		Expression: sc.Expression,
		Timezone:   sc.Timezone,
		Enabled:    sc.Enabled,
		NextRunAt:  dbTime(sc.NextRunAt),
		LastRunAt:  nullTime(sc.LastRunAt),
		CreatedAt:  dbTime(sc.CreatedAt),
	}
}

func (row scheduleRow) toSchedule() *recipe.Schedule {
	return &recipe.Schedule{
		ID:         row.ID,
		OwnerID:    row.OwnerID,
		RecipeID:   row.RecipeID,
		Expression: row.Expression,
		Timezone:   row.Timezone,
		Enabled:    row.Enabled,
		NextRunAt:  row.NextRunAt.UTC(),
		LastRunAt:  timePtr(row.LastRunAt),
		CreatedAt:  row.CreatedAt.UTC(),
	}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: dbTime(*t), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
