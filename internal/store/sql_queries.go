package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/recipebus/internal/recipe"
)

// ---------------------------------------------------------------------------
// Recipes
// ---------------------------------------------------------------------------

func (s *SQLStore) CreateRecipe(ctx context.Context, r *recipe.Recipe) error {
	stampRecipe(r, nil)
	row, err := toRecipeRow(r)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO recipes (`+recipeColumns+`)
		VALUES (:id, :owner_id, :name, :enabled, :trigger_event, :prefix_match, :conditions, :actions, :site_ids, :created_at, :updated_at)
		ON CONFLICT (id) DO NOTHING`, row)
	if err != nil {
		return fmt.Errorf("insert recipe %s: %w", r.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("recipe %s: %w", r.ID, ErrAlreadyExists)
	}
	return nil
}

func (s *SQLStore) UpdateRecipe(ctx context.Context, r *recipe.Recipe) error {
	existing, err := s.GetRecipe(ctx, r.ID)
	if err != nil {
		return err
	}
	stampRecipe(r, existing)
	row, err := toRecipeRow(r)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE recipes SET owner_id = :owner_id, name = :name, enabled = :enabled,
			trigger_event = :trigger_event, prefix_match = :prefix_match, conditions = :conditions,
			actions = :actions, site_ids = :site_ids, updated_at = :updated_at
		WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("update recipe %s: %w", r.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("recipe %s: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) UpsertRecipe(ctx context.Context, r *recipe.Recipe) error {
	existing, err := s.GetRecipe(ctx, r.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	stampRecipe(r, existing)
	row, err := toRecipeRow(r)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO recipes (`+recipeColumns+`)
		VALUES (:id, :owner_id, :name, :enabled, :trigger_event, :prefix_match, :conditions, :actions, :site_ids, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET owner_id = excluded.owner_id, name = excluded.name,
			enabled = excluded.enabled, trigger_event = excluded.trigger_event,
			prefix_match = excluded.prefix_match, conditions = excluded.conditions,
			actions = excluded.actions, site_ids = excluded.site_ids, updated_at = excluded.updated_at`, row)
	if err != nil {
		return fmt.Errorf("upsert recipe %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLStore) GetRecipe(ctx context.Context, id string) (*recipe.Recipe, error) {
	var row recipeRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+recipeColumns+` FROM recipes WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("recipe %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get recipe %s: %w", id, err)
	}
	return row.toRecipe()
}

func (s *SQLStore) ListRecipes(ctx context.Context, ownerID string) ([]*recipe.Recipe, error) {
	return s.selectRecipes(ctx, `SELECT `+recipeColumns+` FROM recipes WHERE owner_id = ? ORDER BY created_at ASC, id ASC`, ownerID)
}

func (s *SQLStore) ListEnabledRecipes(ctx context.Context, ownerID string) ([]*recipe.Recipe, error) {
	return s.selectRecipes(ctx, `SELECT `+recipeColumns+` FROM recipes WHERE owner_id = ? AND enabled = ? ORDER BY created_at ASC, id ASC`, ownerID, true)
}

func (s *SQLStore) selectRecipes(ctx context.Context, query string, args ...interface{}) ([]*recipe.Recipe, error) {
	var rows []recipeRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list recipes: %w", err)
	}
	out := make([]*recipe.Recipe, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toRecipe()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *SQLStore) DeleteRecipe(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "recipes", "recipe", id)
}

func (s *SQLStore) deleteByID(ctx context.Context, table, kind, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM `+table+` WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", kind, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

func (s *SQLStore) CreateRun(ctx context.Context, run *recipe.Run) error {
	row, err := toRunRow(run)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES (:id, :recipe_id, :owner_id, :event_id, :trigger_kind, :parent_run_id, :status, :steps, :depth, :started_at, :ended_at)
		ON CONFLICT (id) DO NOTHING`, row)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrAlreadyExists)
	}
	run.StartedAt = row.StartedAt
	return nil
}

func (s *SQLStore) UpdateRun(ctx context.Context, run *recipe.Run) error {
	row, err := toRunRow(run)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE runs SET status = :status, steps = :steps, ended_at = :ended_at WHERE id = :id`, row)
	if err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*recipe.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+runColumns+` FROM runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return row.toRun()
}

func (s *SQLStore) ListRuns(ctx context.Context, f RunFilter) ([]*recipe.Run, error) {
	where := []string{"1 = 1"}
	var args []interface{}
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.RecipeID != "" {
		where = append(where, "recipe_id = ?")
		args = append(args, f.RecipeID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	args = append(args, limitOrDefault(f.Limit), max(f.Offset, 0))

	query := `SELECT ` + runColumns + ` FROM runs WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]*recipe.Run, 0, len(rows))
	for i := range rows {
		run, err := rows[i].toRun()
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, nil
}

func (s *SQLStore) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`UPDATE runs SET cancel_requested = ? WHERE id = ? AND status = ?`),
		true, id, string(recipe.RunRunning))
	if err != nil {
		return fmt.Errorf("cancel run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("run %s: %w", id, ErrRunFinished)
}

func (s *SQLStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag bool
	err := s.db.GetContext(ctx, &flag, s.db.Rebind(`SELECT cancel_requested FROM runs WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag %s: %w", id, err)
	}
	return flag, nil
}

// ---------------------------------------------------------------------------
// Schedules
// ---------------------------------------------------------------------------

const insertSchedule = `
	INSERT INTO schedules (` + scheduleColumns + `)
	VALUES (:id, :owner_id, :recipe_id, :expression, :timezone, :enabled, :next_run_at, :last_run_at, :created_at)`

func (s *SQLStore) CreateSchedule(ctx context.Context, sc *recipe.Schedule) error {
	stampSchedule(sc, nil)
	res, err := s.db.NamedExecContext(ctx, insertSchedule+` ON CONFLICT (id) DO NOTHING`, toScheduleRow(sc))
	if err != nil {
		return fmt.Errorf("insert schedule %s: %w", sc.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("schedule %s: %w", sc.ID, ErrAlreadyExists)
	}
	return nil
}

func (s *SQLStore) UpsertSchedule(ctx context.Context, sc *recipe.Schedule) error {
	existing, err := s.GetSchedule(ctx, sc.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	stampSchedule(sc, existing)
	_, err = s.db.NamedExecContext(ctx, insertSchedule+`
		ON CONFLICT (id) DO UPDATE SET owner_id = excluded.owner_id, recipe_id = excluded.recipe_id,
			expression = excluded.expression, timezone = excluded.timezone, enabled = excluded.enabled,
			next_run_at = excluded.next_run_at`, toScheduleRow(sc))
	if err != nil {
		return fmt.Errorf("upsert schedule %s: %w", sc.ID, err)
	}
	return nil
}

func (s *SQLStore) GetSchedule(ctx context.Context, id string) (*recipe.Schedule, error) {
	var row scheduleRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule %s: %w", id, err)
	}
	return row.toSchedule(), nil
}

func (s *SQLStore) ListSchedules(ctx context.Context, ownerID string) ([]*recipe.Schedule, error) {
	return s.selectSchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE owner_id = ? ORDER BY created_at ASC, id ASC`, ownerID)
}

func (s *SQLStore) DueSchedules(ctx context.Context, now time.Time) ([]*recipe.Schedule, error) {
	return s.selectSchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE enabled = ? AND next_run_at <= ? ORDER BY next_run_at ASC, id ASC`,
		true, dbTime(now))
}

func (s *SQLStore) selectSchedules(ctx context.Context, query string, args ...interface{}) ([]*recipe.Schedule, error) {
	var rows []scheduleRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	out := make([]*recipe.Schedule, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toSchedule())
	}
	return out, nil
}

func (s *SQLStore) DeleteSchedule(ctx context.Context, id string) error {
	return s.deleteByID(ctx, "schedules", "schedule", id)
}

func (s *SQLStore) ClaimSchedule(ctx context.Context, id string, expected, next, firedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE schedules SET next_run_at = ?, last_run_at = ? WHERE id = ? AND next_run_at = ?`),
		dbTime(next), dbTime(firedAt), id, dbTime(expected))
	if err != nil {
		return false, fmt.Errorf("claim schedule %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim schedule %s: %w", id, err)
	}
	return n == 1, nil
}
