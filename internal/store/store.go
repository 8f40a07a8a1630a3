// Package store persists events, recipes, execution runs and schedules.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/recipebus/internal/event"
	"github.com/gyaneshwarpardhi/recipebus/internal/recipe"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrRunFinished is returned when cancelling a run that already ended.
	ErrRunFinished = errors.New("run already finished")
)

// DefaultListLimit caps list queries that pass no limit.
const DefaultListLimit = 100

// EventFilter narrows ListEvents. OwnerID is required.
type EventFilter struct {
	OwnerID    string
	SiteID     string
	TypePrefix string
	Severity   event.Severity
	Limit      int
	Offset     int
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	OwnerID  string
	RecipeID string
	Status   recipe.RunStatus
	Limit    int
	Offset   int
}

// EventStore is the append-only event log.
type EventStore interface {
	// InsertEvent returns ErrAlreadyExists if an event with the same id is stored.
	InsertEvent(ctx context.Context, ev *event.Event) error
	GetEvent(ctx context.Context, id string) (*event.Event, error)
	// ListEvents returns newest events first.
	ListEvents(ctx context.Context, f EventFilter) ([]*event.Event, error)
}

// RecipeStore holds recipe definitions.
type RecipeStore interface {
	CreateRecipe(ctx context.Context, r *recipe.Recipe) error
	UpdateRecipe(ctx context.Context, r *recipe.Recipe) error
	// UpsertRecipe creates or replaces a recipe, keeping an existing created_at.
	UpsertRecipe(ctx context.Context, r *recipe.Recipe) error
	GetRecipe(ctx context.Context, id string) (*recipe.Recipe, error)
	ListRecipes(ctx context.Context, ownerID string) ([]*recipe.Recipe, error)
	// ListEnabledRecipes returns enabled recipes ordered by created_at, id.
	ListEnabledRecipes(ctx context.Context, ownerID string) ([]*recipe.Recipe, error)
	DeleteRecipe(ctx context.Context, id string) error
}

// RunStore holds execution runs.
type RunStore interface {
	CreateRun(ctx context.Context, run *recipe.Run) error
	// UpdateRun writes status, steps and ended_at.
	UpdateRun(ctx context.Context, run *recipe.Run) error
	GetRun(ctx context.Context, id string) (*recipe.Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]*recipe.Run, error)
	// RequestCancel flags a running run. The executor observes the flag
	// before starting the next step.
	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
}

// ScheduleStore holds cron schedules.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *recipe.Schedule) error
	UpsertSchedule(ctx context.Context, s *recipe.Schedule) error
	GetSchedule(ctx context.Context, id string) (*recipe.Schedule, error)
	ListSchedules(ctx context.Context, ownerID string) ([]*recipe.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	// DueSchedules returns enabled schedules with next_run_at <= now.
	DueSchedules(ctx context.Context, now time.Time) ([]*recipe.Schedule, error)
	// ClaimSchedule moves next_run_at from expected to next and records
	// firedAt. It reports false when another caller claimed it first.
	ClaimSchedule(ctx context.Context, id string, expected, next, firedAt time.Time) (bool, error)
}

// Store is the full persistence surface.
type Store interface {
	EventStore
	RecipeStore
	RunStore
	ScheduleStore
	Ping(ctx context.Context) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver string // memory | sqlite | postgres
	DSN    string
	// MaxOpenConns applies to postgres only; sqlite always uses one connection.
	MaxOpenConns int
	// AutoMigrate applies pending migrations when the store is opened.
	AutoMigrate bool
}

// Open returns the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case DriverSQLite, DriverPostgres:
		s, err := OpenSQL(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("store: unknown driver %q", cfg.Driver)
}

func limitOrDefault(n int) int {
	switch {
	case n <= 0:
		return DefaultListLimit
	case n > 1000:
		return 1000
	}
	return n
}

// dbTime is how every timestamp is stored: UTC, microsecond precision, so
// values read back compare equal to the ones written.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
