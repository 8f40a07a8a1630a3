package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gyaneshwarpardhi/recipebus/internal/metrics"
	"github.com/gyaneshwarpardhi/recipebus/internal/recipe"
	"github.com/gyaneshwarpardhi/recipebus/internal/store"
)

// DefaultInterval is how often Start checks for due schedules.
const DefaultInterval = 30 * time.Second

// Store is the persistence the scheduler needs.
type Store interface {
	DueSchedules(ctx context.Context, now time.Time) ([]*recipe.Schedule, error)
	ClaimSchedule(ctx context.Context, id string, expected, next, firedAt time.Time) (bool, error)
	GetRecipe(ctx context.Context, id string) (*recipe.Recipe, error)
}

// Runner executes a recipe for a schedule.
type Runner interface {
	RunScheduled(ctx context.Context, r *recipe.Recipe, ownerID string) (*recipe.Run, error)
}

// Scheduler turns due schedules into recipe runs.
type Scheduler struct {
	store    Store
	runner   Runner
	interval time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithInterval sets how often due schedules are polled.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler creates a Scheduler.
func NewScheduler(st Store, runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		runner:   runner,
		interval: DefaultInterval,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start ticks every interval until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Info("cron scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("cron scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.Tick(ctx, s.now()); err != nil {
				s.log.Error("cron tick", "err", err)
			}
		}
	}
}

// Tick fires every enabled schedule due at now and returns how many runs
// it started. A schedule is advanced to its next activation after now
// before its recipe runs; when a concurrent tick advanced it first, it is
// skipped. Missed activations collapse into one run.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	now = now.UTC()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("load due schedules: %w", err)
	}
	fired := 0
	for _, sc := range due {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		if s.fire(ctx, sc, now) {
			fired++
		}
	}
	return fired, nil
}

func (s *Scheduler) fire(ctx context.Context, sc *recipe.Schedule, now time.Time) bool {
	log := s.log.With("schedule_id", sc.ID, "recipe_id", sc.RecipeID)

	next, err := NextRunAfter(sc.Expression, sc.Timezone, now)
	if err != nil {
		metrics.SchedulesFired.WithLabelValues("invalid").Inc()
		log.Error("schedule has invalid expression", "expression", sc.Expression, "err", err)
		return false
	}
	claimed, err := s.store.ClaimSchedule(ctx, sc.ID, sc.NextRunAt, next, now)
	if err != nil {
		metrics.SchedulesFired.WithLabelValues("error").Inc()
		log.Error("claim schedule", "err", err)
		return false
	}
	if !claimed {
		metrics.SchedulesFired.WithLabelValues("skipped").Inc()
		log.Debug("schedule claimed by another tick")
		return false
	}

	r, err := s.store.GetRecipe(ctx, sc.RecipeID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		metrics.SchedulesFired.WithLabelValues("missing_recipe").Inc()
		log.Warn("scheduled recipe no longer exists")
		return false
	case err != nil:
		metrics.SchedulesFired.WithLabelValues("error").Inc()
		log.Error("load scheduled recipe", "err", err)
		return false
	case !r.Enabled:
		metrics.SchedulesFired.WithLabelValues("disabled_recipe").Inc()
		log.Debug("scheduled recipe is disabled")
		return false
	}

	run, err := s.runner.RunScheduled(ctx, r, sc.OwnerID)
	if err != nil {
		metrics.SchedulesFired.WithLabelValues("error").Inc()
		log.Error("scheduled run failed", "err", err)
		return false
	}
	metrics.SchedulesFired.WithLabelValues("fired").Inc()
	log.Info("scheduled run finished", "run_id", run.ID, "status", run.Status, "next_run_at", next)
	return true
}
