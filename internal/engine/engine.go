// Package engine is the event bus and recipe executor. Dispatch persists an
// event, hands it to the modules that handle its type, and runs every recipe
// it triggers; Run executes one recipe's action chain.
package engine

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gyaneshwarpardhi/recipebus/internal/event"
	"github.com/gyaneshwarpardhi/recipebus/internal/matcher"
	"github.com/gyaneshwarpardhi/recipebus/internal/metrics"
	"github.com/gyaneshwarpardhi/recipebus/internal/module"
	"github.com/gyaneshwarpardhi/recipebus/internal/store"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultMaxDispatchDepth = 10
	DefaultActionTimeout    = 30 * time.Second
	DefaultAsyncWorkers     = 8
	DefaultQueueDepth       = 1000
)

const tracerName = "github.com/gyaneshwarpardhi/recipebus/internal/engine"

// Config tunes the engine.
type Config struct {
	// MaxDispatchDepth is the deepest event or sub-recipe nesting that is
	// still processed. Deeper events are stored but not matched.
	MaxDispatchDepth int
	// ActionTimeout bounds a single action call.
	ActionTimeout time.Duration
	AsyncWorkers  int
	QueueDepth    int
	// Credentials are handed to modules keyed by module id.
	Credentials map[string]map[string]string
}

func (c Config) withDefaults() Config {
	if c.MaxDispatchDepth <= 0 {
		c.MaxDispatchDepth = DefaultMaxDispatchDepth
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = DefaultActionTimeout
	}
	if c.AsyncWorkers <= 0 {
		c.AsyncWorkers = DefaultAsyncWorkers
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	return c
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithTracer sets the tracer used for dispatch, run and step spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.clock = now
		}
	}
}

// Engine wires the store, the module registry and the matcher together.
type Engine struct {
	store    store.Store
	registry *module.Registry
	matcher  *matcher.Matcher
	cfg      Config
	log      *slog.Logger
	tracer   trace.Tracer
	clock    func() time.Time
	async    *workerPool[dispatchJob]
}

type dispatchJob struct {
	ev      *event.Event
	ownerID string
}

// New creates an Engine and starts the async dispatch workers. Events
// accepted by DispatchAsync are processed even after ctx is done; Shutdown
// waits for them.
func New(ctx context.Context, st store.Store, reg *module.Registry, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		registry: reg,
		cfg:      cfg.withDefaults(),
		log:      slog.Default(),
		tracer:   otel.Tracer(tracerName),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.matcher = matcher.New(st, e.log)

	e.async = newWorkerPool[dispatchJob](ctx, e.cfg.AsyncWorkers, e.cfg.QueueDepth,
		func(ctx context.Context, j dispatchJob) error {
			defer metrics.QueueUtilization.Set(e.QueueUtilization())
			_, err := e.Dispatch(ctx, j.ev, j.ownerID)
			if err != nil {
				e.log.Warn("async dispatch failed", "event_type", j.ev.Type, "owner_id", j.ownerID, "err", err)
			}
			return err
		})
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Registry returns the module registry the engine executes against.
func (e *Engine) Registry() *module.Registry { return e.registry }

// QueueUtilization returns async queue used / capacity (0-1).
func (e *Engine) QueueUtilization() float64 {
	if e.async.QueueCap() == 0 {
		return 0
	}
	return float64(e.async.QueueLen()) / float64(e.async.QueueCap())
}

// Shutdown stops accepting async events and waits for queued ones to finish.
func (e *Engine) Shutdown() {
	e.async.Drain()
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
