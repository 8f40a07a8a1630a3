package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gyaneshwarpardhi/recipebus/internal/event"
	"github.com/gyaneshwarpardhi/recipebus/internal/metrics"
	"github.com/gyaneshwarpardhi/recipebus/internal/module"
	"github.com/gyaneshwarpardhi/recipebus/internal/recipe"
	"github.com/gyaneshwarpardhi/recipebus/internal/store"
)

// Dispatch validates ev, persists it for ownerID and fans it out: modules
// that handle its type are notified, then every recipe it triggers is run.
// The stored event id is returned once persistence succeeded, whatever the
// downstream outcome. A caller-supplied id that is already stored is
// returned as is without a second fan-out.
func (e *Engine) Dispatch(ctx context.Context, ev *event.Event, ownerID string) (string, error) {
	return e.dispatch(ctx, ev, ownerID, 0)
}

// DispatchAsync queues ev for a background Dispatch. It returns false when
// the queue is full.
func (e *Engine) DispatchAsync(ev *event.Event, ownerID string) bool {
	if ev == nil {
		return false
	}
	cp := *ev
	if !e.async.Submit(dispatchJob{ev: &cp, ownerID: ownerID}) {
		metrics.EventsDropped.Inc()
		return false
	}
	metrics.EventsEnqueued.Inc()
	metrics.QueueUtilization.Set(e.QueueUtilization())
	return true
}

// dispatch is Dispatch at an explicit nesting depth. Events past the depth
// ceiling are stored, recorded with one critical alert event and returned
// with ErrDispatchDepthExceeded.
func (e *Engine) dispatch(ctx context.Context, in *event.Event, ownerID string, depth int) (string, error) {
	ev, err := e.prepare(in, ownerID)
	if err != nil {
		metrics.EventsRejected.Inc()
		return "", err
	}

	ctx, span := e.tracer.Start(ctx, "recipebus.dispatch",
		trace.WithAttributes(
			attribute.String("event.id", ev.ID),
			attribute.String("event.type", ev.Type),
			attribute.Int("dispatch.depth", depth),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	start := time.Now()
	defer func() {
		metrics.DispatchDuration.Observe(float64(time.Since(start).Milliseconds()))
	}()

	if err := e.store.InsertEvent(ctx, ev); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			metrics.EventsDuplicate.Inc()
			e.log.Debug("event already stored", "event_id", ev.ID)
			endSpan(span, nil)
			return ev.ID, nil
		}
		err = fmt.Errorf("%w: %w", ErrPersistence, err)
		endSpan(span, err)
		return "", err
	}
	metrics.EventsDispatched.WithLabelValues(string(ev.Severity)).Inc()

	if depth > e.cfg.MaxDispatchDepth {
		e.depthExceeded(ctx, ev.OwnerID, ev.SiteID, depth, map[string]interface{}{
			"event_id":   ev.ID,
			"event_type": ev.Type,
		})
		err := fmt.Errorf("%w: event %s (%s) at depth %d", ErrDispatchDepthExceeded, ev.ID, ev.Type, depth)
		endSpan(span, err)
		return ev.ID, err
	}

	e.notifyHandlers(ctx, ev, depth)
	e.runMatched(ctx, ev, depth)
	endSpan(span, nil)
	return ev.ID, nil
}

// prepare returns the normalized copy of in that will be stored.
func (e *Engine) prepare(in *event.Event, ownerID string) (*event.Event, error) {
	if in == nil {
		return nil, fmt.Errorf("%w: event is nil", ErrInvalidEvent)
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	ev, err := in.Clone()
	if err != nil {
		return nil, err
	}
	if ownerID != "" {
		ev.OwnerID = ownerID
	}
	if strings.TrimSpace(ev.OwnerID) == "" {
		return nil, fmt.Errorf("%w: owner_id is required", ErrInvalidEvent)
	}
	if ev.Severity == "" {
		ev.Severity = event.SeverityInfo
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = e.now()
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}

func (e *Engine) notifyHandlers(ctx context.Context, ev *event.Event, depth int) {
	for _, m := range e.registry.Handlers(ev.Type) {
		e.handle(ctx, m, ev, depth)
	}
}

func (e *Engine) handle(ctx context.Context, m module.Module, ev *event.Event, depth int) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("module event handler panicked", "module_id", m.ID(), "event_id", ev.ID, "panic", r)
		}
	}()
	cp, err := ev.Clone()
	if err != nil {
		e.log.Error("copy event for handler", "module_id", m.ID(), "event_id", ev.ID, "err", err)
		return
	}
	mctx := e.moduleContext(m.ID(), ev.OwnerID, ev.SiteID, "", depth)
	out, err := m.HandleEvent(ctx, cp, mctx)
	if err != nil {
		e.log.Warn("module event handler failed", "module_id", m.ID(), "event_id", ev.ID, "err", err)
		return
	}
	if out == nil {
		return
	}
	if out.SourceModule == "" {
		out.SourceModule = m.ID()
	}
	if out.SiteID == "" {
		out.SiteID = ev.SiteID
	}
	if _, err := e.dispatch(ctx, out, ev.OwnerID, depth+1); err != nil {
		e.log.Warn("dispatch handler event", "module_id", m.ID(), "event_type", out.Type, "err", err)
	}
}

func (e *Engine) runMatched(ctx context.Context, ev *event.Event, depth int) {
	recipes, err := e.matcher.Match(ctx, ev)
	if err != nil {
		e.log.Error("match recipes", "event_id", ev.ID, "err", err)
		return
	}
	if len(recipes) == 0 {
		return
	}
	metrics.RecipesMatched.WithLabelValues(ev.Namespace()).Add(float64(len(recipes)))
	for _, r := range recipes {
		e.runTriggered(ctx, r, ev, depth)
	}
}

// runTriggered runs one matched recipe. Errors and panics stay here so
// sibling recipes still run.
func (e *Engine) runTriggered(ctx context.Context, r *recipe.Recipe, ev *event.Event, depth int) {
	defer func() {
		if p := recover(); p != nil {
			e.log.Error("recipe run panicked", "recipe_id", r.ID, "event_id", ev.ID, "panic", p)
		}
	}()
	run, err := e.execute(ctx, runRequest{
		recipe:  r,
		event:   ev,
		ownerID: ev.OwnerID,
		trigger: recipe.TriggerEvent,
		depth:   depth,
	})
	if err != nil {
		e.log.Error("recipe run failed", "recipe_id", r.ID, "event_id", ev.ID, "err", err)
		return
	}
	e.log.Info("recipe run finished", "recipe_id", r.ID, "run_id", run.ID, "event_id", ev.ID, "status", run.Status)
}

// depthExceeded stores the critical alert for a chain cut off at depth. The
// alert itself is never matched.
func (e *Engine) depthExceeded(ctx context.Context, ownerID, siteID string, depth int, details map[string]interface{}) {
	metrics.DepthExceeded.Inc()
	payload := map[string]interface{}{
		"depth":     depth,
		"max_depth": e.cfg.MaxDispatchDepth,
	}
	for k, v := range details {
		payload[k] = v
	}
	e.log.Error("dispatch depth exceeded",
		"severity", event.SeverityCritical,
		"owner_id", ownerID,
		"depth", depth,
		"max_depth", e.cfg.MaxDispatchDepth,
	)

	normalized, err := event.NormalizePayload(payload)
	if err != nil {
		e.log.Error("encode depth exceeded payload", "err", err)
		return
	}
	alert := &event.Event{
		ID:           uuid.NewString(),
		Type:         event.TypeDispatchDepthExceeded,
		SourceModule: event.ModuleCore,
		Payload:      normalized,
		SiteID:       siteID,
		Severity:     event.SeverityCritical,
		OwnerID:      ownerID,
		CreatedAt:    e.now(),
	}
	if err := e.store.InsertEvent(ctx, alert); err != nil {
		e.log.Error("persist depth exceeded event", "err", err)
		return
	}
	metrics.EventsDispatched.WithLabelValues(string(event.SeverityCritical)).Inc()
}
