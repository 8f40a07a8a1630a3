package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/gyaneshwarpardhi/recipebus/internal/event"
	"github.com/gyaneshwarpardhi/recipebus/internal/metrics"
	"github.com/gyaneshwarpardhi/recipebus/internal/module"
	"github.com/gyaneshwarpardhi/recipebus/internal/recipe"
	"github.com/gyaneshwarpardhi/recipebus/internal/store"
)

type runRequest struct {
	recipe      *recipe.Recipe
	event       *event.Event
	ownerID     string
	trigger     recipe.Trigger
	parentRunID string
	depth       int
	input       map[string]interface{}
}

// Run executes r's action chain for ownerID. ev is the triggering event,
// or nil for a manual run. The returned error reports only that the run
// could not be recorded; step failures are part of the returned Run.
func (e *Engine) Run(ctx context.Context, r *recipe.Recipe, ev *event.Event, ownerID string) (*recipe.Run, error) {
	trigger := recipe.TriggerEvent
	if ev == nil {
		trigger = recipe.TriggerManual
	}
	return e.start(ctx, runRequest{recipe: r, event: ev, ownerID: ownerID, trigger: trigger})
}

// RunManual fires r on demand. input is reachable from params as {{input.*}}.
func (e *Engine) RunManual(ctx context.Context, r *recipe.Recipe, ownerID string, input map[string]interface{}) (*recipe.Run, error) {
	return e.start(ctx, runRequest{recipe: r, ownerID: ownerID, trigger: recipe.TriggerManual, input: input})
}

// RunScheduled fires r for a cron schedule.
func (e *Engine) RunScheduled(ctx context.Context, r *recipe.Recipe, ownerID string) (*recipe.Run, error) {
	return e.start(ctx, runRequest{recipe: r, ownerID: ownerID, trigger: recipe.TriggerCron})
}

// CancelRun asks a running run to stop before its next step.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	return e.store.RequestCancel(ctx, runID)
}

func (e *Engine) start(ctx context.Context, req runRequest) (*recipe.Run, error) {
	if req.recipe == nil {
		return nil, errors.New("run: recipe is nil")
	}
	if req.recipe.OwnerID != req.ownerID {
		return nil, fmt.Errorf("recipe %s: %w", req.recipe.ID, store.ErrNotFound)
	}
	if req.event != nil {
		ev, err := req.event.Clone()
		if err != nil {
			return nil, err
		}
		req.event = ev
	}
	return e.execute(ctx, req)
}

func (e *Engine) execute(ctx context.Context, req runRequest) (*recipe.Run, error) {
	r := req.recipe
	run := &recipe.Run{
		ID:          uuid.NewString(),
		RecipeID:    r.ID,
		OwnerID:     req.ownerID,
		Trigger:     req.trigger,
		ParentRunID: req.parentRunID,
		Status:      recipe.RunRunning,
		Steps:       []recipe.StepResult{},
		Depth:       req.depth,
		StartedAt:   e.now(),
	}
	if req.event != nil {
		id := req.event.ID
		run.EventID = &id
	}

	ctx, span := e.tracer.Start(ctx, "recipebus.run",
		trace.WithAttributes(
			attribute.String("recipe.id", r.ID),
			attribute.String("run.id", run.ID),
			attribute.String("run.trigger", string(req.trigger)),
			attribute.Int("run.depth", req.depth),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	if err := e.store.CreateRun(ctx, run); err != nil {
		err = fmt.Errorf("%w: create run: %w", ErrPersistence, err)
		endSpan(span, err)
		return nil, err
	}

	scope := recipe.Scope{Event: req.event, Recipe: r, Input: req.input}
	for i, act := range r.Actions {
		if e.cancelled(ctx, run.ID) {
			run.Status = recipe.RunCancelled
			break
		}
		scope.Steps = run.Outputs()
		step := e.runStep(ctx, req, run, i, act, scope)
		run.Steps = append(run.Steps, step)
		if i < len(r.Actions)-1 {
			if err := e.store.UpdateRun(ctx, run); err != nil {
				e.log.Warn("record step", "run_id", run.ID, "action_index", i, "err", err)
			}
		}
		if step.Status == recipe.StepFailed {
			break
		}
	}

	ended := e.now()
	if run.Status == recipe.RunCancelled {
		run.EndedAt = &ended
	} else {
		run.Finish(ended)
	}
	metrics.RunsFinished.WithLabelValues(string(run.Trigger), string(run.Status)).Inc()
	span.SetAttributes(attribute.String("run.status", string(run.Status)))

	// The outcome is recorded even when ctx ended the run.
	if err := e.store.UpdateRun(context.WithoutCancel(ctx), run); err != nil {
		err = fmt.Errorf("%w: finish run %s: %w", ErrPersistence, run.ID, err)
		endSpan(span, err)
		return run, err
	}
	endSpan(span, nil)
	return run, nil
}

// cancelled reports whether the run was asked to stop or its context ended.
func (e *Engine) cancelled(ctx context.Context, runID string) bool {
	if ctx.Err() != nil {
		return true
	}
	requested, err := e.store.CancelRequested(ctx, runID)
	if err != nil {
		e.log.Warn("check run cancellation", "run_id", runID, "err", err)
		return false
	}
	return requested
}

func (e *Engine) runStep(ctx context.Context, req runRequest, run *recipe.Run, idx int, act recipe.Action, scope recipe.Scope) recipe.StepResult {
	ctx, span := e.tracer.Start(ctx, "recipebus.step",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.Int("step.index", idx),
			attribute.String("module.id", act.ModuleID),
			attribute.String("action.id", act.ActionID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	step := recipe.StepResult{
		ActionIndex: idx,
		ModuleID:    act.ModuleID,
		ActionID:    act.ActionID,
		StartedAt:   e.now(),
	}

	output, res, err := e.callAction(ctx, req, run, act, scope)
	step.EndedAt = e.now()
	switch {
	case err != nil:
		step.Status = recipe.StepFailed
		step.Error = err.Error()
		e.log.Warn("recipe step failed", "run_id", run.ID, "recipe_id", run.RecipeID, "action", act.Key(), "action_index", idx, "err", err)
	case res.Outcome == module.OutcomePartial:
		step.Status = recipe.StepPartial
		step.Output = output
		step.Message = res.Message
	default:
		step.Status = recipe.StepCompleted
		step.Output = output
		step.Message = res.Message
	}

	metrics.ActionsExecuted.WithLabelValues(act.ModuleID, act.ActionID, string(step.Status)).Inc()
	metrics.StepDuration.WithLabelValues(act.ModuleID).Observe(float64(step.EndedAt.Sub(step.StartedAt).Milliseconds()))
	span.SetAttributes(attribute.String("step.status", string(step.Status)))
	endSpan(span, err)
	return step
}

// callAction resolves, invokes and post-processes one action. Events the
// action returns are dispatched before callAction returns.
func (e *Engine) callAction(ctx context.Context, req runRequest, run *recipe.Run, act recipe.Action, scope recipe.Scope) (map[string]interface{}, *module.Result, error) {
	mod, _, err := e.registry.Lookup(act.ModuleID, act.ActionID)
	if err != nil {
		return nil, nil, err
	}
	params, err := recipe.ResolveParams(act.Params, scope)
	if err != nil {
		return nil, nil, err
	}

	siteID := ""
	if req.event != nil {
		siteID = req.event.SiteID
	}
	mctx := e.moduleContext(act.ModuleID, req.ownerID, siteID, run.ID, req.depth)
	mctx.RunRecipe = e.subRecipe(req, run)

	res, err := e.invoke(ctx, mod, act.ActionID, params, mctx)
	if err != nil {
		return nil, nil, err
	}
	output, err := event.NormalizePayload(res.Output)
	if err != nil {
		return nil, nil, fmt.Errorf("action output: %w", err)
	}
	for _, ev := range res.Events {
		if ev == nil {
			continue
		}
		if err := mctx.Emit(ctx, ev); err != nil {
			return nil, nil, fmt.Errorf("emit %s: %w", ev.Type, err)
		}
	}
	return output, res, nil
}

type invokeResult struct {
	res *module.Result
	err error
}

// invoke calls the action under the action timeout. A timed out action is
// abandoned; its goroutine observes the cancelled context.
func (e *Engine) invoke(ctx context.Context, mod module.Module, actionID string, params map[string]interface{}, mctx *module.Context) (*module.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ActionTimeout)
	defer cancel()
	mctx = e.fence(ctx, mod.ID(), actionID, mctx)

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- invokeResult{err: fmt.Errorf("%s.%s panicked: %v", mod.ID(), actionID, p)}
			}
		}()
		res, err := mod.ExecuteAction(ctx, actionID, params, mctx)
		done <- invokeResult{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, e.timeoutError(mod.ID(), actionID)
			}
			return nil, out.err
		}
		if out.res == nil {
			out.res = module.OK(nil)
		}
		return out.res, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, e.timeoutError(mod.ID(), actionID)
		}
		return nil, ctx.Err()
	}
}

// fence returns a copy of mctx whose Emit and RunRecipe refuse once callCtx
// is done, which includes invoke having returned.
func (e *Engine) fence(callCtx context.Context, moduleID, actionID string, mctx *module.Context) *module.Context {
	refused := func() error {
		switch err := callCtx.Err(); {
		case err == nil:
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			return e.timeoutError(moduleID, actionID)
		default:
			return fmt.Errorf("%s.%s has ended: %w", moduleID, actionID, err)
		}
	}
	out := *mctx
	if emit := mctx.Emit; emit != nil {
		out.Emit = func(ctx context.Context, ev *event.Event) error {
			if err := refused(); err != nil {
				return err
			}
			return emit(ctx, ev)
		}
	}
	if run := mctx.RunRecipe; run != nil {
		out.RunRecipe = func(ctx context.Context, recipeID string, input map[string]interface{}) (map[string]interface{}, error) {
			if err := refused(); err != nil {
				return nil, err
			}
			return run(ctx, recipeID, input)
		}
	}
	return &out
}

func (e *Engine) timeoutError(moduleID, actionID string) error {
	return fmt.Errorf("%s.%s after %v: %w", moduleID, actionID, e.cfg.ActionTimeout, ErrActionTimeout)
}

// moduleContext builds what a module sees for one call at depth. Emitted
// events are dispatched one level deeper.
func (e *Engine) moduleContext(moduleID, ownerID, siteID, runID string, depth int) *module.Context {
	creds := make(map[string]string, len(e.cfg.Credentials[moduleID]))
	for k, v := range e.cfg.Credentials[moduleID] {
		creds[k] = v
	}
	return &module.Context{
		OwnerID:     ownerID,
		SiteID:      siteID,
		RunID:       runID,
		Credentials: creds,
		Emit: func(ctx context.Context, ev *event.Event) error {
			if ev == nil {
				return fmt.Errorf("%w: event is nil", ErrInvalidEvent)
			}
			out := *ev
			if out.SourceModule == "" {
				out.SourceModule = moduleID
			}
			if out.SiteID == "" {
				out.SiteID = siteID
			}
			_, err := e.dispatch(ctx, &out, ownerID, depth+1)
			return err
		},
	}
}

// subRecipe returns the RunRecipe callback for steps of run.
func (e *Engine) subRecipe(parent runRequest, run *recipe.Run) func(context.Context, string, map[string]interface{}) (map[string]interface{}, error) {
	return func(ctx context.Context, recipeID string, input map[string]interface{}) (map[string]interface{}, error) {
		depth := parent.depth + 1
		if depth > e.cfg.MaxDispatchDepth {
			siteID := ""
			if parent.event != nil {
				siteID = parent.event.SiteID
			}
			e.depthExceeded(ctx, parent.ownerID, siteID, depth, map[string]interface{}{
				"recipe_id":     recipeID,
				"parent_run_id": run.ID,
			})
			return nil, fmt.Errorf("%w: sub-recipe %s at depth %d", ErrDispatchDepthExceeded, recipeID, depth)
		}

		sub, err := e.store.GetRecipe(ctx, recipeID)
		if err != nil {
			return nil, err
		}
		if sub.OwnerID != parent.ownerID {
			return nil, fmt.Errorf("recipe %s: %w", recipeID, store.ErrNotFound)
		}
		if !sub.Enabled {
			return nil, fmt.Errorf("recipe %s is disabled", recipeID)
		}

		subRun, err := e.execute(ctx, runRequest{
			recipe:      sub,
			event:       parent.event,
			ownerID:     parent.ownerID,
			trigger:     recipe.TriggerSubRecipe,
			parentRunID: run.ID,
			depth:       depth,
			input:       input,
		})
		if err != nil {
			return nil, err
		}
		outputs := make([]interface{}, 0, len(subRun.Steps))
		for _, o := range subRun.Outputs() {
			outputs = append(outputs, o)
		}
		summary := map[string]interface{}{
			"run_id":  subRun.ID,
			"status":  string(subRun.Status),
			"outputs": outputs,
		}
		switch subRun.Status {
		case recipe.RunFailed, recipe.RunCancelled:
			return summary, fmt.Errorf("sub-recipe %s run %s %s", recipeID, subRun.ID, subRun.Status)
		}
		return summary, nil
	}
}
