package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/gyaneshwarpardhi/recipebus/internal/engine"
	"github.com/gyaneshwarpardhi/recipebus/internal/event"
	"github.com/gyaneshwarpardhi/recipebus/internal/module"
	"github.com/gyaneshwarpardhi/recipebus/internal/recipe"
	"github.com/gyaneshwarpardhi/recipebus/internal/store"
)

func chain(id string, actions ...recipe.Action) *recipe.Recipe {
	return &recipe.Recipe{ID: id, OwnerID: owner, TriggerEvent: "manual.fire", Actions: actions}
}

func TestRunOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		actions   []recipe.Action
		status    recipe.RunStatus
		steps     []recipe.StepStatus
		errSubstr string
	}{
		{
			name:    "all steps complete",
			actions: []recipe.Action{act("test", "echo", nil), act("test", "echo", nil)},
			status:  recipe.RunCompleted,
			steps:   []recipe.StepStatus{recipe.StepCompleted, recipe.StepCompleted},
		},
		{
			name:      "failure at step two stops the chain",
			actions:   []recipe.Action{act("test", "echo", nil), act("test", "fail", nil), act("test", "echo", nil)},
			status:    recipe.RunFailed,
			steps:     []recipe.StepStatus{recipe.StepCompleted, recipe.StepFailed},
			errSubstr: "boom",
		},
		{
			name:    "partial continues",
			actions: []recipe.Action{act("test", "echo", nil), act("test", "partial", nil), act("test", "echo", nil)},
			status:  recipe.RunPartial,
			steps:   []recipe.StepStatus{recipe.StepCompleted, recipe.StepPartial, recipe.StepCompleted},
		},
		{
			name:      "unknown action",
			actions:   []recipe.Action{act("nope", "missing", nil), act("test", "echo", nil)},
			status:    recipe.RunFailed,
			steps:     []recipe.StepStatus{recipe.StepFailed},
			errSubstr: engine.ErrUnknownAction.Error(),
		},
		{
			name:      "unresolved reference",
			actions:   []recipe.Action{act("test", "echo", map[string]interface{}{"x": "{{event.payload.drop}}"})},
			status:    recipe.RunFailed,
			steps:     []recipe.StepStatus{recipe.StepFailed},
			errSubstr: recipe.ErrUnresolvedReference.Error(),
		},
		{
			name:    "no actions",
			actions: nil,
			status:  recipe.RunCompleted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, engine.Config{})
			r := h.addRecipe(t, chain("r1", tt.actions...))

			run, err := h.eng.Run(context.Background(), r, nil, owner)
			require.NoError(t, err)
			assert.Equal(t, tt.status, run.Status)
			assert.Equal(t, recipe.TriggerManual, run.Trigger)
			assert.Nil(t, run.EventID)
			require.NotNil(t, run.EndedAt)

			var got []recipe.StepStatus
			for _, s := range run.Steps {
				got = append(got, s.Status)
			}
			assert.Equal(t, tt.steps, got)
			if tt.errSubstr != "" {
				assert.Contains(t, run.Steps[len(run.Steps)-1].Error, tt.errSubstr)
			}

			stored, err := h.store.GetRun(context.Background(), run.ID)
			require.NoError(t, err)
			assert.Equal(t, run.Status, stored.Status)
			assert.Len(t, stored.Steps, len(run.Steps))
		})
	}
}

func TestRunPassesStepOutputsForward(t *testing.T) {
	h := newHarness(t, engine.Config{})
	r := h.addRecipe(t, chain("r1",
		act("test", "echo", map[string]interface{}{"count": 3, "title": "weekly"}),
		act("test", "echo", map[string]interface{}{
			"count":   "{{steps[0].output.count}}",
			"label":   "{{steps[0].output.title}} report for {{event.site_id}}",
			"recipe":  "{{recipe.id}}",
			"keyword": "{{event.payload.keyword}}",
		}),
	))

	ev := rankDropped("s1", 4)
	ev.ID = "evt-1"
	run, err := h.eng.Run(context.Background(), r, ev, owner)
	require.NoError(t, err)
	require.Equal(t, recipe.RunCompleted, run.Status)
	assert.Equal(t, recipe.TriggerEvent, run.Trigger)

	out := run.Steps[1].Output
	assert.Equal(t, float64(3), out["count"])
	assert.Equal(t, "weekly report for s1", out["label"])
	assert.Equal(t, "r1", out["recipe"])
	assert.Equal(t, "go generics", out["keyword"])
}

func TestRunRejectsOtherOwner(t *testing.T) {
	h := newHarness(t, engine.Config{})
	r := h.addRecipe(t, chain("r1", act("test", "echo", nil)))
	_, err := h.eng.Run(context.Background(), r, nil, "someone-else")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestActionTimeout(t *testing.T) {
	h := newHarness(t, engine.Config{ActionTimeout: 20 * time.Millisecond})
	r := h.addRecipe(t, chain("r1", act("test", "slow", nil), act("test", "echo", nil)))

	run, err := h.eng.Run(context.Background(), r, nil, owner)
	require.NoError(t, err)
	assert.Equal(t, recipe.RunFailed, run.Status)
	require.Len(t, run.Steps, 1)
	assert.Contains(t, run.Steps[0].Error, engine.ErrActionTimeout.Error())
}

func TestTimedOutActionCannotEmit(t *testing.T) {
	h := newHarness(t, engine.Config{ActionTimeout: 20 * time.Millisecond})
	h.addRecipe(t, &recipe.Recipe{
		ID:           "r-late",
		TriggerEvent: "late.side_effect",
		Actions:      []recipe.Action{act("test", "echo", nil)},
	})
	late := make(chan error, 2)
	h.mod.hook = func(_ context.Context, mctx *module.Context) {
		time.Sleep(100 * time.Millisecond)
		late <- mctx.Emit(context.Background(), &event.Event{Type: "late.side_effect"})
		_, err := mctx.RunRecipe(context.Background(), "r-late", nil)
		late <- err
	}
	r := h.addRecipe(t, chain("r1", act("test", "hook", nil)))

	run, err := h.eng.Run(context.Background(), r, nil, owner)
	require.NoError(t, err)
	assert.Equal(t, recipe.RunFailed, run.Status)

	for i := 0; i < 2; i++ {
		select {
		case err := <-late:
			assert.ErrorIs(t, err, engine.ErrActionTimeout)
		case <-time.After(2 * time.Second):
			t.Fatal("abandoned action never returned")
		}
	}
	assert.Empty(t, h.events(t, "late."))
	assert.Empty(t, h.runs(t, "r-late"))
}

func TestCancelRunStopsBeforeNextStep(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.mod.hook = func(ctx context.Context, mctx *module.Context) {
		require.NoError(t, h.eng.CancelRun(ctx, mctx.RunID))
	}
	r := h.addRecipe(t, chain("r1", act("test", "hook", nil), act("test", "echo", nil)))

	run, err := h.eng.Run(context.Background(), r, nil, owner)
	require.NoError(t, err)
	assert.Equal(t, recipe.RunCancelled, run.Status)
	assert.Len(t, run.Steps, 1)
	require.NotNil(t, run.EndedAt)

	err = h.eng.CancelRun(context.Background(), run.ID)
	assert.ErrorIs(t, err, store.ErrRunFinished)
}

func TestEmittedEventsDispatchBeforeNextStep(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.addRecipe(t, &recipe.Recipe{
		ID:           "r-listener",
		TriggerEvent: "report.ready",
		Actions:      []recipe.Action{act("test", "echo", map[string]interface{}{"from": "{{event.payload.by}}"})},
	})
	var seenRuns int
	h.mod.hook = func(context.Context, *module.Context) {
		seenRuns = len(h.runs(t, "r-listener"))
	}
	r := h.addRecipe(t, chain("r-emitter",
		act("core", "emit_event", map[string]interface{}{
			"event_type": "report.ready",
			"payload":    map[string]interface{}{"by": "{{recipe.id}}"},
		}),
		act("test", "hook", nil),
	))

	run, err := h.eng.Run(context.Background(), r, nil, owner)
	require.NoError(t, err)
	require.Equal(t, recipe.RunCompleted, run.Status)
	assert.Equal(t, 1, seenRuns)

	listener := h.runs(t, "r-listener")
	require.Len(t, listener, 1)
	assert.Equal(t, "r-emitter", listener[0].Steps[0].Output["from"])
	assert.Equal(t, 1, listener[0].Depth)
	assert.Equal(t, run.Steps[0].Output["event_id"], *listener[0].EventID)
}

func TestSubRecipe(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.addRecipe(t, chain("r-child", act("test", "echo", map[string]interface{}{
		"got":  "{{input.drop}}",
		"site": "{{event.site_id}}",
	})))
	h.addRecipe(t, &recipe.Recipe{
		ID:           "r-parent",
		TriggerEvent: event.TypeRankPositionDropped,
		Actions: []recipe.Action{act("recipes", "execute_recipe", map[string]interface{}{
			"recipe_id": "r-child",
			"params":    map[string]interface{}{"drop": "{{event.payload.drop}}"},
		})},
	})

	_, err := h.eng.Dispatch(context.Background(), rankDropped("s1", 7), owner)
	require.NoError(t, err)

	parents := h.runs(t, "r-parent")
	require.Len(t, parents, 1)
	parent := parents[0]
	require.Equal(t, recipe.RunCompleted, parent.Status)

	children := h.runs(t, "r-child")
	require.Len(t, children, 1)
	child := children[0]
	assert.Equal(t, recipe.TriggerSubRecipe, child.Trigger)
	assert.Equal(t, parent.ID, child.ParentRunID)
	assert.Equal(t, 1, child.Depth)
	assert.Equal(t, float64(7), child.Steps[0].Output["got"])
	assert.Equal(t, "s1", child.Steps[0].Output["site"])

	summary := parent.Steps[0].Output
	assert.Equal(t, child.ID, summary["run_id"])
	assert.Equal(t, "completed", summary["status"])
}

func TestSubRecipeFailureFailsParent(t *testing.T) {
	h := newHarness(t, engine.Config{})
	h.addRecipe(t, chain("r-child", act("test", "fail", nil)))
	r := h.addRecipe(t, chain("r-parent", act("recipes", "execute_recipe", map[string]interface{}{"recipe_id": "r-child"})))

	run, err := h.eng.Run(context.Background(), r, nil, owner)
	require.NoError(t, err)
	assert.Equal(t, recipe.RunFailed, run.Status)
	assert.Contains(t, run.Steps[0].Error, "r-child")
}

func TestSubRecipeDepthCeiling(t *testing.T) {
	h := newHarness(t, engine.Config{MaxDispatchDepth: 2})
	r := h.addRecipe(t, chain("r-self", act("recipes", "execute_recipe", map[string]interface{}{"recipe_id": "r-self"})))

	run, err := h.eng.Run(context.Background(), r, nil, owner)
	require.NoError(t, err)
	assert.Equal(t, recipe.RunFailed, run.Status)

	runs := h.runs(t, "r-self")
	require.Len(t, runs, 3)
	for _, r := range runs {
		assert.Equal(t, recipe.RunFailed, r.Status)
		if r.Depth == 2 {
			assert.Contains(t, r.Steps[0].Error, engine.ErrDispatchDepthExceeded.Error())
		}
	}
	alerts := h.events(t, event.TypeDispatchDepthExceeded)
	require.Len(t, alerts, 1)
	assert.Equal(t, "r-self", alerts[0].Payload["recipe_id"])
	assert.Equal(t, float64(3), alerts[0].Payload["depth"])
}

func TestRunManualInput(t *testing.T) {
	h := newHarness(t, engine.Config{})
	r := h.addRecipe(t, chain("r1", act("test", "echo", map[string]interface{}{"to": "{{input.email}}"})))

	run, err := h.eng.RunManual(context.Background(), r, owner, map[string]interface{}{"email": "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, recipe.RunCompleted, run.Status)
	assert.Equal(t, "a@example.com", run.Steps[0].Output["to"])
}

func TestCredentialsReachModules(t *testing.T) {
	var got string
	h := newHarness(t, engine.Config{Credentials: map[string]map[string]string{"test": {"token": "secret"}}})
	h.mod.hook = func(_ context.Context, mctx *module.Context) { got = mctx.Credential("token") }
	r := h.addRecipe(t, chain("r1", act("test", "hook", nil)))

	_, err := h.eng.RunScheduled(context.Background(), r, owner)
	require.NoError(t, err)
	assert.Equal(t, "secret", got)
}

func TestRunSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := newHarness(t, engine.Config{}, engine.WithTracer(tp.Tracer("test")))
	r := h.addRecipe(t, chain("r1", act("test", "echo", nil), act("test", "fail", nil)))

	_, err := h.eng.Run(context.Background(), r, nil, owner)
	require.NoError(t, err)

	names := map[string]int{}
	for _, s := range exporter.GetSpans() {
		names[s.Name]++
	}
	assert.Equal(t, 1, names["recipebus.run"])
	assert.Equal(t, 2, names["recipebus.step"])
}
