package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/recipebus/internal/engine"
	"github.com/gyaneshwarpardhi/recipebus/internal/event"
	"github.com/gyaneshwarpardhi/recipebus/internal/module"
	"github.com/gyaneshwarpardhi/recipebus/internal/module/builtin"
	"github.com/gyaneshwarpardhi/recipebus/internal/recipe"
	"github.com/gyaneshwarpardhi/recipebus/internal/store"
)

const owner = "u1"

// testModule records what it is handed and implements a few canned actions.
type testModule struct {
	mu       sync.Mutex
	handled  []*event.Event
	onHandle func(ev *event.Event) *event.Event
	hook     func(ctx context.Context, mctx *module.Context)
}

func (m *testModule) ID() string { return "test" }

func (m *testModule) Descriptor() module.Descriptor {
	free := module.ActionSpec{Params: map[string]module.ParamSpec{}}
	return module.Descriptor{
		ID:                "test",
		HandledEventTypes: []string{event.TypeRankPositionDropped},
		Actions: map[string]module.ActionSpec{
			"echo": free, "fail": free, "partial": free, "slow": free, "panic": free, "hook": free,
		},
	}
}

func (m *testModule) HandleEvent(_ context.Context, ev *event.Event, _ *module.Context) (*event.Event, error) {
	m.mu.Lock()
	m.handled = append(m.handled, ev)
	m.mu.Unlock()
	if m.onHandle != nil {
		return m.onHandle(ev), nil
	}
	return nil, nil
}

func (m *testModule) ExecuteAction(ctx context.Context, actionID string, params map[string]interface{}, mctx *module.Context) (*module.Result, error) {
	switch actionID {
	case "echo":
		return module.OK(params), nil
	case "fail":
		return nil, errors.New("boom")
	case "partial":
		return module.Partial("half done", params), nil
	case "slow":
		<-ctx.Done()
		return nil, ctx.Err()
	case "panic":
		panic("kaboom")
	case "hook":
		if m.hook != nil {
			m.hook(ctx, mctx)
		}
		return module.OK(nil), nil
	}
	return nil, module.ErrUnknownAction
}

func (m *testModule) handledEvents() []*event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*event.Event(nil), m.handled...)
}

type harness struct {
	eng    *engine.Engine
	store  *store.MemoryStore
	mod    *testModule
	cancel context.CancelFunc
}

func newHarness(t *testing.T, cfg engine.Config, opts ...engine.Option) *harness {
	t.Helper()
	st := store.NewMemoryStore()
	return newHarnessWithStore(t, st, st, cfg, opts...)
}

func newHarnessWithStore(t *testing.T, mem *store.MemoryStore, st store.Store, cfg engine.Config, opts ...engine.Option) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := module.NewRegistry()
	builtin.Register(reg, builtin.Options{Logger: log})
	mod := &testModule{}
	reg.Register(mod)

	ctx, cancel := context.WithCancel(context.Background())
	eng := engine.New(ctx, st, reg, cfg, append([]engine.Option{engine.WithLogger(log)}, opts...)...)
	t.Cleanup(func() {
		eng.Shutdown()
		cancel()
	})
	return &harness{eng: eng, store: mem, mod: mod, cancel: cancel}
}

func (h *harness) addRecipe(t *testing.T, r *recipe.Recipe) *recipe.Recipe {
	t.Helper()
	if r.OwnerID == "" {
		r.OwnerID = owner
	}
	r.Enabled = true
	require.NoError(t, h.store.CreateRecipe(context.Background(), r))
	return r
}

func (h *harness) events(t *testing.T, typePrefix string) []*event.Event {
	t.Helper()
	evs, err := h.store.ListEvents(context.Background(), store.EventFilter{OwnerID: owner, TypePrefix: typePrefix, Limit: 1000})
	require.NoError(t, err)
	return evs
}

func (h *harness) runs(t *testing.T, recipeID string) []*recipe.Run {
	t.Helper()
	runs, err := h.store.ListRuns(context.Background(), store.RunFilter{OwnerID: owner, RecipeID: recipeID, Limit: 1000})
	require.NoError(t, err)
	return runs
}

func act(moduleID, actionID string, params map[string]interface{}) recipe.Action {
	return recipe.Action{ModuleID: moduleID, ActionID: actionID, Params: params}
}

func rankDropped(site string, drop float64) *event.Event {
	return &event.Event{
		Type:         event.TypeRankPositionDropped,
		SourceModule: event.ModuleRank,
		SiteID:       site,
		Payload:      map[string]interface{}{"keyword": "go generics", "drop": drop},
	}
}
