package matcher_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/recipebus/internal/condition"
	"github.com/gyaneshwarpardhi/recipebus/internal/event"
	"github.com/gyaneshwarpardhi/recipebus/internal/matcher"
	"github.com/gyaneshwarpardhi/recipebus/internal/recipe"
)

type staticSource struct {
	recipes []*recipe.Recipe
	err     error
	calls   int
}

func (s *staticSource) ListEnabledRecipes(_ context.Context, ownerID string) ([]*recipe.Recipe, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	var out []*recipe.Recipe
	for _, r := range s.recipes {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	return out, nil
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func makeRecipe(id string, created time.Duration, trigger string) *recipe.Recipe {
	return &recipe.Recipe{
		ID:           id,
		OwnerID:      "u1",
		Enabled:      true,
		TriggerEvent: trigger,
		CreatedAt:    base.Add(created),
	}
}

func makeEvent(typ, site string, payload map[string]interface{}) *event.Event {
	return &event.Event{
		ID:           "evt-1",
		Type:         typ,
		SourceModule: event.ModuleRank,
		OwnerID:      "u1",
		SiteID:       site,
		Payload:      payload,
		Severity:     event.SeverityInfo,
	}
}

func ids(rs []*recipe.Recipe) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestMatchOrderIsStable(t *testing.T) {
	r2 := makeRecipe("r2", time.Minute, "rank.position_dropped")
	r1 := makeRecipe("r1", 0, "rank.position_dropped")
	src := &staticSource{recipes: []*recipe.Recipe{r2, r1}}
	m := matcher.New(src, nil)
	ev := makeEvent("rank.position_dropped", "s1", nil)

	first, err := m.Match(context.Background(), ev)
	require.NoError(t, err)
	second, err := m.Match(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, []string{"r1", "r2"}, ids(first))
	assert.Equal(t, ids(first), ids(second))
}

func TestMatchTieBrokenByID(t *testing.T) {
	b := makeRecipe("b", 0, "x.y")
	a := makeRecipe("a", 0, "x.y")
	m := matcher.New(&staticSource{recipes: []*recipe.Recipe{b, a}}, nil)
	got, err := m.Match(context.Background(), makeEvent("x.y", "", nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids(got))
}

func TestMatchSiteScopeScenario(t *testing.T) {
	r := makeRecipe("drop-alert", 0, "rank.position_dropped")
	r.SiteIDs = []string{"s1"}
	r.Conditions = condition.All(condition.Leaf("drop", condition.OpGte, float64(3)))
	m := matcher.New(&staticSource{recipes: []*recipe.Recipe{r}}, nil)
	payload := map[string]interface{}{"keyword": "shoes", "drop": float64(5)}

	got, err := m.Match(context.Background(), makeEvent("rank.position_dropped", "s1", payload))
	require.NoError(t, err)
	assert.Equal(t, []string{"drop-alert"}, ids(got))

	got, err = m.Match(context.Background(), makeEvent("rank.position_dropped", "s2", payload))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMatchFilters(t *testing.T) {
	exact := makeRecipe("exact", 0, "rank.position_dropped")
	prefixOff := makeRecipe("prefix-off", time.Second, "rank")
	prefixOn := makeRecipe("prefix-on", 2*time.Second, "rank")
	prefixOn.PrefixMatch = true
	lookalike := makeRecipe("lookalike", 3*time.Second, "ran")
	lookalike.PrefixMatch = true
	disabled := makeRecipe("disabled", 4*time.Second, "rank.position_dropped")
	disabled.Enabled = false
	condFalse := makeRecipe("cond-false", 5*time.Second, "rank.position_dropped")
	condFalse.Conditions = condition.Leaf("drop", condition.OpGt, float64(100))
	malformed := makeRecipe("malformed", 6*time.Second, "rank.position_dropped")
	malformed.Conditions = condition.Leaf("drop", "like", 1)
	otherOwner := makeRecipe("other-owner", 7*time.Second, "rank.position_dropped")
	otherOwner.OwnerID = "u2"

	src := &staticSource{recipes: []*recipe.Recipe{exact, prefixOff, prefixOn, lookalike, disabled, condFalse, malformed, otherOwner}}
	m := matcher.New(src, nil)

	got, err := m.Match(context.Background(), makeEvent("rank.position_dropped", "s1", map[string]interface{}{"drop": float64(5)}))
	require.NoError(t, err)
	assert.Equal(t, []string{"exact", "prefix-on"}, ids(got))
}

func TestMatchSourceError(t *testing.T) {
	boom := errors.New("db down")
	m := matcher.New(&staticSource{err: boom}, nil)
	_, err := m.Match(context.Background(), makeEvent("x.y", "", nil))
	assert.ErrorIs(t, err, boom)
}
