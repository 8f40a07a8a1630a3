package recipe

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/recipebus/internal/condition"
	"github.com/gyaneshwarpardhi/recipebus/internal/event"
	"github.com/gyaneshwarpardhi/recipebus/internal/module"
)

func TestTriggers(t *testing.T) {
	cases := []struct {
		trigger string
		prefix  bool
		typ     string
		want    bool
	}{
		{"rank.position_dropped", false, "rank.position_dropped", true},
		{"rank", false, "rank.position_dropped", false},
		{"rank", true, "rank.position_dropped", true},
		{"rank.", true, "rank.position_dropped", true},
		{"rank", true, "ranking.updated", false},
		{"rank.position", true, "rank.position_dropped", false},
		{"rank", true, "rank", true},
		{".", true, "rank.x", false},
	}
	for _, tc := range cases {
		r := &Recipe{TriggerEvent: tc.trigger, PrefixMatch: tc.prefix}
		assert.Equal(t, tc.want, r.Triggers(tc.typ), "trigger=%q prefix=%v type=%q", tc.trigger, tc.prefix, tc.typ)
	}
}

func TestInScope(t *testing.T) {
	all := &Recipe{}
	assert.True(t, all.InScope("s1"))
	assert.True(t, all.InScope(""))

	scoped := &Recipe{SiteIDs: []string{"s1"}}
	assert.True(t, scoped.InScope("s1"))
	assert.False(t, scoped.InScope("s2"))
	assert.False(t, scoped.InScope(""))
}

func TestRunFinish(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name  string
		steps []StepStatus
		want  RunStatus
	}{
		{"no steps", nil, RunCompleted},
		{"all completed", []StepStatus{StepCompleted, StepCompleted}, RunCompleted},
		{"one partial", []StepStatus{StepCompleted, StepPartial}, RunPartial},
		{"failed wins", []StepStatus{StepPartial, StepFailed}, RunFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			run := &Run{Status: RunRunning}
			for i, s := range tc.steps {
				run.Steps = append(run.Steps, StepResult{ActionIndex: i, Status: s})
			}
			run.Finish(now)
			assert.Equal(t, tc.want, run.Status)
			require.NotNil(t, run.EndedAt)
			assert.True(t, run.Status.Terminal())
		})
	}
}

func TestResolveParams(t *testing.T) {
	ev := &event.Event{
		ID:     "evt-1",
		Type:   "rank.position_dropped",
		SiteID: "s1",
		Payload: map[string]interface{}{
			"keyword": "shoes",
			"drop":    float64(5),
			"serp":    map[string]interface{}{"top": []interface{}{"a.com", "b.com"}},
		},
	}
	scope := Scope{
		Event:  ev,
		Recipe: &Recipe{ID: "r1", OwnerID: "u1"},
		Steps: []map[string]interface{}{
			{"post_id": float64(42), "url": "https://blog/p/42"},
		},
		Input: map[string]interface{}{"tone": "casual"},
	}

	out, err := ResolveParams(map[string]interface{}{
		"keyword":  "{{event.payload.keyword}}",
		"drop":     "{{ event.payload.drop }}",
		"title":    "Lost {{event.payload.drop}} places for {{event.payload.keyword}}",
		"post":     "{{steps[0].output.post_id}}",
		"all":      "{{steps[0].output}}",
		"leader":   "{{event.payload.serp.top.0}}",
		"site":     "{{event.site_id}}",
		"owner":    "{{recipe.owner_id}}",
		"tone":     "{{input.tone}}",
		"literal":  float64(3),
		"nested":   map[string]interface{}{"id": "{{event.id}}"},
		"list":     []interface{}{"{{recipe.id}}", "x"},
		"no_brace": "plain",
	}, scope)
	require.NoError(t, err)

	assert.Equal(t, "shoes", out["keyword"])
	assert.Equal(t, float64(5), out["drop"], "whole-string placeholder keeps number type")
	assert.Equal(t, "Lost 5 places for shoes", out["title"])
	assert.Equal(t, float64(42), out["post"])
	assert.Equal(t, scope.Steps[0], out["all"])
	assert.Equal(t, "a.com", out["leader"])
	assert.Equal(t, "s1", out["site"])
	assert.Equal(t, "u1", out["owner"])
	assert.Equal(t, "casual", out["tone"])
	assert.Equal(t, float64(3), out["literal"])
	assert.Equal(t, map[string]interface{}{"id": "evt-1"}, out["nested"])
	assert.Equal(t, []interface{}{"r1", "x"}, out["list"])
	assert.Equal(t, "plain", out["no_brace"])
}

func TestResolveParamsUnresolved(t *testing.T) {
	_, err := ResolveParams(map[string]interface{}{
		"a": "{{steps[3].output.x}}",
		"b": "{{event.payload.keyword}}",
	}, Scope{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolvedReference))

	var ure *UnresolvedReferenceError
	require.ErrorAs(t, err, &ure)
	assert.Len(t, ure.Refs, 2)
}

func TestResolveParamsNilEventForCron(t *testing.T) {
	out, err := ResolveParams(map[string]interface{}{"r": "{{recipe.id}}"}, Scope{Recipe: &Recipe{ID: "r9"}})
	require.NoError(t, err)
	assert.Equal(t, "r9", out["r"])

	_, err = ResolveParams(map[string]interface{}{"e": "{{event.id}}"}, Scope{Recipe: &Recipe{ID: "r9"}})
	assert.ErrorIs(t, err, ErrUnresolvedReference)
}

func testRegistry() *module.Registry {
	reg := module.NewRegistry()
	reg.Register(&fakeModule{id: "rank", actions: map[string]module.ActionSpec{
		"check": {Params: map[string]module.ParamSpec{"keyword": {Type: module.ParamString, Required: true}}},
	}})
	return reg
}

func validRecipe() *Recipe {
	return &Recipe{
		OwnerID:      "u1",
		Name:         "watch shoes",
		Enabled:      true,
		TriggerEvent: "rank.position_dropped",
		Conditions:   condition.All(condition.Leaf("drop", condition.OpGte, float64(3))),
		Actions: []Action{
			{ModuleID: "rank", ActionID: "check", Params: map[string]interface{}{"keyword": "{{event.payload.keyword}}"}},
			{ModuleID: "rank", ActionID: "check", Params: map[string]interface{}{"keyword": "{{steps[0].output.keyword}}"}},
		},
	}
}

func TestValidate(t *testing.T) {
	reg := testRegistry()

	cases := []struct {
		name    string
		mutate  func(r *Recipe)
		wantErr string
	}{
		{name: "valid", mutate: func(*Recipe) {}},
		{name: "missing trigger", mutate: func(r *Recipe) { r.TriggerEvent = "" }, wantErr: "trigger_event is required"},
		{name: "no actions", mutate: func(r *Recipe) { r.Actions = nil }, wantErr: "actions must not be empty"},
		{name: "unknown module", mutate: func(r *Recipe) { r.Actions[0].ModuleID = "nope" }, wantErr: "unknown action"},
		{name: "unknown action", mutate: func(r *Recipe) { r.Actions[0].ActionID = "nope" }, wantErr: "unknown action"},
		{name: "missing param", mutate: func(r *Recipe) { r.Actions[0].Params = nil }, wantErr: `param "keyword" is required`},
		{name: "bad condition", mutate: func(r *Recipe) { r.Conditions = condition.Leaf("x", "like", 1) }, wantErr: "unknown operator"},
		{name: "forward reference", mutate: func(r *Recipe) {
			r.Actions[0].Params["keyword"] = "{{steps[1].output.keyword}}"
		}, wantErr: "has not run yet"},
		{name: "unknown reference root", mutate: func(r *Recipe) {
			r.Actions[0].Params["keyword"] = "{{user.email}}"
		}, wantErr: "unknown reference"},
		{name: "empty site list", mutate: func(r *Recipe) { r.SiteIDs = []string{} }, wantErr: "site_ids"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := validRecipe()
			tc.mutate(r)
			err := Validate(r, reg)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateCollectsAllProblems(t *testing.T) {
	err := Validate(&Recipe{}, testRegistry())
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.GreaterOrEqual(t, len(verr.Problems), 3)
}
