package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/recipebus/internal/api"
	"github.com/gyaneshwarpardhi/recipebus/internal/engine"
	"github.com/gyaneshwarpardhi/recipebus/internal/module"
	"github.com/gyaneshwarpardhi/recipebus/internal/module/builtin"
	"github.com/gyaneshwarpardhi/recipebus/internal/store"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type env struct {
	srv   http.Handler
	store *store.MemoryStore
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := store.NewMemoryStore()
	reg := module.NewRegistry()
	builtin.Register(reg, builtin.Options{Logger: discard})

	ctx, cancel := context.WithCancel(context.Background())
	eng := engine.New(ctx, st, reg, engine.Config{}, engine.WithLogger(discard))
	t.Cleanup(func() {
		eng.Shutdown()
		cancel()
	})
	return &env{srv: api.New(eng, st, discard), store: st}
}

func (e *env) do(t *testing.T, method, path, owner string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if owner != "" {
		req.Header.Set(api.OwnerHeader, owner)
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func rankEvent(site string, drop int) map[string]interface{} {
	return map[string]interface{}{
		"event_type":    "rank.position_dropped",
		"source_module": "rank",
		"site_id":       site,
		"payload":       map[string]interface{}{"keyword": "shoes", "drop": drop},
	}
}

func logRecipe(name string) map[string]interface{} {
	return map[string]interface{}{
		"name":          name,
		"trigger_event": "rank.position_dropped",
		"when":          "drop >= 3",
		"site_ids":      []string{"s1"},
		"actions": []map[string]interface{}{
			{"module_id": "core", "action_id": "log", "params": map[string]interface{}{"message": "dropped {{event.payload.drop}}"}},
		},
	}
}

func TestHealthAndReady(t *testing.T) {
	e := newEnv(t)
	rec, body := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, body = e.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", body["status"])

	rec, _ = e.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOwnerHeaderRequired(t *testing.T) {
	e := newEnv(t)
	rec, body := e.do(t, http.MethodGet, "/v1/events", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, body["error"], api.OwnerHeader)
}

func TestIngestEvent(t *testing.T) {
	e := newEnv(t)

	rec, body := e.do(t, http.MethodPost, "/v1/events", "u1", rankEvent("s1", 4))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id, _ := body["event_id"].(string)
	require.NotEmpty(t, id)

	rec, body = e.do(t, http.MethodGet, "/v1/events/"+id, "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", body["owner_id"])
	assert.Equal(t, "info", body["severity"])
	assert.Equal(t, map[string]interface{}{"keyword": "shoes", "drop": 4.0}, body["payload"])

	rec, _ = e.do(t, http.MethodGet, "/v1/events/"+id, "u2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestEventRejectsMalformed(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name string
		body interface{}
	}{
		{"not json", "{"},
		{"missing type", map[string]interface{}{"source_module": "rank"}},
		{"missing source", map[string]interface{}{"event_type": "rank.position_dropped"}},
		{"bad severity", map[string]interface{}{"event_type": "x.y", "source_module": "x", "severity": "meh"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := e.do(t, http.MethodPost, "/v1/events", "u1", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	rec, body := e.do(t, http.MethodGet, "/v1/events", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["events"])
}

func TestIngestBatch(t *testing.T) {
	e := newEnv(t)
	batch := []interface{}{
		rankEvent("s1", 1),
		map[string]interface{}{"event_type": "rank.position_dropped"},
		rankEvent("s2", 2),
	}
	rec, body := e.do(t, http.MethodPost, "/v1/events/batch", "u1", batch)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, 3.0, body["total"])
	assert.Equal(t, 2.0, body["queued"])
	rejected, _ := body["rejected"].([]interface{})
	require.Len(t, rejected, 1)
	assert.Equal(t, 1.0, rejected[0].(map[string]interface{})["index"])

	ids, _ := body["event_ids"].([]interface{})
	require.Len(t, ids, 2)
	require.Eventually(t, func() bool {
		rec, _ := e.do(t, http.MethodGet, fmt.Sprintf("/v1/events/%s", ids[1]), "u1", nil)
		return rec.Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	big := make([]interface{}, 101)
	for i := range big {
		big[i] = rankEvent("s1", i)
	}
	rec, _ = e.do(t, http.MethodPost, "/v1/events/batch", "u1", big)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/v1/events/batch", "u1", []interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListEventsFilters(t *testing.T) {
	e := newEnv(t)
	for _, site := range []string{"s1", "s2", "s1"} {
		rec, _ := e.do(t, http.MethodPost, "/v1/events", "u1", rankEvent(site, 1))
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec, _ := e.do(t, http.MethodPost, "/v1/events", "u2", rankEvent("s1", 1))
	require.Equal(t, http.StatusCreated, rec.Code)

	_, body := e.do(t, http.MethodGet, "/v1/events?site_id=s1", "u1", nil)
	assert.Len(t, body["events"], 2)
	_, body = e.do(t, http.MethodGet, "/v1/events?type_prefix=rank.&limit=1", "u1", nil)
	assert.Len(t, body["events"], 1)
	_, body = e.do(t, http.MethodGet, "/v1/events?type_prefix=leads.", "u1", nil)
	assert.Empty(t, body["events"])

	rec, _ = e.do(t, http.MethodGet, "/v1/events?limit=-1", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = e.do(t, http.MethodGet, "/v1/events?severity=loud", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecipeLifecycle(t *testing.T) {
	e := newEnv(t)

	rec, body := e.do(t, http.MethodPost, "/v1/recipes", "u1", logRecipe("alert"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, true, body["enabled"])
	assert.Equal(t, "u1", body["owner_id"])

	_, body = e.do(t, http.MethodGet, "/v1/recipes", "u1", nil)
	assert.Len(t, body["recipes"], 1)
	_, body = e.do(t, http.MethodGet, "/v1/recipes", "u2", nil)
	assert.Empty(t, body["recipes"])

	rec, _ = e.do(t, http.MethodGet, "/v1/recipes/"+id, "u2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	update := logRecipe("renamed")
	update["enabled"] = false
	rec, body = e.do(t, http.MethodPut, "/v1/recipes/"+id, "u1", update)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "renamed", body["name"])
	assert.Equal(t, false, body["enabled"])

	// Disabled recipes still fire by hand.
	rec, body = e.do(t, http.MethodPost, "/v1/recipes/"+id+"/run", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	// The manual run has no event, so the event placeholder cannot resolve.
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "manual", body["trigger"])

	_, body = e.do(t, http.MethodGet, "/v1/recipes/"+id+"/runs", "u1", nil)
	assert.Len(t, body["runs"], 1)

	rec, _ = e.do(t, http.MethodDelete, "/v1/recipes/"+id, "u1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec, _ = e.do(t, http.MethodGet, "/v1/recipes/"+id, "u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRecipeValidation(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"unknown action", func(r map[string]interface{}) {
			r["actions"] = []map[string]interface{}{{"module_id": "core", "action_id": "nope"}}
		}},
		{"missing required param", func(r map[string]interface{}) {
			r["actions"] = []map[string]interface{}{{"module_id": "core", "action_id": "log"}}
		}},
		{"no trigger", func(r map[string]interface{}) { delete(r, "trigger_event") }},
		{"empty site list", func(r map[string]interface{}) { r["site_ids"] = []string{} }},
		{"bad shorthand", func(r map[string]interface{}) { r["when"] = "drop >= " }},
		{"both condition forms", func(r map[string]interface{}) {
			r["trigger_conditions"] = map[string]interface{}{"field": "drop", "operator": "gt", "value": 1}
		}},
		{"bad operator", func(r map[string]interface{}) {
			delete(r, "when")
			r["trigger_conditions"] = map[string]interface{}{"field": "drop", "operator": "matches", "value": 1}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := logRecipe("x")
			tt.mutate(body)
			rec, _ := e.do(t, http.MethodPost, "/v1/recipes", "u1", body)
			assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
		})
	}
}

func TestIngestedEventRunsMatchingRecipe(t *testing.T) {
	e := newEnv(t)
	rec, body := e.do(t, http.MethodPost, "/v1/recipes", "u1", logRecipe("alert"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := body["id"].(string)

	for _, ev := range []map[string]interface{}{rankEvent("s1", 4), rankEvent("s2", 4), rankEvent("s1", 1)} {
		rec, _ := e.do(t, http.MethodPost, "/v1/events", "u1", ev)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	_, body = e.do(t, http.MethodGet, "/v1/recipes/"+id+"/runs", "u1", nil)
	runs, _ := body["runs"].([]interface{})
	require.Len(t, runs, 1)
	run := runs[0].(map[string]interface{})
	assert.Equal(t, "completed", run["status"])
	assert.Equal(t, "event", run["trigger"])

	rec, body = e.do(t, http.MethodGet, "/v1/runs/"+run["id"].(string), "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["step_results"], 1)

	rec, _ = e.do(t, http.MethodGet, "/v1/runs/"+run["id"].(string), "u2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/v1/runs/"+run["id"].(string)+"/cancel", "u1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/v1/runs/missing/cancel", "u1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManualRunInput(t *testing.T) {
	e := newEnv(t)
	r := logRecipe("manual")
	r["actions"] = []map[string]interface{}{
		{"module_id": "core", "action_id": "log", "params": map[string]interface{}{"message": "hello {{input.name}}"}},
	}
	rec, body := e.do(t, http.MethodPost, "/v1/recipes", "u1", r)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, body = e.do(t, http.MethodPost, "/v1/recipes/"+body["id"].(string)+"/run", "u1",
		map[string]interface{}{"input": map[string]interface{}{"name": "ada"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "completed", body["status"])
}

func TestSchedules(t *testing.T) {
	e := newEnv(t)
	rec, body := e.do(t, http.MethodPost, "/v1/recipes", "u1", logRecipe("alert"))
	require.Equal(t, http.StatusCreated, rec.Code)
	recipeID := body["id"].(string)

	rec, _ = e.do(t, http.MethodPost, "/v1/schedules", "u1", map[string]interface{}{
		"recipe_id": recipeID, "cron_expression": "every day",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/v1/schedules", "u1", map[string]interface{}{
		"recipe_id": recipeID, "cron_expression": "0 9 * * *", "timezone": "Mars/Olympus",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/v1/schedules", "u2", map[string]interface{}{
		"recipe_id": recipeID, "cron_expression": "0 9 * * *",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = e.do(t, http.MethodPost, "/v1/schedules", "u1", map[string]interface{}{
		"recipe_id": recipeID, "cron_expression": "0 9 * * *", "timezone": "Europe/Berlin",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	scheduleID := body["id"].(string)
	assert.Equal(t, "Europe/Berlin", body["timezone"])
	assert.NotEmpty(t, body["next_run_at"])

	_, body = e.do(t, http.MethodGet, "/v1/schedules", "u1", nil)
	assert.Len(t, body["schedules"], 1)

	rec, _ = e.do(t, http.MethodDelete, "/v1/schedules/"+scheduleID, "u2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = e.do(t, http.MethodDelete, "/v1/schedules/"+scheduleID, "u1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	_, body = e.do(t, http.MethodGet, "/v1/schedules", "u1", nil)
	assert.Empty(t, body["schedules"])
}

func TestListModules(t *testing.T) {
	e := newEnv(t)
	rec, body := e.do(t, http.MethodGet, "/v1/modules", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ids []string
	for _, m := range body["modules"].([]interface{}) {
		ids = append(ids, m.(map[string]interface{})["id"].(string))
	}
	assert.Subset(t, ids, []string{"core", "recipes", "webhook"})
}
