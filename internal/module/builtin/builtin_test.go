package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/recipebus/internal/event"
	"github.com/gyaneshwarpardhi/recipebus/internal/module"
)

func TestRegisterAll(t *testing.T) {
	reg := module.NewRegistry()
	Register(reg, Options{})
	assert.Equal(t, []string{"core", "recipes", "webhook"}, reg.IDs())

	_, _, err := reg.Lookup("recipes", "execute_recipe")
	require.NoError(t, err)
}

func TestCoreEmitEvent(t *testing.T) {
	c := NewCore(nil)
	mctx := &module.Context{OwnerID: "u1", SiteID: "s1"}
	res, err := c.ExecuteAction(context.Background(), "emit_event", map[string]interface{}{
		"event_type": "rank.position_dropped",
		"payload":    map[string]interface{}{"drop": float64(4)},
	}, mctx)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)

	ev := res.Events[0]
	assert.Equal(t, "rank.position_dropped", ev.Type)
	assert.Equal(t, event.ModuleCore, ev.SourceModule)
	assert.Equal(t, "s1", ev.SiteID)
	assert.Equal(t, "u1", ev.OwnerID)
	assert.Equal(t, ev.ID, res.Output["event_id"])
}

func TestCoreLogUnknownLevelIsPartial(t *testing.T) {
	c := NewCore(nil)
	res, err := c.ExecuteAction(context.Background(), "log", map[string]interface{}{"message": "hi", "level": "loud"}, nil)
	require.NoError(t, err)
	assert.Equal(t, module.OutcomePartial, res.Outcome)

	res, err = c.ExecuteAction(context.Background(), "log", map[string]interface{}{"message": "hi", "level": "warn"}, nil)
	require.NoError(t, err)
	assert.Equal(t, module.OutcomeOK, res.Outcome)
}

func TestCoreUnknownAction(t *testing.T) {
	_, err := NewCore(nil).ExecuteAction(context.Background(), "explode", nil, nil)
	assert.ErrorIs(t, err, module.ErrUnknownAction)
}

func TestRecipesExecuteRecipe(t *testing.T) {
	r := NewRecipes()
	var gotID string
	mctx := &module.Context{
		RunRecipe: func(_ context.Context, id string, _ map[string]interface{}) (map[string]interface{}, error) {
			gotID = id
			return map[string]interface{}{"run_id": "run-1", "status": "completed"}, nil
		},
	}
	res, err := r.ExecuteAction(context.Background(), "execute_recipe", map[string]interface{}{"recipe_id": "r2"}, mctx)
	require.NoError(t, err)
	assert.Equal(t, "r2", gotID)
	assert.Equal(t, "run-1", res.Output["run_id"])

	boom := errors.New("sub-run failed")
	mctx.RunRecipe = func(context.Context, string, map[string]interface{}) (map[string]interface{}, error) {
		return nil, boom
	}
	_, err = r.ExecuteAction(context.Background(), "execute_recipe", map[string]interface{}{"recipe_id": "r2"}, mctx)
	assert.ErrorIs(t, err, boom)

	_, err = r.ExecuteAction(context.Background(), "execute_recipe", map[string]interface{}{"recipe_id": "r2"}, &module.Context{})
	assert.Error(t, err)
}

func TestWebhookPost(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		switch r.URL.Path {
		case "/bad":
			w.WriteHeader(http.StatusUnprocessableEntity)
		case "/down":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer srv.Close()

	w := NewWebhook(WebhookOptions{})
	mctx := &module.Context{Credentials: map[string]string{"token": "secret"}}
	params := map[string]interface{}{"url": srv.URL + "/hook", "body": map[string]interface{}{"keyword": "shoes"}}

	res, err := w.ExecuteAction(context.Background(), "post", params, mctx)
	require.NoError(t, err)
	assert.Equal(t, module.OutcomeOK, res.Outcome)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "shoes", gotBody["keyword"])
	assert.Equal(t, map[string]interface{}{"ok": true}, res.Output["body"])

	params["url"] = srv.URL + "/bad"
	res, err = w.ExecuteAction(context.Background(), "post", params, mctx)
	require.NoError(t, err)
	assert.Equal(t, module.OutcomePartial, res.Outcome)
	assert.Equal(t, float64(422), res.Output["status_code"])

	params["url"] = srv.URL + "/down"
	_, err = w.ExecuteAction(context.Background(), "post", params, mctx)
	assert.Error(t, err)
}

func TestWebhookRejectsBadTargets(t *testing.T) {
	w := NewWebhook(WebhookOptions{AllowedHosts: []string{"hooks.example.com"}})
	for _, u := range []string{"ftp://hooks.example.com/x", "not a url", "https://evil.example.com/x"} {
		_, err := w.ExecuteAction(context.Background(), "post", map[string]interface{}{"url": u}, nil)
		assert.Error(t, err, u)
	}
}
