package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/recipebus/internal/condition"
	"github.com/gyaneshwarpardhi/recipebus/internal/recipe"
	"github.com/gyaneshwarpardhi/recipebus/internal/store"
)

// recipeRequest is the body of recipe create and replace. Conditions are
// given as a tree or as the text shorthand in when, not both.
type recipeRequest struct {
	Name         string          `json:"name"`
	Enabled      *bool           `json:"enabled"`
	TriggerEvent string          `json:"trigger_event"`
	PrefixMatch  bool            `json:"prefix_match"`
	Conditions   *condition.Tree `json:"trigger_conditions"`
	When         string          `json:"when"`
	SiteIDs      []string        `json:"site_ids"`
	Actions      []recipe.Action `json:"actions"`
}

func (req recipeRequest) apply(r *recipe.Recipe) error {
	conds := condition.Tree{}
	switch {
	case req.When != "" && req.Conditions != nil:
		return fmt.Errorf("%w: when and trigger_conditions are mutually exclusive", recipe.ErrInvalid)
	case req.When != "":
		t, err := condition.Parse(req.When)
		if err != nil {
			return fmt.Errorf("%w: when: %v", recipe.ErrInvalid, err)
		}
		conds = t
	case req.Conditions != nil:
		conds = *req.Conditions
	}
	r.Name = req.Name
	r.Enabled = req.Enabled == nil || *req.Enabled
	r.TriggerEvent = req.TriggerEvent
	r.PrefixMatch = req.PrefixMatch
	r.Conditions = conds
	r.SiteIDs = req.SiteIDs
	r.Actions = req.Actions
	return nil
}

// ownedRecipe loads a recipe, treating another owner's recipe as missing.
func (s *Server) ownedRecipe(ctx context.Context, id, owner string) (*recipe.Recipe, error) {
	rec, err := s.store.GetRecipe(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != owner {
		return nil, fmt.Errorf("recipe %s: %w", id, store.ErrNotFound)
	}
	return rec, nil
}

// GET /v1/recipes
func (s *Server) listRecipes(w http.ResponseWriter, r *http.Request) {
	recipes, err := s.store.ListRecipes(r.Context(), ownerFrom(r))
	if err != nil {
		fail(w, s.log, err)
		return
	}
	if recipes == nil {
		recipes = []*recipe.Recipe{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"recipes": recipes})
}

// POST /v1/recipes
func (s *Server) createRecipe(w http.ResponseWriter, r *http.Request) {
	var req recipeRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	rec := &recipe.Recipe{ID: uuid.NewString(), OwnerID: ownerFrom(r)}
	if err := req.apply(rec); err != nil {
		fail(w, s.log, err)
		return
	}
	if err := recipe.Validate(rec, s.eng.Registry()); err != nil {
		fail(w, s.log, err)
		return
	}
	if err := s.store.CreateRecipe(r.Context(), rec); err != nil {
		fail(w, s.log, err)
		return
	}
	s.log.Info("recipe created", "recipe_id", rec.ID, "owner_id", rec.OwnerID)
	writeJSON(w, http.StatusCreated, rec)
}

// GET /v1/recipes/{recipeID}
func (s *Server) getRecipe(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ownedRecipe(r.Context(), chi.URLParam(r, "recipeID"), ownerFrom(r))
	if err != nil {
		fail(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// PUT /v1/recipes/{recipeID}: full replace.
func (s *Server) updateRecipe(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ownedRecipe(r.Context(), chi.URLParam(r, "recipeID"), ownerFrom(r))
	if err != nil {
		fail(w, s.log, err)
		return
	}
	var req recipeRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if err := req.apply(rec); err != nil {
		fail(w, s.log, err)
		return
	}
	if err := recipe.Validate(rec, s.eng.Registry()); err != nil {
		fail(w, s.log, err)
		return
	}
	if err := s.store.UpdateRecipe(r.Context(), rec); err != nil {
		fail(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DELETE /v1/recipes/{recipeID}
func (s *Server) deleteRecipe(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ownedRecipe(r.Context(), chi.URLParam(r, "recipeID"), ownerFrom(r))
	if err == nil {
		err = s.store.DeleteRecipe(r.Context(), rec.ID)
	}
	if err != nil {
		fail(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/recipes/{recipeID}/run: manual fire, optionally with an input
// object. Disabled recipes may still be fired by hand.
func (s *Server) runRecipe(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ownedRecipe(r.Context(), chi.URLParam(r, "recipeID"), ownerFrom(r))
	if err != nil {
		fail(w, s.log, err)
		return
	}
	var req struct {
		Input map[string]interface{} `json:"input"`
	}
	if !decodeJSON(w, r, &req, true) {
		return
	}
	run, err := s.eng.RunManual(r.Context(), rec, rec.OwnerID, req.Input)
	if run == nil {
		fail(w, s.log, err)
		return
	}
	if err != nil {
		// The run was recorded but its final state may not have been.
		s.log.Warn("manual run finished with error", "run_id", run.ID, "err", err)
	}
	writeJSON(w, http.StatusOK, run)
}

// GET /v1/recipes/{recipeID}/runs: newest first, optionally by status.
func (s *Server) listRecipeRuns(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ownedRecipe(r.Context(), chi.URLParam(r, "recipeID"), ownerFrom(r))
	if err != nil {
		fail(w, s.log, err)
		return
	}
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.store.ListRuns(r.Context(), store.RunFilter{
		OwnerID:  rec.OwnerID,
		RecipeID: rec.ID,
		Status:   recipe.RunStatus(r.URL.Query().Get("status")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		fail(w, s.log, err)
		return
	}
	if runs == nil {
		runs = []*recipe.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}
