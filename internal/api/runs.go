package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gyaneshwarpardhi/recipebus/internal/cron"
	"github.com/gyaneshwarpardhi/recipebus/internal/recipe"
	"github.com/gyaneshwarpardhi/recipebus/internal/store"
)

func (s *Server) ownedRun(ctx context.Context, id, owner string) (*recipe.Run, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.OwnerID != owner {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return run, nil
}

// GET /v1/runs/{runID}
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.ownedRun(r.Context(), chi.URLParam(r, "runID"), ownerFrom(r))
	if err != nil {
		fail(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// POST /v1/runs/{runID}/cancel: the run stops before its next step.
// 409 if it already finished.
func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.ownedRun(r.Context(), chi.URLParam(r, "runID"), ownerFrom(r))
	if err == nil {
		err = s.eng.CancelRun(r.Context(), run.ID)
	}
	if err != nil {
		fail(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id":           run.ID,
		"cancel_requested": true,
	})
}

type scheduleRequest struct {
	RecipeID   string `json:"recipe_id"`
	Expression string `json:"cron_expression"`
	Timezone   string `json:"timezone"`
	Enabled    *bool  `json:"enabled"`
}

// GET /v1/schedules
func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules(r.Context(), ownerFrom(r))
	if err != nil {
		fail(w, s.log, err)
		return
	}
	if schedules == nil {
		schedules = []*recipe.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"schedules": schedules})
}

// POST /v1/schedules
func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if req.RecipeID == "" {
		writeError(w, http.StatusBadRequest, "recipe_id is required")
		return
	}
	owner := ownerFrom(r)
	if _, err := s.ownedRecipe(r.Context(), req.RecipeID, owner); err != nil {
		fail(w, s.log, err)
		return
	}
	sc, err := cron.NewSchedule(owner, req.RecipeID, req.Expression, req.Timezone, s.now())
	if err != nil {
		fail(w, s.log, err)
		return
	}
	if req.Enabled != nil {
		sc.Enabled = *req.Enabled
	}
	if err := s.store.CreateSchedule(r.Context(), sc); err != nil {
		fail(w, s.log, err)
		return
	}
	s.log.Info("schedule created", "schedule_id", sc.ID, "recipe_id", sc.RecipeID, "next_run_at", sc.NextRunAt)
	writeJSON(w, http.StatusCreated, sc)
}

// DELETE /v1/schedules/{scheduleID}
func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scheduleID")
	sc, err := s.store.GetSchedule(r.Context(), id)
	if err == nil && sc.OwnerID != ownerFrom(r) {
		err = fmt.Errorf("schedule %s: %w", id, store.ErrNotFound)
	}
	if err == nil {
		err = s.store.DeleteSchedule(r.Context(), id)
	}
	if err != nil {
		fail(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
