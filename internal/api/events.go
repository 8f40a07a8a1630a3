package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/recipebus/internal/event"
	"github.com/gyaneshwarpardhi/recipebus/internal/store"
)

// POST /v1/events: synchronous single-event ingestion.
func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if !decodeJSON(w, r, &ev, false) {
		return
	}
	id, err := s.eng.Dispatch(r.Context(), &ev, ownerFrom(r))
	if err != nil {
		fail(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"event_id": id})
}

type batchRejection struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// POST /v1/events/batch: async batch ingestion (up to 100 events).
// Events that fail validation are reported per index; the rest are queued
// with their ids assigned up front.
func (s *Server) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var events []*event.Event
	if !decodeJSON(w, r, &events, false) {
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one event")
		return
	}
	if len(events) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(events), maxBatchSize))
		return
	}

	owner := ownerFrom(r)
	ids := make([]string, 0, len(events))
	var rejected []batchRejection
	for i, ev := range events {
		if ev == nil {
			rejected = append(rejected, batchRejection{Index: i, Error: "event is null"})
			continue
		}
		if err := ev.Validate(); err != nil {
			rejected = append(rejected, batchRejection{Index: i, Error: err.Error()})
			continue
		}
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if !s.eng.DispatchAsync(ev, owner) {
			rejected = append(rejected, batchRejection{Index: i, Error: "queue full"})
			continue
		}
		ids = append(ids, ev.ID)
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":    uuid.NewString(),
		"total":     len(events),
		"queued":    len(ids),
		"event_ids": ids,
		"rejected":  rejected,
	})
}

// GET /v1/events: newest first, filtered by site_id, type_prefix and severity.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	sev := event.Severity(q.Get("severity"))
	if sev != "" && !sev.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown severity %q", sev))
		return
	}
	events, err := s.store.ListEvents(r.Context(), store.EventFilter{
		OwnerID:    ownerFrom(r),
		SiteID:     q.Get("site_id"),
		TypePrefix: q.Get("type_prefix"),
		Severity:   sev,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		fail(w, s.log, err)
		return
	}
	if events == nil {
		events = []*event.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// GET /v1/events/{eventID}
func (s *Server) getEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := s.store.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err == nil && ev.OwnerID != ownerFrom(r) {
		err = store.ErrNotFound
	}
	if err != nil {
		fail(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}
