package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/recipebus/internal/event"
	"github.com/gyaneshwarpardhi/recipebus/internal/recipe"
)

// MemoryStore implements Store with in-process maps. Values are copied on
// the way in and out, events through their JSON encoding, so callers never
// share state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	events    map[string]storedEvent
	eventSeq  []string // insertion order
	recipes   map[string]*recipe.Recipe
	runs      map[string]*recipe.Run
	cancelled map[string]bool
	schedules map[string]*recipe.Schedule
}

type storedEvent struct {
	ev      event.Event
	payload []byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:    make(map[string]storedEvent),
		recipes:   make(map[string]*recipe.Recipe),
		runs:      make(map[string]*recipe.Run),
		cancelled: make(map[string]bool),
		schedules: make(map[string]*recipe.Schedule),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

func (s *MemoryStore) InsertEvent(_ context.Context, ev *event.Event) error {
	raw, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[ev.ID]; exists {
		return fmt.Errorf("event %s: %w", ev.ID, ErrAlreadyExists)
	}
	ev.CreatedAt = dbTime(ev.CreatedAt)
	cp := *ev
	cp.Payload = nil
	s.events[ev.ID] = storedEvent{ev: cp, payload: raw}
	s.eventSeq = append(s.eventSeq, ev.ID)
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*event.Event, error) {
	s.mu.RLock()
	se, ok := s.events[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("event %s: %w", id, ErrNotFound)
	}
	return se.materialize()
}

func (se storedEvent) materialize() (*event.Event, error) {
	ev := se.ev
	payload, err := event.DecodePayload(se.payload)
	if err != nil {
		return nil, err
	}
	ev.Payload = payload
	return &ev, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, f EventFilter) ([]*event.Event, error) {
	s.mu.RLock()
	var matched []storedEvent
	for _, id := range s.eventSeq {
		se := s.events[id]
		if se.ev.OwnerID != f.OwnerID {
			continue
		}
		if f.SiteID != "" && se.ev.SiteID != f.SiteID {
			continue
		}
		if f.TypePrefix != "" && !strings.HasPrefix(se.ev.Type, f.TypePrefix) {
			continue
		}
		if f.Severity != "" && se.ev.Severity != f.Severity {
			continue
		}
		matched = append(matched, se)
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i].ev, matched[j].ev
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	page := paginate(len(matched), f.Offset, limitOrDefault(f.Limit))
	out := make([]*event.Event, 0, page.len())
	for _, se := range matched[page.from:page.to] {
		ev, err := se.materialize()
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Recipes
// ---------------------------------------------------------------------------

func (s *MemoryStore) CreateRecipe(_ context.Context, r *recipe.Recipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.recipes[r.ID]; exists {
		return fmt.Errorf("recipe %s: %w", r.ID, ErrAlreadyExists)
	}
	stampRecipe(r, nil)
	return s.putRecipe(r)
}

func (s *MemoryStore) UpdateRecipe(_ context.Context, r *recipe.Recipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.recipes[r.ID]
	if !ok {
		return fmt.Errorf("recipe %s: %w", r.ID, ErrNotFound)
	}
	stampRecipe(r, existing)
	return s.putRecipe(r)
}

func (s *MemoryStore) UpsertRecipe(_ context.Context, r *recipe.Recipe) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stampRecipe(r, s.recipes[r.ID])
	return s.putRecipe(r)
}

func (s *MemoryStore) putRecipe(r *recipe.Recipe) error {
	cp, err := clone(r)
	if err != nil {
		return err
	}
	s.recipes[r.ID] = cp
	return nil
}

// stampRecipe sets timestamps the way every backend does: created_at is
// kept from the existing row, updated_at is now.
func stampRecipe(r, existing *recipe.Recipe) {
	now := dbTime(time.Now())
	switch {
	case existing != nil:
		r.CreatedAt = existing.CreatedAt
	case r.CreatedAt.IsZero():
		r.CreatedAt = now
	default:
		r.CreatedAt = dbTime(r.CreatedAt)
	}
	r.UpdatedAt = now
}

func (s *MemoryStore) GetRecipe(_ context.Context, id string) (*recipe.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recipes[id]
	if !ok {
		return nil, fmt.Errorf("recipe %s: %w", id, ErrNotFound)
	}
	return copyOf(r), nil
}

func (s *MemoryStore) ListRecipes(_ context.Context, ownerID string) ([]*recipe.Recipe, error) {
	return s.listRecipes(ownerID, false), nil
}

func (s *MemoryStore) ListEnabledRecipes(_ context.Context, ownerID string) ([]*recipe.Recipe, error) {
	return s.listRecipes(ownerID, true), nil
}

func (s *MemoryStore) listRecipes(ownerID string, enabledOnly bool) []*recipe.Recipe {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*recipe.Recipe{}
	for _, r := range s.recipes {
		if r.OwnerID != ownerID || (enabledOnly && !r.Enabled) {
			continue
		}
		out = append(out, copyOf(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *MemoryStore) DeleteRecipe(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recipes[id]; !ok {
		return fmt.Errorf("recipe %s: %w", id, ErrNotFound)
	}
	delete(s.recipes, id)
	return nil
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

func (s *MemoryStore) CreateRun(_ context.Context, run *recipe.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s: %w", run.ID, ErrAlreadyExists)
	}
	stampRun(run)
	cp, err := clone(run)
	if err != nil {
		return err
	}
	s.runs[run.ID] = cp
	return nil
}

func (s *MemoryStore) UpdateRun(_ context.Context, run *recipe.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	stampRun(run)
	steps, err := clone(&run.Steps)
	if err != nil {
		return err
	}
	updated := copyOf(existing)
	updated.Status = run.Status
	updated.Steps = *steps
	updated.EndedAt = nil
	if run.EndedAt != nil {
		ended := *run.EndedAt
		updated.EndedAt = &ended
	}
	s.runs[run.ID] = updated
	return nil
}

func stampRun(run *recipe.Run) {
	run.StartedAt = dbTime(run.StartedAt)
	if run.EndedAt != nil {
		t := dbTime(*run.EndedAt)
		run.EndedAt = &t
	}
	for i := range run.Steps {
		run.Steps[i].StartedAt = dbTime(run.Steps[i].StartedAt)
		run.Steps[i].EndedAt = dbTime(run.Steps[i].EndedAt)
	}
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (*recipe.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return copyOf(run), nil
}

func (s *MemoryStore) ListRuns(_ context.Context, f RunFilter) ([]*recipe.Run, error) {
	s.mu.RLock()
	var matched []*recipe.Run
	for _, run := range s.runs {
		if f.OwnerID != "" && run.OwnerID != f.OwnerID {
			continue
		}
		if f.RecipeID != "" && run.RecipeID != f.RecipeID {
			continue
		}
		if f.Status != "" && run.Status != f.Status {
			continue
		}
		matched = append(matched, run)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].StartedAt.After(matched[j].StartedAt)
		}
		return matched[i].ID > matched[j].ID
	})
	page := paginate(len(matched), f.Offset, limitOrDefault(f.Limit))
	out := make([]*recipe.Run, 0, page.len())
	for _, run := range matched[page.from:page.to] {
		out = append(out, copyOf(run))
	}
	return out, nil
}

func (s *MemoryStore) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s: %w", id, ErrRunFinished)
	}
	s.cancelled[id] = true
	return nil
}

func (s *MemoryStore) CancelRequested(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[id]; !ok {
		return false, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return s.cancelled[id], nil
}

// ---------------------------------------------------------------------------
// Schedules
// ---------------------------------------------------------------------------

func (s *MemoryStore) CreateSchedule(_ context.Context, sc *recipe.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.schedules[sc.ID]; exists {
		return fmt.Errorf("schedule %s: %w", sc.ID, ErrAlreadyExists)
	}
	stampSchedule(sc, nil)
	s.schedules[sc.ID] = copyOf(sc)
	return nil
}

func (s *MemoryStore) UpsertSchedule(_ context.Context, sc *recipe.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stampSchedule(sc, s.schedules[sc.ID])
	s.schedules[sc.ID] = copyOf(sc)
	return nil
}

func stampSchedule(sc, existing *recipe.Schedule) {
	switch {
	case existing != nil:
		sc.CreatedAt = existing.CreatedAt
	case sc.CreatedAt.IsZero():
		sc.CreatedAt = dbTime(time.Now())
	default:
		sc.CreatedAt = dbTime(sc.CreatedAt)
	}
	sc.NextRunAt = dbTime(sc.NextRunAt)
	if sc.LastRunAt != nil {
		t := dbTime(*sc.LastRunAt)
		sc.LastRunAt = &t
	}
}

func (s *MemoryStore) GetSchedule(_ context.Context, id string) (*recipe.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return copyOf(sc), nil
}

func (s *MemoryStore) ListSchedules(_ context.Context, ownerID string) ([]*recipe.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*recipe.Schedule{}
	for _, sc := range s.schedules {
		if sc.OwnerID == ownerID {
			out = append(out, copyOf(sc))
		}
	}
	sortSchedules(out)
	return out, nil
}

func (s *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	delete(s.schedules, id)
	return nil
}

func (s *MemoryStore) DueSchedules(_ context.Context, now time.Time) ([]*recipe.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*recipe.Schedule{}
	for _, sc := range s.schedules {
		if sc.Enabled && !sc.NextRunAt.After(now) {
			out = append(out, copyOf(sc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextRunAt.Equal(out[j].NextRunAt) {
			return out[i].NextRunAt.Before(out[j].NextRunAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ClaimSchedule(_ context.Context, id string, expected, next, firedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return false, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if !sc.NextRunAt.Equal(dbTime(expected)) {
		return false, nil
	}
	fired := dbTime(firedAt)
	sc.NextRunAt = dbTime(next)
	sc.LastRunAt = &fired
	return true, nil
}

func sortSchedules(out []*recipe.Schedule) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// clone deep-copies v through its JSON encoding, which is also what the
// SQL backend stores.
func clone[T any](v *T) (*T, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	out := new(T)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return out, nil
}

// copyOf clones a value that was already accepted by clone on write.
func copyOf[T any](v *T) *T {
	out, err := clone(v)
	if err != nil {
		panic(fmt.Sprintf("store: %v", err))
	}
	return out
}

type window struct{ from, to int }

func (w window) len() int { return w.to - w.from }

func paginate(total, offset, limit int) window {
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return window{from: offset, to: end}
}
