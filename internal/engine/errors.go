package engine

import (
	"errors"

	"github.com/gyaneshwarpardhi/recipebus/internal/event"
	"github.com/gyaneshwarpardhi/recipebus/internal/module"
)

var (
	// ErrInvalidEvent is returned for events that fail validation. Nothing
	// is persisted.
	ErrInvalidEvent = event.ErrInvalid
	// ErrPersistence wraps store failures that stop processing.
	ErrPersistence = errors.New("persistence failure")
	// ErrUnknownAction fails a step whose module or action is not registered.
	ErrUnknownAction = module.ErrUnknownAction
	// ErrActionTimeout fails a step whose action outlived the action timeout.
	ErrActionTimeout = errors.New("action timed out")
	// ErrDispatchDepthExceeded is returned when an emitted event or a
	// sub-recipe would nest deeper than the configured ceiling.
	ErrDispatchDepthExceeded = errors.New("dispatch depth exceeded")
)
