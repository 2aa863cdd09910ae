package models

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull is returned when the admission queue is at capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrBackendUnavailable is returned when a required backing store is down.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrEmptyResponse is returned when the model produced no text and no error.
	ErrEmptyResponse = errors.New("model returned an empty response")
)

// GenerationError reports a generation that failed after all attempts.
type GenerationError struct {
	Attempts int
	Err      error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
