package models

import (
	"context"
)

// TokenCounter estimates how many model tokens a piece of text occupies.
// Implementations never fail; they over-estimate when unsure.
type TokenCounter interface {
	Count(text string) int
}

// Embedder maps text to a dense vector for similarity search
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// TextGenerator drives the model backend. When onToken is non-nil the call
// streams and onToken receives each fragment; returning an error from onToken
// aborts the generation with that error.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions, onToken func(string) error) (string, error)
	Ping(ctx context.Context) error
}

// MessageStore is the durable, append-only conversation log.
type MessageStore interface {
	Append(ctx context.Context, sessionID, userID string, msg Message) error
	// Recent returns at most limit messages of the session, oldest first.
	Recent(ctx context.Context, sessionID string, limit int) ([]Message, error)
	Ping(ctx context.Context) error
	Close() error
}
