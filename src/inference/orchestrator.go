package inference

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vatsalvatsyayan/pocketllm/src/config"
	"github.com/vatsalvatsyayan/pocketllm/src/logging"
	"github.com/vatsalvatsyayan/pocketllm/src/models"
)

const tracerName = "github.com/vatsalvatsyayan/pocketllm/src/inference"

var errCancelled = errors.New("generation cancelled")

// Orchestrator runs generations against the model backend with retries and
// owns the per-session cancellation tokens.
type Orchestrator struct {
	gen        models.TextGenerator
	counter    models.TokenCounter
	attempts   int
	retryDelay time.Duration
	tracer     trace.Tracer
	logger     *slog.Logger
	registry   *tokenRegistry
}

func NewOrchestrator(gen models.TextGenerator, counter models.TokenCounter, cfg *config.ModelConfig, logger *slog.Logger) *Orchestrator {
	logger = logging.OrDefault(logger)
	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}
	return &Orchestrator{
		gen:        gen,
		counter:    counter,
		attempts:   attempts,
		retryDelay: cfg.RetryBackoff(),
		tracer:     otel.Tracer(tracerName),
		logger:     logger.With("component", "orchestrator"),
		registry:   newTokenRegistry(),
	}
}

// WithTracer replaces the tracer taken from the global provider.
func (o *Orchestrator) WithTracer(t trace.Tracer) *Orchestrator {
	o.tracer = t
	return o
}

// CreateCancellationToken registers a fresh token for sessionID, orphaning
// any token the session already had.
func (o *Orchestrator) CreateCancellationToken(sessionID string) *CancellationToken {
	return o.registry.create(sessionID)
}

// Cancel resolves and unregisters the session's token. It reports whether a
// token was registered.
func (o *Orchestrator) Cancel(sessionID string) bool {
	return o.registry.cancel(sessionID)
}

// Release marks a token finished once its generation is over.
func (o *Orchestrator) Release(t *CancellationToken) {
	o.registry.release(t)
}

func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.gen.Ping(ctx)
}

// Generate starts a generation and returns its chunk stream. The channel is
// closed after a terminal chunk (Done set, Error set on failure), or without
// one when token is cancelled or ctx ends. Callers must treat a close with
// no terminal chunk as cancellation.
//
// Non-streaming generations emit a single terminal chunk whose Token holds
// the full text. Failed attempts are retried up to the configured count,
// except a stream that already emitted tokens.
func (o *Orchestrator) Generate(ctx context.Context, prompt string, modelConfig map[string]any, stream bool, token *CancellationToken) <-chan models.Chunk {
	out := make(chan models.Chunk)
	go func() {
		defer close(out)
		o.run(ctx, out, prompt, modelConfig, stream, token)
	}()
	return out
}

func (o *Orchestrator) run(ctx context.Context, out chan<- models.Chunk, prompt string, modelConfig map[string]any, stream bool, token *CancellationToken) {
	ctx, span := o.tracer.Start(ctx, "model.generate", trace.WithAttributes(
		attribute.Bool("llm.stream", stream),
		attribute.Int("llm.prompt_chars", len(prompt)),
	))
	defer span.End()

	send := func(c models.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	start := time.Now()
	opts := OptionsFromConfig(modelConfig)

	// nil unless streaming; a nil channel never fires.
	var cancelled <-chan struct{}
	if stream {
		cancelled = token.Done()
	}

	var (
		lastErr  error
		attempts int
	)
	for attempts = 1; attempts <= o.attempts; attempts++ {
		if attempts > 1 {
			select {
			case <-time.After(o.retryDelay):
			case <-cancelled:
				o.logger.Info("generation cancelled before retry", "session_id", token.SessionID, "attempt", attempts)
				return
			case <-ctx.Done():
				return
			}
		}

		var (
			emitted int
			partial strings.Builder
			onToken func(string) error
		)
		if stream {
			onToken = func(tok string) error {
				if token.Cancelled() {
					return errCancelled
				}
				emitted++
				partial.WriteString(tok)
				if !send(models.Chunk{Token: tok}) {
					return ctx.Err()
				}
				return nil
			}
		}

		text, err := o.gen.Generate(ctx, prompt, opts, onToken)
		if stream && token.Cancelled() {
			span.AddEvent("cancelled", trace.WithAttributes(attribute.Int("llm.tokens_emitted", emitted)))
			o.logger.Info("generation cancelled", "session_id", token.SessionID, "tokens_emitted", emitted)
			return
		}
		if ctx.Err() != nil {
			span.SetStatus(codes.Error, "context done")
			return
		}

		if err == nil {
			if text == "" {
				text = partial.String()
			}
			tokensGenerated := o.counter.Count(text)
			tokensPrompt := o.counter.Count(prompt)
			span.SetAttributes(
				attribute.Int("llm.tokens_generated", tokensGenerated),
				attribute.Int("llm.attempts", attempts),
			)

			final := models.Chunk{
				Done:            true,
				FullResponse:    text,
				TokensGenerated: tokensGenerated,
				TokensPrompt:    tokensPrompt,
				LatencyMS:       float64(time.Since(start).Microseconds()) / 1000,
			}
			if !stream {
				final.Token = text
			}
			send(final)
			return
		}

		lastErr = err
		o.logger.Warn("generation attempt failed", "attempt", attempts, "max_attempts", o.attempts, "error", err)
		if stream && emitted > 0 {
			break
		}
	}
	if attempts > o.attempts {
		attempts = o.attempts
	}

	genErr := &models.GenerationError{Attempts: attempts, Err: lastErr}
	span.RecordError(genErr)
	span.SetStatus(codes.Error, genErr.Error())
	o.logger.Error("generation failed", "attempts", attempts, "error", lastErr)

	send(models.Chunk{
		Done:      true,
		Error:     genErr.Error(),
		Err:       genErr,
		LatencyMS: float64(time.Since(start).Microseconds()) / 1000,
	})
}
