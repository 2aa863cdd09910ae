// Package pipeline assembles a response for one inference request: context,
// cache, generation and fan-out.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vatsalvatsyayan/pocketllm/src/cache"
	"github.com/vatsalvatsyayan/pocketllm/src/chat"
	"github.com/vatsalvatsyayan/pocketllm/src/config"
	"github.com/vatsalvatsyayan/pocketllm/src/inference"
	"github.com/vatsalvatsyayan/pocketllm/src/logging"
	"github.com/vatsalvatsyayan/pocketllm/src/metrics"
	"github.com/vatsalvatsyayan/pocketllm/src/models"
)

// ErrCancelled is returned when a generation ended without a terminal chunk.
var ErrCancelled = errors.New("generation cancelled")

// StreamSink receives the events of a streaming request. An error from any
// method means the client is gone and generation should stop.
type StreamSink interface {
	Token(token string) error
	CacheHit(resp *models.InferenceResponse) error
	Complete(resp *models.InferenceResponse) error
	Fail(err error) error
}

type Pipeline struct {
	sessions     *chat.SessionStore
	builder      *chat.ContextBuilder
	cache        *cache.Manager
	orchestrator *inference.Orchestrator
	responses    *ResponseHandler
	metrics      *metrics.Collector
	maxTokens    int
	truncation   chat.TruncationMode
	logger       *slog.Logger
}

func New(
	sessions *chat.SessionStore,
	builder *chat.ContextBuilder,
	cacheManager *cache.Manager,
	orchestrator *inference.Orchestrator,
	responses *ResponseHandler,
	collector *metrics.Collector,
	cfg config.ContextConfig,
	logger *slog.Logger,
) *Pipeline {
	logger = logging.OrDefault(logger)
	return &Pipeline{
		sessions:     sessions,
		builder:      builder,
		cache:        cacheManager,
		orchestrator: orchestrator,
		responses:    responses,
		metrics:      collector,
		maxTokens:    cfg.MaxTokens,
		truncation:   chat.TruncationMode(cfg.TruncationMode),
		logger:       logger.With("component", "pipeline"),
	}
}

// Prepared holds the derived inputs of one request.
type Prepared struct {
	Request     *models.InferenceRequest
	ModelConfig map[string]any
	History     []models.Message
	// FullContext is the untruncated context used for the cache key.
	FullContext string
	// ModelInput is FullContext truncated to the token budget.
	ModelInput string
}

// Prepare persists the user prompt, then loads history and builds the
// context. The prompt is persisted first so a concurrent request in the same
// session sees it.
func (p *Pipeline) Prepare(ctx context.Context, req *models.InferenceRequest) *Prepared {
	log := p.logger.With("session_id", req.SessionID)

	if err := p.sessions.PersistMessage(ctx, req.SessionID, models.RoleUser, req.Prompt, req.UserID); err != nil {
		log.Warn("failed to persist user prompt", "error", err)
	}

	// Client-supplied messages are used verbatim. Stored history can end
	// with the prompt persisted just above, which is not part of the context.
	history := req.Messages
	if len(history) == 0 {
		history = trimPromptEcho(p.sessions.Load(ctx, req.SessionID), req.Prompt)
	}

	prep := &Prepared{
		Request:     req,
		ModelConfig: req.ModelConfig(),
		History:     history,
		FullContext: req.Prompt,
		ModelInput:  req.Prompt,
	}
	if len(history) == 0 {
		log.Debug("no message history, using prompt only")
		return prep
	}

	prep.FullContext = p.builder.Build(history, req.Prompt, "")
	prep.ModelInput = p.builder.Truncate(prep.FullContext, p.maxTokens, p.truncation)
	log.Info("context built",
		"message_count", len(history),
		"original_length", len(prep.FullContext),
		"truncated_length", len(prep.ModelInput),
		"was_truncated", len(prep.FullContext) != len(prep.ModelInput))
	return prep
}

// trimPromptEcho drops the last stored message when it is the prompt itself.
func trimPromptEcho(history []models.Message, prompt string) []models.Message {
	if n := len(history); n > 0 && history[n-1].Role == models.RoleUser && history[n-1].Content == prompt {
		return history[:n-1]
	}
	return history
}

func (p *Pipeline) checkCache(ctx context.Context, prep *Prepared) (cache.Hit, bool) {
	start := time.Now()
	hit, ok := p.cache.Check(ctx, prep.Request.Prompt, prep.ModelConfig, prep.FullContext, prep.History)
	p.metrics.RecordLatency(msSince(start), metrics.StageCache)

	if ok {
		p.metrics.RecordCacheHit(hit.Tier)
	} else {
		p.metrics.RecordCacheMiss()
	}
	return hit, ok
}

func (p *Pipeline) cacheHitOutcome(prep *Prepared, hit cache.Hit, start time.Time) Outcome {
	return Outcome{
		Request:     prep.Request,
		ModelConfig: prep.ModelConfig,
		Response:    hit.Response,
		CacheHit:    true,
		CacheTier:   hit.Tier,
		LatencyMS:   msSince(start),
	}
}

func (p *Pipeline) generatedOutcome(prep *Prepared, final models.Chunk) Outcome {
	return Outcome{
		Request:         prep.Request,
		ModelConfig:     prep.ModelConfig,
		Response:        final.FullResponse,
		LatencyMS:       final.LatencyMS,
		TokensGenerated: final.TokensGenerated,
		TokensPrompt:    final.TokensPrompt,
		FullContext:     prep.FullContext,
		Messages:        prep.History,
	}
}

// Complete runs a request to completion without streaming. Generation
// failures are returned as *models.GenerationError; a successful call with
// no text returns models.ErrEmptyResponse.
func (p *Pipeline) Complete(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResponse, error) {
	start := time.Now()
	defer func() { p.metrics.RecordLatency(msSince(start), metrics.StageTotal) }()

	prep := p.Prepare(ctx, req)
	if hit, ok := p.checkCache(ctx, prep); ok {
		return p.responses.Process(p.cacheHitOutcome(prep, hit, start)), nil
	}

	modelStart := time.Now()
	var final *models.Chunk
	for chunk := range p.orchestrator.Generate(ctx, prep.ModelInput, prep.ModelConfig, false, nil) {
		if chunk.Done {
			c := chunk
			final = &c
		}
	}
	p.metrics.RecordLatency(msSince(modelStart), metrics.StageModel)

	switch {
	case final == nil:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, ErrCancelled
	case final.Error != "":
		p.logger.Error("model generation error", "session_id", req.SessionID, "error", final.Error)
		if final.Err != nil {
			return nil, final.Err
		}
		return nil, fmt.Errorf("model generation failed: %s", final.Error)
	case final.FullResponse == "":
		p.logger.Warn("no response generated", "session_id", req.SessionID)
		return nil, models.ErrEmptyResponse
	}

	return p.responses.Process(p.generatedOutcome(prep, *final)), nil
}

// Stream runs a request and reports each event to sink. token may be nil;
// when it is cancelled the stream stops after the current token, nothing is
// cached and sink sees no completion. The token is released on return.
func (p *Pipeline) Stream(ctx context.Context, req *models.InferenceRequest, token *inference.CancellationToken, sink StreamSink) error {
	defer p.orchestrator.Release(token)

	start := time.Now()
	defer func() { p.metrics.RecordLatency(msSince(start), metrics.StageTotal) }()

	prep := p.Prepare(ctx, req)
	if hit, ok := p.checkCache(ctx, prep); ok {
		resp := p.responses.Process(p.cacheHitOutcome(prep, hit, start))
		return sink.CacheHit(resp)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	modelStart := time.Now()
	var final *models.Chunk
	for chunk := range p.orchestrator.Generate(ctx, prep.ModelInput, prep.ModelConfig, true, token) {
		if chunk.Done {
			c := chunk
			final = &c
			continue
		}
		if chunk.Token == "" {
			continue
		}
		if err := sink.Token(chunk.Token); err != nil {
			p.logger.Info("client went away mid-stream", "session_id", req.SessionID, "error", err)
			return err
		}
	}
	p.metrics.RecordLatency(msSince(modelStart), metrics.StageModel)

	switch {
	case final == nil:
		p.logger.Info("stream ended without completion", "session_id", req.SessionID, "cancelled", token.Cancelled())
		return nil
	case final.Error != "":
		p.logger.Error("model generation error", "session_id", req.SessionID, "error", final.Error)
		return sink.Fail(errors.New(final.Error))
	case final.FullResponse == "":
		return sink.Fail(models.ErrEmptyResponse)
	}

	return sink.Complete(p.responses.Process(p.generatedOutcome(prep, *final)))
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
