package pipeline

import (
	"context"
	"time"

	"github.com/vatsalvatsyayan/pocketllm/src/cache"
	"github.com/vatsalvatsyayan/pocketllm/src/chat"
	"github.com/vatsalvatsyayan/pocketllm/src/models"
)

// TaskRunner runs a named task in the background.
type TaskRunner interface {
	Go(name string, fn func(ctx context.Context) error) bool
}

// Outcome is everything known about a finished response.
type Outcome struct {
	Request         *models.InferenceRequest
	ModelConfig     map[string]any
	Response        string
	CacheHit        bool
	CacheTier       models.CacheTier
	LatencyMS       float64
	TokensGenerated int
	TokensPrompt    int
	// FullContext and Messages are the inputs the cache key was derived
	// from. They must be passed unchanged so the stored entry is found again.
	FullContext string
	Messages    []models.Message
}

// ResponseHandler builds the response record and fans the result out to the
// cache, the durable log and the session snapshot. Each side effect is its
// own background task, so one failing never affects the others or the caller.
type ResponseHandler struct {
	cache    *cache.Manager
	sessions *chat.SessionStore
	tasks    TaskRunner
}

func NewResponseHandler(cacheManager *cache.Manager, sessions *chat.SessionStore, tasks TaskRunner) *ResponseHandler {
	return &ResponseHandler{cache: cacheManager, sessions: sessions, tasks: tasks}
}

func (h *ResponseHandler) Process(o Outcome) *models.InferenceResponse {
	req := o.Request
	resp := &models.InferenceResponse{
		SessionID:       req.SessionID,
		Response:        o.Response,
		TokensGenerated: o.TokensGenerated,
		TokensPrompt:    o.TokensPrompt,
		CacheHit:        o.CacheHit,
		CacheType:       string(o.CacheTier),
		LatencyMS:       o.LatencyMS,
		Timestamp:       time.Now().UTC(),
	}

	if !o.CacheHit {
		h.tasks.Go("cache_store:"+req.SessionID, func(ctx context.Context) error {
			return h.cache.Store(ctx, req.Prompt, o.Response, o.ModelConfig, o.FullContext, o.Messages)
		})
	}

	h.tasks.Go("persist_assistant:"+req.SessionID, func(ctx context.Context) error {
		return h.sessions.PersistMessage(ctx, req.SessionID, models.RoleAssistant, o.Response, req.UserID)
	})

	h.tasks.Go("session_snapshot:"+req.SessionID, func(ctx context.Context) error {
		return h.sessions.AppendToSnapshot(ctx, req.SessionID, req.Prompt, o.Response)
	})

	return resp
}
