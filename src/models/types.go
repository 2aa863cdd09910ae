package models

import (
	"strings"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Label is the capitalized speaker name used when rendering transcripts.
func (r Role) Label() string {
	if r == "" {
		return ""
	}
	return strings.ToUpper(string(r[:1])) + string(r[1:])
}

type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Line renders the message as a single transcript line, e.g. "User: hello".
func (m Message) Line() string {
	return m.Role.Label() + ": " + m.Content
}

// Transcript joins the non-system messages as "<Role>: <content>" lines.
func Transcript(msgs []Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleSystem {
			continue
		}
		lines = append(lines, m.Line())
	}
	return strings.Join(lines, "\n")
}

const DefaultTemperature = 0.7

type InferenceRequest struct {
	SessionID     string         `json:"session_id" binding:"required"`
	Prompt        string         `json:"prompt" binding:"required"`
	Stream        bool           `json:"stream,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
	ModelSettings map[string]any `json:"model_settings,omitempty"`
	MaxTokens     *int           `json:"max_tokens,omitempty" binding:"omitempty,min=1"`
	Temperature   *float64       `json:"temperature,omitempty" binding:"omitempty,min=0,max=2"`
	Messages      []Message      `json:"messages,omitempty"`
	UserID        string         `json:"user_id,omitempty"`

	// SuppliedSettingsOnly makes ModelConfig return only what the client
	// sent, an empty map when it sent nothing.
	SuppliedSettingsOnly bool `json:"-"`
}

// ModelConfig returns the generation settings for this request. An explicit
// config (or model_settings) wins; otherwise temperature and max_tokens are
// folded into a map so the cache key always sees the same shape.
func (r *InferenceRequest) ModelConfig() map[string]any {
	if len(r.Config) > 0 {
		return r.Config
	}
	if len(r.ModelSettings) > 0 {
		return r.ModelSettings
	}
	if r.SuppliedSettingsOnly {
		return map[string]any{}
	}

	temperature := DefaultTemperature
	if r.Temperature != nil {
		temperature = *r.Temperature
	}
	cfg := map[string]any{"temperature": temperature, "max_tokens": nil}
	if r.MaxTokens != nil {
		cfg["max_tokens"] = *r.MaxTokens
	}
	return cfg
}

type InferenceResponse struct {
	SessionID       string    `json:"session_id"`
	Response        string    `json:"response"`
	TokensGenerated int       `json:"tokens_generated"`
	TokensPrompt    int       `json:"tokens_prompt"`
	CacheHit        bool      `json:"cache_hit"`
	CacheType       string    `json:"cache_type,omitempty"`
	LatencyMS       float64   `json:"latency_ms"`
	Timestamp       time.Time `json:"timestamp"`
}

// Chunk is one event of a generation stream. A chunk with Done set is
// terminal; Error is set when the generation failed.
type Chunk struct {
	Token           string  `json:"token"`
	Done            bool    `json:"done"`
	TokensGenerated int     `json:"tokens_generated,omitempty"`
	TokensPrompt    int     `json:"tokens_prompt,omitempty"`
	FullResponse    string  `json:"full_response,omitempty"`
	LatencyMS       float64 `json:"latency_ms,omitempty"`
	Error           string  `json:"error,omitempty"`

	// Err carries the typed failure behind Error for in-process consumers.
	Err error `json:"-"`
}

// QueueItem is an inference request admitted for background processing.
type QueueItem struct {
	RequestID  string           `json:"request_id"`
	EnqueuedAt time.Time        `json:"enqueued_at"`
	Request    InferenceRequest `json:"request"`
}

// GenerateOptions carries the backend call settings derived from a model config.
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
	TopP        float64
	Stop        []string
}

// CacheTier names the cache layer that served a response.
type CacheTier string

const (
	CacheTierExact    CacheTier = "l1"
	CacheTierSemantic CacheTier = "l2"
)
