package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/vatsalvatsyayan/pocketllm/src/models"
)

// sseEvent is the payload of one "data:" line.
type sseEvent struct {
	Token           string   `json:"token"`
	Done            bool     `json:"done"`
	CacheHit        bool     `json:"cache_hit,omitempty"`
	CacheType       string   `json:"cache_type,omitempty"`
	TokensGenerated *int     `json:"tokens_generated,omitempty"`
	TokensPrompt    *int     `json:"tokens_prompt,omitempty"`
	LatencyMS       *float64 `json:"latency_ms,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// sseSink writes pipeline stream events as Server-Sent Events. Headers are
// sent with the first event.
type sseSink struct {
	w       http.ResponseWriter
	buf     *bufio.Writer
	started bool
}

func newSSESink(w http.ResponseWriter) *sseSink {
	return &sseSink{w: w, buf: bufio.NewWriter(w)}
}

func (s *sseSink) write(ev sseEvent) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(s.buf, "data: %s\n\n", payload); err != nil {
		return err
	}
	if err := s.buf.Flush(); err != nil {
		return err
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (s *sseSink) Token(token string) error {
	return s.write(sseEvent{Token: token})
}

// CacheHit sends the whole cached text as one terminal event.
func (s *sseSink) CacheHit(resp *models.InferenceResponse) error {
	return s.write(sseEvent{
		Token:     resp.Response,
		Done:      true,
		CacheHit:  true,
		CacheType: resp.CacheType,
	})
}

func (s *sseSink) Complete(resp *models.InferenceResponse) error {
	return s.write(sseEvent{
		Done:            true,
		TokensGenerated: &resp.TokensGenerated,
		TokensPrompt:    &resp.TokensPrompt,
		LatencyMS:       &resp.LatencyMS,
	})
}

func (s *sseSink) Fail(err error) error {
	return s.write(sseEvent{Done: true, Error: err.Error()})
}
