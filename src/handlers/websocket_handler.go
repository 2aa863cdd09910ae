package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vatsalvatsyayan/pocketllm/src/inference"
	"github.com/vatsalvatsyayan/pocketllm/src/logging"
	"github.com/vatsalvatsyayan/pocketllm/src/models"
	"github.com/vatsalvatsyayan/pocketllm/src/pipeline"
)

const (
	eventStreamChat     = "stream_chat"
	eventStopGeneration = "stop_generation"
	eventStreamToken    = "stream_token"
	eventStreamComplete = "stream_complete"
	eventStreamError    = "stream_error"

	wsWriteTimeout = 10 * time.Second
)

type wsMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type wsOutbound struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type WebSocketHandler struct {
	pipeline     *pipeline.Pipeline
	orchestrator *inference.Orchestrator
	upgrader     websocket.Upgrader
	logger       *slog.Logger
}

// NewWebSocketHandler accepts connections from allowedOrigins and from
// clients that send no Origin header.
func NewWebSocketHandler(p *pipeline.Pipeline, orch *inference.Orchestrator, allowedOrigins []string, logger *slog.Logger) *WebSocketHandler {
	logger = logging.OrDefault(logger)
	return &WebSocketHandler{
		pipeline:     p,
		orchestrator: orch,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || slices.Contains(allowedOrigins, origin)
			},
		},
		logger: logger.With("component", "websocket"),
	}
}

func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	s := &wsSession{
		id:      uuid.NewString(),
		handler: h,
		conn:    conn,
		tokens:  make(map[string]*inference.CancellationToken),
	}
	s.logger = h.logger.With("connection_id", s.id)
	s.run(c.Request.Context())
}

// wsSession is one client connection. Generations run on their own
// goroutines so stop_generation is read while a stream is in flight.
type wsSession struct {
	id      string
	handler *WebSocketHandler
	conn    *websocket.Conn
	logger  *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	tokens map[string]*inference.CancellationToken
	wg     sync.WaitGroup
}

func (s *wsSession) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.cancelAll()
		s.wg.Wait()
		s.conn.Close()
		s.logger.Info("websocket disconnected")
	}()
	s.logger.Info("websocket connected")

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Event == "" {
			s.logger.Warn("invalid websocket message", "error", err)
			s.sendError("Invalid message format")
			continue
		}

		switch msg.Event {
		case eventStreamChat:
			s.startChat(ctx, msg.Data)
		case eventStopGeneration:
			s.stop(msg.Data)
		default:
			s.logger.Debug("ignoring websocket event", "event", msg.Event)
		}
	}
}

func (s *wsSession) startChat(ctx context.Context, data json.RawMessage) {
	var req models.InferenceRequest
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendError("Invalid message format")
		return
	}
	if req.SessionID == "" || req.Prompt == "" {
		s.sendError("Missing session_id or prompt")
		return
	}
	// model_settings is the websocket clients' field; it wins over config.
	// Without either, the request is keyed on an empty config.
	if len(req.ModelSettings) > 0 {
		req.Config = req.ModelSettings
	}
	req.SuppliedSettingsOnly = true

	token := s.handler.orchestrator.CreateCancellationToken(req.SessionID)
	s.mu.Lock()
	s.tokens[req.SessionID] = token
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.forget(token)

		if err := s.handler.pipeline.Stream(ctx, &req, token, &wsSink{session: s}); err != nil {
			s.logger.Info("websocket stream aborted", "session_id", req.SessionID, "error", err)
		}
	}()
}

func (s *wsSession) stop(data json.RawMessage) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.SessionID == "" {
		return
	}
	s.handler.orchestrator.Cancel(req.SessionID)
	s.send(eventStreamComplete, gin.H{"stopped": true})
}

func (s *wsSession) forget(token *inference.CancellationToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tokens[token.SessionID] == token {
		delete(s.tokens, token.SessionID)
	}
}

// cancelAll stops every generation this connection started.
func (s *wsSession) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		t.Cancel()
	}
}

func (s *wsSession) send(event string, data any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(wsOutbound{Event: event, Data: data})
}

func (s *wsSession) sendError(msg string) {
	if err := s.send(eventStreamError, gin.H{"error": msg}); err != nil {
		s.logger.Debug("failed to send websocket error", "error", err)
	}
}

// wsSink adapts a connection to pipeline.StreamSink.
type wsSink struct {
	session *wsSession
}

func (w *wsSink) Token(token string) error {
	return w.session.send(eventStreamToken, gin.H{"token": token})
}

func (w *wsSink) CacheHit(resp *models.InferenceResponse) error {
	if err := w.session.send(eventStreamToken, gin.H{"token": resp.Response}); err != nil {
		return err
	}
	return w.session.send(eventStreamComplete, gin.H{
		"cache_hit":  true,
		"cache_type": resp.CacheType,
		"latency_ms": resp.LatencyMS,
	})
}

func (w *wsSink) Complete(resp *models.InferenceResponse) error {
	return w.session.send(eventStreamComplete, gin.H{
		"cache_hit":        false,
		"tokens_generated": resp.TokensGenerated,
		"tokens_prompt":    resp.TokensPrompt,
		"latency_ms":       resp.LatencyMS,
	})
}

func (w *wsSink) Fail(err error) error {
	return w.session.send(eventStreamError, gin.H{"error": err.Error()})
}
