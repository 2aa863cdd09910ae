package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vatsalvatsyayan/pocketllm/src/cache"
	"github.com/vatsalvatsyayan/pocketllm/src/chat"
	"github.com/vatsalvatsyayan/pocketllm/src/config"
	"github.com/vatsalvatsyayan/pocketllm/src/embeddings"
	"github.com/vatsalvatsyayan/pocketllm/src/inference"
	"github.com/vatsalvatsyayan/pocketllm/src/metrics"
	"github.com/vatsalvatsyayan/pocketllm/src/mocks"
	"github.com/vatsalvatsyayan/pocketllm/src/models"
	"github.com/vatsalvatsyayan/pocketllm/src/pipeline"
	"github.com/vatsalvatsyayan/pocketllm/src/queue"
	"github.com/vatsalvatsyayan/pocketllm/src/store"
	"github.com/vatsalvatsyayan/pocketllm/src/tasks"
	"github.com/vatsalvatsyayan/pocketllm/src/utils"
)

type testServer struct {
	router       *gin.Engine
	gen          *mocks.MockGenerator
	cache        *cache.Manager
	queue        *queue.AdmissionQueue
	orchestrator *inference.Orchestrator
	health       *HealthHandler
}

func setupTestServer(t *testing.T, queueCapacity int) *testServer {
	gin.SetMode(gin.TestMode)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	rs, err := cache.NewRedisStore(&config.RedisConfig{Address: mr.Addr()})
	require.NoError(t, err)
	messages, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)

	supervisor := tasks.NewSupervisor(nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		supervisor.Shutdown(ctx)
		messages.Close()
		rs.Close()
		mr.Close()
	})

	counter := utils.NewEstimatingCounter()
	manager := cache.NewManager(
		cache.NewExactCache(rs, time.Hour),
		cache.NewSemanticCache(rs, embeddings.NewHashEmbedder(embeddings.DefaultDimensions), time.Hour, 0.85),
		nil,
	)
	sessions := chat.NewSessionStore(rs, messages, 30*time.Minute, 50, nil)
	gen := new(mocks.MockGenerator)
	orch := inference.NewOrchestrator(gen, counter, &config.ModelConfig{MaxRetries: 1}, nil).
		WithTracer(noop.NewTracerProvider().Tracer("test"))
	collector := metrics.NewCollector()
	q := queue.NewAdmissionQueue(rs, queueCapacity, nil)

	p := pipeline.New(
		sessions,
		chat.NewContextBuilder(counter),
		manager,
		orch,
		pipeline.NewResponseHandler(manager, sessions, supervisor),
		collector,
		config.ContextConfig{MaxTokens: 4096, TruncationMode: string(chat.SlidingWindow)},
		nil,
	)

	inferenceHandler := NewInferenceHandler(p, orch, q, nil)
	wsHandler := NewWebSocketHandler(p, orch, []string{"http://localhost:3000"}, nil)
	health := NewHealthHandler("model-management", "tinyllama", collector, q).
		AddCheck("redis", rs).
		AddCheck("database", messages).
		WithTasks(supervisor)

	r := gin.New()
	v1 := r.Group("/api/v1")
	v1.POST("/inference/chat", inferenceHandler.HandleChat)
	v1.POST("/inference/chat/stream", inferenceHandler.HandleChatStream)
	v1.POST("/inference/queue", inferenceHandler.HandleEnqueue)
	v1.GET("/inference/queue", inferenceHandler.HandleQueueLength)
	v1.DELETE("/inference/queue/:session_id", inferenceHandler.HandleDequeue)
	v1.GET("/ws", wsHandler.HandleWebSocket)
	v1.GET("/metrics", health.Metrics)
	r.GET("/health", health.HealthCheck)

	return &testServer{router: r, gen: gen, cache: manager, queue: q, orchestrator: orch, health: health}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// sseEvents decodes every "data:" line of a stream body.
func sseEvents(t *testing.T, body string) []map[string]any {
	t.Helper()
	var events []map[string]any
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}

func TestHandleChat_Success(t *testing.T) {
	s := setupTestServer(t, 50)
	s.gen.On("Generate", mock.Anything, "What is 2+2?", mock.Anything, mock.Anything).Return("4", nil).Once()

	w := s.do(http.MethodPost, "/api/v1/inference/chat", gin.H{"session_id": "s1", "prompt": "What is 2+2?"})

	require.Equal(t, http.StatusOK, w.Code)
	var resp models.InferenceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, "4", resp.Response)
	assert.False(t, resp.CacheHit)
	s.gen.AssertExpectations(t)
}

func TestHandleChat_ValidationError(t *testing.T) {
	s := setupTestServer(t, 50)

	w := s.do(http.MethodPost, "/api/v1/inference/chat", gin.H{"session_id": "s1"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	s.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleChat_GenerationFailure(t *testing.T) {
	s := setupTestServer(t, 50)
	s.gen.On("Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("connection refused"))

	w := s.do(http.MethodPost, "/api/v1/inference/chat", gin.H{"session_id": "s1", "prompt": "Hi"})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "Model generation failed: connection refused")
}

func TestHandleChat_EmptyResponse(t *testing.T) {
	s := setupTestServer(t, 50)
	s.gen.On("Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", nil).Once()

	w := s.do(http.MethodPost, "/api/v1/inference/chat", gin.H{"session_id": "s1", "prompt": "Hi"})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "empty response")
}

func TestHandleChat_CacheHit(t *testing.T) {
	s := setupTestServer(t, 50)
	req := models.InferenceRequest{SessionID: "s1", Prompt: "Hi"}
	require.NoError(t, s.cache.Store(context.Background(), "Hi", "R1", req.ModelConfig(), "Hi", nil))

	w := s.do(http.MethodPost, "/api/v1/inference/chat", req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp models.InferenceResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "R1", resp.Response)
	assert.True(t, resp.CacheHit)
	assert.Equal(t, "l1", resp.CacheType)
	s.gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleChatStream_Tokens(t *testing.T) {
	s := setupTestServer(t, 50)
	s.gen.On("Generate", mock.Anything, "Hi", mock.Anything, mock.Anything).
		Run(mocks.StreamTokens("Hel", "lo")).
		Return("Hello", nil).Once()

	w := s.do(http.MethodPost, "/api/v1/inference/chat/stream", gin.H{"session_id": "s1", "prompt": "Hi"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	events := sseEvents(t, w.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, "Hel", events[0]["token"])
	assert.Equal(t, false, events[0]["done"])
	assert.Equal(t, "lo", events[1]["token"])
	assert.Equal(t, true, events[2]["done"])
	assert.Contains(t, events[2], "tokens_generated")
	assert.Contains(t, events[2], "latency_ms")
	assert.NotContains(t, events[2], "error")
}

func TestHandleChatStream_CacheHitSingleEvent(t *testing.T) {
	s := setupTestServer(t, 50)
	req := models.InferenceRequest{SessionID: "s1", Prompt: "Hi"}
	require.NoError(t, s.cache.Store(context.Background(), "Hi", "Hello!", req.ModelConfig(), "Hi", nil))

	w := s.do(http.MethodPost, "/api/v1/inference/chat/stream", req)

	events := sseEvents(t, w.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "Hello!", events[0]["token"])
	assert.Equal(t, true, events[0]["done"])
	assert.Equal(t, true, events[0]["cache_hit"])
	assert.Equal(t, "l1", events[0]["cache_type"])
}

func TestHandleChatStream_FailureEvent(t *testing.T) {
	s := setupTestServer(t, 50)
	s.gen.On("Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return("", errors.New("model crashed")).Once()

	w := s.do(http.MethodPost, "/api/v1/inference/chat/stream", gin.H{"session_id": "s1", "prompt": "Hi"})

	events := sseEvents(t, w.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, true, events[0]["done"])
	assert.Contains(t, events[0]["error"], "model crashed")
}

func TestHandleEnqueue_AcceptsUntilFull(t *testing.T) {
	s := setupTestServer(t, 1)
	body := gin.H{"session_id": "s1", "prompt": "Hi"}

	w := s.do(http.MethodPost, "/api/v1/inference/queue", body)
	require.Equal(t, http.StatusAccepted, w.Code)
	var accepted map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	assert.Equal(t, "queued", accepted["status"])
	assert.NotEmpty(t, accepted["request_id"])
	assert.Equal(t, float64(1), accepted["queue_length"])

	w = s.do(http.MethodPost, "/api/v1/inference/queue", body)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = s.do(http.MethodGet, "/api/v1/inference/queue", nil)
	assert.JSONEq(t, `{"queue_length":1}`, w.Body.String())
}

func TestHandleDequeue(t *testing.T) {
	s := setupTestServer(t, 50)
	s.do(http.MethodPost, "/api/v1/inference/queue", gin.H{"session_id": "s1", "prompt": "Hi"})

	w := s.do(http.MethodDelete, "/api/v1/inference/queue/s1", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodDelete, "/api/v1/inference/queue/s1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthCheck(t *testing.T) {
	s := setupTestServer(t, 50)

	w := s.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])

	s.health.AddCheck("model_server", failingPinger{})
	w = s.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "healthy", checks["redis"])
	assert.Contains(t, checks["model_server"], "unavailable")
}

func TestMetrics(t *testing.T) {
	s := setupTestServer(t, 50)
	s.gen.On("Generate", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("4", nil).Once()
	s.do(http.MethodPost, "/api/v1/inference/chat", gin.H{"session_id": "s1", "prompt": "2+2?"})
	s.do(http.MethodPost, "/api/v1/inference/queue", gin.H{"session_id": "s2", "prompt": "Hi"})

	w := s.do(http.MethodGet, "/api/v1/metrics", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, int64(1), snap.QueueLength)
	assert.Equal(t, int64(1), snap.CacheMisses)
	assert.Equal(t, int64(1), snap.TotalRequests)
}

type fixedTasks int64

func (f fixedTasks) InFlight() int64 { return int64(f) }

func TestMetrics_ReportsTasksInFlight(t *testing.T) {
	s := setupTestServer(t, 50)
	s.health.WithTasks(fixedTasks(3))

	w := s.do(http.MethodGet, "/api/v1/metrics", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, int64(3), snap.TasksInFlight)
}
