package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vatsalvatsyayan/pocketllm/src/inference"
	"github.com/vatsalvatsyayan/pocketllm/src/logging"
	"github.com/vatsalvatsyayan/pocketllm/src/models"
	"github.com/vatsalvatsyayan/pocketllm/src/pipeline"
	"github.com/vatsalvatsyayan/pocketllm/src/queue"
)

type InferenceHandler struct {
	pipeline     *pipeline.Pipeline
	orchestrator *inference.Orchestrator
	queue        *queue.AdmissionQueue
	logger       *slog.Logger
}

func NewInferenceHandler(p *pipeline.Pipeline, orch *inference.Orchestrator, q *queue.AdmissionQueue, logger *slog.Logger) *InferenceHandler {
	logger = logging.OrDefault(logger)
	return &InferenceHandler{
		pipeline:     p,
		orchestrator: orch,
		queue:        q,
		logger:       logger.With("component", "inference_handler"),
	}
}

// HandleChat answers a request synchronously.
func (h *InferenceHandler) HandleChat(c *gin.Context) {
	var req models.InferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := h.pipeline.Complete(c.Request.Context(), &req)
	if err != nil {
		status, msg := generationStatus(err)
		c.JSON(status, gin.H{"error": msg})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// HandleChatStream answers a request as a Server-Sent Events stream.
func (h *InferenceHandler) HandleChatStream(c *gin.Context) {
	var req models.InferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sink := newSSESink(c.Writer)
	token := h.orchestrator.CreateCancellationToken(req.SessionID)
	if err := h.pipeline.Stream(c.Request.Context(), &req, token, sink); err != nil {
		h.logger.Info("stream aborted", "session_id", req.SessionID, "error", err)
	}
}

// HandleEnqueue admits a request for background processing.
func (h *InferenceHandler) HandleEnqueue(c *gin.Context) {
	var req models.InferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, length, err := h.queue.Enqueue(c.Request.Context(), req)
	switch {
	case errors.Is(err, models.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Queue is full, try again later"})
		return
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Queue is unavailable"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":       "queued",
		"request_id":   item.RequestID,
		"queue_length": length,
	})
}

func (h *InferenceHandler) HandleQueueLength(c *gin.Context) {
	length, err := h.queue.Length(c.Request.Context())
	if err != nil {
		h.logger.Warn("failed to read queue length", "error", err)
	}
	c.JSON(http.StatusOK, gin.H{"queue_length": length})
}

// HandleDequeue withdraws the oldest queued request of a session.
func (h *InferenceHandler) HandleDequeue(c *gin.Context) {
	sessionID := c.Param("session_id")
	removed, err := h.queue.Remove(c.Request.Context(), func(item models.QueueItem) bool {
		return item.Request.SessionID == sessionID
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Queue is unavailable"})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "No queued request for session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed", "session_id": sessionID})
}

// generationStatus maps a pipeline error to a status code and message.
func generationStatus(err error) (int, string) {
	var genErr *models.GenerationError
	switch {
	case errors.As(err, &genErr):
		return http.StatusServiceUnavailable, fmt.Sprintf("Model generation failed: %v", genErr.Err)
	case errors.Is(err, models.ErrEmptyResponse):
		return http.StatusInternalServerError, "Model generated empty response"
	default:
		return http.StatusInternalServerError, "Inference failed"
	}
}
