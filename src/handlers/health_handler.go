package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vatsalvatsyayan/pocketllm/src/metrics"
)

const healthCheckTimeout = 2 * time.Second

// Pinger is a dependency that can report its availability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueLengther reports the admission queue length.
type QueueLengther interface {
	Length(ctx context.Context) (int64, error)
}

// TaskCounter reports how many background tasks are running.
type TaskCounter interface {
	InFlight() int64
}

type HealthHandler struct {
	service   string
	modelName string
	checks    []namedCheck
	collector *metrics.Collector
	queue     QueueLengther
	tasks     TaskCounter
}

type namedCheck struct {
	name string
	p    Pinger
}

func NewHealthHandler(service, modelName string, collector *metrics.Collector, queue QueueLengther) *HealthHandler {
	return &HealthHandler{
		service:   service,
		modelName: modelName,
		collector: collector,
		queue:     queue,
	}
}

// AddCheck registers a dependency reported by HealthCheck under name.
func (h *HealthHandler) AddCheck(name string, p Pinger) *HealthHandler {
	h.checks = append(h.checks, namedCheck{name: name, p: p})
	return h
}

// WithTasks reports the background task count in Metrics.
func (h *HealthHandler) WithTasks(t TaskCounter) *HealthHandler {
	h.tasks = t
	return h
}

// HealthCheck always answers 200; an unavailable dependency turns the
// status to "degraded" since the service keeps serving without it.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	status := "healthy"
	checks := gin.H{}

	for _, chk := range h.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		err := chk.p.Ping(ctx)
		cancel()

		if err != nil {
			checks[chk.name] = "unavailable: " + err.Error()
			status = "degraded"
			continue
		}
		checks[chk.name] = "healthy"
	}
	if h.modelName != "" {
		checks["model_name"] = h.modelName
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"service": h.service,
		"checks":  checks,
	})
}

func (h *HealthHandler) Metrics(c *gin.Context) {
	length, _ := h.queue.Length(c.Request.Context())
	snap := h.collector.Snapshot(length)
	if h.tasks != nil {
		snap.TasksInFlight = h.tasks.InFlight()
	}
	c.JSON(http.StatusOK, snap)
}
