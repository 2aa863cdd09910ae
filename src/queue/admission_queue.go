// Package queue implements the bounded admission queue for background
// inference requests and the processor that drains it.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vatsalvatsyayan/pocketllm/src/cache"
	"github.com/vatsalvatsyayan/pocketllm/src/logging"
	"github.com/vatsalvatsyayan/pocketllm/src/models"
)

const queueKey = "queue:requests"

// AdmissionQueue is a FIFO of inference requests held in the cache store.
// Items are pushed at the head and popped from the tail.
type AdmissionQueue struct {
	store    cache.Store
	capacity int
	logger   *slog.Logger
}

func NewAdmissionQueue(store cache.Store, capacity int, logger *slog.Logger) *AdmissionQueue {
	logger = logging.OrDefault(logger)
	return &AdmissionQueue{store: store, capacity: capacity, logger: logger.With("component", "queue")}
}

// Enqueue admits req or rejects it with models.ErrQueueFull when the queue is
// at capacity. A rejected request leaves the queue untouched. When the store
// is unavailable the error wraps models.ErrBackendUnavailable.
func (q *AdmissionQueue) Enqueue(ctx context.Context, req models.InferenceRequest) (models.QueueItem, int64, error) {
	item := models.QueueItem{
		RequestID:  uuid.NewString(),
		EnqueuedAt: time.Now().UTC(),
		Request:    req,
	}

	data, err := json.Marshal(item)
	if err != nil {
		return models.QueueItem{}, 0, fmt.Errorf("failed to marshal queue item: %w", err)
	}

	length, err := q.store.PushBounded(ctx, queueKey, string(data), q.capacity)
	switch {
	case cache.IsListFull(err):
		q.logger.Warn("queue full, rejecting request", "session_id", req.SessionID, "capacity", q.capacity)
		return models.QueueItem{}, length, models.ErrQueueFull
	case err != nil:
		q.logger.Error("failed to enqueue request", "session_id", req.SessionID, "error", err)
		return models.QueueItem{}, 0, fmt.Errorf("%w: %v", models.ErrBackendUnavailable, err)
	}

	q.logger.Info("request enqueued", "request_id", item.RequestID, "session_id", req.SessionID, "queue_length", length)
	return item, length, nil
}

// Dequeue removes and returns the oldest item. ok is false when the queue is
// empty. Undecodable items are dropped and logged.
func (q *AdmissionQueue) Dequeue(ctx context.Context) (models.QueueItem, bool, error) {
	for {
		val, ok, err := q.store.Pop(ctx, queueKey)
		if err != nil {
			return models.QueueItem{}, false, fmt.Errorf("failed to dequeue: %w", err)
		}
		if !ok {
			return models.QueueItem{}, false, nil
		}

		var item models.QueueItem
		if err := json.Unmarshal([]byte(val), &item); err != nil {
			q.logger.Error("dropping undecodable queue item", "error", err)
			continue
		}
		return item, true, nil
	}
}

func (q *AdmissionQueue) Length(ctx context.Context) (int64, error) {
	n, err := q.store.Len(ctx, queueKey)
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return n, nil
}

// Remove deletes the oldest item for which match returns true.
func (q *AdmissionQueue) Remove(ctx context.Context, match func(models.QueueItem) bool) (bool, error) {
	vals, err := q.store.Range(ctx, queueKey)
	if err != nil {
		return false, fmt.Errorf("failed to read queue: %w", err)
	}

	// the list runs newest to oldest
	for i := len(vals) - 1; i >= 0; i-- {
		var item models.QueueItem
		if err := json.Unmarshal([]byte(vals[i]), &item); err != nil {
			continue
		}
		if match(item) {
			removed, err := q.store.RemoveValue(ctx, queueKey, vals[i])
			if err != nil {
				return false, fmt.Errorf("failed to remove queue item: %w", err)
			}
			return removed, nil
		}
	}
	return false, nil
}

func (q *AdmissionQueue) Clear(ctx context.Context) error {
	if err := q.store.Delete(ctx, queueKey); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	return nil
}
