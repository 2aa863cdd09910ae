package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vatsalvatsyayan/pocketllm/src/logging"
	"github.com/vatsalvatsyayan/pocketllm/src/models"
)

// Handler runs the full pipeline for one dequeued request.
type Handler func(ctx context.Context, item models.QueueItem) error

// Dispatcher runs a named task in the background.
type Dispatcher interface {
	Go(name string, fn func(ctx context.Context) error) bool
}

// Processor drains the admission queue with a single polling loop. Each item
// is handed to the dispatcher and the loop moves straight on, so a slow item
// never holds up the next one.
type Processor struct {
	queue      *AdmissionQueue
	handle     Handler
	dispatcher Dispatcher
	interval   time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewProcessor(q *AdmissionQueue, handle Handler, dispatcher Dispatcher, interval time.Duration, logger *slog.Logger) *Processor {
	logger = logging.OrDefault(logger)
	return &Processor{
		queue:      q,
		handle:     handle,
		dispatcher: dispatcher,
		interval:   interval,
		logger:     logger.With("component", "queue_processor"),
	}
}

// Start launches the loop. Calling Start on a running processor does nothing.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true

	go p.loop(ctx, p.done)
	p.logger.Info("queue processor started", "poll_interval", p.interval)
}

// Stop cancels the loop and waits for it to exit. It is safe to call more
// than once.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
	p.logger.Info("queue processor stopped")
}

func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Processor) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}

		item, ok, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed", "error", err)
		}
		if ok {
			p.dispatch(item)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.interval):
		}
	}
}

func (p *Processor) dispatch(item models.QueueItem) {
	p.logger.Info("processing queued request",
		"request_id", item.RequestID,
		"session_id", item.Request.SessionID,
		"waited_ms", time.Since(item.EnqueuedAt).Milliseconds())

	accepted := p.dispatcher.Go("queue:"+item.RequestID, func(ctx context.Context) error {
		return p.handle(ctx, item)
	})
	if !accepted {
		p.logger.Warn("queued request dropped during shutdown", "request_id", item.RequestID)
	}
}
