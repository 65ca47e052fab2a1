// Package outbox persists webhook deliveries before they are processed. The
// HTTP handler only verifies and enqueues; a worker drains the queue, so a
// crash between acknowledgement and processing loses nothing.
package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Job delivery states.
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusProcessed  = "PROCESSED"
	StatusFailed     = "FAILED"
)

// MaxAttempts bounds redelivery of a failing job before it is parked as
// FAILED for manual inspection.
const MaxAttempts = 5

// Job is one persisted delivery.
type Job struct {
	ID             string
	EventType      string
	Payload        []byte
	Status         string
	Attempts       int
	LastError      string
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// Store is the persistence contract for the queue.
type Store interface {
	Enqueue(ctx context.Context, eventType string, payload []byte, nowUnixUTC int64) (Job, error)
	// ClaimNext atomically moves the oldest PENDING job to PROCESSING and
	// returns it; false when the queue is empty.
	ClaimNext(ctx context.Context, nowUnixUTC int64) (Job, bool, error)
	MarkProcessed(ctx context.Context, jobID string, nowUnixUTC int64) error
	// Release returns a failed job to PENDING, or parks it as FAILED once
	// attempts reaches the cap.
	Release(ctx context.Context, jobID string, attempts int, lastError string, nowUnixUTC int64) error
}

// Handler processes one claimed job.
type Handler func(ctx context.Context, job Job) error

// Worker drains the queue on a timer and on demand via Nudge.
type Worker struct {
	store    Store
	handler  Handler
	interval time.Duration
	nowFn    func() int64
	logger   *zap.Logger
	nudge    chan struct{}
}

// NewWorker wires a Worker.
func NewWorker(store Store, handler Handler, interval time.Duration, now func() int64, logger *zap.Logger) (*Worker, error) {
	if store == nil {
		return nil, fmt.Errorf("outbox: store dependency is nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("outbox: handler dependency is nil")
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if now == nil {
		return nil, fmt.Errorf("outbox: clock dependency is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:    store,
		handler:  handler,
		interval: interval,
		nowFn:    now,
		logger:   logger,
		nudge:    make(chan struct{}, 1),
	}, nil
}

// Nudge wakes the worker without waiting for the next tick. Never blocks.
func (worker *Worker) Nudge() {
	select {
	case worker.nudge <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled.
func (worker *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(worker.interval)
	defer ticker.Stop()
	for {
		worker.Drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-worker.nudge:
		}
	}
}

// Drain processes claimed jobs until the queue is empty or ctx is cancelled.
func (worker *Worker) Drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, claimed, err := worker.store.ClaimNext(ctx, worker.nowFn())
		if err != nil {
			worker.logger.Error("claim failed", zap.Error(err))
			return
		}
		if !claimed {
			return
		}
		worker.process(ctx, job)
	}
}

func (worker *Worker) process(ctx context.Context, job Job) {
	attempts := job.Attempts + 1
	if err := worker.handler(ctx, job); err != nil {
		worker.logger.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.String("event_type", job.EventType),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		if releaseErr := worker.store.Release(ctx, job.ID, attempts, err.Error(), worker.nowFn()); releaseErr != nil {
			worker.logger.Error("release failed", zap.String("job_id", job.ID), zap.Error(releaseErr))
		}
		return
	}
	if err := worker.store.MarkProcessed(ctx, job.ID, worker.nowFn()); err != nil {
		worker.logger.Error("mark processed failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	worker.logger.Debug("job processed",
		zap.String("job_id", job.ID),
		zap.String("event_type", job.EventType),
	)
}
