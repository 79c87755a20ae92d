package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/pkg/queue"
)

// Jobs is the queue side the processor needs.
type Jobs interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Unlocker opens the post-consultation rating for a completed session.
type Unlocker interface {
	UnlockRating(ctx context.Context, sessionID uuid.UUID) error
}

// RatingProcessor processes rating unlock jobs.
type RatingProcessor struct {
	store   Unlocker
	queue   Jobs
	backoff time.Duration
	logger  *zap.Logger
}

// NewRatingProcessor creates a rating unlock processor.
func NewRatingProcessor(store Unlocker, q Jobs, logger *zap.Logger) *RatingProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RatingProcessor{store: store, queue: q, backoff: queue.RetryBackoff, logger: logger}
}

// Process executes one job. Jobs that can never succeed are dropped with a warning rather
// than retried.
func (p *RatingProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeRatingUnlock {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.RatingUnlockPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	err := p.store.UnlockRating(ctx, payload.SessionID)
	switch {
	case err == nil:
		p.logger.Info("rating unlocked", zap.String("session_id", payload.SessionID.String()))
		return nil
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrInvalidTransition):
		p.logger.Warn("rating unlock dropped", zap.String("session_id", payload.SessionID.String()), zap.Error(err))
		return nil
	default:
		return fmt.Errorf("unlock rating: %w", err)
	}
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *RatingProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("rating worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *RatingProcessor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
