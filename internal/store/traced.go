package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aura-consult/relay/internal/models"
)

const tracerName = "github.com/aura-consult/relay/internal/store"

// Traced wraps a Store with one span per call.
type Traced struct {
	next   Store
	tracer trace.Tracer
}

// WithTracing decorates s using the global tracer provider.
func WithTracing(s Store) *Traced {
	return &Traced{next: s, tracer: otel.Tracer(tracerName)}
}

func (t *Traced) start(ctx context.Context, op string, sessionID uuid.UUID) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "store."+op, trace.WithAttributes(attribute.String("session.id", sessionID.String())))
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (t *Traced) ReadSession(ctx context.Context, id uuid.UUID) (*models.ConsultationSession, error) {
	ctx, span := t.start(ctx, "ReadSession", id)
	s, err := t.next.ReadSession(ctx, id)
	end(span, err)
	return s, err
}

func (t *Traced) CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next models.SessionStatus, ts Timestamps) (*models.ConsultationSession, error) {
	ctx, span := t.start(ctx, "CompareAndSetStatus", id)
	span.SetAttributes(attribute.String("status.expected", string(expected)), attribute.String("status.next", string(next)))
	s, err := t.next.CompareAndSetStatus(ctx, id, expected, next, ts)
	end(span, err)
	return s, err
}

func (t *Traced) AppendMessage(ctx context.Context, msg *models.Message) (int64, error) {
	ctx, span := t.start(ctx, "AppendMessage", msg.SessionID)
	span.SetAttributes(attribute.String("message.correlation_id", msg.CorrelationID.String()))
	id, err := t.next.AppendMessage(ctx, msg)
	end(span, err)
	return id, err
}

func (t *Traced) BackfillMessages(ctx context.Context, sessionID uuid.UUID, since time.Time, limit int) ([]models.Message, error) {
	ctx, span := t.start(ctx, "BackfillMessages", sessionID)
	out, err := t.next.BackfillMessages(ctx, sessionID, since, limit)
	span.SetAttributes(attribute.Int("messages.count", len(out)))
	end(span, err)
	return out, err
}

func (t *Traced) MarkMessageRead(ctx context.Context, sessionID uuid.UUID, messageID int64, readerID uuid.UUID, at time.Time) (time.Time, bool, error) {
	ctx, span := t.start(ctx, "MarkMessageRead", sessionID)
	span.SetAttributes(attribute.Int64("message.id", messageID))
	readAt, marked, err := t.next.MarkMessageRead(ctx, sessionID, messageID, readerID, at)
	end(span, err)
	return readAt, marked, err
}

func (t *Traced) MarkAllRead(ctx context.Context, sessionID, readerID uuid.UUID, horizon, at time.Time) ([]int64, error) {
	ctx, span := t.start(ctx, "MarkAllRead", sessionID)
	ids, err := t.next.MarkAllRead(ctx, sessionID, readerID, horizon, at)
	span.SetAttributes(attribute.Int("messages.marked", len(ids)))
	end(span, err)
	return ids, err
}

func (t *Traced) DeleteMessage(ctx context.Context, sessionID uuid.UUID, messageID int64, senderID uuid.UUID, at time.Time) (bool, error) {
	ctx, span := t.start(ctx, "DeleteMessage", sessionID)
	deleted, err := t.next.DeleteMessage(ctx, sessionID, messageID, senderID, at)
	end(span, err)
	return deleted, err
}

func (t *Traced) UnlockRating(ctx context.Context, sessionID uuid.UUID) error {
	ctx, span := t.start(ctx, "UnlockRating", sessionID)
	err := t.next.UnlockRating(ctx, sessionID)
	end(span, err)
	return err
}
