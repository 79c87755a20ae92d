//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=../../mocks/mock_store.go -package=mocks

// Package store declares the durable record store the relay reconciles against.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aura-consult/relay/internal/models"
)

// Timestamps carries the lifecycle timestamps written together with a status change. Nil
// pointers leave the stored value alone; ClearStartedAt sets started_at to NULL.
type Timestamps struct {
	StartedAt      *time.Time
	EndedAt        *time.Time
	ClearStartedAt bool
}

// Store is the durable record store. Implementations wrap transport-level failures with
// apperr.ErrTransportLoss so callers can tell them apart from business-rule failures.
type Store interface {
	// ReadSession returns the authoritative session or apperr.ErrNotFound.
	ReadSession(ctx context.Context, id uuid.UUID) (*models.ConsultationSession, error)
	// CompareAndSetStatus moves the session from expected to next. When the stored status is not
	// expected it returns the current session together with apperr.ErrConflict.
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next models.SessionStatus, ts Timestamps) (*models.ConsultationSession, error)
	// AppendMessage persists msg and returns its server id. Appending the same correlation id twice
	// returns the id of the first append.
	AppendMessage(ctx context.Context, msg *models.Message) (int64, error)
	// BackfillMessages returns the earliest limit messages sent strictly after since, oldest
	// first. Callers page forward by passing the SentAt of the last message as the next since.
	BackfillMessages(ctx context.Context, sessionID uuid.UUID, since time.Time, limit int) ([]models.Message, error)
	// MarkMessageRead records a read receipt. marked is false when the reader had already read
	// the message or is its sender.
	MarkMessageRead(ctx context.Context, sessionID uuid.UUID, messageID int64, readerID uuid.UUID, at time.Time) (readAt time.Time, marked bool, err error)
	// MarkAllRead marks every message of the session sent at or before horizon by someone else
	// and returns the ids it newly marked.
	MarkAllRead(ctx context.Context, sessionID, readerID uuid.UUID, horizon, at time.Time) ([]int64, error)
	// DeleteMessage soft-deletes a message of senderID. deleted is false when it was already deleted.
	DeleteMessage(ctx context.Context, sessionID uuid.UUID, messageID int64, senderID uuid.UUID, at time.Time) (deleted bool, err error)
	// UnlockRating lets the patients of a completed session rate it.
	UnlockRating(ctx context.Context, sessionID uuid.UUID) error
}
