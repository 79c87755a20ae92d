package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/internal/models"
	"github.com/aura-consult/relay/internal/store"
	"github.com/aura-consult/relay/pkg/database"
)

// These tests need a disposable database named by RELAY_TEST_POSTGRES_DSN.
func newStore(t *testing.T) (*Store, uuid.UUID) {
	t.Helper()
	dsn := os.Getenv("RELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("RELAY_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, dsn, 4, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, database.Migrate(ctx, pool, zap.NewNop()))

	id := uuid.New()
	_, err = pool.Exec(ctx, `INSERT INTO consultation_sessions (id, kind, status, scheduled_at) VALUES ($1, 'TEXT', 'SCHEDULED', NOW())`, id)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `INSERT INTO consultation_participants (session_id, user_id, role) VALUES ($1, $2, 'CLINICIAN'), ($1, $3, 'PATIENT')`,
		id, uuid.New(), uuid.New())
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = pool.Exec(context.Background(), `DELETE FROM consultation_sessions WHERE id = $1`, id) })
	return New(pool), id
}

func TestCompareAndSetStatus(t *testing.T) {
	req := require.New(t)
	s, id := newStore(t)
	ctx := context.Background()
	now := time.Now()

	got, err := s.CompareAndSetStatus(ctx, id, models.StatusScheduled, models.StatusInProgress, store.Timestamps{StartedAt: &now})
	req.NoError(err)
	req.Equal(models.StatusInProgress, got.Status)
	req.NotNil(got.StartedAt)
	req.Len(got.ParticipantRoles, 2)

	got, err = s.CompareAndSetStatus(ctx, id, models.StatusScheduled, models.StatusCancelled, store.Timestamps{EndedAt: &now})
	req.ErrorIs(err, apperr.ErrConflict)
	req.Equal(models.StatusInProgress, got.Status, "a lost race returns the current row")

	got, err = s.CompareAndSetStatus(ctx, id, models.StatusInProgress, models.StatusCancelled,
		store.Timestamps{EndedAt: &now, ClearStartedAt: true})
	req.NoError(err)
	req.Nil(got.StartedAt)
	req.NotNil(got.EndedAt)
	req.NoError(got.Validate())

	_, err = s.CompareAndSetStatus(ctx, uuid.New(), models.StatusScheduled, models.StatusInProgress, store.Timestamps{})
	req.ErrorIs(err, apperr.ErrNotFound)
}

func TestBackfillPagesOldestFirst(t *testing.T) {
	req := require.New(t)
	s, id := newStore(t)
	ctx := context.Background()
	sender := uuid.New()
	t0 := time.Now().Add(-time.Minute).Truncate(time.Microsecond)

	for i, body := range []string{"one", "two", "three"} {
		_, err := s.AppendMessage(ctx, &models.Message{
			SessionID: id, CorrelationID: uuid.New(), SenderID: sender, Kind: models.MessageText,
			Body: body, SentAt: t0.Add(time.Duration(i) * time.Second),
		})
		req.NoError(err)
	}

	page, err := s.BackfillMessages(ctx, id, time.Time{}, 2)
	req.NoError(err)
	req.Len(page, 2)
	req.Equal("one", page[0].Body)
	req.Equal("two", page[1].Body)

	page, err = s.BackfillMessages(ctx, id, page[1].SentAt, 2)
	req.NoError(err)
	req.Len(page, 1)
	req.Equal("three", page[0].Body)
}
