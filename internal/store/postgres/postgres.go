// Package postgres implements store.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/internal/models"
	"github.com/aura-consult/relay/internal/store"
)

// Store is the pgx-backed durable store.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New creates a Store on pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// classify tags connection-level failures as transport loss so the relay retries them.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || errors.As(err, &netErr) {
		return fmt.Errorf("%s: %w: %v", op, apperr.ErrTransportLoss, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

const selectSession = `SELECT id, kind, status, scheduled_at, started_at, ended_at FROM consultation_sessions WHERE id = $1`

func (s *Store) ReadSession(ctx context.Context, id uuid.UUID) (*models.ConsultationSession, error) {
	return readSession(ctx, s.pool, id)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func readSession(ctx context.Context, q querier, id uuid.UUID) (*models.ConsultationSession, error) {
	var cs models.ConsultationSession
	err := q.QueryRow(ctx, selectSession, id).Scan(&cs.ID, &cs.Kind, &cs.Status, &cs.ScheduledAt, &cs.StartedAt, &cs.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, classify("read session", err)
	}
	if cs.ParticipantRoles, err = readParticipants(ctx, q, id); err != nil {
		return nil, err
	}
	return &cs, nil
}

func readParticipants(ctx context.Context, q querier, id uuid.UUID) (map[uuid.UUID]models.Role, error) {
	rows, err := q.Query(ctx, `SELECT user_id, role FROM consultation_participants WHERE session_id = $1`, id)
	if err != nil {
		return nil, classify("read participants", err)
	}
	defer rows.Close()
	roles := make(map[uuid.UUID]models.Role)
	for rows.Next() {
		var userID uuid.UUID
		var role models.Role
		if err := rows.Scan(&userID, &role); err != nil {
			return nil, classify("scan participant", err)
		}
		roles[userID] = role
	}
	if err := rows.Err(); err != nil {
		return nil, classify("read participants", err)
	}
	return roles, nil
}

func (s *Store) CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next models.SessionStatus, ts store.Timestamps) (*models.ConsultationSession, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, classify("begin compare and set", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cs models.ConsultationSession
	err = tx.QueryRow(ctx,
		`UPDATE consultation_sessions
		 SET status = $3,
		     started_at = CASE WHEN $6::boolean THEN NULL ELSE COALESCE($4::timestamptz, started_at) END,
		     ended_at = COALESCE($5, ended_at),
		     updated_at = NOW()
		 WHERE id = $1 AND status = $2
		 RETURNING id, kind, status, scheduled_at, started_at, ended_at`,
		id, expected, next, ts.StartedAt, ts.EndedAt, ts.ClearStartedAt,
	).Scan(&cs.ID, &cs.Kind, &cs.Status, &cs.ScheduledAt, &cs.StartedAt, &cs.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		cur, rerr := readSession(ctx, tx, id)
		if rerr != nil {
			return nil, rerr
		}
		return cur, fmt.Errorf("session %s is %s, expected %s: %w", id, cur.Status, expected, apperr.ErrConflict)
	}
	if err != nil {
		return nil, classify("compare and set status", err)
	}
	if cs.ParticipantRoles, err = readParticipants(ctx, tx, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classify("commit compare and set", err)
	}
	return &cs, nil
}

func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO consultation_messages (session_id, correlation_id, sender_id, kind, body, attachment_ref, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_id, correlation_id) DO UPDATE SET correlation_id = EXCLUDED.correlation_id
		 RETURNING id`,
		msg.SessionID, msg.CorrelationID, msg.SenderID, msg.Kind, msg.Body, msg.AttachmentRef, msg.SentAt).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return 0, fmt.Errorf("session %s: %w", msg.SessionID, apperr.ErrNotFound)
		}
		return 0, classify("append message", err)
	}
	return id, nil
}

func (s *Store) BackfillMessages(ctx context.Context, sessionID uuid.UUID, since time.Time, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, correlation_id, sender_id, kind, body, attachment_ref, sent_at, deleted_at
		 FROM consultation_messages WHERE session_id = $1 AND sent_at > $2 ORDER BY sent_at, id LIMIT $3`,
		sessionID, since, limit)
	if err != nil {
		return nil, classify("backfill messages", err)
	}
	defer rows.Close()
	var list []models.Message
	index := make(map[int64]int)
	var lo, hi int64
	for rows.Next() {
		m := models.Message{SessionID: sessionID, DeliveryState: models.DeliveryDelivered}
		if err := rows.Scan(&m.ServerID, &m.CorrelationID, &m.SenderID, &m.Kind, &m.Body, &m.AttachmentRef, &m.SentAt, &m.DeletedAt); err != nil {
			return nil, classify("scan message", err)
		}
		index[m.ServerID] = len(list)
		list = append(list, m)
		if lo == 0 || m.ServerID < lo {
			lo = m.ServerID
		}
		hi = max(hi, m.ServerID)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("backfill messages", err)
	}
	if len(list) == 0 {
		return list, nil
	}

	reads, err := s.pool.Query(ctx,
		`SELECT message_id, reader_id, read_at FROM consultation_message_reads WHERE message_id >= $1 AND message_id <= $2`,
		lo, hi)
	if err != nil {
		return nil, classify("backfill receipts", err)
	}
	defer reads.Close()
	for reads.Next() {
		var r models.ReadReceipt
		if err := reads.Scan(&r.MessageID, &r.ReaderID, &r.At); err != nil {
			return nil, classify("scan receipt", err)
		}
		i, ok := index[r.MessageID]
		if !ok {
			continue
		}
		if list[i].ReadBy == nil {
			list[i].ReadBy = make(map[uuid.UUID]time.Time)
		}
		list[i].ReadBy[r.ReaderID] = r.At
	}
	return list, classify("backfill receipts", reads.Err())
}

func (s *Store) MarkMessageRead(ctx context.Context, sessionID uuid.UUID, messageID int64, readerID uuid.UUID, at time.Time) (time.Time, bool, error) {
	var senderID uuid.UUID
	err := s.pool.QueryRow(ctx,
		`SELECT sender_id FROM consultation_messages WHERE id = $1 AND session_id = $2`, messageID, sessionID).Scan(&senderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, fmt.Errorf("message %d: %w", messageID, apperr.ErrNotFound)
	}
	if err != nil {
		return time.Time{}, false, classify("mark read", err)
	}
	if senderID == readerID {
		return time.Time{}, false, nil
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO consultation_message_reads (message_id, reader_id, read_at) VALUES ($1, $2, $3)
		 ON CONFLICT (message_id, reader_id) DO NOTHING`,
		messageID, readerID, at)
	if err != nil {
		return time.Time{}, false, classify("mark read", err)
	}
	if tag.RowsAffected() == 1 {
		return at, true, nil
	}
	var prev time.Time
	err = s.pool.QueryRow(ctx,
		`SELECT read_at FROM consultation_message_reads WHERE message_id = $1 AND reader_id = $2`, messageID, readerID).Scan(&prev)
	return prev, false, classify("mark read", err)
}

func (s *Store) MarkAllRead(ctx context.Context, sessionID, readerID uuid.UUID, horizon, at time.Time) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`INSERT INTO consultation_message_reads (message_id, reader_id, read_at)
		 SELECT id, $2, $4 FROM consultation_messages
		 WHERE session_id = $1 AND sender_id <> $2 AND sent_at <= $3
		 ON CONFLICT (message_id, reader_id) DO NOTHING
		 RETURNING message_id`,
		sessionID, readerID, horizon, at)
	if err != nil {
		return nil, classify("mark all read", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, classify("mark all read", err)
	}
	return ids, nil
}

func (s *Store) DeleteMessage(ctx context.Context, sessionID uuid.UUID, messageID int64, senderID uuid.UUID, at time.Time) (bool, error) {
	var deletedAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT deleted_at FROM consultation_messages WHERE id = $1 AND session_id = $2 AND sender_id = $3`,
		messageID, sessionID, senderID).Scan(&deletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("message %d: %w", messageID, apperr.ErrNotFound)
	}
	if err != nil {
		return false, classify("delete message", err)
	}
	if deletedAt != nil {
		return false, nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE consultation_messages SET deleted_at = $2, body = '', attachment_ref = ''
		 WHERE id = $1 AND deleted_at IS NULL`, messageID, at)
	if err != nil {
		return false, classify("delete message", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) UnlockRating(ctx context.Context, sessionID uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify("unlock rating", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cs, err := readSession(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if cs.Status != models.StatusCompleted {
		return fmt.Errorf("session %s is %s: %w", sessionID, cs.Status, apperr.ErrInvalidTransition)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE consultation_participants SET rating_unlocked_at = NOW()
		 WHERE session_id = $1 AND role = $2 AND rating_unlocked_at IS NULL`,
		sessionID, models.RolePatient); err != nil {
		return classify("unlock rating", err)
	}
	return classify("unlock rating", tx.Commit(ctx))
}
