// Package attendance keeps the audit trail of who was connected to a consultation and when.
package attendance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-consult/relay/internal/models"
)

// Repository handles consultation_attendance_logs.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an attendance repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// LogJoin opens a span when a participant's first connection joins.
func (r *Repository) LogJoin(ctx context.Context, sessionID, userID uuid.UUID, role models.Role, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO consultation_attendance_logs (id, session_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), sessionID, userID, string(role), at)
	if err != nil {
		return fmt.Errorf("log join: %w", err)
	}
	return nil
}

// LogLeave closes the most recent open span for this participant.
func (r *Repository) LogLeave(ctx context.Context, sessionID, userID uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE consultation_attendance_logs u SET left_at = $3
		 FROM (SELECT id FROM consultation_attendance_logs
		       WHERE session_id = $1 AND user_id = $2 AND left_at IS NULL
		       ORDER BY joined_at DESC LIMIT 1) AS sub
		 WHERE u.id = sub.id`,
		sessionID, userID, at)
	if err != nil {
		return fmt.Errorf("log leave: %w", err)
	}
	return nil
}

// ListBySession returns every span of a session, newest first.
func (r *Repository) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.AttendanceLog, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, user_id, role, joined_at, left_at
		 FROM consultation_attendance_logs WHERE session_id = $1 ORDER BY joined_at DESC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AttendanceLog, error) {
		var l models.AttendanceLog
		var role string
		err := row.Scan(&l.ID, &l.SessionID, &l.UserID, &role, &l.JoinedAt, &l.LeftAt)
		l.Role = models.Role(role)
		return l, err
	})
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	return list, nil
}
