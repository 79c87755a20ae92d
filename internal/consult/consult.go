// Package consult runs one actor per consultation session. The actor owns presence, typing,
// message relay, read receipts and the lifecycle cache for its session; every mutation of
// that state happens on the actor goroutine, and I/O completes by posting a continuation
// back to the actor's mailbox.
package consult

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aura-consult/relay/internal/events"
	"github.com/aura-consult/relay/internal/models"
	"github.com/aura-consult/relay/internal/typing"
)

// Transport delivers a frame to one connection. It returns false when the connection is gone.
type Transport interface {
	Send(connID string, frame events.Frame) bool
}

// RatingJobs schedules the post-consultation rating unlock.
type RatingJobs interface {
	EnqueueRatingUnlock(ctx context.Context, sessionID uuid.UUID) error
}

// Attendance records join and leave spans for audit.
type Attendance interface {
	LogJoin(ctx context.Context, sessionID, userID uuid.UUID, role models.Role, at time.Time) error
	LogLeave(ctx context.Context, sessionID, userID uuid.UUID, at time.Time) error
}

// ChangeNotifier tells other relay instances that a session's status changed.
type ChangeNotifier interface {
	PublishSessionChanged(ctx context.Context, sessionID uuid.UUID, status models.SessionStatus) error
}

// Caller identifies the connection a command arrived on.
type Caller struct {
	UserID    uuid.UUID
	ConnID    string
	Namespace events.Namespace
}

// Reply completes a command. data is the ack payload on success; on failure err is set and data
// may carry the authoritative session for conflict errors.
type Reply func(data interface{}, err error)

// Config tunes the actors.
type Config struct {
	TypingWindow      time.Duration
	TransitionTimeout time.Duration
	StoreTimeout      time.Duration
	SendRetries       uint
	BackfillLimit     int
	IdleTimeout       time.Duration
	MailboxSize       int
	RecentMessages    int
	ICEServers        []string
	Now               func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TypingWindow:      typing.DefaultWindow,
		TransitionTimeout: 10 * time.Second,
		StoreTimeout:      5 * time.Second,
		SendRetries:       4,
		BackfillLimit:     500,
		IdleTimeout:       2 * time.Minute,
		MailboxSize:       256,
		RecentMessages:    512,
		Now:               time.Now,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TypingWindow <= 0 {
		c.TypingWindow = d.TypingWindow
	}
	if c.TransitionTimeout <= 0 {
		c.TransitionTimeout = d.TransitionTimeout
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = d.StoreTimeout
	}
	if c.SendRetries == 0 {
		c.SendRetries = d.SendRetries
	}
	if c.BackfillLimit <= 0 {
		c.BackfillLimit = d.BackfillLimit
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = d.MailboxSize
	}
	if c.RecentMessages <= 0 {
		c.RecentMessages = d.RecentMessages
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}

// Snapshot is the read-only view served to REST callers.
type Snapshot struct {
	Session      *models.ConsultationSession `json:"session"`
	Participants []models.Participant        `json:"participants"`
}
