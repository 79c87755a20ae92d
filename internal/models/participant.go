package models

import (
	"time"

	"github.com/google/uuid"
)

// Participant is the live view of a user connected to a session. It is never persisted.
type Participant struct {
	UserID      uuid.UUID `json:"user_id"`
	Role        Role      `json:"role"`
	Connections []string  `json:"connections"`
	JoinedAt    time.Time `json:"joined_at"`
}

// AttendanceLog is one join/leave span of a participant, kept for audit only.
type AttendanceLog struct {
	ID        uuid.UUID  `json:"id"`
	SessionID uuid.UUID  `json:"session_id"`
	UserID    uuid.UUID  `json:"user_id"`
	Role      Role       `json:"role"`
	JoinedAt  time.Time  `json:"joined_at"`
	LeftAt    *time.Time `json:"left_at,omitempty"`
}
