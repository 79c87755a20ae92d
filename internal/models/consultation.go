package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionKind is the medium of a consultation.
type SessionKind string

const (
	KindAudioVideo SessionKind = "AUDIO_VIDEO"
	KindText       SessionKind = "TEXT"
)

// SessionStatus is the lifecycle state of a consultation session.
type SessionStatus string

const (
	StatusScheduled  SessionStatus = "SCHEDULED"
	StatusInProgress SessionStatus = "IN_PROGRESS"
	StatusCompleted  SessionStatus = "COMPLETED"
	StatusCancelled  SessionStatus = "CANCELLED"
)

// IsTerminal reports whether no transition can leave the status.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Role is a participant's role in a consultation.
type Role string

const (
	RoleClinician Role = "CLINICIAN"
	RolePatient   Role = "PATIENT"
)

// ConsultationSession is the cached read model of a session owned by the durable store.
type ConsultationSession struct {
	ID               uuid.UUID          `json:"id"`
	Kind             SessionKind        `json:"kind"`
	Status           SessionStatus      `json:"status"`
	ScheduledAt      time.Time          `json:"scheduled_at"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	EndedAt          *time.Time         `json:"ended_at,omitempty"`
	ParticipantRoles map[uuid.UUID]Role `json:"participant_roles"`
}

// RoleOf returns the role of userID in the session, if they are a participant.
func (s *ConsultationSession) RoleOf(userID uuid.UUID) (Role, bool) {
	r, ok := s.ParticipantRoles[userID]
	return r, ok
}

// Clone returns a deep copy safe to hand outside the owning actor.
func (s *ConsultationSession) Clone() *ConsultationSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	out.ParticipantRoles = make(map[uuid.UUID]Role, len(s.ParticipantRoles))
	for id, r := range s.ParticipantRoles {
		out.ParticipantRoles[id] = r
	}
	return &out
}

// Validate checks the timestamp invariants: startedAt is set iff the session is IN_PROGRESS or
// COMPLETED, endedAt is set iff it is COMPLETED or CANCELLED.
func (s *ConsultationSession) Validate() error {
	if !s.Status.Valid() {
		return fmt.Errorf("unknown status %q", s.Status)
	}
	wantStarted := s.Status == StatusInProgress || s.Status == StatusCompleted
	wantEnded := s.Status == StatusCompleted || s.Status == StatusCancelled
	if (s.StartedAt != nil) != wantStarted {
		return fmt.Errorf("status %s: started_at presence mismatch", s.Status)
	}
	if (s.EndedAt != nil) != wantEnded {
		return fmt.Errorf("status %s: ended_at presence mismatch", s.Status)
	}
	return nil
}
