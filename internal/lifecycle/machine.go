// Package lifecycle holds the consultation session transition table.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/internal/events"
	"github.com/aura-consult/relay/internal/models"
)

// Action is a lifecycle command.
type Action string

const (
	ActionStart  Action = "start"
	ActionEnd    Action = "end"
	ActionCancel Action = "cancel"
)

// Effect describes what a successful transition does besides changing the status.
type Effect struct {
	SetStartedAt bool
	SetEndedAt   bool
	// ClearStartedAt drops startedAt, which only COMPLETED and IN_PROGRESS sessions carry.
	ClearStartedAt bool
	// Event is broadcast to every participant once the transition is confirmed.
	Event string
	// UnlockRating asks for the patient rating to be unlocked.
	UnlockRating bool
}

type rule struct {
	from   models.SessionStatus
	action Action
	to     models.SessionStatus
	effect Effect
}

// Every rule requires a CLINICIAN actor.
var table = []rule{
	{models.StatusScheduled, ActionStart, models.StatusInProgress, Effect{SetStartedAt: true, Event: events.SessionStarted}},
	{models.StatusScheduled, ActionCancel, models.StatusCancelled, Effect{SetEndedAt: true, Event: events.SessionCancelled}},
	{models.StatusInProgress, ActionEnd, models.StatusCompleted, Effect{SetEndedAt: true, Event: events.SessionEnded, UnlockRating: true}},
	{models.StatusInProgress, ActionCancel, models.StatusCancelled, Effect{SetEndedAt: true, ClearStartedAt: true, Event: events.SessionCancelled}},
}

// Transition is a guarded, not yet applied, state change.
type Transition struct {
	Action Action
	From   models.SessionStatus
	To     models.SessionStatus
	Effect Effect
}

// Plan checks the guard for action by an actor with role against status.
func Plan(status models.SessionStatus, action Action, role models.Role) (Transition, error) {
	if role != models.RoleClinician {
		return Transition{}, fmt.Errorf("%w: %s requires %s, actor is %s", apperr.ErrInvalidTransition, action, models.RoleClinician, role)
	}
	for _, r := range table {
		if r.from == status && r.action == action {
			return Transition{Action: action, From: r.from, To: r.to, Effect: r.effect}, nil
		}
	}
	return Transition{}, fmt.Errorf("%w: cannot %s from %s", apperr.ErrInvalidTransition, action, status)
}

// Apply returns a copy of s with the transition applied at time at.
func (t Transition) Apply(s *models.ConsultationSession, at time.Time) *models.ConsultationSession {
	next := s.Clone()
	next.Status = t.To
	if t.Effect.SetStartedAt {
		ts := at
		next.StartedAt = &ts
	}
	if t.Effect.ClearStartedAt {
		next.StartedAt = nil
	}
	if t.Effect.SetEndedAt {
		ts := at
		next.EndedAt = &ts
	}
	return next
}

// ParseAction maps a command name to an Action.
func ParseAction(cmd string) (Action, bool) {
	switch cmd {
	case events.CmdStart:
		return ActionStart, true
	case events.CmdEnd:
		return ActionEnd, true
	case events.CmdCancel:
		return ActionCancel, true
	}
	return "", false
}
