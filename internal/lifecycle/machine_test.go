package lifecycle

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/internal/events"
	"github.com/aura-consult/relay/internal/models"
)

func scheduled() *models.ConsultationSession {
	return &models.ConsultationSession{
		ID:          uuid.New(),
		Kind:        models.KindAudioVideo,
		Status:      models.StatusScheduled,
		ScheduledAt: time.Now(),
	}
}

func TestPlan_Table(t *testing.T) {
	cases := []struct {
		from   models.SessionStatus
		action Action
		to     models.SessionStatus
		event  string
	}{
		{models.StatusScheduled, ActionStart, models.StatusInProgress, events.SessionStarted},
		{models.StatusScheduled, ActionCancel, models.StatusCancelled, events.SessionCancelled},
		{models.StatusInProgress, ActionEnd, models.StatusCompleted, events.SessionEnded},
		{models.StatusInProgress, ActionCancel, models.StatusCancelled, events.SessionCancelled},
	}
	for _, c := range cases {
		t.Run(string(c.from)+"/"+string(c.action), func(t *testing.T) {
			req := require.New(t)
			tr, err := Plan(c.from, c.action, models.RoleClinician)
			req.NoError(err)
			req.Equal(c.to, tr.To)
			req.Equal(c.event, tr.Effect.Event)
		})
	}
}

func TestPlan_Rejections(t *testing.T) {
	req := require.New(t)

	_, err := Plan(models.StatusScheduled, ActionStart, models.RolePatient)
	req.ErrorIs(err, apperr.ErrInvalidTransition)

	_, err = Plan(models.StatusScheduled, ActionEnd, models.RoleClinician)
	req.ErrorIs(err, apperr.ErrInvalidTransition)

	_, err = Plan(models.StatusInProgress, ActionStart, models.RoleClinician)
	req.ErrorIs(err, apperr.ErrInvalidTransition)

	for _, terminal := range []models.SessionStatus{models.StatusCompleted, models.StatusCancelled} {
		for _, a := range []Action{ActionStart, ActionEnd, ActionCancel} {
			_, err = Plan(terminal, a, models.RoleClinician)
			req.ErrorIs(err, apperr.ErrInvalidTransition, "%s from %s", a, terminal)
		}
	}
}

func TestEndUnlocksRating(t *testing.T) {
	req := require.New(t)
	tr, err := Plan(models.StatusInProgress, ActionEnd, models.RoleClinician)
	req.NoError(err)
	req.True(tr.Effect.UnlockRating)

	tr, err = Plan(models.StatusInProgress, ActionCancel, models.RoleClinician)
	req.NoError(err)
	req.False(tr.Effect.UnlockRating)
}

// Random action sequences never reach an invalid state and never leave a terminal one.
func TestRandomSequencesKeepInvariants(t *testing.T) {
	req := require.New(t)
	rng := rand.New(rand.NewSource(42))
	actions := []Action{ActionStart, ActionEnd, ActionCancel}
	roles := []models.Role{models.RoleClinician, models.RolePatient}

	for i := 0; i < 500; i++ {
		s := scheduled()
		terminalSeen := models.SessionStatus("")
		for step := 0; step < 8; step++ {
			tr, err := Plan(s.Status, actions[rng.Intn(len(actions))], roles[rng.Intn(len(roles))])
			if err != nil {
				req.ErrorIs(err, apperr.ErrInvalidTransition)
				continue
			}
			s = tr.Apply(s, time.Now())
			req.NoError(s.Validate())
			if terminalSeen != "" {
				req.Fail("transition out of terminal state", "from %s", terminalSeen)
			}
			if s.Status.IsTerminal() {
				terminalSeen = s.Status
			}
		}
	}
}

func TestApply_DoesNotMutateInput(t *testing.T) {
	req := require.New(t)
	s := scheduled()
	tr, err := Plan(s.Status, ActionStart, models.RoleClinician)
	req.NoError(err)

	next := tr.Apply(s, time.Now())
	req.Equal(models.StatusScheduled, s.Status)
	req.Nil(s.StartedAt)
	req.Equal(models.StatusInProgress, next.Status)
	req.NotNil(next.StartedAt)
}

func TestParseAction(t *testing.T) {
	req := require.New(t)
	a, ok := ParseAction(events.CmdCancel)
	req.True(ok)
	req.Equal(ActionCancel, a)
	_, ok = ParseAction(events.CmdJoin)
	req.False(ok)
}

func TestCancelInProgressDropsStartedAt(t *testing.T) {
	req := require.New(t)
	s := scheduled()
	tr, err := Plan(s.Status, ActionStart, models.RoleClinician)
	req.NoError(err)
	s = tr.Apply(s, time.Now())
	req.NotNil(s.StartedAt)

	tr, err = Plan(s.Status, ActionCancel, models.RoleClinician)
	req.NoError(err)
	req.True(tr.Effect.ClearStartedAt)
	cancelled := tr.Apply(s, time.Now())
	req.Equal(models.StatusCancelled, cancelled.Status)
	req.Nil(cancelled.StartedAt)
	req.NotNil(cancelled.EndedAt)
	req.NoError(cancelled.Validate())
	req.NotNil(s.StartedAt, "input is left alone")
}
