package presence

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aura-consult/relay/internal/models"
)

func TestRoster_MultiDevice(t *testing.T) {
	req := require.New(t)
	r := NewRoster()
	patient := uuid.New()
	now := time.Now()

	// Given the patient joins from a phone
	req.True(r.Join(patient, models.RolePatient, "phone", now))
	// When the same user joins from a laptop, no new participant is created
	req.False(r.Join(patient, models.RolePatient, "laptop", now))
	// And re-joining the same connection is a no-op
	req.False(r.Join(patient, models.RolePatient, "phone", now))

	req.Equal(1, r.Len())
	req.Equal(2, r.Connections())

	// Then only the last connection to close destroys the participant
	req.False(r.Leave(patient, "phone"))
	req.True(r.Present(patient))
	req.True(r.Leave(patient, "laptop"))
	req.False(r.Present(patient))
	req.Zero(r.Connections())
}

func TestRoster_LeaveUnknown(t *testing.T) {
	req := require.New(t)
	r := NewRoster()
	u := uuid.New()

	req.False(r.Leave(u, "nope"))
	r.Join(u, models.RoleClinician, "c1", time.Now())
	req.False(r.Leave(u, "c2"))
	req.True(r.Present(u))
}

func TestRoster_SnapshotOrder(t *testing.T) {
	req := require.New(t)
	r := NewRoster()
	first, second := uuid.New(), uuid.New()
	t0 := time.Now()

	r.Join(second, models.RolePatient, "b", t0.Add(time.Second))
	r.Join(first, models.RoleClinician, "a", t0)

	snap := r.Snapshot()
	req.Len(snap, 2)
	req.Equal(first, snap[0].UserID)
	req.Equal(models.RoleClinician, snap[0].Role)
	req.Equal(second, snap[1].UserID)
	req.Equal([]string{"b"}, snap[1].Connections)
}
