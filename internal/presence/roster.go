// Package presence tracks which participants are connected to a session and through which
// connections. A Roster is owned by a single session actor and is not safe for concurrent use.
package presence

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/aura-consult/relay/internal/models"
)

type entry struct {
	role     models.Role
	conns    map[string]struct{}
	joinedAt time.Time
}

// Roster is the set of live participants of one session.
type Roster struct {
	participants map[uuid.UUID]*entry
	byConn       map[string]uuid.UUID
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{
		participants: make(map[uuid.UUID]*entry),
		byConn:       make(map[string]uuid.UUID),
	}
}

// Join adds connID to userID's connection set. first is true when this created the participant;
// joining again with a known connection is a no-op.
func (r *Roster) Join(userID uuid.UUID, role models.Role, connID string, at time.Time) (first bool) {
	e, ok := r.participants[userID]
	if !ok {
		e = &entry{role: role, conns: make(map[string]struct{}), joinedAt: at}
		r.participants[userID] = e
	}
	e.conns[connID] = struct{}{}
	r.byConn[connID] = userID
	return !ok
}

// Leave removes connID from userID. last is true when the participant was destroyed.
func (r *Roster) Leave(userID uuid.UUID, connID string) (last bool) {
	e, ok := r.participants[userID]
	if !ok {
		return false
	}
	if _, held := e.conns[connID]; !held {
		return false
	}
	delete(e.conns, connID)
	delete(r.byConn, connID)
	if len(e.conns) == 0 {
		delete(r.participants, userID)
		return true
	}
	return false
}

// Present reports whether userID has at least one connection.
func (r *Roster) Present(userID uuid.UUID) bool {
	_, ok := r.participants[userID]
	return ok
}

// Len is the number of participants.
func (r *Roster) Len() int { return len(r.participants) }

// Connections is the number of connections across all participants.
func (r *Roster) Connections() int { return len(r.byConn) }

// Snapshot returns the participants ordered by join time.
func (r *Roster) Snapshot() []models.Participant {
	out := lo.MapToSlice(r.participants, func(id uuid.UUID, e *entry) models.Participant {
		conns := lo.Keys(e.conns)
		sort.Strings(conns)
		return models.Participant{UserID: id, Role: e.role, Connections: conns, JoinedAt: e.joinedAt}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID.String() < out[j].UserID.String()
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}
