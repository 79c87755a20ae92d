package consult

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/internal/events"
	"github.com/aura-consult/relay/internal/models"
	"github.com/aura-consult/relay/pkg/metrics"
)

func (a *actor) join(c Caller, req events.JoinRequest, reply Reply) {
	a.withSession(reply, func() {
		role, ok := a.session.RoleOf(c.UserID)
		if !ok {
			respond(reply, nil, fmt.Errorf("%w: user %s in session %s", apperr.ErrNotParticipant, c.UserID, a.id))
			return
		}
		cn, rejoin := a.conns[c.ConnID]
		if rejoin && cn.userID != c.UserID {
			respond(reply, nil, fmt.Errorf("%w: connection %s belongs to another user", apperr.ErrInvalidPayload, c.ConnID))
			return
		}
		if rejoin && cn.backfilling {
			respond(reply, nil, fmt.Errorf("%w: join already in progress", apperr.ErrConflict))
			return
		}
		if !rejoin {
			now := a.cfg.Now()
			cn = &conn{id: c.ConnID, userID: c.UserID, role: role, ns: c.Namespace}
			a.conns[c.ConnID] = cn
			if a.roster.Join(c.UserID, role, c.ConnID, now) {
				a.broadcast(events.ParticipantJoined, events.ParticipantPayload{UserID: c.UserID, Role: role},
					events.Envelope{ExceptConn: c.ConnID}, uuid.Nil)
				a.logJoin(c.UserID, role, now)
			}
		}

		if cn.ns != events.NamespaceMessages {
			respond(reply, a.joinResult(cn, nil), nil)
			return
		}

		cn.backfilling = true
		cn.heldCorr = make(map[uuid.UUID]struct{})
		cn.since = time.Time{}
		if req.Since != nil {
			cn.since = *req.Since
		}
		cn.pendingAtJoin = cn.pendingAtJoin[:0]
		for _, corr := range a.recent {
			if m := a.messages[corr]; m != nil && m.DeliveryState == models.DeliveryPending {
				cn.pendingAtJoin = append(cn.pendingAtJoin, corr)
			}
		}

		a.inflight++
		since := cn.since
		go func() {
			ctx, cancel := a.storeCtx()
			defer cancel()
			start := time.Now()
			msgs, err := a.reg.store.BackfillMessages(ctx, a.id, since, a.cfg.BackfillLimit+1)
			metrics.StoreLatency.WithLabelValues("backfill").Observe(time.Since(start).Seconds())
			a.complete(func() { a.backfilled(cn, msgs, err, reply) })
		}()
	})
}

// backfilled answers the join with the stored history, excluding messages that are already
// travelling to the connection as held live frames, then releases those frames. A failed read
// still completes the join, with the backfill marked truncated.
func (a *actor) backfilled(cn *conn, msgs []models.Message, err error, reply Reply) {
	a.inflight--
	if a.conns[cn.id] != cn {
		respond(reply, nil, apperr.ErrNotJoined)
		return
	}
	truncated := false
	if err != nil {
		a.log.Warn("backfill failed", zap.String("conn_id", cn.id), zap.Error(err))
		msgs, truncated = nil, true
	}
	if len(msgs) > a.cfg.BackfillLimit {
		msgs, truncated = msgs[:a.cfg.BackfillLimit], true
	}

	seen := make(map[uuid.UUID]struct{}, len(msgs))
	out := make([]models.Message, 0, len(msgs)+len(cn.pendingAtJoin))
	for _, m := range msgs {
		if _, live := cn.heldCorr[m.CorrelationID]; live {
			continue
		}
		seen[m.CorrelationID] = struct{}{}
		out = append(out, m)
	}
	if truncated {
		cn.pendingAtJoin = nil
	}
	for _, corr := range cn.pendingAtJoin {
		m := a.messages[corr]
		if m == nil || m.DeliveryState == models.DeliveryFailed {
			continue
		}
		if _, ok := seen[corr]; ok {
			continue
		}
		if _, live := cn.heldCorr[corr]; live || !m.SentAt.After(cn.since) {
			continue
		}
		out = append(out, *m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })

	res := a.joinResult(cn, out)
	res.Truncated = truncated
	respond(reply, res, nil)
	a.release(cn)
}

// release ends backfilling and sends the frames held meanwhile, in order.
func (a *actor) release(cn *conn) {
	held := cn.held
	cn.backfilling = false
	cn.held, cn.heldCorr, cn.pendingAtJoin = nil, nil, nil
	for _, f := range held {
		a.send(cn, f)
	}
}

func (a *actor) joinResult(cn *conn, backfill []models.Message) events.JoinResult {
	if backfill == nil {
		backfill = []models.Message{}
	}
	res := events.JoinResult{
		Session:      a.session.Clone(),
		Participants: a.roster.Snapshot(),
		Backfill:     backfill,
		Seq:          cn.seq - uint64(len(cn.held)),
	}
	if a.session.Kind == models.KindAudioVideo {
		res.ICEServers = a.cfg.ICEServers
	}
	return res
}

func (a *actor) leave(c Caller, reply Reply) {
	if _, err := a.joined(c); err != nil {
		respond(reply, nil, nil)
		return
	}
	a.drop(c.ConnID)
	respond(reply, nil, nil)
}

// drop removes a connection; the participant leaves when it was their last one.
func (a *actor) drop(connID string) {
	cn, ok := a.conns[connID]
	if !ok {
		return
	}
	delete(a.conns, connID)
	if !a.roster.Leave(cn.userID, connID) {
		return
	}
	if a.typing.Stop(cn.userID) {
		a.broadcast(events.TypingStopped, events.TypingPayload{UserID: cn.userID}, events.Envelope{ExceptUser: cn.userID}, uuid.Nil)
	}
	a.broadcast(events.ParticipantLeft, events.ParticipantPayload{UserID: cn.userID, Role: cn.role}, events.Envelope{}, uuid.Nil)
	a.logLeave(cn.userID, a.cfg.Now())
}

func (a *actor) snapshot(reply Reply) {
	a.withSession(reply, func() {
		respond(reply, Snapshot{Session: a.session.Clone(), Participants: a.roster.Snapshot()}, nil)
	})
}

func (a *actor) logJoin(userID uuid.UUID, role models.Role, at time.Time) {
	if a.reg.attendance == nil {
		return
	}
	go func() {
		ctx, cancel := a.storeCtx()
		defer cancel()
		if err := a.reg.attendance.LogJoin(ctx, a.id, userID, role, at); err != nil {
			a.log.Warn("attendance join log failed", zap.String("user_id", userID.String()), zap.Error(err))
		}
	}()
}

func (a *actor) logLeave(userID uuid.UUID, at time.Time) {
	if a.reg.attendance == nil {
		return
	}
	go func() {
		ctx, cancel := a.storeCtx()
		defer cancel()
		if err := a.reg.attendance.LogLeave(ctx, a.id, userID, at); err != nil {
			a.log.Warn("attendance leave log failed", zap.String("user_id", userID.String()), zap.Error(err))
		}
	}()
}
