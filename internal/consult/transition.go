package consult

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/internal/events"
	"github.com/aura-consult/relay/internal/lifecycle"
	"github.com/aura-consult/relay/internal/models"
	"github.com/aura-consult/relay/internal/store"
	"github.com/aura-consult/relay/pkg/metrics"
)

// pendingTransition is a transition applied optimistically and awaiting its compare-and-set.
type pendingTransition struct {
	tr      lifecycle.Transition
	next    *models.ConsultationSession
	actorID uuid.UUID
}

func (a *actor) transition(c Caller, action lifecycle.Action, reply Reply) {
	a.withSession(reply, func() {
		role, ok := a.session.RoleOf(c.UserID)
		if !ok {
			respond(reply, nil, fmt.Errorf("%w: user %s in session %s", apperr.ErrNotParticipant, c.UserID, a.id))
			return
		}
		if _, err := a.joined(c); err != nil {
			respond(reply, nil, err)
			return
		}

		if p := a.pending; p != nil {
			// A request legal against the confirmed status lost the race; anything else is
			// judged against the optimistic status.
			if _, err := lifecycle.Plan(a.session.Status, action, role); err != nil {
				if _, err := lifecycle.Plan(p.next.Status, action, role); err != nil {
					metrics.Transitions.WithLabelValues(string(action), "rejected").Inc()
					respond(reply, nil, err)
					return
				}
			}
			metrics.Transitions.WithLabelValues(string(action), "conflict").Inc()
			respond(reply, a.session.Clone(), fmt.Errorf("%w: %s already in flight", apperr.ErrConflict, p.tr.Action))
			return
		}

		tr, err := lifecycle.Plan(a.session.Status, action, role)
		if err != nil {
			metrics.Transitions.WithLabelValues(string(action), "rejected").Inc()
			respond(reply, nil, err)
			return
		}
		p := &pendingTransition{tr: tr, next: tr.Apply(a.session, a.cfg.Now()), actorID: c.UserID}
		a.pending = p
		a.inflight++
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), a.cfg.TransitionTimeout)
			defer cancel()
			start := time.Now()
			cur, err := a.reg.store.CompareAndSetStatus(ctx, a.id, tr.From, tr.To,
				store.Timestamps{StartedAt: p.next.StartedAt, EndedAt: p.next.EndedAt, ClearStartedAt: tr.Effect.ClearStartedAt})
			metrics.StoreLatency.WithLabelValues("compare_and_set").Observe(time.Since(start).Seconds())
			a.complete(func() { a.transitioned(p, cur, err, reply) })
		}()
	})
}

// transitioned confirms or rolls back p once the store answered.
func (a *actor) transitioned(p *pendingTransition, cur *models.ConsultationSession, err error, reply Reply) {
	a.inflight--
	a.pending = nil
	action := string(p.tr.Action)

	if err == nil {
		if cur == nil {
			cur = p.next
		}
		a.session = cur
		metrics.Transitions.WithLabelValues(action, "confirmed").Inc()
		a.log.Info("session transition confirmed",
			zap.String("action", action), zap.String("status", string(cur.Status)), zap.String("actor_id", p.actorID.String()))
		a.broadcast(p.tr.Effect.Event, events.SessionPayload{Session: cur.Clone(), ActorID: p.actorID}, events.Envelope{}, uuid.Nil)
		if p.tr.Effect.UnlockRating {
			a.unlockRating()
		}
		a.notifyChange(cur.Status)
		respond(reply, cur.Clone(), nil)
		return
	}

	if errors.Is(err, apperr.ErrConflict) && cur != nil {
		a.session = cur
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s: %v", apperr.ErrTimeout, action, err)
	}
	metrics.Transitions.WithLabelValues(action, "rolled_back").Inc()
	a.log.Warn("session transition rolled back", zap.String("action", action), zap.Error(err))
	a.broadcast(events.SessionConflict, events.ConflictPayload{Session: a.session.Clone(), Attempted: action}, events.Envelope{}, uuid.Nil)
	respond(reply, a.session.Clone(), err)

	// The write may have landed even though the answer did not.
	if !errors.Is(err, apperr.ErrConflict) {
		a.refresh()
	}
}

func (a *actor) unlockRating() {
	if a.reg.jobs == nil {
		return
	}
	go func() {
		ctx, cancel := a.storeCtx()
		defer cancel()
		if err := a.reg.jobs.EnqueueRatingUnlock(ctx, a.id); err != nil {
			a.log.Error("enqueue rating unlock failed", zap.Error(err))
		}
	}()
}

func (a *actor) notifyChange(status models.SessionStatus) {
	if a.reg.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := a.storeCtx()
		defer cancel()
		if err := a.reg.notifier.PublishSessionChanged(ctx, a.id, status); err != nil {
			a.log.Warn("publish session change failed", zap.Error(err))
		}
	}()
}
