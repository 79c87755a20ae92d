package consult

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/internal/events"
	"github.com/aura-consult/relay/internal/models"
	"github.com/aura-consult/relay/pkg/metrics"
)

func (a *actor) sendMessage(c Caller, req events.SendMessageRequest, reply Reply) {
	a.withSession(reply, func() {
		cn, err := a.joined(c)
		if err != nil {
			respond(reply, nil, err)
			return
		}
		if a.session.Status.IsTerminal() {
			respond(reply, nil, fmt.Errorf("%w: session is %s", apperr.ErrSessionClosed, a.session.Status))
			return
		}
		corr := req.CorrelationID
		if corr == uuid.Nil {
			corr = uuid.New()
		}
		if m, ok := a.messages[corr]; ok {
			// Resent after a reconnect: answer with what we already have.
			if m.SenderID != c.UserID {
				respond(reply, nil, fmt.Errorf("%w: correlation id %s is taken", apperr.ErrInvalidPayload, corr))
				return
			}
			respond(reply, events.SendMessageResult{Message: *m, Seq: cn.seq}, nil)
			return
		}

		m := &models.Message{
			CorrelationID: corr,
			SessionID:     a.id,
			SenderID:      c.UserID,
			Kind:          req.Kind,
			Body:          req.Body,
			AttachmentRef: req.AttachmentRef,
			SentAt:        a.cfg.Now(),
			DeliveryState: models.DeliveryPending,
		}
		a.remember(m)
		if a.typing.Stop(c.UserID) {
			a.broadcast(events.TypingStopped, events.TypingPayload{UserID: c.UserID}, events.Envelope{ExceptUser: c.UserID}, uuid.Nil)
		}
		a.broadcast(events.NewMessage, m, events.Envelope{ExceptConn: c.ConnID}, corr)
		respond(reply, events.SendMessageResult{Message: *m, Seq: cn.seq}, nil)
		a.enqueueAppend(m)
	})
}

// remember indexes m by correlation id, evicting the oldest settled messages past the cap.
func (a *actor) remember(m *models.Message) {
	a.messages[m.CorrelationID] = m
	a.recent = append(a.recent, m.CorrelationID)
	for len(a.recent) > a.cfg.RecentMessages {
		oldest := a.messages[a.recent[0]]
		if oldest != nil && oldest.DeliveryState == models.DeliveryPending {
			break
		}
		delete(a.messages, a.recent[0])
		a.recent = a.recent[1:]
	}
}

// enqueueAppend keeps at most one durable write in flight per sender.
func (a *actor) enqueueAppend(m *models.Message) {
	q := append(a.queues[m.SenderID], m)
	a.queues[m.SenderID] = q
	if len(q) == 1 {
		a.startAppend(m)
	}
}

func (a *actor) startAppend(m *models.Message) {
	a.inflight++
	snapshot := *m
	go func() {
		start := time.Now()
		id, err := a.appendWithRetry(&snapshot)
		metrics.StoreLatency.WithLabelValues("append").Observe(time.Since(start).Seconds())
		a.complete(func() { a.appended(m, id, err) })
	}()
}

// appendWithRetry retries transport loss with exponential backoff; other errors are final.
func (a *actor) appendWithRetry(m *models.Message) (int64, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StoreTimeout*time.Duration(a.cfg.SendRetries))
	defer cancel()

	attempt := 0
	return backoff.Retry(ctx, func() (int64, error) {
		attempt++
		if attempt > 1 {
			metrics.Messages.WithLabelValues("retried").Inc()
		}
		callCtx, callCancel := context.WithTimeout(ctx, a.cfg.StoreTimeout)
		defer callCancel()
		id, err := a.reg.store.AppendMessage(callCtx, m)
		if err == nil {
			return id, nil
		}
		if apperr.Retryable(err) || errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			a.log.Debug("append retry", zap.Int("attempt", attempt), zap.Error(err))
			return 0, err
		}
		return 0, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(a.cfg.SendRetries))
}

func (a *actor) appended(m *models.Message, id int64, err error) {
	a.inflight--
	q := a.queues[m.SenderID]
	if len(q) > 0 && q[0] == m {
		q = q[1:]
	}
	if len(q) == 0 {
		delete(a.queues, m.SenderID)
	} else {
		a.queues[m.SenderID] = q
	}

	if err == nil {
		if m.Confirm(id) {
			metrics.Messages.WithLabelValues("delivered").Inc()
			a.broadcast(events.MessageConfirmed,
				events.ConfirmedPayload{CorrelationID: m.CorrelationID, ServerID: id, SenderID: m.SenderID},
				events.Envelope{}, uuid.Nil)
		}
	} else if m.Fail() {
		metrics.Messages.WithLabelValues("failed").Inc()
		a.log.Warn("message delivery failed", zap.String("correlation_id", m.CorrelationID.String()), zap.Error(err))
		a.broadcast(events.MessageFailed,
			events.FailedPayload{CorrelationID: m.CorrelationID, Code: apperr.CodeDeliveryFailed, Reason: apperr.Code(err)},
			events.Envelope{ToUser: m.SenderID}, uuid.Nil)
	}

	if len(q) > 0 {
		a.startAppend(q[0])
	}
}

func (a *actor) markRead(c Caller, messageID int64, reply Reply) {
	a.withSession(reply, func() {
		if _, err := a.joined(c); err != nil {
			respond(reply, nil, err)
			return
		}
		key := readKey{messageID: messageID, readerID: c.UserID}
		if at, ok := a.reads[key]; ok {
			respond(reply, events.ReadPayload{MessageID: messageID, ReaderID: c.UserID, At: at}, nil)
			return
		}
		if waiters, ok := a.readWait[key]; ok {
			a.readWait[key] = append(waiters, reply)
			return
		}
		a.readWait[key] = []Reply{reply}
		a.inflight++
		now := a.cfg.Now()
		go func() {
			ctx, cancel := a.storeCtx()
			defer cancel()
			at, marked, err := a.reg.store.MarkMessageRead(ctx, a.id, messageID, c.UserID, now)
			a.complete(func() { a.readMarked(key, at, marked, err) })
		}()
	})
}

func (a *actor) readMarked(key readKey, at time.Time, marked bool, err error) {
	a.inflight--
	waiters := a.readWait[key]
	delete(a.readWait, key)
	if err != nil {
		for _, w := range waiters {
			respond(w, nil, err)
		}
		return
	}
	a.reads[key] = at
	payload := events.ReadPayload{MessageID: key.messageID, ReaderID: key.readerID, At: at}
	if marked {
		a.broadcast(events.MessageRead, payload, events.Envelope{}, uuid.Nil)
	}
	for _, w := range waiters {
		respond(w, payload, nil)
	}
}

// markAllRead marks everything durably stored up to now. Messages still pending are left
// unread because they have no server id yet.
func (a *actor) markAllRead(c Caller, reply Reply) {
	a.withSession(reply, func() {
		if _, err := a.joined(c); err != nil {
			respond(reply, nil, err)
			return
		}
		horizon := a.cfg.Now()
		a.inflight++
		go func() {
			ctx, cancel := a.storeCtx()
			defer cancel()
			ids, err := a.reg.store.MarkAllRead(ctx, a.id, c.UserID, horizon, horizon)
			a.complete(func() { a.allRead(c.UserID, horizon, ids, err, reply) })
		}()
	})
}

func (a *actor) allRead(readerID uuid.UUID, horizon time.Time, ids []int64, err error, reply Reply) {
	a.inflight--
	if err != nil {
		respond(reply, nil, err)
		return
	}
	marked := make([]int64, 0, len(ids))
	for _, id := range ids {
		key := readKey{messageID: id, readerID: readerID}
		if _, ok := a.reads[key]; ok {
			continue
		}
		a.reads[key] = horizon
		marked = append(marked, id)
		a.broadcast(events.MessageRead, events.ReadPayload{MessageID: id, ReaderID: readerID, At: horizon}, events.Envelope{}, uuid.Nil)
	}
	respond(reply, events.MarkAllReadResult{Horizon: horizon, Marked: marked}, nil)
}

func (a *actor) deleteMessage(c Caller, messageID int64, reply Reply) {
	a.withSession(reply, func() {
		if _, err := a.joined(c); err != nil {
			respond(reply, nil, err)
			return
		}
		now := a.cfg.Now()
		a.inflight++
		go func() {
			ctx, cancel := a.storeCtx()
			defer cancel()
			deleted, err := a.reg.store.DeleteMessage(ctx, a.id, messageID, c.UserID, now)
			a.complete(func() { a.deleted(messageID, now, deleted, err, reply) })
		}()
	})
}

func (a *actor) deleted(messageID int64, at time.Time, deleted bool, err error, reply Reply) {
	a.inflight--
	if err != nil {
		respond(reply, nil, err)
		return
	}
	payload := events.DeletedPayload{MessageID: messageID, At: at}
	if deleted {
		for _, m := range a.messages {
			if m.ServerID == messageID {
				m.DeletedAt = &at
				m.Body, m.AttachmentRef = "", ""
				break
			}
		}
		a.broadcast(events.MessageDeleted, payload, events.Envelope{}, uuid.Nil)
	}
	respond(reply, payload, nil)
}

func (a *actor) pulseTyping(c Caller, reply Reply) {
	a.withSession(reply, func() {
		if _, err := a.joined(c); err != nil {
			respond(reply, nil, err)
			return
		}
		if a.session.Status.IsTerminal() {
			respond(reply, nil, apperr.ErrSessionClosed)
			return
		}
		if a.typing.Pulse(c.UserID, a.cfg.Now()) {
			a.broadcast(events.TypingStarted, events.TypingPayload{UserID: c.UserID}, events.Envelope{ExceptUser: c.UserID}, uuid.Nil)
		}
		respond(reply, nil, nil)
	})
}

func (a *actor) sweepTyping() {
	for _, userID := range a.typing.Sweep(a.cfg.Now()) {
		a.broadcast(events.TypingStopped, events.TypingPayload{UserID: userID}, events.Envelope{ExceptUser: userID}, uuid.Nil)
	}
}
