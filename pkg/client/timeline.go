package client

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-consult/relay/internal/events"
	"github.com/aura-consult/relay/internal/models"
)

// Timeline is a client-side view of one session's messages. Outgoing messages show up at once
// as PENDING and settle to DELIVERED or FAILED as the relay reports back; duplicates from
// backfill and live delivery collapse into one entry.
type Timeline struct {
	sessionID uuid.UUID
	self      uuid.UUID

	mu       sync.Mutex
	messages []*models.Message
	// byKey holds every message under its correlation key and, once assigned, its server key.
	byKey map[string]*models.Message
}

// NewTimeline creates an empty timeline for sessionID as seen by user self.
func NewTimeline(sessionID, self uuid.UUID) *Timeline {
	return &Timeline{
		sessionID: sessionID,
		self:      self,
		byKey:     make(map[string]*models.Message),
	}
}

// Bind feeds every frame of ch into the timeline.
func (t *Timeline) Bind(ch *Channel) (unbind func()) {
	return ch.Subscribe(AllEvents, t.Apply)
}

// Send echoes the message locally and sends it in the background. The returned copy is the
// PENDING echo; its state is updated in place as the relay answers.
func (t *Timeline) Send(ctx context.Context, ch *Channel, req events.SendMessageRequest) models.Message {
	if req.CorrelationID == uuid.Nil {
		req.CorrelationID = uuid.New()
	}
	echo := models.Message{
		CorrelationID: req.CorrelationID,
		SessionID:     t.sessionID,
		SenderID:      t.self,
		Kind:          req.Kind,
		Body:          req.Body,
		AttachmentRef: req.AttachmentRef,
		SentAt:        time.Now().UTC(),
		DeliveryState: models.DeliveryPending,
	}
	t.Merge(echo)

	go func() {
		data, err := ch.Request(ctx, events.CmdSendMessage, t.sessionID, req)
		t.mu.Lock()
		defer t.mu.Unlock()
		m := t.byKey[models.CorrelationKey(req.CorrelationID)]
		if m == nil {
			return
		}
		if err != nil {
			m.Fail()
			return
		}
		var res events.SendMessageResult
		if json.Unmarshal(data, &res) != nil {
			return
		}
		if !res.Message.SentAt.IsZero() {
			m.SentAt = res.Message.SentAt
		}
		if res.Message.ServerID != 0 {
			t.confirmLocked(m, res.Message.ServerID)
		}
	}()
	return echo
}

// Apply folds a frame into the timeline. Frames for other sessions are ignored.
func (t *Timeline) Apply(f events.Frame) {
	if f.SessionID != t.sessionID {
		return
	}
	switch f.Event {
	case events.NewMessage:
		var m models.Message
		if json.Unmarshal(f.Data, &m) == nil {
			t.Merge(m)
		}
	case EventRejoined:
		var res events.JoinResult
		if json.Unmarshal(f.Data, &res) == nil {
			t.Merge(res.Backfill...)
		}
	case events.MessageConfirmed:
		var p events.ConfirmedPayload
		if json.Unmarshal(f.Data, &p) != nil {
			return
		}
		t.mu.Lock()
		if m := t.byKey[models.CorrelationKey(p.CorrelationID)]; m != nil {
			t.confirmLocked(m, p.ServerID)
		}
		t.mu.Unlock()
	case events.MessageFailed:
		var p events.FailedPayload
		if json.Unmarshal(f.Data, &p) != nil {
			return
		}
		t.mu.Lock()
		if m := t.byKey[models.CorrelationKey(p.CorrelationID)]; m != nil {
			m.Fail()
		}
		t.mu.Unlock()
	case events.MessageRead:
		var p events.ReadPayload
		if json.Unmarshal(f.Data, &p) != nil {
			return
		}
		t.mu.Lock()
		if m := t.byKey[models.ServerKey(p.MessageID)]; m != nil {
			if m.ReadBy == nil {
				m.ReadBy = make(map[uuid.UUID]time.Time)
			}
			m.ReadBy[p.ReaderID] = p.At
		}
		t.mu.Unlock()
	case events.MessageDeleted:
		var p events.DeletedPayload
		if json.Unmarshal(f.Data, &p) != nil {
			return
		}
		t.mu.Lock()
		if m := t.byKey[models.ServerKey(p.MessageID)]; m != nil {
			at := p.At
			m.DeletedAt = &at
		}
		t.mu.Unlock()
	}
}

// Merge adds messages, collapsing any that are already known by server or correlation id.
func (t *Timeline) Merge(msgs ...models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range msgs {
		in := msgs[i]
		existing := t.byKey[in.DedupKey()]
		if existing == nil && in.CorrelationID != uuid.Nil {
			existing = t.byKey[models.CorrelationKey(in.CorrelationID)]
		}
		if existing == nil {
			m := in
			t.messages = append(t.messages, &m)
			t.index(&m)
			continue
		}
		if in.ServerID != 0 {
			if existing.DeliveryState == models.DeliveryPending {
				t.confirmLocked(existing, in.ServerID)
			}
			if in.DeletedAt != nil {
				existing.DeletedAt = in.DeletedAt
			}
			for reader, at := range in.ReadBy {
				if existing.ReadBy == nil {
					existing.ReadBy = make(map[uuid.UUID]time.Time)
				}
				existing.ReadBy[reader] = at
			}
		}
	}
}

func (t *Timeline) index(m *models.Message) {
	if m.CorrelationID != uuid.Nil {
		t.byKey[models.CorrelationKey(m.CorrelationID)] = m
	}
	if m.ServerID != 0 {
		t.byKey[models.ServerKey(m.ServerID)] = m
	}
}

func (t *Timeline) confirmLocked(m *models.Message, serverID int64) {
	if m.Confirm(serverID) {
		t.byKey[models.ServerKey(serverID)] = m
	}
}

// Messages returns a copy of the timeline ordered by send time.
func (t *Timeline) Messages() []models.Message {
	t.mu.Lock()
	out := make([]models.Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = *m
		if m.ReadBy != nil {
			out[i].ReadBy = make(map[uuid.UUID]time.Time, len(m.ReadBy))
			for k, v := range m.ReadBy {
				out[i].ReadBy[k] = v
			}
		}
	}
	t.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].SentAt.Before(out[j].SentAt)
		}
		return out[i].ServerID < out[j].ServerID
	})
	return out
}

// Horizon is the send time of the newest DELIVERED message from any sender, the natural
// backfill bound for a rejoin. PENDING and FAILED messages never count. It is nil while
// nothing has been delivered.
func (t *Timeline) Horizon() *time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	var h *time.Time
	for _, m := range t.messages {
		if m.DeliveryState != models.DeliveryDelivered {
			continue
		}
		if h == nil || m.SentAt.After(*h) {
			at := m.SentAt
			h = &at
		}
	}
	return h
}
