// Package memory is an in-process Store used by tests and single-node development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/internal/models"
	"github.com/aura-consult/relay/internal/store"
)

// Hooks let tests inject latency or failures in front of individual operations.
// A hook returning a non-nil error aborts the operation with that error.
type Hooks struct {
	BeforeCAS    func(ctx context.Context) error
	BeforeAppend func(ctx context.Context, msg *models.Message) error
	BeforeRead   func(ctx context.Context) error
}

type record struct {
	msg   models.Message
	reads map[uuid.UUID]time.Time
}

// Store keeps sessions and messages in maps guarded by one mutex.
type Store struct {
	mu       sync.Mutex
	hooks    Hooks
	sessions map[uuid.UUID]*models.ConsultationSession
	messages map[uuid.UUID][]*record
	byCorr   map[uuid.UUID]*record
	byID     map[int64]*record
	rated    map[uuid.UUID]time.Time
	nextID   int64
}

var _ store.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		sessions: make(map[uuid.UUID]*models.ConsultationSession),
		messages: make(map[uuid.UUID][]*record),
		byCorr:   make(map[uuid.UUID]*record),
		byID:     make(map[int64]*record),
		rated:    make(map[uuid.UUID]time.Time),
	}
}

// SetHooks replaces the failure-injection hooks.
func (s *Store) SetHooks(h Hooks) {
	s.mu.Lock()
	s.hooks = h
	s.mu.Unlock()
}

// PutSession inserts or replaces a session.
func (s *Store) PutSession(cs *models.ConsultationSession) {
	s.mu.Lock()
	s.sessions[cs.ID] = cs.Clone()
	s.mu.Unlock()
}

// Messages returns a copy of every stored message of a session in server id order.
func (s *Store) Messages(sessionID uuid.UUID) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, 0, len(s.messages[sessionID]))
	for _, r := range s.messages[sessionID] {
		out = append(out, r.view())
	}
	return out
}

// RatingUnlocked reports whether UnlockRating ran for the session.
func (s *Store) RatingUnlocked(sessionID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rated[sessionID]
	return ok
}

func (s *Store) hook(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return ctx.Err()
	}
	if err := fn(ctx); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Store) currentHooks() Hooks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hooks
}

func (s *Store) ReadSession(ctx context.Context, id uuid.UUID) (*models.ConsultationSession, error) {
	if err := s.hook(ctx, s.currentHooks().BeforeRead); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	return cs.Clone(), nil
}

func (s *Store) CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next models.SessionStatus, ts store.Timestamps) (*models.ConsultationSession, error) {
	if err := s.hook(ctx, s.currentHooks().BeforeCAS); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, apperr.ErrNotFound)
	}
	if cs.Status != expected {
		return cs.Clone(), fmt.Errorf("session %s is %s, expected %s: %w", id, cs.Status, expected, apperr.ErrConflict)
	}
	cs.Status = next
	if ts.StartedAt != nil {
		t := *ts.StartedAt
		cs.StartedAt = &t
	}
	if ts.ClearStartedAt {
		cs.StartedAt = nil
	}
	if ts.EndedAt != nil {
		t := *ts.EndedAt
		cs.EndedAt = &t
	}
	return cs.Clone(), nil
}

func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) (int64, error) {
	if h := s.currentHooks().BeforeAppend; h != nil {
		if err := h(ctx, msg); err != nil {
			return 0, err
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[msg.SessionID]; !ok {
		return 0, fmt.Errorf("session %s: %w", msg.SessionID, apperr.ErrNotFound)
	}
	if r, ok := s.byCorr[msg.CorrelationID]; ok {
		return r.msg.ServerID, nil
	}
	s.nextID++
	r := &record{msg: *msg, reads: make(map[uuid.UUID]time.Time)}
	r.msg.ServerID = s.nextID
	r.msg.DeliveryState = models.DeliveryDelivered
	r.msg.ReadBy = nil
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], r)
	s.byCorr[msg.CorrelationID] = r
	s.byID[r.msg.ServerID] = r
	return r.msg.ServerID, nil
}

func (s *Store) BackfillMessages(ctx context.Context, sessionID uuid.UUID, since time.Time, limit int) ([]models.Message, error) {
	if err := s.hook(ctx, s.currentHooks().BeforeRead); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Message
	for _, r := range s.messages[sessionID] {
		if r.msg.SentAt.After(since) {
			out = append(out, r.view())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].SentAt.Before(out[j].SentAt)
		}
		return out[i].ServerID < out[j].ServerID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkMessageRead(ctx context.Context, sessionID uuid.UUID, messageID int64, readerID uuid.UUID, at time.Time) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[messageID]
	if !ok || r.msg.SessionID != sessionID {
		return time.Time{}, false, fmt.Errorf("message %d: %w", messageID, apperr.ErrNotFound)
	}
	if r.msg.SenderID == readerID {
		return time.Time{}, false, nil
	}
	if prev, ok := r.reads[readerID]; ok {
		return prev, false, nil
	}
	r.reads[readerID] = at
	return at, true, nil
}

func (s *Store) MarkAllRead(ctx context.Context, sessionID, readerID uuid.UUID, horizon, at time.Time) ([]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, r := range s.messages[sessionID] {
		if r.msg.SenderID == readerID || r.msg.SentAt.After(horizon) {
			continue
		}
		if _, ok := r.reads[readerID]; ok {
			continue
		}
		r.reads[readerID] = at
		ids = append(ids, r.msg.ServerID)
	}
	return ids, nil
}

func (s *Store) DeleteMessage(ctx context.Context, sessionID uuid.UUID, messageID int64, senderID uuid.UUID, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[messageID]
	if !ok || r.msg.SessionID != sessionID || r.msg.SenderID != senderID {
		return false, fmt.Errorf("message %d: %w", messageID, apperr.ErrNotFound)
	}
	if r.msg.DeletedAt != nil {
		return false, nil
	}
	t := at
	r.msg.DeletedAt = &t
	r.msg.Body = ""
	r.msg.AttachmentRef = ""
	return true, nil
}

func (s *Store) UnlockRating(ctx context.Context, sessionID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, apperr.ErrNotFound)
	}
	if cs.Status != models.StatusCompleted {
		return fmt.Errorf("session %s is %s: %w", sessionID, cs.Status, apperr.ErrInvalidTransition)
	}
	if _, ok := s.rated[sessionID]; !ok {
		s.rated[sessionID] = time.Now()
	}
	return nil
}

func (r *record) view() models.Message {
	m := r.msg
	if len(r.reads) > 0 {
		m.ReadBy = make(map[uuid.UUID]time.Time, len(r.reads))
		for id, at := range r.reads {
			m.ReadBy[id] = at
		}
	}
	return m
}
