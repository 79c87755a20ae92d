package consult

import (
	"context"

	"github.com/google/uuid"

	"github.com/aura-consult/relay/internal/events"
	"github.com/aura-consult/relay/internal/lifecycle"
)

// Session is a handle addressing one session's actor. Every method returns at once; the
// outcome arrives through reply, possibly after the store answered.
type Session struct {
	reg *Registry
	id  uuid.UUID
}

// ID is the session id.
func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) do(ctx context.Context, reply Reply, fn func(a *actor)) {
	if err := s.reg.submit(ctx, s.id, fn); err != nil {
		respond(reply, nil, err)
	}
}

// Join registers the caller's connection and replies with an events.JoinResult.
func (s *Session) Join(ctx context.Context, c Caller, req events.JoinRequest, reply Reply) {
	s.do(ctx, reply, func(a *actor) { a.join(c, req, reply) })
}

// Leave removes the caller's connection.
func (s *Session) Leave(ctx context.Context, c Caller, reply Reply) {
	s.do(ctx, reply, func(a *actor) { a.leave(c, reply) })
}

// Disconnect drops connID after transport loss.
func (s *Session) Disconnect(ctx context.Context, connID string) {
	s.do(ctx, nil, func(a *actor) { a.drop(connID) })
}

// Transition requests a lifecycle action and replies with the confirmed session.
func (s *Session) Transition(ctx context.Context, c Caller, action lifecycle.Action, reply Reply) {
	s.do(ctx, reply, func(a *actor) { a.transition(c, action, reply) })
}

// SendMessage relays a message and replies with its pending echo.
func (s *Session) SendMessage(ctx context.Context, c Caller, req events.SendMessageRequest, reply Reply) {
	s.do(ctx, reply, func(a *actor) { a.sendMessage(c, req, reply) })
}

// PulseTyping refreshes the caller's typing indicator.
func (s *Session) PulseTyping(ctx context.Context, c Caller, reply Reply) {
	s.do(ctx, reply, func(a *actor) { a.pulseTyping(c, reply) })
}

// MarkRead records a read receipt for one message.
func (s *Session) MarkRead(ctx context.Context, c Caller, messageID int64, reply Reply) {
	s.do(ctx, reply, func(a *actor) { a.markRead(c, messageID, reply) })
}

// MarkAllRead marks every stored message up to now as read by the caller.
func (s *Session) MarkAllRead(ctx context.Context, c Caller, reply Reply) {
	s.do(ctx, reply, func(a *actor) { a.markAllRead(c, reply) })
}

// DeleteMessage soft-deletes one of the caller's messages.
func (s *Session) DeleteMessage(ctx context.Context, c Caller, messageID int64, reply Reply) {
	s.do(ctx, reply, func(a *actor) { a.deleteMessage(c, messageID, reply) })
}

// Signal forwards WebRTC signaling to another participant.
func (s *Session) Signal(ctx context.Context, c Caller, req events.SignalRequest, reply Reply) {
	s.do(ctx, reply, func(a *actor) { a.signal(c, req, reply) })
}

// Snapshot replies with a Snapshot of the session and its participants.
func (s *Session) Snapshot(ctx context.Context, reply Reply) {
	s.do(ctx, reply, func(a *actor) { a.snapshot(reply) })
}
