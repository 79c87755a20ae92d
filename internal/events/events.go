// Package events defines the wire protocol between clients and the relay: frame envelope,
// event and command names, namespaces, and payload types.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/internal/models"
)

// Namespace selects which channel an event travels on.
type Namespace string

const (
	NamespaceSession  Namespace = "session"
	NamespaceMessages Namespace = "messages"
)

// Valid reports whether ns is a known namespace.
func (ns Namespace) Valid() bool {
	return ns == NamespaceSession || ns == NamespaceMessages
}

// Server -> client events.
const (
	ParticipantJoined = "participant-joined"
	ParticipantLeft   = "participant-left"
	SessionStarted    = "session-started"
	SessionEnded      = "session-ended"
	SessionCancelled  = "session-cancelled"
	SessionConflict   = "session-conflict"
	TypingStarted     = "typing-started"
	TypingStopped     = "typing-stopped"
	NewMessage        = "new-message"
	MessageConfirmed  = "message-confirmed"
	MessageRead       = "message-read"
	MessageFailed     = "message-failed"
	MessageDeleted    = "message-deleted"
	Signal            = "signal"

	Connected = "connected"
	Ack       = "ack"
	Error     = "error"
)

// Client -> server commands.
const (
	CmdJoin          = "join"
	CmdLeave         = "leave"
	CmdStart         = "start"
	CmdEnd           = "end"
	CmdCancel        = "cancel"
	CmdSendMessage   = "send-message"
	CmdPulseTyping   = "pulse-typing"
	CmdMarkRead      = "mark-read"
	CmdMarkAllRead   = "mark-all-read"
	CmdDeleteMessage = "delete-message"
	CmdSignal        = "signal"
)

var namespaces = map[string]Namespace{
	ParticipantJoined: NamespaceSession,
	ParticipantLeft:   NamespaceSession,
	SessionStarted:    NamespaceSession,
	SessionEnded:      NamespaceSession,
	SessionCancelled:  NamespaceSession,
	SessionConflict:   NamespaceSession,
	TypingStarted:     NamespaceMessages,
	TypingStopped:     NamespaceMessages,
	NewMessage:        NamespaceMessages,
	MessageConfirmed:  NamespaceMessages,
	MessageRead:       NamespaceMessages,
	MessageFailed:     NamespaceMessages,
	MessageDeleted:    NamespaceMessages,
	Signal:            NamespaceMessages,
}

// NamespaceOf returns the namespace an event is delivered on. Replies and unknown events have
// none and go to whichever connection they are addressed to.
func NamespaceOf(event string) (Namespace, bool) {
	ns, ok := namespaces[event]
	return ns, ok
}

// Frame is the JSON envelope exchanged over a channel in both directions.
type Frame struct {
	Event     string          `json:"event"`
	RequestID string          `json:"request_id,omitempty"`
	SessionID uuid.UUID       `json:"session_id,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a frame.
func NewFrame(event string, sessionID uuid.UUID, payload interface{}) (Frame, error) {
	f := Frame{Event: event, SessionID: sessionID}
	if payload == nil {
		return f, nil
	}
	switch v := payload.(type) {
	case json.RawMessage:
		f.Data = v
	case []byte:
		f.Data = v
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return f, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		f.Data = data
	}
	return f, nil
}

// Envelope is a frame plus its audience. Zero-valued filters mean everyone in the session.
type Envelope struct {
	Frame      Frame     `json:"frame"`
	ToUser     uuid.UUID `json:"to_user,omitempty"`
	ToConn     string    `json:"to_conn,omitempty"`
	ExceptUser uuid.UUID `json:"except_user,omitempty"`
	ExceptConn string    `json:"except_conn,omitempty"`
}

// Private reports whether the envelope targets a single user or connection.
func (e Envelope) Private() bool {
	return e.ToUser != uuid.Nil || e.ToConn != ""
}

// Accepts reports whether a connection of userID with id connID is in the audience.
func (e Envelope) Accepts(userID uuid.UUID, connID string) bool {
	if e.ToConn != "" && e.ToConn != connID {
		return false
	}
	if e.ToUser != uuid.Nil && e.ToUser != userID {
		return false
	}
	if e.ExceptConn != "" && e.ExceptConn == connID {
		return false
	}
	if e.ExceptUser != uuid.Nil && e.ExceptUser == userID {
		return false
	}
	return true
}

var validate = validator.New()

// Decode unmarshals and validates a command payload.
func Decode(data json.RawMessage, v interface{}) error {
	if len(data) > 0 {
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("%w: %v", apperr.ErrInvalidPayload, err)
		}
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidPayload, err)
	}
	return nil
}

// JoinRequest is the payload of join. Since bounds the backfill; nil backfills everything.
type JoinRequest struct {
	Since *time.Time `json:"since,omitempty"`
}

// JoinResult is the ack payload of join.
type JoinResult struct {
	Session      *models.ConsultationSession `json:"session"`
	Participants []models.Participant        `json:"participants"`
	Backfill     []models.Message            `json:"backfill"`
	// Truncated is set when Backfill stops short of the present, either because it hit the
	// backfill limit or because history could not be read. The rest is paged from
	// GET /sessions/:id/messages starting at the last backfilled message.
	Truncated    bool                        `json:"truncated,omitempty"`
	Seq          uint64                      `json:"seq"`
	ICEServers   []string                    `json:"ice_servers,omitempty"`
}

// SendMessageRequest is the payload of send-message.
type SendMessageRequest struct {
	CorrelationID uuid.UUID          `json:"correlation_id"`
	Kind          models.MessageKind `json:"kind" validate:"required,oneof=TEXT IMAGE FILE"`
	Body          string             `json:"body" validate:"max=8000,required_if=Kind TEXT"`
	AttachmentRef string             `json:"attachment_ref" validate:"required_unless=Kind TEXT,omitempty,url"`
}

// SendMessageResult is the ack payload of send-message: the sender's local echo.
type SendMessageResult struct {
	Message models.Message `json:"message"`
	Seq     uint64         `json:"seq"`
}

// MarkReadRequest is the payload of mark-read.
type MarkReadRequest struct {
	MessageID int64 `json:"message_id" validate:"required,min=1"`
}

// MarkAllReadResult is the ack payload of mark-all-read.
type MarkAllReadResult struct {
	Horizon time.Time `json:"horizon"`
	Marked  []int64   `json:"marked"`
}

// DeleteMessageRequest is the payload of delete-message.
type DeleteMessageRequest struct {
	MessageID int64 `json:"message_id" validate:"required,min=1"`
}

// SignalRequest relays WebRTC signaling metadata to one participant.
type SignalRequest struct {
	To        uuid.UUID       `json:"to" validate:"required"`
	Type      string          `json:"type" validate:"required,oneof=offer answer ice"`
	SDP       string          `json:"sdp,omitempty" validate:"required_unless=Type ice"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// ParticipantPayload is carried by participant-joined and participant-left.
type ParticipantPayload struct {
	UserID uuid.UUID   `json:"user_id"`
	Role   models.Role `json:"role"`
}

// SessionPayload is carried by the lifecycle events.
type SessionPayload struct {
	Session *models.ConsultationSession `json:"session"`
	ActorID uuid.UUID                   `json:"actor_id,omitempty"`
}

// ConflictPayload is carried by session-conflict: the authoritative state to reconcile with.
type ConflictPayload struct {
	Session   *models.ConsultationSession `json:"session"`
	Attempted string                      `json:"attempted"`
}

// TypingPayload is carried by typing-started and typing-stopped.
type TypingPayload struct {
	UserID uuid.UUID `json:"user_id"`
}

// ConfirmedPayload is carried by message-confirmed.
type ConfirmedPayload struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	ServerID      int64     `json:"server_id"`
	SenderID      uuid.UUID `json:"sender_id"`
}

// ReadPayload is carried by message-read.
type ReadPayload struct {
	MessageID int64     `json:"message_id"`
	ReaderID  uuid.UUID `json:"reader_id"`
	At        time.Time `json:"at"`
}

// FailedPayload is carried by message-failed, sent to the sender only.
type FailedPayload struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	Code          string    `json:"code"`
	Reason        string    `json:"reason,omitempty"`
}

// DeletedPayload is carried by message-deleted.
type DeletedPayload struct {
	MessageID int64     `json:"message_id"`
	At        time.Time `json:"at"`
}

// SignalPayload is the relayed form of a SignalRequest.
type SignalPayload struct {
	From      uuid.UUID       `json:"from"`
	Type      string          `json:"type"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// ConnectedPayload is the first frame sent after a successful handshake.
type ConnectedPayload struct {
	ConnectionID string      `json:"connection_id"`
	UserID       uuid.UUID   `json:"user_id"`
	Role         models.Role `json:"role"`
	Namespace    Namespace   `json:"namespace"`
}

// ErrorPayload is carried by error replies.
type ErrorPayload struct {
	Code    string                      `json:"code"`
	Message string                      `json:"message"`
	Session *models.ConsultationSession `json:"session,omitempty"`
}
