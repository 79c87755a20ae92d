package models

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// MessageKind is the payload type of a chat message.
type MessageKind string

const (
	MessageText  MessageKind = "TEXT"
	MessageImage MessageKind = "IMAGE"
	MessageFile  MessageKind = "FILE"
)

// Valid reports whether k is a known message kind.
func (k MessageKind) Valid() bool {
	return k == MessageText || k == MessageImage || k == MessageFile
}

// DeliveryState tracks a message from optimistic echo to durable confirmation.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "PENDING"
	DeliveryDelivered DeliveryState = "DELIVERED"
	DeliveryFailed    DeliveryState = "FAILED"
)

// Message is a chat message. ServerID is zero until the durable store confirms the write;
// CorrelationID is generated by the sending client and identifies the message before that.
type Message struct {
	ServerID      int64                   `json:"server_id,omitempty"`
	CorrelationID uuid.UUID               `json:"correlation_id"`
	SessionID     uuid.UUID               `json:"session_id"`
	SenderID      uuid.UUID               `json:"sender_id"`
	Kind          MessageKind             `json:"kind"`
	Body          string                  `json:"body,omitempty"`
	AttachmentRef string                  `json:"attachment_ref,omitempty"`
	SentAt        time.Time               `json:"sent_at"`
	DeliveryState DeliveryState           `json:"delivery_state"`
	ReadBy        map[uuid.UUID]time.Time `json:"read_by,omitempty"`
	DeletedAt     *time.Time              `json:"deleted_at,omitempty"`
}

// DedupKey is the identity used to drop duplicate deliveries: the server id once assigned,
// the correlation id before that.
func (m *Message) DedupKey() string {
	if m.ServerID != 0 {
		return ServerKey(m.ServerID)
	}
	return CorrelationKey(m.CorrelationID)
}

// ServerKey is the DedupKey of a message with server id id.
func ServerKey(id int64) string { return "s:" + strconv.FormatInt(id, 10) }

// CorrelationKey is the DedupKey of a message not yet assigned a server id.
func CorrelationKey(id uuid.UUID) string { return "c:" + id.String() }

// Confirm moves a pending message to DELIVERED. It returns false if the message is not pending.
func (m *Message) Confirm(serverID int64) bool {
	if m.DeliveryState != DeliveryPending {
		return false
	}
	m.ServerID = serverID
	m.DeliveryState = DeliveryDelivered
	return true
}

// Fail moves a pending message to FAILED. It returns false if the message is not pending.
func (m *Message) Fail() bool {
	if m.DeliveryState != DeliveryPending {
		return false
	}
	m.DeliveryState = DeliveryFailed
	return true
}

// ReadReceipt records that a reader has seen a message.
type ReadReceipt struct {
	MessageID int64     `json:"message_id"`
	ReaderID  uuid.UUID `json:"reader_id"`
	At        time.Time `json:"at"`
}
