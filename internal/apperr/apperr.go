// Package apperr defines the relay's error taxonomy and its stable wire codes.
package apperr

import (
	"context"
	"errors"
)

var (
	// ErrUnauthorized is returned for bad or expired credentials. Fatal to the connection.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidTransition is returned when a lifecycle guard fails.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrConflict is returned when a compare-and-set against the durable store was lost.
	ErrConflict = errors.New("conflict")
	// ErrTransportLoss marks a recoverable transport failure.
	ErrTransportLoss = errors.New("transport lost")
	// ErrConnectionLost is surfaced once transport retries are exhausted.
	ErrConnectionLost = errors.New("connection lost")
	// ErrDeliveryFailed is returned when the durable write of a message failed.
	ErrDeliveryFailed = errors.New("delivery failed")
	// ErrNotParticipant is returned when a user acts on a session they do not belong to.
	ErrNotParticipant = errors.New("not a participant")
	// ErrNotJoined is returned for session commands sent before join.
	ErrNotJoined = errors.New("not joined")
	// ErrSessionClosed is returned for messaging on a COMPLETED or CANCELLED session.
	ErrSessionClosed = errors.New("session closed")
	// ErrNotFound is returned when a session or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTimeout is returned when the durable store did not answer in time.
	ErrTimeout = errors.New("timeout")
	// ErrInvalidPayload is returned for malformed command payloads.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrUnavailable is returned when the session actor is shutting down.
	ErrUnavailable = errors.New("unavailable")
)

// Wire codes carried in error frames and REST responses.
const (
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeConflict          = "CONFLICT"
	CodeConnectionLost    = "CONNECTION_LOST"
	CodeDeliveryFailed    = "DELIVERY_FAILED"
	CodeNotParticipant    = "NOT_PARTICIPANT"
	CodeNotJoined         = "NOT_JOINED"
	CodeSessionClosed     = "SESSION_CLOSED"
	CodeNotFound          = "NOT_FOUND"
	CodeTimeout           = "TIMEOUT"
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeUnavailable       = "UNAVAILABLE"
	CodeInternal          = "INTERNAL"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrUnauthorized, CodeUnauthorized},
	{ErrInvalidTransition, CodeInvalidTransition},
	{ErrConflict, CodeConflict},
	{ErrConnectionLost, CodeConnectionLost},
	{ErrDeliveryFailed, CodeDeliveryFailed},
	{ErrNotParticipant, CodeNotParticipant},
	{ErrNotJoined, CodeNotJoined},
	{ErrSessionClosed, CodeSessionClosed},
	{ErrNotFound, CodeNotFound},
	{ErrTimeout, CodeTimeout},
	{ErrInvalidPayload, CodeInvalidPayload},
	{ErrUnavailable, CodeUnavailable},
}

// Code maps err to its wire code. Unknown errors map to INTERNAL.
func Code(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}

// FromCode is the inverse of Code, used by clients to rebuild sentinel errors from frames.
func FromCode(code string) error {
	for _, c := range codes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

// Retryable reports whether err is a transport-level failure that may be retried automatically.
// Business-rule failures are never retryable.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransportLoss)
}
