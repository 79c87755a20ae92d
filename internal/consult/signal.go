package consult

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/internal/events"
	"github.com/aura-consult/relay/internal/models"
	"github.com/aura-consult/relay/internal/signaling"
)

// signal forwards WebRTC signaling privately to one participant of an in-progress video session.
func (a *actor) signal(c Caller, req events.SignalRequest, reply Reply) {
	a.withSession(reply, func() {
		if _, err := a.joined(c); err != nil {
			respond(reply, nil, err)
			return
		}
		if a.session.Kind != models.KindAudioVideo {
			respond(reply, nil, fmt.Errorf("%w: session %s has no media", apperr.ErrInvalidPayload, a.id))
			return
		}
		if a.session.Status != models.StatusInProgress {
			respond(reply, nil, fmt.Errorf("%w: signaling needs %s, session is %s",
				apperr.ErrInvalidTransition, models.StatusInProgress, a.session.Status))
			return
		}
		if req.To == c.UserID {
			respond(reply, nil, fmt.Errorf("%w: cannot signal yourself", apperr.ErrInvalidPayload))
			return
		}
		if !a.roster.Present(req.To) {
			respond(reply, nil, fmt.Errorf("%w: participant %s is not connected", apperr.ErrNotFound, req.To))
			return
		}
		payload, err := signaling.Validate(req)
		if err != nil {
			respond(reply, nil, err)
			return
		}
		payload.From = c.UserID
		a.broadcast(events.Signal, payload, events.Envelope{ToUser: req.To}, uuid.Nil)
		respond(reply, nil, nil)
	})
}
