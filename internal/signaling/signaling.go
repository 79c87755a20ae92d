// Package signaling validates WebRTC offers, answers and ICE candidates before they are relayed.
// The relay never terminates media; it only forwards well-formed signaling between participants.
package signaling

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pion/ice/v2"
	"github.com/pion/webrtc/v3"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/internal/events"
)

const (
	TypeOffer  = "offer"
	TypeAnswer = "answer"
	TypeICE    = "ice"
)

// Validate checks req and returns the payload to forward to its target.
func Validate(req events.SignalRequest) (events.SignalPayload, error) {
	out := events.SignalPayload{Type: req.Type}
	switch req.Type {
	case TypeOffer, TypeAnswer:
		// The sdp parser is lenient, so the mandatory lines are checked explicitly.
		if !strings.HasPrefix(req.SDP, "v=0") {
			return out, fmt.Errorf("%w: sdp must start with v=0", apperr.ErrInvalidPayload)
		}
		sd := webrtc.SessionDescription{Type: webrtc.NewSDPType(req.Type), SDP: req.SDP}
		parsed, err := sd.Unmarshal()
		if err != nil {
			return out, fmt.Errorf("%w: sdp: %v", apperr.ErrInvalidPayload, err)
		}
		if parsed.Origin.Username == "" || parsed.Origin.UnicastAddress == "" {
			return out, fmt.Errorf("%w: sdp has no origin", apperr.ErrInvalidPayload)
		}
		if len(parsed.MediaDescriptions) == 0 {
			return out, fmt.Errorf("%w: %s has no media sections", apperr.ErrInvalidPayload, req.Type)
		}
		out.SDP = req.SDP
	case TypeICE:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(req.Candidate, &c); err != nil {
			return out, fmt.Errorf("%w: candidate: %v", apperr.ErrInvalidPayload, err)
		}
		// An empty candidate marks end-of-candidates.
		if c.Candidate != "" {
			if _, err := ice.UnmarshalCandidate(strings.TrimPrefix(c.Candidate, "candidate:")); err != nil {
				return out, fmt.Errorf("%w: candidate: %v", apperr.ErrInvalidPayload, err)
			}
		}
		out.Candidate = req.Candidate
	default:
		return out, fmt.Errorf("%w: unknown signal type %q", apperr.ErrInvalidPayload, req.Type)
	}
	return out, nil
}
