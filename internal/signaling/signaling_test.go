package signaling

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/internal/events"
)

const offerSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

func TestValidate(t *testing.T) {
	to := uuid.New()

	t.Run("offer", func(t *testing.T) {
		out, err := Validate(events.SignalRequest{To: to, Type: TypeOffer, SDP: offerSDP})
		require.NoError(t, err)
		require.Equal(t, offerSDP, out.SDP)
	})

	t.Run("answer", func(t *testing.T) {
		_, err := Validate(events.SignalRequest{To: to, Type: TypeAnswer, SDP: offerSDP})
		require.NoError(t, err)
	})

	rejected := map[string]events.SignalRequest{
		"garbage sdp":     {To: to, Type: TypeAnswer, SDP: "hello"},
		"empty answer":    {To: to, Type: TypeAnswer, SDP: ""},
		"empty offer":     {To: to, Type: TypeOffer, SDP: ""},
		"no origin":       {To: to, Type: TypeOffer, SDP: "v=0\r\ns=-\r\nt=0 0\r\nm=audio 9 UDP/TLS/RTP/SAVPF 111\r\n"},
		"answer no media": {To: to, Type: TypeAnswer, SDP: "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"},
		"unknown type":    {To: to, Type: "pranswer", SDP: offerSDP},
	}
	for name, req := range rejected {
		t.Run(name, func(t *testing.T) {
			_, err := Validate(req)
			require.ErrorIs(t, err, apperr.ErrInvalidPayload)
		})
	}

	t.Run("ice candidate", func(t *testing.T) {
		cand, _ := json.Marshal(map[string]interface{}{
			"candidate":     "candidate:1 1 udp 2130706431 192.168.1.10 50000 typ host",
			"sdpMid":        "0",
			"sdpMLineIndex": 0,
		})
		out, err := Validate(events.SignalRequest{To: to, Type: TypeICE, Candidate: cand})
		require.NoError(t, err)
		require.JSONEq(t, string(cand), string(out.Candidate))
	})

	t.Run("end of candidates", func(t *testing.T) {
		_, err := Validate(events.SignalRequest{To: to, Type: TypeICE, Candidate: json.RawMessage(`{"candidate":""}`)})
		require.NoError(t, err)
	})

	t.Run("malformed candidate", func(t *testing.T) {
		_, err := Validate(events.SignalRequest{To: to, Type: TypeICE, Candidate: json.RawMessage(`{"candidate":"candidate:nope"}`)})
		require.ErrorIs(t, err, apperr.ErrInvalidPayload)
	})
}
