package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/internal/auth"
	"github.com/aura-consult/relay/internal/consult"
	"github.com/aura-consult/relay/internal/events"
	"github.com/aura-consult/relay/internal/models"
	"github.com/aura-consult/relay/internal/store/memory"
)

type harness struct {
	srv       *httptest.Server
	jwt       *auth.JWTService
	session   *models.ConsultationSession
	clinician uuid.UUID
	patient   uuid.UUID
	hub       *Hub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	clinician, patient := uuid.New(), uuid.New()
	cs := &models.ConsultationSession{
		ID:          uuid.New(),
		Kind:        models.KindText,
		Status:      models.StatusScheduled,
		ScheduledAt: time.Now(),
		ParticipantRoles: map[uuid.UUID]models.Role{
			clinician: models.RoleClinician,
			patient:   models.RolePatient,
		},
	}
	mem := memory.New()
	mem.PutSession(cs)

	hub := NewHub(logger)
	cfg := consult.DefaultConfig()
	cfg.TransitionTimeout = time.Second
	cfg.StoreTimeout = time.Second
	reg := consult.NewRegistry(cfg, mem, hub, logger)
	jwtSvc := auth.NewJWTService("test-secret", "", time.Hour)

	r := gin.New()
	r.GET("/ws/:namespace", ServeWs(hub, reg, jwtSvc.Validate, "*", logger))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return &harness{srv: srv, jwt: jwtSvc, session: cs, clinician: clinician, patient: patient, hub: hub}
}

func (h *harness) url(ns string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws/" + ns
}

func (h *harness) dial(t *testing.T, user uuid.UUID, role models.Role, ns events.Namespace) *websocket.Conn {
	t.Helper()
	token, err := h.jwt.Generate(user, role)
	require.NoError(t, err)
	conn, resp, err := websocket.DefaultDialer.Dial(h.url(string(ns))+"?token="+token, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })

	connected := next(t, conn, events.Connected)
	var p events.ConnectedPayload
	require.NoError(t, json.Unmarshal(connected.Data, &p))
	require.Equal(t, user, p.UserID)
	require.Equal(t, ns, p.Namespace)
	return conn
}

// next reads until a frame named event arrives.
func next(t *testing.T, conn *websocket.Conn, event string) events.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f events.Frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Event == event {
			return f
		}
	}
}

func sendCommand(t *testing.T, conn *websocket.Conn, event string, sessionID uuid.UUID, payload interface{}) string {
	t.Helper()
	f, err := events.NewFrame(event, sessionID, payload)
	require.NoError(t, err)
	f.RequestID = uuid.NewString()
	require.NoError(t, conn.WriteJSON(f))
	return f.RequestID
}

func TestHandshakeRejections(t *testing.T) {
	h := newHarness(t)

	_, resp, err := websocket.DefaultDialer.Dial(h.url("session")+"?token=garbage", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := h.jwt.Generate(h.patient, models.RolePatient)
	require.NoError(t, err)
	_, resp, err = websocket.DefaultDialer.Dial(h.url("billing")+"?token="+token, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(h.url("messages"), header)
	require.NoError(t, err)
	_ = conn.Close()
}

func TestLifecycleAndMessagingOverWebSocket(t *testing.T) {
	h := newHarness(t)
	sid := h.session.ID

	docSession := h.dial(t, h.clinician, models.RoleClinician, events.NamespaceSession)
	patSession := h.dial(t, h.patient, models.RolePatient, events.NamespaceSession)
	docMessages := h.dial(t, h.clinician, models.RoleClinician, events.NamespaceMessages)
	patMessages := h.dial(t, h.patient, models.RolePatient, events.NamespaceMessages)

	for _, c := range []*websocket.Conn{docSession, patSession, docMessages, patMessages} {
		rid := sendCommand(t, c, events.CmdJoin, sid, events.JoinRequest{})
		ack := next(t, c, events.Ack)
		require.Equal(t, rid, ack.RequestID)
	}

	// lifecycle commands belong to the session namespace
	rid := sendCommand(t, docMessages, events.CmdStart, sid, nil)
	errFrame := next(t, docMessages, events.Error)
	require.Equal(t, rid, errFrame.RequestID)
	var ep events.ErrorPayload
	require.NoError(t, json.Unmarshal(errFrame.Data, &ep))
	require.Equal(t, apperr.CodeInvalidPayload, ep.Code)

	sendCommand(t, docSession, events.CmdStart, sid, nil)
	started := next(t, patSession, events.SessionStarted)
	var sp events.SessionPayload
	require.NoError(t, json.Unmarshal(started.Data, &sp))
	require.Equal(t, models.StatusInProgress, sp.Session.Status)
	require.Equal(t, h.clinician, sp.ActorID)

	corr := uuid.New()
	sendCommand(t, patMessages, events.CmdSendMessage, sid, events.SendMessageRequest{
		CorrelationID: corr, Kind: models.MessageText, Body: "hello doctor",
	})
	echo := next(t, patMessages, events.Ack)
	var res events.SendMessageResult
	require.NoError(t, json.Unmarshal(echo.Data, &res))
	require.Equal(t, corr, res.Message.CorrelationID)

	relayed := next(t, docMessages, events.NewMessage)
	var msg models.Message
	require.NoError(t, json.Unmarshal(relayed.Data, &msg))
	require.Equal(t, "hello doctor", msg.Body)
	require.NotZero(t, relayed.Seq)

	confirmed := next(t, patMessages, events.MessageConfirmed)
	var cp events.ConfirmedPayload
	require.NoError(t, json.Unmarshal(confirmed.Data, &cp))
	require.Equal(t, corr, cp.CorrelationID)
	require.NotZero(t, cp.ServerID)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, h.patient, models.RolePatient, events.NamespaceMessages)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	next(t, conn, events.Error)

	sendCommand(t, conn, events.CmdJoin, h.session.ID, events.JoinRequest{})
	next(t, conn, events.Ack)
}

func TestDisconnectUnregisters(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, h.patient, models.RolePatient, events.NamespaceSession)
	require.Equal(t, 1, h.hub.Count())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.hub.Count() == 0 }, 3*time.Second, 10*time.Millisecond)
}
