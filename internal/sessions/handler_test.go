package sessions

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-consult/relay/internal/consult"
	"github.com/aura-consult/relay/internal/events"
	"github.com/aura-consult/relay/internal/middleware"
	"github.com/aura-consult/relay/internal/models"
	"github.com/aura-consult/relay/internal/store/memory"
)

type nopTransport struct{}

func (nopTransport) Send(string, events.Frame) bool { return true }

type fakeAttendance struct{ logs []models.AttendanceLog }

func (f fakeAttendance) ListBySession(context.Context, uuid.UUID) ([]models.AttendanceLog, error) {
	return f.logs, nil
}

type fixture struct {
	router    *gin.Engine
	mem       *memory.Store
	session   *models.ConsultationSession
	clinician uuid.UUID
	patient   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clinician, patient := uuid.New(), uuid.New()
	cs := &models.ConsultationSession{
		ID: uuid.New(), Kind: models.KindText, Status: models.StatusScheduled, ScheduledAt: time.Now(),
		ParticipantRoles: map[uuid.UUID]models.Role{clinician: models.RoleClinician, patient: models.RolePatient},
	}
	mem := memory.New()
	mem.PutSession(cs)
	reg := consult.NewRegistry(consult.DefaultConfig(), mem, nopTransport{}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})

	h := NewHandler(reg, mem, fakeAttendance{logs: []models.AttendanceLog{{SessionID: cs.ID, UserID: patient, Role: models.RolePatient}}})
	r := gin.New()
	g := r.Group("/", func(c *gin.Context) {
		c.Set(middleware.ContextUserID, uuid.MustParse(c.GetHeader("X-User")))
	})
	h.Register(g)
	return &fixture{router: r, mem: mem, session: cs, clinician: clinician, patient: patient}
}

func (f *fixture) get(path string, user uuid.UUID) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-User", user.String())
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestGetSnapshot(t *testing.T) {
	f := newFixture(t)
	path := "/sessions/" + f.session.ID.String()

	w := f.get(path, f.patient)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Data consult.Snapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, models.StatusScheduled, body.Data.Session.Status)
	require.Empty(t, body.Data.Participants)

	require.Equal(t, http.StatusForbidden, f.get(path, uuid.New()).Code)
	require.Equal(t, http.StatusNotFound, f.get("/sessions/"+uuid.NewString(), f.patient).Code)
	require.Equal(t, http.StatusBadRequest, f.get("/sessions/nope", f.patient).Code)
}

func TestMessagesHistory(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{"one", "two", "three"} {
		_, err := f.mem.AppendMessage(context.Background(), &models.Message{
			SessionID: f.session.ID, CorrelationID: uuid.New(), SenderID: f.patient,
			Kind: models.MessageText, Body: body, SentAt: time.Now(),
		})
		require.NoError(t, err)
	}

	w := f.get("/sessions/"+f.session.ID.String()+"/messages?limit=2", f.clinician)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	type page struct {
		Data struct {
			Messages  []models.Message `json:"messages"`
			Truncated bool             `json:"truncated"`
		} `json:"data"`
	}
	var body page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Data.Messages, 2)
	require.Equal(t, "one", body.Data.Messages[0].Body)
	require.Equal(t, "two", body.Data.Messages[1].Body)
	require.True(t, body.Data.Truncated)

	since := url.QueryEscape(body.Data.Messages[1].SentAt.Format(time.RFC3339Nano))
	w = f.get("/sessions/"+f.session.ID.String()+"/messages?limit=2&since="+since, f.clinician)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var next page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &next))
	require.Len(t, next.Data.Messages, 1)
	require.Equal(t, "three", next.Data.Messages[0].Body)
	require.False(t, next.Data.Truncated)

	require.Equal(t, http.StatusBadRequest, f.get("/sessions/"+f.session.ID.String()+"/messages?since=yesterday", f.clinician).Code)
}

func TestAttendanceClinicianOnly(t *testing.T) {
	f := newFixture(t)
	path := "/sessions/" + f.session.ID.String() + "/attendance"

	require.Equal(t, http.StatusOK, f.get(path, f.clinician).Code)
	require.Equal(t, http.StatusForbidden, f.get(path, f.patient).Code)
}
