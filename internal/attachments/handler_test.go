package attachments

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-consult/relay/internal/middleware"
	"github.com/aura-consult/relay/internal/models"
	"github.com/aura-consult/relay/internal/store/memory"
	"github.com/aura-consult/relay/pkg/response"
)

type fakeUploader struct {
	keys  []string
	types []string
}

func (f *fakeUploader) Upload(_ context.Context, key, contentType string, body io.Reader, _ int64) (string, error) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return "", err
	}
	f.keys = append(f.keys, key)
	f.types = append(f.types, contentType)
	return "https://files.example.com/" + key, nil
}

func (f *fakeUploader) PresignDownload(_ context.Context, key string) (string, error) {
	return "https://files.example.com/" + key + "?sig=1", nil
}

// A minimal PNG header is enough for detection.
var pngBytes = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func setup(t *testing.T) (*gin.Engine, *fakeUploader, uuid.UUID, uuid.UUID) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	patient := uuid.New()
	cs := &models.ConsultationSession{
		ID: uuid.New(), Kind: models.KindText, Status: models.StatusScheduled, ScheduledAt: time.Now(),
		ParticipantRoles: map[uuid.UUID]models.Role{patient: models.RolePatient},
	}
	mem := memory.New()
	mem.PutSession(cs)
	up := &fakeUploader{}
	h := NewHandler(up, mem, zap.NewNop())

	r := gin.New()
	r.POST("/sessions/:id/attachments", func(c *gin.Context) {
		c.Set(middleware.ContextUserID, uuid.MustParse(c.GetHeader("X-User")))
	}, h.Upload)
	return r, up, cs.ID, patient
}

func upload(t *testing.T, r *gin.Engine, sessionID, user uuid.UUID, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "scan.bin")
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+sessionID.String()+"/attachments", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User", user.String())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestUploadDetectsImage(t *testing.T) {
	r, up, sid, patient := setup(t)

	w := upload(t, r, sid, patient, pngBytes)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body struct {
		response.Body
		Data Result `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, models.MessageImage, body.Data.Kind)
	require.Equal(t, "image/png", body.Data.ContentType)
	require.Contains(t, body.Data.AttachmentRef, "attachments/"+sid.String()+"/")
	require.Len(t, up.keys, 1)
	require.Equal(t, []string{"image/png"}, up.types)
}

func TestUploadRejections(t *testing.T) {
	r, up, sid, patient := setup(t)

	w := upload(t, r, sid, uuid.New(), pngBytes)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = upload(t, r, uuid.New(), patient, pngBytes)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = upload(t, r, sid, patient, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1, 0})
	require.Equal(t, http.StatusBadRequest, w.Code)

	require.Empty(t, up.keys)
}
