// Package attachments accepts files for IMAGE and FILE messages. The upload returns an
// attachment ref that the client then sends over the messages channel.
package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/internal/middleware"
	"github.com/aura-consult/relay/internal/models"
	"github.com/aura-consult/relay/pkg/response"
	"github.com/aura-consult/relay/pkg/storage"
)

// MaxFileSize is the largest accepted attachment (20MB).
const MaxFileSize = 20 * 1024 * 1024

// Allowed detected MIME types and the message kind they produce.
var allowed = map[string]models.MessageKind{
	"image/jpeg":      models.MessageImage,
	"image/png":       models.MessageImage,
	"image/webp":      models.MessageImage,
	"image/gif":       models.MessageImage,
	"application/pdf": models.MessageFile,
	"text/plain":      models.MessageFile,
}

// Uploader stores attachment bytes. storage.S3 implements it.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error)
	PresignDownload(ctx context.Context, key string) (string, error)
}

// SessionReader loads a session to check membership.
type SessionReader interface {
	ReadSession(ctx context.Context, id uuid.UUID) (*models.ConsultationSession, error)
}

// Result is the response of a successful upload.
type Result struct {
	AttachmentRef string             `json:"attachment_ref"`
	Kind          models.MessageKind `json:"kind"`
	ContentType   string             `json:"content_type"`
	Size          int64              `json:"size"`
	DownloadURL   string             `json:"download_url"`
}

// Handler handles attachment uploads.
type Handler struct {
	uploader Uploader
	sessions SessionReader
	logger   *zap.Logger
}

// NewHandler creates an attachments handler.
func NewHandler(uploader Uploader, sessions SessionReader, logger *zap.Logger) *Handler {
	return &Handler{uploader: uploader, sessions: sessions, logger: logger}
}

// Upload handles POST /sessions/:id/attachments (multipart field "file").
func (h *Handler) Upload(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	userID, _ := middleware.UserID(c)
	cs, err := h.sessions.ReadSession(c.Request.Context(), sessionID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if _, ok := cs.RoleOf(userID); !ok {
		response.Error(c, apperr.ErrNotParticipant)
		return
	}
	if cs.Status.IsTerminal() {
		response.Error(c, fmt.Errorf("session is %s: %w", cs.Status, apperr.ErrSessionClosed))
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		response.BadRequest(c, "file is required")
		return
	}
	if fh.Size > MaxFileSize {
		c.JSON(http.StatusRequestEntityTooLarge, response.Body{Error: "file too large", Code: apperr.CodeInvalidPayload})
		return
	}
	f, err := fh.Open()
	if err != nil {
		response.BadRequest(c, "unreadable file")
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, MaxFileSize+1))
	if err != nil {
		response.BadRequest(c, "unreadable file")
		return
	}
	if len(data) > MaxFileSize {
		c.JSON(http.StatusRequestEntityTooLarge, response.Body{Error: "file too large", Code: apperr.CodeInvalidPayload})
		return
	}

	mt := mimetype.Detect(data)
	contentType := strings.SplitN(mt.String(), ";", 2)[0]
	kind, ok := allowed[contentType]
	if !ok {
		response.BadRequest(c, fmt.Sprintf("unsupported file type %s", contentType))
		return
	}

	key := storage.AttachmentKey(sessionID, mt.Extension())
	ref, err := h.uploader.Upload(c.Request.Context(), key, contentType, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		h.logger.Error("attachment upload failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		response.Error(c, errors.Join(apperr.ErrUnavailable, err))
		return
	}
	download, err := h.uploader.PresignDownload(c.Request.Context(), key)
	if err != nil {
		h.logger.Warn("presign attachment failed", zap.String("key", key), zap.Error(err))
	}
	response.Created(c, Result{
		AttachmentRef: ref,
		Kind:          kind,
		ContentType:   contentType,
		Size:          int64(len(data)),
		DownloadURL:   download,
	})
}
