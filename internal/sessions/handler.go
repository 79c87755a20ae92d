// Package sessions serves the read-only REST view of consultations: the live snapshot, message
// history for clients that cannot hold a channel open, and the attendance audit trail.
package sessions

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/internal/consult"
	"github.com/aura-consult/relay/internal/middleware"
	"github.com/aura-consult/relay/internal/models"
	"github.com/aura-consult/relay/internal/store"
	"github.com/aura-consult/relay/pkg/response"
)

const (
	defaultLimit = 100
	maxLimit     = 500
)

// AttendanceLister lists the join/leave spans of a session.
type AttendanceLister interface {
	ListBySession(ctx context.Context, sessionID uuid.UUID) ([]models.AttendanceLog, error)
}

// Handler handles /sessions routes.
type Handler struct {
	registry   *consult.Registry
	store      store.Store
	attendance AttendanceLister
}

// NewHandler creates a sessions handler. attendance may be nil.
func NewHandler(registry *consult.Registry, st store.Store, attendance AttendanceLister) *Handler {
	return &Handler{registry: registry, store: st, attendance: attendance}
}

// Register mounts the routes on an authenticated group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.GET("/sessions/:id", h.Get)
	g.GET("/sessions/:id/messages", h.Messages)
	g.GET("/sessions/:id/attendance", h.Attendance)
}

// Get handles GET /sessions/:id: the cached session and who is connected right now.
func (h *Handler) Get(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	type result struct {
		data interface{}
		err  error
	}
	ch := make(chan result, 1)
	h.registry.Session(sessionID).Snapshot(c.Request.Context(), func(data interface{}, err error) {
		ch <- result{data, err}
	})
	var r result
	select {
	case r = <-ch:
	case <-c.Request.Context().Done():
		response.Error(c, apperr.ErrTimeout)
		return
	}
	if r.err != nil {
		response.Error(c, r.err)
		return
	}
	snap := r.data.(consult.Snapshot)
	userID, _ := middleware.UserID(c)
	if _, ok := snap.Session.RoleOf(userID); !ok {
		response.Error(c, apperr.ErrNotParticipant)
		return
	}
	response.OK(c, snap)
}

// Messages handles GET /sessions/:id/messages?since=RFC3339&limit=N. Pages run oldest first;
// while truncated is set the next page starts at the sent_at of the last message.
func (h *Handler) Messages(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	var since time.Time
	if s := c.Query("since"); s != "" {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			response.BadRequest(c, "since must be RFC3339")
			return
		}
		since = t
	}
	limit := defaultLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			response.BadRequest(c, "limit must be a positive integer")
			return
		}
		limit = min(n, maxLimit)
	}
	if _, ok := h.authorize(c, sessionID, ""); !ok {
		return
	}
	msgs, err := h.store.BackfillMessages(c.Request.Context(), sessionID, since, limit+1)
	if err != nil {
		response.Error(c, err)
		return
	}
	truncated := len(msgs) > limit
	if truncated {
		msgs = msgs[:limit]
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	response.OK(c, gin.H{"messages": msgs, "truncated": truncated})
}

// Attendance handles GET /sessions/:id/attendance, clinicians only.
func (h *Handler) Attendance(c *gin.Context) {
	sessionID, ok := sessionParam(c)
	if !ok {
		return
	}
	if h.attendance == nil {
		response.Error(c, apperr.ErrUnavailable)
		return
	}
	if _, ok := h.authorize(c, sessionID, models.RoleClinician); !ok {
		return
	}
	list, err := h.attendance.ListBySession(c.Request.Context(), sessionID)
	if err != nil {
		response.Internal(c, "failed to list attendance")
		return
	}
	response.OK(c, gin.H{"attendance": list})
}

// authorize loads the session and checks the caller belongs to it, with role if given.
func (h *Handler) authorize(c *gin.Context, sessionID uuid.UUID, role models.Role) (*models.ConsultationSession, bool) {
	cs, err := h.store.ReadSession(c.Request.Context(), sessionID)
	if err != nil {
		response.Error(c, err)
		return nil, false
	}
	userID, _ := middleware.UserID(c)
	got, ok := cs.RoleOf(userID)
	if !ok || (role != "" && got != role) {
		response.Error(c, apperr.ErrNotParticipant)
		return nil, false
	}
	return cs, true
}

func sessionParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}
