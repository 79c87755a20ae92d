package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aura-consult/relay/internal/apperr"
)

// Body is the standard API response envelope.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

// BadRequest sends 400 with error message.
func BadRequest(c *gin.Context, err string) {
	c.JSON(http.StatusBadRequest, Body{Success: false, Error: err, Code: apperr.CodeInvalidPayload})
}

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, err string) {
	c.JSON(http.StatusUnauthorized, Body{Success: false, Error: err, Code: apperr.CodeUnauthorized})
}

// NotFound sends 404.
func NotFound(c *gin.Context, err string) {
	c.JSON(http.StatusNotFound, Body{Success: false, Error: err, Code: apperr.CodeNotFound})
}

// Internal sends 500.
func Internal(c *gin.Context, err string) {
	c.JSON(http.StatusInternalServerError, Body{Success: false, Error: err, Code: apperr.CodeInternal})
}

var statuses = map[string]int{
	apperr.CodeUnauthorized:      http.StatusUnauthorized,
	apperr.CodeNotParticipant:    http.StatusForbidden,
	apperr.CodeNotFound:          http.StatusNotFound,
	apperr.CodeInvalidPayload:    http.StatusBadRequest,
	apperr.CodeInvalidTransition: http.StatusConflict,
	apperr.CodeConflict:          http.StatusConflict,
	apperr.CodeSessionClosed:     http.StatusConflict,
	apperr.CodeTimeout:           http.StatusGatewayTimeout,
	apperr.CodeUnavailable:       http.StatusServiceUnavailable,
	apperr.CodeConnectionLost:    http.StatusServiceUnavailable,
}

// Error maps err to its status through the apperr code. Unknown errors become 500 without details.
func Error(c *gin.Context, err error) {
	code := apperr.Code(err)
	status, ok := statuses[code]
	if !ok {
		_ = c.Error(err)
		Internal(c, "internal error")
		return
	}
	msg := err.Error()
	if errors.Is(err, apperr.ErrUnauthorized) {
		msg = "unauthorized"
	}
	c.JSON(status, Body{Success: false, Error: msg, Code: code})
}
