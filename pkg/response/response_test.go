package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/aura-consult/relay/internal/apperr"
)

func TestError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("session x: %w", apperr.ErrNotFound), http.StatusNotFound, apperr.CodeNotFound},
		{apperr.ErrNotParticipant, http.StatusForbidden, apperr.CodeNotParticipant},
		{apperr.ErrInvalidPayload, http.StatusBadRequest, apperr.CodeInvalidPayload},
		{errors.New("boom"), http.StatusInternalServerError, apperr.CodeInternal},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		Error(c, tc.err)
		require.Equal(t, tc.status, w.Code, tc.err.Error())

		var body Body
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.False(t, body.Success)
		require.Equal(t, tc.code, body.Code)
	}
}
