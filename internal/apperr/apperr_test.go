package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/cardescrow/internal/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errThingMissing = New(NotFound, "thing_not_found", "thing not found")

func respond(t *testing.T, err error) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPost, "/", nil)
	Respond(c, err)
	return w
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("loading order: %w", errThingMissing)

	assert.Equal(t, NotFound, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, errThingMissing))
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, Validation, KindOf(validation.ValidationErrors{{Field: "a", Message: "b"}}))
	assert.True(t, Is(wrapped, NotFound))
	assert.False(t, Is(nil, NotFound))
}

func TestWrap_PreservesChain(t *testing.T) {
	base := errors.New("duplicate key")
	err := Wrap(Conflict, "duplicate", base)

	assert.Equal(t, Conflict, KindOf(err))
	assert.True(t, errors.Is(err, base))
}

func TestKindStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{Validation, http.StatusBadRequest},
		{InvalidTransition, http.StatusBadRequest},
		{PresenceNotConfirmed, http.StatusBadRequest},
		{SessionExpired, http.StatusBadRequest},
		{Unauthorized, http.StatusUnauthorized},
		{Forbidden, http.StatusForbidden},
		{NotFound, http.StatusNotFound},
		{Conflict, http.StatusConflict},
		{RateLimited, http.StatusTooManyRequests},
		{Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.kind.Status(), tt.kind.String())
	}
}

func TestRespond_Classified(t *testing.T) {
	w := respond(t, fmt.Errorf("ctx: %w", errThingMissing))
	require.Equal(t, http.StatusNotFound, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "thing_not_found", body["error"])
	assert.Equal(t, "thing not found", body["message"])
}

func TestRespond_InternalHidesDetail(t *testing.T) {
	w := respond(t, Internalf("pq: connection refused to %s", "10.0.0.3"))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "10.0.0.3")

	w = respond(t, errors.New("raw driver failure"))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "raw driver failure")
}

func TestRespond_RateLimited(t *testing.T) {
	w := respond(t, Limited(90*time.Second))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "90", w.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, 90, body["retryAfter"])
}

func TestRespond_ValidationErrors(t *testing.T) {
	w := respond(t, validation.ValidationErrors{{Field: "feePercentage", Message: "must be between 0 and 20"}})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
	assert.Contains(t, w.Body.String(), "feePercentage")
}
