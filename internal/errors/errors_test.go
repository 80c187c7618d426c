package errors

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrValidationRendersBadRequest(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/jobs/history?limit=abc", nil)

	require.NoError(t, render.Render(rec, req, ErrValidation("limit", "must be an integer")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "VALIDATION_FAILED", body["error_code"])
	assert.Equal(t, "Request validation failed", body["message"])

	details, ok := body["details"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "limit", details["field"])
	assert.Equal(t, "must be an integer", details["message"])
}

func TestAPIErrorImplementsError(t *testing.T) {
	err := ErrValidation("limit", "must be between 0 and 1000")
	assert.Equal(t, "Request validation failed", err.Error())
}
