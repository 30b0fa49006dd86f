//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusConflict, "busy")

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"busy"}`, w.Body.String())
}

func TestDecodeJSONLimits(t *testing.T) {
	t.Parallel()

	var v struct {
		Message string `json:"message"`
	}

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"`+strings.Repeat("x", 100)+`"}`))
	err := decodeJSON(httptest.NewRecorder(), req, 32, &v)
	require.ErrorIs(t, err, errBodyTooLarge)

	req = httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{not json`))
	err = decodeJSON(httptest.NewRecorder(), req, 1024, &v)
	require.ErrorIs(t, err, errInvalidJSONBody)
}

func TestCleanMessage(t *testing.T) {
	t.Parallel()

	msg, err := cleanMessage("  What trims does the Rogue come in?  ")
	require.NoError(t, err)
	assert.Equal(t, "What trims does the Rogue come in?", msg)

	_, err = cleanMessage("   ")
	require.ErrorIs(t, err, errEmptyMessage)

	_, err = cleanMessage(strings.Repeat("a", maxMessageLength+1))
	require.ErrorIs(t, err, errMessageTooLong)
}
