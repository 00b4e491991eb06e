package utils

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRespondError(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, http.StatusBadGateway, "agent unavailable")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"agent unavailable"}`, rec.Body.String())
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		ClientID string `json:"clientId"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"clientId":"C1"}`))
	require.NoError(t, DecodeJSON(req, &dst))
	assert.Equal(t, "C1", dst.ClientID)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"clientId":"C1","extra":true}`))
	assert.Error(t, DecodeJSON(req, &dst))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	assert.Error(t, DecodeJSON(req, &dst))
}
