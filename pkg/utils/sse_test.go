package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendSSEEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	flusher, err := SetupSSEHeaders(rec)
	require.NoError(t, err)

	require.NoError(t, SendSSEEvent(rec, flusher, "status", map[string]string{"state": "connected"}))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "event: status\ndata: {\"state\":\"connected\"}\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}

type plainWriter struct {
	header http.Header
}

func (w *plainWriter) Header() http.Header         { return w.header }
func (w *plainWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *plainWriter) WriteHeader(int)             {}

func TestSetupSSEHeadersNeedsFlusher(t *testing.T) {
	_, err := SetupSSEHeaders(&plainWriter{header: http.Header{}})
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
}

func TestSendSSEEventRejectsUnmarshalable(t *testing.T) {
	rec := httptest.NewRecorder()
	err := SendSSEEvent(rec, rec, "bad", make(chan int))
	assert.Error(t, err)
	assert.Empty(t, rec.Body.String())
}
