package logger

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWriterLevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	l := SetupWriter(&buf, "warn", "json")
	l.Info("hidden")
	l.Warn("shown", "k", 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "shown", rec["msg"])
	assert.Equal(t, float64(1), rec["k"])
	assert.Same(t, l, L())
	assert.Same(t, l, Or(nil))
	other := Discard()
	assert.Same(t, other, Or(other))
}

func TestAccessMiddlewareRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	l := SetupWriter(&buf, "debug", "json")
	h := AccessMiddleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("brew"))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/regions", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "http_access", rec["msg"])
	assert.Equal(t, "/api/regions", rec["path"])
	assert.Equal(t, float64(http.StatusTeapot), rec["status"])
	assert.Equal(t, float64(4), rec["bytes"])
}

func TestStatusWriterHijackRequiresHijacker(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	_, _, err := sw.Hijack()
	assert.Error(t, err)
}
