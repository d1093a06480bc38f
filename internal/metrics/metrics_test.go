package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoglm/taskrelay"
)

func TestSetStatus(t *testing.T) {
	m := New("test")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionStatus.WithLabelValues("disconnected")))

	m.SetStatus(taskrelay.StatusConnected)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionStatus.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectionStatus.WithLabelValues("disconnected")))
}

func TestHubHooks(t *testing.T) {
	m := New("test")
	hub := taskrelay.NewHub(append(m.RelayOptions(), taskrelay.WithQueueSize(1))...)
	m.ObserveHub("test", hub)

	_, err := hub.Register("slow")
	require.NoError(t, err)

	hub.Ingest([]byte(`{"msg_type":"agent_response"}`))
	hub.Ingest([]byte(`{"msg_type":"agent_response"}`))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDrops.WithLabelValues("agent_response")))

	body := scrape(t, m)
	assert.Contains(t, body, "test_consumers 1")
	assert.Contains(t, body, "test_history_records 2")
}

func TestHTTPMiddleware(t *testing.T) {
	m := New("test")

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := m.HTTPMiddleware(mux)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "GET /api/status", "418")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
}

func TestHandler(t *testing.T) {
	m := New("test")
	m.Reconnects.Inc()
	m.HTTPRequestDuration.WithLabelValues("GET", "/x").Observe(time.Millisecond.Seconds())

	body := scrape(t, m)
	assert.Contains(t, body, "test_reconnects_total 1")
	assert.Contains(t, body, "go_goroutines")
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	b, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return strings.TrimSpace(string(b))
}
