package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsolatedRegistries(t *testing.T) {
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())

	a.CacheEvictions.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.CacheEvictions))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.CacheEvictions))
}

func TestHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.CacheRequests.WithLabelValues("hit").Add(3)
	m.BackendRequests.WithLabelValues("filesystem", "load", "success").Inc()

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `artifactstore_cache_requests_total{result="hit"} 3`)
	assert.Contains(t, string(body), "artifactstore_backend_requests_total")
}

func TestStatus(t *testing.T) {
	assert.Equal(t, "success", Status(nil))
	assert.Equal(t, "error", Status(errors.New("x")))
}
