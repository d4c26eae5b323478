package httpserver

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/device-relay-backend/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routeFunc func(r chi.Router)

func (f routeFunc) RegisterRoutes(r chi.Router) { f(r) }

func newTestServer(t *testing.T, handlers ...RouteRegistrar) *Server {
	t.Helper()
	srv, err := New(&api.HTTPServerConfig{
		Log:                      slog.New(slog.NewTextHandler(io.Discard, nil)),
		MetricsNamespace:         "test_" + t.Name(),
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}, handlers...)
	require.NoError(t, err)
	return srv
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestHealthAndDrain(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	assert.JSONEq(t, `{"status":"alive"}`, get(t, h, "/livez").Body.String())

	rr := get(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, rr.Code)

	assert.JSONEq(t, `{"status":"draining"}`, get(t, h, "/drain").Body.String())
	assert.JSONEq(t, `{"status":"already draining"}`, get(t, h, "/drain").Body.String())
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/readyz").Code)

	assert.JSONEq(t, `{"status":"ready"}`, get(t, h, "/undrain").Body.String())
	assert.JSONEq(t, `{"status":"already ready"}`, get(t, h, "/undrain").Body.String())
	assert.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)
}

func TestMountAfterStart(t *testing.T) {
	srv := newTestServer(t, routeFunc(func(r chi.Router) {
		r.Get("/early", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	}))
	h := srv.Handler()

	assert.Equal(t, http.StatusNoContent, get(t, h, "/early").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/late").Code)

	srv.Mount(routeFunc(func(r chi.Router) {
		r.Get("/late", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) })
	}))

	assert.Equal(t, http.StatusNoContent, get(t, h, "/early").Code)
	assert.Equal(t, http.StatusAccepted, get(t, h, "/late").Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/livez").Code)
}

func TestRecoversFromPanics(t *testing.T) {
	srv := newTestServer(t, routeFunc(func(r chi.Router) {
		r.Get("/boom", func(w http.ResponseWriter, r *http.Request) { panic("boom") })
	}))
	assert.Equal(t, http.StatusInternalServerError, get(t, srv.Handler(), "/boom").Code)
}

func TestMetricsRecorder(t *testing.T) {
	srv := newTestServer(t)
	srv.Metrics().CommandEnqueued("add")

	rr := httptest.NewRecorder()
	srv.metricsSrv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rr.Body.String(), `commands_enqueued_total{name="add"} 1`)
}
