package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/device-relay-backend/api"
	"github.com/ruteri/device-relay-backend/common"
	"github.com/ruteri/device-relay-backend/metrics"
	"go.uber.org/atomic"
)

// RouteRegistrar is implemented by every API handler package.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

type Server struct {
	cfg     *api.HTTPServerConfig
	log     *slog.Logger
	isReady atomic.Bool

	mu         sync.Mutex
	mounted    []RouteRegistrar
	router     atomic.Pointer[chi.Mux]
	apiSrv     *http.Server
	metricsSrv *metrics.MetricsServer
	shutdown   sync.Once
}

// New builds the server with handlers mounted. Mount adds more later,
// including while the server is running.
func New(cfg *api.HTTPServerConfig, handlers ...RouteRegistrar) (*Server, error) {
	namespace := cfg.MetricsNamespace
	if namespace == "" {
		namespace = common.PackageName
	}
	metricsSrv, err := metrics.New(namespace, cfg.MetricsAddr)
	if err != nil {
		return nil, err
	}

	srv := &Server{cfg: cfg, log: cfg.Log, metricsSrv: metricsSrv}
	srv.isReady.Store(true)
	srv.Mount(handlers...)
	srv.apiSrv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return srv, nil
}

// Metrics returns the recorder backed by the server's Prometheus registry.
func (srv *Server) Metrics() metrics.Recorder {
	return srv.metricsSrv.Metrics
}

// Mount adds handlers and swaps in a rebuilt router. Requests already in
// flight finish on the previous router.
func (srv *Server) Mount(handlers ...RouteRegistrar) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.mounted = append(srv.mounted, handlers...)
	srv.router.Store(srv.routes())
}

// Handler dispatches to the most recently mounted router.
func (srv *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.router.Load().ServeHTTP(w, r)
	})
}

func (srv *Server) routes() *chi.Mux {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	mux.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler {
			return httplogger.LoggingMiddlewareSlog(srv.log, next)
		})
		for _, h := range srv.mounted {
			h.RegisterRoutes(r)
		}
		srv.registerHealthRoutes(r)
	})

	if srv.cfg.EnablePprof {
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

// RunInBackground starts the API listener and, when configured, the metrics
// listener. Listener failures are logged.
func (srv *Server) RunInBackground() {
	if srv.cfg.MetricsAddr != "" {
		go srv.serve("metrics", srv.cfg.MetricsAddr, srv.metricsSrv.ListenAndServe)
	}
	go srv.serve("api", srv.cfg.ListenAddr, srv.apiSrv.ListenAndServe)
}

func (srv *Server) serve(name, addr string, listen func() error) {
	srv.log.Info("Starting listener", "listener", name, "addr", addr)
	if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		srv.log.Error("Listener failed", "listener", name, "err", err)
	}
}

// Shutdown stops both listeners, waiting for in-flight requests up to
// GracefulShutdownDuration. Calls after the first are no-ops.
func (srv *Server) Shutdown() {
	srv.shutdown.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		defer cancel()

		err := srv.apiSrv.Shutdown(ctx)
		if srv.cfg.MetricsAddr != "" {
			err = errors.Join(err, srv.metricsSrv.Shutdown(ctx))
		}
		if err != nil {
			srv.log.Error("Graceful shutdown failed", "err", err)
			return
		}
		srv.log.Info("HTTP listeners stopped")
	})
}
