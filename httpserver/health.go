package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

func (srv *Server) registerHealthRoutes(r chi.Router) {
	r.Get("/livez", func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, "alive")
	})
	r.Get("/readyz", srv.handleReadyz)
	r.Get("/drain", srv.handleDrain)
	r.Get("/undrain", srv.handleUndrain)
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"status":"` + status + `"}`))
}

func (srv *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Load() {
		writeStatus(w, http.StatusOK, "ready")
		return
	}
	writeStatus(w, http.StatusServiceUnavailable, "not ready")
}

// handleDrain flips readiness off so load balancers stop routing new devices
// here; devices already connected keep being served.
func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.CompareAndSwap(true, false) {
		writeStatus(w, http.StatusOK, "already draining")
		return
	}
	srv.log.Info("Draining", "drainDuration", srv.cfg.DrainDuration)
	time.AfterFunc(srv.cfg.DrainDuration, func() {
		if !srv.isReady.Load() {
			srv.log.Info("Drain period elapsed, safe to stop")
		}
	})
	writeStatus(w, http.StatusOK, "draining")
}

func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.CompareAndSwap(false, true) {
		writeStatus(w, http.StatusOK, "already ready")
		return
	}
	srv.log.Info("Ready again")
	writeStatus(w, http.StatusOK, "ready")
}
