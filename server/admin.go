package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// adminShutdownGrace bounds how long the admin server waits for
// in-flight requests during shutdown.
const adminShutdownGrace = 5 * time.Second

// Admin serves the operational HTTP surface: prometheus metrics,
// session introspection, and liveness. It runs beside the transfer
// listener on its own address.
type Admin struct {
	srv *http.Server
}

// NewAdmin builds the admin server over the given transfer server.
func NewAdmin(addr string, s *Server) *Admin {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.handleSession).Methods(http.MethodGet)
	r.HandleFunc("/ledger", s.handleLedger).Methods(http.MethodGet)

	return &Admin{
		srv: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Serve runs the admin listener until ctx is canceled.
func (a *Admin) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.srv.ListenAndServe()
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"addr":     a.srv.Addr,
	}).Info("Admin server started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), adminShutdownGrace)
		defer cancel()
		return a.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Sessions())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.Session(mux.Vars(r)["id"])
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrUnknownSession) {
			status = http.StatusNotFound
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleLedger(w http.ResponseWriter, _ *http.Request) {
	if s.ledger == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no ledger configured"})
		return
	}
	entries, err := s.ledger.List()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeJSON",
			"error":    err,
		}).Debug("Failed to encode admin response")
	}
}
