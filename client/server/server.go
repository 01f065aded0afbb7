// Package server exposes the update session of a native host to a local UI over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/netbirdio/swupdate/client/internal/metrics"
	"github.com/netbirdio/swupdate/client/internal/updatemanager"
)

const (
	readHeaderTimeout = 5 * time.Second

	checkInterval = time.Second
	checkBurst    = 3
)

// Session is the part of the update coordinator the control API drives.
type Session interface {
	Snapshot() updatemanager.State
	RegistrationErr() error
	Apply(reload bool)
	Dismiss()
	RevalidateNow()
}

// Server serves the control API.
type Server struct {
	session    Session
	metrics    *metrics.UpdateMetrics
	controller func() string
	checks     *rate.Limiter

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
}

// New creates a Server. controller reports the running version and may be nil.
func New(session Session, m *metrics.UpdateMetrics, controller func() string) *Server {
	return &Server{
		session:    session,
		metrics:    m,
		controller: controller,
		checks:     rate.NewLimiter(rate.Every(checkInterval), checkBurst),
	}
}

// Handler returns the routes of the control API.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/api/update", s.getStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/update/apply", s.apply).Methods(http.MethodPost)
	router.HandleFunc("/api/update/dismiss", s.dismiss).Methods(http.MethodPost)
	router.HandleFunc("/api/update/check", s.check).Methods(http.MethodPost)
	router.HandleFunc("/metrics", s.exportMetrics).Methods(http.MethodGet)

	return cors.AllowAll().Handler(router)
}

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return errors.New("control server already started")
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func(srv *http.Server) {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("control server stopped: %v", err)
		}
	}(s.httpServer)

	log.Infof("control API listening on %s", listener.Addr())
	return nil
}

// Addr returns the listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown control server: %w", err)
	}
	return nil
}

func (s *Server) status() UpdateStatus {
	state := s.session.Snapshot()
	st := UpdateStatus{
		NeedRefresh:  state.NeedRefresh,
		OfflineReady: state.OfflineReady,
		Phase:        state.Phase.String(),
		Candidate:    state.Candidate,
	}
	if err := s.session.RegistrationErr(); err != nil {
		st.RegistrationError = err.Error()
	}
	if s.controller != nil {
		st.Controller = s.controller()
	}
	return st
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	WriteJSONObject(w, http.StatusOK, s.status())
}

func (s *Server) apply(w http.ResponseWriter, r *http.Request) {
	reload := true
	if raw := r.URL.Query().Get("reload"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			WriteErrorResponse(fmt.Sprintf("invalid reload value %q", raw), http.StatusBadRequest, w)
			return
		}
		reload = parsed
	}

	s.session.Apply(reload)
	WriteJSONObject(w, http.StatusOK, s.status())
}

func (s *Server) dismiss(w http.ResponseWriter, _ *http.Request) {
	s.session.Dismiss()
	WriteJSONObject(w, http.StatusOK, s.status())
}

func (s *Server) check(w http.ResponseWriter, _ *http.Request) {
	if !s.checks.Allow() {
		WriteErrorResponse("too many update checks", http.StatusTooManyRequests, w)
		return
	}
	s.session.RevalidateNow()
	WriteJSONObject(w, http.StatusAccepted, s.status())
}

func (s *Server) exportMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		WriteErrorResponse("metrics disabled", http.StatusNotFound, w)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	if err := s.metrics.Export(w); err != nil {
		log.Errorf("failed to export metrics: %v", err)
	}
}
