package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cronpostps/cronpost/internal/config"
	"github.com/cronpostps/cronpost/internal/storage"
	"github.com/cronpostps/cronpost/internal/worker"
	logx "github.com/cronpostps/cronpost/pkg/logx"
)

const defaultAddr = "127.0.0.1:8320"

// Server is the HTTP API: account provisioning, check-in actions and
// schedule previews. It is a thin shell; every decision lives in the
// schedule and account packages.
type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	srv  *http.Server
	ln   net.Listener
	addr string

	store  storage.Store
	worker *worker.Service
	mgr    *config.Manager
}

func New(store storage.Store, w *worker.Service, mgr *config.Manager, log logx.Logger) *Server {
	return &Server{log: log, store: store, worker: w, mgr: mgr}
}

// Start begins serving according to the current config. Disabled config
// is not an error; the server just stays down.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.mgr.Get()
	if cfg == nil || !cfg.Server.Enabled {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	addr := strings.TrimSpace(cfg.Server.Addr)
	if addr == "" {
		addr = defaultAddr
	}

	readTO, _ := config.ParseDurationOrDefault("server.read_timeout", cfg.Server.ReadTimeout, 10*time.Second)
	writeTO, _ := config.ParseDurationField("server.write_timeout", cfg.Server.WriteTimeout)
	idleTO, _ := config.ParseDurationOrDefault("server.idle_timeout", cfg.Server.IdleTimeout, time.Minute)

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.auth(cfg.Server.Token, s.routes()),
		ReadTimeout:  readTO,
		WriteTimeout: writeTO,
		IdleTimeout:  idleTO,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("http server error", logx.String("addr", s.addr), logx.Err(err))
		}
	}()
	s.log.Info("http server listening", logx.String("addr", s.addr),
		logx.Bool("token_set", strings.TrimSpace(cfg.Server.Token) != ""))
	return nil
}

// Addr returns the bound address, empty when not serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return
	}
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.addr = ""

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}
	s.log.Info("http server stopped")
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("PUT /v1/accounts/{id}", s.handlePutAccount)
	mux.HandleFunc("GET /v1/accounts/{id}", s.handleGetAccount)
	mux.HandleFunc("POST /v1/accounts/{id}/enable", s.handleEnable)
	mux.HandleFunc("POST /v1/accounts/{id}/checkin", s.handleCheckin)
	mux.HandleFunc("POST /v1/accounts/{id}/cancel-freeze", s.handleCancelFreeze)
	mux.HandleFunc("POST /v1/accounts/{id}/signin", s.handleSignIn)
	mux.HandleFunc("GET /v1/accounts/{id}/checkins", s.handleListCheckins)

	mux.HandleFunc("PUT /v1/accounts/{id}/messages/{msg}", s.handlePutMessage)
	mux.HandleFunc("POST /v1/accounts/{id}/follow-schedules", s.handleAddFollowSchedule)

	mux.HandleFunc("POST /v1/preview/checkin", s.handlePreviewCheckin)
	mux.HandleFunc("POST /v1/preview/follow", s.handlePreviewFollow)
	return mux
}

// auth enforces the static bearer token when one is configured. The
// health endpoint stays open for probes.
func (s *Server) auth(token string, next http.Handler) http.Handler {
	token = strings.TrimSpace(token)
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
