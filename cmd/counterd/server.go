package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"golang.org/x/time/rate"

	"github.com/marko911/counter-pulse/internal/config"
	"github.com/marko911/counter-pulse/internal/contract"
	"github.com/marko911/counter-pulse/internal/session"
)

// Session is the part of the session manager the HTTP shell drives.
type Session interface {
	Snapshot() session.Snapshot
	SubscribeState(ch chan<- session.Snapshot) event.Subscription
	Connect(ctx context.Context) error
	Start(ctx context.Context, op contract.Op) (<-chan error, error)
}

// Server renders session state over HTTP and forwards user actions to the
// session. Connects and writes outlive the request that started them; they
// run on the server context.
type Server struct {
	cfg     config.HTTPConfig
	session Session
	logger  *slog.Logger

	ctx context.Context
	wg  sync.WaitGroup

	// actions is nil when action requests are unlimited.
	actions *rate.Limiter

	wsHandler *WebSocketHandler
}

func NewServer(ctx context.Context, cfg config.HTTPConfig, sess Session, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		session: sess,
		logger:  logger.With("component", "http"),
		ctx:     ctx,
	}
	if cfg.ActionRate > 0 {
		s.actions = rate.NewLimiter(rate.Limit(cfg.ActionRate), cfg.ActionBurst)
	}
	s.wsHandler = NewWebSocketHandler(sess, cfg.AllowedOrigins, logger)
	return s
}

// Router returns the HTTP handler.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/api/v1/session", s.handleSession)
	mux.Handle("/api/v1/session/connect", s.limitActions(http.HandlerFunc(s.handleConnect)))
	mux.HandleFunc("/api/v1/contract", s.handleContract)
	mux.Handle("/api/v1/counter/", s.limitActions(http.HandlerFunc(s.handleCounter)))

	mux.HandleFunc("/ws", s.wsHandler.HandleConnect)

	return s.loggingMiddleware(mux)
}

// Wait blocks until background operations started by requests finish.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// limitActions rejects action requests beyond the configured rate. Each
// accepted request may prompt the wallet, so excess is refused rather than
// queued.
func (s *Server) limitActions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.actions != nil && !s.actions.Allow() {
			w.Header().Set("Retry-After", "1")
			s.writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"ws_clients": s.wsHandler.ConnectionCount(),
	})
}

// sessionView is a snapshot plus the control states derived from it.
type sessionView struct {
	session.Snapshot
	Contract string `json:"contract"`
	CanWrite bool   `json:"can_write"`
	CanReset bool   `json:"can_reset"`
}

func newSessionView(snap session.Snapshot) sessionView {
	return sessionView{
		Snapshot: snap,
		Contract: contract.Address,
		CanWrite: snap.CanWrite(),
		CanReset: snap.CanReset(),
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, newSessionView(s.session.Snapshot()))
}

func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": contract.Address,
		"entries": contract.Entries(),
	})
}

// handleConnect starts a connect attempt. The wallet may wait on the user,
// so the attempt runs in the background and progress is visible through
// the session endpoints.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.session.Connect(s.ctx); err != nil {
			s.logger.Info("connect attempt did not complete", "error", err)
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": true,
		"action":   "connect",
	})
}

// handleCounter dispatches POST /api/v1/counter/{increment,decrement,reset}.
func (s *Server) handleCounter(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/counter/"), "/")
	op, err := contract.ParseOp(name)
	if err != nil || name != string(op) {
		s.writeError(w, http.StatusNotFound, "unknown_operation", "unknown counter operation")
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Reset is only offered to the owner. The program enforces it as well.
	if op == contract.OpReset {
		snap := s.session.Snapshot()
		if snap.Connected && !snap.IsOwner {
			s.writeError(w, http.StatusForbidden, "not_owner", "only the contract owner can reset the counter")
			return
		}
	}

	done, err := s.session.Start(s.ctx, op)
	switch {
	case errors.Is(err, session.ErrBusy):
		s.writeError(w, http.StatusConflict, "busy", "a transaction is already in flight")
		return
	case errors.Is(err, session.ErrNotConnected):
		s.writeError(w, http.StatusConflict, "not_connected", "connect a wallet first")
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := <-done; err != nil {
			s.logger.Info("counter write did not succeed", "op", op, "error", err)
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": true,
		"action":   op,
		"session":  newSessionView(s.session.Snapshot()),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("JSON encode error", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
