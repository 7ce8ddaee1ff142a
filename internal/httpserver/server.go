package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"abi-agent/internal/auth"
	"abi-agent/internal/convo"
	"abi-agent/internal/metrics"
	"abi-agent/internal/session"
	"abi-agent/internal/tools"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 64 << 10

// Accounts authenticates and registers users.
type Accounts interface {
	Authenticate(username, password, role string) (auth.Account, error)
	Register(in auth.RegisterInput) (auth.Account, error)
}

// Responder answers one chat turn.
type Responder interface {
	Respond(ctx context.Context, req convo.Request) (convo.Result, error)
}

// Auditor runs the business audit checks.
type Auditor interface {
	Audit(ctx context.Context) (revenue string, delays string)
}

// Dependencies exposes core dependencies to handlers that need them.
type Dependencies struct {
	Accounts          Accounts
	Sessions          session.Store
	Chat              Responder
	Auditor           Auditor
	StoreStatus       string
	ChatRatePerMinute int
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	deps       Dependencies
	basePath   string
	limits     *limiterSet
	locks      sync.Map
}

// New creates the HTTP server with health, metrics and chat API routes.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, deps Dependencies, basePath string) *Server {
	server := &Server{
		logger:   logger.With("component", "http"),
		metrics:  metricRegistry,
		deps:     deps,
		basePath: normaliseBasePath(basePath),
		limits:   newLimiterSet(deps.ChatRatePerMinute),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/status", server.handleStatus)
	mux.HandleFunc("POST /api/register", server.handleRegister)
	mux.HandleFunc("POST /api/login", server.handleLogin)
	mux.HandleFunc("POST /api/logout", server.withSession(server.handleLogout))
	mux.HandleFunc("POST /api/chat", server.withSession(server.handleChat))
	mux.HandleFunc("GET /api/history", server.withSession(server.handleHistory))
	mux.HandleFunc("POST /api/audit", server.withSession(server.handleAudit))

	handler := mountWithBasePath(server.basePath, mux)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if server.basePath != "" {
		server.logger.Info("http server configured with base path", "base_path", server.basePath)
	}

	return server
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"store_status": s.deps.StoreStatus,
		"personas":     []tools.Persona{tools.PersonaCustomer, tools.PersonaBusiness},
	})
}

type registerRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	Role       string `json:"role"`
	CustomerID string `json:"customer_id"`
	Phone      string `json:"phone"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	acct, err := s.deps.Accounts.Register(auth.RegisterInput{
		Username:   req.Username,
		Password:   req.Password,
		Role:       strings.ToLower(strings.TrimSpace(req.Role)),
		CustomerID: req.CustomerID,
		Phone:      req.Phone,
	})
	if err != nil {
		writeError(w, s.registerStatus(err, req.Username), auth.Message(err))
		return
	}
	s.logger.Info("account registered", "username", acct.Username, "role", acct.Role)
	writeJSON(w, http.StatusCreated, map[string]string{
		"message": fmt.Sprintf("Account for '%s' created successfully! You can now log in.", acct.Username),
	})
}

func (s *Server) registerStatus(err error, username string) int {
	switch {
	case errors.Is(err, auth.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, auth.ErrEmptyCredentials),
		errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, auth.ErrInvalidRole),
		errors.Is(err, auth.ErrCustomerIDRequired):
		return http.StatusBadRequest
	default:
		s.logger.Error("register failed", "username", username, "error", err)
		s.countError()
		return http.StatusInternalServerError
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	persona, ok := tools.ParsePersona(req.Role)
	if !ok {
		writeError(w, http.StatusBadRequest, "role must be customer or business")
		return
	}
	acct, err := s.deps.Accounts.Authenticate(req.Username, req.Password, string(persona))
	if err != nil {
		writeError(w, http.StatusUnauthorized, auth.Message(err))
		return
	}
	sess := session.New(acct.Username, persona, acct.CustomerID)
	if err := s.deps.Sessions.Save(r.Context(), sess); err != nil {
		s.logger.Error("save session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not start session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":       sess.Token,
		"persona":     string(sess.Persona),
		"customer_id": sess.CustomerID,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	sess.Reset()
	locks := s.locksFor(sess.Token)
	locks.write.Lock()
	err := s.deps.Sessions.Delete(r.Context(), sess.Token)
	locks.write.Unlock()
	if err != nil {
		s.logger.Warn("delete session failed", "error", err)
	}
	s.limits.forget(sess.Token)
	s.locks.Delete(sess.Token)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	var req chatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	prompt := strings.TrimSpace(req.Message)
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if !s.limits.allow(sess.Token) {
		writeError(w, http.StatusTooManyRequests, "too many messages, please slow down")
		return
	}

	turn := &s.locksFor(sess.Token).turn
	turn.Lock()
	defer turn.Unlock()
	current, ok := s.reload(w, r, sess.Token)
	if !ok {
		return
	}

	res, err := s.deps.Chat.Respond(r.Context(), convo.Request{
		Persona:    current.Persona,
		CustomerID: current.CustomerID,
		History:    current.History,
		Prompt:     prompt,
	})
	if err != nil {
		s.logger.Warn("chat turn aborted", "error", err)
		s.countError()
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
		return
	}

	saved := s.update(w, r, sess.Token, func(latest *session.Session) {
		latest.AppendTurn(prompt, res.Text, res.Steps)
	})
	if !saved {
		s.logger.Info("session ended during chat turn, answer dropped")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"answer": res.Text,
		"steps":  nonNilSteps(res.Steps),
		"rounds": res.Rounds,
		"failed": res.Failed,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	history := sess.History
	if history == nil {
		history = []convo.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"persona":        sess.Persona,
		"history":        history,
		"audit_log":      nonNilSteps(sess.Audit),
		"revenue_status": sess.RevenueStatus,
		"delay_status":   sess.DelayStatus,
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if sess.Persona != tools.PersonaBusiness {
		writeError(w, http.StatusForbidden, "the audit is only available to business users")
		return
	}
	revenue, delays := s.deps.Auditor.Audit(r.Context())
	saved := s.update(w, r, sess.Token, func(latest *session.Session) {
		latest.RevenueStatus, latest.DelayStatus = revenue, delays
	})
	if !saved {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"revenue_status": revenue,
		"delay_status":   delays,
	})
}

func (s *Server) countError() {
	if s.metrics != nil {
		s.metrics.Errors.WithLabelValues("http").Inc()
	}
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *session.Session)

func (s *Server) withSession(next sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		sess, err := s.deps.Sessions.Get(r.Context(), token)
		if err != nil {
			if !errors.Is(err, session.ErrNotFound) {
				s.logger.Error("load session failed", "error", err)
			}
			writeError(w, http.StatusUnauthorized, "session expired or unknown, please log in again")
			return
		}
		next(w, r, sess)
	}
}

// sessionLocks guards one token. turn serialises chat turns so each sees the
// previous answer; write orders the reload-and-save step against logout.
type sessionLocks struct {
	turn  sync.Mutex
	write sync.Mutex
}

func (s *Server) locksFor(token string) *sessionLocks {
	v, _ := s.locks.LoadOrStore(token, &sessionLocks{})
	return v.(*sessionLocks)
}

// update applies fn to the stored session and saves it. It returns false,
// with the response written, when the session ended in the meantime.
func (s *Server) update(w http.ResponseWriter, r *http.Request, token string, fn func(*session.Session)) bool {
	locks := s.locksFor(token)
	locks.write.Lock()
	defer locks.write.Unlock()
	latest, ok := s.reload(w, r, token)
	if !ok {
		return false
	}
	fn(latest)
	if err := s.deps.Sessions.Save(r.Context(), latest); err != nil {
		s.logger.Error("save session failed", "error", err)
	}
	return true
}

// reload fetches the stored copy of a session. When it is gone the response
// has already been written and ok is false.
func (s *Server) reload(w http.ResponseWriter, r *http.Request, token string) (*session.Session, bool) {
	sess, err := s.deps.Sessions.Get(r.Context(), token)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusUnauthorized, "session ended, please log in again")
		return nil, false
	case err != nil:
		s.logger.Error("load session failed", "error", err)
		s.countError()
		writeError(w, http.StatusInternalServerError, "could not load session")
		return nil, false
	}
	return sess, true
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

// limiterSet holds one token bucket per session.
type limiterSet struct {
	mu       sync.Mutex
	perMin   int
	limiters map[string]*rate.Limiter
}

func newLimiterSet(perMinute int) *limiterSet {
	return &limiterSet{perMin: perMinute, limiters: make(map[string]*rate.Limiter)}
}

func (l *limiterSet) allow(key string) bool {
	if l.perMin <= 0 {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(l.perMin)), min(l.perMin, 5))
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *limiterSet) forget(key string) {
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}

func nonNilSteps(steps []convo.Step) []convo.Step {
	if steps == nil {
		return []convo.Step{}
	}
	return steps
}

func decodeBody(w http.ResponseWriter, r *http.Request, dest any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}

func mountWithBasePath(basePath string, handler http.Handler) http.Handler {
	if basePath == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, basePath) {
			http.NotFound(w, r)
			return
		}
		if len(r.URL.Path) > len(basePath) && r.URL.Path[len(basePath)] != '/' {
			http.NotFound(w, r)
			return
		}
		trimmed := strings.TrimPrefix(r.URL.Path, basePath)
		if trimmed == "" {
			trimmed = "/"
		}
		r.URL.Path = trimmed
		if r.URL.RawPath != "" {
			rawTrimmed := strings.TrimPrefix(r.URL.RawPath, basePath)
			if rawTrimmed == "" {
				rawTrimmed = "/"
			}
			r.URL.RawPath = rawTrimmed
		}
		handler.ServeHTTP(w, r)
	})
}

func normaliseBasePath(base string) string {
	base = strings.TrimSpace(base)
	if base == "" || base == "/" {
		return ""
	}
	if !strings.HasPrefix(base, "/") {
		base = "/" + base
	}
	return strings.TrimSuffix(base, "/")
}
