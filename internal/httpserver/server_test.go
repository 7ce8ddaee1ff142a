package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"abi-agent/internal/auth"
	"abi-agent/internal/convo"
	"abi-agent/internal/session"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type echoResponder struct {
	requests []convo.Request
}

func (e *echoResponder) Respond(_ context.Context, req convo.Request) (convo.Result, error) {
	e.requests = append(e.requests, req)
	return convo.Result{
		Text:   "echo: " + req.Prompt,
		Steps:  []convo.Step{{Kind: convo.StepCall, Name: "get_my_orders"}},
		Rounds: 2,
	}, nil
}

type staticAuditor struct{}

func (staticAuditor) Audit(context.Context) (string, string) {
	return "✓ No significant revenue anomalies detected.", "✓ All pending orders are on track."
}

// gatedResponder blocks every turn until release yields, so tests can act
// while a turn is in flight.
type gatedResponder struct {
	started chan convo.Request
	release chan struct{}
}

func newGatedResponder() *gatedResponder {
	return &gatedResponder{started: make(chan convo.Request, 4), release: make(chan struct{})}
}

func (g *gatedResponder) Respond(ctx context.Context, req convo.Request) (convo.Result, error) {
	g.started <- req
	select {
	case <-g.release:
	case <-ctx.Done():
		return convo.Result{}, ctx.Err()
	}
	return convo.Result{Text: "answer to " + req.Prompt}, nil
}

type harness struct {
	handler   http.Handler
	responder *echoResponder
	sessions  *session.MemoryStore
}

func newHarness(t *testing.T, ratePerMinute int) harness {
	t.Helper()
	responder := &echoResponder{}
	h := newHarnessWith(t, ratePerMinute, responder)
	h.responder = responder
	return h
}

func newHarnessWith(t *testing.T, ratePerMinute int, chat Responder) harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	accounts, err := auth.NewStore(auth.Config{
		Path:     filepath.Join(t.TempDir(), "credentials.json"),
		HashCost: bcrypt.MinCost,
	}, logger)
	require.NoError(t, err)

	sessions := session.NewMemoryStore(time.Hour)
	srv := New(":0", logger, nil, Dependencies{
		Accounts:          accounts,
		Sessions:          sessions,
		Chat:              chat,
		Auditor:           staticAuditor{},
		StoreStatus:       "Firestore: Connected",
		ChatRatePerMinute: ratePerMinute,
	}, "")
	return harness{handler: srv.Handler(), sessions: sessions}
}

// chatAsync posts message on its own goroutine and delivers the recorder.
func (h harness) chatAsync(token, message string) <-chan *httptest.ResponseRecorder {
	done := make(chan *httptest.ResponseRecorder, 1)
	raw, _ := json.Marshal(map[string]string{"message": message})
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(raw))
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		done <- rec
	}()
	return done
}

func (h harness) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	out := map[string]any{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func (h harness) login(t *testing.T, username, password, role, customerID string) string {
	t.Helper()
	rec, _ := h.do(t, http.MethodPost, "/api/register", "", map[string]string{
		"username": username, "password": password, "role": role, "customer_id": customerID,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec, body := h.do(t, http.MethodPost, "/api/login", "", map[string]string{
		"username": username, "password": password, "role": role,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, 0)
	rec, body := h.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])
}

func TestStatusReportsStore(t *testing.T) {
	h := newHarness(t, 0)
	rec, body := h.do(t, http.MethodGet, "/api/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Firestore: Connected", body["store_status"])
}

func TestRegisterErrorsUseUserMessages(t *testing.T) {
	h := newHarness(t, 0)
	rec, body := h.do(t, http.MethodPost, "/api/register", "", map[string]string{
		"username": "alice", "password": "abc", "role": "business",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "Password must be at least 6 characters long.", body["error"])

	h.login(t, "alice", "secret1", "business", "")
	rec, _ = h.do(t, http.MethodPost, "/api/register", "", map[string]string{
		"username": "alice", "password": "secret1", "role": "business",
	})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestLoginFailuresAreDistinct(t *testing.T) {
	h := newHarness(t, 0)
	h.login(t, "bob", "hunter22", "customer", "CUST_001")

	rec, body := h.do(t, http.MethodPost, "/api/login", "", map[string]string{
		"username": "bob", "password": "wrong!!", "role": "customer",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Authentication failed: Incorrect password.", body["error"])

	rec, body = h.do(t, http.MethodPost, "/api/login", "", map[string]string{
		"username": "bob", "password": "hunter22", "role": "business",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Authentication failed: Incorrect role for this user.", body["error"])
}

func TestChatBindsSessionIdentityAndKeepsHistory(t *testing.T) {
	h := newHarness(t, 0)
	token := h.login(t, "carol", "secret1", "customer", "cust_007")

	rec, body := h.do(t, http.MethodPost, "/api/chat", token, map[string]string{"message": "where is my order?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "echo: where is my order?", body["answer"])
	require.Len(t, body["steps"], 1)

	require.Len(t, h.responder.requests, 1)
	require.Equal(t, "CUST_007", h.responder.requests[0].CustomerID)
	require.Empty(t, h.responder.requests[0].History)

	h.do(t, http.MethodPost, "/api/chat", token, map[string]string{"message": "thanks"})
	require.Len(t, h.responder.requests[1].History, 2)

	rec, body = h.do(t, http.MethodGet, "/api/history", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["history"], 4)
}

func TestChatRequiresSession(t *testing.T) {
	h := newHarness(t, 0)
	rec, _ := h.do(t, http.MethodPost, "/api/chat", "", map[string]string{"message": "hi"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = h.do(t, http.MethodPost, "/api/chat", "not-a-token", map[string]string{"message": "hi"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	h := newHarness(t, 0)
	token := h.login(t, "dora", "secret1", "business", "")
	rec, _ := h.do(t, http.MethodPost, "/api/chat", token, map[string]string{"message": "   "})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, h.responder.requests)
}

func TestChatIsRateLimitedPerSession(t *testing.T) {
	h := newHarness(t, 1)
	token := h.login(t, "erin", "secret1", "business", "")

	rec, _ := h.do(t, http.MethodPost, "/api/chat", token, map[string]string{"message": "one"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec, _ = h.do(t, http.MethodPost, "/api/chat", token, map[string]string{"message": "two"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAuditIsBusinessOnly(t *testing.T) {
	h := newHarness(t, 0)
	customer := h.login(t, "fred", "secret1", "customer", "CUST_002")
	rec, _ := h.do(t, http.MethodPost, "/api/audit", customer, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	business := h.login(t, "gina", "secret1", "business", "")
	rec, body := h.do(t, http.MethodGet, "/api/history", business, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, session.PendingAudit, body["revenue_status"])

	rec, body = h.do(t, http.MethodPost, "/api/audit", business, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "✓ All pending orders are on track.", body["delay_status"])

	_, body = h.do(t, http.MethodGet, "/api/history", business, nil)
	require.Equal(t, "✓ No significant revenue anomalies detected.", body["revenue_status"])
}

func TestLogoutEndsSession(t *testing.T) {
	h := newHarness(t, 0)
	token := h.login(t, "hank", "secret1", "business", "")
	rec, _ := h.do(t, http.MethodPost, "/api/logout", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = h.do(t, http.MethodGet, "/api/history", token, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutDuringChatKeepsSessionEnded(t *testing.T) {
	gated := newGatedResponder()
	h := newHarnessWith(t, 0, gated)
	token := h.login(t, "ivan", "secret1", "business", "")

	chat := h.chatAsync(token, "slow question")
	<-gated.started

	rec, _ := h.do(t, http.MethodPost, "/api/logout", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	close(gated.release)
	chatRec := <-chat
	require.Equal(t, http.StatusUnauthorized, chatRec.Code, chatRec.Body.String())

	_, err := h.sessions.Get(context.Background(), token)
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestConcurrentChatsOnOneSessionKeepEveryTurn(t *testing.T) {
	gated := newGatedResponder()
	h := newHarnessWith(t, 0, gated)
	token := h.login(t, "judy", "secret1", "business", "")

	first := h.chatAsync(token, "one")
	firstReq := <-gated.started
	require.Empty(t, firstReq.History)

	second := h.chatAsync(token, "two")
	select {
	case req := <-gated.started:
		t.Fatalf("second turn started before the first finished: %q", req.Prompt)
	case <-time.After(50 * time.Millisecond):
	}

	gated.release <- struct{}{}
	require.Equal(t, http.StatusOK, (<-first).Code)

	secondReq := <-gated.started
	require.Equal(t, []convo.Turn{
		{Role: "user", Content: "one"},
		{Role: "assistant", Content: "answer to one"},
	}, secondReq.History)
	gated.release <- struct{}{}
	require.Equal(t, http.StatusOK, (<-second).Code)

	rec, body := h.do(t, http.MethodGet, "/api/history", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["history"], 4)
}

func TestBasePathMounting(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(":0", logger, nil, Dependencies{}, "/abi/")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/abi/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/abix/healthz", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, "", normaliseBasePath(" / "))
	require.Equal(t, "/abi", normaliseBasePath("abi/"))
}
