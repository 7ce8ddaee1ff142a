package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"abi-agent/internal/llm"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "test-key", Model: "gemini-test", BaseURL: srv.URL}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestChatWithToolsSendsDeclarationsAndParsesCalls(t *testing.T) {
	var got generateRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1beta/models/gemini-test:generateContent", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("x-goog-api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"functionCall":{"name":"get_my_orders","args":{}}}]}}]}`)
	})

	resp, err := client.ChatWithTools(context.Background(), llm.Request{
		System:      "be helpful",
		Messages:    []llm.ChatMessage{{Role: llm.RoleUser, Content: "where is my order?"}},
		Tools:       []llm.Tool{{Name: "get_my_orders", Description: "orders", Parameters: json.RawMessage(`{"type":"object","properties":{}}`)}},
		Temperature: 0.1,
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "get_my_orders", resp.ToolCalls[0].Name)
	require.True(t, strings.HasPrefix(resp.ToolCalls[0].ID, "call_"))
	require.Equal(t, "tool_calls", resp.FinishReason)

	require.NotNil(t, got.SystemInstruction)
	require.Equal(t, "be helpful", got.SystemInstruction.Parts[0].Text)
	require.Len(t, got.Tools, 1)
	require.Equal(t, "get_my_orders", got.Tools[0].FunctionDeclarations[0].Name)
	require.Equal(t, llm.ToolModeAuto, got.ToolConfig.FunctionCallingConfig.Mode)
	require.InDelta(t, 0.1, got.GenerationConfig.Temperature, 1e-9)
}

func TestChatWithToolsText(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello "},{"text":"there"}]},"finishReason":"STOP"}]}`)
	})
	resp, err := client.ChatWithTools(context.Background(), llm.Request{Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	require.Equal(t, "Hello there", resp.Content)
	require.Equal(t, "stop", resp.FinishReason)
}

func TestChatWithToolsErrorsKeepUpstreamDetail(t *testing.T) {
	cases := []struct {
		status   int
		body     string
		sentinel error
	}{
		{http.StatusTooManyRequests, `{"error":{"status":"RESOURCE_EXHAUSTED","message":"quota exceeded"}}`, llm.ErrRateLimited},
		{http.StatusServiceUnavailable, `{"error":{"status":"UNAVAILABLE","message":"The model is overloaded"}}`, llm.ErrUnavailable},
		{http.StatusForbidden, `{"error":{"status":"PERMISSION_DENIED"}}`, llm.ErrUnauthorized},
	}
	for _, tc := range cases {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, tc.body)
		})
		_, err := client.ChatWithTools(context.Background(), llm.Request{Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "hi"}}})
		if !errors.Is(err, tc.sentinel) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.sentinel, err)
		}
		require.Contains(t, err.Error(), tc.body)
	}
}

func TestChatWithToolsEmptyCandidates(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"candidates":[],"promptFeedback":{"blockReason":"SAFETY"}}`)
	})
	_, err := client.ChatWithTools(context.Background(), llm.Request{Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "hi"}}})
	require.ErrorIs(t, err, llm.ErrEmptyReply)
	require.Contains(t, err.Error(), "SAFETY")
}

func TestToContentsMergesToolResults(t *testing.T) {
	contents := toContents([]llm.ChatMessage{
		{Role: llm.RoleUser, Content: "check things"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "a", Name: "check_revenue_anomalies"}, {ID: "b", Name: "check_critical_delays"}}},
		{Role: llm.RoleTool, ToolCallID: "a", Content: "none"},
		{Role: llm.RoleTool, ToolCallID: "b", Content: "all good"},
	})
	require.Len(t, contents, 3)
	require.Equal(t, "model", contents[1].Role)
	require.Len(t, contents[1].Parts, 2)
	require.Equal(t, "user", contents[2].Role)
	require.Len(t, contents[2].Parts, 2)
	require.Equal(t, "check_revenue_anomalies", contents[2].Parts[0].FunctionResponse.Name)
	require.Equal(t, "check_critical_delays", contents[2].Parts[1].FunctionResponse.Name)
	require.Equal(t, "all good", contents[2].Parts[1].FunctionResponse.Response["result"])
}

func TestThoughtPartsAreSkipped(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[`+
			`{"text":"Let me check the orders table first.","thought":true},`+
			`{"text":"You have 2 open orders."}]},"finishReason":"STOP"}]}`)
	})
	resp, err := client.ChatWithTools(context.Background(), llm.Request{Messages: []llm.ChatMessage{{Role: llm.RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	require.Equal(t, "You have 2 open orders.", resp.Content)
}

func TestThoughtSignatureRoundTrips(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []generateRequest
	)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var got generateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		mu.Lock()
		requests = append(requests, got)
		n := len(requests)
		mu.Unlock()
		if n == 1 {
			_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[`+
				`{"functionCall":{"name":"get_my_orders","args":{}},"thoughtSignature":"c2lnLTE="}]}}]}`)
			return
		}
		_, _ = io.WriteString(w, `{"candidates":[{"content":{"role":"model","parts":[{"text":"done"}]}}]}`)
	})

	messages := []llm.ChatMessage{{Role: llm.RoleUser, Content: "where is my order?"}}
	first, err := client.ChatWithTools(context.Background(), llm.Request{Messages: messages})
	require.NoError(t, err)
	require.Len(t, first.ToolCalls, 1)
	require.Equal(t, "c2lnLTE=", first.ToolCalls[0].Signature)

	call := first.ToolCalls[0]
	messages = append(messages,
		llm.ChatMessage{Role: llm.RoleAssistant, ToolCalls: first.ToolCalls},
		llm.ChatMessage{Role: llm.RoleTool, ToolCallID: call.ID, ToolName: call.Name, Content: "no orders"},
	)
	_, err = client.ChatWithTools(context.Background(), llm.Request{Messages: messages})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, requests, 2)
	echoed := requests[1].Contents[1].Parts[0]
	require.NotNil(t, echoed.FunctionCall)
	require.Equal(t, "get_my_orders", echoed.FunctionCall.Name)
	require.Equal(t, "c2lnLTE=", echoed.ThoughtSignature)
}
