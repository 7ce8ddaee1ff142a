package convo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"abi-agent/internal/llm"
	"abi-agent/internal/tools"

	"github.com/stretchr/testify/require"
)

type scriptedReply struct {
	resp llm.ChatResponse
	err  error
}

type fakeModel struct {
	mu       sync.Mutex
	replies  []scriptedReply
	requests []llm.Request
}

func (f *fakeModel) ChatWithTools(_ context.Context, req llm.Request) (llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if len(f.replies) == 0 {
		return llm.ChatResponse{Content: "done"}, nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r.resp, r.err
}

type fakeTools struct {
	outputs map[string]string
	errs    map[string]error
	calls   []string
}

func (f *fakeTools) ForPersona(tools.Persona) []llm.Tool {
	return []llm.Tool{{Name: "get_my_orders"}}
}

func (f *fakeTools) Dispatch(_ context.Context, _ tools.Persona, _ string, name string, _ map[string]any) (string, error) {
	f.calls = append(f.calls, name)
	if err := f.errs[name]; err != nil {
		return "", err
	}
	return f.outputs[name], nil
}

type chanLeads struct{ ch chan string }

func (c chanLeads) LogLead(_ context.Context, customerID, message string) error {
	c.ch <- customerID + ":" + message
	return nil
}

type failingLeads struct{}

func (failingLeads) LogLead(context.Context, string, string) error {
	panic("store exploded")
}

func newTestEngine(model llm.Client, dispatcher Dispatcher, leads LeadLogger) *Engine {
	return New(model, dispatcher, leads, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		MaxRounds:   5,
		Temperature: 0.1,
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxJitter:   -1,
	})
}

func toolCall(name string) llm.ChatResponse {
	return llm.ChatResponse{ToolCalls: []llm.ToolCall{{ID: "call_" + name, Name: name, Args: map[string]any{"customer_id": "CUST_001"}}}}
}

func TestRetrySleepsTwiceThenSucceeds(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{
		{err: fmt.Errorf("%w: 503 Service Unavailable", llm.ErrUnavailable)},
		{err: errors.New("429 Too Many Requests")},
		{resp: llm.ChatResponse{Content: "All good"}},
	}}
	engine := newTestEngine(model, &fakeTools{}, nil)
	var waits []time.Duration
	engine.retry.onRetry = func(_ int, wait time.Duration) { waits = append(waits, wait) }

	res, err := engine.Respond(context.Background(), Request{Persona: tools.PersonaBusiness, Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "All good", res.Text)
	require.False(t, res.Failed)
	require.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, waits)
}

func TestRetryJitterDefaultsToOneSecond(t *testing.T) {
	engine := New(&fakeModel{}, &fakeTools{}, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		BaseDelay: 2 * time.Second,
	})
	require.Equal(t, time.Second, engine.retry.jitter)

	var extras []time.Duration
	for range 10 {
		b := &expJitter{base: engine.retry.base, jitter: engine.retry.jitter, rnd: engine.retry.rnd}
		for n := range 3 {
			wait := b.NextBackOff()
			floor := 2 * time.Second << n
			require.GreaterOrEqual(t, wait, floor)
			require.Less(t, wait, floor+time.Second)
			extras = append(extras, wait-floor)
		}
	}
	distinct := map[time.Duration]bool{}
	for _, d := range extras {
		distinct[d] = true
	}
	require.Greater(t, len(distinct), 1)
}

func TestRetryWaitsIncludeJitter(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{
		{err: errors.New("503 UNAVAILABLE")},
		{err: errors.New("503 UNAVAILABLE")},
		{resp: llm.ChatResponse{Content: "ok"}},
	}}
	engine := New(model, &fakeTools{}, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxJitter:   10 * time.Millisecond,
	})
	engine.retry.rnd = func() float64 { return 0.5 }
	var waits []time.Duration
	engine.retry.onRetry = func(_ int, wait time.Duration) { waits = append(waits, wait) }

	res, err := engine.Respond(context.Background(), Request{Persona: tools.PersonaBusiness, Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "ok", res.Text)
	require.Equal(t, []time.Duration{6 * time.Millisecond, 7 * time.Millisecond}, waits)
}

func TestNegativeJitterDisablesIt(t *testing.T) {
	engine := New(&fakeModel{}, &fakeTools{}, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Config{MaxJitter: -1})
	require.Zero(t, engine.retry.jitter)
}

func TestRetryGivesUpAfterThreeTransientFailures(t *testing.T) {
	busy := scriptedReply{err: errors.New("503 UNAVAILABLE: The model is overloaded")}
	model := &fakeModel{replies: []scriptedReply{busy, busy, busy, {resp: llm.ChatResponse{Content: "too late"}}}}
	engine := newTestEngine(model, &fakeTools{}, nil)

	res, err := engine.Respond(context.Background(), Request{Persona: tools.PersonaBusiness, Prompt: "hi"})
	require.NoError(t, err)
	require.True(t, res.Failed)
	require.True(t, strings.HasPrefix(res.Text, "❌ Error: Service overloaded after 3 attempts. Please try again later.\n\nDetails: "), res.Text)
	require.Len(t, model.requests, 3)
}

func TestQuotaErrorIsNotRetried(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{
		{err: fmt.Errorf("%w: 429: RESOURCE_EXHAUSTED You exceeded your current quota", llm.ErrRateLimited)},
	}}
	engine := newTestEngine(model, &fakeTools{}, nil)
	retries := 0
	engine.retry.onRetry = func(int, time.Duration) { retries++ }

	res, err := engine.Respond(context.Background(), Request{Persona: tools.PersonaBusiness, Prompt: "hi"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(res.Text, "❌ Error: API quota exceeded."), res.Text)
	require.Zero(t, retries)
	require.Len(t, model.requests, 1)
}

func TestOtherErrorsAreNotRetried(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{{err: errors.New("invalid argument")}}}
	res, err := newTestEngine(model, &fakeTools{}, nil).Respond(context.Background(), Request{Persona: tools.PersonaBusiness, Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, "❌ Error generating response: invalid argument", res.Text)
	require.Len(t, model.requests, 1)
}

func TestToolStepsAreRecordedInCallThenOutputOrder(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{
		{resp: toolCall("get_my_orders")},
		{resp: toolCall("check_critical_delays")},
		{resp: llm.ChatResponse{Content: "Your order is late."}},
	}}
	dispatcher := &fakeTools{
		outputs: map[string]string{"get_my_orders": "ORD1001 delayed"},
		errs:    map[string]error{"check_critical_delays": errors.New("boom")},
	}
	res, err := newTestEngine(model, dispatcher, nil).Respond(context.Background(), Request{
		Persona: tools.PersonaBusiness,
		History: []Turn{{Role: "user", Content: "earlier"}, {Role: "assistant", Content: "reply"}},
		Prompt:  "where is my order?",
	})
	require.NoError(t, err)
	require.Equal(t, "Your order is late.", res.Text)
	require.Equal(t, 3, res.Rounds)
	require.Equal(t, []Step{
		{Kind: StepCall, Name: "get_my_orders", Args: map[string]any{"customer_id": "CUST_001"}},
		{Kind: StepOutput, Name: "get_my_orders", Output: "ORD1001 delayed"},
		{Kind: StepCall, Name: "check_critical_delays", Args: map[string]any{"customer_id": "CUST_001"}},
		{Kind: StepOutput, Name: "check_critical_delays", Output: "Error executing check_critical_delays: boom"},
	}, res.Steps)

	last := model.requests[2].Messages
	require.Equal(t, llm.RoleAssistant, last[1].Role)
	require.Equal(t, llm.RoleTool, last[len(last)-1].Role)
	require.Equal(t, "call_check_critical_delays", last[len(last)-1].ToolCallID)
}

func TestEmptyAnswerFallsBack(t *testing.T) {
	model := &fakeModel{replies: []scriptedReply{{resp: llm.ChatResponse{Content: "  "}}}}
	res, err := newTestEngine(model, &fakeTools{}, nil).Respond(context.Background(), Request{Persona: tools.PersonaBusiness, Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, FallbackMessage, res.Text)
}

func TestToolRoundLimitForcesTextAnswer(t *testing.T) {
	var replies []scriptedReply
	for range 10 {
		replies = append(replies, scriptedReply{resp: toolCall("get_my_orders")})
	}
	model := &fakeModel{replies: replies}
	res, err := newTestEngine(model, &fakeTools{}, nil).Respond(context.Background(), Request{Persona: tools.PersonaBusiness, Prompt: "loop"})
	require.NoError(t, err)
	require.Equal(t, FallbackMessage, res.Text)
	require.Len(t, model.requests, 7)
	require.Equal(t, llm.ToolModeNone, model.requests[6].ToolMode)
	require.Len(t, res.Steps, 10)
}

func TestCustomerTurnsLogLeads(t *testing.T) {
	leads := chanLeads{ch: make(chan string, 1)}
	engine := newTestEngine(&fakeModel{}, &fakeTools{}, leads)
	_, err := engine.Respond(context.Background(), Request{Persona: tools.PersonaCustomer, CustomerID: "CUST_001", Prompt: "hello"})
	require.NoError(t, err)

	select {
	case got := <-leads.ch:
		require.Equal(t, "CUST_001:hello", got)
	case <-time.After(time.Second):
		t.Fatal("lead was not logged")
	}
	engine.Wait()
}

func TestLeadFailureNeverFailsTheTurn(t *testing.T) {
	engine := newTestEngine(&fakeModel{}, &fakeTools{}, failingLeads{})
	res, err := engine.Respond(context.Background(), Request{Persona: tools.PersonaCustomer, CustomerID: "CUST_001", Prompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, "done", res.Text)
	engine.Wait()
}

func TestSystemInstructionNamesCustomer(t *testing.T) {
	require.Contains(t, SystemInstruction(tools.PersonaCustomer, "CUST_042"), "CUST_042")
	require.Contains(t, SystemInstruction(tools.PersonaBusiness, ""), "query_business_data")
}
