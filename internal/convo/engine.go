// Package convo runs one user turn through the model: it builds the context,
// calls the model with the persona's tools, dispatches any tool calls, feeds
// the results back and returns the final answer with a trace of every call.
package convo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"abi-agent/internal/llm"
	"abi-agent/internal/metrics"
	"abi-agent/internal/tools"
)

// FallbackMessage is returned when the model produced no text.
const FallbackMessage = "I'm sorry, I couldn't generate a response. Please try rephrasing your question."

// Dispatcher executes tool calls for a persona.
type Dispatcher interface {
	ForPersona(p tools.Persona) []llm.Tool
	Dispatch(ctx context.Context, p tools.Persona, customerID, name string, args map[string]any) (string, error)
}

// LeadLogger records customer utterances.
type LeadLogger interface {
	LogLead(ctx context.Context, customerID, message string) error
}

// Turn is one entry of the persisted conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StepKind distinguishes tool calls from their outputs in a trace.
type StepKind string

const (
	StepCall   StepKind = "call"
	StepOutput StepKind = "output"
)

// Step is one entry of a turn's tool trace.
type Step struct {
	Kind   StepKind       `json:"kind"`
	Name   string         `json:"name"`
	Args   map[string]any `json:"args,omitempty"`
	Output string         `json:"output,omitempty"`
}

// Config tunes the loop and its retries.
type Config struct {
	MaxRounds   int
	Temperature float64
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxJitter is the upper bound of the random delay added to each retry
	// wait. Zero means one second; a negative value disables jitter.
	MaxJitter   time.Duration
	LeadTimeout time.Duration
}

// Request is one user turn.
type Request struct {
	Persona    tools.Persona
	CustomerID string
	History    []Turn
	Prompt     string
}

// Result is the answer to a turn. Failed is set when the model could not be
// reached and Text carries the error message shown to the user.
type Result struct {
	Text   string `json:"text"`
	Steps  []Step `json:"steps"`
	Rounds int    `json:"rounds"`
	Failed bool   `json:"failed"`
}

// Engine orchestrates model calls and tool dispatch.
type Engine struct {
	client  llm.Client
	tools   Dispatcher
	leads   LeadLogger
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config
	retry   *retrier
	leadsWG sync.WaitGroup
}

// New builds an Engine. leads may be nil.
func New(client llm.Client, dispatcher Dispatcher, leads LeadLogger, metricRegistry *metrics.Metrics, logger *slog.Logger, cfg Config) *Engine {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = 5
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	switch {
	case cfg.MaxJitter == 0:
		cfg.MaxJitter = time.Second
	case cfg.MaxJitter < 0:
		cfg.MaxJitter = 0
	}
	if cfg.LeadTimeout <= 0 {
		cfg.LeadTimeout = 10 * time.Second
	}
	logger = logger.With("component", "convo")
	return &Engine{
		client:  client,
		tools:   dispatcher,
		leads:   leads,
		metrics: metricRegistry,
		logger:  logger,
		cfg:     cfg,
		retry: &retrier{
			attempts: cfg.MaxAttempts,
			base:     cfg.BaseDelay,
			jitter:   cfg.MaxJitter,
			rnd:      defaultJitter,
			logger:   logger,
			metrics:  metricRegistry,
		},
	}
}

// Respond answers one turn. Model failures degrade to Result.Text with
// Failed set; only context cancellation is returned as an error.
func (e *Engine) Respond(ctx context.Context, req Request) (Result, error) {
	if req.Persona == tools.PersonaCustomer {
		e.logLeadAsync(ctx, req.CustomerID, req.Prompt)
	}

	messages := make([]llm.ChatMessage, 0, len(req.History)+1)
	for _, t := range req.History {
		role := llm.RoleUser
		if t.Role == llm.RoleAssistant || t.Role == "model" {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.ChatMessage{Role: role, Content: t.Content})
	}
	messages = append(messages, llm.ChatMessage{Role: llm.RoleUser, Content: req.Prompt})

	modelReq := llm.Request{
		System:      SystemInstruction(req.Persona, req.CustomerID),
		Tools:       e.tools.ForPersona(req.Persona),
		Temperature: e.cfg.Temperature,
		ToolMode:    llm.ToolModeAuto,
	}

	var res Result
	for {
		modelReq.Messages = messages
		resp, failure := e.retry.call(ctx, func(ctx context.Context) (llm.ChatResponse, error) {
			return e.client.ChatWithTools(ctx, modelReq)
		})
		res.Rounds++
		if failure != "" {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			e.countTurn(req.Persona, "failed")
			res.Text = failure
			res.Failed = true
			return res, nil
		}

		if len(resp.ToolCalls) == 0 || modelReq.ToolMode == llm.ToolModeNone {
			res.Text = strings.TrimSpace(resp.Content)
			break
		}
		if res.Rounds > e.cfg.MaxRounds {
			// Tool budget spent: ask once more with tools disabled.
			e.logger.Warn("tool round limit reached", "persona", req.Persona, "rounds", res.Rounds)
			modelReq.ToolMode = llm.ToolModeNone
			continue
		}

		messages = append(messages, llm.ChatMessage{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			res.Steps = append(res.Steps, Step{Kind: StepCall, Name: call.Name, Args: call.Args})
			out, err := e.tools.Dispatch(ctx, req.Persona, req.CustomerID, call.Name, call.Args)
			if err != nil {
				e.logger.Warn("tool failed", "tool", call.Name, "error", err)
				out = fmt.Sprintf("Error executing %s: %s", call.Name, err)
			}
			res.Steps = append(res.Steps, Step{Kind: StepOutput, Name: call.Name, Output: out})
			messages = append(messages, llm.ChatMessage{Role: llm.RoleTool, Content: out, ToolCallID: call.ID, ToolName: call.Name})
		}
	}

	if res.Text == "" {
		res.Text = FallbackMessage
	}
	e.countTurn(req.Persona, "ok")
	return res, nil
}

func (e *Engine) countTurn(p tools.Persona, outcome string) {
	if e.metrics != nil {
		e.metrics.ChatTurns.WithLabelValues(string(p), outcome).Inc()
	}
}

// logLeadAsync records the utterance without blocking or failing the turn.
func (e *Engine) logLeadAsync(ctx context.Context, customerID, message string) {
	if e.leads == nil {
		return
	}
	leadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.LeadTimeout)
	e.leadsWG.Add(1)
	go func() {
		defer e.leadsWG.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("lead logging panicked", "panic", r)
			}
		}()
		if err := e.leads.LogLead(leadCtx, customerID, message); err != nil {
			e.logger.Warn("lead logging failed", "customer_id", customerID, "error", err)
		}
	}()
}

// Wait blocks until background lead writes have finished.
func (e *Engine) Wait() {
	e.leadsWG.Wait()
}
