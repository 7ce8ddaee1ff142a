// Package gemini implements llm.Client on top of the Gemini generateContent
// REST endpoint.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"abi-agent/internal/llm"
	"abi-agent/internal/metrics"

	"github.com/google/uuid"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Config holds Gemini client configuration.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Client provides typed access to the Gemini API.
type Client struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	metrics *metrics.Metrics
}

// New creates a Gemini client.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &Client{
		logger:  logger.With("component", "gemini"),
		baseURL: base,
		apiKey:  cfg.APIKey,
		model:   model,
		http:    &http.Client{Timeout: timeout},
		metrics: metricRegistry,
	}
}

// ChatWithTools sends one generateContent request and returns the reply
// text and any function calls.
func (c *Client) ChatWithTools(ctx context.Context, req llm.Request) (llm.ChatResponse, error) {
	payload := generateRequest{
		Contents: toContents(req.Messages),
		GenerationConfig: &generationConfig{
			Temperature: req.Temperature,
		},
	}
	if req.System != "" {
		payload.SystemInstruction = &content{Parts: []part{{Text: req.System}}}
	}
	if len(req.Tools) > 0 {
		payload.Tools = []toolSet{{FunctionDeclarations: toDeclarations(req.Tools)}}
		mode := req.ToolMode
		if mode == "" {
			mode = llm.ToolModeAuto
		}
		payload.ToolConfig = &toolConfig{FunctionCallingConfig: functionCallingConfig{Mode: mode}}
	}

	var resp generateResponse
	if err := c.do(ctx, payload, &resp); err != nil {
		return llm.ChatResponse{}, err
	}
	if len(resp.Candidates) == 0 {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return llm.ChatResponse{}, fmt.Errorf("%w: prompt blocked (%s)", llm.ErrEmptyReply, resp.PromptFeedback.BlockReason)
		}
		return llm.ChatResponse{}, llm.ErrEmptyReply
	}

	text, calls := extractParts(resp.Candidates[0].Content.Parts)
	if text == "" && len(calls) == 0 {
		// Some replies only carry text on a later candidate.
		for _, cand := range resp.Candidates[1:] {
			if t, _ := extractParts(cand.Content.Parts); t != "" {
				text = t
				break
			}
		}
	}
	finish := "stop"
	if len(calls) > 0 {
		finish = "tool_calls"
	} else if fr := resp.Candidates[0].FinishReason; fr != "" {
		finish = strings.ToLower(fr)
	}
	return llm.ChatResponse{Content: text, ToolCalls: calls, FinishReason: finish}, nil
}

func (c *Client) do(ctx context.Context, payload generateRequest, dest *generateResponse) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, url.PathEscape(c.model))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.observe("error", start)
		return fmt.Errorf("gemini request: %w", err)
	}
	defer res.Body.Close()
	c.observe(fmt.Sprintf("%d", res.StatusCode), start)

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 400 {
		return classifyHTTPError(res.Status, res.StatusCode, bodyBytes)
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) observe(status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.LLMRequests.WithLabelValues(status).Inc()
	c.metrics.LLMLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

// classifyHTTPError keeps the upstream status and body in the message so
// callers can match provider codes such as RESOURCE_EXHAUSTED.
func classifyHTTPError(status string, code int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	var sentinel error
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		sentinel = llm.ErrUnauthorized
	case code == http.StatusTooManyRequests:
		sentinel = llm.ErrRateLimited
	case code >= 500:
		sentinel = llm.ErrUnavailable
	default:
		return fmt.Errorf("gemini error: %s: %s", status, detail)
	}
	return fmt.Errorf("%w: %s: %s", sentinel, status, detail)
}

type generateRequest struct {
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	Contents          []content         `json:"contents"`
	Tools             []toolSet         `json:"tools,omitempty"`
	ToolConfig        *toolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	Temperature float64 `json:"temperature"`
}

type toolConfig struct {
	FunctionCallingConfig functionCallingConfig `json:"functionCallingConfig"`
}

type functionCallingConfig struct {
	Mode string `json:"mode"`
}

type toolSet struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

// part is one piece of a content. Thought parts carry the model's reasoning
// summary and are never shown to users; ThoughtSignature must be sent back on
// the functionCall part it arrived with.
type part struct {
	Text             string            `json:"text,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
	ThoughtSignature string            `json:"thoughtSignature,omitempty"`
	FunctionCall     *functionCall     `json:"functionCall,omitempty"`
	FunctionResponse *functionResponse `json:"functionResponse,omitempty"`
}

type functionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type functionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type generateResponse struct {
	Candidates     []candidate     `json:"candidates"`
	PromptFeedback *promptFeedback `json:"promptFeedback,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason"`
}

func toDeclarations(tools []llm.Tool) []functionDeclaration {
	out := make([]functionDeclaration, 0, len(tools))
	for _, t := range tools {
		out = append(out, functionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return out
}

// toContents maps the conversation onto Gemini contents. Consecutive tool
// results become one user content with several functionResponse parts.
func toContents(messages []llm.ChatMessage) []content {
	var out []content
	names := make(map[string]string)
	for _, msg := range messages {
		switch msg.Role {
		case llm.RoleTool:
			name := msg.ToolName
			if name == "" {
				name = names[msg.ToolCallID]
			}
			p := part{FunctionResponse: &functionResponse{
				Name:     name,
				Response: map[string]any{"result": msg.Content},
			}}
			if n := len(out); n > 0 && out[n-1].Role == "user" && out[n-1].Parts[0].FunctionResponse != nil {
				out[n-1].Parts = append(out[n-1].Parts, p)
				continue
			}
			out = append(out, content{Role: "user", Parts: []part{p}})
		default:
			var parts []part
			if msg.Content != "" {
				parts = append(parts, part{Text: msg.Content})
			}
			for _, call := range msg.ToolCalls {
				names[call.ID] = call.Name
				args := call.Args
				if args == nil {
					args = map[string]any{}
				}
				parts = append(parts, part{
					FunctionCall:     &functionCall{Name: call.Name, Args: args},
					ThoughtSignature: call.Signature,
				})
			}
			if len(parts) == 0 {
				continue
			}
			out = append(out, content{Role: mapRole(msg.Role), Parts: parts})
		}
	}
	return out
}

func mapRole(role string) string {
	switch role {
	case llm.RoleAssistant, "model":
		return "model"
	default:
		return "user"
	}
}

func extractParts(parts []part) (string, []llm.ToolCall) {
	var buf strings.Builder
	var calls []llm.ToolCall
	for _, p := range parts {
		if p.Thought {
			continue
		}
		if p.Text != "" {
			buf.WriteString(p.Text)
		}
		if p.FunctionCall != nil {
			args := p.FunctionCall.Args
			if args == nil {
				args = map[string]any{}
			}
			calls = append(calls, llm.ToolCall{
				ID:        "call_" + uuid.NewString(),
				Name:      p.FunctionCall.Name,
				Args:      args,
				Signature: p.ThoughtSignature,
			})
		}
	}
	return buf.String(), calls
}
