// Package tools declares the functions each persona may hand to the model
// and executes the model's calls against a fresh snapshot of the domain
// tables.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"abi-agent/internal/data"
	"abi-agent/internal/llm"
	"abi-agent/internal/metrics"
)

// Persona selects the tool set and system instructions for a conversation.
type Persona string

const (
	PersonaCustomer Persona = "customer"
	PersonaBusiness Persona = "business"
)

// ParsePersona maps a role string onto a Persona.
func ParsePersona(s string) (Persona, bool) {
	switch Persona(strings.ToLower(strings.TrimSpace(s))) {
	case PersonaCustomer:
		return PersonaCustomer, true
	case PersonaBusiness:
		return PersonaBusiness, true
	}
	return "", false
}

// ErrUnknownTool is returned for calls outside the persona's tool set.
var ErrUnknownTool = errors.New("unknown tool")

// TableLoader yields one consistent snapshot of the domain tables.
type TableLoader interface {
	LoadAll(ctx context.Context) (*data.TableSet, error)
}

// QueryRunner evaluates an analyst script against a snapshot.
type QueryRunner interface {
	Run(ctx context.Context, tables *data.TableSet, script string) (string, error)
}

// Options tunes the analytic tools.
type Options struct {
	Contamination float64
	Now           func() time.Time
}

type executor func(ctx context.Context, tables *data.TableSet, args map[string]any) (string, error)

type tool struct {
	decl llm.Tool
	exec executor
}

// Registry maps tool names to their declarations and executors.
type Registry struct {
	loader  TableLoader
	queries QueryRunner
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics

	tools map[string]tool
	sets  map[Persona][]string
}

// NewRegistry wires the customer and business tool sets.
func NewRegistry(loader TableLoader, queries QueryRunner, opts Options, logger *slog.Logger, metricRegistry *metrics.Metrics) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Contamination <= 0 {
		opts.Contamination = 0.05
	}
	r := &Registry{
		loader:  loader,
		queries: queries,
		opts:    opts,
		logger:  logger.With("component", "tools"),
		metrics: metricRegistry,
		tools:   make(map[string]tool),
		sets:    make(map[Persona][]string),
	}
	r.register(PersonaCustomer, getMyOrdersDecl, r.getMyOrders)
	r.register(PersonaBusiness, getOrderStatusDecl, r.getOrderStatus)
	r.register(PersonaBusiness, queryBusinessDataDecl, r.queryBusinessData)
	r.register(PersonaBusiness, checkRevenueAnomaliesDecl, r.checkRevenueAnomalies)
	r.register(PersonaBusiness, checkCriticalDelaysDecl, r.checkCriticalDelays)
	r.register(PersonaBusiness, forecastSupplyChainDecl, r.forecastSupplyChain)
	return r
}

func (r *Registry) register(p Persona, decl llm.Tool, exec executor) {
	r.tools[decl.Name] = tool{decl: decl, exec: exec}
	r.sets[p] = append(r.sets[p], decl.Name)
}

// ForPersona returns the declarations offered to the model for p.
func (r *Registry) ForPersona(p Persona) []llm.Tool {
	names := r.sets[p]
	out := make([]llm.Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name].decl)
	}
	return out
}

func (r *Registry) allowed(p Persona, name string) bool {
	for _, n := range r.sets[p] {
		if n == name {
			return true
		}
	}
	return false
}

// Dispatch executes one model-issued call. For the customer persona the
// customer_id argument is always replaced by the authenticated id; the
// caller's args map is never modified. A failed
// table load is reported as the tool's output so the model can relay it.
func (r *Registry) Dispatch(ctx context.Context, p Persona, customerID, name string, args map[string]any) (string, error) {
	if !r.allowed(p, name) {
		r.count(name, "rejected")
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	args = maps.Clone(args)
	if args == nil {
		args = map[string]any{}
	}
	if p == PersonaCustomer {
		if requested, ok := args["customer_id"].(string); ok && requested != "" &&
			data.NormalizeCustomerID(requested) != data.NormalizeCustomerID(customerID) {
			r.logger.Warn("customer tool asked for another customer, using session identity",
				"tool", name, "requested", requested, "session_customer", customerID)
		}
		args["customer_id"] = customerID
	}

	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.ToolLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
	}()

	tables, err := r.loader.LoadAll(ctx)
	if err != nil {
		r.count(name, "load_error")
		r.logger.Error("table load failed", "tool", name, "error", err)
		return loadErrorText(err), nil
	}

	out, err := r.tools[name].exec(ctx, tables, args)
	if err != nil {
		r.count(name, "error")
		return "", err
	}
	r.count(name, "ok")
	return out, nil
}

func (r *Registry) count(name, status string) {
	if r.metrics != nil {
		r.metrics.ToolCalls.WithLabelValues(name, status).Inc()
	}
}

func loadErrorText(err error) string {
	var le *data.LoadError
	if errors.As(err, &le) {
		return le.Error()
	}
	return "Data Load Error: " + err.Error()
}

// Audit runs the revenue and delivery checks used by the business status panel.
func (r *Registry) Audit(ctx context.Context) (revenue string, delays string) {
	tables, err := r.loader.LoadAll(ctx)
	if err != nil {
		msg := loadErrorText(err)
		return msg, msg
	}
	revenue, err = r.checkRevenueAnomalies(ctx, tables, nil)
	if err != nil {
		revenue = "Error executing check_revenue_anomalies: " + err.Error()
	}
	delays, err = r.checkCriticalDelays(ctx, tables, nil)
	if err != nil {
		delays = "Error executing check_critical_delays: " + err.Error()
	}
	return revenue, delays
}

func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err == nil {
			return n
		}
	}
	return fallback
}

func indentJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func dateString(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format("2006-01-02")
	return &s
}
