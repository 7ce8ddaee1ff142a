package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	ChatTurns          *prometheus.CounterVec
	LLMRequests        *prometheus.CounterVec
	LLMLatency         *prometheus.HistogramVec
	LLMRetries         *prometheus.CounterVec
	ToolCalls          *prometheus.CounterVec
	ToolLatency        *prometheus.HistogramVec
	StoreRequests      *prometheus.CounterVec
	StoreLatency       *prometheus.HistogramVec
	Leads              *prometheus.CounterVec
	WAIncomingMessages *prometheus.CounterVec
	WAOutgoingMessages *prometheus.CounterVec
	Errors             *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			ChatTurns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chat_turns_total",
				Help:      "Total user turns handled by persona and outcome.",
			}, []string{"persona", "outcome"}),
			LLMRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_requests_total",
				Help:      "Total LLM generateContent requests by outcome.",
			}, []string{"status"}),
			LLMLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "llm_request_duration_seconds",
				Help:      "Latency distribution for LLM calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
			LLMRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_retries_total",
				Help:      "LLM retry decisions grouped by reason.",
			}, []string{"reason"}),
			ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Tool invocations by tool and status.",
			}, []string{"tool", "status"}),
			ToolLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_duration_seconds",
				Help:      "Latency distribution for tool invocations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"tool"}),
			StoreRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "docstore_requests_total",
				Help:      "Document store operations by collection, operation and status.",
			}, []string{"collection", "op", "status"}),
			StoreLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "docstore_request_duration_seconds",
				Help:      "Latency distribution for document store operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			Leads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "leads_logged_total",
				Help:      "Customer leads logged by outcome.",
			}, []string{"status"}),
			WAIncomingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_incoming_messages_total",
				Help:      "Total incoming WhatsApp messages processed.",
			}, []string{"type"}),
			WAOutgoingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_outgoing_messages_total",
				Help:      "Total outgoing WhatsApp messages sent.",
			}, []string{"type"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.ChatTurns,
			metricsInstance.LLMRequests,
			metricsInstance.LLMLatency,
			metricsInstance.LLMRetries,
			metricsInstance.ToolCalls,
			metricsInstance.ToolLatency,
			metricsInstance.StoreRequests,
			metricsInstance.StoreLatency,
			metricsInstance.Leads,
			metricsInstance.WAIncomingMessages,
			metricsInstance.WAOutgoingMessages,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}
