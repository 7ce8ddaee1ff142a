package data

import (
	"context"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"abi-agent/internal/docstore"
	"abi-agent/internal/metrics"

	"github.com/google/uuid"
)

// LeadPreviewRunes bounds the message preview stored with a lead.
const LeadPreviewRunes = 100

// LeadLogger appends customer utterances to the leads collection.
type LeadLogger struct {
	store   docstore.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewLeadLogger builds a LeadLogger writing to store.
func NewLeadLogger(store docstore.Store, logger *slog.Logger, metricRegistry *metrics.Metrics) *LeadLogger {
	return &LeadLogger{
		store:   store,
		logger:  logger.With("component", "leads"),
		metrics: metricRegistry,
		now:     time.Now,
	}
}

// LogLead records one customer message.
func (l *LeadLogger) LogLead(ctx context.Context, customerID, message string) error {
	doc := docstore.Document{
		"lead_id":         uuid.NewString(),
		"customer_id":     NormalizeCustomerID(customerID),
		"message_preview": truncateRunes(message, LeadPreviewRunes),
		"timestamp":       l.now().UTC(),
	}
	err := l.store.Append(ctx, docstore.CollectionLeads, doc)
	if l.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		l.metrics.Leads.WithLabelValues(status).Inc()
	}
	if err != nil {
		return fmt.Errorf("log lead: %w", err)
	}
	return nil
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
