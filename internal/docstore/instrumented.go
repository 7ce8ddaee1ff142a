package docstore

import (
	"context"
	"time"

	"abi-agent/internal/metrics"
)

type instrumented struct {
	Store
	metrics *metrics.Metrics
}

// Instrument wraps store so every fetch and append is counted and timed.
func Instrument(store Store, metricRegistry *metrics.Metrics) Store {
	if metricRegistry == nil {
		return store
	}
	return &instrumented{Store: store, metrics: metricRegistry}
}

func (i *instrumented) FetchAll(ctx context.Context, collection string) ([]Document, error) {
	start := time.Now()
	docs, err := i.Store.FetchAll(ctx, collection)
	i.observe(collection, "fetch_all", start, err)
	return docs, err
}

func (i *instrumented) Append(ctx context.Context, collection string, doc Document) error {
	start := time.Now()
	err := i.Store.Append(ctx, collection, doc)
	i.observe(collection, "append", start, err)
	return err
}

func (i *instrumented) observe(collection, op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		i.metrics.Errors.WithLabelValues("docstore").Inc()
	}
	i.metrics.StoreRequests.WithLabelValues(collection, op, status).Inc()
	i.metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
