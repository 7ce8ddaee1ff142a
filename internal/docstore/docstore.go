package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"abi-agent/internal/metrics"
)

// Collection names used by the service.
const (
	CollectionCustomers = "customers"
	CollectionOrders    = "orders"
	CollectionProducts  = "products"
	CollectionRevenue   = "revenue"
	CollectionLeads     = "leads"
)

// StatusSuccess is the availability status reported when the store opened cleanly.
const StatusSuccess = "SUCCESS"

// Document is a schemaless record as stored in a collection.
type Document map[string]any

// Store is the contract every document backend satisfies. There is no query
// pushdown: callers fetch whole collections and filter in memory.
type Store interface {
	FetchAll(ctx context.Context, collection string) ([]Document, error)
	Append(ctx context.Context, collection string, doc Document) error
	Ping(ctx context.Context) error
	Close() error
}

// ErrUnavailable marks operations against a store that failed to initialise.
var ErrUnavailable = errors.New("document store unavailable")

// Config selects and configures a backend.
type Config struct {
	Driver                  string
	FirestoreProjectID      string
	FirebaseCredentialsFile string
	DatabaseURL             string
	DatabaseSchema          string
	SQLitePath              string
}

// Open builds the configured backend and returns it together with the
// availability status string. Initialisation failures never abort startup:
// the returned store is then an Unavailable that reports the same status.
func Open(ctx context.Context, cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) (Store, string) {
	store, err := openBackend(ctx, cfg, logger)
	if err != nil {
		status := fmt.Sprintf("ERROR: %s initialisation failed. Details: %v", cfg.Driver, err)
		logger.Error("document store unavailable", "driver", cfg.Driver, "error", err)
		return Unavailable{Status: status}, status
	}
	logger.Info("document store ready", "driver", cfg.Driver)
	return Instrument(store, metricRegistry), StatusSuccess
}

func openBackend(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "firestore":
		return NewFirestore(ctx, cfg.FirestoreProjectID, cfg.FirebaseCredentialsFile, logger)
	case "postgres":
		return NewPostgres(ctx, cfg.DatabaseURL, cfg.DatabaseSchema, logger)
	case "sqlite":
		return NewSQLite(ctx, cfg.SQLitePath, logger)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// Unavailable stands in for a backend that could not be opened.
type Unavailable struct {
	Status string
}

func (u Unavailable) FetchAll(context.Context, string) ([]Document, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnavailable, u.Status)
}

func (u Unavailable) Append(context.Context, string, Document) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, u.Status)
}

func (u Unavailable) Ping(context.Context) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, u.Status)
}

func (u Unavailable) Close() error { return nil }

func encodeDocument(doc Document) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return data, nil
}

// decodeDocument keeps numbers as json.Number so large ids survive intact.
func decodeDocument(raw []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}
