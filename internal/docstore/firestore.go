package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// Firestore reads and appends documents in Cloud Firestore collections.
type Firestore struct {
	client *firestore.Client
	logger *slog.Logger
}

// NewFirestore connects using a service-account credentials file. An empty
// projectID lets the SDK detect it from the credentials.
func NewFirestore(ctx context.Context, projectID, credentialsFile string, logger *slog.Logger) (*Firestore, error) {
	if _, err := os.Stat(credentialsFile); err != nil {
		return nil, fmt.Errorf("firebase credentials file not found: %s", credentialsFile)
	}
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}

	client, err := firestore.NewClient(ctx, projectID, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("create firestore client: %w", err)
	}

	return &Firestore{
		client: client,
		logger: logger.With("component", "docstore_firestore"),
	}, nil
}

// FetchAll streams every document in the collection.
func (f *Firestore) FetchAll(ctx context.Context, collection string) ([]Document, error) {
	snaps, err := f.client.Collection(collection).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", collection, err)
	}
	docs := make([]Document, 0, len(snaps))
	for _, snap := range snaps {
		docs = append(docs, Document(snap.Data()))
	}
	return docs, nil
}

// Append adds a document with an auto-generated id.
func (f *Firestore) Append(ctx context.Context, collection string, doc Document) error {
	if _, _, err := f.client.Collection(collection).Add(ctx, map[string]any(doc)); err != nil {
		return fmt.Errorf("append %s: %w", collection, err)
	}
	return nil
}

// Ping lists a single collection reference to confirm the client can talk to the backend.
func (f *Firestore) Ping(ctx context.Context) error {
	if _, err := f.client.Collections(ctx).Next(); err != nil && !errors.Is(err, iterator.Done) {
		return fmt.Errorf("firestore ping: %w", err)
	}
	return nil
}

// Close releases the underlying gRPC connection.
func (f *Firestore) Close() error {
	return f.client.Close()
}
