package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"abi-agent/migrations"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite stores documents in a local database file.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (creating if needed) the database at databasePath and applies migrations.
func NewSQLite(ctx context.Context, databasePath string, logger *slog.Logger) (*SQLite, error) {
	path := strings.TrimSpace(databasePath)
	if path == "" {
		return nil, errors.New("sqlite database path is empty")
	}
	if dir := filepath.Dir(strings.TrimPrefix(path, "file:")); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure sqlite dir: %w", err)
		}
	}

	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn = fmt.Sprintf("%s%s_pragma=busy_timeout=10000&_pragma=journal_mode=WAL&_pragma=foreign_keys=ON", dsn, sep)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLite{
		db:     db,
		logger: logger.With("component", "docstore_sqlite"),
	}

	sub, err := fs.Sub(migrations.SQLiteFiles, "sqlite")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite migrations: %w", err)
	}
	if err := s.runMigrations(ctx, sub); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLite) runMigrations(ctx context.Context, filesystem fs.FS) error {
	names, err := sortedSQLFiles(filesystem)
	if err != nil {
		return err
	}
	for _, name := range names {
		content, err := fs.ReadFile(filesystem, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// FetchAll returns every document in the collection in insertion order.
func (s *SQLite) FetchAll(ctx context.Context, collection string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM documents WHERE collection = ? ORDER BY seq ASC;`, collection)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan %s document: %w", collection, err)
		}
		doc, err := decodeDocument([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", collection, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s documents: %w", collection, err)
	}
	return docs, nil
}

// Append inserts one document under a generated id.
func (s *SQLite) Append(ctx context.Context, collection string, doc Document) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO documents (id, collection, data) VALUES (?, ?, ?);`, uuid.NewString(), collection, string(data)); err != nil {
		return fmt.Errorf("append %s: %w", collection, err)
	}
	return nil
}

// Ping ensures the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database connection.
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
