package migrations

import "embed"

// Files exposes embedded Postgres migration files ordered lexicographically.
//
//go:embed *.sql
var Files embed.FS

// SQLiteFiles holds the SQLite flavour of the schema under sqlite/.
//
//go:embed sqlite/*.sql
var SQLiteFiles embed.FS
