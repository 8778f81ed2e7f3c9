// Package database opens the shared backend connections and owns their
// schemas.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// SQL dialects understood by the schemas and the stores built on them.
const (
	DialectSQLite   = "sqlite3"
	DialectPostgres = "pgx"
)

func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func NewNeo4jDriver(ctx context.Context, uri, user, password string) (neo4j.DriverWithContext, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return driver, nil
}

// OpenSQL opens a database/sql handle for dialect and creates the
// conversation and document ledger tables.
func OpenSQL(ctx context.Context, dialect, dsn string) (*sql.DB, error) {
	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// sqlite serialises writers; one connection avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", dialect, err)
	}
	for _, stmt := range append(ConversationSchema(dialect), DocumentSchema(dialect)...) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return db, nil
}

// ConversationSchema lists the DDL for the conversation tables.
func ConversationSchema(dialect string) []string {
	timestamp := "TIMESTAMPTZ"
	if dialect == DialectSQLite {
		timestamp = "TIMESTAMP"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			created_at %[1]s NOT NULL,
			last_active_at %[1]s NOT NULL,
			deleted BOOLEAN NOT NULL DEFAULT FALSE
		)`, timestamp),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS conversation_turns (
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			sources TEXT NOT NULL,
			created_at %[1]s NOT NULL,
			PRIMARY KEY (conversation_id, seq)
		)`, timestamp),
		"CREATE INDEX IF NOT EXISTS idx_conversations_active ON conversations(deleted, last_active_at)",
	}
}

// DocumentSchema lists the DDL for the ingestion ledger, one row per
// supporting document file.
func DocumentSchema(dialect string) []string {
	timestamp := "TIMESTAMPTZ"
	if dialect == DialectSQLite {
		timestamp = "TIMESTAMP"
	}
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ingested_documents (
			source_path TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			dataset_id TEXT NOT NULL,
			title TEXT NOT NULL,
			sha256 TEXT NOT NULL,
			chunk_count INTEGER NOT NULL,
			updated_at %s NOT NULL
		)`, timestamp),
	}
}

// Rebind rewrites ? placeholders to $n for Postgres.
func Rebind(dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
