package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureVectorSchema installs pgvector and the collection registry.
func EnsureVectorSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS vector_collections (
			name TEXT PRIMARY KEY,
			dimension INT NOT NULL CHECK (dimension > 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	return execAll(ctx, pool, stmts)
}

// CollectionTable returns the quoted table name backing a vector collection.
func CollectionTable(name string) string {
	return pgx.Identifier{"vec_" + name}.Sanitize()
}

// EnsureCollectionTable creates the table for one collection. The caller has
// already validated name and registered its dimension.
func EnsureCollectionTable(ctx context.Context, pool *pgxpool.Pool, name string, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	table := CollectionTable(name)
	index := pgx.Identifier{"idx_vec_" + name + "_embedding"}.Sanitize()
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			embedding VECTOR(%d) NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, table, dimension),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)", index, table),
	}
	return execAll(ctx, pool, stmts)
}

func execAll(ctx context.Context, pool *pgxpool.Pool, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}
