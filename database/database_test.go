package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/datasearch/config"
)

func TestRebind(t *testing.T) {
	query := "UPDATE t SET a = ?, b = ? WHERE id = ?"
	assert.Equal(t, query, Rebind(DialectSQLite, query))
	assert.Equal(t, "UPDATE t SET a = $1, b = $2 WHERE id = $3", Rebind(DialectPostgres, query))
	assert.Equal(t, "SELECT 1", Rebind(DialectPostgres, "SELECT 1"))
}

func TestEnsureCollectionTableRejectsInvalidDimension(t *testing.T) {
	err := EnsureCollectionTable(context.Background(), nil, "dataset_embeddings", 0)
	require.Error(t, err)
}

func TestCollectionTableIsQuoted(t *testing.T) {
	assert.Equal(t, `"vec_dataset_embeddings"`, CollectionTable("dataset_embeddings"))
}

func TestSchemasFollowDialect(t *testing.T) {
	for _, stmt := range ConversationSchema(DialectSQLite) {
		assert.NotContains(t, stmt, "TIMESTAMPTZ")
	}
	assert.Contains(t, DocumentSchema(DialectPostgres)[0], "updated_at TIMESTAMPTZ")
}

func TestOpenSQLCreatesTables(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "schema.db")

	db, err := OpenSQL(ctx, DialectSQLite, dsn)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"conversations", "conversation_turns", "ingested_documents"} {
		var name string
		err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, table)
		assert.Equal(t, table, name)
	}

	// schema creation is idempotent
	again, err := OpenSQL(ctx, DialectSQLite, dsn)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestDatabaseConnectivity(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_DB_INTEGRATION_TESTS=1 to run database connectivity checks")
	}

	cfg, err := config.Load("")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := NewPostgresPool(ctx, cfg.PostgresDSN)
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, EnsureVectorSchema(ctx, pool))

	driver, err := NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	require.NoError(t, err)
	require.NoError(t, driver.Close(ctx))
}
