package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/datasearch/database"
)

// PgvectorIndex stores each collection in its own Postgres table with a
// VECTOR(d) column and an ivfflat cosine index.
type PgvectorIndex struct {
	pool     *pgxpool.Pool
	ownsPool bool
}

// NewPgvectorIndex installs the schema on pool. The pool stays owned by the
// caller.
func NewPgvectorIndex(ctx context.Context, pool *pgxpool.Pool) (*PgvectorIndex, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if err := database.EnsureVectorSchema(ctx, pool); err != nil {
		return nil, fmt.Errorf("ensure vector schema: %w", err)
	}
	return &PgvectorIndex{pool: pool}, nil
}

func (x *PgvectorIndex) Backend() string { return "pgvector" }

func (x *PgvectorIndex) Collection(ctx context.Context, name string, dimension int) (Collection, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: collection %s needs a positive dimension", ErrDimensionMismatch, name)
	}

	if _, err := x.pool.Exec(ctx, `
		INSERT INTO vector_collections (name, dimension) VALUES ($1, $2)
		ON CONFLICT (name) DO NOTHING
	`, name, dimension); err != nil {
		return nil, fmt.Errorf("register collection %s: %w", name, err)
	}

	var stored int
	if err := x.pool.QueryRow(ctx, "SELECT dimension FROM vector_collections WHERE name = $1", name).Scan(&stored); err != nil {
		return nil, fmt.Errorf("read collection %s: %w", name, err)
	}
	if stored != dimension {
		return nil, fmt.Errorf("%w: collection %s has dimension %d, requested %d", ErrDimensionMismatch, name, stored, dimension)
	}

	if err := database.EnsureCollectionTable(ctx, x.pool, name, dimension); err != nil {
		return nil, fmt.Errorf("ensure collection table %s: %w", name, err)
	}

	return &pgvectorCollection{
		pool:      x.pool,
		name:      name,
		table:     database.CollectionTable(name),
		dimension: dimension,
	}, nil
}

// Close releases the pool only when the index opened it itself.
func (x *PgvectorIndex) Close() error {
	if x.ownsPool {
		x.pool.Close()
	}
	return nil
}

type pgvectorCollection struct {
	pool      *pgxpool.Pool
	name      string
	table     string
	dimension int
}

func (c *pgvectorCollection) Name() string   { return c.name }
func (c *pgvectorCollection) Dimension() int { return c.dimension }

func (c *pgvectorCollection) Upsert(ctx context.Context, rec Record) error {
	if err := validateRecord(rec, c.dimension); err != nil {
		return err
	}
	return c.UpsertBatch(ctx, []Record{rec})
}

// UpsertBatch writes the batch in one transaction, so it is all or nothing.
func (c *pgvectorCollection) UpsertBatch(ctx context.Context, recs []Record) (err error) {
	valid, err := validateBatch(recs, c.dimension)
	if err != nil {
		return err
	}
	if len(valid) == 0 {
		return nil
	}

	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return &BatchError{Failed: recordIDs(valid), Err: fmt.Errorf("begin tx: %w", err)}
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, embedding, payload, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET embedding = EXCLUDED.embedding,
		    payload = EXCLUDED.payload,
		    updated_at = NOW()
	`, c.table)

	for _, rec := range valid {
		payload, marshalErr := json.Marshal(rec.Payload.Map())
		if marshalErr != nil {
			return &BatchError{Failed: recordIDs(valid), Err: fmt.Errorf("marshal payload %s: %w", rec.ID, marshalErr)}
		}
		if _, execErr := tx.Exec(ctx, stmt, rec.ID, pgvector.NewVector(rec.Vector), payload); execErr != nil {
			return &BatchError{Failed: recordIDs(valid), Err: fmt.Errorf("upsert %s: %w", rec.ID, execErr)}
		}
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return &BatchError{Failed: recordIDs(valid), Err: fmt.Errorf("commit transaction: %w", commitErr)}
	}
	return nil
}

func (c *pgvectorCollection) Query(ctx context.Context, vector []float32, k int) ([]Candidate, error) {
	if err := validateQuery(vector, k, c.dimension); err != nil {
		return nil, err
	}
	if isZero(vector) {
		return []Candidate{}, nil
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	probes := max(k*10, 10)
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET ivfflat.probes = %d", probes)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}

	rows, err := conn.Query(ctx, fmt.Sprintf(`
		SELECT id, payload, (embedding <=> $1::vector) AS distance
		FROM %s
		ORDER BY distance, id
		LIMIT $2
	`, c.table), pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", c.name, err)
	}
	defer rows.Close()

	candidates := make([]Candidate, 0, k)
	for rows.Next() {
		var (
			id       string
			raw      map[string]any
			distance float64
		)
		if scanErr := rows.Scan(&id, &raw, &distance); scanErr != nil {
			return nil, fmt.Errorf("scan candidate: %w", scanErr)
		}
		payload, decodeErr := DecodePayload(raw)
		if decodeErr != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", id, decodeErr)
		}
		candidates = append(candidates, Candidate{
			ID:         id,
			Score:      ScoreFromCosineDistance(distance),
			SourceType: payload.SourceType,
			Payload:    payload,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	SortCandidates(candidates)
	return candidates, nil
}

func (c *pgvectorCollection) Delete(ctx context.Context, id string) error {
	if _, err := c.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", c.table), id); err != nil {
		return fmt.Errorf("delete %s from %s: %w", id, c.name, err)
	}
	return nil
}

func (c *pgvectorCollection) Count(ctx context.Context) (int, error) {
	var n int
	err := c.pool.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", c.table)).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", c.name, err)
	}
	return n, nil
}

func (c *pgvectorCollection) Clear(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, fmt.Sprintf("TRUNCATE %s", c.table)); err != nil {
		return fmt.Errorf("truncate %s: %w", c.name, err)
	}
	return nil
}

var (
	_ Index      = (*PgvectorIndex)(nil)
	_ Collection = (*pgvectorCollection)(nil)
)
