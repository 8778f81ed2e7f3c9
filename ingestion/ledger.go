package ingestion

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fabfab/datasearch/database"
)

// DocumentState is what the ledger remembers about an ingested file: enough
// to skip it when unchanged and to delete its chunks when it changes.
type DocumentState struct {
	Path       string
	DocumentID string
	DatasetID  string
	Title      string
	SHA256     string
	Chunks     int
}

// Ledger records which supporting documents are in the index.
type Ledger interface {
	Lookup(ctx context.Context, path string) (DocumentState, bool, error)
	Save(ctx context.Context, state DocumentState) error
	Remove(ctx context.Context, path string) error
	// Reset forgets every document, so the next run re-ingests all files.
	Reset(ctx context.Context) error
	Close() error
}

type MemoryLedger struct {
	mu     sync.Mutex
	states map[string]DocumentState
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{states: make(map[string]DocumentState)}
}

func (l *MemoryLedger) Lookup(_ context.Context, path string) (DocumentState, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	state, ok := l.states[path]
	return state, ok, nil
}

func (l *MemoryLedger) Save(_ context.Context, state DocumentState) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states[state.Path] = state
	return nil
}

func (l *MemoryLedger) Remove(_ context.Context, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.states, path)
	return nil
}

func (l *MemoryLedger) Reset(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.states)
	return nil
}

func (l *MemoryLedger) Close() error { return nil }

// SQLLedger keeps the ledger in the ingested_documents table.
type SQLLedger struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

func OpenSQLLedger(ctx context.Context, dialect, dsn string) (*SQLLedger, error) {
	db, err := database.OpenSQL(ctx, dialect, dsn)
	if err != nil {
		return nil, err
	}
	return &SQLLedger{db: db, dialect: dialect, now: time.Now}, nil
}

func (l *SQLLedger) Lookup(ctx context.Context, path string) (DocumentState, bool, error) {
	state := DocumentState{Path: path}
	err := l.db.QueryRowContext(ctx,
		database.Rebind(l.dialect, "SELECT document_id, dataset_id, title, sha256, chunk_count FROM ingested_documents WHERE source_path = ?"),
		path).Scan(&state.DocumentID, &state.DatasetID, &state.Title, &state.SHA256, &state.Chunks)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentState{}, false, nil
	}
	if err != nil {
		return DocumentState{}, false, fmt.Errorf("query document %s: %w", path, err)
	}
	return state, true, nil
}

func (l *SQLLedger) Save(ctx context.Context, state DocumentState) error {
	_, err := l.db.ExecContext(ctx, database.Rebind(l.dialect, `
		INSERT INTO ingested_documents (source_path, document_id, dataset_id, title, sha256, chunk_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source_path) DO UPDATE SET
			document_id = excluded.document_id,
			dataset_id = excluded.dataset_id,
			title = excluded.title,
			sha256 = excluded.sha256,
			chunk_count = excluded.chunk_count,
			updated_at = excluded.updated_at
	`), state.Path, state.DocumentID, state.DatasetID, state.Title, state.SHA256, state.Chunks, l.now().UTC())
	if err != nil {
		return fmt.Errorf("save document %s: %w", state.Path, err)
	}
	return nil
}

func (l *SQLLedger) Remove(ctx context.Context, path string) error {
	if _, err := l.db.ExecContext(ctx, database.Rebind(l.dialect, "DELETE FROM ingested_documents WHERE source_path = ?"), path); err != nil {
		return fmt.Errorf("remove document %s: %w", path, err)
	}
	return nil
}

func (l *SQLLedger) Reset(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, "DELETE FROM ingested_documents"); err != nil {
		return fmt.Errorf("reset document ledger: %w", err)
	}
	return nil
}

func (l *SQLLedger) Close() error { return l.db.Close() }

var (
	_ Ledger = (*MemoryLedger)(nil)
	_ Ledger = (*SQLLedger)(nil)
)
