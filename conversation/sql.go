package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fabfab/datasearch/database"
)

// SQLStore persists conversations through database/sql on SQLite or
// Postgres. Deleted conversations keep a tombstone row so their id can never
// be appended to again.
type SQLStore struct {
	db      *sql.DB
	dialect string
	locks   *KeyedMutex
	now     func() time.Time
}

// OpenSQLStore opens dsn with the dialect's driver and creates the schema.
func OpenSQLStore(ctx context.Context, dialect, dsn string) (*SQLStore, error) {
	db, err := database.OpenSQL(ctx, dialect, dsn)
	if err != nil {
		return nil, err
	}
	return NewSQLStore(db, dialect)
}

// NewSQLStore takes ownership of db, which must already carry the schema.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	switch dialect {
	case database.DialectSQLite, database.DialectPostgres:
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}
	return &SQLStore{db: db, dialect: dialect, locks: NewKeyedMutex(), now: time.Now}, nil
}

func (s *SQLStore) GetOrCreate(ctx context.Context, id string) (Conversation, error) {
	if id != "" {
		conv, err := s.Get(ctx, id)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Conversation{}, err
		}
	}

	now := s.now().UTC()
	conv := Conversation{ID: uuid.NewString(), CreatedAt: now, LastActiveAt: now, Turns: []Turn{}}
	_, err := s.db.ExecContext(ctx,
		s.q("INSERT INTO conversations (id, created_at, last_active_at, deleted) VALUES (?, ?, ?, ?)"),
		conv.ID, now, now, false)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Conversation, error) {
	conv := Conversation{ID: id}
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT created_at, last_active_at FROM conversations WHERE id = ? AND deleted = ?"),
		id, false).Scan(&conv.CreatedAt, &conv.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, notFound(id)
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("load conversation: %w", err)
	}

	turns, err := s.queryTurns(ctx,
		s.q("SELECT role, text, sources, created_at FROM conversation_turns WHERE conversation_id = ? ORDER BY seq"),
		id)
	if err != nil {
		return Conversation{}, err
	}
	conv.Turns = turns
	return conv, nil
}

func (s *SQLStore) AppendTurn(ctx context.Context, id string, turns ...Turn) (err error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.lockLive(ctx, tx, id); err != nil {
		return err
	}

	var seq int64
	if err = tx.QueryRowContext(ctx,
		s.q("SELECT COALESCE(MAX(seq), 0) FROM conversation_turns WHERE conversation_id = ?"),
		id).Scan(&seq); err != nil {
		return fmt.Errorf("read turn sequence: %w", err)
	}

	now := s.now().UTC()
	insert := s.q("INSERT INTO conversation_turns (conversation_id, seq, role, text, sources, created_at) VALUES (?, ?, ?, ?, ?, ?)")
	for i, turn := range turns {
		sources, marshalErr := json.Marshal(turn.CitedSources)
		if marshalErr != nil {
			err = fmt.Errorf("encode cited sources: %w", marshalErr)
			return err
		}
		ts := turn.Timestamp
		if ts.IsZero() {
			ts = now
		}
		if _, err = tx.ExecContext(ctx, insert, id, seq+int64(i)+1, string(turn.Role), turn.Text, string(sources), ts.UTC()); err != nil {
			return fmt.Errorf("insert turn %d: %w", i, err)
		}
	}

	if _, err = tx.ExecContext(ctx, s.q("UPDATE conversations SET last_active_at = ? WHERE id = ?"), now, id); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit turns: %w", err)
	}
	return nil
}

func (s *SQLStore) History(ctx context.Context, id string, maxTurns int) ([]Turn, error) {
	if err := s.exists(ctx, id); err != nil {
		return nil, err
	}
	if maxTurns <= 0 {
		return []Turn{}, nil
	}
	return s.queryTurns(ctx, s.q(`
SELECT role, text, sources, created_at FROM (
    SELECT role, text, sources, created_at, seq
    FROM conversation_turns
    WHERE conversation_id = ?
    ORDER BY seq DESC
    LIMIT ?
) recent ORDER BY seq ASC`), id, maxTurns)
}

func (s *SQLStore) Clear(ctx context.Context, id string) error {
	return s.mutate(ctx, id, "clear conversation",
		"UPDATE conversations SET last_active_at = ? WHERE id = ?")
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	return s.mutate(ctx, id, "delete conversation",
		"UPDATE conversations SET last_active_at = ?, deleted = TRUE WHERE id = ?")
}

func (s *SQLStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
SELECT c.id, c.last_active_at,
       (SELECT COUNT(*) FROM conversation_turns t WHERE t.conversation_id = c.id)
FROM conversations c
WHERE c.deleted = ?
ORDER BY c.last_active_at DESC, c.id ASC`), false)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	summaries := []Summary{}
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.LastActiveAt, &sum.TurnCount); err != nil {
			return nil, fmt.Errorf("scan conversation summary: %w", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return summaries, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// mutate removes every turn of a live conversation and then runs update
// with (now, id).
func (s *SQLStore) mutate(ctx context.Context, id, action, update string) (err error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = s.lockLive(ctx, tx, id); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, s.q("DELETE FROM conversation_turns WHERE conversation_id = ?"), id); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	if _, err = tx.ExecContext(ctx, s.q(update), s.now().UTC(), id); err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", action, err)
	}
	return nil
}

// lockLive checks that id exists and is not deleted. On Postgres the row
// stays locked until tx ends so concurrent processes serialise on it.
func (s *SQLStore) lockLive(ctx context.Context, tx *sql.Tx, id string) error {
	query := "SELECT deleted FROM conversations WHERE id = ?"
	if s.dialect == database.DialectPostgres {
		query += " FOR UPDATE"
	}
	var deleted bool
	err := tx.QueryRowContext(ctx, s.q(query), id).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted) {
		return notFound(id)
	}
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	return nil
}

func (s *SQLStore) exists(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		s.q("SELECT 1 FROM conversations WHERE id = ? AND deleted = ?"), id, false).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound(id)
	}
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	return nil
}

func (s *SQLStore) queryTurns(ctx context.Context, query string, args ...any) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		var (
			turn    Turn
			role    string
			sources string
		)
		if err := rows.Scan(&role, &turn.Text, &sources, &turn.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.Role = Role(role)
		if err := json.Unmarshal([]byte(sources), &turn.CitedSources); err != nil {
			return nil, fmt.Errorf("decode cited sources: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// q rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) q(query string) string {
	return database.Rebind(s.dialect, query)
}

var _ Store = (*SQLStore)(nil)
