package conversation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/datasearch/database"
	"github.com/fabfab/datasearch/vectorindex"
)

func userTurn(text string) Turn      { return Turn{Role: RoleUser, Text: text} }
func assistantTurn(text string) Turn { return Turn{Role: RoleAssistant, Text: text} }

func texts(turns []Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Text
	}
	return out
}

func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("get or create", func(t *testing.T) {
		store := newStore(t)

		fresh, err := store.GetOrCreate(ctx, "")
		require.NoError(t, err)
		require.NotEmpty(t, fresh.ID)
		assert.Empty(t, fresh.Turns)

		again, err := store.GetOrCreate(ctx, fresh.ID)
		require.NoError(t, err)
		assert.Equal(t, fresh.ID, again.ID)

		unknown, err := store.GetOrCreate(ctx, "not-a-real-id")
		require.NoError(t, err)
		assert.NotEqual(t, "not-a-real-id", unknown.ID)
		assert.NotEqual(t, fresh.ID, unknown.ID)
	})

	t.Run("append and history", func(t *testing.T) {
		store := newStore(t)
		conv, err := store.GetOrCreate(ctx, "")
		require.NoError(t, err)

		cited := []vectorindex.Candidate{{
			ID: "g2g", Score: 0.91, SourceType: vectorindex.SourceDataset,
			Payload: vectorindex.Payload{SourceType: vectorindex.SourceDataset, DatasetID: "g2g", Title: "Grid-to-Grid"},
		}}
		require.NoError(t, store.AppendTurn(ctx, conv.ID, userTurn("hello")))
		reply := assistantTurn("hi there")
		reply.CitedSources = cited
		require.NoError(t, store.AppendTurn(ctx, conv.ID, reply))
		require.NoError(t, store.AppendTurn(ctx, conv.ID, userTurn("tell me more"), assistantTurn("more")))

		all, err := store.History(ctx, conv.ID, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"hello", "hi there", "tell me more", "more"}, texts(all))
		assert.Equal(t, RoleAssistant, all[1].Role)
		require.Len(t, all[1].CitedSources, 1)
		assert.Equal(t, "Grid-to-Grid", all[1].CitedSources[0].Payload.Title)
		assert.False(t, all[0].Timestamp.IsZero())

		recent, err := store.History(ctx, conv.ID, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"tell me more", "more"}, texts(recent))

		none, err := store.History(ctx, conv.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, none)

		// history is a copy
		recent[0].Text = "changed"
		again, err := store.History(ctx, conv.ID, 2)
		require.NoError(t, err)
		assert.Equal(t, "tell me more", again[0].Text)

		full, err := store.Get(ctx, conv.ID)
		require.NoError(t, err)
		assert.Len(t, full.Turns, 4)
	})

	t.Run("clear keeps the conversation", func(t *testing.T) {
		store := newStore(t)
		conv, err := store.GetOrCreate(ctx, "")
		require.NoError(t, err)
		require.NoError(t, store.AppendTurn(ctx, conv.ID, userTurn("a"), assistantTurn("b")))

		require.NoError(t, store.Clear(ctx, conv.ID))
		history, err := store.History(ctx, conv.ID, 10)
		require.NoError(t, err)
		assert.Empty(t, history)

		kept, err := store.Get(ctx, conv.ID)
		require.NoError(t, err)
		assert.WithinDuration(t, conv.CreatedAt, kept.CreatedAt, time.Second)

		require.NoError(t, store.AppendTurn(ctx, conv.ID, userTurn("c")))
		history, err = store.History(ctx, conv.ID, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, texts(history))
	})

	t.Run("deletion is terminal", func(t *testing.T) {
		store := newStore(t)
		conv, err := store.GetOrCreate(ctx, "")
		require.NoError(t, err)
		require.NoError(t, store.AppendTurn(ctx, conv.ID, userTurn("a")))

		require.NoError(t, store.Delete(ctx, conv.ID))
		assert.ErrorIs(t, store.Delete(ctx, conv.ID), ErrNotFound)
		assert.ErrorIs(t, store.AppendTurn(ctx, conv.ID, userTurn("b")), ErrNotFound)
		assert.ErrorIs(t, store.Clear(ctx, conv.ID), ErrNotFound)
		_, err = store.History(ctx, conv.ID, 5)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.Get(ctx, conv.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		revived, err := store.GetOrCreate(ctx, conv.ID)
		require.NoError(t, err)
		assert.NotEqual(t, conv.ID, revived.ID)
		assert.ErrorIs(t, store.AppendTurn(ctx, conv.ID, userTurn("c")), ErrNotFound)
	})

	t.Run("unknown ids", func(t *testing.T) {
		store := newStore(t)
		assert.ErrorIs(t, store.AppendTurn(ctx, "missing", userTurn("x")), ErrNotFound)
		assert.ErrorIs(t, store.Clear(ctx, "missing"), ErrNotFound)
		assert.ErrorIs(t, store.Delete(ctx, "missing"), ErrNotFound)
	})

	t.Run("list", func(t *testing.T) {
		store := newStore(t)
		first, err := store.GetOrCreate(ctx, "")
		require.NoError(t, err)
		second, err := store.GetOrCreate(ctx, "")
		require.NoError(t, err)
		gone, err := store.GetOrCreate(ctx, "")
		require.NoError(t, err)
		require.NoError(t, store.Delete(ctx, gone.ID))

		time.Sleep(5 * time.Millisecond)
		require.NoError(t, store.AppendTurn(ctx, first.ID, userTurn("q"), assistantTurn("a")))

		summaries, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, summaries, 2)
		assert.Equal(t, first.ID, summaries[0].ID)
		assert.Equal(t, 2, summaries[0].TurnCount)
		assert.Equal(t, second.ID, summaries[1].ID)
		assert.Zero(t, summaries[1].TurnCount)
	})

	t.Run("concurrent conversations stay isolated", func(t *testing.T) {
		store := newStore(t)
		a, err := store.GetOrCreate(ctx, "")
		require.NoError(t, err)
		b, err := store.GetOrCreate(ctx, "")
		require.NoError(t, err)

		const pairs = 20
		var wg sync.WaitGroup
		for _, id := range []string{a.ID, b.ID} {
			for i := 0; i < pairs; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					q := fmt.Sprintf("%s-q%d", id, i)
					assert.NoError(t, store.AppendTurn(ctx, id, userTurn(q), assistantTurn(q+"-answer")))
				}()
			}
		}
		wg.Wait()

		for _, id := range []string{a.ID, b.ID} {
			history, err := store.History(ctx, id, 1000)
			require.NoError(t, err)
			require.Len(t, history, 2*pairs)
			for i := 0; i < len(history); i += 2 {
				assert.Equal(t, RoleUser, history[i].Role)
				assert.Equal(t, history[i].Text+"-answer", history[i+1].Text)
				assert.Contains(t, history[i].Text, id)
			}
		}
	})
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) Store {
		dsn := "file:" + filepath.Join(t.TempDir(), "conversations.db") + "?_foreign_keys=on"
		store, err := OpenSQLStore(context.Background(), database.DialectSQLite, dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "conversations.db")

	store, err := OpenSQLStore(ctx, database.DialectSQLite, dsn)
	require.NoError(t, err)
	conv, err := store.GetOrCreate(ctx, "")
	require.NoError(t, err)
	require.NoError(t, store.AppendTurn(ctx, conv.ID, userTurn("persist me")))
	require.NoError(t, store.Close())

	reopened, err := OpenSQLStore(ctx, database.DialectSQLite, dsn)
	require.NoError(t, err)
	defer reopened.Close()

	history, err := reopened.History(ctx, conv.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"persist me"}, texts(history))
}

func TestPostgresStore(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_DB_INTEGRATION_TESTS=1 to run database integration checks")
	}
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN is not set")
	}
	testStoreContract(t, func(t *testing.T) Store {
		ctx := context.Background()
		store, err := OpenSQLStore(ctx, database.DialectPostgres, dsn)
		require.NoError(t, err)
		_, err = store.db.ExecContext(ctx, "TRUNCATE conversation_turns, conversations")
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestMemoryStorePrune(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	idle, err := store.GetOrCreate(ctx, "")
	require.NoError(t, err)

	clock = clock.Add(2 * time.Hour)
	active, err := store.GetOrCreate(ctx, "")
	require.NoError(t, err)

	clock = clock.Add(30 * time.Minute)
	assert.Equal(t, 1, store.Prune(time.Hour))

	_, err = store.Get(ctx, idle.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, active.ID)
	assert.NoError(t, err)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := NewKeyedMutex()
	unlock := k.Lock("a")
	unlock()
	assert.Empty(t, k.locks)
}
