package conversation

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps conversations in process memory.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	locks         *KeyedMutex
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		locks:         NewKeyedMutex(),
		now:           time.Now,
	}
}

func (s *MemoryStore) GetOrCreate(_ context.Context, id string) (Conversation, error) {
	if id != "" {
		unlock := s.locks.Lock(id)
		conv, ok := s.lookup(id)
		if ok {
			snapshot := snapshotOf(conv)
			unlock()
			return snapshot, nil
		}
		unlock()
	}

	now := s.now().UTC()
	conv := &Conversation{ID: uuid.NewString(), CreatedAt: now, LastActiveAt: now, Turns: []Turn{}}
	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()
	return snapshotOf(conv), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Conversation, error) {
	unlock := s.locks.Lock(id)
	defer unlock()
	conv, ok := s.lookup(id)
	if !ok {
		return Conversation{}, notFound(id)
	}
	return snapshotOf(conv), nil
}

func (s *MemoryStore) AppendTurn(_ context.Context, id string, turns ...Turn) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	conv, ok := s.lookup(id)
	if !ok {
		return notFound(id)
	}
	now := s.now().UTC()
	for _, turn := range turns {
		if turn.Timestamp.IsZero() {
			turn.Timestamp = now
		}
		conv.Turns = append(conv.Turns, copyTurns([]Turn{turn})...)
	}
	conv.LastActiveAt = now
	return nil
}

func (s *MemoryStore) History(_ context.Context, id string, maxTurns int) ([]Turn, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	conv, ok := s.lookup(id)
	if !ok {
		return nil, notFound(id)
	}
	return lastTurns(conv.Turns, maxTurns), nil
}

func (s *MemoryStore) Clear(_ context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	conv, ok := s.lookup(id)
	if !ok {
		return notFound(id)
	}
	conv.Turns = []Turn{}
	conv.LastActiveAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return notFound(id)
	}
	delete(s.conversations, id)
	return nil
}

func (s *MemoryStore) List(context.Context) ([]Summary, error) {
	s.mu.RLock()
	convs := make([]*Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		convs = append(convs, conv)
	}
	s.mu.RUnlock()

	summaries := make([]Summary, 0, len(convs))
	for _, conv := range convs {
		unlock := s.locks.Lock(conv.ID)
		summaries = append(summaries, Summary{ID: conv.ID, TurnCount: len(conv.Turns), LastActiveAt: conv.LastActiveAt})
		unlock()
	}
	sortSummaries(summaries)
	return summaries, nil
}

// Prune deletes conversations idle for longer than idle and returns how many
// were removed. Eviction is a deployment policy; the store never calls it.
func (s *MemoryStore) Prune(idle time.Duration) int {
	cutoff := s.now().UTC().Add(-idle)

	s.mu.RLock()
	ids := make([]string, 0, len(s.conversations))
	for id := range s.conversations {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		unlock := s.locks.Lock(id)
		s.mu.Lock()
		if conv, ok := s.conversations[id]; ok && conv.LastActiveAt.Before(cutoff) {
			delete(s.conversations, id)
			removed++
		}
		s.mu.Unlock()
		unlock()
	}
	return removed
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) lookup(id string) (*Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	return conv, ok
}

func snapshotOf(conv *Conversation) Conversation {
	out := *conv
	out.Turns = copyTurns(conv.Turns)
	return out
}

func sortSummaries(summaries []Summary) {
	slices.SortFunc(summaries, func(a, b Summary) int {
		if c := b.LastActiveAt.Compare(a.LastActiveAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

var _ Store = (*MemoryStore)(nil)
