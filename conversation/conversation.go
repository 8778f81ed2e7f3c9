// Package conversation keeps the turn history of chat conversations.
package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fabfab/datasearch/vectorindex"
)

// ErrNotFound is returned for ids that were never created or were deleted.
// Deletion is terminal: a deleted id never comes back.
var ErrNotFound = errors.New("conversation not found")

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Turn struct {
	Role         Role                    `json:"role"`
	Text         string                  `json:"text"`
	Timestamp    time.Time               `json:"timestamp"`
	CitedSources []vectorindex.Candidate `json:"cited_sources,omitempty"`
}

type Conversation struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	Turns        []Turn    `json:"turns"`
}

type Summary struct {
	ID           string    `json:"id"`
	TurnCount    int       `json:"turn_count"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Store is safe for concurrent use. Appends to one conversation are
// serialised; different conversations never wait on each other.
type Store interface {
	// GetOrCreate returns the conversation with id. An empty or unknown id
	// creates a new conversation under a freshly generated id.
	GetOrCreate(ctx context.Context, id string) (Conversation, error)
	// Get returns the conversation with its full turn list.
	Get(ctx context.Context, id string) (Conversation, error)
	// AppendTurn adds turns atomically, in order, after existing turns.
	AppendTurn(ctx context.Context, id string, turns ...Turn) error
	// History returns copies of the last maxTurns turns, oldest first.
	History(ctx context.Context, id string, maxTurns int) ([]Turn, error)
	// Clear drops every turn but keeps the id and creation time.
	Clear(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	// List returns summaries ordered by last activity, newest first.
	List(ctx context.Context) ([]Summary, error)
	Close() error
}

// KeyedMutex hands out one mutex per conversation id.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*refMutex)}
}

// Lock blocks until id is free and returns the matching unlock.
func (k *KeyedMutex) Lock(id string) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

func copyTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[i] = t
		if t.CitedSources != nil {
			out[i].CitedSources = append([]vectorindex.Candidate(nil), t.CitedSources...)
		}
	}
	return out
}

func lastTurns(turns []Turn, maxTurns int) []Turn {
	if maxTurns <= 0 {
		return []Turn{}
	}
	if len(turns) > maxTurns {
		turns = turns[len(turns)-maxTurns:]
	}
	return copyTurns(turns)
}
