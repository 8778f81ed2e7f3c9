package vectorindex

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryIndex keeps collections in process memory only. Nothing survives a
// restart; it exists for tests and throwaway runs.
type MemoryIndex struct {
	mu          sync.Mutex
	collections map[string]*memoryCollection
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{collections: make(map[string]*memoryCollection)}
}

func (m *MemoryIndex) Backend() string { return "memory (not persistent)" }

func (m *MemoryIndex) Collection(_ context.Context, name string, dimension int) (Collection, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: collection %s needs a positive dimension", ErrDimensionMismatch, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.collections[name]; ok {
		if existing.dimension != dimension {
			return nil, fmt.Errorf("%w: collection %s has dimension %d, requested %d", ErrDimensionMismatch, name, existing.dimension, dimension)
		}
		return existing, nil
	}

	col := &memoryCollection{name: name, dimension: dimension, records: make(map[string]Record)}
	m.collections[name] = col
	return col, nil
}

func (m *MemoryIndex) Close() error { return nil }

type memoryCollection struct {
	name      string
	dimension int

	mu      sync.RWMutex
	records map[string]Record
}

func (c *memoryCollection) Name() string   { return c.name }
func (c *memoryCollection) Dimension() int { return c.dimension }

func (c *memoryCollection) Upsert(ctx context.Context, rec Record) error {
	if err := validateRecord(rec, c.dimension); err != nil {
		return err
	}
	return c.UpsertBatch(ctx, []Record{rec})
}

func (c *memoryCollection) UpsertBatch(_ context.Context, recs []Record) error {
	valid, err := validateBatch(recs, c.dimension)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range valid {
		rec.Vector = slices.Clone(rec.Vector)
		c.records[rec.ID] = rec
	}
	return nil
}

func (c *memoryCollection) Query(_ context.Context, vector []float32, k int) ([]Candidate, error) {
	if err := validateQuery(vector, k, c.dimension); err != nil {
		return nil, err
	}
	if isZero(vector) {
		return []Candidate{}, nil
	}

	c.mu.RLock()
	candidates := make([]Candidate, 0, len(c.records))
	for _, rec := range c.records {
		candidates = append(candidates, Candidate{
			ID:         rec.ID,
			Score:      ScoreFromCosine(cosineSimilarity(vector, rec.Vector)),
			SourceType: rec.Payload.SourceType,
			Payload:    rec.Payload,
		})
	}
	c.mu.RUnlock()

	SortCandidates(candidates)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func (c *memoryCollection) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, id)
	return nil
}

func (c *memoryCollection) Count(context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records), nil
}

func (c *memoryCollection) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = make(map[string]Record)
	return nil
}

var (
	_ Index      = (*MemoryIndex)(nil)
	_ Collection = (*memoryCollection)(nil)
)
