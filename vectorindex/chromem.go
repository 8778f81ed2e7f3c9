package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
)

// metaCollection records the dimension of every user collection so that a
// reopened index can reject mismatched vectors before any write.
const metaCollection = "chromem_collections"

// ChromemIndex is an embedded, disk-persistent index. Every write is flushed
// to the directory given to NewChromemIndex.
type ChromemIndex struct {
	db   *chromem.DB
	path string

	mu          sync.Mutex
	meta        *chromem.Collection
	collections map[string]*chromemCollection
}

func NewChromemIndex(path string, compress bool) (*ChromemIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("chromem index path is required")
	}
	db, err := chromem.NewPersistentDB(path, compress)
	if err != nil {
		return nil, fmt.Errorf("open chromem db at %s: %w", path, err)
	}
	meta, err := db.GetOrCreateCollection(metaCollection, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("open chromem metadata collection: %w", err)
	}
	return &ChromemIndex{
		db:          db,
		path:        path,
		meta:        meta,
		collections: make(map[string]*chromemCollection),
	}, nil
}

func (x *ChromemIndex) Backend() string { return "chromem:" + x.path }

func (x *ChromemIndex) Collection(ctx context.Context, name string, dimension int) (Collection, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	if name == metaCollection {
		return nil, fmt.Errorf("%w: %q is reserved", ErrInvalidCollection, name)
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: collection %s needs a positive dimension", ErrDimensionMismatch, name)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if col, ok := x.collections[name]; ok {
		if col.dimension != dimension {
			return nil, fmt.Errorf("%w: collection %s has dimension %d, requested %d", ErrDimensionMismatch, name, col.dimension, dimension)
		}
		return col, nil
	}

	stored, err := x.storedDimension(ctx, name)
	if err != nil {
		return nil, err
	}
	if stored != 0 && stored != dimension {
		return nil, fmt.Errorf("%w: collection %s has dimension %d, requested %d", ErrDimensionMismatch, name, stored, dimension)
	}
	if stored == 0 {
		if err := x.meta.AddDocument(ctx, chromem.Document{
			ID:        name,
			Metadata:  map[string]string{"dimension": strconv.Itoa(dimension)},
			Embedding: []float32{1},
		}); err != nil {
			return nil, fmt.Errorf("record collection %s: %w", name, err)
		}
	}

	raw, err := x.db.GetOrCreateCollection(name, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("get or create collection %s: %w", name, err)
	}

	col := &chromemCollection{index: x, name: name, dimension: dimension, col: raw}
	x.collections[name] = col
	return col, nil
}

func (x *ChromemIndex) storedDimension(ctx context.Context, name string) (int, error) {
	doc, err := x.meta.GetByID(ctx, name)
	if err != nil {
		// chromem reports a missing id as a plain error
		return 0, nil
	}
	dim, err := strconv.Atoi(doc.Metadata["dimension"])
	if err != nil {
		return 0, fmt.Errorf("collection %s has corrupt dimension metadata: %w", name, err)
	}
	return dim, nil
}

// Close is a no-op: the persistent DB writes through on every change.
func (x *ChromemIndex) Close() error { return nil }

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem collections only accept precomputed embeddings")
}

type chromemCollection struct {
	index     *ChromemIndex
	name      string
	dimension int

	mu  sync.RWMutex
	col *chromem.Collection
}

func (c *chromemCollection) Name() string   { return c.name }
func (c *chromemCollection) Dimension() int { return c.dimension }

func (c *chromemCollection) current() *chromem.Collection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.col
}

func (c *chromemCollection) Upsert(ctx context.Context, rec Record) error {
	if err := validateRecord(rec, c.dimension); err != nil {
		return err
	}
	if err := c.current().AddDocument(ctx, toChromemDocument(rec)); err != nil {
		return fmt.Errorf("add document %s: %w", rec.ID, err)
	}
	return nil
}

// UpsertBatch writes records one by one after validating the whole batch.
// chromem has no multi-document transaction, so a write failure is reported
// through BatchError with the ids that were not stored.
func (c *chromemCollection) UpsertBatch(ctx context.Context, recs []Record) error {
	valid, err := validateBatch(recs, c.dimension)
	if err != nil {
		return err
	}

	col := c.current()
	var (
		failed []string
		first  error
	)
	for _, rec := range valid {
		if err := col.AddDocument(ctx, toChromemDocument(rec)); err != nil {
			failed = append(failed, rec.ID)
			if first == nil {
				first = err
			}
		}
	}
	if len(failed) > 0 {
		return &BatchError{Failed: failed, Err: fmt.Errorf("add documents to %s: %w", c.name, first)}
	}
	return nil
}

func (c *chromemCollection) Query(ctx context.Context, vector []float32, k int) ([]Candidate, error) {
	if err := validateQuery(vector, k, c.dimension); err != nil {
		return nil, err
	}
	if isZero(vector) {
		return []Candidate{}, nil
	}

	col := c.current()
	// chromem rejects nResults larger than the collection
	n := min(k, col.Count())
	if n == 0 {
		return []Candidate{}, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection %s: %w", c.name, err)
	}

	candidates := make([]Candidate, 0, len(results))
	for _, r := range results {
		payload, err := DecodeStringPayload(r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", r.ID, err)
		}
		candidates = append(candidates, Candidate{
			ID:         r.ID,
			Score:      ScoreFromCosine(float64(r.Similarity)),
			SourceType: payload.SourceType,
			Payload:    payload,
		})
	}
	SortCandidates(candidates)
	return candidates, nil
}

func (c *chromemCollection) Delete(ctx context.Context, id string) error {
	if err := c.current().Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("delete %s from %s: %w", id, c.name, err)
	}
	return nil
}

func (c *chromemCollection) Count(context.Context) (int, error) {
	return c.current().Count(), nil
}

// Clear drops and recreates the underlying collection.
func (c *chromemCollection) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.index.db.DeleteCollection(c.name); err != nil {
		return fmt.Errorf("delete collection %s: %w", c.name, err)
	}
	raw, err := c.index.db.GetOrCreateCollection(c.name, nil, noEmbedding)
	if err != nil {
		return fmt.Errorf("recreate collection %s: %w", c.name, err)
	}
	c.col = raw
	return nil
}

func toChromemDocument(rec Record) chromem.Document {
	return chromem.Document{
		ID:        rec.ID,
		Metadata:  rec.Payload.StringMap(),
		Embedding: rec.Vector,
		Content:   rec.Payload.Text,
	}
}

var (
	_ Index      = (*ChromemIndex)(nil)
	_ Collection = (*chromemCollection)(nil)
)
