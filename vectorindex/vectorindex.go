// Package vectorindex stores (id, vector, payload) records in named,
// dimension-typed collections and answers cosine top-k queries.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrDimensionMismatch      = errors.New("vector dimension mismatch")
	ErrInvalidQueryParameters = errors.New("invalid query parameters")
	ErrInvalidPayload         = errors.New("invalid payload")
	ErrInvalidCollection      = errors.New("invalid collection name")
	ErrZeroVector             = errors.New("zero vector cannot be indexed")
)

// SourceType tags where a candidate came from.
type SourceType string

const (
	SourceDataset       SourceType = "dataset"
	SourceDocumentChunk SourceType = "document_chunk"
)

// Rank orders source types on equal scores: datasets are the coarser,
// preferred citation.
func (s SourceType) Rank() int {
	switch s {
	case SourceDataset:
		return 0
	case SourceDocumentChunk:
		return 1
	default:
		return 2
	}
}

func (s SourceType) Valid() bool {
	return s == SourceDataset || s == SourceDocumentChunk
}

type Record struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Candidate is one query hit. Score is a similarity in [0,1], higher is better.
type Candidate struct {
	ID         string     `json:"id"`
	Score      float64    `json:"score"`
	SourceType SourceType `json:"source_type"`
	Payload    Payload    `json:"payload"`
}

// Collection is a single named partition with a fixed dimension.
type Collection interface {
	Name() string
	Dimension() int
	// Upsert inserts or overwrites by id.
	Upsert(ctx context.Context, rec Record) error
	// UpsertBatch either commits every record or returns a *BatchError that
	// names exactly the ids that were not stored.
	UpsertBatch(ctx context.Context, recs []Record) error
	Query(ctx context.Context, vector []float32, k int) ([]Candidate, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// Index owns the collections of one backend. It is opened once per process
// and closed on shutdown.
type Index interface {
	// Collection opens the named collection, creating it with dimension if it
	// does not exist. Opening an existing collection with another dimension
	// fails with ErrDimensionMismatch.
	Collection(ctx context.Context, name string, dimension int) (Collection, error)
	Backend() string
	Close() error
}

// BatchError reports the ids of a batch that were not stored.
type BatchError struct {
	Failed []string
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("upsert batch: %d record(s) failed [%s]: %v", len(e.Failed), strings.Join(e.Failed, ", "), e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

var collectionNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidateCollectionName restricts names to lower-case identifiers so every
// backend can use them as table or collection names verbatim.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCollection, name)
	}
	return nil
}

// validateRecord checks one record against a collection's dimension.
func validateRecord(rec Record, dimension int) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("%w: record id is empty", ErrInvalidPayload)
	}
	if len(rec.Vector) != dimension {
		return fmt.Errorf("%w: record %s has %d dimensions, collection expects %d", ErrDimensionMismatch, rec.ID, len(rec.Vector), dimension)
	}
	if isZero(rec.Vector) {
		return fmt.Errorf("%w: record %s", ErrZeroVector, rec.ID)
	}
	if err := rec.Payload.Validate(); err != nil {
		return fmt.Errorf("record %s: %w", rec.ID, err)
	}
	return nil
}

// validateBatch checks every record up front so that no backend write starts
// for a batch containing a bad record. Duplicate ids keep the last record.
func validateBatch(recs []Record, dimension int) ([]Record, error) {
	var (
		failed []string
		first  error
	)
	for _, rec := range recs {
		if err := validateRecord(rec, dimension); err != nil {
			failed = append(failed, rec.ID)
			if first == nil {
				first = err
			}
		}
	}
	if len(failed) > 0 {
		return nil, &BatchError{Failed: failed, Err: first}
	}

	seen := make(map[string]int, len(recs))
	deduped := make([]Record, 0, len(recs))
	for _, rec := range recs {
		if idx, ok := seen[rec.ID]; ok {
			deduped[idx] = rec
			continue
		}
		seen[rec.ID] = len(deduped)
		deduped = append(deduped, rec)
	}
	return deduped, nil
}

func validateQuery(vector []float32, k, dimension int) error {
	if k <= 0 {
		return fmt.Errorf("%w: k must be positive, got %d", ErrInvalidQueryParameters, k)
	}
	if len(vector) != dimension {
		return fmt.Errorf("%w: query has %d dimensions, collection expects %d", ErrDimensionMismatch, len(vector), dimension)
	}
	return nil
}

func recordIDs(recs []Record) []string {
	ids := make([]string, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	return ids
}

func isZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
