// Package retrieval answers a query text with candidates merged from every
// requested vector collection.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/fabfab/datasearch/embeddings"
	"github.com/fabfab/datasearch/telemetry"
	"github.com/fabfab/datasearch/vectorindex"
)

// ErrUnavailable means the query could not be embedded or a collection could
// not be searched. There is nothing meaningful to answer from in that case.
var ErrUnavailable = errors.New("retrieval unavailable")

var tracer = otel.Tracer("github.com/fabfab/datasearch/retrieval")

// CollectionRef names a collection to search and the source type its hits
// are reported under.
type CollectionRef struct {
	Collection vectorindex.Collection
	SourceType vectorindex.SourceType
}

type Options struct {
	// MinScore drops candidates scoring below it. Nil disables filtering.
	MinScore *float64

	EmbedTimeout time.Duration
	QueryTimeout time.Duration

	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Retriever embeds a query once and searches collections in parallel.
type Retriever struct {
	embedder embeddings.Embedder
	defaults []CollectionRef
	opts     Options
	logger   *slog.Logger
}

// New returns a Retriever that searches defaults when a call names no
// collections.
func New(embedder embeddings.Embedder, defaults []CollectionRef, opts Options) (*Retriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("retriever needs an embedder")
	}
	for _, ref := range defaults {
		if err := checkRef(ref, embedder.Dimension()); err != nil {
			return nil, err
		}
	}
	if opts.MinScore != nil && (*opts.MinScore < 0 || *opts.MinScore > 1) {
		return nil, fmt.Errorf("min score %.2f outside [0,1]", *opts.MinScore)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{embedder: embedder, defaults: defaults, opts: opts, logger: logger}, nil
}

// Collections returns the default collection set.
func (r *Retriever) Collections() []CollectionRef {
	return append([]CollectionRef(nil), r.defaults...)
}

// Retrieve returns at most limit candidates in global order: score
// descending, datasets before document chunks on ties, then id. Every
// collection is asked for limit hits and the merged list is truncated only
// after sorting, so a strong chunk can outrank a weak dataset.
func (r *Retriever) Retrieve(ctx context.Context, query string, limit int, refs []CollectionRef) (candidates []vectorindex.Candidate, err error) {
	ctx, span := tracer.Start(ctx, "retrieval.Retrieve")
	start := time.Now()
	defer func() {
		r.opts.Metrics.ObserveRetrieval(time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("retrieval.candidates", len(candidates)))
		span.End()
	}()

	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", vectorindex.ErrInvalidQueryParameters, limit)
	}
	if len(refs) == 0 {
		refs = r.defaults
	}
	refs, err = r.distinct(refs)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("retrieval.limit", limit), attribute.Int("retrieval.collections", len(refs)))

	if strings.TrimSpace(query) == "" || len(refs) == 0 {
		return []vectorindex.Candidate{}, nil
	}

	vector, err := r.embed(ctx, query)
	if err != nil {
		return nil, err
	}
	if embeddings.IsZero(vector) {
		// nothing in the query survived tokenisation
		return []vectorindex.Candidate{}, nil
	}

	perCollection, err := r.queryAll(ctx, vector, limit, refs)
	if err != nil {
		return nil, err
	}

	merged := make([]vectorindex.Candidate, 0, len(refs)*limit)
	for _, hits := range perCollection {
		merged = append(merged, hits...)
	}
	vectorindex.SortCandidates(merged)

	if r.opts.MinScore != nil {
		merged = filterMinScore(merged, *r.opts.MinScore)
	}
	if len(merged) > limit {
		merged = merged[:limit]
	}

	r.logger.Debug("retrieved candidates",
		"query_chars", len(query),
		"collections", len(refs),
		"returned", len(merged),
		"elapsed", time.Since(start))
	return merged, nil
}

func (r *Retriever) embed(ctx context.Context, query string) ([]float32, error) {
	if r.opts.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.EmbedTimeout)
		defer cancel()
	}
	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", ErrUnavailable, err)
	}
	return vector, nil
}

func (r *Retriever) queryAll(ctx context.Context, vector []float32, limit int, refs []CollectionRef) ([][]vectorindex.Candidate, error) {
	if r.opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.QueryTimeout)
		defer cancel()
	}

	results := make([][]vectorindex.Candidate, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		g.Go(func() error {
			hits, err := ref.Collection.Query(gctx, vector, limit)
			if err != nil {
				return fmt.Errorf("query %s: %w", ref.Collection.Name(), err)
			}
			for j := range hits {
				hits[j].SourceType = ref.SourceType
			}
			results[i] = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, vectorindex.ErrDimensionMismatch) || errors.Is(err, vectorindex.ErrInvalidQueryParameters) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return results, nil
}

// distinct drops repeated collections and checks every ref.
func (r *Retriever) distinct(refs []CollectionRef) ([]CollectionRef, error) {
	seen := make(map[string]struct{}, len(refs))
	out := make([]CollectionRef, 0, len(refs))
	for _, ref := range refs {
		if err := checkRef(ref, r.embedder.Dimension()); err != nil {
			return nil, err
		}
		if _, ok := seen[ref.Collection.Name()]; ok {
			continue
		}
		seen[ref.Collection.Name()] = struct{}{}
		out = append(out, ref)
	}
	return out, nil
}

func checkRef(ref CollectionRef, dimension int) error {
	if ref.Collection == nil {
		return fmt.Errorf("%w: collection ref without collection", vectorindex.ErrInvalidQueryParameters)
	}
	if !ref.SourceType.Valid() {
		return fmt.Errorf("%w: collection %s has source type %q", vectorindex.ErrInvalidQueryParameters, ref.Collection.Name(), ref.SourceType)
	}
	if ref.Collection.Dimension() != dimension {
		return fmt.Errorf("%w: collection %s has dimension %d, embedder produces %d",
			vectorindex.ErrDimensionMismatch, ref.Collection.Name(), ref.Collection.Dimension(), dimension)
	}
	return nil
}

// filterMinScore keeps the sorted prefix scoring at least threshold.
func filterMinScore(sorted []vectorindex.Candidate, threshold float64) []vectorindex.Candidate {
	for i, c := range sorted {
		if c.Score < threshold {
			return sorted[:i]
		}
	}
	return sorted
}
