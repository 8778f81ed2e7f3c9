package ingestion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/fabfab/datasearch/embeddings"
	"github.com/fabfab/datasearch/knowledge"
	"github.com/fabfab/datasearch/telemetry"
	"github.com/fabfab/datasearch/vectorindex"
)

const (
	previewRunes     = 500
	defaultBatchSize = 64
)

var documentNamespace = uuid.MustParse("a3c5e1f2-4b7d-4c1e-9f0a-6d2b8e4c7a91")

// GraphSync mirrors ingested records into the knowledge graph.
type GraphSync interface {
	SyncDataset(ctx context.Context, ds knowledge.Dataset) error
	SyncDocument(ctx context.Context, doc knowledge.Document) error
	DeleteDocument(ctx context.Context, id string) error
}

type Options struct {
	BatchSize int
	// Ledger defaults to an in-memory ledger, which re-ingests every file
	// after a restart.
	Ledger  Ledger
	Graph   GraphSync
	Parsers map[DocumentFormat]DocumentParser
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Report summarises one ingestion run.
type Report struct {
	Indexed   int
	Unchanged int
	Skipped   int
	Failed    []string
}

func (r *Report) merge(other Report) {
	r.Indexed += other.Indexed
	r.Unchanged += other.Unchanged
	r.Skipped += other.Skipped
	r.Failed = append(r.Failed, other.Failed...)
}

// Ingestor embeds datasets and supporting documents into their collections.
type Ingestor struct {
	embedder embeddings.Embedder
	datasets vectorindex.Collection
	chunks   vectorindex.Collection
	chunker  Chunker
	opts     Options
	logger   *slog.Logger

	mu     sync.RWMutex
	titles map[string]string
}

func NewIngestor(embedder embeddings.Embedder, datasets, chunks vectorindex.Collection, chunker Chunker, opts Options) (*Ingestor, error) {
	if embedder == nil {
		return nil, fmt.Errorf("ingestor needs an embedder")
	}
	if datasets == nil || chunks == nil {
		return nil, fmt.Errorf("ingestor needs dataset and chunk collections")
	}
	for _, col := range []vectorindex.Collection{datasets, chunks} {
		if col.Dimension() != embedder.Dimension() {
			return nil, fmt.Errorf("%w: collection %s has dimension %d, embedder produces %d",
				vectorindex.ErrDimensionMismatch, col.Name(), col.Dimension(), embedder.Dimension())
		}
	}
	if err := validateWindow(chunker.SizeWords, chunker.OverlapWords); err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Ledger == nil {
		opts.Ledger = NewMemoryLedger()
	}
	if opts.Parsers == nil {
		opts.Parsers = DefaultParsers()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		embedder: embedder,
		datasets: datasets,
		chunks:   chunks,
		chunker:  chunker,
		opts:     opts,
		logger:   logger,
		titles:   make(map[string]string),
	}, nil
}

// IngestDatasets embeds title and abstract of every dataset. Entries with
// neither are skipped; failed ids are reported rather than returned as an
// error unless the context ends.
func (s *Ingestor) IngestDatasets(ctx context.Context, datasets []Dataset) (Report, error) {
	var report Report
	for start := 0; start < len(datasets); start += s.opts.BatchSize {
		batch := datasets[start:min(start+s.opts.BatchSize, len(datasets))]
		part, err := s.ingestDatasetBatch(ctx, batch)
		report.merge(part)
		if err != nil {
			return report, err
		}
	}
	s.logger.Info("datasets ingested",
		"indexed", report.Indexed,
		"skipped", report.Skipped,
		"failed", len(report.Failed),
	)
	return report, nil
}

func (s *Ingestor) ingestDatasetBatch(ctx context.Context, batch []Dataset) (Report, error) {
	var report Report
	keep := make([]Dataset, 0, len(batch))
	texts := make([]string, 0, len(batch))
	for _, ds := range batch {
		text := strings.TrimSpace(strings.TrimSpace(ds.Title) + " " + strings.TrimSpace(ds.Abstract))
		if text == "" {
			s.logger.Warn("skipping dataset without title or abstract", "dataset_id", ds.ID)
			report.Skipped++
			continue
		}
		keep = append(keep, ds)
		texts = append(texts, text)
	}
	if len(keep) == 0 {
		return report, nil
	}

	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return report, fmt.Errorf("embed datasets: %w", err)
	}

	recs := make([]vectorindex.Record, 0, len(keep))
	for i, ds := range keep {
		if embeddings.IsZero(vectors[i]) {
			s.logger.Warn("skipping dataset with no embeddable content", "dataset_id", ds.ID)
			report.Skipped++
			continue
		}
		recs = append(recs, vectorindex.Record{
			ID:     ds.ID,
			Vector: vectors[i],
			Payload: vectorindex.Payload{
				SourceType: vectorindex.SourceDataset,
				DatasetID:  ds.ID,
				Title:      strings.TrimSpace(ds.Title),
				Text:       preview(ds.Abstract, previewRunes),
				Keywords:   strings.Join(knowledge.NormalizeKeywords(ds.Keywords), ", "),
				URL:        strings.TrimSpace(ds.URL),
			},
		})
	}

	failed, err := s.upsert(ctx, s.datasets, recs)
	if err != nil {
		return report, err
	}
	report.Failed = append(report.Failed, failed...)
	report.Indexed += len(recs) - len(failed)
	s.opts.Metrics.Ingested(string(vectorindex.SourceDataset), len(recs)-len(failed))

	stored := make(map[string]bool, len(recs))
	for _, rec := range recs {
		stored[rec.ID] = true
	}
	for _, id := range failed {
		delete(stored, id)
	}

	s.mu.Lock()
	for _, ds := range keep {
		if stored[ds.ID] {
			s.titles[ds.ID] = strings.TrimSpace(ds.Title)
		}
	}
	s.mu.Unlock()

	if s.opts.Graph != nil {
		for _, ds := range keep {
			if !stored[ds.ID] {
				continue
			}
			err := s.opts.Graph.SyncDataset(ctx, knowledge.Dataset{ID: ds.ID, Title: ds.Title, URL: ds.URL, Keywords: ds.Keywords})
			if err != nil {
				s.logger.Warn("graph sync failed", "dataset_id", ds.ID, "error", err)
			}
		}
	}
	return report, nil
}

// upsert writes recs and returns the ids that were not stored. A batch
// error is not fatal; anything else is.
func (s *Ingestor) upsert(ctx context.Context, col vectorindex.Collection, recs []vectorindex.Record) ([]string, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	err := col.UpsertBatch(ctx, recs)
	var batchErr *vectorindex.BatchError
	if errors.As(err, &batchErr) {
		s.logger.Warn("records not stored", "collection", col.Name(), "ids", batchErr.Failed, "error", batchErr.Err)
		return batchErr.Failed, nil
	}
	if err != nil {
		return nil, fmt.Errorf("upsert into %s: %w", col.Name(), err)
	}
	return nil, nil
}

// IngestDocuments walks root, which holds one directory per dataset id with
// the dataset's supporting documents inside. Unchanged files are skipped.
func (s *Ingestor) IngestDocuments(ctx context.Context, root string) (Report, error) {
	if _, err := os.Stat(root); err != nil {
		return Report{}, fmt.Errorf("documents directory: %w", err)
	}

	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || DetectFormat(path) == FormatUnknown {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return Report{}, fmt.Errorf("walk documents directory: %w", err)
	}

	var report Report
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		changed, err := s.IngestFile(ctx, root, path)
		switch {
		case errors.Is(err, errNotInDataset):
			s.logger.Warn("skipping document outside a dataset directory", "path", path)
			report.Skipped++
		case err != nil:
			s.logger.Warn("document ingestion failed", "path", path, "error", err)
			report.Failed = append(report.Failed, path)
		case changed:
			report.Indexed++
		default:
			report.Unchanged++
		}
	}
	s.logger.Info("documents ingested",
		"root", root,
		"indexed", report.Indexed,
		"unchanged", report.Unchanged,
		"skipped", report.Skipped,
		"failed", len(report.Failed),
	)
	return report, nil
}

var errNotInDataset = errors.New("document is not inside a dataset directory")

// IngestFile indexes one supporting document. It reports false when the
// file content matches what is already indexed.
func (s *Ingestor) IngestFile(ctx context.Context, root, path string) (bool, error) {
	rel, datasetID, err := locate(root, path)
	if err != nil {
		return false, err
	}
	format := DetectFormat(path)
	parser, ok := s.opts.Parsers[format]
	if !ok {
		return false, fmt.Errorf("no parser for %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read file: %w", err)
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	previous, known, err := s.opts.Ledger.Lookup(ctx, rel)
	if err != nil {
		return false, err
	}
	if known && previous.SHA256 == hash {
		return false, nil
	}

	parsed, err := parser.Parse(ctx, DocumentPayload{Path: path, Data: data})
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", rel, err)
	}

	documentID := uuid.NewSHA1(documentNamespace, []byte(rel)).String()
	recs, chunks, err := s.chunkRecords(ctx, datasetID, documentID, rel, parsed.Text)
	if err != nil {
		return false, err
	}

	if known {
		if err := s.deleteChunks(ctx, previous); err != nil {
			return false, err
		}
	}

	for start := 0; start < len(recs); start += s.opts.BatchSize {
		batch := recs[start:min(start+s.opts.BatchSize, len(recs))]
		failed, err := s.upsert(ctx, s.chunks, batch)
		if err != nil {
			return false, err
		}
		if len(failed) > 0 {
			return false, fmt.Errorf("%d chunks of %s were not stored", len(failed), rel)
		}
	}
	s.opts.Metrics.Ingested(string(vectorindex.SourceDocumentChunk), len(recs))

	state := DocumentState{
		Path:       rel,
		DocumentID: documentID,
		DatasetID:  datasetID,
		Title:      parsed.Title,
		SHA256:     hash,
		Chunks:     len(recs),
	}
	if err := s.opts.Ledger.Save(ctx, state); err != nil {
		return false, err
	}

	if s.opts.Graph != nil {
		err := s.opts.Graph.SyncDocument(ctx, knowledge.Document{
			ID:        documentID,
			DatasetID: datasetID,
			Path:      rel,
			Title:     parsed.Title,
			SHA:       hash,
			Chunks:    chunks,
		})
		if err != nil {
			s.logger.Warn("graph sync failed", "path", rel, "error", err)
		}
	}

	s.logger.Info("document indexed", "path", rel, "dataset_id", datasetID, "chunks", len(recs))
	return true, nil
}

func (s *Ingestor) chunkRecords(ctx context.Context, datasetID, documentID, rel, text string) ([]vectorindex.Record, []knowledge.Chunk, error) {
	seq, err := s.chunker.Chunk(documentID, text)
	if err != nil {
		return nil, nil, err
	}

	var windows []Chunk
	for chunk := range seq {
		if strings.TrimSpace(chunk.Text) != "" {
			windows = append(windows, chunk)
		}
	}
	if len(windows) == 0 {
		return nil, nil, nil
	}

	texts := make([]string, len(windows))
	for i, w := range windows {
		texts[i] = w.Text
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, nil, fmt.Errorf("embed chunks of %s: %w", rel, err)
	}

	title := s.datasetTitle(datasetID)
	recs := make([]vectorindex.Record, 0, len(windows))
	nodes := make([]knowledge.Chunk, 0, len(windows))
	for i, w := range windows {
		if embeddings.IsZero(vectors[i]) {
			continue
		}
		id := ChunkID(documentID, len(recs))
		recs = append(recs, vectorindex.Record{
			ID:     id,
			Vector: vectors[i],
			Payload: vectorindex.Payload{
				SourceType:  vectorindex.SourceDocumentChunk,
				DatasetID:   datasetID,
				DocumentID:  documentID,
				SourceFile:  filepath.Base(rel),
				Title:       title,
				Text:        w.Text,
				ChunkIndex:  len(nodes),
				StartOffset: w.StartOffset,
				EndOffset:   w.EndOffset,
			},
		})
		nodes = append(nodes, knowledge.Chunk{ID: id, Index: len(nodes), Text: w.Text})
	}
	return recs, nodes, nil
}

// RemoveFile drops the chunks of a deleted document.
func (s *Ingestor) RemoveFile(ctx context.Context, root, path string) error {
	rel, _, err := locate(root, path)
	if err != nil {
		return err
	}
	previous, known, err := s.opts.Ledger.Lookup(ctx, rel)
	if err != nil || !known {
		return err
	}
	if err := s.deleteChunks(ctx, previous); err != nil {
		return err
	}
	if err := s.opts.Ledger.Remove(ctx, rel); err != nil {
		return err
	}
	if s.opts.Graph != nil {
		if err := s.opts.Graph.DeleteDocument(ctx, previous.DocumentID); err != nil {
			s.logger.Warn("graph delete failed", "path", rel, "error", err)
		}
	}
	s.logger.Info("document removed", "path", rel, "chunks", previous.Chunks)
	return nil
}

func (s *Ingestor) deleteChunks(ctx context.Context, state DocumentState) error {
	for n := range state.Chunks {
		if err := s.chunks.Delete(ctx, ChunkID(state.DocumentID, n)); err != nil {
			return fmt.Errorf("delete previous chunks of %s: %w", state.Path, err)
		}
	}
	return nil
}

func (s *Ingestor) datasetTitle(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.titles[id]
}

// ChunkID is the deterministic record id of chunk n of a document.
func ChunkID(documentID string, n int) string {
	return fmt.Sprintf("doc:%s:%d", documentID, n)
}

// locate returns path relative to root in slash form and the dataset id,
// which is the first path element.
func locate(root, path string) (string, string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", "", fmt.Errorf("resolve %s: %w", path, err)
	}
	rel = filepath.ToSlash(rel)
	datasetID, rest, ok := strings.Cut(rel, "/")
	if !ok || datasetID == "" || datasetID == ".." || rest == "" {
		return "", "", fmt.Errorf("%w: %s", errNotInDataset, rel)
	}
	return rel, datasetID, nil
}

func preview(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
