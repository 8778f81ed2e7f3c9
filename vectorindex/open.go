package vectorindex

import (
	"context"
	"fmt"

	"github.com/fabfab/datasearch/config"
	"github.com/fabfab/datasearch/database"
)

// Open builds the index backend selected in cfg.
func Open(ctx context.Context, cfg config.Config) (Index, error) {
	switch cfg.Index.Backend {
	case config.IndexChromem:
		return NewChromemIndex(cfg.Index.Path, cfg.Index.Compress)
	case config.IndexPgvector:
		pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		index, err := NewPgvectorIndex(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		index.ownsPool = true
		return index, nil
	case config.IndexQdrant:
		return NewQdrantIndex(QdrantOptions{
			Host:   cfg.QdrantHost,
			Port:   cfg.QdrantPort,
			APIKey: cfg.QdrantAPIKey,
			UseTLS: cfg.QdrantUseTLS,
		})
	case config.IndexMemory:
		return NewMemoryIndex(), nil
	default:
		return nil, fmt.Errorf("unknown index backend: %s", cfg.Index.Backend)
	}
}
