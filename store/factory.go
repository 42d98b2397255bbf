package store

import (
	"context"
	"fmt"

	"github.com/probehq/probe/config"
)

// NewFromConfig opens the backend selected by cfg. The GOB backend is loaded
// from the workspace's .probe directory.
func NewFromConfig(ctx context.Context, cfg *config.Config, projectRoot string) (Backend, error) {
	switch cfg.Store.Backend {
	case "qdrant":
		return NewQdrantStore(QdrantOptions{
			Host:       cfg.Store.Qdrant.Endpoint,
			Port:       cfg.Store.Qdrant.Port,
			APIKey:     cfg.Store.Qdrant.APIKey,
			UseTLS:     cfg.Store.Qdrant.UseTLS,
			Collection: cfg.CollectionName(),
		})

	case "postgres":
		return NewPostgresStore(ctx, cfg.Store.Postgres.DSN, cfg.CollectionName())

	case "gob":
		s := NewGOBStore(config.GetIndexPath(projectRoot))
		if err := s.Load(ctx); err != nil {
			return nil, fmt.Errorf("failed to load index: %w", err)
		}
		return s, nil

	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Store.Backend)
	}
}
