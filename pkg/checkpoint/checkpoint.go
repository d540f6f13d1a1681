// Package checkpoint persists the per-source read cursor between cycles.
package checkpoint

import (
	"context"
	"fmt"

	"github.com/supporttools/log-sentinel/pkg/database"
	"github.com/supporttools/log-sentinel/pkg/types"
)

// Store loads and saves checkpoints. Load returns nil, nil for a source that
// has never been committed. Save is atomic and durable before it returns.
type Store interface {
	Load(ctx context.Context, sourceID string) (*types.Checkpoint, error)
	LoadAll(ctx context.Context) (map[string]types.Checkpoint, error)
	Save(ctx context.Context, cp types.Checkpoint) error
	Close() error
}

// New returns the backend selected by cfg. db is required for the database
// backend and ignored otherwise.
func New(cfg types.CheckpointConfig, db *database.DB) (Store, error) {
	switch cfg.Backend {
	case "file":
		return NewFileStore(cfg.Path)
	case "database", "":
		if db == nil {
			return nil, fmt.Errorf("database checkpoint backend requires an open database")
		}
		return NewSQLStore(db), nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint backend: %s", cfg.Backend)
	}
}
