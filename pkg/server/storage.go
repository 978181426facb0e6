package server

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/aeolun/messageu/pkg/rwlock"
	"github.com/aeolun/messageu/pkg/store"
	"github.com/aeolun/messageu/pkg/store/badgerstore"
	"github.com/aeolun/messageu/pkg/store/memstore"
	"github.com/aeolun/messageu/pkg/store/sqlitestore"
)

// OpenStore opens the storage engine named by cfg.Engine, guarded by the
// lock named by cfg.Lock.
func OpenStore(cfg ServerConfig) (store.Store, error) {
	opts := store.Options{
		Lock:           rwlock.NewLocker(cfg.Lock),
		MaxContentSize: cfg.MaxContentSize,
		BatchBytes:     cfg.MessageBatchBytes,
	}

	if cfg.Engine == "memory" {
		return memstore.New(opts), nil
	}

	path, err := expandHome(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	switch cfg.Engine {
	case "sqlite":
		return sqlitestore.Open(path, opts)
	case "badger":
		return badgerstore.Open(path, opts)
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Engine)
	}
}
