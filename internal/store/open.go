package store

import (
	"fmt"

	"github.com/hyperengineering/offsync/internal/config"
)

// Open returns the Store selected by cfg.Driver.
func Open(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return NewSQLiteStore(cfg.Path)
	case config.DriverMemory:
		return NewMemoryStore(), nil
	case config.DriverS3:
		return NewS3Store(cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
