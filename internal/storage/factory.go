package storage

import (
	"github.com/m-mizutani/goerr/v2"

	"phasespace/internal/fault"
)

func NewStore(kind, sqlitePath string) (Store, error) {
	switch kind {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		if sqlitePath == "" {
			return nil, fault.Config(nil, "sqlite store needs a database path")
		}
		return NewSQLiteStore(sqlitePath), nil
	default:
		return nil, fault.Config(nil, "unsupported store backend", goerr.V("kind", kind))
	}
}

func CloseIfSupported(store Store) error {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return nil
	}
	return closer.Close()
}
