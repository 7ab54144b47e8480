// Package storage implements the key/value stores scripts reach through _PY.store_*.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zot/eplua/internal/config"
)

// ErrInvalidKey is returned for empty keys.
var ErrInvalidKey = errors.New("storage: empty key")

// Backend defines the interface for storage backends.
// Values are JSON documents; backends never interpret them.
type Backend interface {
	// Get returns the value stored under key.
	Get(key string) (value json.RawMessage, ok bool, err error)

	// Set stores value under key, replacing any previous value.
	Set(key string, value json.RawMessage) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Keys lists keys starting with prefix, sorted.
	Keys(prefix string) ([]string, error)

	// Clear removes all data.
	Clear() error

	// Close closes the storage backend.
	Close() error
}

// Open creates the backend selected by cfg.Type.
func Open(cfg config.StorageConfig) (Backend, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStorage(), nil
	case "sqlite":
		return NewSQLiteStorage(cfg.Path)
	case "postgres", "postgresql":
		if cfg.URL == "" {
			return nil, fmt.Errorf("storage: postgresql requires a url")
		}
		return NewPostgresStorage(cfg.URL)
	default:
		return nil, fmt.Errorf("storage: unknown type %q", cfg.Type)
	}
}

func checkKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	return nil
}
