package storage

import (
	"context"
	"fmt"
	"strings"
)

// Store is a small durable string key/value store. It plays the role a
// browser's localStorage plays for a web widget.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open returns the store selected by driver. Path is ignored for "memory".
func Open(driver, path string) (Store, error) {
	switch strings.ToLower(driver) {
	case "", "file":
		return NewFileStore(path)
	case "sqlite":
		return NewSQLiteStore(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
