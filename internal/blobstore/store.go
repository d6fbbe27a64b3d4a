package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Read when no value is stored under the key.
var ErrNotFound = errors.New("blob not found")

// Store is a flat key/value byte store. A Write replaces the whole value
// under its key in one step; concurrent writers race and the last one wins.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	Write(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	Close() error
}
