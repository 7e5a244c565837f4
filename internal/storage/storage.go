package storage

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("storage: key not found")

// Batch is a set of writes applied together. Backends apply it atomically.
type Batch struct {
	Set    map[string]string
	Delete []string
}

// Storage is the durable key-value store behind the local cart.
type Storage interface {
	Get(ctx context.Context, key string) (string, error)
	Write(ctx context.Context, batch Batch) error
}
