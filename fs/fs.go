// Package fs defines the object storage abstraction that holds partition
// data. Objects are immutable once written; overwriting an existing key is
// an error in every backend.
package fs

import (
	"context"
	"errors"
	"fmt"

	"github.com/TFMV/driftlake/config"
)

var (
	// ErrObjectNotFound is returned when a requested object does not exist.
	ErrObjectNotFound = errors.New("object not found")
	// ErrObjectExists is returned when writing to a key that is already
	// occupied.
	ErrObjectExists = errors.New("object already exists")
)

// ObjectStore stores immutable partition objects addressed by key.
type ObjectStore interface {
	// Put writes a new object. Fails with ErrObjectExists if the key is
	// taken.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads an object in full.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes an object. Deleting a missing key is not an error,
	// so garbage collection stays idempotent.
	Delete(ctx context.Context, key string) error

	// List returns all keys under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether a key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases any backend resources.
	Close() error
}

// Factory constructs an object store for a backend type.
type Factory func(cfg *config.Config) (ObjectStore, error)

var factories = map[string]Factory{}

// RegisterBackend registers an object store constructor under a config
// type name. Called from backend package init functions.
func RegisterBackend(name string, factory Factory) {
	factories[name] = factory
}

// NewObjectStore creates the object store named by the configuration.
func NewObjectStore(cfg *config.Config) (ObjectStore, error) {
	factory, ok := factories[cfg.ObjectStore.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported object store type: %s", cfg.ObjectStore.Type)
	}
	return factory(cfg)
}
