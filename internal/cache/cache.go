// Handles durable storage of cached HTTP responses, grouped in named namespaces
package cache

import (
	"context"
	"strings"

	"github.com/jmgilman/go/errors"
)

// ErrInvalidName is returned for namespace names that cannot be stored
var ErrInvalidName = errors.New(errors.CodeInvalidInput, "invalid namespace name")

// Storage is a durable set of namespaces, addressable by name.
//
// Implementations must be safe for concurrent use. A single-key write is atomic
// and concurrent writes to the same key resolve to the last write.
type Storage interface {
	// initializes the storage (e.g., creates necessary directories or tables)
	Init() error
	// Open returns the namespace with the given name, creating it if needed
	Open(ctx context.Context, name string) (Namespace, error)
	// Has reports whether the namespace exists, without creating it
	Has(ctx context.Context, name string) (bool, error)
	// Names lists the existing namespaces, in storage order
	Names(ctx context.Context) ([]string, error)
	// Delete removes a namespace and all its entries.
	// returns false, nil when the namespace did not exist
	Delete(ctx context.Context, name string) (bool, error)
	// Match looks the key up in every namespace, in storage order, and returns the first hit.
	// returns nil, nil when not found
	Match(ctx context.Context, key string) ([]byte, error)
	Close() error
}

// Namespace is one named key->value collection inside a Storage
type Namespace interface {
	Name() string
	// retrieves the stored value for key.
	// returns nil, nil when not found
	Get(ctx context.Context, key string) ([]byte, error)
	// stores value under key, replacing any previous value
	Set(ctx context.Context, key string, value []byte) error
	// Keys lists every key stored in the namespace
	Keys(ctx context.Context) ([]string, error)
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return errors.Wrapf(ErrInvalidName, errors.CodeInvalidInput, "namespace %q", name)
	}
	return nil
}
