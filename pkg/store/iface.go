// iface.go defines the StoreInterface for dependency injection and testing.
//
// The concrete *Store type satisfies this interface. The transport layer
// and the cmd layer accept StoreInterface instead of *Store, so tests can
// substitute a fake.
package store

import (
	"context"

	"github.com/daviddao/eventfold/pkg/conn"
)

// StoreInterface is a conn.Connection plus the maintenance queries only a
// database-backed medium can answer cheaply.
type StoreInterface interface {
	conn.Connection

	// Owner returns the owner space the store is scoped to.
	Owner() string

	// Owners lists every owner with history or pending proposals in the file.
	Owners(ctx context.Context) ([]string, error)

	// Stats counts the rows held for the store's owner.
	Stats(ctx context.Context) (Stats, error)
}

// Compile-time check that *Store implements StoreInterface.
var _ StoreInterface = (*Store)(nil)
