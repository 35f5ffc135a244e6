package db

import (
	"context"

	"github.com/kimhsiao/fairway/internal/models"
)

// EntityReader defines the read-only store operations.
type EntityReader interface {
	// Get returns the entity with the given id, or nil when absent.
	Get(ctx context.Context, collection, id string) (models.Entity, error)

	// GetAll returns every entity in a collection ordered by id.
	GetAll(ctx context.Context, collection string) ([]models.Entity, error)

	// GetByIndex returns the entities whose indexed field equals value.
	GetByIndex(ctx context.Context, collection, index string, value any) ([]models.Entity, error)
}

// EntityWriter defines the mutating store operations.
type EntityWriter interface {
	Add(ctx context.Context, collection string, e models.Entity) error
	Put(ctx context.Context, collection string, e models.Entity) error
	Delete(ctx context.Context, collection, id string) error
}

// EntityStore combines reads and writes. The sync layer depends on this
// rather than on *Store so it can be tested against fakes.
type EntityStore interface {
	EntityReader
	EntityWriter
}

// Ensure *Store implements the interfaces at compile time.
var (
	_ EntityReader = (*Store)(nil)
	_ EntityWriter = (*Store)(nil)
	_ EntityStore  = (*Store)(nil)
)
