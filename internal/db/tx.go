package db

import (
	"context"
	"database/sql"

	"github.com/kimhsiao/fairway/internal/errors"
	"github.com/kimhsiao/fairway/internal/models"
)

// Tx is a multi-entity, multi-collection transaction.
//
// Only the Tx methods may be used inside the callback: the store has a single
// connection, so calling back into the Store would wait on the Tx forever.
type Tx struct {
	store   *Store
	ctx     context.Context
	tx      *sql.Tx
	touched map[string]struct{}
	purge   bool
}

// RunInTransaction runs fn inside one SQLite transaction. Either every write
// made through the Tx is applied or none is. This is the opt-in boundary for
// saves that span collections, e.g. a round together with its hole scores.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "begin transaction", err)
	}
	tx := &Tx{store: s, ctx: ctx, tx: sqlTx, touched: make(map[string]struct{})}

	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if s.cache == nil {
		if err := sqlTx.Commit(); err != nil {
			return errors.Wrap(errors.ErrDatabase, "commit transaction", err)
		}
		return nil
	}

	// Commit and invalidation happen under cacheMu so a cached read never
	// sees a pre-commit value after the commit.
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if err := sqlTx.Commit(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "commit transaction", err)
	}
	if tx.purge {
		s.purgeLocked()
		return nil
	}
	for key := range tx.touched {
		s.removeLocked(key)
	}
	return nil
}

// Add inserts an entity within the transaction.
func (t *Tx) Add(collection string, e models.Entity) error {
	if err := t.store.checkCollection(collection); err != nil {
		return err
	}
	if err := add(t.ctx, t.tx, collection, e); err != nil {
		return err
	}
	t.touched[cacheKey(collection, e.ID())] = struct{}{}
	return nil
}

// Put inserts or replaces an entity within the transaction.
func (t *Tx) Put(collection string, e models.Entity) error {
	if err := t.store.checkCollection(collection); err != nil {
		return err
	}
	if err := put(t.ctx, t.tx, collection, e); err != nil {
		return err
	}
	t.touched[cacheKey(collection, e.ID())] = struct{}{}
	return nil
}

// Get reads an entity as seen by the transaction, or nil when absent.
func (t *Tx) Get(collection, id string) (models.Entity, error) {
	if err := t.store.checkCollection(collection); err != nil {
		return nil, err
	}
	return get(t.ctx, t.tx, collection, id)
}

// Delete removes an entity within the transaction.
func (t *Tx) Delete(collection, id string) error {
	if err := t.store.checkCollection(collection); err != nil {
		return err
	}
	if err := remove(t.ctx, t.tx, collection, id); err != nil {
		return err
	}
	t.touched[cacheKey(collection, id)] = struct{}{}
	return nil
}

// Clear removes every entity in a collection within the transaction.
func (t *Tx) Clear(collection string) error {
	if err := t.store.checkCollection(collection); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM entities WHERE collection = ?", collection); err != nil {
		return errors.Wrap(errors.ErrDatabase, "clear "+collection, err)
	}
	t.purge = true
	return nil
}
