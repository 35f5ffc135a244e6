package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/kimhsiao/fairway/internal/errors"
	"github.com/kimhsiao/fairway/internal/models"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =====================================================
// Writes
// =====================================================

// Add inserts an entity. It fails with DUPLICATE_KEY if the id already
// exists in the collection.
func (s *Store) Add(ctx context.Context, collection string, e models.Entity) error {
	if err := s.checkCollection(collection); err != nil {
		return err
	}
	return s.exec(ctx, func(q querier) error {
		return add(ctx, q, collection, e)
	}, func() { s.removeLocked(cacheKey(collection, e.ID())) })
}

// Put inserts or replaces an entity by id.
func (s *Store) Put(ctx context.Context, collection string, e models.Entity) error {
	if err := s.checkCollection(collection); err != nil {
		return err
	}
	return s.exec(ctx, func(q querier) error {
		return put(ctx, q, collection, e)
	}, func() { s.removeLocked(cacheKey(collection, e.ID())) })
}

// Delete removes an entity. Deleting an absent id is not an error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := s.checkCollection(collection); err != nil {
		return err
	}
	return s.exec(ctx, func(q querier) error {
		return remove(ctx, q, collection, id)
	}, func() { s.removeLocked(cacheKey(collection, id)) })
}

// Clear removes every entity in a collection.
func (s *Store) Clear(ctx context.Context, collection string) error {
	if err := s.checkCollection(collection); err != nil {
		return err
	}
	return s.exec(ctx, func(q querier) error {
		if _, err := q.ExecContext(ctx, "DELETE FROM entities WHERE collection = ?", collection); err != nil {
			return errors.Wrap(errors.ErrDatabase, fmt.Sprintf("clear %s", collection), err)
		}
		return nil
	}, s.purgeLocked)
}

// exec runs a single-statement write. With the cache enabled the statement
// and invalidate run under cacheMu, so once the write is visible no Get can
// be served the previous value from the cache.
//
// Lock order is connection first, then cacheMu: the connection is taken
// before the mutex here, and RunInTransaction only locks at commit.
func (s *Store) exec(ctx context.Context, fn func(q querier) error, invalidate func()) error {
	if s.cache == nil {
		return fn(s.db)
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "acquire connection", err)
	}
	defer conn.Close()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if err := fn(conn); err != nil {
		return err
	}
	invalidate()
	return nil
}

func add(ctx context.Context, q querier, collection string, e models.Entity) error {
	id, body, err := encode(collection, e)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		"INSERT INTO entities (collection, id, body) VALUES (?, ?, ?) ON CONFLICT(collection, id) DO NOTHING",
		collection, id, body)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, fmt.Sprintf("add %s/%s", collection, id), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, fmt.Sprintf("add %s/%s", collection, id), err)
	}
	if n == 0 {
		return errors.Newf(errors.ErrDuplicateKey, "%s/%s already exists", collection, id)
	}
	return nil
}

func put(ctx context.Context, q querier, collection string, e models.Entity) error {
	id, body, err := encode(collection, e)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO entities (collection, id, body) VALUES (?, ?, ?)
		 ON CONFLICT(collection, id) DO UPDATE SET body = excluded.body`,
		collection, id, body)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, fmt.Sprintf("put %s/%s", collection, id), err)
	}
	return nil
}

func remove(ctx context.Context, q querier, collection, id string) error {
	_, err := q.ExecContext(ctx, "DELETE FROM entities WHERE collection = ? AND id = ?", collection, id)
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, fmt.Sprintf("delete %s/%s", collection, id), err)
	}
	return nil
}

func encode(collection string, e models.Entity) (string, string, error) {
	id := e.ID()
	if id == "" {
		return "", "", errors.Newf(errors.ErrInvalid, "%s entity has no string id", collection)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return "", "", errors.Wrap(errors.ErrInvalid, fmt.Sprintf("encode %s/%s", collection, id), err)
	}
	return id, string(body), nil
}

// =====================================================
// Reads
// =====================================================

// Get returns the entity with the given id, or nil when absent.
func (s *Store) Get(ctx context.Context, collection, id string) (models.Entity, error) {
	if err := s.checkCollection(collection); err != nil {
		return nil, err
	}
	if s.cache == nil {
		return get(ctx, s.db, collection, id)
	}

	key := cacheKey(collection, id)
	s.cacheMu.Lock()
	cached, ok := s.cache.Get(key)
	gen := s.cacheGen
	s.cacheMu.Unlock()
	if ok {
		return cached.Clone(), nil
	}

	// The read runs without cacheMu; a write that commits meanwhile bumps
	// cacheGen and the fill is skipped.
	e, err := get(ctx, s.db, collection, id)
	if err != nil || e == nil {
		return e, err
	}
	s.cacheMu.Lock()
	if s.cacheGen == gen {
		s.cache.Add(key, e.Clone())
	}
	s.cacheMu.Unlock()
	return e, nil
}

// GetAll returns every entity in a collection ordered by id.
func (s *Store) GetAll(ctx context.Context, collection string) ([]models.Entity, error) {
	if err := s.checkCollection(collection); err != nil {
		return nil, err
	}
	return list(ctx, s.db, collection, "SELECT body FROM entities WHERE collection = ? ORDER BY id", collection)
}

// GetByIndex returns the entities whose indexed field equals value, ordered by id.
// A nil value matches entities where the field is null or missing.
func (s *Store) GetByIndex(ctx context.Context, collection, index string, value any) ([]models.Entity, error) {
	if err := s.checkCollection(collection); err != nil {
		return nil, err
	}
	s.mu.RLock()
	keyPath, ok := s.collections[collection][index]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrNotFound, "index %q does not exist on %s", index, collection)
	}

	expr := jsonExtract(keyPath)
	if value == nil {
		query := fmt.Sprintf("SELECT body FROM entities WHERE collection = ? AND %s IS NULL ORDER BY id", expr)
		return list(ctx, s.db, collection, query, collection)
	}
	arg, err := indexValue(value)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT body FROM entities WHERE collection = ? AND %s = ? ORDER BY id", expr)
	return list(ctx, s.db, collection, query, collection, arg)
}

// Count returns the number of entities in a collection.
func (s *Store) Count(ctx context.Context, collection string) (int, error) {
	if err := s.checkCollection(collection); err != nil {
		return 0, err
	}
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities WHERE collection = ?", collection).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, fmt.Sprintf("count %s", collection), err)
	}
	return n, nil
}

// Collections returns the registered collection names, sorted.
func (s *Store) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Indexes returns a collection's index names mapped to their key paths.
func (s *Store) Indexes(collection string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.collections[collection]))
	for name, keyPath := range s.collections[collection] {
		out[name] = keyPath
	}
	return out
}

// Migrations returns the schema upgrades applied to this store.
func (s *Store) Migrations(ctx context.Context) ([]Migration, error) {
	return newMigrator(s.db).appliedMigrations(ctx)
}

func get(ctx context.Context, q querier, collection, id string) (models.Entity, error) {
	var body string
	err := q.QueryRowContext(ctx, "SELECT body FROM entities WHERE collection = ? AND id = ?", collection, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, fmt.Sprintf("get %s/%s", collection, id), err)
	}
	return decode(collection, body)
}

func list(ctx context.Context, q querier, collection, query string, args ...any) ([]models.Entity, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, fmt.Sprintf("query %s", collection), err)
	}
	defer rows.Close()

	entities := []models.Entity{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, fmt.Sprintf("scan %s", collection), err)
		}
		e, err := decode(collection, body)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, fmt.Sprintf("query %s", collection), err)
	}
	return entities, nil
}

func decode(collection, body string) (models.Entity, error) {
	e, err := models.EntityFromJSON([]byte(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, fmt.Sprintf("corrupt entity in %s", collection), err)
	}
	return e, nil
}

// indexValue converts a Go value into what json_extract yields for it.
func indexValue(v any) (any, error) {
	switch t := v.(type) {
	case string, int64, float64:
		return t, nil
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case float32:
		return float64(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "invalid index value", err)
		}
		return f, nil
	default:
		return nil, errors.Newf(errors.ErrInvalid, "unsupported index value type %T", v)
	}
}

// =====================================================
// Registry and cache
// =====================================================

func (s *Store) checkCollection(collection string) error {
	s.mu.RLock()
	_, ok := s.collections[collection]
	s.mu.RUnlock()
	if !ok {
		return errors.Newf(errors.ErrNotFound, "collection %q does not exist", collection)
	}
	return nil
}

func cacheKey(collection, id string) string {
	return collection + "\x00" + id
}

// removeLocked drops one key. Callers hold cacheMu.
func (s *Store) removeLocked(key string) {
	s.cache.Remove(key)
	s.cacheGen++
}

// purgeLocked drops every key. Callers hold cacheMu.
func (s *Store) purgeLocked() {
	s.cache.Purge()
	s.cacheGen++
}
