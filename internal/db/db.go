// Package db provides the local persistent store: named collections of
// schema-free entities with secondary indexes, backed by SQLite.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kimhsiao/fairway/internal/errors"
	"github.com/kimhsiao/fairway/internal/logging"
	"github.com/kimhsiao/fairway/internal/models"

	_ "modernc.org/sqlite"
)

const defaultCacheSize = 1024

// Store is a handle on an opened local store.
//
// Each single-collection operation runs in its own SQLite transaction.
// Writes spanning several collections are NOT atomic unless they go through
// RunInTransaction; a caller saving a round and its hole scores one call at a
// time must tolerate partial application if the process dies in between.
type Store struct {
	db      *sql.DB
	lock    *flock.Flock
	path    string
	version int
	cache   *lru.Cache[string, models.Entity]
	cacheMu sync.Mutex
	// cacheGen counts invalidations; a read-through fill is dropped when a
	// write landed between its database read and the fill.
	cacheGen uint64

	mu          sync.RWMutex
	collections map[string]map[string]string // collection -> index name -> key path
}

type options struct {
	cacheSize int
}

// Option configures Open.
type Option func(*options)

// WithCacheSize sets the number of entities kept in the read cache. Zero disables it.
func WithCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// Open opens (or creates) the store named name inside dataDir.
//
// The store is opened with:
// - an exclusive file lock, so only one process owns it
// - WAL mode and a busy timeout
// - a single connection, since SQLite serializes writers anyway
//
// When the on-disk schema version is lower than schemaVersion, upgrade runs
// inside one transaction before Open returns. Opening an up-to-date store does
// not invoke upgrade. Every failure is reported as STORE_UNAVAILABLE.
func Open(ctx context.Context, dataDir, name string, schemaVersion int, upgrade UpgradeFunc, opts ...Option) (*Store, error) {
	if schemaVersion < 1 {
		return nil, errors.Newf(errors.ErrInvalid, "schema version must be positive, got %d", schemaVersion)
	}
	o := options{cacheSize: defaultCacheSize}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Wrap(errors.ErrStoreUnavailable, "failed to create data directory", err)
	}

	lock := flock.New(filepath.Join(dataDir, name+".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreUnavailable, "failed to acquire store lock", err)
	}
	if !locked {
		return nil, errors.Newf(errors.ErrStoreUnavailable, "store %q is in use by another process", name)
	}

	dbPath := filepath.Join(dataDir, name+".db")
	s, err := open(ctx, dbPath, schemaVersion, upgrade, o)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	s.lock = lock

	logging.Info("Local store opened", map[string]interface{}{
		"path":           dbPath,
		"schema_version": schemaVersion,
		"collections":    len(s.collections),
	})
	return s, nil
}

func open(ctx context.Context, dbPath string, schemaVersion int, upgrade UpgradeFunc, o options) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", dbPath)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStoreUnavailable, "failed to open database", err)
	}

	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(errors.ErrStoreUnavailable, "failed to connect to database", err)
	}

	// JSON1 backs every secondary index.
	var jsonOK bool
	if err := sqlDB.QueryRowContext(ctx, "SELECT json_valid('{}')").Scan(&jsonOK); err != nil || !jsonOK {
		sqlDB.Close()
		return nil, errors.Wrap(errors.ErrStoreUnavailable, "JSON1 is not available in this SQLite build", err)
	}

	s := &Store{
		db:          sqlDB,
		path:        dbPath,
		collections: make(map[string]map[string]string),
	}
	if o.cacheSize > 0 {
		cache, err := lru.New[string, models.Entity](o.cacheSize)
		if err != nil {
			sqlDB.Close()
			return nil, errors.Wrap(errors.ErrStoreUnavailable, "failed to create read cache", err)
		}
		s.cache = cache
	}

	m := newMigrator(sqlDB)
	if err := m.initialize(ctx); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(errors.ErrStoreUnavailable, "failed to initialize schema", err)
	}
	version, err := m.upgradeTo(ctx, schemaVersion, upgrade)
	if err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(errors.ErrStoreUnavailable, "schema upgrade failed", err)
	}
	s.version = version

	if err := s.loadRegistry(ctx); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(errors.ErrStoreUnavailable, "failed to load collections", err)
	}
	return s, nil
}

// Close closes the database connection and releases the store lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		if unlockErr := s.lock.Unlock(); unlockErr != nil && err == nil {
			err = unlockErr
		}
	}
	return err
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Version returns the schema version the store was opened at.
func (s *Store) Version() int {
	return s.version
}

// loadRegistry reads the collection and index registry into memory.
func (s *Store) loadRegistry(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM collections")
	if err != nil {
		return err
	}
	registry := make(map[string]map[string]string)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		registry[name] = make(map[string]string)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	idxRows, err := s.db.QueryContext(ctx, "SELECT collection, name, key_path FROM collection_indexes")
	if err != nil {
		return err
	}
	defer idxRows.Close()
	for idxRows.Next() {
		var collection, name, keyPath string
		if err := idxRows.Scan(&collection, &name, &keyPath); err != nil {
			return err
		}
		if idx, ok := registry[collection]; ok {
			idx[name] = keyPath
		}
	}
	if err := idxRows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.collections = registry
	s.mu.Unlock()
	return nil
}
