package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/kimhsiao/fairway/internal/logging"
)

var (
	namePattern    = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	keyPathPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)
)

// UpgradeFunc (re)creates collections and indexes when a store is opened at a
// higher schema version than the one on disk. oldVersion is 0 for a new store.
// It runs inside a single transaction; returning an error rolls it back.
type UpgradeFunc func(up *Upgrader, oldVersion, newVersion int) error

// Migration is one applied schema upgrade.
type Migration struct {
	Version     int
	AppliedAt   time.Time
	Description string
}

// migrator handles the bootstrap tables and the versioned upgrade hook.
type migrator struct {
	db *sql.DB
}

func newMigrator(db *sql.DB) *migrator {
	return &migrator{db: db}
}

// initialize creates the bookkeeping tables if they don't exist.
func (m *migrator) initialize(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY CHECK(version > 0),
			applied_at INTEGER NOT NULL CHECK(applied_at > 0),
			description TEXT NOT NULL CHECK(length(description) > 0)
		)`,
		`CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS collection_indexes (
			collection TEXT NOT NULL,
			name TEXT NOT NULL,
			key_path TEXT NOT NULL,
			PRIMARY KEY (collection, name)
		)`,
		`CREATE TABLE IF NOT EXISTS entities (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			body TEXT NOT NULL CHECK(json_valid(body)),
			PRIMARY KEY (collection, id)
		) WITHOUT ROWID`,
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// currentVersion returns the current schema version, 0 for a new store.
func (m *migrator) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// appliedMigrations returns all applied upgrades, oldest first.
func (m *migrator) appliedMigrations(ctx context.Context) ([]Migration, error) {
	rows, err := m.db.QueryContext(ctx, "SELECT version, applied_at, description FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var mig Migration
		var appliedAt int64
		if err := rows.Scan(&mig.Version, &appliedAt, &mig.Description); err != nil {
			return nil, err
		}
		mig.AppliedAt = time.UnixMilli(appliedAt)
		migrations = append(migrations, mig)
	}
	return migrations, rows.Err()
}

// upgradeTo brings the store to target, calling upgrade once if the stored
// version is lower. It returns the resulting version.
func (m *migrator) upgradeTo(ctx context.Context, target int, upgrade UpgradeFunc) (int, error) {
	current, err := m.currentVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if current > target {
		return 0, fmt.Errorf("store is at schema version %d, newer than requested %d", current, target)
	}
	if current == target {
		return current, nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin upgrade: %w", err)
	}
	defer tx.Rollback()

	if upgrade != nil {
		up := &Upgrader{ctx: ctx, tx: tx}
		if err := upgrade(up, current, target); err != nil {
			return 0, fmt.Errorf("upgrade %d -> %d: %w", current, target, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
		target, time.Now().UnixMilli(), fmt.Sprintf("upgrade from version %d", current))
	if err != nil {
		return 0, fmt.Errorf("failed to record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit upgrade: %w", err)
	}

	logging.Info("Schema upgraded", map[string]interface{}{
		"from": current,
		"to":   target,
	})
	return target, nil
}

// Upgrader is handed to an UpgradeFunc to shape the store's collections.
type Upgrader struct {
	ctx context.Context
	tx  *sql.Tx
}

// CreateCollection registers a collection. Creating an existing one is a no-op.
func (u *Upgrader) CreateCollection(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	_, err := u.tx.ExecContext(u.ctx,
		"INSERT INTO collections (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING",
		name, time.Now().UnixMilli())
	return err
}

// DeleteCollection drops a collection together with its entities and indexes.
func (u *Upgrader) DeleteCollection(name string) error {
	rows, err := u.tx.QueryContext(u.ctx, "SELECT name FROM collection_indexes WHERE collection = ?", name)
	if err != nil {
		return err
	}
	var indexes []string
	for rows.Next() {
		var idx string
		if err := rows.Scan(&idx); err != nil {
			rows.Close()
			return err
		}
		indexes = append(indexes, idx)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, idx := range indexes {
		if err := u.DeleteIndex(name, idx); err != nil {
			return err
		}
	}

	if _, err := u.tx.ExecContext(u.ctx, "DELETE FROM entities WHERE collection = ?", name); err != nil {
		return err
	}
	_, err = u.tx.ExecContext(u.ctx, "DELETE FROM collections WHERE name = ?", name)
	return err
}

// HasCollection reports whether a collection is registered.
func (u *Upgrader) HasCollection(name string) (bool, error) {
	var n int
	err := u.tx.QueryRowContext(u.ctx, "SELECT COUNT(*) FROM collections WHERE name = ?", name).Scan(&n)
	return n > 0, err
}

// CreateIndex adds a secondary index over keyPath (dotted for nested fields).
// Re-creating an index with the same key path is a no-op.
func (u *Upgrader) CreateIndex(collection, name, keyPath string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid index name %q", name)
	}
	if !keyPathPattern.MatchString(keyPath) {
		return fmt.Errorf("invalid key path %q", keyPath)
	}
	ok, err := u.HasCollection(collection)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("collection %q does not exist", collection)
	}

	var existing string
	err = u.tx.QueryRowContext(u.ctx,
		"SELECT key_path FROM collection_indexes WHERE collection = ? AND name = ?",
		collection, name).Scan(&existing)
	switch {
	case err == nil && existing == keyPath:
		return nil
	case err == nil:
		if err := u.DeleteIndex(collection, name); err != nil {
			return err
		}
	case err != sql.ErrNoRows:
		return err
	}

	stmt := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON entities(collection, %s)`,
		sqlIndexName(collection, name), jsonExtract(keyPath))
	if _, err := u.tx.ExecContext(u.ctx, stmt); err != nil {
		return err
	}
	_, err = u.tx.ExecContext(u.ctx,
		"INSERT INTO collection_indexes (collection, name, key_path) VALUES (?, ?, ?)",
		collection, name, keyPath)
	return err
}

// DeleteIndex removes a secondary index. Removing an absent index is a no-op.
func (u *Upgrader) DeleteIndex(collection, name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid index name %q", name)
	}
	if _, err := u.tx.ExecContext(u.ctx, "DROP INDEX IF EXISTS "+sqlIndexName(collection, name)); err != nil {
		return err
	}
	_, err := u.tx.ExecContext(u.ctx,
		"DELETE FROM collection_indexes WHERE collection = ? AND name = ?", collection, name)
	return err
}

// sqlIndexName is the SQLite index name. Both parts are validated identifiers.
func sqlIndexName(collection, name string) string {
	return fmt.Sprintf(`"idx_%s__%s"`, collection, name)
}

// jsonExtract is the indexed expression. Queries must spell it identically
// for SQLite to use the expression index.
func jsonExtract(keyPath string) string {
	return fmt.Sprintf("json_extract(body, '$.%s')", keyPath)
}
