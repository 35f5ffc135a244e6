package remote

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/kimhsiao/fairway/internal/models"
	"github.com/kimhsiao/fairway/internal/sync/queue"
)

const (
	postgresDriver = "pgx"
	defaultDSN     = "postgres://localhost/fairway?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// PostgresConfig holds Postgres remote construction parameters.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn" json:"-"`
}

// Postgres keeps remote entities in one remote_entities table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens the database and ensures the table exists.
func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(postgresDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureRemoteTable(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func ensureRemoteTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS remote_entities (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		body JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (collection, id)
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure remote_entities table: %w", err)
	}
	return nil
}

// Close closes the database.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Push implements the remote endpoint.
func (p *Postgres) Push(ctx context.Context, collection string, m queue.Mutation) error {
	switch mt := m.(type) {
	case queue.AddMutation:
		e := stripLocal(mt.Entity)
		body, err := e.CanonicalJSON()
		if err != nil {
			return err
		}
		res, err := p.db.ExecContext(ctx,
			`INSERT INTO remote_entities (collection, id, body) VALUES ($1, $2, $3)
			 ON CONFLICT (collection, id) DO NOTHING`,
			collection, e.ID(), string(body))
		if err != nil {
			return fmt.Errorf("insert %s/%s: %w", collection, e.ID(), err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		existing, err := p.get(ctx, collection, e.ID())
		if err != nil {
			return err
		}
		if existing != nil && existing.ContentEqual(e) {
			return nil
		}
		return fmt.Errorf("%s/%s already exists", collection, e.ID())
	case queue.PutMutation:
		e := stripLocal(mt.Entity)
		body, err := e.CanonicalJSON()
		if err != nil {
			return err
		}
		_, err = p.db.ExecContext(ctx,
			`INSERT INTO remote_entities (collection, id, body) VALUES ($1, $2, $3)
			 ON CONFLICT (collection, id) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`,
			collection, e.ID(), string(body))
		if err != nil {
			return fmt.Errorf("upsert %s/%s: %w", collection, e.ID(), err)
		}
		return nil
	case queue.DeleteMutation:
		if _, err := p.db.ExecContext(ctx,
			`DELETE FROM remote_entities WHERE collection = $1 AND id = $2`, collection, mt.ID); err != nil {
			return fmt.Errorf("delete %s/%s: %w", collection, mt.ID, err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported mutation %T", m)
	}
}

// Pull implements the remote endpoint.
func (p *Postgres) Pull(ctx context.Context, collection string) ([]models.Entity, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT body FROM remote_entities WHERE collection = $1 ORDER BY id`, collection)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", collection, err)
	}
	defer func() { _ = rows.Close() }()

	entities := []models.Entity{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		e, err := models.EntityFromJSON(body)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func (p *Postgres) get(ctx context.Context, collection, id string) (models.Entity, error) {
	var body []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT body FROM remote_entities WHERE collection = $1 AND id = $2`, collection, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select %s/%s: %w", collection, id, err)
	}
	return models.EntityFromJSON(body)
}

// OverrideSQLOpen swaps the sql.Open hook for tests and returns a restore func.
func OverrideSQLOpen(fn func(driverName, dsn string) (*sql.DB, error)) func() {
	openMu.Lock()
	prev := sqlOpen
	sqlOpen = fn
	openMu.Unlock()
	return func() {
		openMu.Lock()
		sqlOpen = prev
		openMu.Unlock()
	}
}
