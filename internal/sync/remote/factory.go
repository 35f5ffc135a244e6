package remote

import (
	"context"
	"fmt"
	"strings"

	"github.com/kimhsiao/fairway/internal/models"
	"github.com/kimhsiao/fairway/internal/sync/queue"
)

// Driver names a remote implementation.
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverS3       Driver = "s3"
	DriverPostgres Driver = "postgres"
)

// Endpoint is implemented by every remote in this package.
type Endpoint interface {
	Push(ctx context.Context, collection string, m queue.Mutation) error
	Pull(ctx context.Context, collection string) ([]models.Entity, error)
}

var (
	_ Endpoint = (*Memory)(nil)
	_ Endpoint = (*S3)(nil)
	_ Endpoint = (*Postgres)(nil)
)

// Config selects and configures a remote.
type Config struct {
	Driver   Driver         `mapstructure:"driver" json:"driver"`
	S3       S3Config       `mapstructure:"s3" json:"s3"`
	Postgres PostgresConfig `mapstructure:"postgres" json:"postgres"`
}

// New builds the configured remote. An empty driver selects memory.
func New(ctx context.Context, cfg Config) (Endpoint, error) {
	switch Driver(strings.ToLower(string(cfg.Driver))) {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	case DriverPostgres:
		return NewPostgres(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown remote driver %q", cfg.Driver)
	}
}
