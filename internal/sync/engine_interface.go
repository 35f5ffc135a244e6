// Package sync provides the synchronization coordinator that replays the
// mutation queue against a remote endpoint and reconciles remote state.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/fairway/internal/models"
	"github.com/kimhsiao/fairway/internal/sync/queue"
)

// Remote is the remote synchronization endpoint. Timeouts and transport
// errors are the implementation's business; they surface as plain errors.
type Remote interface {
	// Push applies one mutation to the remote collection.
	Push(ctx context.Context, collection string, m queue.Mutation) error

	// Pull returns the authoritative snapshot of a remote collection.
	Pull(ctx context.Context, collection string) ([]models.Entity, error)
}

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Sync performs one synchronization pass.
	// Returns ErrSyncInProgress if a pass is already running.
	Sync(ctx context.Context) (*SyncResult, error)

	// TriggerSync starts a pass in the background. Returns false when the
	// trigger was dropped (offline or already syncing).
	TriggerSync(ctx context.Context) bool

	// Submit pushes a mutation when online and queues it otherwise.
	Submit(ctx context.Context, collection string, m queue.Mutation) (*queue.Item, error)

	// SetOnline records connectivity; regaining it triggers a pass.
	SetOnline(ctx context.Context, online bool)

	// IsOnline reports the current connectivity belief.
	IsOnline() bool

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the time of the last pass that did not end in error.
	LastSync() *time.Time

	// PendingChanges returns the number of pending queue items seen last.
	PendingChanges() int

	// LastError returns the error of the last pass, if it failed.
	LastError() error
}

// Ensure *SyncEngine implements the interface at compile time.
var _ SyncEngineInterface = (*SyncEngine)(nil)
