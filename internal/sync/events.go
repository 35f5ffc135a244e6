package sync

import (
	"time"

	"github.com/kimhsiao/fairway/internal/models"
)

// SyncEventType identifies a sync notification.
type SyncEventType string

const (
	SyncEventStarted          SyncEventType = "sync.started"
	SyncEventProgress         SyncEventType = "sync.progress"
	SyncEventCompleted        SyncEventType = "sync.completed"
	SyncEventFailed           SyncEventType = "sync.failed"
	SyncEventConflictDetected SyncEventType = "sync.conflict_detected"
)

// SyncEvent is delivered to the SyncEventHandler.
type SyncEvent struct {
	Type      SyncEventType `json:"type"`
	Timestamp time.Time     `json:"timestamp"`

	// Progress
	Processed int `json:"processed,omitempty"`
	Total     int `json:"total,omitempty"`

	// Conflict
	Collection   string              `json:"collection,omitempty"`
	EntityID     string              `json:"entityId,omitempty"`
	ConflictType models.ConflictType `json:"conflictType,omitempty"`
	Strategy     string              `json:"strategy,omitempty"`

	// Completed / failed
	Result *SyncResult `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// SyncEventHandler receives sync notifications. OnSyncEvent is called on
// the syncing goroutine and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent implements SyncEventHandler.
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) {
	f(event)
}
