package models

import "encoding/json"

// Operation is the kind of write a queue item replays.
type Operation string

const (
	OperationAdd    Operation = "add"
	OperationPut    Operation = "put"
	OperationDelete Operation = "delete"
)

// QueueStatus is the lifecycle state of a queue item.
type QueueStatus string

const (
	QueueStatusPending   QueueStatus = "pending"
	QueueStatusCompleted QueueStatus = "completed"
	QueueStatusFailed    QueueStatus = "failed"
	QueueStatusAbandoned QueueStatus = "abandoned"
)

// SyncQueueItem represents one offline write intent awaiting replay.
type SyncQueueItem struct {
	ID          string          `json:"id"`
	Collection  string          `json:"collection"`
	Operation   Operation       `json:"operation"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   int64           `json:"timestamp"` // unix millis
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	NextRetryAt int64           `json:"nextRetryAt"` // unix millis
	Status      QueueStatus     `json:"status"`
	LastError   string          `json:"lastError,omitempty"`
	UpdatedAt   int64           `json:"updatedAt"`
}

// Due reports whether the item is pending and its backoff has elapsed.
func (i *SyncQueueItem) Due(nowMillis int64) bool {
	return i.Status == QueueStatusPending && i.NextRetryAt <= nowMillis
}

// Terminal reports whether the item will never be replayed automatically.
func (i *SyncQueueItem) Terminal() bool {
	return i.Status == QueueStatusCompleted || i.Status == QueueStatusFailed || i.Status == QueueStatusAbandoned
}
