package models

// ConflictType classifies a local/remote divergence.
type ConflictType string

const (
	ConflictServerNewer     ConflictType = "server_newer"
	ConflictLocalNewer      ConflictType = "local_newer"
	ConflictContentConflict ConflictType = "content_conflict"
	ConflictServerOnly      ConflictType = "server_only"
	ConflictLocalOnly       ConflictType = "local_only"
)

// ConflictTypes returns every classification.
func ConflictTypes() []ConflictType {
	return []ConflictType{
		ConflictServerNewer,
		ConflictLocalNewer,
		ConflictContentConflict,
		ConflictServerOnly,
		ConflictLocalOnly,
	}
}

// ConflictRecord is a persisted divergence awaiting explicit resolution.
// At most one record exists per (collection, entityId): the id is derived
// from that pair, so a later detection overwrites the earlier one.
type ConflictRecord struct {
	ID           string       `json:"id"`
	Collection   string       `json:"collection"`
	EntityID     string       `json:"entityId"`
	ConflictType ConflictType `json:"conflictType"`
	Local        Entity       `json:"local"`
	Remote       Entity       `json:"remote"`
	Timestamp    int64        `json:"timestamp"` // unix millis
}

// ConflictRecordID returns the record id for an entity.
func ConflictRecordID(collection, entityID string) string {
	return collection + ":" + entityID
}
