package models

// Collection names. The first four hold domain entities; syncQueue and
// conflicts are internal to the sync layer.
const (
	CollectionCourses    = "courses"
	CollectionRounds     = "rounds"
	CollectionHoleScores = "holeScores"
	CollectionSettings   = "settings"
	CollectionSyncQueue  = "syncQueue"
	CollectionConflicts  = "conflicts"
)

// DomainCollections returns the collections that are synchronized with the remote.
func DomainCollections() []string {
	return []string{CollectionCourses, CollectionRounds, CollectionHoleScores, CollectionSettings}
}

// AllCollections returns every persisted collection.
func AllCollections() []string {
	return append(DomainCollections(), CollectionSyncQueue, CollectionConflicts)
}

// IsDomainCollection reports whether name is one of the synchronized collections.
func IsDomainCollection(name string) bool {
	for _, c := range DomainCollections() {
		if c == name {
			return true
		}
	}
	return false
}
