package db

import (
	"context"

	"github.com/kimhsiao/fairway/internal/models"
)

// SchemaVersion is the current Fairway store schema.
const SchemaVersion = 1

// StoreName is the default on-disk store name.
const StoreName = "fairway"

// Indexes created by UpgradeV1.
const (
	IndexRoundsByCourse    = "courseId"
	IndexHoleScoresByRound = "roundId"
	IndexQueueByStatus     = "status"
	IndexConflictsByColl   = "collection"
)

// UpgradeV1 creates the four domain collections, the two sync collections and
// their indexes. It is safe to run against a partially built store.
func UpgradeV1(up *Upgrader, oldVersion, newVersion int) error {
	for _, name := range models.AllCollections() {
		if err := up.CreateCollection(name); err != nil {
			return err
		}
	}

	indexes := []struct{ collection, name, keyPath string }{
		{models.CollectionRounds, IndexRoundsByCourse, "courseId"},
		{models.CollectionHoleScores, IndexHoleScoresByRound, "roundId"},
		{models.CollectionSyncQueue, IndexQueueByStatus, "status"},
		{models.CollectionConflicts, IndexConflictsByColl, "collection"},
	}
	for _, idx := range indexes {
		if err := up.CreateIndex(idx.collection, idx.name, idx.keyPath); err != nil {
			return err
		}
	}
	return nil
}

// OpenDefault opens the Fairway store in dataDir at the current schema version.
func OpenDefault(ctx context.Context, dataDir string, opts ...Option) (*Store, error) {
	return Open(ctx, dataDir, StoreName, SchemaVersion, UpgradeV1, opts...)
}
