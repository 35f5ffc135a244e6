package db

import (
	"context"
	"sync"
	"testing"

	"github.com/kimhsiao/fairway/internal/errors"
	"github.com/kimhsiao/fairway/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestStore opens a fresh Fairway store in a temp dir.
func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := OpenDefault(context.Background(), t.TempDir(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// =====================================================
// Open / upgrade
// =====================================================

// TestOpen_createsSchema verifies a new store gets every collection and index.
func TestOpen_createsSchema(t *testing.T) {
	s := openTestStore(t)

	assert.ElementsMatch(t, models.AllCollections(), s.Collections())
	assert.Equal(t, map[string]string{IndexRoundsByCourse: "courseId"}, s.Indexes(models.CollectionRounds))
	assert.Equal(t, SchemaVersion, s.Version())

	migrations, err := s.Migrations(context.Background())
	require.NoError(t, err)
	require.Len(t, migrations, 1)
	assert.Equal(t, 1, migrations[0].Version)
}

// TestOpen_idempotent verifies reopening an up-to-date store skips upgrade
// and keeps the data.
func TestOpen_idempotent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, dir, "t", 1, UpgradeV1)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, models.CollectionCourses, models.Entity{"id": "course-1", "par": float64(72)}))
	require.NoError(t, s.Close())

	calls := 0
	s, err = Open(ctx, dir, "t", 1, func(up *Upgrader, oldVersion, newVersion int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	defer s.Close()

	assert.Zero(t, calls)
	got, err := s.Get(ctx, models.CollectionCourses, "course-1")
	require.NoError(t, err)
	assert.Equal(t, float64(72), got["par"])
}

// TestOpen_upgradeFromLowerVersion passes the stored version to the hook.
func TestOpen_upgradeFromLowerVersion(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, dir, "t", 1, UpgradeV1)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	var gotOld, gotNew int
	s, err = Open(ctx, dir, "t", 2, func(up *Upgrader, oldVersion, newVersion int) error {
		gotOld, gotNew = oldVersion, newVersion
		if err := up.CreateIndex(models.CollectionHoleScores, "hole", "hole"); err != nil {
			return err
		}
		return up.DeleteCollection(models.CollectionSettings)
	})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, 1, gotOld)
	assert.Equal(t, 2, gotNew)
	assert.Contains(t, s.Indexes(models.CollectionHoleScores), "hole")
	assert.NotContains(t, s.Collections(), models.CollectionSettings)
}

// TestOpen_failedUpgradeRollsBack leaves the store at its old version.
func TestOpen_failedUpgradeRollsBack(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	_, err := Open(ctx, dir, "t", 1, func(up *Upgrader, oldVersion, newVersion int) error {
		if err := up.CreateCollection("courses"); err != nil {
			return err
		}
		return up.CreateIndex("missing", "x", "x")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStoreUnavailable))

	s, err := Open(ctx, dir, "t", 1, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Empty(t, s.Collections())
}

// TestOpen_newerOnDisk refuses to downgrade.
func TestOpen_newerOnDisk(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, dir, "t", 3, UpgradeV1)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = Open(ctx, dir, "t", 2, UpgradeV1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStoreUnavailable))
}

// TestOpen_locked rejects a second handle on the same store.
func TestOpen_locked(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, dir, "t", 1, UpgradeV1)
	require.NoError(t, err)

	_, err = Open(ctx, dir, "t", 1, UpgradeV1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStoreUnavailable))

	require.NoError(t, s.Close())
	s, err = Open(ctx, dir, "t", 1, UpgradeV1)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

// TestOpen_invalidVersion rejects non-positive versions.
func TestOpen_invalidVersion(t *testing.T) {
	_, err := Open(context.Background(), t.TempDir(), "t", 0, UpgradeV1)
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

// =====================================================
// Upgrader
// =====================================================

// TestUpgrader_validation rejects unsafe identifiers.
func TestUpgrader_validation(t *testing.T) {
	tests := []struct {
		name    string
		upgrade UpgradeFunc
	}{
		{"bad collection name", func(up *Upgrader, _, _ int) error { return up.CreateCollection("drop table") }},
		{"bad index name", func(up *Upgrader, _, _ int) error {
			if err := up.CreateCollection("rounds"); err != nil {
				return err
			}
			return up.CreateIndex("rounds", "x-y", "courseId")
		}},
		{"bad key path", func(up *Upgrader, _, _ int) error {
			if err := up.CreateCollection("rounds"); err != nil {
				return err
			}
			return up.CreateIndex("rounds", "course", "courseId') OR 1=1 --")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(context.Background(), t.TempDir(), "t", 1, tt.upgrade)
			assert.Error(t, err)
		})
	}
}

// TestUpgrader_nestedKeyPath indexes a dotted path.
func TestUpgrader_nestedKeyPath(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, t.TempDir(), "t", 1, func(up *Upgrader, _, _ int) error {
		if err := up.CreateCollection("rounds"); err != nil {
			return err
		}
		return up.CreateIndex("rounds", "weather", "conditions.weather")
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "rounds", models.Entity{"id": "r1", "conditions": map[string]any{"weather": "windy"}}))
	require.NoError(t, s.Put(ctx, "rounds", models.Entity{"id": "r2", "conditions": map[string]any{"weather": "calm"}}))

	got, err := s.GetByIndex(ctx, "rounds", "weather", "windy")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID())
}

// =====================================================
// Concurrency
// =====================================================

// TestStore_concurrentWrites serializes writers without losing entities.
func TestStore_concurrentWrites(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			assert.NoError(t, s.Put(ctx, models.CollectionHoleScores, models.Entity{"id": id, "hole": float64(i + 1)}))
			_, err := s.Get(ctx, models.CollectionHoleScores, id)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	n, err := s.Count(ctx, models.CollectionHoleScores)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
}
