// Package export tests for archive export and restore.
package export

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/fairway/internal/db"
	"github.com/kimhsiao/fairway/internal/errors"
	"github.com/kimhsiao/fairway/internal/models"
)

var fixedNow = time.UnixMilli(1_700_000_000_000)

func openTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.OpenDefault(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// seedStore writes a course, a round and two hole scores.
func seedStore(t *testing.T, store *db.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, models.CollectionCourses, models.Entity{"id": "course-1", "name": "Pebble Beach", "par": 72}))
	require.NoError(t, store.Put(ctx, models.CollectionRounds, models.Entity{
		"id": "round-1", "courseId": "course-1", "lastModified": fixedNow.UnixMilli(), "synced": false,
	}))
	require.NoError(t, store.Put(ctx, models.CollectionHoleScores, models.Entity{"id": "hs-2", "roundId": "round-1", "hole": 2, "strokes": 5}))
	require.NoError(t, store.Put(ctx, models.CollectionHoleScores, models.Entity{"id": "hs-1", "roundId": "round-1", "hole": 1, "strokes": 4}))
}

func newService(store *db.Store) *ExportService {
	return NewExportService(store, func() time.Time { return fixedNow })
}

// members reads every regular file of an uncompressed archive.
func members(t *testing.T, archive []byte) map[string][]byte {
	t.Helper()
	out := make(map[string][]byte)
	tr := tar.NewReader(bytes.NewReader(archive))
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[header.Name] = body
	}
}

// =====================================================
// Export
// =====================================================

// TestExport_golden pins the archive layout.
func TestExport_golden(t *testing.T) {
	store := openTestStore(t)
	seedStore(t, store)

	var buf bytes.Buffer
	result, err := newService(store).Export(context.Background(), &buf, ExportOptions{})
	require.NoError(t, err)
	assert.Equal(t, 4, result.ItemCount)
	assert.Equal(t, int64(buf.Len()), result.SizeBytes)

	files := members(t, buf.Bytes())
	require.Len(t, files, 2)

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "export_data", files[dataName])
	g.Assert(t, "export_manifest", files[manifestName])
}

// TestExport_deterministic produces identical bytes for identical stores.
func TestExport_deterministic(t *testing.T) {
	store := openTestStore(t)
	seedStore(t, store)
	svc := newService(store)

	for _, compress := range []bool{false, true} {
		var a, b bytes.Buffer
		_, err := svc.Export(context.Background(), &a, ExportOptions{Compress: compress})
		require.NoError(t, err)
		_, err = svc.Export(context.Background(), &b, ExportOptions{Compress: compress})
		require.NoError(t, err)
		assert.Equal(t, a.Bytes(), b.Bytes(), "compress=%v", compress)
	}
}

// TestExport_collections limits the archive to the requested collections.
func TestExport_collections(t *testing.T) {
	store := openTestStore(t)
	seedStore(t, store)

	var buf bytes.Buffer
	result, err := newService(store).Export(context.Background(), &buf, ExportOptions{Collections: []string{models.CollectionHoleScores}})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{models.CollectionHoleScores: 2}, result.Manifest.Counts)

	_, err = newService(store).Export(context.Background(), io.Discard, ExportOptions{Collections: []string{"players"}})
	assert.True(t, errors.Is(err, errors.ErrExportFailed))
}

// TestExportFile writes atomically into a new directory.
func TestExportFile(t *testing.T) {
	store := openTestStore(t)
	seedStore(t, store)
	path := filepath.Join(t.TempDir(), "backups", "fairway.tar.gz")

	result, err := newService(store).ExportFile(context.Background(), path, ExportOptions{Compress: true})
	require.NoError(t, err)
	assert.Equal(t, path, result.FilePath)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, result.SizeBytes, info.Size())
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	in, err := os.Open(path)
	require.NoError(t, err)
	defer in.Close()
	manifest, err := ReadManifest(in)
	require.NoError(t, err)
	assert.True(t, manifest.Compressed)
	assert.Equal(t, result.Manifest.Checksum, manifest.Checksum)
}

// =====================================================
// Import
// =====================================================

// TestImport_roundTrip restores the same set of entities by id.
func TestImport_roundTrip(t *testing.T) {
	ctx := context.Background()
	src := openTestStore(t)
	seedStore(t, src)

	for _, compress := range []bool{false, true} {
		var buf bytes.Buffer
		_, err := newService(src).Export(ctx, &buf, ExportOptions{Compress: compress})
		require.NoError(t, err)

		dst := openTestStore(t)
		result, err := newService(dst).Import(ctx, &buf, ImportOptions{})
		require.NoError(t, err)
		assert.Equal(t, 4, result.ImportedCount)

		for _, name := range models.AllCollections() {
			want, err := src.GetAll(ctx, name)
			require.NoError(t, err)
			got, err := dst.GetAll(ctx, name)
			require.NoError(t, err)
			assert.Equal(t, want, got, "%s compress=%v", name, compress)
		}
	}
}

// TestImport_clear drops entities that are not in the archive.
func TestImport_clear(t *testing.T) {
	ctx := context.Background()
	src := openTestStore(t)
	seedStore(t, src)
	var buf bytes.Buffer
	_, err := newService(src).Export(ctx, &buf, ExportOptions{})
	require.NoError(t, err)
	archive := buf.Bytes()

	dst := openTestStore(t)
	require.NoError(t, dst.Put(ctx, models.CollectionCourses, models.Entity{"id": "course-9"}))

	_, err = newService(dst).Import(ctx, bytes.NewReader(archive), ImportOptions{})
	require.NoError(t, err)
	n, err := dst.Count(ctx, models.CollectionCourses)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "merge keeps local-only entities")

	_, err = newService(dst).Import(ctx, bytes.NewReader(archive), ImportOptions{Clear: true})
	require.NoError(t, err)
	gone, err := dst.Get(ctx, models.CollectionCourses, "course-9")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

// TestImport_checksumMismatch rejects a tampered data member.
func TestImport_checksumMismatch(t *testing.T) {
	ctx := context.Background()
	src := openTestStore(t)
	seedStore(t, src)
	var buf bytes.Buffer
	_, err := newService(src).Export(ctx, &buf, ExportOptions{})
	require.NoError(t, err)

	files := members(t, buf.Bytes())
	manifest := files[manifestName]
	tampered := bytes.Replace(files[dataName], []byte("Pebble Beach"), []byte("Pebble Ranch"), 1)

	var out bytes.Buffer
	require.NoError(t, writeArchive(&out, false, fixedNow, manifest, tampered))

	dst := openTestStore(t)
	_, err = newService(dst).Import(ctx, &out, ImportOptions{})
	assert.True(t, errors.Is(err, errors.ErrCorruptedArchive))
	n, err := dst.Count(ctx, models.CollectionCourses)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestImport_invalidArchives covers unreadable and incomplete input.
func TestImport_invalidArchives(t *testing.T) {
	data := []byte(`{"courses":[]}` + "\n")
	goodManifest := []byte(`{"version":1,"checksum":"` + checksum(data) + `"}`)

	build := func(files ...[2][]byte) []byte {
		var buf bytes.Buffer
		tw := tar.NewWriter(&buf)
		for _, f := range files {
			require.NoError(t, tw.WriteHeader(&tar.Header{Name: string(f[0]), Mode: 0644, Size: int64(len(f[1]))}))
			_, err := tw.Write(f[1])
			require.NoError(t, err)
		}
		require.NoError(t, tw.Close())
		return buf.Bytes()
	}

	tests := []struct {
		name    string
		archive []byte
		code    errors.ErrorCode
	}{
		{"not a tar", []byte("hello"), errors.ErrCorruptedArchive},
		{"bad gzip", []byte{0x1f, 0x8b, 0x00}, errors.ErrCorruptedArchive},
		{"no manifest", build([2][]byte{[]byte(dataName), data}), errors.ErrCorruptedArchive},
		{"no data", build([2][]byte{[]byte(manifestName), goodManifest}), errors.ErrCorruptedArchive},
		{"no checksum", build([2][]byte{[]byte(manifestName), []byte(`{"version":1}`)}, [2][]byte{[]byte(dataName), data}), errors.ErrCorruptedArchive},
		{"newer version", build([2][]byte{[]byte(manifestName), []byte(`{"version":2,"checksum":"` + checksum(data) + `"}`)}, [2][]byte{[]byte(dataName), data}), errors.ErrImportFailed},
		{"unknown collection", func() []byte {
			d := []byte(`{"players":[]}`)
			return build([2][]byte{[]byte(manifestName), []byte(`{"version":1,"checksum":"` + checksum(d) + `"}`)}, [2][]byte{[]byte(dataName), d})
		}(), errors.ErrImportFailed},
		{"count mismatch", build([2][]byte{[]byte(manifestName), []byte(`{"version":1,"counts":{"courses":3},"checksum":"` + checksum(data) + `"}`)}, [2][]byte{[]byte(dataName), data}), errors.ErrCorruptedArchive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := openTestStore(t)
			_, err := newService(store).Import(context.Background(), bytes.NewReader(tt.archive), ImportOptions{})
			require.Error(t, err)
			assert.Equal(t, tt.code, errors.CodeOf(err), err.Error())
		})
	}
}

// TestImport_entityWithoutID rolls back the whole import.
func TestImport_entityWithoutID(t *testing.T) {
	data := []byte(`{"courses":[{"id":"course-1"},{"name":"no id"}]}`)
	var buf bytes.Buffer
	require.NoError(t, writeArchive(&buf, true, fixedNow, []byte(`{"version":1,"checksum":"`+checksum(data)+`"}`), data))

	store := openTestStore(t)
	_, err := newService(store).Import(context.Background(), &buf, ImportOptions{})
	assert.True(t, errors.Is(err, errors.ErrImportFailed))

	n, err := store.Count(context.Background(), models.CollectionCourses)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// TestImportFile_missing reports IMPORT_FAILED.
func TestImportFile_missing(t *testing.T) {
	_, err := newService(openTestStore(t)).ImportFile(context.Background(), filepath.Join(t.TempDir(), "nope.tar"), ImportOptions{})
	assert.True(t, errors.Is(err, errors.ErrImportFailed))
}
