// Package export provides backup archives of the local store and their restore.
package export

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kimhsiao/fairway/internal/db"
	"github.com/kimhsiao/fairway/internal/errors"
	"github.com/kimhsiao/fairway/internal/logging"
	"github.com/kimhsiao/fairway/internal/models"
)

// FormatVersion is the archive layout written by Export.
const FormatVersion = 1

const (
	manifestName = "manifest.json"
	dataName     = "data.json"

	// maxEntrySize bounds a single archive member on import.
	maxEntrySize = 256 << 20
)

// ExportService writes and restores archives of the local store.
type ExportService struct {
	store *db.Store
	now   func() time.Time
}

// NewExportService creates a new ExportService.
func NewExportService(store *db.Store, now func() time.Time) *ExportService {
	if now == nil {
		now = time.Now
	}
	return &ExportService{store: store, now: now}
}

// ExportOptions holds export configuration.
type ExportOptions struct {
	Collections []string // defaults to every collection, sync bookkeeping included
	Compress    bool     // gzip the tar stream
}

// ImportOptions holds import configuration.
type ImportOptions struct {
	Clear bool // empty each archived collection before writing
}

// ExportManifest describes the archive contents.
type ExportManifest struct {
	Version    int            `json:"version"`
	ExportedAt time.Time      `json:"exportedAt"`
	Counts     map[string]int `json:"counts"`
	Checksum   string         `json:"checksum"` // sha256 of data.json
	Compressed bool           `json:"compressed"`
}

// ExportResult represents the result of an export operation.
type ExportResult struct {
	FilePath  string         `json:"filePath,omitempty"`
	SizeBytes int64          `json:"sizeBytes"`
	ItemCount int            `json:"itemCount"`
	Manifest  ExportManifest `json:"manifest"`
	Duration  time.Duration  `json:"duration"`
}

// ImportResult represents the result of an import operation.
type ImportResult struct {
	ImportedCount int            `json:"importedCount"`
	Counts        map[string]int `json:"counts"`
	Manifest      ExportManifest `json:"manifest"`
	Duration      time.Duration  `json:"duration"`
}

// Export writes a tar archive holding manifest.json and data.json to w.
func (s *ExportService) Export(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	startTime := time.Now()
	exportedAt := s.now().UTC()

	collections := opts.Collections
	if len(collections) == 0 {
		collections = models.AllCollections()
	}

	payload := make(map[string][]models.Entity, len(collections))
	counts := make(map[string]int, len(collections))
	itemCount := 0
	for _, name := range collections {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entities, err := s.store.GetAll(ctx, name)
		if err != nil {
			return nil, errors.Wrap(errors.ErrExportFailed, fmt.Sprintf("read %s", name), err)
		}
		payload[name] = entities
		counts[name] = len(entities)
		itemCount += len(entities)
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "encode data", err)
	}
	data = append(data, '\n')

	manifest := ExportManifest{
		Version:    FormatVersion,
		ExportedAt: exportedAt,
		Counts:     counts,
		Checksum:   checksum(data),
		Compressed: opts.Compress,
	}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "encode manifest", err)
	}
	manifestData = append(manifestData, '\n')

	cw := &countingWriter{w: w}
	if err := writeArchive(cw, opts.Compress, exportedAt, manifestData, data); err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "write archive", err)
	}

	result := &ExportResult{
		SizeBytes: cw.n,
		ItemCount: itemCount,
		Manifest:  manifest,
		Duration:  time.Since(startTime),
	}
	logging.Info("Export completed", map[string]interface{}{
		"item_count": itemCount,
		"size_bytes": cw.n,
		"compressed": opts.Compress,
	})
	return result, nil
}

// ExportFile writes the archive to path through a temporary file, so a
// failed export never leaves a truncated archive behind.
func (s *ExportService) ExportFile(ctx context.Context, path string, opts ExportOptions) (*ExportResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "create export directory", err)
	}

	tempPath := path + ".tmp"
	out, err := os.Create(tempPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "create archive", err)
	}

	result, err := s.Export(ctx, out, opts)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = errors.Wrap(errors.ErrExportFailed, "close archive", closeErr)
	}
	if err != nil {
		os.Remove(tempPath)
		return nil, err
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return nil, errors.Wrap(errors.ErrExportFailed, "rename archive", err)
	}

	result.FilePath = path
	return result, nil
}

// Import restores an archive written by Export. Gzip is detected from the
// stream. The checksum is verified before anything is written, and all
// entities are written in one transaction.
func (s *ExportService) Import(ctx context.Context, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	startTime := time.Now()

	manifest, data, err := readArchive(r)
	if err != nil {
		return nil, err
	}
	if manifest.Version > FormatVersion {
		return nil, errors.Newf(errors.ErrImportFailed, "archive version %d is newer than supported version %d", manifest.Version, FormatVersion)
	}
	if manifest.Checksum != checksum(data) {
		return nil, errors.New(errors.ErrCorruptedArchive, "checksum mismatch")
	}

	var payload map[string][]models.Entity
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, errors.Wrap(errors.ErrCorruptedArchive, "decode data", err)
	}

	known := make(map[string]bool)
	for _, name := range s.store.Collections() {
		known[name] = true
	}
	names := make([]string, 0, len(payload))
	for name, entities := range payload {
		if !known[name] {
			return nil, errors.Newf(errors.ErrImportFailed, "archive holds unknown collection %q", name)
		}
		if want, ok := manifest.Counts[name]; ok && want != len(entities) {
			return nil, errors.Newf(errors.ErrCorruptedArchive, "%s holds %d entities, manifest says %d", name, len(entities), want)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	counts := make(map[string]int, len(names))
	imported := 0
	err = s.store.RunInTransaction(ctx, func(tx *db.Tx) error {
		for _, name := range names {
			if opts.Clear {
				if err := tx.Clear(name); err != nil {
					return err
				}
			}
			for _, e := range payload[name] {
				if err := tx.Put(name, e); err != nil {
					return err
				}
			}
			counts[name] = len(payload[name])
			imported += len(payload[name])
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrImportFailed, "write entities", err)
	}

	logging.Info("Import completed", map[string]interface{}{
		"imported_count": imported,
		"cleared":        opts.Clear,
		"exported_at":    manifest.ExportedAt,
	})
	return &ImportResult{
		ImportedCount: imported,
		Counts:        counts,
		Manifest:      *manifest,
		Duration:      time.Since(startTime),
	}, nil
}

// ImportFile restores the archive at path.
func (s *ExportService) ImportFile(ctx context.Context, path string, opts ImportOptions) (*ImportResult, error) {
	in, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrImportFailed, "open archive", err)
	}
	defer in.Close()
	return s.Import(ctx, in, opts)
}

// ReadManifest returns the manifest of an archive without importing it.
func ReadManifest(r io.Reader) (*ExportManifest, error) {
	manifest, _, err := readArchive(r)
	return manifest, err
}

// writeArchive writes the two members in a fixed order with a fixed mtime,
// so equal stores produce byte-identical archives.
func writeArchive(w io.Writer, compress bool, modTime time.Time, manifest, data []byte) error {
	var gzw *gzip.Writer
	if compress {
		gzw = gzip.NewWriter(w)
		w = gzw
	}
	tw := tar.NewWriter(w)

	for _, member := range []struct {
		name string
		body []byte
	}{
		{manifestName, manifest},
		{dataName, data},
	} {
		header := &tar.Header{
			Name:     member.name,
			Mode:     0644,
			Size:     int64(len(member.body)),
			ModTime:  modTime,
			Typeflag: tar.TypeReg,
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if _, err := tw.Write(member.body); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if gzw != nil {
		return gzw.Close()
	}
	return nil
}

// readArchive extracts the manifest and the raw data member.
func readArchive(r io.Reader) (*ExportManifest, []byte, error) {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gzr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, errors.Wrap(errors.ErrCorruptedArchive, "open gzip stream", err)
		}
		defer gzr.Close()
		src = gzr
	}

	var manifestData, data []byte
	tr := tar.NewReader(src)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errors.Wrap(errors.ErrCorruptedArchive, "read archive", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if header.Size > maxEntrySize {
			return nil, nil, errors.Newf(errors.ErrCorruptedArchive, "%s is too large", header.Name)
		}

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, io.LimitReader(tr, maxEntrySize)); err != nil {
			return nil, nil, errors.Wrap(errors.ErrCorruptedArchive, "read "+header.Name, err)
		}
		switch header.Name {
		case manifestName:
			manifestData = buf.Bytes()
		case dataName:
			data = buf.Bytes()
		}
	}

	if manifestData == nil {
		return nil, nil, errors.New(errors.ErrCorruptedArchive, "archive has no manifest")
	}
	if data == nil {
		return nil, nil, errors.New(errors.ErrCorruptedArchive, "archive has no data")
	}

	var manifest ExportManifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, nil, errors.Wrap(errors.ErrCorruptedArchive, "decode manifest", err)
	}
	if manifest.Checksum == "" {
		return nil, nil, errors.New(errors.ErrCorruptedArchive, "manifest missing checksum")
	}
	return &manifest, data, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
