// Package scheduler tests for automatic backup scheduling functionality.
package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/fairway/internal/db"
	"github.com/kimhsiao/fairway/internal/export"
	"github.com/kimhsiao/fairway/internal/models"
)

// =====================================================
// Test Helpers
// =====================================================

// steppingClock advances one second per call so archive names never collide.
type steppingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func createTestScheduler(t *testing.T, config *SchedulerConfig) *Scheduler {
	t.Helper()
	store, err := db.OpenDefault(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("OpenDefault() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Put(context.Background(), models.CollectionCourses, models.Entity{"id": "course-1"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	s := NewScheduler(export.NewExportService(store, nil), config)
	clock := &steppingClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	s.now = clock.Now
	t.Cleanup(s.Stop)
	return s
}

func writeArchive(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("archive"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

// =====================================================
// Configuration
// =====================================================

// TestNewScheduler_defaults fills the export dir and clamps retention.
func TestNewScheduler_defaults(t *testing.T) {
	config := &SchedulerConfig{Interval: IntervalDaily, RetentionCount: -3}
	s := NewScheduler(nil, config)

	if s.GetConfig().ExportDir != "backups" {
		t.Errorf("ExportDir = %q, want 'backups'", s.GetConfig().ExportDir)
	}
	if s.GetConfig().RetentionCount != 0 {
		t.Errorf("RetentionCount = %d, want 0", s.GetConfig().RetentionCount)
	}
	if s.IsRunning() {
		t.Error("new scheduler should not be running")
	}
}

// TestIntervalDuration covers every interval.
func TestIntervalDuration(t *testing.T) {
	tests := []struct {
		interval ExportInterval
		want     time.Duration
		wantErr  bool
	}{
		{IntervalHourly, time.Hour, false},
		{IntervalDaily, 24 * time.Hour, false},
		{IntervalWeekly, 7 * 24 * time.Hour, false},
		{IntervalMonthly, 30 * 24 * time.Hour, false},
		{IntervalManual, 0, true},
		{"fortnightly", 0, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.interval), func(t *testing.T) {
			got, err := IntervalDuration(tt.interval)
			if (err != nil) != tt.wantErr {
				t.Fatalf("IntervalDuration() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("IntervalDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

// =====================================================
// Lifecycle
// =====================================================

// TestScheduler_Start_manual stays idle.
func TestScheduler_Start_manual(t *testing.T) {
	s := createTestScheduler(t, &SchedulerConfig{Interval: IntervalManual, ExportDir: t.TempDir()})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.IsRunning() {
		t.Error("manual scheduler should not run")
	}
}

// TestScheduler_Start_invalidInterval fails.
func TestScheduler_Start_invalidInterval(t *testing.T) {
	s := createTestScheduler(t, &SchedulerConfig{Interval: "sometimes", ExportDir: t.TempDir()})

	if err := s.Start(context.Background()); err == nil {
		t.Error("Start() should fail for an unknown interval")
	}
}

// TestScheduler_Start_initialBackup writes an archive straight away.
func TestScheduler_Start_initialBackup(t *testing.T) {
	dir := t.TempDir()
	s := createTestScheduler(t, &SchedulerConfig{Interval: IntervalDaily, ExportDir: dir, Compress: true})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		archives, err := ListArchives(dir)
		if err != nil {
			t.Fatalf("ListArchives() error = %v", err)
		}
		if len(archives) == 1 {
			if !strings.HasSuffix(archives[0].Path, ".tar.gz") {
				t.Errorf("archive %s should be gzipped", archives[0].Path)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("initial backup was not written")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("scheduler should be stopped")
	}
}

// =====================================================
// Backups and retention
// =====================================================

// TestScheduler_RunNow writes a restorable archive.
func TestScheduler_RunNow(t *testing.T) {
	dir := t.TempDir()
	s := createTestScheduler(t, &SchedulerConfig{Interval: IntervalManual, ExportDir: dir})

	result, err := s.RunNow(context.Background())
	if err != nil {
		t.Fatalf("RunNow() error = %v", err)
	}
	if result.ItemCount != 1 {
		t.Errorf("ItemCount = %d, want 1", result.ItemCount)
	}
	if filepath.Base(result.FilePath) != "fairway_20240101_120001.000.tar" {
		t.Errorf("FilePath = %s", result.FilePath)
	}

	in, err := os.Open(result.FilePath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer in.Close()
	manifest, err := export.ReadManifest(in)
	if err != nil {
		t.Fatalf("ReadManifest() error = %v", err)
	}
	if manifest.Counts[models.CollectionCourses] != 1 {
		t.Errorf("manifest counts = %v", manifest.Counts)
	}
}

// TestScheduler_RunNow_retention keeps the newest archives.
func TestScheduler_RunNow_retention(t *testing.T) {
	dir := t.TempDir()
	s := createTestScheduler(t, &SchedulerConfig{Interval: IntervalManual, ExportDir: dir, RetentionCount: 2})

	var last string
	for i := 0; i < 4; i++ {
		result, err := s.RunNow(context.Background())
		if err != nil {
			t.Fatalf("RunNow() error = %v", err)
		}
		last = result.FilePath
	}

	archives, err := ListArchives(dir)
	if err != nil {
		t.Fatalf("ListArchives() error = %v", err)
	}
	if len(archives) != 2 {
		t.Fatalf("got %d archives, want 2", len(archives))
	}
	if archives[1].Path != last {
		t.Errorf("newest archive = %s, want %s", archives[1].Path, last)
	}
}

// TestListArchives ignores foreign files and sorts by name.
func TestListArchives(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "fairway_20240103_120000.000.tar")
	writeArchive(t, dir, "fairway_20240101_120000.000.tar.gz")
	writeArchive(t, dir, "fairway_20240102_120000.000.tar")
	writeArchive(t, dir, "notes.txt")
	writeArchive(t, dir, "other_20240101.tar")
	if err := os.Mkdir(filepath.Join(dir, "fairway_dir.tar"), 0755); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}

	archives, err := ListArchives(dir)
	if err != nil {
		t.Fatalf("ListArchives() error = %v", err)
	}
	if len(archives) != 3 {
		t.Fatalf("got %d archives, want 3", len(archives))
	}
	if filepath.Base(archives[0].Path) != "fairway_20240101_120000.000.tar.gz" {
		t.Errorf("oldest = %s", archives[0].Path)
	}

	missing, err := ListArchives(filepath.Join(dir, "missing"))
	if err != nil || len(missing) != 0 {
		t.Errorf("ListArchives(missing) = %v, %v", missing, err)
	}
}
