// Package scheduler provides automatic backup scheduling.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/fairway/internal/export"
)

// ExportInterval defines the scheduling frequency.
type ExportInterval string

const (
	IntervalManual  ExportInterval = "manual"
	IntervalHourly  ExportInterval = "hourly"
	IntervalDaily   ExportInterval = "daily"
	IntervalWeekly  ExportInterval = "weekly"
	IntervalMonthly ExportInterval = "monthly"
)

const archivePrefix = "fairway_"

// SchedulerConfig holds the scheduler configuration.
type SchedulerConfig struct {
	Interval       ExportInterval // How often to export
	RetentionCount int            // Number of archives to keep (0 = unlimited)
	ExportDir      string         // Directory to store exports (default: "backups")
	Compress       bool           // Whether archives are gzipped
}

// Scheduler manages automatic backups.
type Scheduler struct {
	service export.ExportServiceInterface
	config  *SchedulerConfig
	ticker  *time.Ticker
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	now     func() time.Time
	logger  *slog.Logger
}

// NewScheduler creates a new backup scheduler.
func NewScheduler(service export.ExportServiceInterface, config *SchedulerConfig) *Scheduler {
	if config.ExportDir == "" {
		config.ExportDir = "backups"
	}
	if config.RetentionCount < 0 {
		config.RetentionCount = 0
	}

	return &Scheduler{
		service: service,
		config:  config,
		stopCh:  make(chan struct{}),
		now:     time.Now,
		logger:  slog.Default(),
	}
}

// Start begins automatic backups with an immediate first export. A manual
// interval leaves the scheduler idle.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.config.Interval == IntervalManual {
		s.logger.Info("backup scheduler in manual mode, automatic backups disabled")
		return nil
	}

	dur, err := IntervalDuration(s.config.Interval)
	if err != nil {
		return fmt.Errorf("invalid interval: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.ticker = time.NewTicker(dur)
	s.logger.Info("backup scheduler started",
		"interval", s.config.Interval,
		"retention_count", s.config.RetentionCount,
		"dir", s.config.ExportDir)

	s.wg.Add(1)
	go s.loop(ctx, s.ticker, s.stopCh)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, ticker *time.Ticker, stopCh chan struct{}) {
	defer s.wg.Done()

	if _, err := s.RunNow(ctx); err != nil {
		s.logger.Error("initial backup failed", "error", err)
	}
	for {
		select {
		case <-ticker.C:
			if _, err := s.RunNow(ctx); err != nil {
				s.logger.Error("scheduled backup failed", "error", err)
			}
		case <-stopCh:
			return
		case <-ctx.Done():
			s.logger.Info("backup scheduler context cancelled")
			return
		}
	}
}

// Stop shuts the scheduler down and waits for a running backup. Calling it
// twice is safe.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.ticker.Stop()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("backup scheduler stopped")
}

// RunNow performs a single backup and applies the retention policy.
func (s *Scheduler) RunNow(ctx context.Context) (*export.ExportResult, error) {
	timestamp := s.now().UTC().Format("20060102_150405.000")
	ext := ".tar"
	if s.config.Compress {
		ext = ".tar.gz"
	}
	outputPath := filepath.Join(s.config.ExportDir, archivePrefix+timestamp+ext)

	result, err := s.service.ExportFile(ctx, outputPath, export.ExportOptions{Compress: s.config.Compress})
	if err != nil {
		return nil, fmt.Errorf("export failed: %w", err)
	}

	s.logger.Info("backup completed",
		"file", result.FilePath,
		"size_bytes", result.SizeBytes,
		"item_count", result.ItemCount,
		"duration", result.Duration)

	if s.config.RetentionCount > 0 {
		if err := s.applyRetentionPolicy(); err != nil {
			// The backup itself succeeded.
			s.logger.Error("retention policy failed", "error", err)
		}
	}
	return result, nil
}

// IntervalDuration converts the interval to a time.Duration.
func IntervalDuration(interval ExportInterval) (time.Duration, error) {
	switch interval {
	case IntervalHourly:
		return time.Hour, nil
	case IntervalDaily:
		return 24 * time.Hour, nil
	case IntervalWeekly:
		return 7 * 24 * time.Hour, nil
	case IntervalMonthly:
		// Approximate as 30 days
		return 30 * 24 * time.Hour, nil
	case IntervalManual:
		return 0, fmt.Errorf("manual interval has no duration")
	default:
		return 0, fmt.Errorf("unknown interval: %s", interval)
	}
}

// applyRetentionPolicy removes the oldest archives beyond the retention count.
func (s *Scheduler) applyRetentionPolicy() error {
	archives, err := ListArchives(s.config.ExportDir)
	if err != nil {
		return fmt.Errorf("failed to list archives: %w", err)
	}
	if len(archives) <= s.config.RetentionCount {
		return nil
	}

	for _, archive := range archives[:len(archives)-s.config.RetentionCount] {
		if err := os.Remove(archive.Path); err != nil {
			s.logger.Error("failed to delete old archive", "path", archive.Path, "error", err)
			continue
		}
		s.logger.Info("deleted old archive", "path", archive.Path)
	}
	return nil
}

// ArchiveInfo represents metadata about a backup archive.
type ArchiveInfo struct {
	Path      string    `json:"path"`
	SizeBytes int64     `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
}

// ListArchives returns the backups in exportDir, oldest first. Only files
// named like the scheduler's own archives are considered.
func ListArchives(exportDir string) ([]*ArchiveInfo, error) {
	entries, err := os.ReadDir(exportDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var archives []*ArchiveInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, archivePrefix) {
			continue
		}
		if !strings.HasSuffix(name, ".tar") && !strings.HasSuffix(name, ".tar.gz") {
			continue
		}
		fi, err := entry.Info()
		if err != nil {
			return nil, err
		}
		archives = append(archives, &ArchiveInfo{
			Path:      filepath.Join(exportDir, name),
			SizeBytes: fi.Size(),
			CreatedAt: fi.ModTime(),
		})
	}

	// The timestamp in the name orders archives even when mtimes collide.
	sort.Slice(archives, func(i, j int) bool {
		return filepath.Base(archives[i].Path) < filepath.Base(archives[j].Path)
	})
	return archives, nil
}

// IsRunning reports whether automatic backups are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GetConfig returns the current scheduler configuration.
func (s *Scheduler) GetConfig() *SchedulerConfig {
	return s.config
}
