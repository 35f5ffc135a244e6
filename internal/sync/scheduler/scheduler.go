// Package scheduler provides background sync scheduling for offline operations.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/fairway/internal/errors"
	"github.com/kimhsiao/fairway/internal/logging"
	syncpkg "github.com/kimhsiao/fairway/internal/sync"
	"github.com/kimhsiao/fairway/internal/sync/queue"
)

// Scheduler runs periodic sync passes and queue retention in the background.
type Scheduler struct {
	engine            syncpkg.SyncEngineInterface
	queue             *queue.Queue
	syncInterval      time.Duration
	retentionInterval time.Duration
	retention         queue.RetentionPolicy
	stopCh            chan struct{}
	wg                sync.WaitGroup
	mu                sync.RWMutex
	isRunning         bool
	lastPrune         time.Time
	pruned            int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval      time.Duration // How often to sync when online (default: 15 minutes)
	RetentionInterval time.Duration // How often to prune terminal queue items (default: 1 hour)
	Retention         queue.RetentionPolicy
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:      15 * time.Minute,
		RetentionInterval: time.Hour,
		Retention:         queue.DefaultRetentionPolicy(),
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.SyncEngineInterface, q *queue.Queue, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.RetentionInterval <= 0 {
		config.RetentionInterval = defaults.RetentionInterval
	}
	if config.Retention == (queue.RetentionPolicy{}) {
		config.Retention = defaults.Retention
	}

	return &Scheduler{
		engine:            engine,
		queue:             q,
		syncInterval:      config.SyncInterval,
		retentionInterval: config.RetentionInterval,
		retention:         config.Retention,
		stopCh:            make(chan struct{}),
	}
}

// Start starts the background loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx)
	go s.retentionLoop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":      s.syncInterval.String(),
		"retention_interval": s.retentionInterval.String(),
	})
}

// Stop stops the background loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logging.Info("Background sync scheduler stopped")
}

// SetOnlineStatus forwards a connectivity change to the engine. Coming back
// online triggers a pass there.
func (s *Scheduler) SetOnlineStatus(ctx context.Context, isOnline bool) {
	s.engine.SetOnline(ctx, isOnline)
}

// periodicSyncLoop triggers a pass every interval while online. Ticks that
// land on a running pass are dropped by the engine.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.engine.IsOnline() {
				continue
			}
			if !s.engine.TriggerSync(ctx) {
				logging.Debug("Periodic sync skipped, pass already running")
			}
		}
	}
}

// retentionLoop prunes terminal queue items.
func (s *Scheduler) retentionLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.Prune(ctx); err != nil {
				logging.ErrorWithCode("Queue pruning failed", string(errors.CodeOf(err)), err)
			}
		}
	}
}

// Prune removes terminal queue items past the retention policy now.
func (s *Scheduler) Prune(ctx context.Context) (int, error) {
	n, err := s.queue.Prune(ctx, s.retention)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.lastPrune = time.Now()
	s.pruned += n
	s.mu.Unlock()
	return n, nil
}

// TriggerSync starts a background pass.
// Returns true if sync was started, false if offline or already syncing.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	return s.engine.TriggerSync(ctx)
}

// SyncNow runs a pass and waits for it. It runs even when the engine
// believes it is offline, so the user can probe connectivity.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	if err != nil {
		return result, err
	}

	logging.Info("Manual sync completed", map[string]interface{}{
		"pushed":     result.Pushed,
		"pulled":     result.Pulled,
		"unresolved": result.Unresolved,
	})
	return result, nil
}

// SchedulerStatus is a point-in-time view of the scheduler and engine.
type SchedulerStatus struct {
	IsRunning    bool               `json:"isRunning"`
	IsOnline     bool               `json:"isOnline"`
	SyncStatus   syncpkg.SyncStatus `json:"syncStatus"`
	LastSyncTime *time.Time         `json:"lastSyncTime,omitempty"`
	LastError    string             `json:"lastError,omitempty"`
	LastPrune    *time.Time         `json:"lastPrune,omitempty"`
	Pruned       int                `json:"pruned"`
	Queue        queue.Stats        `json:"queue"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) (SchedulerStatus, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return SchedulerStatus{}, err
	}

	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning: s.isRunning,
		Pruned:    s.pruned,
		Queue:     stats,
	}
	if !s.lastPrune.IsZero() {
		t := s.lastPrune
		status.LastPrune = &t
	}
	s.mu.RUnlock()

	status.IsOnline = s.engine.IsOnline()
	status.SyncStatus = s.engine.Status()
	status.LastSyncTime = s.engine.LastSync()
	if err := s.engine.LastError(); err != nil {
		status.LastError = err.Error()
	}
	return status, nil
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
