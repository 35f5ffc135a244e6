package sync

import (
	"context"
	"fmt"
	"sort"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/fairway/internal/db"
	"github.com/kimhsiao/fairway/internal/errors"
	"github.com/kimhsiao/fairway/internal/logging"
	"github.com/kimhsiao/fairway/internal/models"
	"github.com/kimhsiao/fairway/internal/sync/conflict"
	"github.com/kimhsiao/fairway/internal/sync/queue"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusError   SyncStatus = "error"
)

// Policy maps each conflict type to the resolution applied when it is
// detected during a pull. Types without an entry are resolved manually.
type Policy map[models.ConflictType]conflict.Resolution

// DefaultPolicy imports entities that only exist remotely and records every
// other divergence as a Conflict Record for the user.
func DefaultPolicy() Policy {
	return Policy{
		models.ConflictServerOnly: {Strategy: conflict.StrategyUseRemote},
	}
}

func (p Policy) resolutionFor(t models.ConflictType) conflict.Resolution {
	if res, ok := p[t]; ok && res.Strategy != "" {
		return res
	}
	return conflict.Resolution{Strategy: conflict.StrategyManual}
}

// SyncResult represents the result of a sync pass.
type SyncResult struct {
	StartTime time.Time     `json:"startTime"`
	EndTime   time.Time     `json:"endTime"`
	Duration  time.Duration `json:"duration"`
	Status    SyncStatus    `json:"status"`

	Pushed     int `json:"pushed"`
	PushFailed int `json:"pushFailed"`
	Deferred   int `json:"deferred"` // pending items still in backoff
	Invalid    int `json:"invalid"`  // undecodable items marked failed

	Pulled     int `json:"pulled"`     // remote entities received
	PullFailed int `json:"pullFailed"` // collections that could not be pulled

	Conflicts  map[models.ConflictType]int `json:"conflicts"`
	Resolved   int                         `json:"resolved"`
	Unresolved int                         `json:"unresolved"`
	Cleared    int                         `json:"cleared"` // records dropped because the sides converged

	Error string `json:"error,omitempty"`

	pullOK int // collections pulled successfully
}

// remoteCalls reports how many remote calls were attempted and how many succeeded.
func (r *SyncResult) remoteCalls() (attempted, succeeded int) {
	return r.Pushed + r.PushFailed + r.pullOK + r.PullFailed, r.Pushed + r.pullOK
}

// SyncEngine is the synchronization coordinator.
//
// Only one pass runs at a time: the status flag doubles as the single-flight
// guard, and triggers arriving while syncing are dropped rather than queued.
type SyncEngine struct {
	store       db.EntityStore
	queue       *queue.Queue
	resolver    *conflict.Resolver
	remote      Remote
	classifier  conflict.Classifier
	policy      Policy
	collections []string
	concurrency int
	metrics     *Metrics
	now         func() time.Time

	mu       stdsync.Mutex
	status   SyncStatus
	online   bool
	lastSync *time.Time
	pending  int
	lastErr  error
	handler  SyncEventHandler

	background stdsync.WaitGroup
}

// EngineOption configures a SyncEngine.
type EngineOption func(*SyncEngine)

// WithPolicy sets the conflict policy.
func WithPolicy(p Policy) EngineOption {
	return func(e *SyncEngine) { e.policy = p }
}

// WithClassifier replaces the last-writer-wins classifier.
func WithClassifier(c conflict.Classifier) EngineOption {
	return func(e *SyncEngine) { e.classifier = c }
}

// WithCollections limits which collections are pulled.
func WithCollections(collections ...string) EngineOption {
	return func(e *SyncEngine) { e.collections = collections }
}

// WithPullConcurrency bounds concurrent pulls.
func WithPullConcurrency(n int) EngineOption {
	return func(e *SyncEngine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithMetrics records pass metrics.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *SyncEngine) { e.metrics = m }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *SyncEngine) { e.now = now }
}

// WithOnline sets the initial connectivity belief. The default is online.
func WithOnline(online bool) EngineOption {
	return func(e *SyncEngine) { e.online = online }
}

// NewSyncEngine creates a new SyncEngine.
func NewSyncEngine(store db.EntityStore, q *queue.Queue, resolver *conflict.Resolver, remote Remote, opts ...EngineOption) *SyncEngine {
	e := &SyncEngine{
		store:       store,
		queue:       q,
		resolver:    resolver,
		remote:      remote,
		classifier:  conflict.DefaultClassifier,
		policy:      DefaultPolicy(),
		collections: models.DomainCollections(),
		concurrency: 4,
		now:         time.Now,
		status:      SyncStatusIdle,
		online:      true,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Status returns the current sync status.
func (e *SyncEngine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastSync returns the time of the last pass that did not end in error.
func (e *SyncEngine) LastSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// PendingChanges returns the number of pending queue items seen last.
func (e *SyncEngine) PendingChanges() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// LastError returns the last sync error.
func (e *SyncEngine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// IsOnline reports the current connectivity belief.
func (e *SyncEngine) IsOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetEventHandler sets the event handler for sync notifications.
func (e *SyncEngine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

func (e *SyncEngine) emitEvent(event SyncEvent) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	h.OnSyncEvent(event)
}

// SetOnline records connectivity. Going from offline to online triggers a
// background pass.
func (e *SyncEngine) SetOnline(ctx context.Context, online bool) {
	e.mu.Lock()
	regained := online && !e.online
	e.online = online
	e.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})
	if regained {
		e.TriggerSync(ctx)
	}
}

// TriggerSync starts a pass in the background. It returns false when the
// trigger is dropped because the engine is offline or already syncing.
func (e *SyncEngine) TriggerSync(ctx context.Context) bool {
	if !e.IsOnline() {
		return false
	}
	if !e.begin() {
		logging.Debug("Sync trigger dropped, pass already running")
		return false
	}

	e.background.Add(1)
	go func() {
		defer e.background.Done()
		// Detached from the caller's request; the pass runs to completion.
		passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Minute)
		defer cancel()
		if _, err := e.run(passCtx); err != nil {
			logging.Warn("Background sync ended with error", map[string]interface{}{"error": err.Error()})
		}
	}()
	return true
}

// Wait blocks until background passes started by TriggerSync have finished.
func (e *SyncEngine) Wait() {
	e.background.Wait()
}

// Sync performs one pass in the caller's goroutine. It runs regardless of
// the connectivity belief. It returns ErrSyncInProgress if a pass is running,
// and ErrSyncFailed (with the result) when every remote call failed.
func (e *SyncEngine) Sync(ctx context.Context) (*SyncResult, error) {
	if !e.begin() {
		return nil, errors.New(errors.ErrSyncInProgress, "sync already in progress")
	}
	return e.run(ctx)
}

// begin moves idle or error to syncing. It returns false if already syncing.
func (e *SyncEngine) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == SyncStatusSyncing {
		return false
	}
	e.status = SyncStatusSyncing
	return true
}

// run executes a pass. The caller must have called begin.
func (e *SyncEngine) run(ctx context.Context) (*SyncResult, error) {
	result := &SyncResult{
		StartTime: e.now(),
		Conflicts: make(map[models.ConflictType]int),
	}
	e.emitEvent(SyncEvent{Type: SyncEventStarted})
	logging.Info("Sync pass started")

	err := e.push(ctx, result)
	if err == nil {
		err = e.pull(ctx, result)
	}

	attempted, succeeded := result.remoteCalls()
	if err == nil && attempted > 0 && succeeded == 0 {
		err = errors.Newf(errors.ErrSyncFailed, "remote unreachable: %d calls failed", attempted)
	}

	return e.finish(ctx, result, err)
}

func (e *SyncEngine) finish(ctx context.Context, result *SyncResult, err error) (*SyncResult, error) {
	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	pending := -1
	if stats, statsErr := e.queue.Stats(ctx); statsErr == nil {
		pending = stats.Pending
		e.metrics.setQueueDepth(stats.Pending)
	}

	e.mu.Lock()
	if err != nil {
		e.status = SyncStatusError
		e.lastErr = err
		result.Error = err.Error()
	} else {
		e.status = SyncStatusIdle
		e.lastErr = nil
		end := result.EndTime
		e.lastSync = &end
	}
	if pending >= 0 {
		e.pending = pending
	}
	result.Status = e.status
	e.mu.Unlock()

	e.metrics.observePass(result.Status, result.Duration)

	if err != nil {
		logging.ErrorWithCode("Sync pass failed", string(errors.CodeOf(err)), err, map[string]interface{}{
			"pushed":      result.Pushed,
			"push_failed": result.PushFailed,
			"pull_failed": result.PullFailed,
		})
		e.emitEvent(SyncEvent{Type: SyncEventFailed, Result: result, Error: err.Error()})
		return result, err
	}

	logging.Info("Sync pass completed", map[string]interface{}{
		"pushed":      result.Pushed,
		"push_failed": result.PushFailed,
		"deferred":    result.Deferred,
		"pulled":      result.Pulled,
		"resolved":    result.Resolved,
		"unresolved":  result.Unresolved,
		"cleared":     result.Cleared,
		"duration_ms": result.Duration.Milliseconds(),
	})
	e.emitEvent(SyncEvent{Type: SyncEventCompleted, Result: result})
	return result, nil
}

// =====================================================
// Push
// =====================================================

// push drains the queue. A failing item is retried later and never stops
// the rest of the queue; only store errors abort the pass.
func (e *SyncEngine) push(ctx context.Context, result *SyncResult) error {
	now := e.now().UnixMilli()
	processed := 0

	for item, err := range e.queue.Drain(ctx) {
		if err != nil {
			return err
		}
		processed++

		if !item.Due(now) {
			result.Deferred++
			continue
		}

		m, err := queue.Decode(item)
		if err != nil {
			result.Invalid++
			logging.ErrorWithCode("Undecodable queue item", string(errors.ErrSyncItemFailed), err, map[string]interface{}{
				"queue_id": item.ID,
			})
			if err := e.queue.MarkFailed(ctx, item.ID, err); err != nil {
				return err
			}
			continue
		}

		if pushErr := e.remote.Push(ctx, item.Collection, m); pushErr != nil {
			result.PushFailed++
			e.metrics.observePush(false)
			itemErr := errors.Wrap(errors.ErrSyncItemFailed, fmt.Sprintf("push %s %s/%s", m.Operation(), item.Collection, m.EntityID()), pushErr)
			logging.ErrorWithCode("Push failed, will retry", string(errors.ErrSyncItemFailed), itemErr, map[string]interface{}{
				"queue_id":    item.ID,
				"retry_count": item.RetryCount + 1,
			})
			if _, err := e.queue.Retry(ctx, item.ID, itemErr); err != nil {
				return err
			}
			continue
		}

		result.Pushed++
		e.metrics.observePush(true)
		if err := e.queue.MarkComplete(ctx, item.ID); err != nil {
			return err
		}
		if err := e.markSynced(ctx, item.Collection, m); err != nil {
			return err
		}

		e.emitEvent(SyncEvent{Type: SyncEventProgress, Processed: processed})
	}
	return nil
}

// markSynced flags the local entity synced if it still matches what was pushed.
func (e *SyncEngine) markSynced(ctx context.Context, collection string, m queue.Mutation) error {
	var pushed models.Entity
	switch mut := m.(type) {
	case queue.AddMutation:
		pushed = mut.Entity
	case queue.PutMutation:
		pushed = mut.Entity
	case queue.DeleteMutation:
		return nil
	}

	local, err := e.store.Get(ctx, collection, pushed.ID())
	if err != nil || local == nil || local.Synced() || !local.ContentEqual(pushed) {
		return err
	}
	return e.store.Put(ctx, collection, local.WithSynced(true))
}

// =====================================================
// Pull
// =====================================================

type pulled struct {
	collection string
	entities   []models.Entity
	err        error
}

// pull fetches every collection concurrently, then reconciles them one at a
// time against the store.
func (e *SyncEngine) pull(ctx context.Context, result *SyncResult) error {
	snapshots := make([]pulled, len(e.collections))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, collection := range e.collections {
		g.Go(func() error {
			entities, err := e.remote.Pull(gctx, collection)
			// A failed collection is recorded, not returned, so the others finish.
			snapshots[i] = pulled{collection: collection, entities: entities, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for _, snap := range snapshots {
		if snap.err != nil {
			result.PullFailed++
			logging.ErrorWithCode("Pull failed", string(errors.ErrSyncFailed), snap.err, map[string]interface{}{
				"collection": snap.collection,
			})
			continue
		}
		result.pullOK++
		result.Pulled += len(snap.entities)
		if err := e.reconcile(ctx, snap.collection, snap.entities, result); err != nil {
			return err
		}
	}
	return nil
}

// reconcile classifies every local/remote pair of one collection and applies
// the policy. Entities with a queued local mutation are left to the next
// push unless the remote side moved ahead of them.
func (e *SyncEngine) reconcile(ctx context.Context, collection string, remote []models.Entity, result *SyncResult) error {
	localList, err := e.store.GetAll(ctx, collection)
	if err != nil {
		return err
	}
	queued, err := e.queuedIDs(ctx, collection)
	if err != nil {
		return err
	}

	local := make(map[string]models.Entity, len(localList))
	ids := make(map[string]struct{}, len(localList)+len(remote))
	for _, ent := range localList {
		local[ent.ID()] = ent
		ids[ent.ID()] = struct{}{}
	}
	remoteByID := make(map[string]models.Entity, len(remote))
	for _, ent := range remote {
		if ent.ID() == "" {
			continue
		}
		remoteByID[ent.ID()] = ent
		ids[ent.ID()] = struct{}{}
	}

	records, err := e.resolver.PendingFor(ctx, collection)
	if err != nil {
		return err
	}
	recordIDs := make(map[string]string, len(records))
	for _, rec := range records {
		recordIDs[rec.EntityID] = rec.ID
		ids[rec.EntityID] = struct{}{}
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	for _, id := range sorted {
		l, r := local[id], remoteByID[id]
		t, ok := e.classifier.Classify(l, r)
		if !ok {
			// The sides converged; an outstanding record would only offer stale snapshots.
			if recID, recorded := recordIDs[id]; recorded {
				if err := e.resolver.Discard(ctx, recID); err != nil {
					return err
				}
				result.Cleared++
			}
			continue
		}
		if _, isQueued := queued[id]; isQueued && t != models.ConflictServerNewer && t != models.ConflictContentConflict {
			continue
		}

		result.Conflicts[t]++
		e.metrics.observeConflict(string(t))

		res := e.policy.resolutionFor(t)
		rec := e.resolver.NewRecord(collection, t, l, r)
		if _, err := e.resolver.Resolve(ctx, rec, res); err != nil {
			return err
		}
		if res.Strategy == conflict.StrategyManual {
			result.Unresolved++
		} else {
			result.Resolved++
		}

		e.emitEvent(SyncEvent{
			Type:         SyncEventConflictDetected,
			Collection:   collection,
			EntityID:     id,
			ConflictType: t,
			Strategy:     string(res.Strategy),
		})
	}
	return nil
}

// queuedIDs returns the entity ids with a pending mutation in collection.
func (e *SyncEngine) queuedIDs(ctx context.Context, collection string) (map[string]struct{}, error) {
	items, err := e.queue.List(ctx, models.QueueStatusPending)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{})
	for _, item := range items {
		if item.Collection != collection {
			continue
		}
		if m, err := queue.Decode(item); err == nil {
			ids[m.EntityID()] = struct{}{}
		}
	}
	return ids, nil
}

// =====================================================
// Submit
// =====================================================

// Submit delivers a local mutation. Online, it is pushed immediately unless
// an older mutation for the same entity is still queued; offline, or when
// the push fails, it is enqueued. The returned item is nil when the push
// went straight through.
func (e *SyncEngine) Submit(ctx context.Context, collection string, m queue.Mutation) (*queue.Item, error) {
	if e.IsOnline() {
		queued, err := e.queuedIDs(ctx, collection)
		if err != nil {
			return nil, err
		}
		if _, behind := queued[m.EntityID()]; !behind {
			pushErr := e.remote.Push(ctx, collection, m)
			if pushErr == nil {
				e.metrics.observePush(true)
				return nil, e.markSynced(ctx, collection, m)
			}
			e.metrics.observePush(false)
			logging.Warn("Immediate push failed, queueing", map[string]interface{}{
				"collection": collection,
				"entity_id":  m.EntityID(),
				"error":      pushErr.Error(),
			})
		}
	}

	item, err := e.queue.Enqueue(ctx, collection, m)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.pending++
	pending := e.pending
	e.mu.Unlock()
	e.metrics.setQueueDepth(pending)
	return item, nil
}
