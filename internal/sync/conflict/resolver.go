package conflict

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kimhsiao/fairway/internal/db"
	"github.com/kimhsiao/fairway/internal/errors"
	"github.com/kimhsiao/fairway/internal/logging"
	"github.com/kimhsiao/fairway/internal/models"
	"github.com/kimhsiao/fairway/internal/sync/queue"
)

// Strategy defines how a conflict is resolved.
type Strategy string

const (
	StrategyUseLocal  Strategy = "use_local"
	StrategyUseRemote Strategy = "use_remote"
	StrategyMerge     Strategy = "merge"
	StrategyManual    Strategy = "manual"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case StrategyUseLocal, StrategyUseRemote, StrategyMerge, StrategyManual:
		return st, nil
	}
	return "", errors.Newf(errors.ErrInvalid, "unknown resolution strategy %q", s)
}

// Resolution is a strategy plus, for merge, its per-field rules.
type Resolution struct {
	Strategy Strategy `json:"strategy"`
	Rules    Rules    `json:"rules,omitempty"`
	Fallback Rule     `json:"fallback,omitempty"`
}

// Result is the outcome of applying a resolution.
type Result struct {
	Strategy Strategy
	// Entity is the local entity after resolution, nil when it was deleted
	// or left untouched (manual).
	Entity models.Entity
	// Queued is the mutation enqueued for the next sync pass, if any.
	Queued *queue.Item
	// Record is the persisted Conflict Record for manual resolutions.
	Record *models.ConflictRecord
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: local or remote must be non-nil"}
	ErrItemIDMismatch  = &ConflictError{Message: "item ID mismatch"}
)

// ConflictError represents a malformed conflict.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// Resolver applies resolutions against the store and queue, and owns the
// conflicts collection.
//
// A resolution touches up to three collections (the entity, syncQueue and
// conflicts). They are written in that order, so an interruption leaves the
// Conflict Record in place and the resolution can be applied again.
type Resolver struct {
	store db.EntityStore
	queue *queue.Queue
	now   func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(store db.EntityStore, q *queue.Queue, now func() time.Time) *Resolver {
	if now == nil {
		now = time.Now
	}
	return &Resolver{store: store, queue: q, now: now}
}

// NewRecord builds the Conflict Record for a classified pair.
func (r *Resolver) NewRecord(collection string, t models.ConflictType, local, remote models.Entity) *models.ConflictRecord {
	id := local.ID()
	if id == "" {
		id = remote.ID()
	}
	return &models.ConflictRecord{
		ID:           models.ConflictRecordID(collection, id),
		Collection:   collection,
		EntityID:     id,
		ConflictType: t,
		Local:        local,
		Remote:       remote,
		Timestamp:    r.now().UnixMilli(),
	}
}

// Resolve applies a resolution to a conflict.
//
//	use_local:  local written back with a bumped lastModified, synced=false,
//	            and a put (or delete, if local is absent) enqueued
//	use_remote: remote written with synced=true (local deleted if remote is absent)
//	merge:      Merge(local, remote) written bumped with synced=false, put enqueued
//	manual:     the Conflict Record is persisted, nothing else changes
//
// Every strategy except manual deletes the Conflict Record.
func (r *Resolver) Resolve(ctx context.Context, c *models.ConflictRecord, res Resolution) (*Result, error) {
	if err := validate(c); err != nil {
		return nil, err
	}

	logging.Info("Resolving conflict", map[string]interface{}{
		"collection":    c.Collection,
		"entity_id":     c.EntityID,
		"conflict_type": string(c.ConflictType),
		"strategy":      string(res.Strategy),
	})

	var (
		result *Result
		err    error
	)
	switch res.Strategy {
	case StrategyUseLocal:
		result, err = r.useLocal(ctx, c)
	case StrategyUseRemote:
		result, err = r.useRemote(ctx, c)
	case StrategyMerge:
		result, err = r.merge(ctx, c, res)
	case StrategyManual:
		return r.manual(ctx, c)
	default:
		return nil, errors.Newf(errors.ErrInvalid, "unknown resolution strategy %q", res.Strategy)
	}
	if err != nil {
		return nil, err
	}

	if err := r.store.Delete(ctx, models.CollectionConflicts, c.ID); err != nil {
		return nil, err
	}
	return result, nil
}

// ResolveConflict resolves a persisted Conflict Record by id.
func (r *Resolver) ResolveConflict(ctx context.Context, id string, res Resolution) (*Result, error) {
	c, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errors.Newf(errors.ErrNotFound, "conflict %s not found", id)
	}

	moot, err := r.refresh(ctx, c)
	if err != nil {
		return nil, err
	}
	if moot {
		// Deleted locally since detection and absent remotely: nothing left to decide.
		if err := r.store.Delete(ctx, models.CollectionConflicts, c.ID); err != nil {
			return nil, err
		}
		return &Result{Strategy: res.Strategy}, nil
	}
	return r.Resolve(ctx, c, res)
}

// refresh replaces the record's local snapshot with the entity as it is in
// the store now. Edits made after detection are what use_local and merge
// act on. It reports true when neither side exists any more.
func (r *Resolver) refresh(ctx context.Context, c *models.ConflictRecord) (bool, error) {
	current, err := r.store.Get(ctx, c.Collection, c.EntityID)
	if err != nil {
		return false, err
	}
	if current == nil && c.Remote == nil {
		return true, nil
	}
	if !sameEntity(current, c.Local) {
		logging.Info("Local entity changed since conflict detection", map[string]interface{}{
			"conflict_id": c.ID,
		})
		c.Local = current
	}
	return false, nil
}

func sameEntity(a, b models.Entity) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ContentEqual(b)
}

func (r *Resolver) useLocal(ctx context.Context, c *models.ConflictRecord) (*Result, error) {
	if c.Local == nil {
		if err := r.store.Delete(ctx, c.Collection, c.EntityID); err != nil {
			return nil, err
		}
		item, err := r.queue.Enqueue(ctx, c.Collection, queue.DeleteMutation{ID: c.EntityID})
		if err != nil {
			return nil, err
		}
		return &Result{Strategy: StrategyUseLocal, Queued: item}, nil
	}

	e := c.Local.WithLastModified(r.bump(c)).WithSynced(false)
	return r.writeAndEnqueue(ctx, c.Collection, e, StrategyUseLocal)
}

func (r *Resolver) useRemote(ctx context.Context, c *models.ConflictRecord) (*Result, error) {
	if c.Remote == nil {
		if err := r.store.Delete(ctx, c.Collection, c.EntityID); err != nil {
			return nil, err
		}
		return &Result{Strategy: StrategyUseRemote}, nil
	}

	e := c.Remote.WithSynced(true)
	if err := r.store.Put(ctx, c.Collection, e); err != nil {
		return nil, err
	}
	return &Result{Strategy: StrategyUseRemote, Entity: e}, nil
}

func (r *Resolver) merge(ctx context.Context, c *models.ConflictRecord, res Resolution) (*Result, error) {
	for field, rule := range res.Rules {
		if !rule.Valid() {
			return nil, errors.Newf(errors.ErrInvalid, "unknown merge rule %q for field %q", rule, field)
		}
	}
	if res.Fallback != "" && !res.Fallback.Valid() {
		return nil, errors.Newf(errors.ErrInvalid, "unknown merge rule %q", res.Fallback)
	}

	merged := Merge(c.Local, c.Remote, res.Rules, res.Fallback)
	e := merged.WithLastModified(r.bump(c)).WithSynced(false)
	return r.writeAndEnqueue(ctx, c.Collection, e, StrategyMerge)
}

func (r *Resolver) manual(ctx context.Context, c *models.ConflictRecord) (*Result, error) {
	if err := r.Record(ctx, c); err != nil {
		return nil, err
	}
	logging.Warn("Conflict queued for manual review", map[string]interface{}{
		"conflict_id":   c.ID,
		"conflict_type": string(c.ConflictType),
	})
	return &Result{Strategy: StrategyManual, Record: c}, nil
}

func (r *Resolver) writeAndEnqueue(ctx context.Context, collection string, e models.Entity, s Strategy) (*Result, error) {
	if err := r.store.Put(ctx, collection, e); err != nil {
		return nil, err
	}
	item, err := r.queue.Enqueue(ctx, collection, queue.PutMutation{Entity: e})
	if err != nil {
		return nil, err
	}
	return &Result{Strategy: s, Entity: e, Queued: item}, nil
}

// bump returns a lastModified strictly newer than both sides and not in the past.
func (r *Resolver) bump(c *models.ConflictRecord) int64 {
	ts := r.now().UnixMilli()
	if lm, ok := c.Local.LastModified(); ok && lm+1 > ts {
		ts = lm + 1
	}
	if rm, ok := c.Remote.LastModified(); ok && rm+1 > ts {
		ts = rm + 1
	}
	return ts
}

// =====================================================
// Conflict Records
// =====================================================

// Record persists a Conflict Record. A record for the same entity is
// overwritten, never duplicated.
func (r *Resolver) Record(ctx context.Context, c *models.ConflictRecord) error {
	if err := validate(c); err != nil {
		return err
	}
	e, err := models.ToEntity(c)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "encode conflict record", err)
	}
	return r.store.Put(ctx, models.CollectionConflicts, e)
}

// Discard deletes a Conflict Record whose divergence no longer exists.
// Discarding an absent record is not an error.
func (r *Resolver) Discard(ctx context.Context, id string) error {
	logging.Info("Discarding converged conflict", map[string]interface{}{"conflict_id": id})
	return r.store.Delete(ctx, models.CollectionConflicts, id)
}

// Get returns a Conflict Record, or nil when absent.
func (r *Resolver) Get(ctx context.Context, id string) (*models.ConflictRecord, error) {
	e, err := r.store.Get(ctx, models.CollectionConflicts, id)
	if err != nil || e == nil {
		return nil, err
	}
	return toRecord(e)
}

// Pending returns every outstanding Conflict Record, oldest first.
func (r *Resolver) Pending(ctx context.Context) ([]*models.ConflictRecord, error) {
	entities, err := r.store.GetAll(ctx, models.CollectionConflicts)
	if err != nil {
		return nil, err
	}
	return toRecords(entities)
}

// PendingFor returns the outstanding Conflict Records of one collection.
func (r *Resolver) PendingFor(ctx context.Context, collection string) ([]*models.ConflictRecord, error) {
	entities, err := r.store.GetByIndex(ctx, models.CollectionConflicts, db.IndexConflictsByColl, collection)
	if err != nil {
		return nil, err
	}
	return toRecords(entities)
}

func validate(c *models.ConflictRecord) error {
	if c == nil || (c.Local == nil && c.Remote == nil) {
		return errors.Wrap(errors.ErrInvalid, "resolve", ErrInvalidConflict)
	}
	if c.Local != nil && c.Remote != nil && c.Local.ID() != c.Remote.ID() {
		return errors.Wrap(errors.ErrInvalid, fmt.Sprintf("resolve %s", c.ID), ErrItemIDMismatch)
	}
	if c.Collection == "" || c.EntityID == "" {
		return errors.Newf(errors.ErrInvalid, "conflict %q has no collection or entity id", c.ID)
	}
	if c.ID == "" {
		c.ID = models.ConflictRecordID(c.Collection, c.EntityID)
	}
	return nil
}

func toRecord(e models.Entity) (*models.ConflictRecord, error) {
	var rec models.ConflictRecord
	if err := models.FromEntity(e, &rec); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "decode conflict record", err)
	}
	return &rec, nil
}

func toRecords(entities []models.Entity) ([]*models.ConflictRecord, error) {
	records := make([]*models.ConflictRecord, 0, len(entities))
	for _, e := range entities {
		rec, err := toRecord(e)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp < records[j].Timestamp
	})
	return records, nil
}
