// Package services provides the data layer facade used by the UI and the
// capture inbox.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/fairway/internal/db"
	"github.com/kimhsiao/fairway/internal/errors"
	"github.com/kimhsiao/fairway/internal/logging"
	"github.com/kimhsiao/fairway/internal/models"
	syncpkg "github.com/kimhsiao/fairway/internal/sync"
	"github.com/kimhsiao/fairway/internal/sync/conflict"
	"github.com/kimhsiao/fairway/internal/sync/queue"
	"github.com/kimhsiao/fairway/internal/uuid"
)

// ChangeKind describes a local write.
type ChangeKind string

const (
	ChangeSaved   ChangeKind = "saved"
	ChangeDeleted ChangeKind = "deleted"
)

// Change is delivered to the change listener after every local write.
type Change struct {
	Kind       ChangeKind    `json:"kind"`
	Collection string        `json:"collection"`
	EntityID   string        `json:"entityId"`
	Entity     models.Entity `json:"entity,omitempty"`
	Queued     bool          `json:"queued"` // the mutation waits in the queue
}

// DataService writes domain entities locally and hands every write to the
// sync coordinator. Local writes never fail because the remote is down.
type DataService struct {
	store    *db.Store
	engine   syncpkg.SyncEngineInterface
	resolver *conflict.Resolver
	now      func() time.Time

	onChange func(Change)
	mu       sync.RWMutex
}

// NewDataService creates a new DataService.
func NewDataService(store *db.Store, engine syncpkg.SyncEngineInterface, resolver *conflict.Resolver, now func() time.Time) *DataService {
	if now == nil {
		now = time.Now
	}
	return &DataService{store: store, engine: engine, resolver: resolver, now: now}
}

// SetChangeListener registers fn to be called after each local write.
func (s *DataService) SetChangeListener(fn func(Change)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

func (s *DataService) notify(c Change) {
	s.mu.RLock()
	fn := s.onChange
	s.mu.RUnlock()
	if fn != nil {
		fn(c)
	}
}

// Save stamps the entity, writes it locally with synced=false and submits a
// put. An entity without an id gets a fresh one.
func (s *DataService) Save(ctx context.Context, collection string, e models.Entity) (models.Entity, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	stamped := s.stamp(e)
	if err := s.store.Put(ctx, collection, stamped); err != nil {
		return nil, err
	}
	item, err := s.engine.Submit(ctx, collection, queue.PutMutation{Entity: stamped})
	if err != nil {
		return nil, err
	}
	return s.afterWrite(ctx, collection, stamped, item), nil
}

// Add is Save for entities that must not exist yet. An existing id fails
// with DUPLICATE_KEY and nothing is queued.
func (s *DataService) Add(ctx context.Context, collection string, e models.Entity) (models.Entity, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	stamped := s.stamp(e)
	if err := s.store.Add(ctx, collection, stamped); err != nil {
		return nil, err
	}
	item, err := s.engine.Submit(ctx, collection, queue.AddMutation{Entity: stamped})
	if err != nil {
		return nil, err
	}
	return s.afterWrite(ctx, collection, stamped, item), nil
}

// Delete removes the entity locally and submits a delete. Deleting an
// absent id is not an error.
func (s *DataService) Delete(ctx context.Context, collection, id string) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	if id == "" {
		return errors.New(errors.ErrInvalid, "id is required")
	}
	if err := s.store.Delete(ctx, collection, id); err != nil {
		return err
	}
	item, err := s.engine.Submit(ctx, collection, queue.DeleteMutation{ID: id})
	if err != nil {
		return err
	}
	s.notify(Change{Kind: ChangeDeleted, Collection: collection, EntityID: id, Queued: item != nil})
	return nil
}

// SaveBatch writes several entities of one collection atomically, then
// submits a put for each.
func (s *DataService) SaveBatch(ctx context.Context, collection string, entities []models.Entity) ([]models.Entity, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	stamped := make([]models.Entity, len(entities))
	for i, e := range entities {
		stamped[i] = s.stamp(e)
	}

	err := s.store.RunInTransaction(ctx, func(tx *db.Tx) error {
		for _, e := range stamped {
			if err := tx.Put(collection, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]models.Entity, len(stamped))
	for i, e := range stamped {
		item, err := s.engine.Submit(ctx, collection, queue.PutMutation{Entity: e})
		if err != nil {
			logging.Error("Failed to submit batch entity", err, map[string]interface{}{
				"collection": collection,
				"entity_id":  e.ID(),
			})
			return nil, err
		}
		out[i] = s.afterWrite(ctx, collection, e, item)
	}
	return out, nil
}

// Get returns an entity, or nil when absent.
func (s *DataService) Get(ctx context.Context, collection, id string) (models.Entity, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, collection, id)
}

// List returns every entity of a collection.
func (s *DataService) List(ctx context.Context, collection string) ([]models.Entity, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	return s.store.GetAll(ctx, collection)
}

// ListByIndex returns entities whose indexed field equals value.
func (s *DataService) ListByIndex(ctx context.Context, collection, index string, value any) ([]models.Entity, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	return s.store.GetByIndex(ctx, collection, index, value)
}

// RoundHoleScores returns the hole scores recorded for a round.
func (s *DataService) RoundHoleScores(ctx context.Context, roundID string) ([]models.Entity, error) {
	return s.store.GetByIndex(ctx, models.CollectionHoleScores, db.IndexHoleScoresByRound, roundID)
}

// CourseRounds returns the rounds played on a course.
func (s *DataService) CourseRounds(ctx context.Context, courseID string) ([]models.Entity, error) {
	return s.store.GetByIndex(ctx, models.CollectionRounds, db.IndexRoundsByCourse, courseID)
}

// PendingConflicts lists outstanding conflict records, optionally for one collection.
func (s *DataService) PendingConflicts(ctx context.Context, collection string) ([]*models.ConflictRecord, error) {
	if collection == "" {
		return s.resolver.Pending(ctx)
	}
	return s.resolver.PendingFor(ctx, collection)
}

// ResolveConflict applies the user's choice to an outstanding record and
// starts a pass for any resulting mutation when online.
func (s *DataService) ResolveConflict(ctx context.Context, id string, res conflict.Resolution) (*conflict.Result, error) {
	rec, err := s.resolver.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	result, err := s.resolver.ResolveConflict(ctx, id, res)
	if err != nil {
		return nil, err
	}
	if result.Queued != nil {
		s.engine.TriggerSync(ctx)
	}
	if result.Strategy != conflict.StrategyManual && rec != nil {
		kind := ChangeSaved
		if result.Entity == nil {
			kind = ChangeDeleted
		}
		s.notify(Change{
			Kind:       kind,
			Collection: rec.Collection,
			EntityID:   rec.EntityID,
			Entity:     result.Entity,
			Queued:     result.Queued != nil,
		})
	}
	return result, nil
}

func (s *DataService) stamp(e models.Entity) models.Entity {
	out := e.Clone()
	if out == nil {
		out = models.Entity{}
	}
	if out.ID() == "" {
		out[models.FieldID] = uuid.New()
	}
	out[models.FieldLastModified] = s.now().UnixMilli()
	out[models.FieldSynced] = false
	return out
}

// afterWrite re-reads the entity so the caller sees the synced flag set by
// an immediate push.
func (s *DataService) afterWrite(ctx context.Context, collection string, e models.Entity, item *queue.Item) models.Entity {
	current := e
	if fresh, err := s.store.Get(ctx, collection, e.ID()); err == nil && fresh != nil {
		current = fresh
	}
	s.notify(Change{Kind: ChangeSaved, Collection: collection, EntityID: e.ID(), Entity: current, Queued: item != nil})
	return current
}

func checkCollection(collection string) error {
	if !models.IsDomainCollection(collection) {
		return errors.Newf(errors.ErrInvalid, "collection %q is not a domain collection", collection)
	}
	return nil
}
