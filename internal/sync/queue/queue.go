// Package queue provides the durable mutation queue that records offline
// writes for later replay against the remote endpoint.
package queue

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/kimhsiao/fairway/internal/db"
	"github.com/kimhsiao/fairway/internal/errors"
	"github.com/kimhsiao/fairway/internal/logging"
	"github.com/kimhsiao/fairway/internal/models"
	"github.com/kimhsiao/fairway/internal/uuid"
)

// Item is a persisted queue entry.
type Item = models.SyncQueueItem

// RetryPolicy bounds automatic retries of a failing item.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns the default retry policy: five attempts with
// delays of 2, 4, 8 and 16 minutes, capped at one hour.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		BaseDelay:  time.Minute,
		MaxDelay:   time.Hour,
	}
}

// Backoff returns the delay before retry number retryCount.
// Formula: 2^retryCount * BaseDelay, capped at MaxDelay.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 30 {
		return p.MaxDelay
	}
	backoff := time.Duration(int64(1)<<uint(retryCount)) * p.BaseDelay
	if backoff > p.MaxDelay || backoff < 0 {
		backoff = p.MaxDelay
	}
	return backoff
}

// RetentionPolicy decides when terminal items are pruned.
type RetentionPolicy struct {
	CompletedTTL time.Duration // completed items older than this are deleted
	AbandonedTTL time.Duration // abandoned and failed items older than this are deleted
}

// DefaultRetentionPolicy keeps completed items for a week and abandoned ones for a month.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		CompletedTTL: 7 * 24 * time.Hour,
		AbandonedTTL: 30 * 24 * time.Hour,
	}
}

// Stats summarizes the queue.
type Stats struct {
	Total         int   `json:"total"`
	Pending       int   `json:"pending"`
	Due           int   `json:"due"`
	Completed     int   `json:"completed"`
	Failed        int   `json:"failed"`
	Abandoned     int   `json:"abandoned"`
	OldestPending int64 `json:"oldestPending,omitempty"` // unix millis
}

// Queue is the mutation queue, persisted in the syncQueue collection.
type Queue struct {
	store  db.EntityStore
	policy RetryPolicy
	now    func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(q *Queue) {
		if p.MaxRetries > 0 {
			q.policy.MaxRetries = p.MaxRetries
		}
		if p.BaseDelay > 0 {
			q.policy.BaseDelay = p.BaseDelay
		}
		if p.MaxDelay > 0 {
			q.policy.MaxDelay = p.MaxDelay
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue over store.
func New(store db.EntityStore, opts ...Option) *Queue {
	q := &Queue{
		store:  store,
		policy: DefaultRetryPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Policy returns the retry policy in effect.
func (q *Queue) Policy() RetryPolicy {
	return q.policy
}

// Now returns the queue clock in unix millis.
func (q *Queue) Now() int64 {
	return q.now().UnixMilli()
}

// Enqueue records a mutation. Ids are always fresh, so only I/O can fail it.
func (q *Queue) Enqueue(ctx context.Context, collection string, m Mutation) (*Item, error) {
	op, payload, err := encodeMutation(m)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "enqueue", err)
	}

	now := q.Now()
	item := &Item{
		ID:          uuid.NewTimeOrdered(),
		Collection:  collection,
		Operation:   op,
		Payload:     payload,
		Timestamp:   now,
		RetryCount:  0,
		MaxRetries:  q.policy.MaxRetries,
		NextRetryAt: now,
		Status:      models.QueueStatusPending,
		UpdatedAt:   now,
	}

	e, err := models.ToEntity(item)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "enqueue", err)
	}
	if err := q.store.Add(ctx, models.CollectionSyncQueue, e); err != nil {
		return nil, err
	}

	logging.Debug("Mutation enqueued", map[string]interface{}{
		"queue_id":   item.ID,
		"collection": collection,
		"operation":  string(op),
		"entity_id":  m.EntityID(),
	})
	return item, nil
}

// Drain returns a lazy sequence of every pending item, oldest first.
// Each range re-reads the store, so the sequence can be restarted. Items
// whose status changes while the sequence is being consumed are skipped.
func (q *Queue) Drain(ctx context.Context) iter.Seq2[*Item, error] {
	return func(yield func(*Item, error) bool) {
		pending, err := q.listByStatus(ctx, models.QueueStatusPending)
		if err != nil {
			yield(nil, err)
			return
		}

		for _, snapshot := range pending {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			item, err := q.Get(ctx, snapshot.ID)
			if err != nil {
				if !yield(nil, err) {
					return
				}
				continue
			}
			if item == nil || item.Status != models.QueueStatusPending {
				continue
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

// MarkComplete transitions an item to completed. The item is retained
// until Prune removes it.
func (q *Queue) MarkComplete(ctx context.Context, id string) error {
	return q.update(ctx, id, func(item *Item) {
		item.Status = models.QueueStatusCompleted
		item.LastError = ""
	})
}

// Retry records a failed attempt. The item stays pending with an exponential
// backoff until it has used MaxRetries attempts, then it is abandoned.
func (q *Queue) Retry(ctx context.Context, id string, cause error) (*Item, error) {
	var result *Item
	err := q.update(ctx, id, func(item *Item) {
		item.RetryCount++
		if cause != nil {
			item.LastError = cause.Error()
		}

		maxRetries := item.MaxRetries
		if maxRetries <= 0 {
			maxRetries = q.policy.MaxRetries
		}
		if item.RetryCount >= maxRetries {
			item.Status = models.QueueStatusAbandoned
			logging.Warn("Mutation abandoned after max retries", map[string]interface{}{
				"queue_id":    item.ID,
				"collection":  item.Collection,
				"retry_count": item.RetryCount,
				"last_error":  item.LastError,
			})
		} else {
			item.Status = models.QueueStatusPending
			item.NextRetryAt = q.Now() + q.policy.Backoff(item.RetryCount).Milliseconds()
		}
		result = item
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkFailed moves an item to the terminal failed status. Used for items
// that can never succeed, such as undecodable payloads.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	return q.update(ctx, id, func(item *Item) {
		item.Status = models.QueueStatusFailed
		if cause != nil {
			item.LastError = cause.Error()
		}
	})
}

// Requeue resets an item to pending with a fresh retry budget.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	return q.update(ctx, id, func(item *Item) {
		q.reset(item)
	})
}

// RequeueAbandoned resets every abandoned item to pending and returns how many.
func (q *Queue) RequeueAbandoned(ctx context.Context) (int, error) {
	items, err := q.listByStatus(ctx, models.QueueStatusAbandoned)
	if err != nil {
		return 0, err
	}
	for _, item := range items {
		q.reset(item)
		if err := q.save(ctx, item); err != nil {
			return 0, err
		}
	}
	if len(items) > 0 {
		logging.Info("Abandoned mutations requeued", map[string]interface{}{"count": len(items)})
	}
	return len(items), nil
}

// Prune deletes terminal items older than the retention policy allows and
// returns how many were removed. A zero TTL keeps that class forever.
func (q *Queue) Prune(ctx context.Context, policy RetentionPolicy) (int, error) {
	now := q.Now()
	removed := 0

	classes := []struct {
		statuses []models.QueueStatus
		ttl      time.Duration
	}{
		{[]models.QueueStatus{models.QueueStatusCompleted}, policy.CompletedTTL},
		{[]models.QueueStatus{models.QueueStatusAbandoned, models.QueueStatusFailed}, policy.AbandonedTTL},
	}
	for _, class := range classes {
		if class.ttl <= 0 {
			continue
		}
		cutoff := now - class.ttl.Milliseconds()
		for _, status := range class.statuses {
			items, err := q.listByStatus(ctx, status)
			if err != nil {
				return removed, err
			}
			for _, item := range items {
				if item.UpdatedAt > cutoff {
					continue
				}
				if err := q.store.Delete(ctx, models.CollectionSyncQueue, item.ID); err != nil {
					return removed, err
				}
				removed++
			}
		}
	}

	if removed > 0 {
		logging.Info("Mutation queue pruned", map[string]interface{}{"removed": removed})
	}
	return removed, nil
}

// Get returns an item, or nil when absent.
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	e, err := q.store.Get(ctx, models.CollectionSyncQueue, id)
	if err != nil || e == nil {
		return nil, err
	}
	return toItem(e)
}

// List returns items with the given status, oldest first. An empty status lists all.
func (q *Queue) List(ctx context.Context, status models.QueueStatus) ([]*Item, error) {
	if status != "" {
		return q.listByStatus(ctx, status)
	}
	entities, err := q.store.GetAll(ctx, models.CollectionSyncQueue)
	if err != nil {
		return nil, err
	}
	return toItems(entities)
}

// Stats counts items per status.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	items, err := q.List(ctx, "")
	if err != nil {
		return Stats{}, err
	}

	now := q.Now()
	var s Stats
	for _, item := range items {
		s.Total++
		switch item.Status {
		case models.QueueStatusPending:
			s.Pending++
			if item.Due(now) {
				s.Due++
			}
			if s.OldestPending == 0 || item.Timestamp < s.OldestPending {
				s.OldestPending = item.Timestamp
			}
		case models.QueueStatusCompleted:
			s.Completed++
		case models.QueueStatusFailed:
			s.Failed++
		case models.QueueStatusAbandoned:
			s.Abandoned++
		}
	}
	return s, nil
}

func (q *Queue) reset(item *Item) {
	now := q.Now()
	item.Status = models.QueueStatusPending
	item.RetryCount = 0
	item.MaxRetries = q.policy.MaxRetries
	item.NextRetryAt = now
	item.LastError = ""
	item.UpdatedAt = now
}

func (q *Queue) update(ctx context.Context, id string, fn func(item *Item)) error {
	item, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if item == nil {
		return errors.Newf(errors.ErrNotFound, "queue item %s not found", id)
	}
	fn(item)
	item.UpdatedAt = q.Now()
	return q.save(ctx, item)
}

func (q *Queue) save(ctx context.Context, item *Item) error {
	e, err := models.ToEntity(item)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, fmt.Sprintf("encode queue item %s", item.ID), err)
	}
	return q.store.Put(ctx, models.CollectionSyncQueue, e)
}

func (q *Queue) listByStatus(ctx context.Context, status models.QueueStatus) ([]*Item, error) {
	entities, err := q.store.GetByIndex(ctx, models.CollectionSyncQueue, db.IndexQueueByStatus, string(status))
	if err != nil {
		return nil, err
	}
	return toItems(entities)
}

func toItem(e models.Entity) (*Item, error) {
	var item Item
	if err := models.FromEntity(e, &item); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "decode queue item", err)
	}
	return &item, nil
}

// toItems decodes entities and orders them by timestamp, then id.
func toItems(entities []models.Entity) ([]*Item, error) {
	items := make([]*Item, 0, len(entities))
	for _, e := range entities {
		item, err := toItem(e)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Timestamp != items[j].Timestamp {
			return items[i].Timestamp < items[j].Timestamp
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}
