package queue

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/kimhsiao/fairway/internal/db"
	"github.com/kimhsiao/fairway/internal/errors"
	"github.com/kimhsiao/fairway/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable time source.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *fakeClock, *db.Store) {
	t.Helper()
	store, err := db.OpenDefault(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(store, opts...), clock, store
}

func drainAll(t *testing.T, q *Queue) []*Item {
	t.Helper()
	var items []*Item
	for item, err := range q.Drain(context.Background()) {
		require.NoError(t, err)
		items = append(items, item)
	}
	return items
}

// =====================================================
// Enqueue / Drain
// =====================================================

// TestQueue_Enqueue_offlinePut records a pending rounds item.
func TestQueue_Enqueue_offlinePut(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	item, err := q.Enqueue(ctx, models.CollectionRounds, PutMutation{Entity: models.Entity{"id": "round-123", "score": float64(84)}})
	require.NoError(t, err)

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	assert.Equal(t, DefaultRetryPolicy().MaxRetries, item.MaxRetries)

	pending := drainAll(t, q)
	require.Len(t, pending, 1)
	assert.Equal(t, models.CollectionRounds, pending[0].Collection)
	assert.Equal(t, models.OperationPut, pending[0].Operation)

	m, err := Decode(pending[0])
	require.NoError(t, err)
	put, ok := m.(PutMutation)
	require.True(t, ok)
	assert.Equal(t, "round-123", put.Entity.ID())
	assert.Equal(t, float64(84), put.Entity["score"])
}

// TestQueue_Enqueue_freshIDs never collides, even for identical mutations.
func TestQueue_Enqueue_freshIDs(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)
	m := DeleteMutation{ID: "course-1"}

	a, err := q.Enqueue(ctx, models.CollectionCourses, m)
	require.NoError(t, err)
	b, err := q.Enqueue(ctx, models.CollectionCourses, m)
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, drainAll(t, q), 2)
}

// TestQueue_Enqueue_invalid rejects mutations without an entity id.
func TestQueue_Enqueue_invalid(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	_, err := q.Enqueue(ctx, models.CollectionCourses, PutMutation{Entity: models.Entity{"par": 72}})
	assert.True(t, errors.Is(err, errors.ErrInvalid))
	_, err = q.Enqueue(ctx, models.CollectionCourses, nil)
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

// TestQueue_Drain_order yields oldest first and skips non-pending items.
func TestQueue_Drain_order(t *testing.T) {
	ctx := context.Background()
	q, clock, _ := newTestQueue(t)

	var ids []string
	for _, id := range []string{"h1", "h2", "h3"} {
		item, err := q.Enqueue(ctx, models.CollectionHoleScores, AddMutation{Entity: models.Entity{"id": id}})
		require.NoError(t, err)
		ids = append(ids, item.ID)
		clock.Advance(time.Millisecond)
	}
	// Same millisecond as h3: ordered by time-ordered id.
	same, err := q.Enqueue(ctx, models.CollectionHoleScores, AddMutation{Entity: models.Entity{"id": "h4"}})
	require.NoError(t, err)
	ids = append(ids, same.ID)

	require.NoError(t, q.MarkComplete(ctx, ids[1]))

	got := drainAll(t, q)
	require.Len(t, got, 3)
	assert.Equal(t, []string{ids[0], ids[2], ids[3]}, []string{got[0].ID, got[1].ID, got[2].ID})
}

// TestQueue_Drain_restartable can be ranged over again and stopped early.
func TestQueue_Drain_restartable(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)
	for _, id := range []string{"a", "b"} {
		_, err := q.Enqueue(ctx, models.CollectionCourses, PutMutation{Entity: models.Entity{"id": id}})
		require.NoError(t, err)
	}

	seq := q.Drain(ctx)
	count := 0
	for range seq {
		count++
		break
	}
	assert.Equal(t, 1, count)

	count = 0
	for _, err := range seq {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, 2, count)
}

// TestQueue_Drain_skipsItemsCompletedMidway re-reads each item before yielding it.
func TestQueue_Drain_skipsItemsCompletedMidway(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)
	first, err := q.Enqueue(ctx, models.CollectionCourses, PutMutation{Entity: models.Entity{"id": "a"}})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, models.CollectionCourses, PutMutation{Entity: models.Entity{"id": "b"}})
	require.NoError(t, err)

	var seen []string
	for item, err := range q.Drain(ctx) {
		require.NoError(t, err)
		seen = append(seen, item.ID)
		if item.ID == first.ID {
			require.NoError(t, q.MarkComplete(ctx, second.ID))
		}
	}
	assert.Equal(t, []string{first.ID}, seen)
}

// =====================================================
// Completion and retries
// =====================================================

// TestQueue_MarkComplete retains the item.
func TestQueue_MarkComplete(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)
	item, err := q.Enqueue(ctx, models.CollectionRounds, PutMutation{Entity: models.Entity{"id": "round-123"}})
	require.NoError(t, err)

	require.NoError(t, q.MarkComplete(ctx, item.ID))

	got, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusCompleted, got.Status)
	assert.Empty(t, drainAll(t, q))

	err = q.MarkComplete(ctx, "missing")
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

// TestQueue_Retry_once keeps the item pending and drainable.
func TestQueue_Retry_once(t *testing.T) {
	ctx := context.Background()
	q, clock, _ := newTestQueue(t)
	item, err := q.Enqueue(ctx, models.CollectionRounds, PutMutation{Entity: models.Entity{"id": "round-123"}})
	require.NoError(t, err)

	retried, err := q.Retry(ctx, item.ID, stderrors.New("connection refused"))
	require.NoError(t, err)

	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, models.QueueStatusPending, retried.Status)
	assert.Equal(t, "connection refused", retried.LastError)
	assert.Equal(t, clock.Now().UnixMilli()+(2*time.Minute).Milliseconds(), retried.NextRetryAt)
	assert.False(t, retried.Due(clock.Now().UnixMilli()))

	pending := drainAll(t, q)
	require.Len(t, pending, 1)
	assert.Equal(t, item.ID, pending[0].ID)
	assert.Equal(t, 1, pending[0].RetryCount)
}

// TestQueue_Retry_abandonsAfterMax stops retrying after MaxRetries attempts.
func TestQueue_Retry_abandonsAfterMax(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, WithRetryPolicy(RetryPolicy{MaxRetries: 3}))
	item, err := q.Enqueue(ctx, models.CollectionCourses, DeleteMutation{ID: "course-1"})
	require.NoError(t, err)

	var last *Item
	for i := 0; i < 3; i++ {
		last, err = q.Retry(ctx, item.ID, stderrors.New("503"))
		require.NoError(t, err)
	}

	assert.Equal(t, 3, last.RetryCount)
	assert.Equal(t, models.QueueStatusAbandoned, last.Status)
	assert.True(t, last.Terminal())
	assert.Empty(t, drainAll(t, q))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Abandoned)
}

// TestRetryPolicy_Backoff doubles and caps.
func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()

	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{3, 8 * time.Minute},
		{6, time.Hour},
		{40, time.Hour},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.retryCount), "retry %d", tt.retryCount)
	}
}

// TestQueue_MarkFailed is terminal until requeued.
func TestQueue_MarkFailed(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)
	item, err := q.Enqueue(ctx, models.CollectionSettings, PutMutation{Entity: models.Entity{"id": "units"}})
	require.NoError(t, err)

	require.NoError(t, q.MarkFailed(ctx, item.ID, stderrors.New("bad payload")))
	assert.Empty(t, drainAll(t, q))

	require.NoError(t, q.Requeue(ctx, item.ID))
	got, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, got.Status)
	assert.Empty(t, got.LastError)
	assert.Len(t, drainAll(t, q), 1)
}

// TestQueue_RequeueAbandoned resets the retry budget.
func TestQueue_RequeueAbandoned(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t, WithRetryPolicy(RetryPolicy{MaxRetries: 1}))
	item, err := q.Enqueue(ctx, models.CollectionCourses, PutMutation{Entity: models.Entity{"id": "course-1"}})
	require.NoError(t, err)
	_, err = q.Retry(ctx, item.ID, nil)
	require.NoError(t, err)

	n, err := q.RequeueAbandoned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

// =====================================================
// Retention
// =====================================================

// TestQueue_Prune removes only expired terminal items.
func TestQueue_Prune(t *testing.T) {
	ctx := context.Background()
	q, clock, _ := newTestQueue(t, WithRetryPolicy(RetryPolicy{MaxRetries: 1}))

	done, err := q.Enqueue(ctx, models.CollectionRounds, PutMutation{Entity: models.Entity{"id": "r1"}})
	require.NoError(t, err)
	require.NoError(t, q.MarkComplete(ctx, done.ID))
	dead, err := q.Enqueue(ctx, models.CollectionRounds, PutMutation{Entity: models.Entity{"id": "r2"}})
	require.NoError(t, err)
	_, err = q.Retry(ctx, dead.ID, nil)
	require.NoError(t, err)
	live, err := q.Enqueue(ctx, models.CollectionRounds, PutMutation{Entity: models.Entity{"id": "r3"}})
	require.NoError(t, err)

	policy := RetentionPolicy{CompletedTTL: time.Hour, AbandonedTTL: 48 * time.Hour}

	n, err := q.Prune(ctx, policy)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(2 * time.Hour)
	n, err = q.Prune(ctx, policy)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	clock.Advance(48 * time.Hour)
	n, err = q.Prune(ctx, policy)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := q.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, live.ID, all[0].ID)
}

// TestQueue_Stats counts due items separately.
func TestQueue_Stats(t *testing.T) {
	ctx := context.Background()
	q, _, _ := newTestQueue(t)

	a, err := q.Enqueue(ctx, models.CollectionCourses, PutMutation{Entity: models.Entity{"id": "a"}})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, models.CollectionCourses, PutMutation{Entity: models.Entity{"id": "b"}})
	require.NoError(t, err)
	_, err = q.Retry(ctx, a.ID, nil)
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Due)
	assert.Equal(t, a.Timestamp, stats.OldestPending)
}

// =====================================================
// Mutations
// =====================================================

// TestDecode covers every operation and malformed payloads.
func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		item    Item
		want    Mutation
		wantErr bool
	}{
		{"add", Item{Operation: models.OperationAdd, Payload: []byte(`{"id":"c1"}`)}, AddMutation{Entity: models.Entity{"id": "c1"}}, false},
		{"put", Item{Operation: models.OperationPut, Payload: []byte(`{"id":"c1","par":72}`)}, PutMutation{Entity: models.Entity{"id": "c1", "par": float64(72)}}, false},
		{"delete", Item{Operation: models.OperationDelete, Payload: []byte(`{"id":"c1"}`)}, DeleteMutation{ID: "c1"}, false},
		{"missing id", Item{Operation: models.OperationPut, Payload: []byte(`{"par":72}`)}, nil, true},
		{"garbage", Item{Operation: models.OperationDelete, Payload: []byte(`[`)}, nil, true},
		{"unknown op", Item{Operation: "upsert", Payload: []byte(`{"id":"c1"}`)}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(&tt.item)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
