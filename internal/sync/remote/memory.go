// Package remote provides remote synchronization endpoints: an in-process
// memory remote, an S3-compatible object store and a Postgres table.
package remote

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kimhsiao/fairway/internal/models"
	"github.com/kimhsiao/fairway/internal/sync/queue"
)

// ErrUnreachable is returned by a Memory remote that has been taken offline.
var ErrUnreachable = stderrors.New("remote unreachable")

// Memory is an in-process remote. It backs the dev server and tests, and can
// inject failures.
type Memory struct {
	mu           sync.Mutex
	data         map[string]map[string]models.Entity
	offline      bool
	pushFailures int
	pullErrors   map[string]error
	pushes       int
}

// NewMemory creates an empty Memory remote.
func NewMemory() *Memory {
	return &Memory{
		data:       make(map[string]map[string]models.Entity),
		pullErrors: make(map[string]error),
	}
}

// Push implements the remote endpoint.
func (m *Memory) Push(ctx context.Context, collection string, mut queue.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pushes++
	if m.offline {
		return ErrUnreachable
	}
	if m.pushFailures > 0 {
		m.pushFailures--
		return fmt.Errorf("injected push failure")
	}

	coll := m.collection(collection)
	switch mt := mut.(type) {
	case queue.AddMutation:
		e := stripLocal(mt.Entity)
		if existing, ok := coll[e.ID()]; ok && !existing.ContentEqual(e) {
			return fmt.Errorf("%s/%s already exists", collection, e.ID())
		}
		coll[e.ID()] = e
	case queue.PutMutation:
		e := stripLocal(mt.Entity)
		coll[e.ID()] = e
	case queue.DeleteMutation:
		delete(coll, mt.ID)
	default:
		return fmt.Errorf("unsupported mutation %T", mut)
	}
	return nil
}

// Pull implements the remote endpoint. Entities are returned ordered by id.
func (m *Memory) Pull(ctx context.Context, collection string) ([]models.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.offline {
		return nil, ErrUnreachable
	}
	if err := m.pullErrors[collection]; err != nil {
		return nil, err
	}

	coll := m.data[collection]
	out := make([]models.Entity, 0, len(coll))
	for _, e := range coll {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

// Seed stores entities directly, bypassing failure injection.
func (m *Memory) Seed(collection string, entities ...models.Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.collection(collection)
	for _, e := range entities {
		coll[e.ID()] = stripLocal(e)
	}
}

// Entity returns a copy of a remote entity, or nil.
func (m *Memory) Entity(collection, id string) models.Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[collection][id].Clone()
}

// SetOffline makes every call fail with ErrUnreachable.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailPushes makes the next n pushes fail.
func (m *Memory) FailPushes(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushFailures = n
}

// FailPull makes pulls of collection fail with err until cleared with nil.
func (m *Memory) FailPull(collection string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.pullErrors, collection)
		return
	}
	m.pullErrors[collection] = err
}

// Pushes returns the number of push attempts seen.
func (m *Memory) Pushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushes
}

func (m *Memory) collection(name string) map[string]models.Entity {
	coll, ok := m.data[name]
	if !ok {
		coll = make(map[string]models.Entity)
		m.data[name] = coll
	}
	return coll
}

// stripLocal drops the local-only synced flag before an entity leaves the device.
func stripLocal(e models.Entity) models.Entity {
	c := e.Clone()
	delete(c, models.FieldSynced)
	return c
}
