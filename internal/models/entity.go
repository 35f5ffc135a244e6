// Package models provides data model definitions for the Fairway data layer.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// Well-known entity fields.
const (
	FieldID           = "id"
	FieldLastModified = "lastModified"
	FieldSynced       = "synced"
)

// Entity is a schema-free domain record. The only field the store relies on
// is a string "id"; lastModified and synced are optional bookkeeping.
type Entity map[string]any

// ID returns the entity id, or "" when missing or not a string.
func (e Entity) ID() string {
	if e == nil {
		return ""
	}
	id, _ := e[FieldID].(string)
	return id
}

// LastModified returns the lastModified timestamp and whether it is present.
func (e Entity) LastModified() (int64, bool) {
	if e == nil {
		return 0, false
	}
	return toInt64(e[FieldLastModified])
}

// Synced reports the synced flag. Missing means false.
func (e Entity) Synced() bool {
	if e == nil {
		return false
	}
	b, _ := e[FieldSynced].(bool)
	return b
}

// Clone returns a deep copy of the entity.
func (e Entity) Clone() Entity {
	if e == nil {
		return nil
	}
	return deepCopyMap(e)
}

// WithLastModified returns a copy with lastModified set.
func (e Entity) WithLastModified(ts int64) Entity {
	c := e.Clone()
	if c == nil {
		c = Entity{}
	}
	c[FieldLastModified] = ts
	return c
}

// WithSynced returns a copy with the synced flag set.
func (e Entity) WithSynced(synced bool) Entity {
	c := e.Clone()
	if c == nil {
		c = Entity{}
	}
	c[FieldSynced] = synced
	return c
}

// CanonicalJSON serializes the entity with sorted keys, omitting the given fields.
func (e Entity) CanonicalJSON(exclude ...string) ([]byte, error) {
	if e == nil {
		return []byte("null"), nil
	}
	view := make(map[string]any, len(e))
	for k, v := range e {
		view[k] = v
	}
	for _, k := range exclude {
		delete(view, k)
	}
	// encoding/json sorts map keys.
	return json.Marshal(view)
}

// ContentEqual compares serialized content, ignoring the local synced flag.
func (e Entity) ContentEqual(other Entity) bool {
	a, errA := e.CanonicalJSON(FieldSynced)
	b, errB := other.CanonicalJSON(FieldSynced)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// EntityFromJSON decodes a JSON object into an Entity.
func EntityFromJSON(data []byte) (Entity, error) {
	var e Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}
	return e, nil
}

// ToEntity converts a JSON-serializable struct into an Entity.
func ToEntity(v any) (Entity, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entity: %w", err)
	}
	return EntityFromJSON(data)
}

// FromEntity decodes an Entity into a struct.
func FromEntity(e Entity, v any) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode entity: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode entity: %w", err)
	}
	return nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	default:
		return 0, false
	}
}

func deepCopyMap(m map[string]any) Entity {
	out := make(Entity, len(m))
	for k, v := range m {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case Entity:
		return deepCopyMap(t)
	case map[string]any:
		return map[string]any(deepCopyMap(t))
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
