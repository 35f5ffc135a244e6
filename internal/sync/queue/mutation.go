package queue

import (
	"encoding/json"
	"fmt"

	"github.com/kimhsiao/fairway/internal/models"
)

// Mutation is one write intent. It is a closed set: AddMutation, PutMutation
// and DeleteMutation. Consumers switch on the concrete type.
type Mutation interface {
	Operation() models.Operation
	EntityID() string
	isMutation()
}

// AddMutation inserts an entity that must not already exist remotely.
type AddMutation struct {
	Entity models.Entity
}

// PutMutation inserts or replaces an entity.
type PutMutation struct {
	Entity models.Entity
}

// DeleteMutation removes an entity by id.
type DeleteMutation struct {
	ID string
}

func (AddMutation) Operation() models.Operation    { return models.OperationAdd }
func (PutMutation) Operation() models.Operation    { return models.OperationPut }
func (DeleteMutation) Operation() models.Operation { return models.OperationDelete }

func (m AddMutation) EntityID() string    { return m.Entity.ID() }
func (m PutMutation) EntityID() string    { return m.Entity.ID() }
func (m DeleteMutation) EntityID() string { return m.ID }

func (AddMutation) isMutation()    {}
func (PutMutation) isMutation()    {}
func (DeleteMutation) isMutation() {}

type deletePayload struct {
	ID string `json:"id"`
}

// encodeMutation returns the operation and payload persisted for m.
func encodeMutation(m Mutation) (models.Operation, json.RawMessage, error) {
	if m == nil {
		return "", nil, fmt.Errorf("nil mutation")
	}
	if m.EntityID() == "" {
		return "", nil, fmt.Errorf("%s mutation has no entity id", m.Operation())
	}

	var (
		payload []byte
		err     error
	)
	switch mut := m.(type) {
	case AddMutation:
		payload, err = json.Marshal(mut.Entity)
	case PutMutation:
		payload, err = json.Marshal(mut.Entity)
	case DeleteMutation:
		payload, err = json.Marshal(deletePayload{ID: mut.ID})
	default:
		return "", nil, fmt.Errorf("unknown mutation type %T", m)
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode %s payload: %w", m.Operation(), err)
	}
	return m.Operation(), payload, nil
}

// Decode rebuilds the mutation an item carries.
func Decode(item *models.SyncQueueItem) (Mutation, error) {
	switch item.Operation {
	case models.OperationAdd, models.OperationPut:
		e, err := models.EntityFromJSON(item.Payload)
		if err != nil {
			return nil, err
		}
		if e.ID() == "" {
			return nil, fmt.Errorf("%s payload has no entity id", item.Operation)
		}
		if item.Operation == models.OperationAdd {
			return AddMutation{Entity: e}, nil
		}
		return PutMutation{Entity: e}, nil
	case models.OperationDelete:
		var p deletePayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode delete payload: %w", err)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("delete payload has no entity id")
		}
		return DeleteMutation{ID: p.ID}, nil
	default:
		return nil, fmt.Errorf("unknown operation %q", item.Operation)
	}
}
