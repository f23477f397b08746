package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// OperationStore persists the whole pending queue under one key as a JSON array.
type OperationStore struct {
	backend Backend
	key     string
}

func NewOperationStore(backend Backend, key string) *OperationStore {
	return &OperationStore{backend: backend, key: key}
}

// Load returns the persisted queue in its stored order. A missing key is an
// empty queue. Content that cannot be decoded is reported with an error and
// no operations; there is no partial recovery.
func (s *OperationStore) Load(ctx context.Context) ([]PendingOperation, error) {
	data, err := s.backend.Get(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load operations: %w", err)
	}
	ops, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("load operations: %w", err)
	}
	return ops, nil
}

func (s *OperationStore) Save(ctx context.Context, ops []PendingOperation) error {
	data, err := Encode(ops)
	if err != nil {
		return fmt.Errorf("save operations: %w", err)
	}
	if err := s.backend.Set(ctx, s.key, data); err != nil {
		return fmt.Errorf("save operations: %w", err)
	}
	return nil
}

func (s *OperationStore) Clear(ctx context.Context) error {
	if err := s.backend.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("clear operations: %w", err)
	}
	return nil
}

// Encode serializes ops as a JSON array; an empty queue encodes as [].
func Encode(ops []PendingOperation) ([]byte, error) {
	if ops == nil {
		ops = []PendingOperation{}
	}
	return json.Marshal(ops)
}

func Decode(data []byte) ([]PendingOperation, error) {
	var ops []PendingOperation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("decode operations: %w", err)
	}
	seen := make(map[string]bool, len(ops))
	for _, op := range ops {
		if seen[op.ID] {
			return nil, fmt.Errorf("decode operations: duplicate id %s", op.ID)
		}
		seen[op.ID] = true
	}
	return ops, nil
}
