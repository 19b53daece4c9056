// Package mutable reads and writes the daemon's mutable key/value records.
// Keys and values are any JSON value.
package mutable

import (
	"context"
	"encoding/json"
	"fmt"
)

// Gateway is implemented by *daemon.Client.
type Gateway interface {
	MutableSet(ctx context.Context, key, value json.RawMessage) error
	MutableGet(ctx context.Context, key json.RawMessage) (json.RawMessage, bool, error)
	MutableDelete(ctx context.Context, key json.RawMessage) error
}

type Store struct {
	gw Gateway
}

func New(gw Gateway) *Store { return &Store{gw: gw} }

func (s *Store) Set(ctx context.Context, key, value any) error {
	k, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("invalid mutable key: %w", err)
	}
	v, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("invalid mutable value: %w", err)
	}
	if err := s.gw.MutableSet(ctx, k, v); err != nil {
		return fmt.Errorf("unable to set value for key %s: %w", k, err)
	}
	return nil
}

// Get decodes the value for key into out. found is false for unset keys and
// leaves out untouched.
func (s *Store) Get(ctx context.Context, key, out any) (found bool, err error) {
	k, err := json.Marshal(key)
	if err != nil {
		return false, fmt.Errorf("invalid mutable key: %w", err)
	}
	raw, found, err := s.gw.MutableGet(ctx, k)
	if err != nil {
		return false, fmt.Errorf("unable to get value for key %s: %w", k, err)
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("unable to decode value for key %s: %w", k, err)
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, key any) error {
	k, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("invalid mutable key: %w", err)
	}
	if err := s.gw.MutableDelete(ctx, k); err != nil {
		return fmt.Errorf("unable to delete value for key %s: %w", k, err)
	}
	return nil
}
