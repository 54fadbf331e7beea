// Package store is the key-value contract the locks are built on, with a
// Redis implementation and an in-memory one. Every operation must be atomic
// and strongly consistent at the store.
package store

import (
	"bytes"
	"context"
	"sync"

	dlockerrors "github.com/mirkobrombin/go-dlock/v1/errors"
)

// Store abstracts the remote key-value store holding lock records.
type Store interface {
	// SetNX creates key with value only if it is absent.
	SetNX(ctx context.Context, key string, value []byte) (bool, error)
	// Get returns the value for key. The boolean reports presence.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// GetSet atomically replaces the value and returns the previous one.
	GetSet(ctx context.Context, key string, value []byte) ([]byte, bool, error)
	// Set overwrites key unconditionally.
	Set(ctx context.Context, key string, value []byte) error
	// Del removes key. Deleting a missing key is not an error.
	Del(ctx context.Context, key string) error
	// CompareAndSwap replaces the value of key with next only if the current
	// value equals prev. A nil prev expects the key to be absent and a nil
	// next deletes the key.
	CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error)
	// Close releases the connection to the store.
	Close() error
}

// InMemory is a Store backed by a map, for single-process use and tests.
type InMemory struct {
	mu     sync.Mutex
	items  map[string][]byte
	closed bool
}

// NewInMemory returns an empty in-memory store.
func NewInMemory() *InMemory {
	return &InMemory{items: make(map[string][]byte)}
}

func (s *InMemory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return dlockerrors.ErrConnectionClosed
	}
	return nil
}

// SetNX implements Store.SetNX.
func (s *InMemory) SetNX(ctx context.Context, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	if _, ok := s.items[key]; ok {
		return false, nil
	}
	s.items[key] = clone(value)
	return true, nil
}

// Get implements Store.Get.
func (s *InMemory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}
	v, ok := s.items[key]
	return clone(v), ok, nil
}

// GetSet implements Store.GetSet.
func (s *InMemory) GetSet(ctx context.Context, key string, value []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}
	prev, ok := s.items[key]
	s.items[key] = clone(value)
	return prev, ok, nil
}

// Set implements Store.Set.
func (s *InMemory) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.items[key] = clone(value)
	return nil
}

// Del implements Store.Del.
func (s *InMemory) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	delete(s.items, key)
	return nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *InMemory) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return false, err
	}
	cur, ok := s.items[key]
	if prev == nil {
		if ok {
			return false, nil
		}
	} else if !ok || !bytes.Equal(cur, prev) {
		return false, nil
	}
	if next == nil {
		delete(s.items, key)
	} else {
		s.items[key] = clone(next)
	}
	return true, nil
}

// Close implements Store.Close.
func (s *InMemory) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
