// Package keystore is the secure credential storage used for this node's
// identity and pinned peer certificates.
package keystore

import (
	"errors"
	"sort"
	"sync"
)

// ErrNotFound indicates no item is stored under a label.
var ErrNotFound = errors.New("keystore: not found")

// Store keeps opaque secret blobs under string labels.
type Store interface {
	Put(label string, data []byte) error
	// Get returns ErrNotFound when nothing is stored under label.
	Get(label string) ([]byte, error)
	// Delete removes label; a missing label is not an error.
	Delete(label string) error
	// DeleteAll removes every label for which match returns true, continuing
	// past individual failures and returning them combined.
	DeleteAll(match func(label string) bool) error
	Labels() ([]string, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]byte)}
}

func (s *MemoryStore) Put(label string, data []byte) error {
	if label == "" {
		return errors.New("keystore: label is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[label] = append([]byte(nil), data...)
	return nil
}

func (s *MemoryStore) Get(label string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.items[label]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Delete(label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, label)
	return nil
}

func (s *MemoryStore) DeleteAll(match func(label string) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for label := range s.items {
		if match == nil || match(label) {
			delete(s.items, label)
		}
	}
	return nil
}

func (s *MemoryStore) Labels() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	labels := make([]string, 0, len(s.items))
	for label := range s.items {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels, nil
}
