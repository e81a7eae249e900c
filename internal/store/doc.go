// Package store provides the durable collaborators of the core: a document
// store with compare-and-set semantics (credit accounts, ledger entries)
// and an object store (voicebank blobs, rendered audio). Both ship an
// in-memory / filesystem implementation for development and tests and a
// production implementation (Postgres, S3).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrNotFound is returned when a key has no document.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned by CAS when the revision does not match.
var ErrConflict = errors.New("store: revision conflict")

// Doc is one stored document with its revision counter.
type Doc struct {
	Value    json.RawMessage
	Revision int64
}

// DocStore is a keyed JSON document store. CAS with expected revision 0
// creates the key and fails with [ErrConflict] if it already exists.
type DocStore interface {
	Get(ctx context.Context, key string) (Doc, error)
	Put(ctx context.Context, key string, value json.RawMessage) error
	CAS(ctx context.Context, key string, value json.RawMessage, expectedRevision int64) error
	// List returns the keys under prefix, unordered.
	List(ctx context.Context, prefix string) ([]string, error)
}

// MemoryDocStore is the in-memory DocStore used in development and tests.
type MemoryDocStore struct {
	mu   sync.Mutex
	docs map[string]Doc
}

var _ DocStore = (*MemoryDocStore)(nil)

// NewMemoryDocStore creates an empty store.
func NewMemoryDocStore() *MemoryDocStore {
	return &MemoryDocStore{docs: make(map[string]Doc)}
}

func (m *MemoryDocStore) Get(_ context.Context, key string) (Doc, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if !ok {
		return Doc{}, ErrNotFound
	}
	return doc, nil
}

func (m *MemoryDocStore) Put(_ context.Context, key string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.docs[key]
	m.docs[key] = Doc{Value: value, Revision: doc.Revision + 1}
	return nil
}

func (m *MemoryDocStore) CAS(_ context.Context, key string, value json.RawMessage, expectedRevision int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[key]
	if expectedRevision == 0 {
		if ok {
			return ErrConflict
		}
		m.docs[key] = Doc{Value: value, Revision: 1}
		return nil
	}
	if !ok {
		return ErrNotFound
	}
	if doc.Revision != expectedRevision {
		return ErrConflict
	}
	m.docs[key] = Doc{Value: value, Revision: doc.Revision + 1}
	return nil
}

func (m *MemoryDocStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.docs {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
