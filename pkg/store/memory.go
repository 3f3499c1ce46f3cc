package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/user/scanrelay/pkg/engine"
)

// MemoryStore keeps encoded snapshots in process. Used for dry runs.
type MemoryStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	refs     map[string][]Ref
	MaxBytes int
	now      func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:  make(map[string][]byte),
		refs:     make(map[string][]Ref),
		MaxBytes: DefaultMaxBytes,
		now:      time.Now,
	}
}

func (m *MemoryStore) List(ctx context.Context, scope string) ([]Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := append([]Ref(nil), m.refs[scope]...)
	sortRefs(refs)
	return refs, nil
}

func (m *MemoryStore) Fetch(ctx context.Context, ref Ref) (*engine.Snapshot, error) {
	m.mu.Lock()
	data, ok := m.objects[ref.URI]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref.URI, ErrSnapshotUnavailable)
	}
	return Decode(data)
}

func (m *MemoryStore) Store(ctx context.Context, batch engine.Batch) (Ref, error) {
	data, _, err := Encode(engine.NewSnapshot(batch, m.now()), m.MaxBytes)
	if err != nil {
		return Ref{}, err
	}
	ref := Ref{
		Scope:  batch.Scope,
		Number: batch.Number,
		URI:    fmt.Sprintf("memory://%s/%s", ScopeDir(batch.Scope), objectName(batch.Number, shortID())),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[ref.URI] = data
	m.refs[batch.Scope] = append(m.refs[batch.Scope], ref)
	return ref, nil
}

// Corrupt replaces the stored document behind ref
func (m *MemoryStore) Corrupt(ref Ref, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[ref.URI] = data
}
