package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/scanrelay/pkg/engine"
)

type failingLister struct{ *MemoryStore }

func (failingLister) List(context.Context, string) ([]Ref, error) {
	return nil, errors.New("permission denied")
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestLoadPriorCountsUnavailable(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()

	ref1, err := ms.Store(ctx, testBatch("security", 1, "a"))
	require.NoError(t, err)
	ref2, err := ms.Store(ctx, testBatch("security", 2, "b"))
	require.NoError(t, err)
	ms.Corrupt(ref2, []byte("{"))

	prior := LoadPrior(ctx, ms, "security", nil, discard())
	require.Len(t, prior.Snapshots, 1)
	assert.Equal(t, 1, prior.Snapshots[0].Number)
	assert.Equal(t, []Ref{ref1}, prior.Loaded)
	assert.Equal(t, 1, prior.Unavailable)
	assert.Equal(t, []Ref{ref1, ref2}, prior.Refs)
}

func TestLoadPriorMergesKnownRefs(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	ref, err := ms.Store(ctx, testBatch("security", 1, "a"))
	require.NoError(t, err)

	// the same ref reported by the tracker is not fetched twice
	prior := LoadPrior(ctx, ms, "security", []Ref{ref, {Scope: "security", Number: 4, URI: "memory://security/gone"}}, discard())
	assert.Len(t, prior.Refs, 2)
	assert.Len(t, prior.Snapshots, 1)
	assert.Equal(t, 1, prior.Unavailable)
}

func TestLoadPriorFailsOpen(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	ref, err := ms.Store(ctx, engine.Batch{Scope: "security", Number: 1, Total: 1})
	require.NoError(t, err)

	prior := LoadPrior(ctx, failingLister{ms}, "security", []Ref{ref}, discard())
	assert.Len(t, prior.Snapshots, 1)
	assert.Zero(t, prior.Unavailable)

	prior = LoadPrior(ctx, failingLister{ms}, "security", nil, discard())
	assert.Empty(t, prior.Snapshots)
}
