package curriculum

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/tutoring"
)

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text))}, nil
}

type fakeStore struct {
	results    []SearchResult
	err        error
	lastFilter SearchFilter
	lastLimit  int
	closed     bool
}

func (f *fakeStore) Search(ctx context.Context, vector []float32, filter SearchFilter, limit int) ([]SearchResult, error) {
	f.lastFilter = filter
	f.lastLimit = limit
	return f.results, f.err
}

func (f *fakeStore) Close() error {
	f.closed = true
	return nil
}

func TestRetriever_Lookup(t *testing.T) {
	store := &fakeStore{results: []SearchResult{
		{ID: "a", Score: 0.9, Title: "Light reactions", Content: "Chlorophyll absorbs light."},
		{ID: "b", Score: 0.8},
	}}
	emb := &fakeEmbedder{}
	r := NewRetriever(store, emb, WithLimit(5), WithMinScore(0.5))

	refs, err := r.Lookup(context.Background(), "biology", "what is photosynthesis")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "a", refs[0].ID)
	assert.Equal(t, "biology", store.lastFilter.Subject)
	assert.InDelta(t, 0.5, store.lastFilter.MinScore, 1e-6)
	assert.Equal(t, 5, store.lastLimit)
}

func TestRetriever_EmptyQuerySkipsEmbedding(t *testing.T) {
	emb := &fakeEmbedder{}
	r := NewRetriever(&fakeStore{}, emb)

	refs, err := r.Lookup(context.Background(), "biology", "   ")
	require.NoError(t, err)
	assert.Empty(t, refs)
	assert.Zero(t, emb.calls)
}

func TestRetriever_EnrichFallsBackOnError(t *testing.T) {
	base := tutoring.DefaultCurriculum("biology")

	r := NewRetriever(&fakeStore{}, &fakeEmbedder{err: assert.AnError})
	got := r.Enrich(context.Background(), base, "biology", "cells")
	assert.Equal(t, base, got)

	r = NewRetriever(&fakeStore{results: []SearchResult{{ID: "x", Content: "Cells divide."}}}, &fakeEmbedder{})
	got = r.Enrich(context.Background(), base, "biology", "cells")
	require.Len(t, got.References, 1)
	assert.Empty(t, base.References)
	assert.Equal(t, base.Level, got.Level)
}

func TestRetriever_Close(t *testing.T) {
	store := &fakeStore{}
	require.NoError(t, NewRetriever(store, &fakeEmbedder{}).Close())
	assert.True(t, store.closed)
}
