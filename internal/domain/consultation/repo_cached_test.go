package consultation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemed/telemed/internal/platform/cache"
)

type memStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	getErr  error
	gets    int
	deletes []string
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.getErr != nil {
		return nil, m.getErr
	}
	v, ok := m.data[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return v, nil
}

func (m *memStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
		m.deletes = append(m.deletes, k)
	}
	return nil
}

// countingRepo records how often the inner store is hit.
type countingRepo struct {
	*mockRepo
	gets, transcriptGets int
}

func (c *countingRepo) GetBySession(ctx context.Context, id string) (*Consultation, error) {
	c.gets++
	return c.mockRepo.GetBySession(ctx, id)
}

func (c *countingRepo) GetTranscript(ctx context.Context, id string) (*Transcript, error) {
	c.transcriptGets++
	return c.mockRepo.GetTranscript(ctx, id)
}

func TestCachedRepository_ReadThrough(t *testing.T) {
	inner := &countingRepo{mockRepo: newMockRepo()}
	inner.records["s1"] = &Consultation{SessionID: "s1", Record: &StructuredRecord{Symptoms: []string{"fever"}}}
	store := newMemStore()
	repo := NewCachedRepository(inner, store, time.Minute, zerolog.Nop())
	ctx := context.Background()

	first, err := repo.GetBySession(ctx, "s1")
	require.NoError(t, err)
	second, err := repo.GetBySession(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, 1, inner.gets, "second read should be served from cache")
	assert.Equal(t, first.Record.Symptoms, second.Record.Symptoms)
	assert.Contains(t, store.data, "consultation:s1")
}

func TestCachedRepository_SaveInvalidates(t *testing.T) {
	inner := &countingRepo{mockRepo: newMockRepo()}
	store := newMemStore()
	repo := NewCachedRepository(inner, store, time.Minute, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &Consultation{SessionID: "s1", Record: &StructuredRecord{Symptoms: []string{"a"}}}))
	_, err := repo.GetBySession(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, repo.Save(ctx, &Consultation{SessionID: "s1", Record: &StructuredRecord{Symptoms: []string{"b"}}}))
	got, err := repo.GetBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got.Record.Symptoms)
	assert.Equal(t, 2, inner.gets)
}

func TestCachedRepository_MarkReviewedInvalidates(t *testing.T) {
	inner := &countingRepo{mockRepo: newMockRepo()}
	inner.records["s1"] = &Consultation{SessionID: "s1", Record: NewStructuredRecord()}
	store := newMemStore()
	repo := NewCachedRepository(inner, store, time.Minute, zerolog.Nop())
	ctx := context.Background()

	_, err := repo.GetBySession(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, repo.MarkReviewed(ctx, "s1", "dr", time.Now()))

	got, err := repo.GetBySession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.Reviewed())
}

func TestCachedRepository_TranscriptInvalidation(t *testing.T) {
	inner := &countingRepo{mockRepo: newMockRepo()}
	store := newMemStore()
	repo := NewCachedRepository(inner, store, time.Minute, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, repo.SaveTranscript(ctx, &Transcript{SessionID: "s1", Text: "v1"}))
	_, err := repo.GetTranscript(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, repo.SaveTranscript(ctx, &Transcript{SessionID: "s1", Text: "v2"}))

	got, err := repo.GetTranscript(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Text)
	assert.Equal(t, 2, inner.transcriptGets)
	assert.Contains(t, store.deletes, "transcript:s1")
}

func TestCachedRepository_NotFoundNotCached(t *testing.T) {
	inner := &countingRepo{mockRepo: newMockRepo()}
	store := newMemStore()
	repo := NewCachedRepository(inner, store, time.Minute, zerolog.Nop())

	_, err := repo.GetBySession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, store.data)
}

func TestCachedRepository_CacheFailureFallsBack(t *testing.T) {
	inner := &countingRepo{mockRepo: newMockRepo()}
	inner.records["s1"] = &Consultation{SessionID: "s1", Record: NewStructuredRecord()}
	store := newMemStore()
	store.getErr = errors.New("connection refused")
	repo := NewCachedRepository(inner, store, time.Minute, zerolog.Nop())

	got, err := repo.GetBySession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
}

func TestCachedRepository_CorruptEntryDiscarded(t *testing.T) {
	inner := &countingRepo{mockRepo: newMockRepo()}
	inner.records["s1"] = &Consultation{SessionID: "s1", Record: NewStructuredRecord()}
	store := newMemStore()
	store.data["consultation:s1"] = []byte("{not json")
	repo := NewCachedRepository(inner, store, time.Minute, zerolog.Nop())

	got, err := repo.GetBySession(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, 1, inner.gets)
}

func TestCachedRepository_ListSessionsPassesThrough(t *testing.T) {
	inner := &countingRepo{mockRepo: newMockRepo()}
	inner.transcripts["a"] = &Transcript{SessionID: "a"}
	repo := NewCachedRepository(inner, newMemStore(), time.Minute, zerolog.Nop())

	ids, total, err := repo.ListSessions(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, []string{"a"}, ids)
}
