package engine

import (
	"context"
	"errors"
	"time"

	"github.com/scrypster/lookout/internal/shortterm"
	"github.com/scrypster/lookout/internal/storage"
	"github.com/scrypster/lookout/internal/storage/memkv"
	"github.com/scrypster/lookout/pkg/types"

	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingKV fails every operation, simulating a short-term tier outage.
type failingKV struct{}

var errKVDown = errors.New("kv backend down")

func (failingKV) Get(ctx context.Context, key string) ([]byte, error) { return nil, errKVDown }
func (failingKV) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errKVDown
}
func (failingKV) Exists(ctx context.Context, key string) (bool, error) { return false, errKVDown }
func (failingKV) Delete(ctx context.Context, key string) (bool, error) { return false, errKVDown }
func (failingKV) Pipeline(ctx context.Context, fn func(storage.Pipe) error) error {
	return errKVDown
}
func (failingKV) Close() error { return nil }

var _ storage.KV = failingKV{}

type coordinatorFixture struct {
	store       *mockIdentityStore
	coordinator *Coordinator
}

func newCoordinatorFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	kv, err := memkv.NewStore(memkv.DefaultSize)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	store := newMockIdentityStore()
	cache := shortterm.NewStore(kv, testDim)
	return &coordinatorFixture{
		store:       store,
		coordinator: NewCoordinator(NewAssigner(store, testDim), store, cache, nil, testDim),
	}
}

func storeReq(detectionID, cameraID string, embedding []float32, ts time.Time) StoreRequest {
	return StoreRequest{
		DetectionID: detectionID,
		EntityType:  types.EntityTypePerson,
		Embedding:   embedding,
		CameraID:    cameraID,
		Timestamp:   ts,
	}
}

func TestStoreDetectionEmbeddingWritesBothTiers(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	e := []float32{1, 0, 0, 0}
	result, err := fx.coordinator.StoreDetectionEmbedding(ctx, storeReq("det-1", "cam-1", e, t0))
	require.NoError(t, err)
	assert.True(t, result.IsNew)

	// Persistent tier has the identity.
	got, err := fx.store.Get(ctx, result.Identity.ID)
	require.NoError(t, err)
	assert.Equal(t, "det-1", got.PrimaryDetectionID)

	// Short-term tier serves the sighting back.
	matches, err := fx.coordinator.FindMatches(ctx, FindQuery{
		Embedding:  e,
		EntityType: types.EntityTypePerson,
		Timestamp:  t0.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "det-1", matches[0].Sighting.DetectionID)
	assert.Equal(t, types.SourceShortTerm, matches[0].Source)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)
	assert.InDelta(t, 60.0, matches[0].TimeGapSeconds, 1e-6)
}

func TestStoreDetectionEmbeddingShortTermFailureNotFatal(t *testing.T) {
	store := newMockIdentityStore()
	cache := shortterm.NewStore(failingKV{}, testDim)
	c := NewCoordinator(NewAssigner(store, testDim), store, cache, nil, testDim)
	ctx := context.Background()

	result, err := c.StoreDetectionEmbedding(ctx,
		storeReq("det-1", "cam-1", []float32{1, 0, 0, 0}, time.Now()))
	require.NoError(t, err)
	assert.True(t, result.IsNew)

	// The authoritative write landed despite the cache outage.
	_, err = store.Get(ctx, result.Identity.ID)
	assert.NoError(t, err)
}

func TestStoreDetectionEmbeddingValidation(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()

	_, err := fx.coordinator.StoreDetectionEmbedding(ctx,
		storeReq("det-1", "cam-1", []float32{1, 0}, time.Now()))
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = fx.coordinator.StoreDetectionEmbedding(ctx,
		storeReq("det-1", "", []float32{1, 0, 0, 0}, time.Now()))
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestFindMatchesShortTermFailureDegradesToPersistent(t *testing.T) {
	store := newMockIdentityStore()
	cache := shortterm.NewStore(failingKV{}, testDim)
	c := NewCoordinator(NewAssigner(store, testDim), store, cache, nil, testDim)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	e := []float32{1, 0, 0, 0}
	require.NoError(t, store.Create(ctx, &types.Identity{
		ID:                 "id-1",
		EntityType:         types.EntityTypePerson,
		Embedding:          e,
		CamerasSeen:        []string{"cam-1"},
		DetectionCount:     3,
		PrimaryDetectionID: "det-1",
		LastSeenAt:         t0,
	}))

	matches, err := c.FindMatches(ctx, FindQuery{
		Embedding:         e,
		EntityType:        types.EntityTypePerson,
		IncludeHistorical: true,
		Timestamp:         t0.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, types.SourcePersistent, matches[0].Source)
	assert.Equal(t, "id-1", matches[0].EntityID)
}

func TestFindMatchesPersistentFailureDegradesToShortTerm(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	e := []float32{1, 0, 0, 0}
	_, err := fx.coordinator.StoreDetectionEmbedding(ctx, storeReq("det-1", "cam-1", e, t0))
	require.NoError(t, err)

	fx.store.searchErr = errors.New("postgres down")

	matches, err := fx.coordinator.FindMatches(ctx, FindQuery{
		Embedding:         e,
		EntityType:        types.EntityTypePerson,
		IncludeHistorical: true,
		Timestamp:         t0.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, types.SourceShortTerm, matches[0].Source)
}

func TestFindMatchesDedupesAcrossTiers(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	// One detection lands in both tiers: the sighting goes into the cache,
	// and the same detection id becomes the identity's primary detection.
	e := []float32{1, 0, 0, 0}
	result, err := fx.coordinator.StoreDetectionEmbedding(ctx, storeReq("det-1", "cam-1", e, t0))
	require.NoError(t, err)
	require.True(t, result.IsNew)

	matches, err := fx.coordinator.FindMatches(ctx, FindQuery{
		Embedding:         e,
		EntityType:        types.EntityTypePerson,
		IncludeHistorical: true,
		Timestamp:         t0.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)

	// The short-term record wins when both tiers carry the same detection.
	assert.Equal(t, types.SourceShortTerm, matches[0].Source)
}

func TestFindMatchesOrdering(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	query := []float32{1, 0, 0, 0}

	// Three cached sightings: exact match, near match, and an exact-match
	// twin that is more recent than the first.
	_, err := fx.coordinator.StoreDetectionEmbedding(ctx, storeReq("det-old", "cam-1", []float32{1, 0, 0, 0}, t0))
	require.NoError(t, err)
	_, err = fx.coordinator.StoreDetectionEmbedding(ctx, storeReq("det-near", "cam-1", []float32{1, 0.2, 0, 0}, t0.Add(time.Minute)))
	require.NoError(t, err)
	_, err = fx.coordinator.StoreDetectionEmbedding(ctx, storeReq("det-recent", "cam-1", []float32{1, 0, 0, 0}, t0.Add(2*time.Minute)))
	require.NoError(t, err)

	matches, err := fx.coordinator.FindMatches(ctx, FindQuery{
		Embedding:  query,
		EntityType: types.EntityTypePerson,
		Threshold:  0.5,
		Timestamp:  t0.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, matches, 3)

	// Similarity descending; among the tied exact matches the most recent
	// comes first.
	assert.Equal(t, "det-recent", matches[0].Sighting.DetectionID)
	assert.Equal(t, "det-old", matches[1].Sighting.DetectionID)
	assert.Equal(t, "det-near", matches[2].Sighting.DetectionID)
}

func TestFindMatchesDeterministic(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	for i, e := range [][]float32{
		{1, 0, 0, 0},
		{1, 0.1, 0, 0},
		{1, 0, 0.1, 0},
	} {
		_, err := fx.coordinator.StoreDetectionEmbedding(ctx,
			storeReq("det-"+string(rune('a'+i)), "cam-1", e, t0.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	q := FindQuery{
		Embedding:         []float32{1, 0.05, 0.05, 0},
		EntityType:        types.EntityTypePerson,
		Threshold:         0.5,
		IncludeHistorical: true,
		Timestamp:         t0.Add(time.Hour),
	}

	first, err := fx.coordinator.FindMatches(ctx, q)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := fx.coordinator.FindMatches(ctx, q)
		require.NoError(t, err)
		require.Len(t, again, len(first))
		for j := range first {
			assert.Equal(t, first[j].Sighting.DetectionID, again[j].Sighting.DetectionID)
			assert.Equal(t, first[j].Source, again[j].Source)
		}
	}
}

func TestFindMatchesExcludesOwnDetection(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	e := []float32{1, 0, 0, 0}
	_, err := fx.coordinator.StoreDetectionEmbedding(ctx, storeReq("det-self", "cam-1", e, t0))
	require.NoError(t, err)

	matches, err := fx.coordinator.FindMatches(ctx, FindQuery{
		Embedding:          e,
		EntityType:         types.EntityTypePerson,
		ExcludeDetectionID: "det-self",
		IncludeHistorical:  true,
		Timestamp:          t0.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestFindMatchesValidation(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()

	_, err := fx.coordinator.FindMatches(ctx, FindQuery{
		Embedding:  []float32{1, 0},
		EntityType: types.EntityTypePerson,
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	_, err = fx.coordinator.FindMatches(ctx, FindQuery{
		Embedding:  []float32{1, 0, 0, 0},
		EntityType: "spaceship",
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestCoordinatorPassthroughs(t *testing.T) {
	fx := newCoordinatorFixture(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	result, err := fx.coordinator.StoreDetectionEmbedding(ctx,
		storeReq("det-1", "cam-1", []float32{1, 0, 0, 0}, t0))
	require.NoError(t, err)

	got, err := fx.coordinator.GetEntityFullHistory(ctx, result.Identity.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Identity.ID, got.ID)

	_, err = fx.coordinator.GetEntityFullHistory(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	page, err := fx.coordinator.GetEntitiesByTimeRange(ctx, storage.ListOptions{
		EntityType: types.EntityTypePerson,
		SeenAfter:  t0.Add(-time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)

	counts, err := fx.coordinator.CountsByType(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.EntityTypePerson])
}
