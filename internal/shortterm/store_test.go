package shortterm

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/lookout/internal/storage"
	"github.com/scrypster/lookout/internal/storage/memkv"
	"github.com/scrypster/lookout/pkg/types"
)

const dim = 4

func newTestStore(t *testing.T) (*Store, storage.KV) {
	t.Helper()
	kv, err := memkv.NewStore(64)
	require.NoError(t, err)
	return NewStore(kv, dim), kv
}

func sighting(detectionID, cameraID string, entityType types.EntityType, ts time.Time) *types.Sighting {
	return &types.Sighting{
		EntityType:  entityType,
		Embedding:   []float32{1, 2, 3, 4},
		CameraID:    cameraID,
		Timestamp:   ts,
		DetectionID: detectionID,
		Attributes:  map[string]string{"color": "red"},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

	original := sighting("det-1", "cam-1", types.EntityTypePerson, now)
	require.NoError(t, s.Write(ctx, original))

	candidates, err := s.ReadCandidates(ctx, types.EntityTypePerson, now, "")
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	got := candidates[0]
	assert.Equal(t, original.EntityType, got.EntityType)
	assert.Equal(t, original.CameraID, got.CameraID)
	assert.Equal(t, original.DetectionID, got.DetectionID)
	assert.Equal(t, original.Attributes, got.Attributes)
	assert.True(t, original.Timestamp.Equal(got.Timestamp))
	assert.Equal(t, original.Embedding, got.Embedding)
}

func TestReadCandidatesFiltersByType(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

	require.NoError(t, s.Write(ctx, sighting("det-p", "cam-1", types.EntityTypePerson, now)))
	require.NoError(t, s.Write(ctx, sighting("det-v", "cam-1", types.EntityTypeVehicle, now)))

	persons, err := s.ReadCandidates(ctx, types.EntityTypePerson, now, "")
	require.NoError(t, err)
	require.Len(t, persons, 1)
	assert.Equal(t, "det-p", persons[0].DetectionID)

	vehicles, err := s.ReadCandidates(ctx, types.EntityTypeVehicle, now, "")
	require.NoError(t, err)
	require.Len(t, vehicles, 1)
	assert.Equal(t, "det-v", vehicles[0].DetectionID)
}

func TestReadCandidatesExcludesDetection(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

	require.NoError(t, s.Write(ctx, sighting("det-1", "cam-1", types.EntityTypePerson, now)))
	require.NoError(t, s.Write(ctx, sighting("det-2", "cam-2", types.EntityTypePerson, now)))

	candidates, err := s.ReadCandidates(ctx, types.EntityTypePerson, now, "det-1")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "det-2", candidates[0].DetectionID)
}

func TestReadCandidatesSpansMidnight(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	lateEvening := time.Date(2026, 3, 13, 23, 50, 0, 0, time.UTC)
	afterMidnight := time.Date(2026, 3, 14, 0, 10, 0, 0, time.UTC)

	require.NoError(t, s.Write(ctx, sighting("det-late", "cam-1", types.EntityTypePerson, lateEvening)))

	// Queried just after midnight, yesterday's bucket is still in scope.
	candidates, err := s.ReadCandidates(ctx, types.EntityTypePerson, afterMidnight, "")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "det-late", candidates[0].DetectionID)
}

func TestReadCandidatesDeduplicates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

	// The same detection written twice must be reported once.
	require.NoError(t, s.Write(ctx, sighting("det-1", "cam-1", types.EntityTypePerson, now)))
	require.NoError(t, s.Write(ctx, sighting("det-1", "cam-1", types.EntityTypePerson, now)))

	candidates, err := s.ReadCandidates(ctx, types.EntityTypePerson, now, "")
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
}

func TestReadCandidatesSkipsMalformedRecord(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

	require.NoError(t, s.Write(ctx, sighting("det-ok", "cam-1", types.EntityTypePerson, now)))

	// Inject a corrupt record next to the good one.
	key := BucketKey(now)
	raw, err := kv.Get(ctx, key)
	require.NoError(t, err)

	var b map[string][]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &b))
	b["persons"] = append(b["persons"], json.RawMessage(`{"entity_type": 42}`))
	mutated, err := json.Marshal(b)
	require.NoError(t, err)
	require.NoError(t, kv.SetWithTTL(ctx, key, mutated, BucketTTL))

	candidates, err := s.ReadCandidates(ctx, types.EntityTypePerson, now, "")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "det-ok", candidates[0].DetectionID)
}

func TestWriteRejectsWrongDimension(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	bad := sighting("det-1", "cam-1", types.EntityTypePerson, time.Now())
	bad.Embedding = []float32{1, 2}

	err := s.Write(ctx, bad)
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestWritesLandInTimestampDateBucket(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 3, 14, 2, 0, 0, 0, time.UTC)
	require.NoError(t, s.Write(ctx, sighting("det-1", "cam-1", types.EntityTypePerson, ts)))

	exists, err := kv.Exists(ctx, "entity_embeddings:2026-03-14")
	require.NoError(t, err)
	assert.True(t, exists)
}
