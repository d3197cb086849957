// Package shortterm implements the date-partitioned, TTL-bound cache of
// recent sightings. Buckets are keyed by the UTC calendar date of the
// sighting's timestamp and expire 24 hours after their last write, so the
// cache holds roughly the last day or two of observations with no
// application-level sweep.
package shortterm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/scrypster/lookout/internal/storage"
	"github.com/scrypster/lookout/pkg/types"
)

// BucketTTL is how long a date bucket survives after its last write.
const BucketTTL = 24 * time.Hour

// keyPrefix is the short-term key scheme: entity_embeddings:{ISO-date}.
const keyPrefix = "entity_embeddings:"

// Store is the short-term sighting cache over a KV collaborator.
type Store struct {
	kv        storage.KV
	dimension int

	// mu serializes bucket read-modify-writes within this process. The
	// bucket value is rewritten whole on every append, so unserialized
	// writers would be last-write-wins.
	mu sync.Mutex
}

// NewStore creates a short-term store over kv, validating sightings against
// the given embedding dimension.
func NewStore(kv storage.KV, dimension int) *Store {
	return &Store{kv: kv, dimension: dimension}
}

// bucket is the stored value for one date: per-type lists of serialized
// sightings. Entries stay raw so one malformed record never poisons the
// rest of the bucket.
type bucket map[string][]json.RawMessage

// typeKey maps an entity type to its bucket list name.
func typeKey(t types.EntityType) string {
	switch t {
	case types.EntityTypePerson:
		return "persons"
	case types.EntityTypeVehicle:
		return "vehicles"
	default:
		return string(t) + "s"
	}
}

// BucketKey returns the cache key for the UTC calendar date of ts.
func BucketKey(ts time.Time) string {
	return keyPrefix + ts.UTC().Format("2006-01-02")
}

// Write appends the sighting to its date bucket and resets the bucket TTL.
// The read-modify-write runs under the store mutex so concurrent writers in
// this process cannot drop each other's appends.
func (s *Store) Write(ctx context.Context, sighting *types.Sighting) error {
	if err := sighting.Validate(s.dimension); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	entry, err := json.Marshal(sighting)
	if err != nil {
		return fmt.Errorf("shortterm: failed to marshal sighting: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := BucketKey(sighting.Timestamp)
	b := s.loadBucket(ctx, key)
	listKey := typeKey(sighting.EntityType)
	b[listKey] = append(b[listKey], entry)

	value, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("shortterm: failed to marshal bucket: %w", err)
	}

	if err := s.kv.SetWithTTL(ctx, key, value, BucketTTL); err != nil {
		return fmt.Errorf("shortterm: failed to write bucket %s: %w", key, err)
	}

	return nil
}

// ReadCandidates returns the deduplicated union of cached sightings of the
// given type from the buckets for around's date and the day before (so a
// query just after midnight still sees last evening's sightings). A
// sighting with detection id excludeDetectionID is omitted. Malformed
// cached records are skipped with a warning rather than failing the read.
func (s *Store) ReadCandidates(ctx context.Context, entityType types.EntityType, around time.Time, excludeDetectionID string) ([]types.Sighting, error) {
	if !entityType.Valid() {
		return nil, fmt.Errorf("%w: invalid entity type %q", storage.ErrInvalidInput, entityType)
	}

	keys := []string{
		BucketKey(around),
		BucketKey(around.AddDate(0, 0, -1)),
	}

	seen := make(map[string]bool)
	candidates := []types.Sighting{}

	for _, key := range keys {
		value, err := s.kv.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("shortterm: failed to read bucket %s: %w", key, err)
		}

		var b bucket
		if err := json.Unmarshal(value, &b); err != nil {
			log.Printf("shortterm: skipping malformed bucket %s: %v", key, err)
			continue
		}

		for _, raw := range b[typeKey(entityType)] {
			var sighting types.Sighting
			if err := json.Unmarshal(raw, &sighting); err != nil {
				log.Printf("shortterm: skipping malformed record in bucket %s: %v", key, err)
				continue
			}
			if sighting.DetectionID == "" || sighting.DetectionID == excludeDetectionID {
				continue
			}
			if seen[sighting.DetectionID] {
				continue
			}
			seen[sighting.DetectionID] = true
			candidates = append(candidates, sighting)
		}
	}

	return candidates, nil
}

// loadBucket reads and decodes the bucket at key, returning an empty bucket
// when the key is absent or the stored value cannot be decoded (the
// undecodable value is about to be rewritten anyway, and losing it beats
// wedging every future write to that date).
func (s *Store) loadBucket(ctx context.Context, key string) bucket {
	value, err := s.kv.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return bucket{}
	}
	if err != nil {
		log.Printf("shortterm: failed to read bucket %s, starting fresh: %v", key, err)
		return bucket{}
	}

	var b bucket
	if err := json.Unmarshal(value, &b); err != nil {
		log.Printf("shortterm: resetting malformed bucket %s: %v", key, err)
		return bucket{}
	}
	return b
}
