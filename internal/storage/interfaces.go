// Package storage defines the storage contracts for the re-identification
// engine: a single KV capability interface implemented by every cache
// collaborator, and the IdentityStore interface backing the persistent tier.
//
// The interfaces are deliberately small so backends can be swapped without
// the callers inspecting what kind of handle they were given.
package storage

import (
	"context"
	"time"

	"github.com/scrypster/lookout/pkg/types"
)

// KV is the capability interface every cache-tier collaborator implements:
// byte values, per-key TTLs, and an atomic multi-key pipeline. Callers never
// type-switch on the concrete backend.
type KV interface {
	// Get returns the value for key, or ErrNotFound when the key is absent
	// or its TTL has elapsed.
	Get(ctx context.Context, key string) ([]byte, error)

	// SetWithTTL stores value under key. A ttl of zero means no expiry.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes key and reports whether it was present.
	Delete(ctx context.Context, key string) (bool, error)

	// Pipeline runs fn against a Pipe whose operations are applied in one
	// atomic round trip: either every queued write lands or none does.
	Pipeline(ctx context.Context, fn func(Pipe) error) error

	// Close releases any resources held by the store.
	Close() error
}

// Pipe is the handle passed to Pipeline callbacks. Reads observe the state
// at the start of the pipeline; writes are applied atomically when the
// callback returns nil.
type Pipe interface {
	Get(key string) ([]byte, error)
	SetWithTTL(key string, value []byte, ttl time.Duration)
	Delete(key string)
}

// IdentityStore is the persistent tier: durable identity records queryable
// by vector similarity, id, and time range. It is the source of truth; the
// short-term tier may lag behind it.
type IdentityStore interface {
	// SearchSimilar returns up to limit identities of the given type whose
	// cosine similarity to embedding is at least threshold, most similar
	// first. Ties are broken by lowest identity id.
	SearchSimilar(ctx context.Context, entityType types.EntityType, embedding []float32, threshold float64, limit int) ([]SimilarIdentity, error)

	// Create inserts a new identity. The identity's ID must be set.
	Create(ctx context.Context, identity *types.Identity) error

	// Get retrieves an identity by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*types.Identity, error)

	// Update persists in-place mutations of an existing identity
	// (detection count, camera set, attributes, last seen). Returns
	// ErrNotFound if the identity does not exist.
	Update(ctx context.Context, identity *types.Identity) error

	// ListByTimeRange lists identities with pagination, filtered and
	// ordered by last_seen_at descending.
	ListByTimeRange(ctx context.Context, opts ListOptions) (*PaginatedResult[types.Identity], error)

	// CountsByType returns the number of identities per entity type.
	CountsByType(ctx context.Context) (map[types.EntityType]int, error)

	// Close releases any resources held by the store.
	Close() error
}
