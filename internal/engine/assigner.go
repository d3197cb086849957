// Package engine contains the re-identification core: the assigner that
// maps incoming embeddings onto durable identities, and the coordinator
// that bridges the short-term and persistent storage tiers.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/lookout/internal/storage"
	"github.com/scrypster/lookout/pkg/types"
)

const (
	// DefaultThreshold is the minimum cosine similarity for a detection to
	// be assigned to an existing identity.
	DefaultThreshold = 0.85

	// DefaultCandidateLimit bounds the similarity search so assignment
	// never degenerates into a full-table scan.
	DefaultCandidateLimit = 20
)

// Assigner maps an incoming embedding to a durable identity, creating one
// when nothing similar exists.
//
// The search-then-write is serialized per entity type with an in-process
// lock, so two concurrent first sightings of the same subject in one worker
// cannot both become "new". Across worker processes the window remains; the
// persistent store's monotonic update guards keep counts correct, but
// cross-process duplicate-identity prevention would need an external
// coordinator and is deliberately not attempted here.
type Assigner struct {
	store          storage.IdentityStore
	dimension      int
	candidateLimit int
	now            func() time.Time

	mu    sync.Mutex
	locks map[types.EntityType]*sync.Mutex
}

// NewAssigner creates an assigner against the persistent identity store.
func NewAssigner(store storage.IdentityStore, dimension int) *Assigner {
	return &Assigner{
		store:          store,
		dimension:      dimension,
		candidateLimit: DefaultCandidateLimit,
		now:            time.Now,
		locks:          make(map[types.EntityType]*sync.Mutex),
	}
}

// AssignRequest describes one detection to be assigned.
type AssignRequest struct {
	DetectionID string
	EntityType  types.EntityType
	Embedding   []float32
	CameraID    string
	Timestamp   time.Time
	Attributes  map[string]string

	// Threshold overrides DefaultThreshold when positive.
	Threshold float64
}

// AssignResult is the outcome of an assignment.
type AssignResult struct {
	// Identity is the matched or newly created identity.
	Identity *types.Identity

	// IsNew reports whether a new identity was created.
	IsNew bool

	// Similarity is the cosine similarity to the matched identity; nil
	// when a new identity was created.
	Similarity *float64
}

// AssignEntity searches persisted identities of the detection's type within
// the candidate limit, assigns the detection to the highest-similarity
// candidate at or above the threshold (ties resolve to the lowest identity
// id), and otherwise creates a new identity seeded by this detection.
func (a *Assigner) AssignEntity(ctx context.Context, req AssignRequest) (*AssignResult, error) {
	if !req.EntityType.Valid() {
		return nil, fmt.Errorf("%w: invalid entity type %q", storage.ErrInvalidInput, req.EntityType)
	}
	if len(req.Embedding) != a.dimension {
		return nil, fmt.Errorf("%w: embedding dimension %d, want %d",
			storage.ErrInvalidInput, len(req.Embedding), a.dimension)
	}
	if req.DetectionID == "" {
		return nil, fmt.Errorf("%w: detection id is required", storage.ErrInvalidInput)
	}

	threshold := req.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	lock := a.typeLock(req.EntityType)
	lock.Lock()
	defer lock.Unlock()

	candidates, err := a.store.SearchSimilar(ctx, req.EntityType, req.Embedding, threshold, a.candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("engine: candidate search failed: %w", err)
	}

	if len(candidates) > 0 {
		// The store returns candidates most similar first with id as the
		// tiebreaker, so the head is the match.
		best := candidates[0]
		best.Identity.RecordSighting(req.CameraID, req.Timestamp, req.Attributes)

		if err := a.store.Update(ctx, best.Identity); err != nil {
			return nil, fmt.Errorf("engine: failed to update identity %s: %w", best.Identity.ID, err)
		}

		similarity := best.Similarity
		return &AssignResult{Identity: best.Identity, Similarity: &similarity}, nil
	}

	identity := &types.Identity{
		ID:                 uuid.NewString(),
		EntityType:         req.EntityType,
		Embedding:          req.Embedding,
		CamerasSeen:        []string{req.CameraID},
		DetectionCount:     1,
		PrimaryDetectionID: req.DetectionID,
		Attributes:         copyAttributes(req.Attributes),
		LastSeenAt:         req.Timestamp,
		CreatedAt:          a.now().UTC(),
	}

	if err := a.store.Create(ctx, identity); err != nil {
		return nil, fmt.Errorf("engine: failed to create identity: %w", err)
	}

	return &AssignResult{Identity: identity, IsNew: true}, nil
}

// typeLock returns the serialization lock for an entity type, creating it
// on first use.
func (a *Assigner) typeLock(t types.EntityType) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.locks[t]; !ok {
		a.locks[t] = &sync.Mutex{}
	}
	return a.locks[t]
}

func copyAttributes(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
