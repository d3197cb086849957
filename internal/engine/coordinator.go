package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/scrypster/lookout/internal/oracle"
	"github.com/scrypster/lookout/internal/shortterm"
	"github.com/scrypster/lookout/internal/storage"
	"github.com/scrypster/lookout/internal/vector"
	"github.com/scrypster/lookout/pkg/types"
)

// DefaultHistoricalLimit bounds persistent-tier results in FindMatches.
const DefaultHistoricalLimit = 50

// Coordinator orchestrates the two storage tiers. Writes go to the
// persistent tier first (authoritative), then best-effort to the short-term
// tier. Reads fan out across both tiers with per-tier failure isolation,
// deduplicate by detection id, and rank by similarity.
type Coordinator struct {
	assigner   *Assigner
	identities storage.IdentityStore
	shortTerm  *shortterm.Store
	oracle     oracle.Oracle
	dimension  int
	now        func() time.Time
}

// NewCoordinator wires the coordinator. The oracle is expected to be the
// guarded form; it is used only by ProcessDetection, so callers that bring
// their own embeddings may pass nil.
func NewCoordinator(assigner *Assigner, identities storage.IdentityStore, shortTerm *shortterm.Store, o oracle.Oracle, dimension int) *Coordinator {
	return &Coordinator{
		assigner:   assigner,
		identities: identities,
		shortTerm:  shortTerm,
		oracle:     o,
		dimension:  dimension,
		now:        time.Now,
	}
}

// StoreRequest describes one detection embedding to store in both tiers.
type StoreRequest struct {
	DetectionID string
	EntityType  types.EntityType
	Embedding   []float32
	CameraID    string
	Timestamp   time.Time
	Attributes  map[string]string

	// Threshold overrides the assignment threshold when positive.
	Threshold float64
}

// ProcessDetection obtains an embedding for the subject crop through the
// guarded oracle and stores it. Detection processing fails if embedding
// generation fails; everything downstream follows StoreDetectionEmbedding.
func (c *Coordinator) ProcessDetection(ctx context.Context, image []byte, req StoreRequest) (*AssignResult, error) {
	if c.oracle == nil {
		return nil, fmt.Errorf("engine: no oracle configured")
	}

	embedding, err := c.oracle.GenerateEmbedding(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("engine: embedding generation failed: %w", err)
	}

	req.Embedding = embedding
	return c.StoreDetectionEmbedding(ctx, req)
}

// StoreDetectionEmbedding assigns the detection to a durable identity
// (authoritative write, failure-fatal) and then writes the sighting into
// the short-term tier best-effort: a short-term failure is logged and never
// propagated, because the persistent write already succeeded and is the
// contract the caller relies on.
func (c *Coordinator) StoreDetectionEmbedding(ctx context.Context, req StoreRequest) (*AssignResult, error) {
	sighting := &types.Sighting{
		EntityType:  req.EntityType,
		Embedding:   req.Embedding,
		CameraID:    req.CameraID,
		Timestamp:   req.Timestamp,
		DetectionID: req.DetectionID,
		Attributes:  req.Attributes,
	}
	if err := sighting.Validate(c.dimension); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	result, err := c.assigner.AssignEntity(ctx, AssignRequest{
		DetectionID: req.DetectionID,
		EntityType:  req.EntityType,
		Embedding:   req.Embedding,
		CameraID:    req.CameraID,
		Timestamp:   req.Timestamp,
		Attributes:  req.Attributes,
		Threshold:   req.Threshold,
	})
	if err != nil {
		return nil, err
	}

	if err := c.shortTerm.Write(ctx, sighting); err != nil {
		log.Printf("engine: best-effort short-term write failed for detection %s: %v",
			req.DetectionID, err)
	}

	return result, nil
}

// FindQuery describes a match query against both tiers.
type FindQuery struct {
	Embedding  []float32
	EntityType types.EntityType

	// Threshold is the minimum similarity; DefaultThreshold when zero.
	Threshold float64

	// ExcludeDetectionID omits the query's own detection from results.
	ExcludeDetectionID string

	// IncludeHistorical also queries the persistent tier.
	IncludeHistorical bool

	// Timestamp anchors time-gap computation and bucket selection;
	// defaults to now.
	Timestamp time.Time
}

// FindMatches queries the short-term tier and, when requested, the
// persistent tier, then returns the deduplicated union ranked by similarity
// descending with ties broken by most recent timestamp. Each tier's failure
// is isolated: a failing tier contributes no results but never aborts the
// other tier's.
func (c *Coordinator) FindMatches(ctx context.Context, q FindQuery) ([]types.Match, error) {
	if len(q.Embedding) != c.dimension {
		return nil, fmt.Errorf("%w: embedding dimension %d, want %d",
			storage.ErrInvalidInput, len(q.Embedding), c.dimension)
	}
	if !q.EntityType.Valid() {
		return nil, fmt.Errorf("%w: invalid entity type %q", storage.ErrInvalidInput, q.EntityType)
	}

	threshold := q.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	anchor := q.Timestamp
	if anchor.IsZero() {
		anchor = c.now().UTC()
	}

	seen := make(map[string]bool)
	matches := []types.Match{}

	shortTermMatches, err := c.shortTermMatches(ctx, q, threshold, anchor)
	if err != nil {
		log.Printf("engine: short-term tier failed, degrading to persistent only: %v", err)
	} else {
		for _, m := range shortTermMatches {
			if seen[m.Sighting.DetectionID] {
				continue
			}
			seen[m.Sighting.DetectionID] = true
			matches = append(matches, m)
		}
	}

	if q.IncludeHistorical {
		persistentMatches, err := c.persistentMatches(ctx, q, threshold, anchor)
		if err != nil {
			log.Printf("engine: persistent tier failed, degrading to short-term only: %v", err)
		} else {
			for _, m := range persistentMatches {
				if seen[m.Sighting.DetectionID] {
					continue
				}
				seen[m.Sighting.DetectionID] = true
				matches = append(matches, m)
			}
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Sighting.Timestamp.After(matches[j].Sighting.Timestamp)
	})

	return matches, nil
}

// shortTermMatches scans today's and yesterday's cached sightings and
// scores them in one batched pass. Candidates with an unexpected dimension
// are skipped with a warning rather than failing the scan.
func (c *Coordinator) shortTermMatches(ctx context.Context, q FindQuery, threshold float64, anchor time.Time) ([]types.Match, error) {
	candidates, err := c.shortTerm.ReadCandidates(ctx, q.EntityType, anchor, q.ExcludeDetectionID)
	if err != nil {
		return nil, err
	}

	valid := candidates[:0]
	embeddings := make([][]float32, 0, len(candidates))
	for _, cand := range candidates {
		if len(cand.Embedding) != c.dimension {
			log.Printf("engine: skipping cached sighting %s with dimension %d",
				cand.DetectionID, len(cand.Embedding))
			continue
		}
		valid = append(valid, cand)
		embeddings = append(embeddings, cand.Embedding)
	}

	similarities, err := vector.BatchCosine(q.Embedding, embeddings)
	if err != nil {
		return nil, err
	}

	matches := []types.Match{}
	for i, sim := range similarities {
		if sim < threshold {
			continue
		}
		matches = append(matches, types.Match{
			Sighting:       valid[i],
			Similarity:     sim,
			TimeGapSeconds: anchor.Sub(valid[i].Timestamp).Abs().Seconds(),
			Source:         types.SourceShortTerm,
		})
	}
	return matches, nil
}

// persistentMatches queries the durable tier, projecting each identity onto
// the match shape: the identity's representative embedding, its primary
// detection id, and its most recent sighting time.
func (c *Coordinator) persistentMatches(ctx context.Context, q FindQuery, threshold float64, anchor time.Time) ([]types.Match, error) {
	results, err := c.identities.SearchSimilar(ctx, q.EntityType, q.Embedding, threshold, DefaultHistoricalLimit)
	if err != nil {
		return nil, err
	}

	matches := []types.Match{}
	for _, r := range results {
		if r.Identity.PrimaryDetectionID == q.ExcludeDetectionID && q.ExcludeDetectionID != "" {
			continue
		}
		lastCamera := ""
		if n := len(r.Identity.CamerasSeen); n > 0 {
			lastCamera = r.Identity.CamerasSeen[n-1]
		}
		matches = append(matches, types.Match{
			Sighting: types.Sighting{
				EntityType:  r.Identity.EntityType,
				Embedding:   r.Identity.Embedding,
				CameraID:    lastCamera,
				Timestamp:   r.Identity.LastSeenAt,
				DetectionID: r.Identity.PrimaryDetectionID,
				Attributes:  r.Identity.Attributes,
			},
			EntityID:       r.Identity.ID,
			Similarity:     r.Similarity,
			TimeGapSeconds: anchor.Sub(r.Identity.LastSeenAt).Abs().Seconds(),
			Source:         types.SourcePersistent,
		})
	}
	return matches, nil
}

// GetEntityFullHistory returns the durable record for an identity. The
// short-term tier holds no identity records, so this is a persistent-tier
// passthrough.
func (c *Coordinator) GetEntityFullHistory(ctx context.Context, id string) (*types.Identity, error) {
	return c.identities.Get(ctx, id)
}

// GetEntitiesByTimeRange lists identities by last-seen time with
// pagination. Persistent tier only.
func (c *Coordinator) GetEntitiesByTimeRange(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.Identity], error) {
	return c.identities.ListByTimeRange(ctx, opts)
}

// CountsByType returns identity counts per entity type. Persistent tier
// only.
func (c *Coordinator) CountsByType(ctx context.Context) (map[types.EntityType]int, error) {
	return c.identities.CountsByType(ctx)
}
