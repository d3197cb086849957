// Package baseline maintains per-camera rolling "normal scene" embeddings
// and scores incoming frames against them. A baseline is an exponential
// moving average of scene embeddings, kept unit-normalized, stored in the KV
// tier under a 7-day TTL and refreshed on every update.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/scrypster/lookout/internal/oracle"
	"github.com/scrypster/lookout/internal/storage"
	"github.com/scrypster/lookout/internal/vector"
	"github.com/scrypster/lookout/pkg/types"
)

const (
	// TTL is how long a baseline survives without updates.
	TTL = 7 * 24 * time.Hour

	// DefaultDecay is the EMA weight kept from the old baseline on update.
	DefaultDecay = 0.9

	// ReliabilityFloor is the sample count below which anomaly scores are
	// flagged as statistically weak.
	ReliabilityFloor = 5
)

// ErrNoBaseline is returned when a camera has no stored baseline.
var ErrNoBaseline = errors.New("no scene baseline for camera")

// Detector maintains scene baselines and produces anomaly scores.
type Detector struct {
	kv        storage.KV
	oracle    oracle.Oracle
	dimension int
	decay     float64
	now       func() time.Time
}

// Config holds detector options.
type Config struct {
	// Dimension is the embedding dimension (required).
	Dimension int

	// Decay is the EMA decay factor in (0,1). Default: 0.9
	Decay float64
}

// NewDetector creates a baseline detector over kv, delegating image scoring
// to the given (typically guarded) oracle.
func NewDetector(kv storage.KV, o oracle.Oracle, config Config) *Detector {
	decay := config.Decay
	if decay <= 0 || decay >= 1 {
		decay = DefaultDecay
	}
	return &Detector{
		kv:        kv,
		oracle:    o,
		dimension: config.Dimension,
		decay:     decay,
		now:       time.Now,
	}
}

// Key scheme: scene_baseline:{camera_id}:embedding / :count / :updated.
func embeddingKey(cameraID string) string { return "scene_baseline:" + cameraID + ":embedding" }
func countKey(cameraID string) string     { return "scene_baseline:" + cameraID + ":count" }
func updatedKey(cameraID string) string   { return "scene_baseline:" + cameraID + ":updated" }

// UpdateBaseline folds a new scene embedding into the camera's baseline.
// The first sample becomes the baseline as-is; later samples are blended
// via EMA (decay·old + (1-decay)·new). The result is L2-normalized and all
// three keys are persisted in one atomic pipeline with the TTL refreshed.
func (d *Detector) UpdateBaseline(ctx context.Context, cameraID string, embedding []float32) (*types.SceneBaseline, error) {
	if cameraID == "" {
		return nil, fmt.Errorf("%w: camera id is required", storage.ErrInvalidInput)
	}
	if len(embedding) != d.dimension {
		return nil, fmt.Errorf("%w: embedding dimension %d, want %d",
			storage.ErrInvalidInput, len(embedding), d.dimension)
	}

	var result *types.SceneBaseline
	err := d.kv.Pipeline(ctx, func(p storage.Pipe) error {
		current, count, err := readBaseline(p, cameraID, d.dimension)
		if err != nil && !errors.Is(err, ErrNoBaseline) {
			return err
		}

		var blended []float32
		if current == nil {
			blended = embedding
			count = 0
		} else {
			blended, err = vector.Blend(current, embedding, d.decay)
			if err != nil {
				return fmt.Errorf("baseline: blend failed: %w", err)
			}
		}

		normalized := vector.Normalize(blended)
		updated := d.now().UTC()

		p.SetWithTTL(embeddingKey(cameraID), storage.EncodeEmbedding(normalized), TTL)
		p.SetWithTTL(countKey(cameraID), []byte(strconv.Itoa(count+1)), TTL)
		p.SetWithTTL(updatedKey(cameraID), []byte(updated.Format(time.RFC3339)), TTL)

		result = &types.SceneBaseline{
			CameraID:    cameraID,
			Embedding:   normalized,
			SampleCount: count + 1,
			LastUpdated: updated,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// AnomalyResult is the outcome of scoring a frame against a baseline.
type AnomalyResult struct {
	// Score is the anomaly score in [0,1]; by convention 1 - similarity.
	Score float64

	// Similarity is the cosine similarity to the baseline, in [-1,1].
	Similarity float64

	// SampleCount is how many samples back the baseline.
	SampleCount int

	// WeakBaseline is set when SampleCount is below the reliability floor;
	// the score is still valid, just statistically weak.
	WeakBaseline bool
}

// AnomalyScore scores an image against the camera's baseline via the
// oracle. A camera with no baseline fails with ErrNoBaseline. When the
// baseline has fewer than ReliabilityFloor samples the score is still
// returned, flagged and logged as weak.
func (d *Detector) AnomalyScore(ctx context.Context, cameraID string, image []byte) (*AnomalyResult, error) {
	baseline, err := d.GetBaseline(ctx, cameraID)
	if err != nil {
		return nil, err
	}

	_, similarity, err := d.oracle.AnomalyScore(ctx, image, baseline.Embedding)
	if err != nil {
		return nil, fmt.Errorf("baseline: anomaly scoring failed for camera %s: %w", cameraID, err)
	}

	result := &AnomalyResult{
		Score:        clamp01(1 - similarity),
		Similarity:   similarity,
		SampleCount:  baseline.SampleCount,
		WeakBaseline: baseline.SampleCount < ReliabilityFloor,
	}
	if result.WeakBaseline {
		log.Printf("baseline: camera %s baseline has only %d samples (floor %d), score is statistically weak",
			cameraID, baseline.SampleCount, ReliabilityFloor)
	}

	return result, nil
}

// GetBaseline fetches the camera's baseline; all three keys in one atomic
// round trip. Returns ErrNoBaseline when absent.
func (d *Detector) GetBaseline(ctx context.Context, cameraID string) (*types.SceneBaseline, error) {
	if cameraID == "" {
		return nil, fmt.Errorf("%w: camera id is required", storage.ErrInvalidInput)
	}

	var baseline *types.SceneBaseline
	err := d.kv.Pipeline(ctx, func(p storage.Pipe) error {
		embedding, count, err := readBaseline(p, cameraID, d.dimension)
		if err != nil {
			return err
		}

		b := &types.SceneBaseline{
			CameraID:    cameraID,
			Embedding:   embedding,
			SampleCount: count,
		}
		if raw, err := p.Get(updatedKey(cameraID)); err == nil {
			if ts, perr := time.Parse(time.RFC3339, string(raw)); perr == nil {
				b.LastUpdated = ts
			}
		}
		baseline = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	return baseline, nil
}

// SetBaseline unconditionally replaces the camera's baseline with the given
// embedding (normalized, sample count 1). Administrative override; no EMA
// blending.
func (d *Detector) SetBaseline(ctx context.Context, cameraID string, embedding []float32) (*types.SceneBaseline, error) {
	if cameraID == "" {
		return nil, fmt.Errorf("%w: camera id is required", storage.ErrInvalidInput)
	}
	if len(embedding) != d.dimension {
		return nil, fmt.Errorf("%w: embedding dimension %d, want %d",
			storage.ErrInvalidInput, len(embedding), d.dimension)
	}

	normalized := vector.Normalize(embedding)
	updated := d.now().UTC()

	err := d.kv.Pipeline(ctx, func(p storage.Pipe) error {
		p.SetWithTTL(embeddingKey(cameraID), storage.EncodeEmbedding(normalized), TTL)
		p.SetWithTTL(countKey(cameraID), []byte("1"), TTL)
		p.SetWithTTL(updatedKey(cameraID), []byte(updated.Format(time.RFC3339)), TTL)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &types.SceneBaseline{
		CameraID:    cameraID,
		Embedding:   normalized,
		SampleCount: 1,
		LastUpdated: updated,
	}, nil
}

// DeleteBaseline removes the camera's baseline. Idempotent: reports false
// rather than erroring when nothing existed.
func (d *Detector) DeleteBaseline(ctx context.Context, cameraID string) (bool, error) {
	if cameraID == "" {
		return false, fmt.Errorf("%w: camera id is required", storage.ErrInvalidInput)
	}

	existed := false
	err := d.kv.Pipeline(ctx, func(p storage.Pipe) error {
		if _, err := p.Get(embeddingKey(cameraID)); err == nil {
			existed = true
		}
		p.Delete(embeddingKey(cameraID))
		p.Delete(countKey(cameraID))
		p.Delete(updatedKey(cameraID))
		return nil
	})
	if err != nil {
		return false, err
	}

	return existed, nil
}

// readBaseline reads the embedding and count inside a pipeline. Absence of
// the embedding key means no baseline; a missing or unparsable count is
// treated as zero (the record is degraded, not fatal).
func readBaseline(p storage.Pipe, cameraID string, dimension int) ([]float32, int, error) {
	raw, err := p.Get(embeddingKey(cameraID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, 0, fmt.Errorf("%w: %s", ErrNoBaseline, cameraID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("baseline: failed to read baseline for camera %s: %w", cameraID, err)
	}

	embedding, err := storage.DecodeEmbedding(raw, dimension)
	if err != nil {
		return nil, 0, fmt.Errorf("baseline: corrupt baseline embedding for camera %s: %w", cameraID, err)
	}

	count := 0
	if rawCount, err := p.Get(countKey(cameraID)); err == nil {
		if n, perr := strconv.Atoi(string(rawCount)); perr == nil {
			count = n
		} else {
			log.Printf("baseline: unparsable sample count for camera %s, treating as 0", cameraID)
		}
	}

	return embedding, count, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
