// Package types defines the core data structures for the Lookout
// re-identification system: sightings observed by cameras, the durable
// identities inferred from them, match results, and per-camera scene
// baselines.
package types

import (
	"fmt"
	"time"
)

// EntityType classifies the kind of subject a sighting or identity refers to.
type EntityType string

// Supported entity types.
const (
	EntityTypePerson  EntityType = "person"
	EntityTypeVehicle EntityType = "vehicle"
	EntityTypeAnimal  EntityType = "animal"
	EntityTypeUnknown EntityType = "unknown"
)

// ValidEntityTypes lists all entity types accepted on ingress paths.
var ValidEntityTypes = []EntityType{
	EntityTypePerson,
	EntityTypeVehicle,
	EntityTypeAnimal,
	EntityTypeUnknown,
}

// Valid reports whether t is one of the supported entity types.
func (t EntityType) Valid() bool {
	for _, v := range ValidEntityTypes {
		if t == v {
			return true
		}
	}
	return false
}

// MatchSource tags which storage tier produced a match.
type MatchSource string

const (
	// SourceShortTerm marks matches served from the TTL-bound sighting cache.
	SourceShortTerm MatchSource = "short_term"

	// SourcePersistent marks matches served from the durable identity store.
	SourcePersistent MatchSource = "persistent"
)

// Sighting is a single observation of a subject by a camera, captured once at
// detection time and immutable afterwards. It lives in the short-term tier
// until its cache bucket expires.
type Sighting struct {
	// EntityType classifies the subject (person, vehicle, ...).
	EntityType EntityType `json:"entity_type"`

	// Embedding is the fixed-length visual embedding for the subject crop.
	Embedding []float32 `json:"embedding"`

	// CameraID identifies the camera that produced the detection.
	CameraID string `json:"camera_id"`

	// Timestamp is when the detection occurred.
	Timestamp time.Time `json:"timestamp"`

	// DetectionID references the originating detection record.
	DetectionID string `json:"detection_id"`

	// Attributes carries open key-value metadata (clothing color, plate, ...).
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Validate checks the sighting against the system-wide embedding dimension.
func (s *Sighting) Validate(dimension int) error {
	if !s.EntityType.Valid() {
		return fmt.Errorf("invalid entity type %q", s.EntityType)
	}
	if len(s.Embedding) != dimension {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(s.Embedding), dimension)
	}
	if s.CameraID == "" {
		return fmt.Errorf("camera id is required")
	}
	if s.DetectionID == "" {
		return fmt.Errorf("detection id is required")
	}
	return nil
}

// Match is a query result: a sighting or identity projection together with
// its similarity to the query embedding. Matches are transient; they are
// produced only by query operations and never stored.
type Match struct {
	// Sighting is the matched observation. For persistent-tier matches the
	// fields are projected from the identity record (DetectionID is the
	// identity's primary detection).
	Sighting Sighting `json:"sighting"`

	// EntityID is the durable identity id for persistent-tier matches,
	// empty for short-term matches.
	EntityID string `json:"entity_id,omitempty"`

	// Similarity is the cosine similarity to the query embedding, in [-1,1].
	Similarity float64 `json:"similarity"`

	// TimeGapSeconds is the absolute gap between the query timestamp and the
	// matched sighting's timestamp.
	TimeGapSeconds float64 `json:"time_gap_seconds"`

	// Source tags the tier that produced this match.
	Source MatchSource `json:"source"`
}

// Identity is the durable record inferred to represent one physical subject
// across multiple detections. It is created on the first unmatched detection
// of its type and mutated in place on every subsequent matched detection.
// DetectionCount and CamerasSeen never shrink; LastSeenAt never decreases.
type Identity struct {
	ID                 string            `json:"id"`
	EntityType         EntityType        `json:"entity_type"`
	Embedding          []float32         `json:"embedding"`
	CamerasSeen        []string          `json:"cameras_seen"`
	DetectionCount     int               `json:"detection_count"`
	PrimaryDetectionID string            `json:"primary_detection_id"`
	Attributes         map[string]string `json:"attributes,omitempty"`
	LastSeenAt         time.Time         `json:"last_seen_at"`
	CreatedAt          time.Time         `json:"created_at"`
}

// HasCamera reports whether cameraID is already in CamerasSeen.
func (id *Identity) HasCamera(cameraID string) bool {
	for _, c := range id.CamerasSeen {
		if c == cameraID {
			return true
		}
	}
	return false
}

// RecordSighting applies one matched detection to the identity in place:
// the detection count grows by one, the camera set gains cameraID if absent
// (order of first appearance is preserved), LastSeenAt advances only
// forwards, and new attribute keys are merged without overwriting existing
// ones.
func (id *Identity) RecordSighting(cameraID string, ts time.Time, attributes map[string]string) {
	id.DetectionCount++
	if !id.HasCamera(cameraID) {
		id.CamerasSeen = append(id.CamerasSeen, cameraID)
	}
	if ts.After(id.LastSeenAt) {
		id.LastSeenAt = ts
	}
	for k, v := range attributes {
		if id.Attributes == nil {
			id.Attributes = make(map[string]string)
		}
		if _, exists := id.Attributes[k]; !exists {
			id.Attributes[k] = v
		}
	}
}

// SceneBaseline is the rolling "normal scene" embedding for one camera,
// maintained as an exponential moving average. The embedding always has unit
// L2 norm after any update.
type SceneBaseline struct {
	CameraID    string    `json:"camera_id"`
	Embedding   []float32 `json:"embedding"`
	SampleCount int       `json:"sample_count"`
	LastUpdated time.Time `json:"last_updated"`
}
