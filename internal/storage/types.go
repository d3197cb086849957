package storage

import (
	"errors"
	"time"

	"github.com/scrypster/lookout/pkg/types"
)

var (
	// ErrNotFound indicates that the requested record was not found.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTierUnavailable indicates a storage tier could not be reached.
	// Readers treat it as a partial failure limited to that tier; the
	// persistent write path surfaces it to the caller.
	ErrTierUnavailable = errors.New("storage tier unavailable")
)

// PaginatedResult represents a paginated result set with type safety using generics.
type PaginatedResult[T any] struct {
	// Items is the slice of results for the current page.
	Items []T

	// Total is the total number of items across all pages.
	Total int

	// Page is the current page number (1-indexed).
	Page int

	// PageSize is the number of items per page.
	PageSize int

	// HasMore indicates whether there are more pages available.
	HasMore bool
}

// ListOptions provides pagination and filtering for identity listing.
type ListOptions struct {
	// Page is the page number to retrieve (1-indexed, default: 1).
	Page int

	// Limit is the number of items per page (default: 20, max: 100).
	Limit int

	// EntityType filters identities by type. Empty means no type filter.
	EntityType types.EntityType

	// SeenAfter filters to identities last seen at or after this time.
	// Zero value means no lower bound.
	SeenAfter time.Time

	// SeenBefore filters to identities last seen strictly before this time.
	// Zero value means no upper bound.
	SeenBefore time.Time

	// CameraID filters to identities that have been seen by this camera.
	// Empty string means no camera filter.
	CameraID string
}

// Normalize applies defaults and bounds to the ListOptions.
func (o *ListOptions) Normalize() {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.Limit < 1 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
}

// Offset calculates the offset for SQL queries based on page and limit.
func (o *ListOptions) Offset() int {
	return (o.Page - 1) * o.Limit
}

// SimilarIdentity is one candidate returned by a similarity search: the
// identity together with its cosine similarity to the query embedding.
type SimilarIdentity struct {
	Identity   *types.Identity
	Similarity float64
}
