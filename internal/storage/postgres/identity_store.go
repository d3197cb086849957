// Package postgres implements the persistent identity tier on PostgreSQL
// with the pgvector extension. Similarity search runs in the database via
// the cosine-distance operator so the candidate set stays bounded server
// side instead of scanning whole tables into the process.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/lookout/internal/storage"
	"github.com/scrypster/lookout/pkg/types"
)

// Schema returns the DDL for the identities table at the given embedding
// dimension. The ivfflat index keeps nearest-neighbor queries bounded once
// the table grows.
func Schema(dimension int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS identities (
	id                   TEXT PRIMARY KEY,
	entity_type          TEXT NOT NULL,
	embedding            vector(%d) NOT NULL,
	cameras_seen         TEXT[] NOT NULL DEFAULT '{}',
	detection_count      INTEGER NOT NULL DEFAULT 1,
	primary_detection_id TEXT NOT NULL,
	attributes           JSONB NOT NULL DEFAULT '{}',
	last_seen_at         TIMESTAMPTZ NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_identities_type ON identities(entity_type);
CREATE INDEX IF NOT EXISTS idx_identities_last_seen ON identities(last_seen_at);
CREATE INDEX IF NOT EXISTS idx_identities_embedding ON identities
	USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
`, dimension)
}

// IdentityStore implements storage.IdentityStore using PostgreSQL + pgvector.
type IdentityStore struct {
	db *sql.DB
}

// NewIdentityStore wraps an open database handle. The caller owns the
// connection pool; Close releases it.
func NewIdentityStore(db *sql.DB) *IdentityStore {
	return &IdentityStore{db: db}
}

// Open connects to PostgreSQL, verifies the connection, and ensures the
// schema exists for the given embedding dimension.
func Open(ctx context.Context, dsn string, dimension int) (*IdentityStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", storage.ErrTierUnavailable, err)
	}

	if _, err := db.ExecContext(ctx, Schema(dimension)); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to create schema: %w", err)
	}

	return &IdentityStore{db: db}, nil
}

// SearchSimilar returns up to limit identities of the given type whose
// cosine similarity to embedding is at least threshold, most similar first.
// The <=> operator computes cosine distance (1 - similarity), so ordering by
// distance ascending yields most similar first; id is the secondary sort key
// so equal similarities resolve deterministically to the lowest id.
func (s *IdentityStore) SearchSimilar(ctx context.Context, entityType types.EntityType, embedding []float32, threshold float64, limit int) ([]storage.SimilarIdentity, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("%w: embedding cannot be empty", storage.ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 20
	}

	vec := pgvector.NewVector(embedding)
	query := `
		SELECT id, entity_type, embedding, cameras_seen, detection_count,
		       primary_detection_id, attributes, last_seen_at, created_at,
		       1 - (embedding <=> $1) AS similarity
		FROM identities
		WHERE entity_type = $2
		  AND 1 - (embedding <=> $1) >= $3
		ORDER BY embedding <=> $1, id
		LIMIT $4
	`

	rows, err := s.db.QueryContext(ctx, query, vec, string(entityType), threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: similarity search failed: %w", err)
	}
	defer rows.Close()

	results := []storage.SimilarIdentity{}
	for rows.Next() {
		identity, similarity, err := scanIdentityWithScore(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, storage.SimilarIdentity{Identity: identity, Similarity: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: similarity search scan failed: %w", err)
	}

	return results, nil
}

// Create inserts a new identity record.
func (s *IdentityStore) Create(ctx context.Context, identity *types.Identity) error {
	if identity.ID == "" {
		return fmt.Errorf("%w: identity id is required", storage.ErrInvalidInput)
	}
	if len(identity.Embedding) == 0 {
		return fmt.Errorf("%w: embedding cannot be empty", storage.ErrInvalidInput)
	}

	attrs, err := json.Marshal(attributesOrEmpty(identity.Attributes))
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal attributes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO identities
			(id, entity_type, embedding, cameras_seen, detection_count,
			 primary_detection_id, attributes, last_seen_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		identity.ID,
		string(identity.EntityType),
		pgvector.NewVector(identity.Embedding),
		pq.Array(identity.CamerasSeen),
		identity.DetectionCount,
		identity.PrimaryDetectionID,
		attrs,
		identity.LastSeenAt,
		identity.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to create identity: %w", err)
	}

	return nil
}

// Get retrieves an identity by id.
func (s *IdentityStore) Get(ctx context.Context, id string) (*types.Identity, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: identity id is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, embedding, cameras_seen, detection_count,
		       primary_detection_id, attributes, last_seen_at, created_at
		FROM identities
		WHERE id = $1
	`, id)

	identity, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return identity, nil
}

// Update persists the mutable fields of an existing identity. Guards in the
// WHERE clause keep detection_count and last_seen_at monotonic even if two
// workers race on the same row: a stale update that would shrink either is
// rejected and retried by the caller's assignment path.
func (s *IdentityStore) Update(ctx context.Context, identity *types.Identity) error {
	if identity.ID == "" {
		return fmt.Errorf("%w: identity id is required", storage.ErrInvalidInput)
	}

	attrs, err := json.Marshal(attributesOrEmpty(identity.Attributes))
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal attributes: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE identities SET
			cameras_seen = $2,
			detection_count = GREATEST(detection_count, $3),
			attributes = $4,
			last_seen_at = GREATEST(last_seen_at, $5)
		WHERE id = $1
	`,
		identity.ID,
		pq.Array(identity.CamerasSeen),
		identity.DetectionCount,
		attrs,
		identity.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to update identity: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// ListByTimeRange lists identities ordered by last_seen_at descending with
// pagination and optional type/time/camera filters.
func (s *IdentityStore) ListByTimeRange(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.Identity], error) {
	opts.Normalize()

	where, args := []string{"1 = 1"}, []any{}
	if opts.EntityType != "" {
		args = append(args, string(opts.EntityType))
		where = append(where, fmt.Sprintf("entity_type = $%d", len(args)))
	}
	if !opts.SeenAfter.IsZero() {
		args = append(args, opts.SeenAfter)
		where = append(where, fmt.Sprintf("last_seen_at >= $%d", len(args)))
	}
	if !opts.SeenBefore.IsZero() {
		args = append(args, opts.SeenBefore)
		where = append(where, fmt.Sprintf("last_seen_at < $%d", len(args)))
	}
	if opts.CameraID != "" {
		args = append(args, opts.CameraID)
		where = append(where, fmt.Sprintf("$%d = ANY(cameras_seen)", len(args)))
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM identities WHERE " + whereClause
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("postgres: failed to count identities: %w", err)
	}

	args = append(args, opts.Limit, opts.Offset())
	query := fmt.Sprintf(`
		SELECT id, entity_type, embedding, cameras_seen, detection_count,
		       primary_detection_id, attributes, last_seen_at, created_at
		FROM identities
		WHERE %s
		ORDER BY last_seen_at DESC, id
		LIMIT $%d OFFSET $%d
	`, whereClause, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list identities: %w", err)
	}
	defer rows.Close()

	items := []types.Identity{}
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: failed to scan identities: %w", err)
	}

	return &storage.PaginatedResult[types.Identity]{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(items) < total,
	}, nil
}

// CountsByType returns the number of identities per entity type.
func (s *IdentityStore) CountsByType(ctx context.Context) (map[types.EntityType]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, COUNT(*) FROM identities GROUP BY entity_type`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to count identities by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.EntityType]int)
	for rows.Next() {
		var entityType string
		var count int
		if err := rows.Scan(&entityType, &count); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan counts: %w", err)
		}
		counts[types.EntityType(entityType)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return counts, nil
}

// Close closes the underlying database handle.
func (s *IdentityStore) Close() error {
	return s.db.Close()
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row scanner) (*types.Identity, error) {
	var identity types.Identity
	var entityType string
	var vec pgvector.Vector
	var cameras pq.StringArray
	var attrs []byte

	err := row.Scan(
		&identity.ID,
		&entityType,
		&vec,
		&cameras,
		&identity.DetectionCount,
		&identity.PrimaryDetectionID,
		&attrs,
		&identity.LastSeenAt,
		&identity.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("postgres: failed to scan identity: %w", err)
	}

	identity.EntityType = types.EntityType(entityType)
	identity.Embedding = vec.Slice()
	identity.CamerasSeen = []string(cameras)
	if err := json.Unmarshal(attrs, &identity.Attributes); err != nil {
		return nil, fmt.Errorf("postgres: failed to unmarshal attributes: %w", err)
	}

	return &identity, nil
}

func scanIdentityWithScore(rows *sql.Rows) (*types.Identity, float64, error) {
	var identity types.Identity
	var entityType string
	var vec pgvector.Vector
	var cameras pq.StringArray
	var attrs []byte
	var similarity float64

	err := rows.Scan(
		&identity.ID,
		&entityType,
		&vec,
		&cameras,
		&identity.DetectionCount,
		&identity.PrimaryDetectionID,
		&attrs,
		&identity.LastSeenAt,
		&identity.CreatedAt,
		&similarity,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: failed to scan identity: %w", err)
	}

	identity.EntityType = types.EntityType(entityType)
	identity.Embedding = vec.Slice()
	identity.CamerasSeen = []string(cameras)
	if err := json.Unmarshal(attrs, &identity.Attributes); err != nil {
		return nil, 0, fmt.Errorf("postgres: failed to unmarshal attributes: %w", err)
	}

	return &identity, similarity, nil
}

func attributesOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

var _ storage.IdentityStore = (*IdentityStore)(nil)
