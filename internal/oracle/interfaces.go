package oracle

import "context"

// Oracle is the embedding-generation dependency: a remote vision model that
// turns images into embeddings and answers similarity questions. Both the
// raw HTTP client and the Guard implement it, so callers take the guarded
// form without knowing the difference.
type Oracle interface {
	// GenerateEmbedding returns the embedding vector for an image crop.
	GenerateEmbedding(ctx context.Context, image []byte) ([]float32, error)

	// AnomalyScore compares an image against a baseline embedding and
	// returns (anomaly score in [0,1], similarity in [-1,1]).
	AnomalyScore(ctx context.Context, image []byte, baseline []float32) (float64, float64, error)

	// Classify scores an image against candidate labels, returning the
	// per-label scores and the top label.
	Classify(ctx context.Context, image []byte, labels []string) (map[string]float64, string, error)

	// Similarity scores an image against a single text description.
	Similarity(ctx context.Context, image []byte, text string) (float64, error)

	// BatchSimilarity scores an image against several text descriptions in
	// one call.
	BatchSimilarity(ctx context.Context, image []byte, texts []string) (map[string]float64, error)

	// HealthCheck reports whether the oracle is reachable.
	HealthCheck(ctx context.Context) error
}
