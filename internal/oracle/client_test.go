package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(ClientConfig{BaseURL: server.URL, Dimension: 3})
}

func TestGenerateEmbedding(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embedding", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2, 0.3}})
	})

	embedding, err := c.GenerateEmbedding(context.Background(), []byte("image"))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, embedding)
}

func TestGenerateEmbeddingEmptyImage(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	_, err := c.GenerateEmbedding(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.False(t, called, "validation failures must not reach the oracle")
}

func TestGenerateEmbeddingDimensionMismatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2}})
	})

	_, err := c.GenerateEmbedding(context.Background(), []byte("image"))
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestGenerateEmbeddingMissingField(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	})

	_, err := c.GenerateEmbedding(context.Background(), []byte("image"))
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"server error is unavailable", http.StatusInternalServerError, "boom", ErrUnavailable},
		{"bad gateway is unavailable", http.StatusBadGateway, "", ErrUnavailable},
		{"client error is invalid input", http.StatusBadRequest, "bad roi", ErrInvalidInput},
		{"unprocessable is invalid input", http.StatusUnprocessableEntity, "", ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, tt.body, tt.status)
			})

			_, err := c.GenerateEmbedding(context.Background(), []byte("image"))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestErrorMappingConnectionFailure(t *testing.T) {
	c := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1", Dimension: 3})

	_, err := c.GenerateEmbedding(context.Background(), []byte("image"))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestErrorMappingUndecodableBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})

	_, err := c.GenerateEmbedding(context.Background(), []byte("image"))
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestAnomalyScore(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/anomaly", r.URL.Path)

		var req struct {
			Baseline []float32 `json:"baseline"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Len(t, req.Baseline, 3)

		json.NewEncoder(w).Encode(map[string]any{"score": 0.3, "similarity": 0.7})
	})

	score, similarity, err := c.AnomalyScore(context.Background(), []byte("image"), []float32{1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, 0.3, score)
	assert.Equal(t, 0.7, similarity)
}

func TestAnomalyScoreBaselineDimension(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	_, _, err := c.AnomalyScore(context.Background(), []byte("image"), []float32{1, 0})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestAnomalyScoreMissingFields(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"score": 0.3})
	})

	_, _, err := c.AnomalyScore(context.Background(), []byte("image"), []float32{1, 0, 0})
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestClassify(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"scores":    map[string]float64{"cat": 0.9, "dog": 0.1},
			"top_label": "cat",
		})
	})

	scores, top, err := c.Classify(context.Background(), []byte("image"), []string{"cat", "dog"})
	require.NoError(t, err)
	assert.Equal(t, "cat", top)
	assert.Equal(t, 0.9, scores["cat"])

	_, _, err = c.Classify(context.Background(), []byte("image"), nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestBatchSimilarity(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"scores": map[string]float64{"a person": 0.8, "a car": 0.2},
		})
	})

	scores, err := c.BatchSimilarity(context.Background(), []byte("image"), []string{"a person", "a car"})
	require.NoError(t, err)
	assert.Len(t, scores, 2)
}

func TestHealthCheck(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	})
	assert.NoError(t, c.HealthCheck(context.Background()))

	down := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	assert.ErrorIs(t, down.HealthCheck(context.Background()), ErrUnavailable)
}
