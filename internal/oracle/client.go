// Package oracle talks to the external embedding oracle: the vision model
// service that produces embeddings, anomaly scores, and zero-shot
// classifications for camera frames. It maps transport and protocol failures
// onto a small error taxonomy and guards the shared dependency with a permit
// pool, rate limit, retry, and circuit breaker.
package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client handles communication with the embedding oracle's HTTP API.
// It performs no retries or breaking itself; wrap it in a Guard for that.
type Client struct {
	baseURL   string
	client    *http.Client
	dimension int
}

// ClientConfig holds oracle client configuration.
type ClientConfig struct {
	// BaseURL is the base URL for the oracle API (default: http://localhost:8090)
	BaseURL string

	// Dimension is the expected embedding dimension (default: 768). A
	// returned vector of any other length is a malformed response.
	Dimension int

	// Timeout is the HTTP client timeout (default: 30s). The guard layers
	// its own per-call deadline on top.
	Timeout time.Duration
}

type embedRequest struct {
	Image string `json:"image"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

type anomalyRequest struct {
	Image    string    `json:"image"`
	Baseline []float32 `json:"baseline"`
}

type anomalyResponse struct {
	Score      *float64 `json:"score"`
	Similarity *float64 `json:"similarity"`
}

type classifyRequest struct {
	Image  string   `json:"image"`
	Labels []string `json:"labels"`
}

type classifyResponse struct {
	Scores   map[string]float64 `json:"scores"`
	TopLabel string             `json:"top_label"`
}

type similarityRequest struct {
	Image string `json:"image"`
	Text  string `json:"text"`
}

type similarityResponse struct {
	Score *float64 `json:"score"`
}

type batchSimilarityRequest struct {
	Image string   `json:"image"`
	Texts []string `json:"texts"`
}

type batchSimilarityResponse struct {
	Scores map[string]float64 `json:"scores"`
}

// NewClient creates an oracle client with the given configuration.
func NewClient(config ClientConfig) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8090"
	}
	if config.Dimension == 0 {
		config.Dimension = 768
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &Client{
		baseURL:   config.BaseURL,
		client:    &http.Client{Timeout: config.Timeout},
		dimension: config.Dimension,
	}
}

// GenerateEmbedding requests an embedding for the image crop. The returned
// vector is validated against the configured dimension; a mismatch is a
// malformed response, not a retryable failure.
func (c *Client) GenerateEmbedding(ctx context.Context, image []byte) ([]float32, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: image is empty", ErrInvalidInput)
	}

	var respData embedResponse
	err := c.post(ctx, "/v1/embedding", embedRequest{Image: base64.StdEncoding.EncodeToString(image)}, &respData)
	if err != nil {
		return nil, err
	}

	if len(respData.Embedding) == 0 {
		return nil, fmt.Errorf("%w: missing embedding field", ErrMalformedResponse)
	}
	if len(respData.Embedding) != c.dimension {
		return nil, fmt.Errorf("%w: embedding dimension %d, want %d",
			ErrMalformedResponse, len(respData.Embedding), c.dimension)
	}

	return respData.Embedding, nil
}

// AnomalyScore compares an image against a baseline embedding.
func (c *Client) AnomalyScore(ctx context.Context, image []byte, baseline []float32) (float64, float64, error) {
	if len(image) == 0 {
		return 0, 0, fmt.Errorf("%w: image is empty", ErrInvalidInput)
	}
	if len(baseline) != c.dimension {
		return 0, 0, fmt.Errorf("%w: baseline dimension %d, want %d",
			ErrInvalidInput, len(baseline), c.dimension)
	}

	var respData anomalyResponse
	err := c.post(ctx, "/v1/anomaly", anomalyRequest{
		Image:    base64.StdEncoding.EncodeToString(image),
		Baseline: baseline,
	}, &respData)
	if err != nil {
		return 0, 0, err
	}

	if respData.Score == nil || respData.Similarity == nil {
		return 0, 0, fmt.Errorf("%w: missing score fields", ErrMalformedResponse)
	}

	return *respData.Score, *respData.Similarity, nil
}

// Classify scores an image against candidate labels.
func (c *Client) Classify(ctx context.Context, image []byte, labels []string) (map[string]float64, string, error) {
	if len(image) == 0 {
		return nil, "", fmt.Errorf("%w: image is empty", ErrInvalidInput)
	}
	if len(labels) == 0 {
		return nil, "", fmt.Errorf("%w: labels are empty", ErrInvalidInput)
	}

	var respData classifyResponse
	err := c.post(ctx, "/v1/classify", classifyRequest{
		Image:  base64.StdEncoding.EncodeToString(image),
		Labels: labels,
	}, &respData)
	if err != nil {
		return nil, "", err
	}

	if len(respData.Scores) == 0 || respData.TopLabel == "" {
		return nil, "", fmt.Errorf("%w: missing classification fields", ErrMalformedResponse)
	}

	return respData.Scores, respData.TopLabel, nil
}

// Similarity scores an image against a single text description.
func (c *Client) Similarity(ctx context.Context, image []byte, text string) (float64, error) {
	if len(image) == 0 {
		return 0, fmt.Errorf("%w: image is empty", ErrInvalidInput)
	}
	if text == "" {
		return 0, fmt.Errorf("%w: text is empty", ErrInvalidInput)
	}

	var respData similarityResponse
	err := c.post(ctx, "/v1/similarity", similarityRequest{
		Image: base64.StdEncoding.EncodeToString(image),
		Text:  text,
	}, &respData)
	if err != nil {
		return 0, err
	}

	if respData.Score == nil {
		return 0, fmt.Errorf("%w: missing score field", ErrMalformedResponse)
	}

	return *respData.Score, nil
}

// BatchSimilarity scores an image against several text descriptions.
func (c *Client) BatchSimilarity(ctx context.Context, image []byte, texts []string) (map[string]float64, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: image is empty", ErrInvalidInput)
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts are empty", ErrInvalidInput)
	}

	var respData batchSimilarityResponse
	err := c.post(ctx, "/v1/batch-similarity", batchSimilarityRequest{
		Image: base64.StdEncoding.EncodeToString(image),
		Texts: texts,
	}, &respData)
	if err != nil {
		return nil, err
	}

	if respData.Scores == nil {
		return nil, fmt.Errorf("%w: missing scores field", ErrMalformedResponse)
	}

	return respData.Scores, nil
}

// HealthCheck verifies the oracle is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health check returned status %d", ErrUnavailable, resp.StatusCode)
	}

	return nil
}

// post sends a JSON request and decodes the JSON response, mapping failures
// onto the oracle error taxonomy: transport errors and 5xx are unavailable,
// 4xx is invalid input, undecodable bodies are malformed responses.
func (c *Client) post(ctx context.Context, path string, reqBody any, respData any) error {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: oracle returned status %d: %s", ErrUnavailable, resp.StatusCode, body)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: oracle returned status %d: %s", ErrInvalidInput, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(respData); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrMalformedResponse, err)
	}

	return nil
}

// Compile-time assertion that Client satisfies the Oracle interface.
var _ Oracle = (*Client)(nil)
