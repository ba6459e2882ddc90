// Package embedder converts text into fixed-dimension vectors via the Ollama
// embedding API.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ServiceError reports a failed call to the embedding service. Status is the
// HTTP status code, or 0 for transport-level failures such as timeouts.
type ServiceError struct {
	Status int
	Msg    string
	Err    error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("embedding service: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("embedding service: %s (status %d)", e.Msg, e.Status)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Transient reports whether the failure is worth retrying: transport errors,
// rate limiting, and server-side errors. Client errors and malformed
// responses are terminal.
func (e *ServiceError) Transient() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Client calls the Ollama /api/embed endpoint. One request carries a batch
// of texts; the response preserves input order.
type Client struct {
	baseURL string
	model   string
	dim     int
	http    *http.Client
	retry   RetryConfig
	logger  *slog.Logger
}

// New creates a client. dim is the vector width the store was created with;
// any response vector of a different width fails the call.
func New(baseURL, model string, dim int, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		model:   model,
		dim:     dim,
		http:    &http.Client{Timeout: timeout},
		retry:   DefaultRetryConfig(),
		logger:  logger,
	}
}

// Model returns the configured embedding model name.
func (c *Client) Model() string { return c.model }

// Dimension returns the expected vector width.
func (c *Client) Dimension() int { return c.dim }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed returns one vector per input text, in input order. Transient
// failures are retried with bounded exponential backoff; exhausting the
// budget surfaces a *ServiceError.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	return retryWithBackoff(ctx, c.retry, func(err error) bool {
		var se *ServiceError
		if errors.As(err, &se) && se.Transient() {
			c.logger.Warn("embed: transient failure, retrying", "error", err)
			return true
		}
		return false
	}, func() ([][]float32, error) {
		return c.embedOnce(ctx, texts)
	})
}

// EmbedOne embeds a single text.
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *Client) embedOnce(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ServiceError{Msg: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ServiceError{Status: resp.StatusCode, Msg: string(bytes.TrimSpace(respBody))}
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &ServiceError{Status: resp.StatusCode, Msg: "malformed response", Err: err}
	}

	if len(result.Embeddings) != len(texts) {
		return nil, &ServiceError{
			Status: resp.StatusCode,
			Msg:    fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(result.Embeddings)),
		}
	}
	for i, vec := range result.Embeddings {
		if len(vec) != c.dim {
			return nil, &ServiceError{
				Status: resp.StatusCode,
				Msg:    fmt.Sprintf("embedding %d has dimension %d, want %d", i, len(vec), c.dim),
			}
		}
	}
	return result.Embeddings, nil
}
