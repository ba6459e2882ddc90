// Package llm is the streaming client for the Ollama chat API.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Message is a single entry in the conversation sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options are the sampling parameters forwarded with each generation.
type Options struct {
	Temperature float64
	TopP        float64
	MaxContext  int
}

// ServiceError reports a failed call to the inference service. Status is the
// HTTP status code, or 0 for transport-level failures.
type ServiceError struct {
	Status int
	Msg    string
	Err    error
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("inference service: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("inference service: %s (status %d)", e.Msg, e.Status)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Client talks to one Ollama instance and model.
type Client struct {
	baseURL string
	model   string
	http    *http.Client
}

// New creates a chat client. timeout bounds the whole generation including
// streaming; hitting it mid-stream surfaces as a terminal error to the
// caller with whatever text already arrived.
func New(baseURL, model string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		model:   model,
		http:    &http.Client{Timeout: timeout},
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatStreamLine struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// Stream sends the conversation with stream enabled and invokes onDelta for
// each text fragment in arrival order. It returns the accumulated text and,
// if the stream did not finish cleanly, the terminal error. Cancelling ctx
// aborts the underlying request; the text received so far is still returned.
func (c *Client) Stream(ctx context.Context, msgs []Message, opts Options, onDelta func(delta string)) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: msgs,
		Stream:   true,
		Options: map[string]any{
			"temperature": opts.Temperature,
			"top_p":       opts.TopP,
			"num_ctx":     opts.MaxContext,
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &ServiceError{Msg: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &ServiceError{Status: resp.StatusCode, Msg: string(bytes.TrimSpace(respBody))}
	}

	// The response is NDJSON: one delta object per line, terminated by a
	// line with done=true.
	var full strings.Builder
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var delta chatStreamLine
		if err := json.Unmarshal(line, &delta); err != nil {
			return full.String(), &ServiceError{Status: resp.StatusCode, Msg: "malformed stream line", Err: err}
		}
		if delta.Message.Content != "" {
			full.WriteString(delta.Message.Content)
			if onDelta != nil {
				onDelta(delta.Message.Content)
			}
		}
		if delta.Done {
			return full.String(), nil
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return full.String(), ctx.Err()
		}
		return full.String(), &ServiceError{Msg: "stream interrupted", Err: err}
	}
	// EOF without a done marker: the connection was closed under us.
	if ctx.Err() != nil {
		return full.String(), ctx.Err()
	}
	return full.String(), &ServiceError{Msg: "stream ended without done marker"}
}

// Generate is the non-streaming convenience used where deltas are not needed
// (tests, one-shot tools).
func (c *Client) Generate(ctx context.Context, msgs []Message, opts Options) (string, error) {
	return c.Stream(ctx, msgs, opts, nil)
}

// Model listing, shared by the CLI preflight checks.

// ModelInfo describes one model reported by the Ollama instance.
type ModelInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type tagsResponse struct {
	Models []ModelInfo `json:"models"`
}

// Ping verifies the Ollama instance is reachable.
func Ping(ctx context.Context, baseURL string) error {
	_, err := ListModels(ctx, baseURL)
	return err
}

// ListModels queries /api/tags and returns the available models.
func ListModels(ctx context.Context, baseURL string) ([]ModelInfo, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("build tags request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect to ollama: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama /api/tags returned %d", resp.StatusCode)
	}

	var result tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode tags response: %w", err)
	}
	return result.Models, nil
}
