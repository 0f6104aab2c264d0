// Package embedding implements the embedding client and the persistent
// embedding cache in front of it. The client speaks the OpenAI-style
// /v1/embeddings contract with configurable auth headers and bounded
// retries with exponential backoff.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/trapias/memoria/internal/config"
	"github.com/trapias/memoria/internal/merr"
	"github.com/trapias/memoria/internal/observability"
)

// Role selects the prompt role an embedding is computed for.
type Role string

const (
	RoleQuery    Role = "query"
	RoleDocument Role = "document"
)

// Client is the embedding client: normalize text, call the external
// model, return a vector of the configured dimension.
type Client interface {
	Embed(ctx context.Context, text string, role Role) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string, role Role) ([][]float32, error)
	Dimension() int
}

type httpReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type httpResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// HTTPClient is the default Client, calling a REST embedding endpoint.
type HTTPClient struct {
	cfg  config.EmbeddingConfig
	sem  chan struct{} // bounds in-flight requests
	mu   sync.RWMutex
	down bool // set true on a dimension mismatch; disables the model
}

// NewHTTPClient builds a Client bound to cfg.
func NewHTTPClient(cfg config.EmbeddingConfig) *HTTPClient {
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	return &HTTPClient{cfg: cfg, sem: make(chan struct{}, maxInFlight)}
}

func (c *HTTPClient) Dimension() int { return c.cfg.Dimension }

// Embed normalizes text (trim whitespace, apply the role prefix) and
// returns a single vector.
func (c *HTTPClient) Embed(ctx context.Context, text string, role Role) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text}, role)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds multiple inputs in one call, failing with
// EmbeddingUnavailable after bounded retries with exponential backoff, or
// EmbeddingMismatch if any returned vector has the wrong length.
func (c *HTTPClient) EmbedBatch(ctx context.Context, texts []string, role Role) ([][]float32, error) {
	c.mu.RLock()
	down := c.down
	c.mu.RUnlock()
	if down {
		return nil, merr.ErrEmbeddingMismatch
	}

	prepared := make([]string, len(texts))
	for i, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			return nil, fmt.Errorf("%w: empty text", merr.ErrInvalidInput)
		}
		prepared[i] = c.cfg.RolePrefix(string(role)) + t
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return nil, merr.ErrCancelledOrTimedOut
	}

	log := observability.LoggerWithTrace(ctx)
	maxRetries := c.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var lastErr error
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, merr.ErrCancelledOrTimedOut
			}
			backoff *= 2
		}

		vecs, err := c.doRequest(ctx, prepared)
		if err == nil {
			for _, v := range vecs {
				if len(v) != c.cfg.Dimension {
					c.mu.Lock()
					c.down = true
					c.mu.Unlock()
					return nil, fmt.Errorf("%w: got %d, want %d", merr.ErrEmbeddingMismatch, len(v), c.cfg.Dimension)
				}
			}
			return vecs, nil
		}
		lastErr = err
		log.Debug().Err(err).Int("attempt", attempt).Msg("embedding_client_retry")
	}
	return nil, fmt.Errorf("%w: %v", merr.ErrEmbeddingUnavailable, lastErr)
}

func (c *HTTPClient) doRequest(ctx context.Context, inputs []string) ([][]float32, error) {
	reqBody, err := json.Marshal(httpReq{Model: c.cfg.Model, Input: inputs})
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(c.cfg.TimeoutSec) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := c.cfg.BaseURL + c.cfg.Path
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIHeader == "Authorization" && c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	} else if c.cfg.APIHeader != "" && c.cfg.APIKey != "" {
		req.Header.Set(c.cfg.APIHeader, c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("embedding endpoint %s: %s", resp.Status, string(body))
	}
	var er httpResp
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(er.Data) != len(inputs) {
		return nil, fmt.Errorf("unexpected embedding count: got %d, want %d", len(er.Data), len(inputs))
	}
	out := make([][]float32, len(er.Data))
	for i := range er.Data {
		out[i] = er.Data[i].Embedding
	}
	return out, nil
}

// CheckReachability sends a tiny probe request to verify the endpoint works.
func CheckReachability(ctx context.Context, c Client) error {
	_, err := c.Embed(ctx, "ping", RoleQuery)
	if err != nil {
		return fmt.Errorf("embedding endpoint reachability check failed: %w", err)
	}
	return nil
}
