// Package reranker is the client of the cross-encoder reranking service.
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

const defaultTimeout = 5 * time.Second

// ErrUnavailable is returned when the service cannot be reached or fails.
var ErrUnavailable = errors.New("reranker unavailable")

// Score is the relevance of the document at Index in the request.
type Score struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

type rerankRequest struct {
	Query       string   `json:"query"`
	Documents   []string `json:"documents"`
	Instruction string   `json:"instruction,omitempty"`
}

type rerankResponse struct {
	Results []Score `json:"results"`
}

// Client calls POST {endpoint}/rerank. The caller's context bounds each
// call; Timeout is applied on top of it.
type Client struct {
	endpoint string
	model    string
	timeout  time.Duration
	client   *http.Client
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		timeout:  defaultTimeout,
		client:   &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Endpoint() string { return c.endpoint }

func (c *Client) Timeout() time.Duration { return c.timeout }

// Rerank scores documents against query and returns them best first.
// Indices outside the request are dropped.
func (c *Client) Rerank(ctx context.Context, query string, documents []string, instruction string) ([]Score, error) {
	if len(documents) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	jsonData, err := json.Marshal(rerankRequest{Query: query, Documents: documents, Instruction: instruction})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/rerank", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scores, err := decodeScores(body)
	if err != nil {
		return nil, err
	}

	out := scores[:0]
	for _, s := range scores {
		if s.Index >= 0 && s.Index < len(documents) {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// decodeScores accepts {"results": [...]} as well as a bare list.
func decodeScores(body []byte) ([]Score, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var scores []Score
		if err := json.Unmarshal(trimmed, &scores); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		return scores, nil
	}
	var resp rerankResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.Results, nil
}

// Ping checks GET /health.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}
