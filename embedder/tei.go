package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const defaultTEIEndpoint = "http://127.0.0.1:8080"

// TEIEmbedder calls a text-embeddings-inference server: POST /embed with
// {"inputs": [...], "truncate": true} returns one vector per input.
type TEIEmbedder struct {
	endpoint   string
	model      string
	batchSize  int
	dimensions atomic.Int64
	client     *http.Client
}

type teiEmbedRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

type teiErrorResponse struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
}

type TEIOption func(*TEIEmbedder)

func WithTEIEndpoint(endpoint string) TEIOption {
	return func(e *TEIEmbedder) {
		if endpoint != "" {
			e.endpoint = strings.TrimRight(endpoint, "/")
		}
	}
}

func WithTEIModel(model string) TEIOption {
	return func(e *TEIEmbedder) {
		e.model = model
	}
}

func WithTEIDimensions(dimensions int) TEIOption {
	return func(e *TEIEmbedder) {
		if dimensions > 0 {
			e.dimensions.Store(int64(dimensions))
		}
	}
}

func WithTEIBatchSize(n int) TEIOption {
	return func(e *TEIEmbedder) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

func WithTEITimeout(d time.Duration) TEIOption {
	return func(e *TEIEmbedder) {
		if d > 0 {
			e.client.Timeout = d
		}
	}
}

func NewTEIEmbedder(opts ...TEIOption) *TEIEmbedder {
	e := &TEIEmbedder{
		endpoint:  defaultTEIEndpoint,
		batchSize: 16,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *TEIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// EmbedBatch sends texts in batches of the configured size.
func (e *TEIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		end := min(i+e.batchSize, len(texts))
		batch, err := e.embed(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", i, end, err)
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (e *TEIEmbedder) embed(ctx context.Context, texts []string) ([][]float32, error) {
	jsonData, err := json.Marshal(teiEmbedRequest{Inputs: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/embed", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to send request to TEI at %s: %v", ErrUnavailable, e.endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(body)
		var errResp teiErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: TEI error (status %d): %s", ErrUnavailable, resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("TEI error (status %d): %s", resp.StatusCode, msg)
	}

	var result [][]float32
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result))
	}
	if len(result) > 0 {
		e.dimensions.Store(int64(len(result[0])))
	}

	return result, nil
}

func (e *TEIEmbedder) Dimensions() int {
	return int(e.dimensions.Load())
}

func (e *TEIEmbedder) Close() error {
	return nil
}

// Ping checks GET /health and embeds a probe string to learn the real width.
func (e *TEIEmbedder) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: failed to reach TEI at %s: %v", ErrUnavailable, e.endpoint, err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: TEI health returned status %d", ErrUnavailable, resp.StatusCode)
	}

	if _, err := e.embed(ctx, []string{"ping"}); err != nil {
		return err
	}
	return nil
}
