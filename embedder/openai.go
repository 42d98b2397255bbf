package embedder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	defaultOpenAIEndpoint = "https://api.openai.com/v1"
	defaultOpenAIModel    = "text-embedding-3-small"
	openAIDimensions      = 1536
)

// OpenAIEmbedder talks to any OpenAI-compatible /embeddings endpoint
// (OpenAI itself, vLLM, LM Studio, a TEI OpenAI route).
type OpenAIEmbedder struct {
	client     openai.Client
	endpoint   string
	model      string
	apiKey     string
	batchSize  int
	sendDims   bool
	dimensions atomic.Int64
	maxElapsed time.Duration
}

type OpenAIOption func(*OpenAIEmbedder)

func WithOpenAIEndpoint(endpoint string) OpenAIOption {
	return func(e *OpenAIEmbedder) {
		if endpoint != "" {
			e.endpoint = endpoint
		}
	}
}

func WithOpenAIModel(model string) OpenAIOption {
	return func(e *OpenAIEmbedder) {
		if model != "" {
			e.model = model
		}
	}
}

func WithOpenAIKey(key string) OpenAIOption {
	return func(e *OpenAIEmbedder) {
		e.apiKey = key
	}
}

// WithOpenAIDimensions requests vectors of the given width from models that
// support shortening.
func WithOpenAIDimensions(dimensions int) OpenAIOption {
	return func(e *OpenAIEmbedder) {
		e.dimensions.Store(int64(dimensions))
		e.sendDims = true
	}
}

func WithOpenAIBatchSize(n int) OpenAIOption {
	return func(e *OpenAIEmbedder) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

func NewOpenAIEmbedder(opts ...OpenAIOption) (*OpenAIEmbedder, error) {
	e := &OpenAIEmbedder{
		endpoint:   defaultOpenAIEndpoint,
		model:      defaultOpenAIModel,
		batchSize:  64,
		maxElapsed: 30 * time.Second,
	}
	e.dimensions.Store(openAIDimensions)
	for _, opt := range opts {
		opt(e)
	}

	if e.apiKey == "" {
		e.apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if e.apiKey == "" {
		return nil, fmt.Errorf("openai API key not set (use OPENAI_API_KEY environment variable)")
	}

	e.client = openai.NewClient(
		option.WithAPIKey(e.apiKey),
		option.WithBaseURL(e.endpoint),
	)
	return e, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		end := min(i+e.batchSize, len(texts))
		batch, err := e.embedBatchWithRetry(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("batch %d-%d: %w", i, end, err)
		}
		out = append(out, batch...)
	}
	return out, nil
}

// embedBatchWithRetry retries rate-limit and server errors with exponential
// backoff. Other errors fail immediately.
func (e *OpenAIEmbedder) embedBatchWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var embeddings [][]float32

	operation := func() error {
		params := openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: texts,
			},
			Model: openai.EmbeddingModel(e.model),
		}
		if e.sendDims {
			params.Dimensions = openai.Int(e.dimensions.Load())
		}

		resp, err := e.client.Embeddings.New(ctx, params)
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if len(resp.Data) != len(texts) {
			return backoff.Permanent(fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data)))
		}

		embeddings = make([][]float32, len(texts))
		for _, d := range resp.Data {
			if d.Index < 0 || int(d.Index) >= len(texts) {
				return backoff.Permanent(fmt.Errorf("embedding index %d out of range", d.Index))
			}
			embeddings[d.Index] = toFloat32(d.Embedding)
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = e.maxElapsed

	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		if isRetryable(err) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return nil, err
	}
	if len(embeddings) > 0 && len(embeddings[0]) > 0 {
		e.dimensions.Store(int64(len(embeddings[0])))
	}
	return embeddings, nil
}

// isRetryable reports rate limits (429), server errors (5xx) and transport
// failures.
func isRetryable(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}

func (e *OpenAIEmbedder) Dimensions() int {
	return int(e.dimensions.Load())
}

func (e *OpenAIEmbedder) Close() error {
	return nil
}

// Ping embeds a probe string, which also records the real width.
func (e *OpenAIEmbedder) Ping(ctx context.Context) error {
	if _, err := e.Embed(ctx, "ping"); err != nil {
		return fmt.Errorf("failed to reach embeddings endpoint at %s: %w", e.endpoint, err)
	}
	return nil
}
