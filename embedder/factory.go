package embedder

import (
	"fmt"

	"github.com/probehq/probe/config"
)

// NewFromConfig creates an Embedder based on the provided configuration.
func NewFromConfig(cfg *config.Config) (Embedder, error) {
	dims := cfg.Embedder.GetDimensions(cfg.Preset)

	switch cfg.Embedder.Provider {
	case "tei":
		return NewTEIEmbedder(
			WithTEIEndpoint(cfg.Embedder.Endpoint),
			WithTEIModel(cfg.Embedder.Model),
			WithTEIDimensions(dims),
			WithTEIBatchSize(cfg.Embedder.BatchSize),
			WithTEITimeout(cfg.Embedder.Timeout()),
		), nil

	case "openai":
		opts := []OpenAIOption{
			WithOpenAIModel(cfg.Embedder.Model),
			WithOpenAIKey(cfg.Embedder.APIKey),
			WithOpenAIEndpoint(cfg.Embedder.Endpoint),
			WithOpenAIBatchSize(cfg.Embedder.BatchSize),
		}
		if cfg.Embedder.Dimensions != nil {
			opts = append(opts, WithOpenAIDimensions(*cfg.Embedder.Dimensions))
		}
		return NewOpenAIEmbedder(opts...)

	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Embedder.Provider)
	}
}
