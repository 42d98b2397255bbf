package config

import "sort"

// DefaultPreset is used when neither the workspace nor PROBE_PRESET names one.
const DefaultPreset = "lite"

// Preset bundles an embedding model with its vector width and whether the
// reranker is on by default. Each preset indexes into its own collection, so
// switching presets never mixes widths in one index.
type Preset struct {
	Name           string
	EmbeddingModel string
	Dimensions     int
	RerankerModel  string
	Reranker       bool
}

var Presets = map[string]Preset{
	"lite": {
		Name:           "lite",
		EmbeddingModel: "Qwen/Qwen3-Embedding-0.6B",
		Dimensions:     1024,
		RerankerModel:  "Qwen/Qwen3-Reranker-0.6B",
		Reranker:       false,
	},
	"balanced": {
		Name:           "balanced",
		EmbeddingModel: "Qwen/Qwen3-Embedding-4B",
		Dimensions:     2560,
		RerankerModel:  "Qwen/Qwen3-Reranker-4B",
		Reranker:       true,
	},
	"pro": {
		Name:           "pro",
		EmbeddingModel: "Qwen/Qwen3-Embedding-8B",
		Dimensions:     4096,
		RerankerModel:  "Qwen/Qwen3-Reranker-8B",
		Reranker:       true,
	},
}

// PresetNames returns the known preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
