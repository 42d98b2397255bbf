// Package embedder talks to the embedding service that turns chunk text and
// queries into dense vectors.
package embedder

import (
	"context"
	"errors"
)

// QueryInstruction prefixes search queries. Instruction-tuned embedding
// models retrieve better when queries carry the task description while
// documents are embedded as-is.
const QueryInstruction = "Instruct: Given a code search query, retrieve relevant code snippets\nQuery: "

// FormatQuery applies the query instruction template.
func FormatQuery(query string) string {
	return QueryInstruction + query
}

// ErrUnavailable is returned when the embedding service cannot be reached.
var ErrUnavailable = errors.New("embedding service unavailable")

// Embedder produces fixed-width vectors.
type Embedder interface {
	// Embed returns the vector of one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector width. It is the configured width until
	// Ping has observed the real one.
	Dimensions() int

	// Ping checks that the service answers and records the width it
	// actually produces.
	Ping(ctx context.Context) error

	Close() error
}
