// Package embeddertest provides an in-process Embedder for tests.
package embeddertest

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
)

// Fake embeds text by hashing its words into a small vector, so texts that
// share words end up close to each other.
type Fake struct {
	Dims int

	mu    sync.Mutex
	err   error
	calls atomic.Int64
	texts atomic.Int64

	// Gate, when set, blocks every call until it is closed or the context
	// ends.
	Gate chan struct{}
}

func New(dims int) *Fake {
	return &Fake{Dims: dims}
}

// SetError makes every following call fail with err; nil restores success.
func (f *Fake) SetError(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Calls returns the number of Embed and EmbedBatch calls.
func (f *Fake) Calls() int { return int(f.calls.Load()) }

// Texts returns the number of texts embedded so far.
func (f *Fake) Texts() int { return int(f.texts.Load()) }

func (f *Fake) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *Fake) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	if f.Gate != nil {
		select {
		case <-f.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	f.texts.Add(int64(len(texts)))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f *Fake) vector(text string) []float32 {
	v := make([]float32, f.Dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%uint32(f.Dims)]++
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

func (f *Fake) Dimensions() int { return f.Dims }

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Fake) Close() error { return nil }
