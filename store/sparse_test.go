package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"func main()", []string{"func", "main"}},
		{"parse_config", []string{"parse_config", "parse", "config"}},
		{"parseHTTPHeader", []string{"parsehttpheader", "parse", "http", "header"}},
		{"running runs", []string{"running", "runs"}},
		{"the a of", []string{"the", "a", "of"}},
		{"utf8 sha256", []string{"utf8", "utf", "8", "sha256", "sha", "256"}},
		{"__init__", []string{"init"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Tokenize(tt.in))
		})
	}
}

func TestEncodeDocument_SortedAndSaturating(t *testing.T) {
	v := EncodeDocument("retry retry retry backoff")
	require.Len(t, v.Indices, 2)
	assert.Len(t, v.Values, 2)
	assert.Less(t, v.Indices[0], v.Indices[1])

	retry := v.Values[0]
	if v.Indices[1] == tokenIndex("retry") {
		retry = v.Values[1]
	}
	once := EncodeDocument("retry backoff")
	onceRetry := once.Values[0]
	if once.Indices[1] == tokenIndex("retry") {
		onceRetry = once.Values[1]
	}
	assert.Greater(t, retry, onceRetry)
	assert.Less(t, retry, float32(3*onceRetry))
}

func TestEncodeQuery_UnitWeights(t *testing.T) {
	v := EncodeQuery("load load config")
	require.Len(t, v.Values, 2)
	for _, w := range v.Values {
		assert.Equal(t, float32(1), w)
	}
}

func TestSparseDot(t *testing.T) {
	doc := EncodeDocument("openFile resolves symlinks")
	q := EncodeQuery("symlinks")
	assert.Greater(t, doc.Dot(q, nil), 0.0)
	assert.Equal(t, 0.0, doc.Dot(EncodeQuery("unrelated"), nil))
	assert.Equal(t, 0.0, SparseVector{}.Dot(q, nil))
}
