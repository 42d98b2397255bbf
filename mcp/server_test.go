package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/probehq/probe/search"
	"github.com/probehq/probe/service"
)

type fakeService struct {
	results []search.Result
	err     error
	lastReq search.Request
}

func (f *fakeService) Search(ctx context.Context, req search.Request) ([]search.Result, error) {
	f.lastReq = req
	return f.results, f.err
}

func (f *fakeService) OpenFile(path string, start, end int) (*search.FileLines, error) {
	if strings.HasPrefix(path, "..") {
		return nil, fmt.Errorf("%w: %s", search.ErrPathEscapes, path)
	}
	return &search.FileLines{
		Path:      path,
		StartLine: start,
		EndLine:   end,
		Content:   fmt.Sprintf("%d: package main", start),
		FileHash:  "abc123",
		ModTime:   time.Unix(1700000000, 0),
	}, nil
}

func (f *fakeService) IndexStatus(ctx context.Context) service.Status {
	return service.Status{
		WatcherRunning:   true,
		WatcherState:     "running",
		FilesIndexed:     3,
		ChunksIndexed:    7,
		IndexGeneration:  4,
		BackendReachable: true,
		BM25Available:    true,
		DenseAvailable:   true,
		Preset:           "lite",
	}
}

func call(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (string, bool) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if len(result.Content) == 0 {
		t.Fatal("empty result content")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("unexpected content type %T", result.Content[0])
	}
	return text.Text, result.IsError
}

func sampleResults() []search.Result {
	return []search.Result{{
		Path:      "auth/token.go",
		StartLine: 10,
		EndLine:   30,
		Snippet:   "func RotateToken() {",
		Score:     0.032,
		Source:    "auth/token.go#L10-L30",
		Signals:   search.Signals{DenseRank: 2, BM25Rank: 1, RRFScore: 0.032},
	}}
}

func TestHandleSearch_JSON(t *testing.T) {
	svc := &fakeService{results: sampleResults()}
	s := NewServer(svc)

	text, isErr := call(t, s.handleSearch, map[string]any{
		"query": "rotate token",
		"top_k": float64(5),
		"mode":  "fast",
		"filters": map[string]any{
			"languages":     []any{"go"},
			"exclude_globs": []any{"**/*_test.go"},
		},
	})
	if isErr {
		t.Fatalf("unexpected error result: %s", text)
	}

	var got []search.Result
	if err := json.Unmarshal([]byte(text), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, text)
	}
	if len(got) != 1 || got[0].Source != "auth/token.go#L10-L30" || got[0].Signals.BM25Rank != 1 {
		t.Errorf("unexpected results: %+v", got)
	}

	if svc.lastReq.TopK != 5 || svc.lastReq.Mode != search.ModeFast {
		t.Errorf("request not forwarded: %+v", svc.lastReq)
	}
	if len(svc.lastReq.Filters.Languages) != 1 || svc.lastReq.Filters.Languages[0] != "go" {
		t.Errorf("languages filter not forwarded: %+v", svc.lastReq.Filters)
	}
	if len(svc.lastReq.Filters.ExcludeGlobs) != 1 {
		t.Errorf("exclude globs not forwarded: %+v", svc.lastReq.Filters)
	}
}

func TestHandleSearch_CompactAndToon(t *testing.T) {
	s := NewServer(&fakeService{results: sampleResults()})

	text, isErr := call(t, s.handleSearch, map[string]any{"query": "rotate", "compact": true})
	if isErr {
		t.Fatalf("unexpected error result: %s", text)
	}
	if strings.Contains(text, "snippet") {
		t.Errorf("compact output should not contain snippets: %s", text)
	}

	text, isErr = call(t, s.handleSearch, map[string]any{"query": "rotate", "format": "toon"})
	if isErr {
		t.Fatalf("unexpected error result: %s", text)
	}
	if !strings.Contains(text, "auth/token.go") {
		t.Errorf("toon output misses the path: %s", text)
	}
}

func TestHandleSearch_Errors(t *testing.T) {
	tests := []struct {
		name string
		svc  *fakeService
		args map[string]any
		want string
	}{
		{"missing query", &fakeService{}, map[string]any{}, "query parameter is required"},
		{"bad format", &fakeService{}, map[string]any{"query": "x", "format": "xml"}, "format must be"},
		{"bad mode", &fakeService{}, map[string]any{"query": "x", "mode": "turbo"}, "unknown search mode"},
		{"bad filters", &fakeService{}, map[string]any{"query": "x", "filters": map[string]any{"languages": "go"}}, "invalid filters"},
		{"backend down", &fakeService{err: fmt.Errorf("%w: dial tcp", search.ErrBackendUnavailable)}, map[string]any{"query": "x"}, "unreachable"},
		{"mismatch", &fakeService{err: fmt.Errorf("%w: 1024 vs 2560", search.ErrIndexMismatch)}, map[string]any{"query": "x"}, "does not match"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, isErr := call(t, NewServer(tt.svc).handleSearch, tt.args)
			if !isErr {
				t.Fatalf("expected error result, got %s", text)
			}
			if !strings.Contains(text, tt.want) {
				t.Errorf("error %q does not contain %q", text, tt.want)
			}
		})
	}
}

func TestHandleSearch_EmptyResultIsList(t *testing.T) {
	s := NewServer(&fakeService{})
	text, isErr := call(t, s.handleSearch, map[string]any{"query": "nothing"})
	if isErr {
		t.Fatalf("unexpected error result: %s", text)
	}
	if strings.TrimSpace(text) != "[]" {
		t.Errorf("expected empty list, got %s", text)
	}
}

func TestHandleOpenFile(t *testing.T) {
	s := NewServer(&fakeService{})

	text, isErr := call(t, s.handleOpenFile, map[string]any{"path": "main.go", "start_line": float64(1), "end_line": float64(3)})
	if isErr {
		t.Fatalf("unexpected error result: %s", text)
	}
	var got search.FileLines
	if err := json.Unmarshal([]byte(text), &got); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if got.Content != "1: package main" || got.FileHash != "abc123" {
		t.Errorf("unexpected file lines: %+v", got)
	}

	text, isErr = call(t, s.handleOpenFile, map[string]any{"path": "../etc/passwd", "start_line": float64(1), "end_line": float64(1)})
	if !isErr || !strings.Contains(text, "escapes project root") {
		t.Errorf("expected escape error, got %q", text)
	}

	_, isErr = call(t, s.handleOpenFile, map[string]any{"path": "main.go"})
	if !isErr {
		t.Error("expected error without line numbers")
	}
}

func TestHandleIndexStatus(t *testing.T) {
	s := NewServer(&fakeService{})

	text, isErr := call(t, s.handleIndexStatus, map[string]any{})
	if isErr {
		t.Fatalf("unexpected error result: %s", text)
	}
	var got map[string]any
	if err := json.Unmarshal([]byte(text), &got); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	for _, key := range []string{"watcher_running", "files_indexed", "chunks_indexed", "index_generation", "backend_reachable", "dense_available", "bm25_available", "reranker_available", "current_preset"} {
		if _, ok := got[key]; !ok {
			t.Errorf("status misses %q", key)
		}
	}
	if got["index_generation"].(float64) != 4 {
		t.Errorf("unexpected generation: %v", got["index_generation"])
	}
}
