package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	qdrantUpsertBatch  = 100
	qdrantRegistrySize = 10000
	registryMarker     = "marker"
)

// QdrantStore keeps chunks in one collection per preset with a named dense
// vector and a BM25 sparse vector, and the workspace registry in a separate
// payload-only collection.
type QdrantStore struct {
	client     *qdrant.Client
	collection string
	host       string
	port       int
}

type QdrantOptions struct {
	Host       string
	Port       int
	APIKey     string
	UseTLS     bool
	Collection string
}

// NewQdrantStore creates a gRPC client. It does not contact the server;
// call WaitHealthy or Health before use.
func NewQdrantStore(opts QdrantOptions) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   opts.Host,
		Port:   opts.Port,
		APIKey: opts.APIKey,
		UseTLS: opts.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &QdrantStore{
		client:     client,
		collection: opts.Collection,
		host:       opts.Host,
		port:       opts.Port,
	}, nil
}

// Health performs a single health check against Qdrant.
func (s *QdrantStore) Health(ctx context.Context) error {
	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("%w: qdrant at %s:%d: %v", ErrBackendUnavailable, s.host, s.port, err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("%w: qdrant health check returned invalid response", ErrBackendUnavailable)
	}
	return nil
}

// WaitHealthy retries Health with exponential backoff for at most maxElapsed.
func WaitHealthy(ctx context.Context, b Backend, maxElapsed time.Duration) error {
	exponentialBackoff := backoff.NewExponentialBackOff()
	exponentialBackoff.InitialInterval = 500 * time.Millisecond
	exponentialBackoff.MaxInterval = 10 * time.Second
	exponentialBackoff.MaxElapsedTime = maxElapsed

	return backoff.Retry(func() error {
		return b.Health(ctx)
	}, backoff.WithContext(exponentialBackoff, ctx))
}

func (s *QdrantStore) EnsureCollection(ctx context.Context, vectorSize int) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return s.wrap("failed to check collection", err)
	}
	if !exists {
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: s.collection,
			VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
				DenseVectorName: {
					Size:     uint64(vectorSize),
					Distance: qdrant.Distance_Cosine,
				},
			}),
			SparseVectorsConfig: qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
				SparseVectorName: {
					Modifier: qdrant.Modifier_Idf.Enum(),
				},
			}),
		})
		if err != nil {
			return s.wrap("failed to create collection", err)
		}

		for _, field := range []string{"repo_id", "workspace_id", "file_path", "language", "chunk_kind"} {
			if err := s.createKeywordIndex(ctx, s.collection, field); err != nil {
				return err
			}
		}
	}

	return s.ensureRegistry(ctx)
}

func (s *QdrantStore) ensureRegistry(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, RegistryName)
	if err != nil {
		return s.wrap("failed to check registry collection", err)
	}
	if exists {
		return nil
	}

	// Registry points carry no vector; the collection still needs one
	// named vector config to exist.
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: RegistryName,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			registryMarker: {
				Size:     1,
				Distance: qdrant.Distance_Dot,
			},
		}),
	})
	if err != nil {
		return s.wrap("failed to create registry collection", err)
	}
	return s.createKeywordIndex(ctx, RegistryName, "workspace_id")
}

func (s *QdrantStore) createKeywordIndex(ctx context.Context, collection, field string) error {
	_, err := s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: collection,
		FieldName:      field,
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return s.wrap(fmt.Sprintf("failed to create index for field %s", field), err)
	}
	return nil
}

func (s *QdrantStore) VectorSize(ctx context.Context) (int, error) {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return 0, s.wrap("failed to check collection", err)
	}
	if !exists {
		return 0, nil
	}

	info, err := s.client.GetCollectionInfo(ctx, s.collection)
	if err != nil {
		return 0, s.wrap("failed to get collection", err)
	}
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParamsMap().GetMap()[DenseVectorName]
	if params == nil {
		return 0, fmt.Errorf("collection %s has no %q vector", s.collection, DenseVectorName)
	}
	return int(params.GetSize()), nil
}

func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	for i := 0; i < len(points); i += qdrantUpsertBatch {
		end := min(i+qdrantUpsertBatch, len(points))

		batch := make([]*qdrant.PointStruct, 0, end-i)
		for _, p := range points[i:end] {
			sparse := EncodeDocument(p.Content)
			vectors := map[string]*qdrant.Vector{
				DenseVectorName: qdrant.NewVectorDense(p.Vector),
			}
			if len(sparse.Indices) > 0 {
				vectors[SparseVectorName] = qdrant.NewVectorSparse(sparse.Indices, sparse.Values)
			}
			batch = append(batch, &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(p.ID),
				Vectors: qdrant.NewVectorsMap(vectors),
				Payload: qdrant.NewValueMap(pointPayload(p)),
			})
		}

		_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: s.collection,
			Wait:           qdrant.PtrOf(true),
			Points:         batch,
		})
		if err != nil {
			return s.wrap(fmt.Sprintf("failed to upsert batch %d-%d", i, end), err)
		}
	}
	return nil
}

func pointPayload(p Point) map[string]any {
	return map[string]any{
		"repo_id":      p.RepoID,
		"workspace_id": p.WorkspaceID,
		"file_path":    p.FilePath,
		"language":     p.Language,
		"chunk_kind":   p.ChunkKind,
		"file_hash":    p.FileHash,
		"chunk_hash":   p.ChunkHash,
		"symbol":       p.Symbol,
		"start_line":   int64(p.StartLine),
		"end_line":     int64(p.EndLine),
		"chunk_idx":    int64(p.ChunkIdx),
		"indexed_at":   p.IndexedAt.UTC().Format(time.RFC3339),
	}
}

func pointFromPayload(id string, payload map[string]*qdrant.Value) Point {
	indexedAt, _ := time.Parse(time.RFC3339, payload["indexed_at"].GetStringValue())
	return Point{
		ID:          id,
		RepoID:      payload["repo_id"].GetStringValue(),
		WorkspaceID: payload["workspace_id"].GetStringValue(),
		FilePath:    payload["file_path"].GetStringValue(),
		Language:    payload["language"].GetStringValue(),
		ChunkKind:   payload["chunk_kind"].GetStringValue(),
		FileHash:    payload["file_hash"].GetStringValue(),
		ChunkHash:   payload["chunk_hash"].GetStringValue(),
		Symbol:      payload["symbol"].GetStringValue(),
		StartLine:   int(payload["start_line"].GetIntegerValue()),
		EndLine:     int(payload["end_line"].GetIntegerValue()),
		ChunkIdx:    int(payload["chunk_idx"].GetIntegerValue()),
		IndexedAt:   indexedAt,
	}
}

func (s *QdrantStore) DeleteByFile(ctx context.Context, workspaceID, filePath string) error {
	return s.deleteWhere(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("workspace_id", workspaceID),
			qdrant.NewMatch("file_path", filePath),
		},
	})
}

func (s *QdrantStore) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	return s.deleteWhere(ctx, &qdrant.Filter{
		Must: []*qdrant.Condition{
			qdrant.NewMatch("workspace_id", workspaceID),
		},
	})
}

func (s *QdrantStore) deleteWhere(ctx context.Context, filter *qdrant.Filter) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelectorFilter(filter),
	})
	if err != nil {
		return s.wrap("failed to delete points", err)
	}
	return nil
}

// Search sends the dense and the sparse query as one batch request.
func (s *QdrantStore) Search(ctx context.Context, q Query) (*SearchResponse, error) {
	filter := buildFilter(q.Filter)
	limit := qdrant.PtrOf(uint64(q.Limit))
	dense := DenseVectorName
	sparseName := SparseVectorName

	var queries []*qdrant.QueryPoints
	denseIdx, sparseIdx := -1, -1
	if len(q.Vector) > 0 {
		denseIdx = len(queries)
		queries = append(queries, &qdrant.QueryPoints{
			CollectionName: s.collection,
			Query:          qdrant.NewQueryDense(q.Vector),
			Using:          &dense,
			Filter:         filter,
			Limit:          limit,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(false),
		})
	}
	if sparse := EncodeQuery(q.Text); len(sparse.Indices) > 0 {
		sparseIdx = len(queries)
		queries = append(queries, &qdrant.QueryPoints{
			CollectionName: s.collection,
			Query:          qdrant.NewQuerySparse(sparse.Indices, sparse.Values),
			Using:          &sparseName,
			Filter:         filter,
			Limit:          limit,
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(false),
		})
	}

	resp := &SearchResponse{}
	if len(queries) == 0 {
		return resp, nil
	}

	results, err := s.client.QueryBatch(ctx, &qdrant.QueryBatchPoints{
		CollectionName: s.collection,
		QueryPoints:    queries,
	})
	if err != nil {
		return nil, s.wrap("failed to search", err)
	}
	if len(results) != len(queries) {
		return nil, fmt.Errorf("qdrant returned %d result lists for %d queries", len(results), len(queries))
	}

	if denseIdx >= 0 {
		resp.Dense = scoredHits(results[denseIdx].GetResult())
	}
	if sparseIdx >= 0 {
		resp.Lexical = scoredHits(results[sparseIdx].GetResult())
	}
	return resp, nil
}

func buildFilter(f Filter) *qdrant.Filter {
	must := []*qdrant.Condition{
		qdrant.NewMatch("workspace_id", f.WorkspaceID),
	}
	if len(f.Languages) > 0 {
		must = append(must, qdrant.NewMatchKeywords("language", f.Languages...))
	}
	if len(f.ChunkKinds) > 0 {
		must = append(must, qdrant.NewMatchKeywords("chunk_kind", f.ChunkKinds...))
	}
	return &qdrant.Filter{Must: must}
}

func scoredHits(points []*qdrant.ScoredPoint) []Hit {
	hits := make([]Hit, 0, len(points))
	for _, sp := range points {
		hits = append(hits, Hit{
			Point: pointFromPayload(sp.GetId().GetUuid(), sp.GetPayload()),
			Score: float64(sp.GetScore()),
		})
	}
	return hits
}

func (s *QdrantStore) Touch(ctx context.Context, rec WorkspaceRecord) error {
	if rec.LastSeen.IsZero() {
		rec.LastSeen = time.Now()
	}
	if rec.CreatedAt.IsZero() {
		existing, err := s.getWorkspace(ctx, rec.WorkspaceID)
		if err != nil {
			return err
		}
		if existing != nil && !existing.CreatedAt.IsZero() {
			rec.CreatedAt = existing.CreatedAt
		} else {
			rec.CreatedAt = rec.LastSeen
		}
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: RegistryName,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(rec.WorkspaceID),
			Vectors: qdrant.NewVectorsMap(map[string]*qdrant.Vector{}),
			Payload: qdrant.NewValueMap(map[string]any{
				"workspace_id":    rec.WorkspaceID,
				"repo_id":         rec.RepoID,
				"root":            rec.Root,
				"preset":          rec.Preset,
				"embedding_model": rec.EmbeddingModel,
				"vector_size":     int64(rec.VectorSize),
				"created_at":      rec.CreatedAt.UTC().Format(time.RFC3339),
				"last_seen":       rec.LastSeen.UTC().Format(time.RFC3339),
			}),
		}},
	})
	if err != nil {
		return s.wrap("failed to touch workspace", err)
	}
	return nil
}

func (s *QdrantStore) getWorkspace(ctx context.Context, workspaceID string) (*WorkspaceRecord, error) {
	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: RegistryName,
		Ids:            []*qdrant.PointId{qdrant.NewIDUUID(workspaceID)},
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, s.wrap("failed to get workspace", err)
	}
	if len(points) == 0 {
		return nil, nil
	}
	rec := recordFromPayload(points[0].GetPayload())
	return &rec, nil
}

func (s *QdrantStore) ListWorkspaces(ctx context.Context) ([]WorkspaceRecord, error) {
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: RegistryName,
		Limit:          qdrant.PtrOf(uint32(qdrantRegistrySize)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, s.wrap("failed to list workspaces", err)
	}

	out := make([]WorkspaceRecord, 0, len(points))
	for _, p := range points {
		out = append(out, recordFromPayload(p.GetPayload()))
	}
	return out, nil
}

func recordFromPayload(payload map[string]*qdrant.Value) WorkspaceRecord {
	createdAt, _ := time.Parse(time.RFC3339, payload["created_at"].GetStringValue())
	lastSeen, _ := time.Parse(time.RFC3339, payload["last_seen"].GetStringValue())
	return WorkspaceRecord{
		WorkspaceID:    payload["workspace_id"].GetStringValue(),
		RepoID:         payload["repo_id"].GetStringValue(),
		Root:           payload["root"].GetStringValue(),
		Preset:         payload["preset"].GetStringValue(),
		EmbeddingModel: payload["embedding_model"].GetStringValue(),
		VectorSize:     int(payload["vector_size"].GetIntegerValue()),
		CreatedAt:      createdAt,
		LastSeen:       lastSeen,
	}
}

func (s *QdrantStore) RemoveWorkspace(ctx context.Context, workspaceID string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: RegistryName,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(workspaceID)),
	})
	if err != nil {
		return s.wrap("failed to remove workspace", err)
	}
	return nil
}

// Close closes the Qdrant client connection.
func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// wrap marks transport-level gRPC failures as ErrBackendUnavailable.
func (s *QdrantStore) wrap(msg string, err error) error {
	if isUnavailable(err) {
		return fmt.Errorf("%s: %w: %v", msg, ErrBackendUnavailable, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
			return true
		}
	}
	return false
}
