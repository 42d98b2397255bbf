package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/probehq/probe/internal/fileutil"
)

// Persister is implemented by backends that keep their data in memory and
// write it out explicitly. The indexer persists after every batch.
type Persister interface {
	Persist(ctx context.Context) error
}

// Inventory is implemented by backends holding a local copy of the index
// that can fall behind the manifest. The stamp is the manifest generation
// the stored points reflect.
type Inventory interface {
	Stamp(workspaceID string) int64
	SetStamp(workspaceID string, generation int64)

	// Sync picks up what other processes wrote since the index was loaded.
	Sync(ctx context.Context) error

	// PointFiles maps every point id of the workspace to its file.
	PointFiles(ctx context.Context, workspaceID string) (map[string]string, error)
}

// GOBStore is a single-file local backend. It keeps every point in memory,
// scores dense candidates by cosine similarity and lexical candidates by
// BM25 over the same sparse encoding the Qdrant backend sends.
//
// Several processes may open the same file: a serving daemon and short
// CLI commands. Each one records its own changes in a journal; Persist
// writes nothing when the journal is empty and, when the file was rewritten
// since it was read, replays the journal on top of the newer content.
type GOBStore struct {
	indexPath string
	lockPath  string
	mu        sync.RWMutex
	state     *gobState
	journal   []gobOp
	version   uint64 // version of the file the state was read from
}

type gobData struct {
	Version    uint64
	VectorSize int
	Points     map[string]Point
	Registry   map[string]WorkspaceRecord
	Stamps     map[string]int64
}

// gobState is the in-memory index.
type gobState struct {
	vectorSize int
	points     map[string]Point // id -> point
	sparse     map[string]SparseVector
	registry   map[string]WorkspaceRecord
	stamps     map[string]int64
}

func newGOBState(d *gobData) *gobState {
	st := &gobState{
		points:   make(map[string]Point),
		sparse:   make(map[string]SparseVector),
		registry: make(map[string]WorkspaceRecord),
		stamps:   make(map[string]int64),
	}
	if d == nil {
		return st
	}
	st.vectorSize = d.VectorSize
	if d.Points != nil {
		st.points = d.Points
	}
	if d.Registry != nil {
		st.registry = d.Registry
	}
	if d.Stamps != nil {
		st.stamps = d.Stamps
	}
	for id, p := range st.points {
		st.sparse[id] = EncodeDocument(p.Content)
	}
	return st
}

type gobOpKind int

const (
	opEnsure gobOpKind = iota
	opUpsert
	opDeleteFile
	opDeleteWorkspace
	opTouch
	opRemoveWorkspace
	opStamp
)

// gobOp is one change, kept until it is persisted.
type gobOp struct {
	kind        gobOpKind
	vectorSize  int
	points      []Point
	workspaceID string
	filePath    string
	record      WorkspaceRecord
	generation  int64
}

func (st *gobState) apply(op gobOp) {
	switch op.kind {
	case opEnsure:
		if st.vectorSize == 0 {
			st.vectorSize = op.vectorSize
		}
	case opUpsert:
		for _, p := range op.points {
			st.points[p.ID] = p
			st.sparse[p.ID] = EncodeDocument(p.Content)
		}
	case opDeleteFile:
		for id, p := range st.points {
			if p.WorkspaceID == op.workspaceID && p.FilePath == op.filePath {
				delete(st.points, id)
				delete(st.sparse, id)
			}
		}
	case opDeleteWorkspace:
		for id, p := range st.points {
			if p.WorkspaceID == op.workspaceID {
				delete(st.points, id)
				delete(st.sparse, id)
			}
		}
	case opTouch:
		rec := op.record
		if prev, ok := st.registry[rec.WorkspaceID]; ok && !prev.CreatedAt.IsZero() {
			rec.CreatedAt = prev.CreatedAt
		}
		st.registry[rec.WorkspaceID] = rec
	case opRemoveWorkspace:
		delete(st.registry, op.workspaceID)
	case opStamp:
		// Another process may have stamped a later generation.
		if op.generation > st.stamps[op.workspaceID] {
			st.stamps[op.workspaceID] = op.generation
		}
	}
}

// NewGOBStore returns a store backed by indexPath. An empty path keeps the
// store in memory only.
func NewGOBStore(indexPath string) *GOBStore {
	s := &GOBStore{
		indexPath: indexPath,
		state:     newGOBState(nil),
	}
	if indexPath != "" {
		s.lockPath = indexPath + ".lock"
	}
	return s
}

// record applies op and journals it for the next Persist. Callers hold mu.
func (s *GOBStore) record(op gobOp) {
	s.state.apply(op)
	if s.indexPath != "" {
		s.journal = append(s.journal, op)
	}
}

func (s *GOBStore) EnsureCollection(ctx context.Context, vectorSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.vectorSize == 0 {
		s.record(gobOp{kind: opEnsure, vectorSize: vectorSize})
	}
	return nil
}

func (s *GOBStore) VectorSize(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.vectorSize, nil
}

func (s *GOBStore) Upsert(ctx context.Context, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkDimensions(points, s.state.vectorSize); err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}
	s.record(gobOp{kind: opUpsert, points: append([]Point(nil), points...)})
	return nil
}

func (s *GOBStore) DeleteByFile(ctx context.Context, workspaceID, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record(gobOp{kind: opDeleteFile, workspaceID: workspaceID, filePath: filePath})
	return nil
}

func (s *GOBStore) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record(gobOp{kind: opDeleteWorkspace, workspaceID: workspaceID})
	return nil
}

func (s *GOBStore) Search(ctx context.Context, q Query) (*SearchResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.state.vectorSize > 0 && len(q.Vector) > 0 && len(q.Vector) != s.state.vectorSize {
		return nil, fmt.Errorf("%w: query has %d dimensions, expected %d",
			ErrDimensionMismatch, len(q.Vector), s.state.vectorSize)
	}

	var scope []string
	for id, p := range s.state.points {
		if q.Filter.match(&p) {
			scope = append(scope, id)
		}
	}
	// Map order is random; ties must rank the same way on every call.
	sort.Strings(scope)

	resp := &SearchResponse{}
	if len(q.Vector) > 0 {
		for _, id := range scope {
			resp.Dense = append(resp.Dense, s.hit(id, float64(cosineSimilarity(q.Vector, s.state.points[id].Vector))))
		}
		resp.Dense = topHits(resp.Dense, q.Limit)
	}

	query := EncodeQuery(q.Text)
	if len(query.Indices) > 0 {
		idf := s.idf(scope, query)
		for _, id := range scope {
			score := s.state.sparse[id].Dot(query, func(idx uint32) float64 { return idf[idx] })
			if score > 0 {
				resp.Lexical = append(resp.Lexical, s.hit(id, score))
			}
		}
		resp.Lexical = topHits(resp.Lexical, q.Limit)
	}
	return resp, nil
}

// idf computes the BM25 inverse document frequency of the query terms over
// the searched scope, the same formula Qdrant's IDF modifier uses.
func (s *GOBStore) idf(scope []string, query SparseVector) map[uint32]float64 {
	df := make(map[uint32]int, len(query.Indices))
	for _, id := range scope {
		doc := s.state.sparse[id]
		for _, idx := range query.Indices {
			i := sort.Search(len(doc.Indices), func(k int) bool { return doc.Indices[k] >= idx })
			if i < len(doc.Indices) && doc.Indices[i] == idx {
				df[idx]++
			}
		}
	}

	n := float64(len(scope))
	out := make(map[uint32]float64, len(query.Indices))
	for _, idx := range query.Indices {
		f := float64(df[idx])
		out[idx] = math.Log(1 + (n-f+0.5)/(f+0.5))
	}
	return out
}

func (s *GOBStore) hit(id string, score float64) Hit {
	p := s.state.points[id]
	p.Vector = nil
	p.Content = ""
	return Hit{Point: p, Score: score}
}

func topHits(hits []Hit, limit int) []Hit {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func (s *GOBStore) Health(ctx context.Context) error {
	return nil
}

func (s *GOBStore) Touch(ctx context.Context, rec WorkspaceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.LastSeen.IsZero() {
		rec.LastSeen = time.Now()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.LastSeen
	}
	s.record(gobOp{kind: opTouch, record: rec})
	return nil
}

func (s *GOBStore) ListWorkspaces(ctx context.Context) ([]WorkspaceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]WorkspaceRecord, 0, len(s.state.registry))
	for _, rec := range s.state.registry {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkspaceID < out[j].WorkspaceID })
	return out, nil
}

func (s *GOBStore) RemoveWorkspace(ctx context.Context, workspaceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.record(gobOp{kind: opRemoveWorkspace, workspaceID: workspaceID})
	return nil
}

// Len returns the number of stored points.
func (s *GOBStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.points)
}

func (s *GOBStore) Stamp(workspaceID string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.stamps[workspaceID]
}

// SetStamp records that the points of workspaceID reflect generation. It
// is written with the next Persist.
func (s *GOBStore) SetStamp(workspaceID string, generation int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record(gobOp{kind: opStamp, workspaceID: workspaceID, generation: generation})
}

func (s *GOBStore) PointFiles(ctx context.Context, workspaceID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string)
	for id, p := range s.state.points {
		if p.WorkspaceID == workspaceID {
			out[id] = p.FilePath
		}
	}
	return out, nil
}

// Load reads the index file under a shared file lock. A missing file leaves
// the store empty. Unpersisted changes are dropped.
func (s *GOBStore) Load(ctx context.Context) error {
	if s.indexPath == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := fileutil.LockPath(s.lockPath, false)
	if err != nil {
		return err
	}
	defer unlock()

	data, err := s.readFile()
	if err != nil {
		return err
	}
	s.state = newGOBState(data)
	s.journal = nil
	s.version = 0
	if data != nil {
		s.version = data.Version
	}
	return nil
}

// Sync rebuilds the in-memory index from the file when another process has
// rewritten it, keeping this process's unpersisted changes on top.
func (s *GOBStore) Sync(ctx context.Context) error {
	if s.indexPath == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := fileutil.LockPath(s.lockPath, false)
	if err != nil {
		return err
	}
	defer unlock()

	_, err = s.rebase()
	return err
}

// Persist writes the index file under an exclusive file lock. Nothing is
// written when this process changed nothing since the last write.
func (s *GOBStore) Persist(ctx context.Context) error {
	if s.indexPath == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.journal) == 0 {
		return nil
	}

	unlock, err := fileutil.LockPath(s.lockPath, true)
	if err != nil {
		return err
	}
	defer unlock()

	version, err := s.rebase()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	err = gob.NewEncoder(&buf).Encode(gobData{
		Version:    version + 1,
		VectorSize: s.state.vectorSize,
		Points:     s.state.points,
		Registry:   s.state.registry,
		Stamps:     s.state.stamps,
	})
	if err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}
	if err := fileutil.WriteFileAtomically(s.indexPath, buf.Bytes(), 0644); err != nil {
		return err
	}
	s.version = version + 1
	s.journal = nil
	return nil
}

// rebase reloads the file when its version differs from the one the state
// was read from and replays the journal onto it. It returns the file's
// version. Callers hold mu and the file lock.
func (s *GOBStore) rebase() (uint64, error) {
	data, err := s.readFile()
	if err != nil {
		return 0, err
	}
	if data == nil {
		// The file is gone; what is in memory is all there is.
		s.version = 0
		return 0, nil
	}
	version := data.Version
	if version == s.version {
		return version, nil
	}

	st := newGOBState(data)
	for _, op := range s.journal {
		st.apply(op)
	}
	s.state = st
	s.version = version
	return version, nil
}

// readFile decodes the index file; a missing file yields nil.
func (s *GOBStore) readFile() (*gobData, error) {
	file, err := os.Open(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	var data gobData
	if err := gob.NewDecoder(file).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode index: %w", err)
	}
	return &data, nil
}

// Close persists pending changes.
func (s *GOBStore) Close() error {
	return s.Persist(context.Background())
}

// cosineSimilarity calculates the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64

	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return float32(dotProduct / (math.Sqrt(normA) * math.Sqrt(normB)))
}
