package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	"github.com/kestrelworks/kbsync/internal/kberr"
)

// HNSWConfig configures the in-process vector index.
type HNSWConfig struct {
	// Dimensions is the fixed embedding width. Zero accepts the first
	// upserted vector's width.
	Dimensions int
	// M is the maximum neighbor count per node.
	M int
	// EfSearch is the search beam width.
	EfSearch int
	// Path is where Save/Load persist the graph. Empty keeps the index
	// memory-only.
	Path string
}

// HNSWIndex is the in-process similarity mirror, built on coder/hnsw.
// Deletes are lazy: the node stays in the graph but loses its id mapping,
// so it can never surface in results. This sidesteps graph corruption when
// removing the last node.
type HNSWIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config HNSWConfig

	idMap   map[string]uint64
	keyMap  map[uint64]string
	meta    map[string]map[string]string
	nextKey uint64

	closed bool
}

var (
	_ VectorIndex    = (*HNSWIndex)(nil)
	_ VectorSearcher = (*HNSWIndex)(nil)
)

// hnswSidecar is the gob-encoded companion file holding everything the
// graph export does not: id mappings, metadata, and config.
type hnswSidecar struct {
	IDMap   map[string]uint64
	Meta    map[string]map[string]string
	NextKey uint64
	Config  HNSWConfig
}

// NewHNSWIndex creates an index; if cfg.Path names an existing file the
// persisted graph is loaded.
func NewHNSWIndex(cfg HNSWConfig) (*HNSWIndex, error) {
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	idx := &HNSWIndex{
		graph:  graph,
		config: cfg,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
		meta:   make(map[string]map[string]string),
	}

	if cfg.Path != "" {
		if _, err := os.Stat(cfg.Path); err == nil {
			if err := idx.load(cfg.Path); err != nil {
				return nil, kberr.New(kberr.ErrCodeStoreCorrupt,
					fmt.Sprintf("vector index at %s failed to load", cfg.Path), err)
			}
		}
	}

	return idx, nil
}

// Upsert inserts or replaces one vector with its metadata.
func (x *HNSWIndex) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return fmt.Errorf("vector index is closed")
	}
	if len(vector) == 0 {
		return fmt.Errorf("empty vector for id %q", id)
	}
	if x.config.Dimensions == 0 {
		x.config.Dimensions = len(vector)
	}
	if len(vector) != x.config.Dimensions {
		return fmt.Errorf("vector dimension mismatch: expected %d, got %d",
			x.config.Dimensions, len(vector))
	}

	// Orphan the old node instead of deleting it from the graph.
	if prev, exists := x.idMap[id]; exists {
		delete(x.keyMap, prev)
		delete(x.idMap, id)
	}

	key := x.nextKey
	x.nextKey++

	vec := make([]float32, len(vector))
	copy(vec, vector)
	normalizeInPlace(vec)

	x.graph.Add(hnsw.MakeNode(key, vec))
	x.idMap[id] = key
	x.keyMap[key] = id
	x.meta[id] = metadata

	return nil
}

// Delete removes one id. Missing ids are a no-op.
func (x *HNSWIndex) Delete(ctx context.Context, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.closed {
		return fmt.Errorf("vector index is closed")
	}

	if key, exists := x.idMap[id]; exists {
		delete(x.keyMap, key)
		delete(x.idMap, id)
		delete(x.meta, id)
	}
	return nil
}

// Search returns the k nearest stored vectors to query, best first.
func (x *HNSWIndex) Search(ctx context.Context, query []float32, k int) ([]VectorMatch, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return nil, fmt.Errorf("vector index is closed")
	}
	if x.graph.Len() == 0 {
		return []VectorMatch{}, nil
	}
	if x.config.Dimensions != 0 && len(query) != x.config.Dimensions {
		return nil, fmt.Errorf("query dimension mismatch: expected %d, got %d",
			x.config.Dimensions, len(query))
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	// Over-fetch to compensate for lazy-deleted orphans in the graph.
	fetch := k + (x.graph.Len() - len(x.idMap))
	nodes := x.graph.Search(normalized, fetch)

	matches := make([]VectorMatch, 0, k)
	for _, node := range nodes {
		id, exists := x.keyMap[node.Key]
		if !exists {
			continue
		}
		distance := x.graph.Distance(normalized, node.Value)
		matches = append(matches, VectorMatch{
			ID:       id,
			Score:    1.0 - distance/2.0,
			Metadata: x.meta[id],
		})
		if len(matches) == k {
			break
		}
	}
	return matches, nil
}

// Count returns the number of live vectors.
func (x *HNSWIndex) Count() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.idMap)
}

// Contains reports whether id is present.
func (x *HNSWIndex) Contains(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, exists := x.idMap[id]
	return exists
}

// Save persists the graph and sidecar atomically (temp file + rename).
// A memory-only index is a no-op.
func (x *HNSWIndex) Save() error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if x.closed {
		return fmt.Errorf("vector index is closed")
	}
	if x.config.Path == "" {
		return nil
	}
	path := x.config.Path

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create index directory: %w", err)
	}

	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	if err := x.graph.Export(file); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close index file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename index file: %w", err)
	}

	return x.saveSidecar(path + ".meta")
}

func (x *HNSWIndex) saveSidecar(path string) error {
	tmp := path + ".tmp"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create sidecar file: %w", err)
	}

	sidecar := hnswSidecar{
		IDMap:   x.idMap,
		Meta:    x.meta,
		NextKey: x.nextKey,
		Config:  x.config,
	}
	if err := gob.NewEncoder(file).Encode(sidecar); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("encode sidecar: %w", err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close sidecar file: %w", err)
	}
	return os.Rename(tmp, path)
}

func (x *HNSWIndex) load(path string) error {
	if err := x.loadSidecar(path + ".meta"); err != nil {
		return err
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open index file: %w", err)
	}
	defer func() { _ = file.Close() }()

	// coder/hnsw Import requires an io.ByteReader.
	if err := x.graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}
	return nil
}

func (x *HNSWIndex) loadSidecar(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open sidecar file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var sidecar hnswSidecar
	if err := gob.NewDecoder(file).Decode(&sidecar); err != nil {
		return fmt.Errorf("decode sidecar: %w", err)
	}

	// Path comes from the caller, not the persisted snapshot.
	savedPath := x.config.Path
	x.idMap = sidecar.IDMap
	x.meta = sidecar.Meta
	x.nextKey = sidecar.NextKey
	x.config = sidecar.Config
	x.config.Path = savedPath

	x.keyMap = make(map[uint64]string, len(x.idMap))
	for id, key := range x.idMap {
		x.keyMap[key] = id
	}
	if x.meta == nil {
		x.meta = make(map[string]map[string]string)
	}
	return nil
}

// Close persists (when a path is configured) and releases the graph.
func (x *HNSWIndex) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.mu.Unlock()

	if err := x.Save(); err != nil {
		return err
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
	x.graph = nil
	return nil
}

// normalizeInPlace scales the vector to unit length for cosine distance.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}
