package history

import (
	"fmt"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

// Index is a thread-safe HNSW graph of message embeddings, keyed by entry ID.
//
// The graph only ever grows. Deleted IDs leave their node in the graph and
// are filtered out of search results; once removed nodes outnumber live
// ones the graph is rebuilt from the live vectors.
type Index struct {
	mu      sync.RWMutex
	graph   *hnsw.Graph[string]
	vectors map[string][]float32 // live entries
	removed int                  // nodes in graph with no live entry
	dims    int
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{
		graph:   hnsw.NewGraph[string](),
		vectors: make(map[string][]float32),
	}
}

// Add inserts or replaces the vector for id. All vectors must share one
// dimension; the first vector added to an empty index sets it.
func (idx *Index) Add(id string, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("empty vector for %s", id)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(idx.vectors) == 0 {
		idx.dims = len(vec)
	} else if len(vec) != idx.dims {
		return fmt.Errorf("vector for %s has %d dimensions, index has %d", id, len(vec), idx.dims)
	}

	if _, inGraph := idx.graph.Lookup(id); inGraph {
		// The graph cannot replace a key in place.
		if _, live := idx.vectors[id]; !live {
			idx.removed--
		}
		idx.vectors[id] = vec
		idx.rebuild()
		return nil
	}
	idx.vectors[id] = vec
	idx.graph.Add(hnsw.MakeNode(id, vec))
	return nil
}

// Delete removes id from the index if present.
func (idx *Index) Delete(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.vectors[id]; !ok {
		return
	}
	delete(idx.vectors, id)
	idx.removed++
	if idx.removed > len(idx.vectors) {
		idx.rebuild()
	}
}

// rebuild replaces the graph with one holding only live vectors.
// Callers hold mu.
func (idx *Index) rebuild() {
	ids := make([]string, 0, len(idx.vectors))
	for id := range idx.vectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	nodes := make([]hnsw.Node[string], len(ids))
	for i, id := range ids {
		nodes[i] = hnsw.MakeNode(id, idx.vectors[id])
	}
	idx.graph = hnsw.NewGraph[string]()
	idx.graph.Add(nodes...)
	idx.removed = 0
}

// Search returns up to k live IDs nearest to vec, closest first.
func (idx *Index) Search(vec []float32, k int) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.vectors) == 0 || k <= 0 || len(vec) != idx.dims {
		return nil
	}

	neighbors := idx.graph.Search(vec, k+idx.removed)
	ids := make([]string, 0, k)
	for _, n := range neighbors {
		if _, ok := idx.vectors[n.Key]; !ok {
			continue
		}
		ids = append(ids, n.Key)
		if len(ids) == k {
			break
		}
	}
	return ids
}

// Contains reports whether id is indexed.
func (idx *Index) Contains(id string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.vectors[id]
	return ok
}

// Len returns the number of indexed entries.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.vectors)
}
