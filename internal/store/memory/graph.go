package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aihub/docindex/internal/models"
	"github.com/aihub/docindex/internal/store"
)

type edgeKey struct {
	from, to, rel string
}

// GraphStore 内存图存储
type GraphStore struct {
	faults
	mu    sync.RWMutex
	nodes map[string]models.GraphNode
	edges map[edgeKey]models.GraphEdge
}

var _ store.GraphStore = (*GraphStore)(nil)

// NewGraphStore 创建内存图存储
func NewGraphStore() *GraphStore {
	return &GraphStore{
		nodes: make(map[string]models.GraphNode),
		edges: make(map[edgeKey]models.GraphEdge),
	}
}

func (g *GraphStore) UpsertRecords(_ context.Context, records []models.IndexRecord) error {
	if err := g.check("UpsertRecords"); err != nil {
		return err
	}
	batch := store.BuildGraphBatch(records)

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range batch.Nodes {
		g.nodes[n.ID] = n
	}
	for _, e := range batch.Edges {
		g.edges[edgeKey{e.FromID, e.ToID, e.Relation}] = e
	}
	return nil
}

func (g *GraphStore) EntitiesForChunks(_ context.Context, chunkIDs []string) (map[string][]models.Entity, error) {
	if err := g.check("EntitiesForChunks"); err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(chunkIDs))
	for _, id := range chunkIDs {
		want[id] = true
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string][]models.Entity)
	for k := range g.edges {
		if k.rel != models.RelMentions || !want[k.from] {
			continue
		}
		n, ok := g.nodes[k.to]
		if !ok {
			continue
		}
		out[k.from] = append(out[k.from], models.Entity{ID: n.ID, Name: n.Name, Type: n.EntityType})
	}
	for id := range out {
		sort.Slice(out[id], func(i, j int) bool { return out[id][i].Name < out[id][j].Name })
	}
	return out, nil
}

func (g *GraphStore) Traverse(_ context.Context, start, relation string, depth int) ([]models.GraphNode, error) {
	if err := g.check("Traverse"); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	adjacency := make(map[string][]string)
	for k := range g.edges {
		if relation == "" || k.rel == relation {
			adjacency[k.from] = append(adjacency[k.from], k.to)
		}
	}
	for from := range adjacency {
		sort.Strings(adjacency[from])
	}

	visited := map[string]bool{start: true}
	frontier := []string{start}
	var out []models.GraphNode
	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			for _, to := range adjacency[id] {
				if visited[to] {
					continue
				}
				visited[to] = true
				next = append(next, to)
				if n, ok := g.nodes[to]; ok {
					out = append(out, n)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

func (g *GraphStore) QueryChunks(_ context.Context, filter store.Filter) ([]string, error) {
	if err := g.check("QueryChunks"); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, n := range g.nodes {
		if n.Kind == models.NodeChunk && filter.Matches(n.DocumentID, n.Metadata) {
			out = append(out, n.ID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (g *GraphStore) DeleteDocument(_ context.Context, documentID string, beforeRevision int64) error {
	if err := g.check("DeleteDocument"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, e := range g.edges {
		if e.DocumentID == documentID && e.Revision < beforeRevision {
			delete(g.edges, k)
		}
	}
	for id, n := range g.nodes {
		if n.Kind != models.NodeEntity && n.DocumentID == documentID && n.Revision < beforeRevision {
			delete(g.nodes, id)
		}
	}
	return nil
}

// NodeCount returns the number of nodes of kind that belong to documentID.
func (g *GraphStore) NodeCount(documentID, kind string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, node := range g.nodes {
		if node.Kind == kind && node.DocumentID == documentID {
			n++
		}
	}
	return n
}

func (g *GraphStore) Close() error { return nil }
