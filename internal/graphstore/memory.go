package graphstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/trapias/memoria/internal/merr"
)

type edgeKey struct {
	source, target string
	relType        RelationType
}

type rejectKey struct {
	source, target string
	relType        RelationType
}

// MemoryStore is an in-process Store: typed/weighted edges, BFS
// traversal, and the rejection ledger, held in maps. It doubles as the
// traversal engine the postgres backend snapshots into.
type MemoryStore struct {
	mu         sync.RWMutex
	edges      map[edgeKey]Edge
	rejections map[rejectKey]Rejection
	seq        int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		edges:      make(map[edgeKey]Edge),
		rejections: make(map[rejectKey]Rejection),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) InsertEdge(_ context.Context, e Edge) error {
	if err := ValidateEdge(e); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := edgeKey{e.SourceID, e.TargetID, e.Type}
	if _, exists := m.edges[key]; exists {
		return merr.ErrDuplicateEdge
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.seq++
	e.seq = m.seq
	m.edges[key] = e
	return nil
}

func (m *MemoryStore) BulkInsertEdges(_ context.Context, edges []Edge) (BulkResult, error) {
	var res BulkResult
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range edges {
		if err := ValidateEdge(e); err != nil {
			res.Errors++
			continue
		}
		key := edgeKey{e.SourceID, e.TargetID, e.Type}
		if _, exists := m.edges[key]; exists {
			res.Duplicates++
			continue
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		m.seq++
		e.seq = m.seq
		m.edges[key] = e
		res.Created++
	}
	return res, nil
}

func (m *MemoryStore) DeleteEdge(_ context.Context, source, target string, relType RelationType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if relType != "" {
		delete(m.edges, edgeKey{source, target, relType})
		return nil
	}
	for k := range m.edges {
		if k.source == source && k.target == target {
			delete(m.edges, k)
		}
	}
	return nil
}

func (m *MemoryStore) DeleteByMemoryID(_ context.Context, memoryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.edges {
		if k.source == memoryID || k.target == memoryID {
			delete(m.edges, k)
		}
	}
	return nil
}

func (m *MemoryStore) GetEdge(_ context.Context, source, target string, relType RelationType) (Edge, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.edges[edgeKey{source, target, relType}]
	return e, ok, nil
}

func (m *MemoryStore) ListEdges(_ context.Context, memoryID string, dir Direction, relType RelationType) ([]Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Edge
	for k, e := range m.edges {
		if relType != "" && k.relType != relType {
			continue
		}
		switch dir {
		case DirOut:
			if k.source != memoryID {
				continue
			}
		case DirIn:
			if k.target != memoryID {
				continue
			}
		default: // both
			if k.source != memoryID && k.target != memoryID {
				continue
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out, nil
}

func allowed(relType RelationType, allowedTypes []RelationType) bool {
	if len(allowedTypes) == 0 {
		return true
	}
	for _, t := range allowedTypes {
		if t == relType {
			return true
		}
	}
	return false
}

// Neighbors does a breadth-first walk up to depth hops in either direction,
// deduplicating by target id (keeping the minimum depth) and never
// revisiting a node already on the current path.
func (m *MemoryStore) Neighbors(_ context.Context, memoryID string, depth int, allowedTypes []RelationType) ([]Neighbor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if depth <= 0 {
		depth = 1
	}

	type frame struct {
		id   string
		path []string
	}

	best := make(map[string]Neighbor)
	queue := []frame{{id: memoryID, path: []string{memoryID}}}
	visitedAtDepth := map[string]int{memoryID: 0}

	for d := 1; d <= depth && len(queue) > 0; d++ {
		var next []frame
		for _, fr := range queue {
			for k, e := range m.edges {
				if !allowed(k.relType, allowedTypes) {
					continue
				}
				var other string
				switch fr.id {
				case k.source:
					other = k.target
				case k.target:
					other = k.source
				default:
					continue
				}
				if containsStr(fr.path, other) {
					continue // never revisit a node already on this path
				}
				if prevDepth, seen := visitedAtDepth[other]; seen && prevDepth <= d {
					continue
				}
				visitedAtDepth[other] = d
				newPath := append(append([]string{}, fr.path...), other)
				if cur, ok := best[other]; !ok || d < cur.Depth {
					best[other] = Neighbor{MemoryID: other, Depth: d, Path: newPath, RelationType: e.Type}
				}
				next = append(next, frame{id: other, path: newPath})
			}
		}
		queue = next
	}

	out := make([]Neighbor, 0, len(best))
	for _, n := range best {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		return out[i].MemoryID < out[j].MemoryID
	})
	return out, nil
}

func containsStr(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

// ShortestPath is a breadth-first search (true shortest, never DFS) over
// both directions, tie-broken by edge insertion order.
func (m *MemoryStore) ShortestPath(_ context.Context, from, to string, maxDepth int) ([]PathStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if from == to {
		return nil, nil
	}
	if maxDepth <= 0 {
		maxDepth = 5
	}

	type outEdge struct {
		other string
		rel   RelationType
		dir   Direction
		seq   int64
	}
	adj := make(map[string][]outEdge)
	for k, e := range m.edges {
		adj[k.source] = append(adj[k.source], outEdge{other: k.target, rel: k.relType, dir: DirOut, seq: e.seq})
		adj[k.target] = append(adj[k.target], outEdge{other: k.source, rel: k.relType, dir: DirIn, seq: e.seq})
	}
	for id := range adj {
		sort.Slice(adj[id], func(i, j int) bool { return adj[id][i].seq < adj[id][j].seq })
	}

	type queued struct {
		id    string
		steps []PathStep
	}
	visited := map[string]bool{from: true}
	queue := []queued{{id: from}}

	for depth := 0; depth < maxDepth && len(queue) > 0; depth++ {
		var next []queued
		for _, q := range queue {
			for _, oe := range adj[q.id] {
				if visited[oe.other] {
					continue
				}
				visited[oe.other] = true
				steps := append(append([]PathStep{}, q.steps...), PathStep{MemoryID: oe.other, RelationType: oe.rel, Direction: oe.dir})
				if oe.other == to {
					return steps, nil
				}
				next = append(next, queued{id: oe.other, steps: steps})
			}
		}
		queue = next
	}
	return nil, nil
}

// Subgraph returns every edge reachable within depth hops of center,
// regardless of direction, each appearing once at its minimum depth.
func (m *MemoryStore) Subgraph(ctx context.Context, center string, depth int) ([]Edge, error) {
	neighbors, err := m.Neighbors(ctx, center, depth, nil)
	if err != nil {
		return nil, err
	}
	reach := map[string]bool{center: true}
	for _, n := range neighbors {
		reach[n.MemoryID] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Edge
	for k, e := range m.edges {
		if reach[k.source] && reach[k.target] {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out, nil
}

func (m *MemoryStore) RecordRejection(_ context.Context, source, target string, relType RelationType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rejectKey{source, target, relType}
	if _, exists := m.rejections[key]; exists {
		return merr.ErrDuplicateRejection
	}
	m.rejections[key] = Rejection{SourceID: source, TargetID: target, Type: relType, RejectedAt: time.Now().UTC()}
	return nil
}

func (m *MemoryStore) IsRejected(_ context.Context, source, target string, relType RelationType) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rejections[rejectKey{source, target, relType}]
	return ok, nil
}

// AllEdges and AllRejections back the backup export.
func (m *MemoryStore) AllEdges(context.Context) ([]Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Edge, 0, len(m.edges))
	for _, e := range m.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out, nil
}

func (m *MemoryStore) AllRejections(context.Context) ([]Rejection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rejection, 0, len(m.rejections))
	for _, r := range m.rejections {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		if out[i].TargetID != out[j].TargetID {
			return out[i].TargetID < out[j].TargetID
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}
