// Package graphmgr implements the graph manager: the higher-level
// behavior layered over the relational store adapter. Link validates
// endpoints against the vector store before writing; neighbor
// and path queries are enriched with memory payloads; and the
// suggestion/acceptance/rejection workflow scores candidate relations
// between memories.
package graphmgr

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/trapias/memoria/internal/graphstore"
	"github.com/trapias/memoria/internal/memory"
	"github.com/trapias/memoria/internal/merr"
	"github.com/trapias/memoria/internal/vectorstore"
)

// Signal weights for suggest()'s confidence mix. Fixed and documented, not
// configurable: the mix must stay monotonic in each signal, which a
// non-negative weighted sum guarantees by construction.
const (
	weightSemantic   = 0.55
	weightTagJaccard = 0.20
	weightMetadata   = 0.15
	weightCoAccess   = 0.10
)

// Manager is the graph manager.
type Manager struct {
	mem   *memory.Manager
	graph graphstore.Store
}

// New builds a Manager bound to mem's relational store. If mem's graph
// store is nil (graph.enabled == false), every operation fails with
// merr.ErrNotAvailable.
func New(mem *memory.Manager) *Manager {
	return &Manager{mem: mem, graph: mem.GraphStore()}
}

func (g *Manager) require() error {
	if g.graph == nil {
		return merr.ErrNotAvailable
	}
	return nil
}

// Link validates both endpoints exist (cross-store check against the
// vector store) and refuses self-loops and duplicates, returning the
// existing edge unchanged on a duplicate.
func (g *Manager) Link(ctx context.Context, source, target string, relType graphstore.RelationType, weight float64) (graphstore.Edge, error) {
	if err := g.require(); err != nil {
		return graphstore.Edge{}, err
	}
	if source == target {
		return graphstore.Edge{}, merr.ErrSelfLoop
	}
	if !relType.Valid() {
		return graphstore.Edge{}, merr.ErrInvalidInput
	}
	if weight == 0 {
		weight = 1.0
	}
	if _, err := g.mem.Get(ctx, source); err != nil {
		return graphstore.Edge{}, err
	}
	if _, err := g.mem.Get(ctx, target); err != nil {
		return graphstore.Edge{}, err
	}
	if existing, ok, err := g.graph.GetEdge(ctx, source, target, relType); err != nil {
		return graphstore.Edge{}, err
	} else if ok {
		return existing, nil
	}
	edge := graphstore.Edge{
		SourceID: source, TargetID: target, Type: relType, Weight: weight,
		Creator: graphstore.CreatorUser, CreatedAt: time.Now().UTC(),
	}
	if err := g.graph.InsertEdge(ctx, edge); err != nil {
		return graphstore.Edge{}, err
	}
	return edge, nil
}

// BulkLink inserts many edges at once, reporting per-edge outcomes instead
// of failing the batch. Endpoints are validated the same way Link does;
// an edge with a missing endpoint counts as an error.
func (g *Manager) BulkLink(ctx context.Context, edges []graphstore.Edge) (graphstore.BulkResult, error) {
	if err := g.require(); err != nil {
		return graphstore.BulkResult{}, err
	}
	valid := make([]graphstore.Edge, 0, len(edges))
	var res graphstore.BulkResult
	endpointOK := make(map[string]bool)
	for _, e := range edges {
		ok := true
		for _, id := range []string{e.SourceID, e.TargetID} {
			known, seen := endpointOK[id]
			if !seen {
				_, err := g.mem.Get(ctx, id)
				known = err == nil
				endpointOK[id] = known
			}
			if !known {
				ok = false
			}
		}
		if !ok {
			res.Errors++
			continue
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		if e.Creator == "" {
			e.Creator = graphstore.CreatorUser
		}
		valid = append(valid, e)
	}
	bulk, err := g.graph.BulkInsertEdges(ctx, valid)
	if err != nil {
		return res, err
	}
	res.Created += bulk.Created
	res.Duplicates += bulk.Duplicates
	res.Errors += bulk.Errors
	return res, nil
}

// Unlink removes the edge(s) between source and target; relType == ""
// removes every parallel type.
func (g *Manager) Unlink(ctx context.Context, source, target string, relType graphstore.RelationType) error {
	if err := g.require(); err != nil {
		return err
	}
	return g.graph.DeleteEdge(ctx, source, target, relType)
}

// Related is one enriched neighbor result.
type Related struct {
	Memory       memory.Memory
	Depth        int
	RelationType graphstore.RelationType
	Weight       float64
}

// RelatedQuery wraps Neighbors with memory payload enrichment and ranks by
// (inverse depth, edge weight, importance).
func (g *Manager) RelatedQuery(ctx context.Context, memoryID string, depth int, types []graphstore.RelationType, dir graphstore.Direction, limit int) ([]Related, error) {
	if err := g.require(); err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = 1
	}
	neighbors, err := g.graph.Neighbors(ctx, memoryID, depth, types)
	if err != nil {
		return nil, err
	}
	// Direction scopes the first hop out of memoryID; deeper hops follow
	// edges either way, as Neighbors does.
	var firstHop map[string]bool
	if dir == graphstore.DirIn || dir == graphstore.DirOut {
		edges, err := g.graph.ListEdges(ctx, memoryID, dir, "")
		if err != nil {
			return nil, err
		}
		firstHop = make(map[string]bool, len(edges))
		for _, e := range edges {
			if dir == graphstore.DirOut {
				firstHop[e.TargetID] = true
			} else {
				firstHop[e.SourceID] = true
			}
		}
	}
	out := make([]Related, 0, len(neighbors))
	for _, n := range neighbors {
		if firstHop != nil && len(n.Path) >= 2 && !firstHop[n.Path[1]] {
			continue
		}
		mm, err := g.mem.Get(ctx, n.MemoryID)
		if err != nil {
			continue // vanished endpoint; surfaced via reconciliation, not here
		}
		weight := g.edgeWeight(ctx, memoryID, n.MemoryID, n.RelationType)
		out = append(out, Related{Memory: mm, Depth: n.Depth, RelationType: n.RelationType, Weight: weight})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].Memory.Importance > out[j].Memory.Importance
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *Manager) edgeWeight(ctx context.Context, a, b string, relType graphstore.RelationType) float64 {
	if e, ok, _ := g.graph.GetEdge(ctx, a, b, relType); ok {
		return e.Weight
	}
	if e, ok, _ := g.graph.GetEdge(ctx, b, a, relType); ok {
		return e.Weight
	}
	return 0
}

// Path wraps ShortestPath.
func (g *Manager) Path(ctx context.Context, from, to string, maxDepth int) ([]graphstore.PathStep, error) {
	if err := g.require(); err != nil {
		return nil, err
	}
	if maxDepth <= 0 {
		maxDepth = 5
	}
	return g.graph.ShortestPath(ctx, from, to, maxDepth)
}

// Suggestion is one candidate relation proposed by suggest()/discover().
type Suggestion struct {
	SourceID   string
	TargetID   string
	Type       graphstore.RelationType
	Confidence float64
}

// Suggest proposes up to limit candidate relations from memoryID, scored by
// the fixed signal mix in confidence, excluding rejected pairs and pairs
// that already have an edge of the suggested type.
func (g *Manager) Suggest(ctx context.Context, memoryID string, limit int) ([]Suggestion, error) {
	if err := g.require(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}
	source, err := g.mem.Get(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	sourceVec, ok, err := g.chunk0Vector(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, merr.ErrNotFound
	}

	var candidates []memory.Chunk0
	for _, cat := range []memory.Category{memory.CategoryEpisodic, memory.CategorySemantic, memory.CategoryProcedural} {
		chunks, err := g.mem.ScrollChunk0(ctx, cat, vectorstore.Filter{})
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, chunks...)
	}

	var out []Suggestion
	for _, c := range candidates {
		if c.Memory.ID == memoryID {
			continue
		}
		relType := suggestType(source.Content, c.Memory.Content, cosine(sourceVec, c.Vector))
		if rejected, _ := g.graph.IsRejected(ctx, memoryID, c.Memory.ID, relType); rejected {
			continue
		}
		if _, exists, _ := g.graph.GetEdge(ctx, memoryID, c.Memory.ID, relType); exists {
			continue
		}
		conf := confidence(source, sourceVec, c.Memory, c.Vector)
		out = append(out, Suggestion{SourceID: memoryID, TargetID: c.Memory.ID, Type: relType, Confidence: conf})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].TargetID < out[j].TargetID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// chunk0Vector fetches memoryID's chunk-0 embedding by trying the
// deterministic point id in each collection.
func (g *Manager) chunk0Vector(ctx context.Context, memoryID string) ([]float32, bool, error) {
	for _, cat := range []memory.Category{memory.CategoryEpisodic, memory.CategorySemantic, memory.CategoryProcedural} {
		coll := g.mem.CollectionFor(cat)
		rec, ok, err := g.mem.VectorStore().Get(ctx, coll, memoryID+":0")
		if err != nil {
			return nil, false, err
		}
		if ok {
			return rec.Vector, true, nil
		}
	}
	return nil, false, nil
}

// DiscoverParams configures a discover() batch scan.
type DiscoverParams struct {
	Categories               []memory.Category
	MinConfidence            float64
	AutoAcceptThreshold      float64
	OnlyWithoutOutgoingEdges bool
	PerMemoryLimit           int
}

// DiscoverResult is discover()'s return value.
type DiscoverResult struct {
	Suggestions  []Suggestion
	AutoAccepted int
}

// Discover scans memories (optionally only those without any outgoing
// edge), proposing every suggestion at or above MinConfidence and
// materializing those at or above AutoAcceptThreshold as creator=auto
// edges.
func (g *Manager) Discover(ctx context.Context, params DiscoverParams) (DiscoverResult, error) {
	if err := g.require(); err != nil {
		return DiscoverResult{}, err
	}
	cats := params.Categories
	if len(cats) == 0 {
		cats = []memory.Category{memory.CategoryEpisodic, memory.CategorySemantic, memory.CategoryProcedural}
	}
	perMemory := params.PerMemoryLimit
	if perMemory <= 0 {
		perMemory = 5
	}

	var result DiscoverResult
	for _, cat := range cats {
		chunks, err := g.mem.ScrollChunk0(ctx, cat, vectorstore.Filter{})
		if err != nil {
			return result, err
		}
		for _, c := range chunks {
			if params.OnlyWithoutOutgoingEdges {
				edges, err := g.graph.ListEdges(ctx, c.Memory.ID, graphstore.DirOut, "")
				if err != nil {
					return result, err
				}
				if len(edges) > 0 {
					continue
				}
			}
			suggestions, err := g.Suggest(ctx, c.Memory.ID, perMemory)
			if err != nil {
				return result, err
			}
			for _, s := range suggestions {
				if s.Confidence < params.MinConfidence {
					continue
				}
				result.Suggestions = append(result.Suggestions, s)
				if s.Confidence >= params.AutoAcceptThreshold {
					if _, err := g.AcceptSuggestion(ctx, s.SourceID, s.TargetID, s.Type, s.Confidence); err == nil {
						result.AutoAccepted++
					}
				}
			}
		}
	}
	return result, nil
}

// Reject records that (source, target, type) must never be auto-suggested
// again.
func (g *Manager) Reject(ctx context.Context, source, target string, relType graphstore.RelationType) error {
	if err := g.require(); err != nil {
		return err
	}
	return g.graph.RecordRejection(ctx, source, target, relType)
}

// AcceptSuggestion materializes a suggestion as a creator=auto edge.
func (g *Manager) AcceptSuggestion(ctx context.Context, source, target string, relType graphstore.RelationType, weight float64) (graphstore.Edge, error) {
	if err := g.require(); err != nil {
		return graphstore.Edge{}, err
	}
	if weight <= 0 {
		weight = 1.0
	}
	edge := graphstore.Edge{
		SourceID: source, TargetID: target, Type: relType, Weight: weight,
		Creator: graphstore.CreatorAuto, CreatedAt: time.Now().UTC(),
	}
	if err := g.graph.InsertEdge(ctx, edge); err != nil {
		return graphstore.Edge{}, err
	}
	return edge, nil
}

// suggestType picks a relation type by keyword heuristic over both
// contents, falling back to "related".
func suggestType(sourceContent, targetContent string, sim float64) graphstore.RelationType {
	text := strings.ToLower(sourceContent + " " + targetContent)
	switch {
	case strings.Contains(text, "fixes") || strings.Contains(text, "resolves"):
		return graphstore.RelFixes
	case strings.Contains(text, "because") || strings.Contains(text, "causes"):
		return graphstore.RelCauses
	case sim >= 0.75 && (strings.Contains(text, "then") || strings.Contains(text, "after") || strings.Contains(text, "before")):
		return graphstore.RelFollows
	default:
		return graphstore.RelRelated
	}
}

// confidence computes the fixed signal mix: semantic similarity of
// chunk-0 vectors, shared-tag Jaccard, metadata overlap on project/client,
// and co-access recency proximity. A non-negative weighted sum is
// monotonic in each signal by construction.
func confidence(source memory.Memory, sourceVec []float32, target memory.Memory, targetVec []float32) float64 {
	sem := cosine(sourceVec, targetVec)
	tagJac := tagJaccard(source.Tags, target.Tags)
	meta := metadataOverlap(source.Metadata, target.Metadata)
	coAccess := coAccessProximity(source.LastAccessedAt, target.LastAccessedAt)
	return weightSemantic*sem + weightTagJaccard*tagJac + weightMetadata*meta + weightCoAccess*coAccess
}

func cosine(a, b []float32) float64 {
	var dot, an, bn float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	for _, x := range a {
		an += float64(x) * float64(x)
	}
	for _, x := range b {
		bn += float64(x) * float64(x)
	}
	if an == 0 || bn == 0 {
		return 0
	}
	return dot / (math.Sqrt(an) * math.Sqrt(bn))
}

func tagJaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[strings.ToLower(t)] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[strings.ToLower(t)] = true
	}
	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func metadataOverlap(a, b map[string]any) float64 {
	score := 0.0
	for _, key := range []string{"project", "client"} {
		av, aok := a[key]
		bv, bok := b[key]
		if aok && bok && av == bv {
			score += 0.5
		}
	}
	return score
}

// coAccessProximity maps the gap between two last-accessed timestamps into
// [0,1], 1 meaning simultaneous access and decaying over a day scale.
func coAccessProximity(a, b time.Time) float64 {
	if a.IsZero() || b.IsZero() {
		return 0
	}
	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	hours := diff.Hours()
	return 1.0 / (1.0 + hours/24.0)
}
