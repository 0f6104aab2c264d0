// Package vectorstore implements the vector store adapter: upsert,
// delete, point lookups, similarity search, and scroll/pagination over the
// three named memory collections (episodic, semantic, procedural). Three
// backends share the contract: qdrant, a pgvector table, and an in-process
// map for tests.
package vectorstore

import (
	"context"
	"fmt"
)

// Collection names the three memory partitions the manager stores vectors
// under.
type Collection string

const (
	CollectionEpisodic   Collection = "episodic"
	CollectionSemantic   Collection = "semantic"
	CollectionProcedural Collection = "procedural"
)

func (c Collection) Valid() bool {
	switch c {
	case CollectionEpisodic, CollectionSemantic, CollectionProcedural:
		return true
	}
	return false
}

// Record is one stored point: a memory chunk's vector plus the payload
// fields recall/search can filter and project on.
type Record struct {
	ID       string
	Vector   []float32
	Payload  map[string]any
	MemoryID string // owning logical memory; a memory may have many chunk records
}

// FilterOp is one clause of the payload filter grammar.
type FilterOp struct {
	Field         string
	Equals        any
	InSet         []any
	RangeGTE      any
	RangeLTE      any
	ContainsAll   []any // payload field (a list) must contain every element
	ContainsAny   []any // payload field (a list) must contain at least one element
	Exists        bool
	ExistsWasSet  bool // distinguishes "Exists:false" (default zero value) from "check existence"
}

// Filter is a conjunction (AND) of FilterOp clauses. Backends translate
// it to their native predicate form (JSONB operators, qdrant conditions)
// or evaluate it directly with Matches.
type Filter struct {
	Must []FilterOp
}

// Matches evaluates the filter against a payload map; used by the memory
// backend and by tests asserting backend-independent filter semantics.
func (f Filter) Matches(payload map[string]any) bool {
	for _, op := range f.Must {
		if !op.matches(payload) {
			return false
		}
	}
	return true
}

func (op FilterOp) matches(payload map[string]any) bool {
	v, ok := payload[op.Field]
	if op.ExistsWasSet {
		if op.Exists != ok {
			return false
		}
		if !op.Exists {
			return true
		}
	}
	if op.Equals != nil {
		if !ok || fmt.Sprintf("%v", v) != fmt.Sprintf("%v", op.Equals) {
			return false
		}
	}
	if len(op.InSet) > 0 {
		if !ok || !containsAny(op.InSet, v) {
			return false
		}
	}
	if op.RangeGTE != nil || op.RangeLTE != nil {
		if !ok || !inRange(v, op.RangeGTE, op.RangeLTE) {
			return false
		}
	}
	if len(op.ContainsAll) > 0 {
		list, _ := v.([]any)
		for _, want := range op.ContainsAll {
			if !containsAny(list, want) {
				return false
			}
		}
	}
	if len(op.ContainsAny) > 0 {
		list, _ := v.([]any)
		found := false
		for _, want := range op.ContainsAny {
			if containsAny(list, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsAny(haystack []any, want any) bool {
	ws := fmt.Sprintf("%v", want)
	for _, h := range haystack {
		if fmt.Sprintf("%v", h) == ws {
			return true
		}
	}
	return false
}

func inRange(v, gte, lte any) bool {
	vf, ok := toFloat(v)
	if !ok {
		return false
	}
	if gte != nil {
		if gf, ok := toFloat(gte); ok && vf < gf {
			return false
		}
	}
	if lte != nil {
		if lf, ok := toFloat(lte); ok && vf > lf {
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

// Hit is a similarity search result.
type Hit struct {
	Record Record
	Score  float64 // higher is more similar, regardless of backend metric
}

// ScrollPage is one page of a scroll/pagination pass.
type ScrollPage struct {
	Records    []Record
	NextOffset string // empty when exhausted
}

// VectorStore is the vector store adapter. Every method is scoped to a
// Collection so a single backend instance can serve all three named
// partitions. Upsert is batched and atomic per call: either every record
// lands or none do, so a memory's chunks are written together.
type VectorStore interface {
	Upsert(ctx context.Context, coll Collection, recs []Record) error
	Delete(ctx context.Context, coll Collection, id string) error
	DeleteByMemoryID(ctx context.Context, coll Collection, memoryID string) error
	DeleteByFilter(ctx context.Context, coll Collection, filter Filter) error
	Get(ctx context.Context, coll Collection, id string) (Record, bool, error)
	GetMany(ctx context.Context, coll Collection, ids []string) ([]Record, error)
	Search(ctx context.Context, coll Collection, query []float32, k int, filter Filter) ([]Hit, error)
	Scroll(ctx context.Context, coll Collection, filter Filter, limit int, offset string) (ScrollPage, error)
	Dimension() int
	Close() error
}
