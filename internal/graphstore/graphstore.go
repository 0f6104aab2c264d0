// Package graphstore implements the relational store adapter: CRUD for
// typed graph edges over memory_id values and the rejection ledger, plus
// breadth-first traversal queries. Edges carry a closed relation
// enumeration, a weight, and a creator tag alongside free-form metadata.
package graphstore

import (
	"context"
	"errors"
	"time"

	"github.com/trapias/memoria/internal/merr"
)

// RelationType is the closed enumeration of edge types.
type RelationType string

const (
	RelCauses     RelationType = "causes"
	RelFixes      RelationType = "fixes"
	RelSupports   RelationType = "supports"
	RelOpposes    RelationType = "opposes"
	RelFollows    RelationType = "follows"
	RelSupersedes RelationType = "supersedes"
	RelDerives    RelationType = "derives"
	RelPartOf     RelationType = "part_of"
	RelRelated    RelationType = "related"
)

func (t RelationType) Valid() bool {
	switch t {
	case RelCauses, RelFixes, RelSupports, RelOpposes, RelFollows,
		RelSupersedes, RelDerives, RelPartOf, RelRelated:
		return true
	}
	return false
}

// Creator is the closed enumeration of who created an edge.
type Creator string

const (
	CreatorUser   Creator = "user"
	CreatorAuto   Creator = "auto"
	CreatorSystem Creator = "system"
)

// Edge is one typed, weighted, directed relation between two memories.
type Edge struct {
	SourceID  string
	TargetID  string
	Type      RelationType
	Weight    float64
	Creator   Creator
	CreatedAt time.Time
	Metadata  map[string]any
	// seq is the insertion order, used to tie-break BFS paths.
	seq int64
}

// Rejection is a (source, target, type) triple that must never be
// auto-suggested again.
type Rejection struct {
	SourceID   string
	TargetID   string
	Type       RelationType
	RejectedAt time.Time
}

// Direction selects which end of an edge memoryID must occupy for
// ListEdges.
type Direction string

const (
	DirIn   Direction = "in"
	DirOut  Direction = "out"
	DirBoth Direction = "both"
)

// Neighbor is one result of a Neighbors traversal.
type Neighbor struct {
	MemoryID     string
	Depth        int
	Path         []string // memory_ids from the traversal root to MemoryID, inclusive of both ends
	RelationType RelationType
}

// PathStep is one hop of a ShortestPath result.
type PathStep struct {
	MemoryID     string
	RelationType RelationType
	Direction    Direction // "out" if traversed source->target, "in" if target->source
}

// BulkResult summarizes a BulkInsertEdges call.
type BulkResult struct {
	Created    int
	Duplicates int
	Errors     int
}

// Store is the relational store adapter.
type Store interface {
	InsertEdge(ctx context.Context, e Edge) error
	BulkInsertEdges(ctx context.Context, edges []Edge) (BulkResult, error)
	DeleteEdge(ctx context.Context, source, target string, relType RelationType) error
	DeleteByMemoryID(ctx context.Context, memoryID string) error
	ListEdges(ctx context.Context, memoryID string, dir Direction, relType RelationType) ([]Edge, error)
	GetEdge(ctx context.Context, source, target string, relType RelationType) (Edge, bool, error)
	Neighbors(ctx context.Context, memoryID string, depth int, allowedTypes []RelationType) ([]Neighbor, error)
	ShortestPath(ctx context.Context, from, to string, maxDepth int) ([]PathStep, error)
	Subgraph(ctx context.Context, center string, depth int) ([]Edge, error)
	RecordRejection(ctx context.Context, source, target string, relType RelationType) error
	IsRejected(ctx context.Context, source, target string, relType RelationType) (bool, error)
	AllEdges(ctx context.Context) ([]Edge, error)
	AllRejections(ctx context.Context) ([]Rejection, error)
	Close() error
}

// ValidateEdge enforces the endpoint, self-loop, and closed relation/weight
// constraints before a Store implementation touches storage.
func ValidateEdge(e Edge) error {
	if e.SourceID == "" || e.TargetID == "" {
		return errors.Join(merr.ErrInvalidInput, errors.New("source_id and target_id are required"))
	}
	if e.SourceID == e.TargetID {
		return merr.ErrSelfLoop
	}
	if !e.Type.Valid() {
		return errors.Join(merr.ErrInvalidInput, errors.New("unknown relation type"))
	}
	if e.Weight < 0 || e.Weight > 1 {
		return errors.Join(merr.ErrInvalidInput, errors.New("weight out of [0,1]"))
	}
	return nil
}
