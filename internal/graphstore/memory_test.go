package graphstore

import (
	"context"
	"errors"
	"testing"

	"github.com/trapias/memoria/internal/merr"
)

func TestMemoryStore_InsertEdge_DuplicateAndSelfLoop(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.InsertEdge(ctx, Edge{SourceID: "a", TargetID: "b", Type: RelRelated, Weight: 0.5}); err != nil {
		t.Fatalf("insert edge: %v", err)
	}
	err := s.InsertEdge(ctx, Edge{SourceID: "a", TargetID: "b", Type: RelRelated, Weight: 0.9})
	if !errors.Is(err, merr.ErrDuplicateEdge) {
		t.Fatalf("expected ErrDuplicateEdge, got %v", err)
	}
	err = s.InsertEdge(ctx, Edge{SourceID: "a", TargetID: "a", Type: RelRelated})
	if !errors.Is(err, merr.ErrSelfLoop) {
		t.Fatalf("expected ErrSelfLoop, got %v", err)
	}
}

func TestMemoryStore_Neighbors_DepthAndDedup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	edges := []Edge{
		{SourceID: "a", TargetID: "b", Type: RelRelated, Weight: 1},
		{SourceID: "b", TargetID: "c", Type: RelRelated, Weight: 1},
		{SourceID: "a", TargetID: "c", Type: RelFollows, Weight: 1},
	}
	for _, e := range edges {
		if err := s.InsertEdge(ctx, e); err != nil {
			t.Fatalf("insert edge %+v: %v", e, err)
		}
	}

	neighbors, err := s.Neighbors(ctx, "a", 2, nil)
	if err != nil {
		t.Fatalf("neighbors: %v", err)
	}
	byID := make(map[string]Neighbor)
	for _, n := range neighbors {
		byID[n.MemoryID] = n
	}
	if len(byID) != 2 {
		t.Fatalf("expected 2 distinct neighbors, got %d (%v)", len(byID), neighbors)
	}
	// c is reachable at depth 1 (direct edge) and depth 2 (via b); the
	// minimum depth must win.
	if byID["c"].Depth != 1 {
		t.Fatalf("expected c at depth 1, got %d", byID["c"].Depth)
	}
	if byID["b"].Depth != 1 {
		t.Fatalf("expected b at depth 1, got %d", byID["b"].Depth)
	}
}

func TestMemoryStore_ShortestPath(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, e := range []Edge{
		{SourceID: "a", TargetID: "b", Type: RelRelated, Weight: 1},
		{SourceID: "b", TargetID: "c", Type: RelRelated, Weight: 1},
		{SourceID: "a", TargetID: "d", Type: RelRelated, Weight: 1},
		{SourceID: "d", TargetID: "c", Type: RelRelated, Weight: 1},
	} {
		if err := s.InsertEdge(ctx, e); err != nil {
			t.Fatalf("insert edge: %v", err)
		}
	}
	path, err := s.ShortestPath(ctx, "a", "c", 5)
	if err != nil {
		t.Fatalf("shortest path: %v", err)
	}
	if len(path) != 2 {
		t.Fatalf("expected a 2-hop path, got %d hops: %+v", len(path), path)
	}
	if path[len(path)-1].MemoryID != "c" {
		t.Fatalf("expected path to end at c, got %+v", path)
	}
}

func TestMemoryStore_RejectionLedger(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.RecordRejection(ctx, "a", "b", RelRelated); err != nil {
		t.Fatalf("record rejection: %v", err)
	}
	err := s.RecordRejection(ctx, "a", "b", RelRelated)
	if !errors.Is(err, merr.ErrDuplicateRejection) {
		t.Fatalf("expected ErrDuplicateRejection, got %v", err)
	}
	rejected, err := s.IsRejected(ctx, "a", "b", RelRelated)
	if err != nil {
		t.Fatalf("is rejected: %v", err)
	}
	if !rejected {
		t.Fatal("expected (a,b,related) to be rejected")
	}
	rejected, err = s.IsRejected(ctx, "a", "c", RelRelated)
	if err != nil {
		t.Fatalf("is rejected: %v", err)
	}
	if rejected {
		t.Fatal("expected (a,c,related) to not be rejected")
	}
}

func TestMemoryStore_DeleteByMemoryID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, e := range []Edge{
		{SourceID: "a", TargetID: "b", Type: RelRelated, Weight: 1},
		{SourceID: "c", TargetID: "a", Type: RelCauses, Weight: 1},
		{SourceID: "b", TargetID: "c", Type: RelFollows, Weight: 1},
	} {
		if err := s.InsertEdge(ctx, e); err != nil {
			t.Fatalf("insert edge: %v", err)
		}
	}
	if err := s.DeleteByMemoryID(ctx, "a"); err != nil {
		t.Fatalf("delete by memory id: %v", err)
	}
	all, err := s.AllEdges(ctx)
	if err != nil {
		t.Fatalf("all edges: %v", err)
	}
	if len(all) != 1 || all[0].SourceID != "b" {
		t.Fatalf("expected only b->c to remain, got %+v", all)
	}
}

func TestMemoryStore_BulkInsertEdges_Counts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.InsertEdge(ctx, Edge{SourceID: "a", TargetID: "b", Type: RelRelated, Weight: 1}); err != nil {
		t.Fatalf("seed edge: %v", err)
	}
	res, err := s.BulkInsertEdges(ctx, []Edge{
		{SourceID: "a", TargetID: "c", Type: RelCauses, Weight: 1},   // created
		{SourceID: "a", TargetID: "b", Type: RelRelated, Weight: 1},  // duplicate
		{SourceID: "a", TargetID: "a", Type: RelRelated, Weight: 1},  // self-loop error
		{SourceID: "a", TargetID: "d", Type: "bogus", Weight: 1},     // unknown type error
		{SourceID: "a", TargetID: "e", Type: RelFollows, Weight: 1.5}, // weight error
	})
	if err != nil {
		t.Fatalf("bulk insert: %v", err)
	}
	if res.Created != 1 || res.Duplicates != 1 || res.Errors != 3 {
		t.Fatalf("expected 1/1/3 created/duplicates/errors, got %+v", res)
	}
}

func TestMemoryStore_ListEdges_Direction(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, e := range []Edge{
		{SourceID: "a", TargetID: "b", Type: RelRelated, Weight: 1},
		{SourceID: "c", TargetID: "a", Type: RelCauses, Weight: 1},
	} {
		if err := s.InsertEdge(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	out, err := s.ListEdges(ctx, "a", DirOut, "")
	if err != nil {
		t.Fatalf("list out: %v", err)
	}
	if len(out) != 1 || out[0].TargetID != "b" {
		t.Fatalf("expected only the outgoing edge, got %+v", out)
	}
	in, err := s.ListEdges(ctx, "a", DirIn, "")
	if err != nil {
		t.Fatalf("list in: %v", err)
	}
	if len(in) != 1 || in[0].SourceID != "c" {
		t.Fatalf("expected only the incoming edge, got %+v", in)
	}
	both, err := s.ListEdges(ctx, "a", DirBoth, "")
	if err != nil {
		t.Fatalf("list both: %v", err)
	}
	if len(both) != 2 {
		t.Fatalf("expected both edges, got %+v", both)
	}
	typed, err := s.ListEdges(ctx, "a", DirBoth, RelCauses)
	if err != nil {
		t.Fatalf("list typed: %v", err)
	}
	if len(typed) != 1 || typed[0].Type != RelCauses {
		t.Fatalf("expected only the causes edge, got %+v", typed)
	}
}

func TestMemoryStore_Subgraph(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, e := range []Edge{
		{SourceID: "center", TargetID: "n1", Type: RelRelated, Weight: 1},
		{SourceID: "n1", TargetID: "n2", Type: RelFollows, Weight: 1},
		{SourceID: "far1", TargetID: "far2", Type: RelRelated, Weight: 1}, // disconnected
	} {
		if err := s.InsertEdge(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	edges, err := s.Subgraph(ctx, "center", 2)
	if err != nil {
		t.Fatalf("subgraph: %v", err)
	}
	if len(edges) != 2 {
		t.Fatalf("expected the two connected edges, got %+v", edges)
	}
	for _, e := range edges {
		if e.SourceID == "far1" || e.TargetID == "far2" {
			t.Fatalf("disconnected edge leaked into the subgraph: %+v", e)
		}
	}
}

func TestMemoryStore_NeighborsTerminatesOnCycles(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, e := range []Edge{
		{SourceID: "a", TargetID: "b", Type: RelRelated, Weight: 1},
		{SourceID: "b", TargetID: "c", Type: RelRelated, Weight: 1},
		{SourceID: "c", TargetID: "a", Type: RelRelated, Weight: 1},
	} {
		if err := s.InsertEdge(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	neighbors, err := s.Neighbors(ctx, "a", 10, nil)
	if err != nil {
		t.Fatalf("neighbors: %v", err)
	}
	if len(neighbors) != 2 {
		t.Fatalf("expected b and c exactly once despite the cycle, got %+v", neighbors)
	}
	if _, err := s.ShortestPath(ctx, "a", "missing", 10); err != nil {
		t.Fatalf("shortest path over a cycle must terminate cleanly: %v", err)
	}
}
