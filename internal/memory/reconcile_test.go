package memory

import (
	"context"
	"testing"

	"github.com/trapias/memoria/internal/graphstore"
	"github.com/trapias/memoria/internal/vectorstore"
)

func TestReconcile_RemovesOrphanChunks(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager()
	vs := mgr.VectorStore()

	id, err := mgr.Store(ctx, StoreRequest{Content: "a healthy memory", Category: CategorySemantic})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	// Simulate a crashed store: a non-zero chunk with no chunk 0 sibling.
	orphan := vectorstore.Record{
		ID: "orphan-memory:1", MemoryID: "orphan-memory",
		Vector: make([]float32, testDim),
		Payload: map[string]any{
			"memory_id": "orphan-memory", "chunk_index": 1, "chunk_count": 3,
			"content": "dangling window", "category": "semantic",
		},
	}
	if err := vs.Upsert(ctx, vectorstore.CollectionSemantic, []vectorstore.Record{orphan}); err != nil {
		t.Fatalf("upsert orphan: %v", err)
	}

	report, err := mgr.Reconcile(ctx, 0)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.OrphanChunksRemoved != 1 {
		t.Fatalf("expected 1 orphan removed, got %+v", report)
	}
	if _, ok, _ := vs.Get(ctx, vectorstore.CollectionSemantic, "orphan-memory:1"); ok {
		t.Fatal("expected the orphan chunk to be deleted")
	}
	if _, err := mgr.Get(ctx, id); err != nil {
		t.Fatalf("expected the healthy memory to survive reconciliation, got %v", err)
	}
}

func TestReconcile_RemovesDanglingEdges(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager()
	gs := mgr.GraphStore()

	a, err := mgr.Store(ctx, StoreRequest{Content: "endpoint a", Category: CategorySemantic})
	if err != nil {
		t.Fatalf("store a: %v", err)
	}
	b, err := mgr.Store(ctx, StoreRequest{Content: "endpoint b", Category: CategorySemantic})
	if err != nil {
		t.Fatalf("store b: %v", err)
	}
	if err := gs.InsertEdge(ctx, graphstore.Edge{SourceID: a, TargetID: b, Type: graphstore.RelSupports, Weight: 1}); err != nil {
		t.Fatalf("insert healthy edge: %v", err)
	}
	// An edge whose target was never stored (or whose chunks vanished).
	if err := gs.InsertEdge(ctx, graphstore.Edge{SourceID: a, TargetID: "gone-memory", Type: graphstore.RelRelated, Weight: 1}); err != nil {
		t.Fatalf("insert dangling edge: %v", err)
	}

	report, err := mgr.Reconcile(ctx, 0)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.DanglingEdgesRemoved != 1 {
		t.Fatalf("expected 1 dangling edge removed, got %+v", report)
	}
	edges, err := gs.AllEdges(ctx)
	if err != nil {
		t.Fatalf("all edges: %v", err)
	}
	if len(edges) != 1 || edges[0].TargetID != b {
		t.Fatalf("expected only the healthy edge to remain, got %+v", edges)
	}
}

func TestReconcile_DrainsCompensationQueue(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager()
	vs := mgr.VectorStore()

	// A partial write left behind by a failed compensating delete.
	leftover := vectorstore.Record{
		ID: "partial-memory:0", MemoryID: "partial-memory",
		Vector: make([]float32, testDim),
		Payload: map[string]any{
			"memory_id": "partial-memory", "chunk_index": 0, "chunk_count": 2,
			"content": "half-written", "category": "semantic",
		},
	}
	if err := vs.Upsert(ctx, vectorstore.CollectionSemantic, []vectorstore.Record{leftover}); err != nil {
		t.Fatalf("upsert leftover: %v", err)
	}
	mgr.enqueueReconciliation("partial-memory", vectorstore.CollectionSemantic)

	report, err := mgr.Reconcile(ctx, 0)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.QueueDrained != 1 {
		t.Fatalf("expected 1 queued id drained, got %+v", report)
	}
	if _, ok, _ := vs.Get(ctx, vectorstore.CollectionSemantic, "partial-memory:0"); ok {
		t.Fatal("expected queued memory's chunks to be deleted")
	}
}
