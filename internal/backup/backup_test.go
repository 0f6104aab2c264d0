package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/trapias/memoria/internal/config"
	"github.com/trapias/memoria/internal/embedding"
	"github.com/trapias/memoria/internal/graphstore"
	"github.com/trapias/memoria/internal/memory"
	"github.com/trapias/memoria/internal/objectstore"
	"github.com/trapias/memoria/internal/vectorstore"
)

const testDim = 4

type stubEmbedder struct{ calls int }

func (s *stubEmbedder) Dimension() int { return testDim }
func (s *stubEmbedder) Embed(ctx context.Context, text string, role embedding.Role) ([]float32, error) {
	s.calls++
	return []float32{1, 0, 0, 0}, nil
}
func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string, role embedding.Role) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		v, _ := s.Embed(ctx, texts[i], role)
		out[i] = v
	}
	return out, nil
}

func newTestSetup(t *testing.T) (*Engine, *memory.Manager, graphstore.Store, *stubEmbedder) {
	t.Helper()
	var cfg config.Config
	cfg.DefaultCategory = "semantic"
	cfg.Chunking.TargetSize = 500
	cfg.Chunking.Overlap = 50
	cfg.Recall.DefaultLimit = 10
	cfg.Recall.OverfetchFactor = 3
	cfg.Vector.Dimension = testDim

	vs := vectorstore.NewMemoryStore(testDim)
	gs := graphstore.NewMemoryStore()
	embed := &stubEmbedder{}
	mem := memory.New(vs, embed, nil, gs, cfg)
	return New(mem), mem, gs, embed
}

func TestExportImport_RoundTripWithVectors(t *testing.T) {
	ctx := context.Background()
	eng, mem, gs, embed := newTestSetup(t)

	a, err := mem.Store(ctx, memory.StoreRequest{Content: "memory a content", Category: memory.CategorySemantic, Tags: []string{"x"}})
	if err != nil {
		t.Fatalf("store a: %v", err)
	}
	b, err := mem.Store(ctx, memory.StoreRequest{Content: "memory b content", Category: memory.CategoryEpisodic})
	if err != nil {
		t.Fatalf("store b: %v", err)
	}
	if err := gs.InsertEdge(ctx, graphstore.Edge{SourceID: a, TargetID: b, Type: graphstore.RelRelated, Weight: 0.6, Creator: graphstore.CreatorUser}); err != nil {
		t.Fatalf("insert edge: %v", err)
	}
	if err := gs.RecordRejection(ctx, a, b, graphstore.RelFollows); err != nil {
		t.Fatalf("record rejection: %v", err)
	}

	doc, err := eng.Export(ctx, ExportOptions{IncludeVectors: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(doc.Memories) != 2 || len(doc.Edges) != 1 || len(doc.Rejections) != 1 {
		t.Fatalf("unexpected document shape: %+v", doc)
	}
	for _, mr := range doc.Memories {
		if len(mr.Chunks) == 0 {
			t.Fatalf("expected chunk vectors included for %s", mr.ID)
		}
	}

	data, err := Marshal(doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	roundTripped, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if err := mem.Delete(ctx, a); err != nil {
		t.Fatalf("delete a: %v", err)
	}
	if err := mem.Delete(ctx, b); err != nil {
		t.Fatalf("delete b: %v", err)
	}
	if err := gs.DeleteEdge(ctx, a, b, graphstore.RelRelated); err != nil {
		t.Fatalf("delete edge: %v", err)
	}

	callsBeforeImport := embed.calls
	report, err := eng.Import(ctx, roundTripped, ImportOptions{})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if report.MemoriesCreated != 2 {
		t.Fatalf("expected 2 memories created, got %+v", report)
	}
	if report.EdgesCreated != 1 {
		t.Fatalf("expected 1 edge created, got %+v", report)
	}
	if embed.calls != callsBeforeImport {
		t.Fatalf("expected no re-embedding when vectors were carried in the document, got %d new calls", embed.calls-callsBeforeImport)
	}

	restoredA, err := mem.Get(ctx, a)
	if err != nil {
		t.Fatalf("get restored a: %v", err)
	}
	if restoredA.Content != "memory a content" || len(restoredA.Tags) != 1 {
		t.Fatalf("restored memory a mismatch: %+v", restoredA)
	}
	rejected, err := gs.IsRejected(ctx, a, b, graphstore.RelFollows)
	if err != nil {
		t.Fatalf("is rejected: %v", err)
	}
	if !rejected {
		t.Fatal("expected rejection ledger entry restored")
	}
}

func TestImport_SkipExistingLeavesMemoryUntouched(t *testing.T) {
	ctx := context.Background()
	eng, mem, _, _ := newTestSetup(t)

	id, err := mem.Store(ctx, memory.StoreRequest{Content: "original content", Category: memory.CategorySemantic})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	doc := Document{Memories: []MemoryRecord{{ID: id, Category: "semantic", Content: "replacement content"}}}

	report, err := eng.Import(ctx, doc, ImportOptions{SkipExisting: true})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if report.MemoriesSkipped != 1 || report.MemoriesCreated != 0 {
		t.Fatalf("expected the existing memory skipped, got %+v", report)
	}
	got, err := mem.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "original content" {
		t.Fatalf("expected content left untouched, got %q", got.Content)
	}
}

func TestImport_DuplicateEdgeCountedAsSkipped(t *testing.T) {
	ctx := context.Background()
	eng, mem, gs, _ := newTestSetup(t)

	a, err := mem.Store(ctx, memory.StoreRequest{Content: "memory a", Category: memory.CategorySemantic})
	if err != nil {
		t.Fatalf("store a: %v", err)
	}
	b, err := mem.Store(ctx, memory.StoreRequest{Content: "memory b", Category: memory.CategorySemantic})
	if err != nil {
		t.Fatalf("store b: %v", err)
	}
	if err := gs.InsertEdge(ctx, graphstore.Edge{SourceID: a, TargetID: b, Type: graphstore.RelRelated, Weight: 0.5}); err != nil {
		t.Fatalf("insert edge: %v", err)
	}

	doc := Document{Edges: []EdgeRecord{{SourceID: a, TargetID: b, Type: string(graphstore.RelRelated), Weight: 0.9}}}
	report, err := eng.Import(ctx, doc, ImportOptions{})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if report.EdgesSkipped != 1 || report.EdgesCreated != 0 || report.EdgesErrors != 0 {
		t.Fatalf("expected duplicate edge counted as skipped, not an error, got %+v", report)
	}
}

func TestFileDestination_WriteRead(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dest := FileDestination{Dir: dir}

	if err := dest.Write(ctx, "export.json", []byte(`{"version":"1"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "export.json")); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}
	data, err := dest.Read(ctx, "export.json")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"version":"1"}` {
		t.Fatalf("unexpected contents: %s", data)
	}
}

func TestObjectStoreDestination_WriteRead(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	dest := ObjectStoreDestination{Store: store, Prefix: "backups"}

	if err := dest.Write(ctx, "export.json", []byte(`{"version":"1"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := dest.Read(ctx, "export.json")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"version":"1"}` {
		t.Fatalf("unexpected contents: %s", data)
	}
}
