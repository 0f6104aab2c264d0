package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/trapias/memoria/internal/config"
	"github.com/trapias/memoria/internal/embedding"
	"github.com/trapias/memoria/internal/graphstore"
	"github.com/trapias/memoria/internal/merr"
	"github.com/trapias/memoria/internal/vectorstore"
)

const testDim = 8

// fakeEmbedder turns text into a deterministic bag-of-words vector so
// cosine similarity reflects shared vocabulary without a real model call.
type fakeEmbedder struct {
	calls int
}

func (f *fakeEmbedder) Dimension() int { return testDim }

func (f *fakeEmbedder) Embed(ctx context.Context, text string, role embedding.Role) ([]float32, error) {
	f.calls++
	vec := make([]float32, testDim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := 0
		for _, r := range w {
			h = h*31 + int(r)
		}
		idx := ((h % testDim) + testDim) % testDim
		vec[idx]++
	}
	return vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string, role embedding.Role) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t, role)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.DefaultCategory = "semantic"
	cfg.Chunking.TargetSize = 500
	cfg.Chunking.Overlap = 50
	cfg.Recall.DefaultLimit = 10
	cfg.Recall.OverfetchFactor = 3
	cfg.Vector.Dimension = testDim
	return cfg
}

func newTestManager() (*Manager, *fakeEmbedder) {
	vs := vectorstore.NewMemoryStore(testDim)
	gs := graphstore.NewMemoryStore()
	embed := &fakeEmbedder{}
	mgr := New(vs, embed, nil, gs, testConfig())
	return mgr, embed
}

func TestManager_StoreRecallRoundTrip(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager()

	id, err := mgr.Store(ctx, StoreRequest{
		Content:  "the quick brown fox jumps over the lazy dog",
		Category: CategorySemantic,
		Tags:     []string{"animals"},
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	out, err := mgr.Recall(ctx, RecallRequest{Query: "quick brown fox"})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if out.Partial {
		t.Fatal("expected a complete recall with every category available")
	}
	if len(out.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(out.Results))
	}
	if out.Results[0].Memory.ID != id {
		t.Fatalf("expected memory %s, got %s", id, out.Results[0].Memory.ID)
	}
	if out.Results[0].Memory.AccessCount != 1 {
		t.Fatalf("expected access_count bumped to 1 after recall, got %d", out.Results[0].Memory.AccessCount)
	}
}

func TestManager_StoreRejectsEmptyContent(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager()
	_, err := mgr.Store(ctx, StoreRequest{Content: "   ", Category: CategorySemantic})
	if !errors.Is(err, merr.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestManager_StoreRejectsUnknownCategory(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager()
	_, err := mgr.Store(ctx, StoreRequest{Content: "hello", Category: Category("bogus")})
	if !errors.Is(err, merr.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestManager_UpdateTagsDoesNotReembed(t *testing.T) {
	ctx := context.Background()
	mgr, embed := newTestManager()

	id, err := mgr.Store(ctx, StoreRequest{Content: "paris is the capital of france", Category: CategorySemantic})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	callsAfterStore := embed.calls

	if err := mgr.Update(ctx, id, UpdateRequest{Tags: []string{"geography"}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if embed.calls != callsAfterStore {
		t.Fatalf("expected no additional embed calls for a tag-only update, got %d new calls", embed.calls-callsAfterStore)
	}

	got, err := mgr.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "geography" {
		t.Fatalf("expected tags [geography], got %v", got.Tags)
	}
	if got.Content != "paris is the capital of france" {
		t.Fatalf("content should be unchanged, got %q", got.Content)
	}
}

func TestManager_UpdateContentReembeds(t *testing.T) {
	ctx := context.Background()
	mgr, embed := newTestManager()

	id, err := mgr.Store(ctx, StoreRequest{Content: "original text here", Category: CategorySemantic})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	callsAfterStore := embed.calls

	newContent := "a completely different sentence about something else"
	if err := mgr.Update(ctx, id, UpdateRequest{Content: &newContent}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if embed.calls == callsAfterStore {
		t.Fatal("expected at least one additional embed call for a content update")
	}

	got, err := mgr.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != newContent {
		t.Fatalf("expected updated content, got %q", got.Content)
	}
}

func TestManager_UpdateRejectsUnknownID(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager()
	if err := mgr.Update(ctx, "does-not-exist", UpdateRequest{Tags: []string{"x"}}); !errors.Is(err, merr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_DeleteCascadesEdges(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager()

	a, err := mgr.Store(ctx, StoreRequest{Content: "memory a", Category: CategorySemantic})
	if err != nil {
		t.Fatalf("store a: %v", err)
	}
	b, err := mgr.Store(ctx, StoreRequest{Content: "memory b", Category: CategorySemantic})
	if err != nil {
		t.Fatalf("store b: %v", err)
	}
	gs := mgr.GraphStore()
	if err := gs.InsertEdge(ctx, graphstore.Edge{SourceID: a, TargetID: b, Type: graphstore.RelRelated, Weight: 1}); err != nil {
		t.Fatalf("insert edge: %v", err)
	}

	if err := mgr.Delete(ctx, a); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := mgr.Get(ctx, a); !errors.Is(err, merr.ErrNotFound) {
		t.Fatalf("expected deleted memory to be not found, got %v", err)
	}
	edges, err := gs.AllEdges(ctx)
	if err != nil {
		t.Fatalf("all edges: %v", err)
	}
	if len(edges) != 0 {
		t.Fatalf("expected edge touching a deleted memory to be removed, got %+v", edges)
	}
}

func TestManager_DeleteUnknownIDIsNoop(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager()
	if err := mgr.Delete(ctx, "does-not-exist"); err != nil {
		t.Fatalf("expected nil error deleting an unknown id, got %v", err)
	}
}

func TestManager_SearchSortsByImportanceWithoutQuery(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager()

	low, high := 0.2, 0.9
	_, err := mgr.Store(ctx, StoreRequest{Content: "low importance memory", Category: CategorySemantic, Importance: &low})
	if err != nil {
		t.Fatalf("store low: %v", err)
	}
	idHigh, err := mgr.Store(ctx, StoreRequest{Content: "high importance memory", Category: CategorySemantic, Importance: &high})
	if err != nil {
		t.Fatalf("store high: %v", err)
	}

	results, err := mgr.Search(ctx, SearchRequest{Categories: []Category{CategorySemantic}, SortBy: SortImportance})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Memory.ID != idHigh {
		t.Fatalf("expected the higher-importance memory first, got %+v", results)
	}
}

func TestManager_RecallScopesToRequestedCategories(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager()

	if _, err := mgr.Store(ctx, StoreRequest{Content: "shared vocabulary term", Category: CategoryEpisodic}); err != nil {
		t.Fatalf("store episodic: %v", err)
	}
	semID, err := mgr.Store(ctx, StoreRequest{Content: "shared vocabulary term", Category: CategorySemantic})
	if err != nil {
		t.Fatalf("store semantic: %v", err)
	}

	out, err := mgr.Recall(ctx, RecallRequest{Query: "shared vocabulary term", Categories: []Category{CategorySemantic}})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].Memory.ID != semID {
		t.Fatalf("expected only the semantic memory, got %+v", out.Results)
	}
}

func TestManager_ChunksAndRestoreMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	mgr, embed := newTestManager()

	id, err := mgr.Store(ctx, StoreRequest{Content: "a memory worth exporting", Category: CategoryProcedural, Tags: []string{"t1"}})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	mem, err := mgr.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	cat, chunks, err := mgr.Chunks(ctx, id)
	if err != nil {
		t.Fatalf("chunks: %v", err)
	}
	if cat != CategoryProcedural {
		t.Fatalf("expected category procedural, got %s", cat)
	}
	var vectors []ChunkVector
	for _, c := range chunks {
		vectors = append(vectors, ChunkVector{ChunkIndex: asInt(c.Payload["chunk_index"]), Vector: c.Vector})
	}

	if err := mgr.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	callsBeforeRestore := embed.calls

	if err := mgr.RestoreMemory(ctx, mem, vectors); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if embed.calls != callsBeforeRestore {
		t.Fatalf("expected no re-embedding when every chunk vector is supplied, got %d new calls", embed.calls-callsBeforeRestore)
	}

	restored, err := mgr.Get(ctx, id)
	if err != nil {
		t.Fatalf("get restored: %v", err)
	}
	if restored.Content != mem.Content || len(restored.Tags) != 1 || restored.Tags[0] != "t1" {
		t.Fatalf("restored memory does not match original: %+v", restored)
	}
}

func TestManager_CacheAvoidsSecondModelCall(t *testing.T) {
	ctx := context.Background()
	vs := vectorstore.NewMemoryStore(testDim)
	embed := &fakeEmbedder{}
	cfg := testConfig()
	cfg.Cache.Enabled = true
	cfg.Embedding.Model = "test-model"
	mgr := New(vs, embed, embedding.NewMemoryCache(0), nil, cfg)

	if _, err := mgr.Store(ctx, StoreRequest{Content: "cache me once", Category: CategorySemantic}); err != nil {
		t.Fatalf("store: %v", err)
	}
	callsAfterFirst := embed.calls

	if _, err := mgr.Store(ctx, StoreRequest{Content: "cache me once", Category: CategorySemantic}); err != nil {
		t.Fatalf("store again: %v", err)
	}
	if embed.calls != callsAfterFirst {
		t.Fatalf("expected the second identical store to hit the cache, got %d extra model calls", embed.calls-callsAfterFirst)
	}
}

func TestManager_WorkingContextInjectedWithoutOverwriting(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager()
	mgr.SetContext(Context{Project: "nebula", Client: "acme"})

	id, err := mgr.Store(ctx, StoreRequest{
		Content:  "context-tagged memory",
		Category: CategorySemantic,
		Metadata: map[string]any{"project": "explicit-wins"},
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := mgr.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Metadata["project"] != "explicit-wins" {
		t.Fatalf("expected the explicit metadata key to win, got %v", got.Metadata["project"])
	}
	if got.Metadata["client"] != "acme" {
		t.Fatalf("expected the working-context client injected, got %v", got.Metadata["client"])
	}

	mgr.ClearContext()
	id2, err := mgr.Store(ctx, StoreRequest{Content: "context-free memory", Category: CategorySemantic})
	if err != nil {
		t.Fatalf("store after clear: %v", err)
	}
	got2, err := mgr.Get(ctx, id2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, ok := got2.Metadata["client"]; ok {
		t.Fatal("expected no context metadata after ClearContext")
	}
}

func TestManager_UpdateMetadataMergeAndDelete(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager()

	id, err := mgr.Store(ctx, StoreRequest{
		Content:  "metadata-bearing memory",
		Category: CategorySemantic,
		Metadata: map[string]any{"keep": "v1", "drop": "v2"},
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := mgr.Update(ctx, id, UpdateRequest{Metadata: map[string]any{"drop": DeleteKey, "added": "v3"}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := mgr.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Metadata["keep"] != "v1" || got.Metadata["added"] != "v3" {
		t.Fatalf("expected merged metadata, got %v", got.Metadata)
	}
	if _, ok := got.Metadata["drop"]; ok {
		t.Fatalf("expected the DeleteKey-marked key removed, got %v", got.Metadata)
	}
}

func TestManager_DeleteByFilterRemovesMatchingMemories(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager()

	keepImp, dropImp := 0.9, 0.1
	keepID, err := mgr.Store(ctx, StoreRequest{Content: "important memory", Category: CategorySemantic, Importance: &keepImp})
	if err != nil {
		t.Fatalf("store keep: %v", err)
	}
	dropID, err := mgr.Store(ctx, StoreRequest{Content: "disposable memory", Category: CategorySemantic, Importance: &dropImp})
	if err != nil {
		t.Fatalf("store drop: %v", err)
	}

	n, err := mgr.DeleteByFilter(ctx, CategorySemantic, vectorstore.Filter{
		Must: []vectorstore.FilterOp{{Field: "importance", RangeLTE: 0.5}},
	})
	if err != nil {
		t.Fatalf("delete by filter: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 memory deleted, got %d", n)
	}
	if _, err := mgr.Get(ctx, dropID); !errors.Is(err, merr.ErrNotFound) {
		t.Fatalf("expected the low-importance memory gone, got %v", err)
	}
	if _, err := mgr.Get(ctx, keepID); err != nil {
		t.Fatalf("expected the important memory kept, got %v", err)
	}
}

func TestManager_RecallTextMatchNarrowsHits(t *testing.T) {
	ctx := context.Background()
	mgr, _ := newTestManager()

	withTerm, err := mgr.Store(ctx, StoreRequest{Content: "release checklist covers the Rollback Plan", Category: CategorySemantic})
	if err != nil {
		t.Fatalf("store with term: %v", err)
	}
	if _, err := mgr.Store(ctx, StoreRequest{Content: "release checklist covers deployment steps", Category: CategorySemantic}); err != nil {
		t.Fatalf("store without term: %v", err)
	}

	out, err := mgr.Recall(ctx, RecallRequest{Query: "release checklist", TextMatch: "rollback plan"})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].Memory.ID != withTerm {
		t.Fatalf("expected only the memory containing the text match, got %+v", out.Results)
	}
}
