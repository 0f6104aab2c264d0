package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trapias/memoria/internal/chunk"
	"github.com/trapias/memoria/internal/config"
	"github.com/trapias/memoria/internal/embedding"
	"github.com/trapias/memoria/internal/graphstore"
	"github.com/trapias/memoria/internal/merr"
	"github.com/trapias/memoria/internal/observability"
	"github.com/trapias/memoria/internal/vectorstore"
)

// DeleteKey is assigned as a metadata value in an UpdateRequest to mean
// "remove this key", distinguishing it from a key simply absent from the
// patch.
var DeleteKey = struct{ deleteMarker bool }{true}

// StoreRequest is the explicit option struct for store(); unset fields
// take the documented defaults.
type StoreRequest struct {
	Content    string
	Category   Category // zero value means "use configured default"
	Tags       []string
	Importance *float64 // nil means 0.5
	Metadata   map[string]any
}

// RecallRequest is the explicit option struct for recall().
type RecallRequest struct {
	Query      string
	Categories []Category // empty means all three
	Limit      int        // 0 means config default
	MinScore   *float64   // nil means config default
	TextMatch  string     // case-insensitive substring required in chunk content
	Filter     vectorstore.Filter
}

// SortField is the ranking axis for search() when Query is empty.
type SortField string

const (
	SortRelevance   SortField = "relevance"
	SortDate        SortField = "date"
	SortImportance  SortField = "importance"
	SortAccessCount SortField = "access_count"
)

// SearchRequest is the explicit option struct for search().
type SearchRequest struct {
	Query      string // optional; empty means rank by SortBy alone
	Categories []Category
	Filter     vectorstore.Filter
	SortBy     SortField
	Limit      int
}

// UpdateRequest is the explicit option struct for update(). A nil field
// means "leave unchanged"; Metadata entries whose value is DeleteKey are
// removed from the stored metadata instead of merged in.
type UpdateRequest struct {
	Content    *string
	Tags       []string
	Importance *float64
	Metadata   map[string]any
}

// Manager is the memory manager: the engine façade.
type Manager struct {
	vs    vectorstore.VectorStore
	embed embedding.Client
	cache embedding.Cache
	graph graphstore.Store // nil when graph.enabled == false
	cfg   config.Config
	locks *idLockTable

	ctxMu   sync.RWMutex
	workCtx Context

	reconMu    sync.Mutex
	reconQueue map[string]vectorstore.Collection
}

// New builds a Manager. graph may be nil when the relational layer is
// disabled.
func New(vs vectorstore.VectorStore, embed embedding.Client, cache embedding.Cache, graph graphstore.Store, cfg config.Config) *Manager {
	return &Manager{vs: vs, embed: embed, cache: cache, graph: graph, cfg: cfg, locks: newIDLockTable()}
}

// SetContext replaces the working context.
func (m *Manager) SetContext(c Context) {
	m.ctxMu.Lock()
	defer m.ctxMu.Unlock()
	m.workCtx = c
}

// ClearContext resets the working context to its zero value.
func (m *Manager) ClearContext() {
	m.ctxMu.Lock()
	defer m.ctxMu.Unlock()
	m.workCtx = Context{}
}

func (m *Manager) context() Context {
	m.ctxMu.RLock()
	defer m.ctxMu.RUnlock()
	return m.workCtx
}

func chunkPointID(memoryID string, index int) string {
	return fmt.Sprintf("%s:%d", memoryID, index)
}

func (m *Manager) collectionFor(cat Category) vectorstore.Collection {
	switch cat {
	case CategoryEpisodic:
		return vectorstore.CollectionEpisodic
	case CategoryProcedural:
		return vectorstore.CollectionProcedural
	default:
		return vectorstore.CollectionSemantic
	}
}

func categoryFromCollection(c vectorstore.Collection) Category {
	switch c {
	case vectorstore.CollectionEpisodic:
		return CategoryEpisodic
	case vectorstore.CollectionProcedural:
		return CategoryProcedural
	default:
		return CategorySemantic
	}
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func fromAnySlice(v any) []string {
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, x := range list {
		if s, ok := x.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// embedCached resolves a vector through the cache before calling the
// embedding client.
func (m *Manager) embedCached(ctx context.Context, text string, role embedding.Role) ([]float32, error) {
	dim := m.embed.Dimension()
	model := m.cfg.Embedding.Model
	if m.cfg.Cache.Enabled && m.cache != nil {
		if v, ok := m.cache.Get(ctx, text, model, dim); ok {
			m.cache.Touch(ctx, text, model, dim)
			return v, nil
		}
	}
	v, err := m.embed.Embed(ctx, text, role)
	if err != nil {
		return nil, err
	}
	if m.cfg.Cache.Enabled && m.cache != nil {
		_ = m.cache.Put(ctx, text, model, dim, v)
	}
	return v, nil
}

func buildPayload(mem Memory, chunkIndex, chunkCount int, chunkText string) map[string]any {
	content := chunkText
	if chunkIndex == 0 {
		content = mem.Content
	}
	return map[string]any{
		"memory_id":        mem.ID,
		"chunk_index":      chunkIndex,
		"chunk_count":      chunkCount,
		"content":          content,
		"tags":             toAnySlice(mem.Tags),
		"importance":       mem.Importance,
		"category":         string(mem.Category),
		"created_at":       mem.CreatedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":       mem.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"last_accessed_at": mem.LastAccessedAt.UTC().Format(time.RFC3339Nano),
		"access_count":     mem.AccessCount,
		"metadata":         mem.Metadata,
	}
}

func memoryFromPayload(p map[string]any) Memory {
	mem := Memory{
		ID:          asString(p["memory_id"]),
		Category:    Category(asString(p["category"])),
		Content:     asString(p["content"]),
		Tags:        fromAnySlice(p["tags"]),
		Importance:  asFloat(p["importance"]),
		ChunkCount:  asInt(p["chunk_count"]),
		AccessCount: asInt(p["access_count"]),
	}
	if md, ok := p["metadata"].(map[string]any); ok {
		mem.Metadata = md
	} else {
		mem.Metadata = map[string]any{}
	}
	mem.CreatedAt = asTime(p["created_at"])
	mem.UpdatedAt = asTime(p["updated_at"])
	mem.LastAccessedAt = asTime(p["last_accessed_at"])
	return mem
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	}
	return 0
}

func asInt(v any) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	}
	return 0
}

func asTime(v any) time.Time {
	s, _ := v.(string)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Store ingests req.Content: chunk, embed each chunk (role=document),
// upsert all chunks sharing a fresh memory_id, and return that id.
func (m *Manager) Store(ctx context.Context, req StoreRequest) (string, error) {
	if strings.TrimSpace(req.Content) == "" {
		return "", fmt.Errorf("%w: content is required", merr.ErrInvalidInput)
	}
	cat := req.Category
	if cat == "" {
		cat = Category(m.cfg.DefaultCategory)
	}
	if !cat.Valid() {
		return "", fmt.Errorf("%w: unknown category %q", merr.ErrInvalidInput, cat)
	}
	importance := 0.5
	if req.Importance != nil {
		importance = *req.Importance
	}
	if importance < 0 || importance > 1 {
		return "", fmt.Errorf("%w: importance out of [0,1]", merr.ErrInvalidInput)
	}

	metadata := m.context().Merge(req.Metadata)
	id := uuid.NewString()
	unlock := m.locks.Lock(id)
	defer unlock()

	now := time.Now().UTC()
	mem := Memory{
		ID: id, Category: cat, Content: req.Content, Tags: req.Tags,
		Importance: importance, Metadata: metadata,
		CreatedAt: now, UpdatedAt: now, LastAccessedAt: now, AccessCount: 0,
	}

	splitter := chunk.NewSplitter(m.cfg.Chunking.TargetSize, m.cfg.Chunking.Overlap)
	chunks := splitter.Split(req.Content)
	mem.ChunkCount = len(chunks)
	coll := m.collectionFor(cat)

	recs := make([]vectorstore.Record, 0, len(chunks))
	for _, c := range chunks {
		vec, err := m.embedCached(ctx, c.Text, embedding.RoleDocument)
		if err != nil {
			return "", err
		}
		recs = append(recs, vectorstore.Record{
			ID: chunkPointID(id, c.Index), Vector: vec, MemoryID: id,
			Payload: buildPayload(mem, c.Index, len(chunks), c.Text),
		})
	}
	if err := m.vs.Upsert(ctx, coll, recs); err != nil {
		m.compensate(ctx, coll, id)
		return "", fmt.Errorf("%w: %v", merr.ErrStorageUnavailable, err)
	}
	return id, nil
}

// compensate deletes already-written chunks for id when a later chunk
// upsert fails, so no partial memory is left behind. If the compensating
// delete also fails, the id is queued for the next Reconcile pass.
func (m *Manager) compensate(ctx context.Context, coll vectorstore.Collection, id string) {
	log := observability.LoggerWithTrace(ctx)
	if err := m.vs.DeleteByMemoryID(ctx, coll, id); err != nil {
		log.Warn().Err(err).Str("memory_id", id).Msg("store_compensation_failed")
		m.enqueueReconciliation(id, coll)
	}
}

// loadChunks returns every chunk record for memoryID in coll, ordered by
// chunk_index.
func (m *Manager) loadChunks(ctx context.Context, coll vectorstore.Collection, memoryID string) ([]vectorstore.Record, error) {
	filter := vectorstore.Filter{Must: []vectorstore.FilterOp{{Field: "memory_id", Equals: memoryID}}}
	var out []vectorstore.Record
	offset := ""
	for {
		page, err := m.vs.Scroll(ctx, coll, filter, 256, offset)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Records...)
		if page.NextOffset == "" {
			break
		}
		offset = page.NextOffset
	}
	sort.Slice(out, func(i, j int) bool {
		return asInt(out[i].Payload["chunk_index"]) < asInt(out[j].Payload["chunk_index"])
	})
	return out, nil
}

// findMemory locates a memory's category and chunk-0 record by trying the
// deterministic point id in each collection.
func (m *Manager) findMemory(ctx context.Context, memoryID string) (Category, vectorstore.Record, bool, error) {
	for _, coll := range []vectorstore.Collection{vectorstore.CollectionEpisodic, vectorstore.CollectionSemantic, vectorstore.CollectionProcedural} {
		rec, ok, err := m.vs.Get(ctx, coll, chunkPointID(memoryID, 0))
		if err != nil {
			return "", vectorstore.Record{}, false, err
		}
		if ok {
			return categoryFromCollection(coll), rec, true, nil
		}
	}
	return "", vectorstore.Record{}, false, nil
}

// RecallOutcome carries a recall's ranked results. Partial is set when at
// least one requested category was unavailable and its hits are missing
// from Results.
type RecallOutcome struct {
	Results []Result
	Partial bool
}

// Recall embeds query (role=query), searches the requested categories with
// an over-fetch factor, deduplicates by memory_id keeping the max score,
// reconstructs full content from chunk 0, and increments access counters on
// every returned memory. Recall fails only when every requested category is
// unavailable; otherwise partial results are returned with Partial set.
func (m *Manager) Recall(ctx context.Context, req RecallRequest) (RecallOutcome, error) {
	if strings.TrimSpace(req.Query) == "" {
		return RecallOutcome{}, fmt.Errorf("%w: query is required", merr.ErrInvalidInput)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = m.cfg.Recall.DefaultLimit
	}
	minScore := m.cfg.Recall.MinScore
	if req.MinScore != nil {
		minScore = *req.MinScore
	}
	overfetch := m.cfg.Recall.OverfetchFactor
	if overfetch <= 0 {
		overfetch = 3
	}
	k := limit * overfetch
	if k < limit {
		k = limit
	}

	qvec, err := m.embedCached(ctx, req.Query, embedding.RoleQuery)
	if err != nil {
		return RecallOutcome{}, err
	}

	cats := req.Categories
	if len(cats) == 0 {
		cats = []Category{CategoryEpisodic, CategorySemantic, CategoryProcedural}
	}

	best := make(map[string]vectorstore.Hit)
	var failedCategories int
	for _, cat := range cats {
		hits, err := m.vs.Search(ctx, m.collectionFor(cat), qvec, k, req.Filter)
		if err != nil {
			log := observability.LoggerWithTrace(ctx)
			log.Warn().Err(err).Str("category", string(cat)).Msg("recall_category_unavailable")
			failedCategories++
			continue
		}
		for _, h := range hits {
			if req.TextMatch != "" && !strings.Contains(strings.ToLower(asString(h.Record.Payload["content"])), strings.ToLower(req.TextMatch)) {
				continue
			}
			memID := asString(h.Record.Payload["memory_id"])
			if cur, ok := best[memID]; !ok || h.Score > cur.Score {
				best[memID] = h
			}
		}
	}
	if failedCategories == len(cats) {
		return RecallOutcome{}, fmt.Errorf("%w: no category available", merr.ErrStorageUnavailable)
	}

	results := make([]Result, 0, len(best))
	for memID, h := range best {
		if h.Score < minScore {
			continue
		}
		cat := Category(asString(h.Record.Payload["category"]))
		coll := m.collectionFor(cat)
		full := h.Record
		if asInt(h.Record.Payload["chunk_index"]) != 0 {
			if rec, ok, err := m.vs.Get(ctx, coll, chunkPointID(memID, 0)); err == nil && ok {
				full = rec
			}
		}
		results = append(results, Result{Memory: memoryFromPayload(full.Payload), Score: h.Score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}

	for i := range results {
		if count, at, ok := m.touchAccess(ctx, results[i].Memory.ID); ok {
			results[i].Memory.AccessCount = count
			results[i].Memory.LastAccessedAt = at
		}
	}
	return RecallOutcome{Results: results, Partial: failedCategories > 0}, nil
}

// touchAccess increments access_count and bumps last_accessed_at on every
// chunk of memoryID, preserving homogeneity, and returns the stored values.
// Failures are logged, not propagated: a missed access-count bump never
// fails a recall; ok is false then.
func (m *Manager) touchAccess(ctx context.Context, memoryID string) (int, time.Time, bool) {
	cat, chunk0, ok, err := m.findMemory(ctx, memoryID)
	if err != nil || !ok {
		return 0, time.Time{}, false
	}
	coll := m.collectionFor(cat)
	chunks, err := m.loadChunks(ctx, coll, memoryID)
	if err != nil {
		return 0, time.Time{}, false
	}
	at := time.Now().UTC()
	now := at.Format(time.RFC3339Nano)
	newCount := asInt(chunk0.Payload["access_count"]) + 1
	for i := range chunks {
		chunks[i].Payload["access_count"] = newCount
		chunks[i].Payload["last_accessed_at"] = now
	}
	if err := m.vs.Upsert(ctx, coll, chunks); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("memory_id", memoryID).Msg("touch_access_failed")
		return 0, time.Time{}, false
	}
	return newCount, at, true
}

// Search ranks memories by req.SortBy over a filtered scroll when Query is
// empty, or delegates to Recall otherwise.
func (m *Manager) Search(ctx context.Context, req SearchRequest) ([]Result, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = m.cfg.Recall.DefaultLimit
	}
	cats := req.Categories
	if len(cats) == 0 {
		cats = []Category{CategoryEpisodic, CategorySemantic, CategoryProcedural}
	}

	if strings.TrimSpace(req.Query) != "" {
		rr := RecallRequest{Query: req.Query, Categories: cats, Limit: limit, Filter: req.Filter}
		recalled, err := m.Recall(ctx, rr)
		return recalled.Results, err
	}

	chunk0Filter := req.Filter
	chunk0Filter.Must = append(append([]vectorstore.FilterOp{}, chunk0Filter.Must...), vectorstore.FilterOp{Field: "chunk_index", Equals: 0})

	var mems []Memory
	for _, cat := range cats {
		coll := m.collectionFor(cat)
		offset := ""
		for {
			page, err := m.vs.Scroll(ctx, coll, chunk0Filter, 256, offset)
			if err != nil {
				break
			}
			for _, rec := range page.Records {
				mems = append(mems, memoryFromPayload(rec.Payload))
			}
			if page.NextOffset == "" {
				break
			}
			offset = page.NextOffset
		}
	}

	sortBy := req.SortBy
	if sortBy == "" {
		sortBy = SortDate
	}
	sort.Slice(mems, func(i, j int) bool {
		switch sortBy {
		case SortImportance:
			return mems[i].Importance > mems[j].Importance
		case SortAccessCount:
			return mems[i].AccessCount > mems[j].AccessCount
		default:
			return mems[i].CreatedAt.After(mems[j].CreatedAt)
		}
	})
	if len(mems) > limit {
		mems = mems[:limit]
	}
	out := make([]Result, len(mems))
	for i, mm := range mems {
		out[i] = Result{Memory: mm, Score: 0}
	}
	return out, nil
}

// Update applies req to memoryID: a content change rewrites every chunk
// from scratch; a payload-only change updates every existing chunk in
// place, preserving chunk boundaries.
func (m *Manager) Update(ctx context.Context, memoryID string, req UpdateRequest) error {
	unlock := m.locks.Lock(memoryID)
	defer unlock()

	cat, chunk0, ok, err := m.findMemory(ctx, memoryID)
	if err != nil {
		return err
	}
	if !ok {
		return merr.ErrNotFound
	}
	existing := memoryFromPayload(chunk0.Payload)
	coll := m.collectionFor(cat)

	tags := existing.Tags
	if req.Tags != nil {
		tags = req.Tags
	}
	importance := existing.Importance
	if req.Importance != nil {
		if *req.Importance < 0 || *req.Importance > 1 {
			return fmt.Errorf("%w: importance out of [0,1]", merr.ErrInvalidInput)
		}
		importance = *req.Importance
	}
	metadata := mergeMetadata(existing.Metadata, req.Metadata)

	now := time.Now().UTC()
	updated := Memory{
		ID: memoryID, Category: cat, Tags: tags, Importance: importance, Metadata: metadata,
		CreatedAt: existing.CreatedAt, UpdatedAt: now, LastAccessedAt: existing.LastAccessedAt,
		AccessCount: existing.AccessCount,
	}

	if req.Content != nil && *req.Content != existing.Content {
		if strings.TrimSpace(*req.Content) == "" {
			return fmt.Errorf("%w: content must not be empty", merr.ErrInvalidInput)
		}
		updated.Content = *req.Content
		splitter := chunk.NewSplitter(m.cfg.Chunking.TargetSize, m.cfg.Chunking.Overlap)
		chunks := splitter.Split(updated.Content)
		updated.ChunkCount = len(chunks)
		recs := make([]vectorstore.Record, 0, len(chunks))
		for _, c := range chunks {
			vec, err := m.embedCached(ctx, c.Text, embedding.RoleDocument)
			if err != nil {
				return err
			}
			recs = append(recs, vectorstore.Record{
				ID: chunkPointID(memoryID, c.Index), Vector: vec, MemoryID: memoryID,
				Payload: buildPayload(updated, c.Index, len(chunks), c.Text),
			})
		}
		if err := m.vs.DeleteByMemoryID(ctx, coll, memoryID); err != nil {
			return fmt.Errorf("%w: %v", merr.ErrStorageUnavailable, err)
		}
		if err := m.vs.Upsert(ctx, coll, recs); err != nil {
			m.compensate(ctx, coll, memoryID)
			return fmt.Errorf("%w: %v", merr.ErrStorageUnavailable, err)
		}
		return nil
	}

	updated.Content = existing.Content
	updated.ChunkCount = existing.ChunkCount
	chunks, err := m.loadChunks(ctx, coll, memoryID)
	if err != nil {
		return fmt.Errorf("%w: %v", merr.ErrStorageUnavailable, err)
	}
	for i := range chunks {
		idx := asInt(chunks[i].Payload["chunk_index"])
		chunkText := asString(chunks[i].Payload["content"])
		chunks[i].Payload = buildPayload(updated, idx, updated.ChunkCount, chunkText)
	}
	if err := m.vs.Upsert(ctx, coll, chunks); err != nil {
		return fmt.Errorf("%w: %v", merr.ErrStorageUnavailable, err)
	}
	return nil
}

func mergeMetadata(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == DeleteKey {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// Delete removes every chunk of memoryID and cascades edge deletion. An
// unknown memoryID is a no-op, not an error.
func (m *Manager) Delete(ctx context.Context, memoryID string) error {
	unlock := m.locks.Lock(memoryID)
	defer unlock()

	cat, _, ok, err := m.findMemory(ctx, memoryID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if m.graph != nil {
		if err := m.graph.DeleteByMemoryID(ctx, memoryID); err != nil {
			return fmt.Errorf("%w: %v", merr.ErrStorageUnavailable, err)
		}
	}
	coll := m.collectionFor(cat)
	if err := m.vs.DeleteByMemoryID(ctx, coll, memoryID); err != nil {
		return fmt.Errorf("%w: %v", merr.ErrStorageUnavailable, err)
	}
	return nil
}

// DeleteByFilter removes every memory in category matching filter,
// evaluated against chunk-0 payloads.
func (m *Manager) DeleteByFilter(ctx context.Context, cat Category, filter vectorstore.Filter) (int, error) {
	coll := m.collectionFor(cat)
	f := filter
	f.Must = append(append([]vectorstore.FilterOp{}, f.Must...), vectorstore.FilterOp{Field: "chunk_index", Equals: 0})
	var ids []string
	offset := ""
	for {
		page, err := m.vs.Scroll(ctx, coll, f, 256, offset)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", merr.ErrStorageUnavailable, err)
		}
		for _, rec := range page.Records {
			ids = append(ids, asString(rec.Payload["memory_id"]))
		}
		if page.NextOffset == "" {
			break
		}
		offset = page.NextOffset
	}
	for _, id := range ids {
		if err := m.Delete(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// ChunkVector pairs a chunk index with its embedding, the unit the backup
// export carries when include_vectors is true.
type ChunkVector struct {
	ChunkIndex int
	Vector     []float32
}

// Chunks returns every chunk record for memoryID, used by the backup
// export to emit per-chunk vectors.
func (m *Manager) Chunks(ctx context.Context, memoryID string) (Category, []vectorstore.Record, error) {
	cat, _, ok, err := m.findMemory(ctx, memoryID)
	if err != nil {
		return "", nil, err
	}
	if !ok {
		return "", nil, merr.ErrNotFound
	}
	chunks, err := m.loadChunks(ctx, m.collectionFor(cat), memoryID)
	return cat, chunks, err
}

// RestoreMemory rewrites memoryID's chunks from mem, used by the backup
// import. When
// chunkVectors supplies a vector for a chunk index, that vector is reused
// verbatim (no re-embed); chunk indices without a supplied vector are
// re-embedded through the embedding client and cache. Re-chunking
// mem.Content with the configured
// splitter reproduces the same chunk windows used at export time, so an
// empty chunkVectors re-derives a faithful copy via re-embedding alone.
func (m *Manager) RestoreMemory(ctx context.Context, mem Memory, chunkVectors []ChunkVector) error {
	if !mem.Category.Valid() {
		return fmt.Errorf("%w: unknown category %q", merr.ErrInvalidInput, mem.Category)
	}
	unlock := m.locks.Lock(mem.ID)
	defer unlock()

	vecByIndex := make(map[int][]float32, len(chunkVectors))
	for _, cv := range chunkVectors {
		vecByIndex[cv.ChunkIndex] = cv.Vector
	}

	splitter := chunk.NewSplitter(m.cfg.Chunking.TargetSize, m.cfg.Chunking.Overlap)
	chunks := splitter.Split(mem.Content)
	mem.ChunkCount = len(chunks)
	coll := m.collectionFor(mem.Category)

	recs := make([]vectorstore.Record, 0, len(chunks))
	for _, c := range chunks {
		vec, ok := vecByIndex[c.Index]
		if !ok {
			var err error
			vec, err = m.embedCached(ctx, c.Text, embedding.RoleDocument)
			if err != nil {
				return err
			}
		}
		recs = append(recs, vectorstore.Record{
			ID: chunkPointID(mem.ID, c.Index), Vector: vec, MemoryID: mem.ID,
			Payload: buildPayload(mem, c.Index, len(chunks), c.Text),
		})
	}
	if err := m.vs.Upsert(ctx, coll, recs); err != nil {
		return fmt.Errorf("%w: %v", merr.ErrStorageUnavailable, err)
	}
	return nil
}

// Get returns the current state of memoryID, or merr.ErrNotFound.
func (m *Manager) Get(ctx context.Context, memoryID string) (Memory, error) {
	_, chunk0, ok, err := m.findMemory(ctx, memoryID)
	if err != nil {
		return Memory{}, err
	}
	if !ok {
		return Memory{}, merr.ErrNotFound
	}
	return memoryFromPayload(chunk0.Payload), nil
}

// VectorStore, GraphStore, and Config expose the Manager's collaborators to
// sibling packages (consolidate, graphmgr, backup) that operate below the
// façade's own operation contracts but still need the per-id lock table's
// discipline respected by going through Manager for mutations.
func (m *Manager) VectorStore() vectorstore.VectorStore { return m.vs }
func (m *Manager) GraphStore() graphstore.Store          { return m.graph }
func (m *Manager) Config() config.Config                 { return m.cfg }

// CollectionFor exposes the category->collection mapping.
func (m *Manager) CollectionFor(cat Category) vectorstore.Collection { return m.collectionFor(cat) }

// WithLock runs fn while holding the per-memory-id lock for id, letting
// maintenance code (consolidation) serialize against concurrent
// update/delete calls on the same logical memory.
func (m *Manager) WithLock(id string, fn func()) {
	unlock := m.locks.Lock(id)
	defer unlock()
	fn()
}

// Chunk0 pairs a reconstructed Memory with its chunk-0 embedding, the unit
// consolidation and suggestion scoring both compare memories by.
type Chunk0 struct {
	Memory Memory
	Vector []float32
}

// ScrollChunk0 returns every memory in cat matching filter, ordered by
// ascending created_at, paired with its chunk-0 vector.
func (m *Manager) ScrollChunk0(ctx context.Context, cat Category, filter vectorstore.Filter) ([]Chunk0, error) {
	coll := m.collectionFor(cat)
	f := filter
	f.Must = append(append([]vectorstore.FilterOp{}, f.Must...), vectorstore.FilterOp{Field: "chunk_index", Equals: 0})
	var out []Chunk0
	offset := ""
	for {
		page, err := m.vs.Scroll(ctx, coll, f, 256, offset)
		if err != nil {
			return nil, err
		}
		for _, rec := range page.Records {
			out = append(out, Chunk0{Memory: memoryFromPayload(rec.Payload), Vector: rec.Vector})
		}
		if page.NextOffset == "" {
			break
		}
		offset = page.NextOffset
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Memory.CreatedAt.Equal(out[j].Memory.CreatedAt) {
			return out[i].Memory.CreatedAt.Before(out[j].Memory.CreatedAt)
		}
		return out[i].Memory.ID < out[j].Memory.ID
	})
	return out, nil
}
