package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryStore is an in-process VectorStore over the three collections,
// with brute-force cosine search and keyset-paginated scroll. It backs
// tests and single-process deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	dimension int
	colls     map[Collection]map[string]Record
}

func NewMemoryStore(dimension int) *MemoryStore {
	return &MemoryStore{
		dimension: dimension,
		colls: map[Collection]map[string]Record{
			CollectionEpisodic:   {},
			CollectionSemantic:   {},
			CollectionProcedural: {},
		},
	}
}

func (m *MemoryStore) Dimension() int { return m.dimension }
func (m *MemoryStore) Close() error   { return nil }

func (m *MemoryStore) bucket(coll Collection) map[string]Record {
	b, ok := m.colls[coll]
	if !ok {
		b = make(map[string]Record)
		m.colls[coll] = b
	}
	return b
}

func (m *MemoryStore) Upsert(_ context.Context, coll Collection, recs []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(coll)
	for _, rec := range recs {
		b[rec.ID] = cloneRecord(rec)
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, coll Collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bucket(coll), id)
	return nil
}

func (m *MemoryStore) DeleteByMemoryID(_ context.Context, coll Collection, memoryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(coll)
	for id, rec := range b {
		if rec.MemoryID == memoryID {
			delete(b, id)
		}
	}
	return nil
}

func (m *MemoryStore) DeleteByFilter(_ context.Context, coll Collection, filter Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.bucket(coll)
	for id, rec := range b {
		if filter.Matches(rec.Payload) {
			delete(b, id)
		}
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, coll Collection, id string) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.bucket(coll)[id]
	if !ok {
		return Record{}, false, nil
	}
	return cloneRecord(rec), true, nil
}

func (m *MemoryStore) GetMany(_ context.Context, coll Collection, ids []string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b := m.bucket(coll)
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if rec, ok := b[id]; ok {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

func (m *MemoryStore) Search(_ context.Context, coll Collection, query []float32, k int, filter Filter) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 {
		k = 10
	}
	qnorm := norm(query)
	hits := make([]Hit, 0, len(m.bucket(coll)))
	for _, rec := range m.bucket(coll) {
		if !filter.Matches(rec.Payload) {
			continue
		}
		hits = append(hits, Hit{Record: cloneRecord(rec), Score: cosine(query, rec.Vector, qnorm)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Record.ID < hits[j].Record.ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Scroll iterates the collection in a stable ID order, the offset being the
// last-returned ID; callers pass it back verbatim to resume (same contract
// as a keyset-paginated SQL query).
func (m *MemoryStore) Scroll(_ context.Context, coll Collection, filter Filter, limit int, offset string) (ScrollPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	b := m.bucket(coll)
	ids := make([]string, 0, len(b))
	for id := range b {
		if filter.Matches(b[id].Payload) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	start := 0
	if offset != "" {
		i := sort.SearchStrings(ids, offset)
		if i < len(ids) && ids[i] == offset {
			start = i + 1
		} else {
			start = i
		}
	}
	if start > len(ids) {
		start = len(ids)
	}
	end := start + limit
	if end > len(ids) {
		end = len(ids)
	}

	page := ScrollPage{Records: make([]Record, 0, end-start)}
	for _, id := range ids[start:end] {
		page.Records = append(page.Records, cloneRecord(b[id]))
	}
	if end < len(ids) {
		page.NextOffset = ids[end-1]
	}
	return page, nil
}

func cloneRecord(rec Record) Record {
	cp := Record{ID: rec.ID, MemoryID: rec.MemoryID}
	cp.Vector = make([]float32, len(rec.Vector))
	copy(cp.Vector, rec.Vector)
	cp.Payload = make(map[string]any, len(rec.Payload))
	for k, v := range rec.Payload {
		cp.Payload[k] = v
	}
	return cp
}

func norm(a []float32) float64 {
	var s float64
	for _, x := range a {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s float64
	for i := 0; i < n; i++ {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func cosine(a, b []float32, anorm float64) float64 {
	if anorm == 0 {
		anorm = norm(a)
	}
	bnorm := norm(b)
	if anorm == 0 || bnorm == 0 {
		return 0
	}
	return dot(a, b) / (anorm * bnorm)
}
