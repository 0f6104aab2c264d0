// Package backup implements backup and restore: a portable JSON export of
// memories (optionally with their chunk vectors), graph edges, and the
// rejection ledger, and the matching import path with skip-existing
// semantics and per-record counts.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trapias/memoria/internal/graphstore"
	"github.com/trapias/memoria/internal/memory"
	"github.com/trapias/memoria/internal/merr"
	"github.com/trapias/memoria/internal/vectorstore"
)

// Document is the top-level export file format.
type Document struct {
	Version        string           `json:"version"`
	ExportedAt     time.Time        `json:"exported_at"`
	IncludeVectors bool             `json:"include_vectors"`
	Memories       []MemoryRecord   `json:"memories"`
	Edges          []EdgeRecord     `json:"edges"`
	Rejections     []RejectionRecord `json:"rejections"`
}

// MemoryRecord is one exported logical memory.
type MemoryRecord struct {
	ID             string         `json:"id"`
	Category       string         `json:"category"`
	Content        string         `json:"content"`
	Tags           []string       `json:"tags"`
	Importance     float64        `json:"importance"`
	Metadata       map[string]any `json:"metadata"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	AccessCount    int            `json:"access_count"`
	Chunks         []ChunkRecord  `json:"chunks,omitempty"`
}

// ChunkRecord is one chunk's vector, present only when include_vectors is
// true.
type ChunkRecord struct {
	ChunkIndex int       `json:"chunk_index"`
	Vector     []float32 `json:"vector"`
}

// EdgeRecord is one exported graph edge.
type EdgeRecord struct {
	SourceID  string         `json:"source_id"`
	TargetID  string         `json:"target_id"`
	Type      string         `json:"type"`
	Weight    float64        `json:"weight"`
	Creator   string         `json:"creator"`
	CreatedAt time.Time      `json:"created_at"`
	Metadata  map[string]any `json:"metadata"`
}

// RejectionRecord is one exported rejection-ledger entry.
type RejectionRecord struct {
	SourceID   string    `json:"source_id"`
	TargetID   string    `json:"target_id"`
	Type       string    `json:"type"`
	RejectedAt time.Time `json:"rejected_at"`
}

const documentVersion = "1"

// Engine is the backup/restore component.
type Engine struct {
	mem   *memory.Manager
	graph graphstore.Store
}

func New(mem *memory.Manager) *Engine {
	return &Engine{mem: mem, graph: mem.GraphStore()}
}

// ExportOptions configures export(); empty Categories means all three.
type ExportOptions struct {
	Categories     []memory.Category
	IncludeVectors bool
}

// Export emits the document header plus the memories, edges, and
// rejections arrays.
func (e *Engine) Export(ctx context.Context, opts ExportOptions) (Document, error) {
	cats := opts.Categories
	if len(cats) == 0 {
		cats = []memory.Category{memory.CategoryEpisodic, memory.CategorySemantic, memory.CategoryProcedural}
	}

	doc := Document{Version: documentVersion, ExportedAt: time.Now().UTC(), IncludeVectors: opts.IncludeVectors}
	for _, cat := range cats {
		chunks, err := e.mem.ScrollChunk0(ctx, cat, vectorstore.Filter{})
		if err != nil {
			return Document{}, err
		}
		for _, c := range chunks {
			mr := MemoryRecord{
				ID: c.Memory.ID, Category: string(c.Memory.Category), Content: c.Memory.Content,
				Tags: c.Memory.Tags, Importance: c.Memory.Importance, Metadata: c.Memory.Metadata,
				CreatedAt: c.Memory.CreatedAt, UpdatedAt: c.Memory.UpdatedAt,
				LastAccessedAt: c.Memory.LastAccessedAt, AccessCount: c.Memory.AccessCount,
			}
			if opts.IncludeVectors {
				_, records, err := e.mem.Chunks(ctx, c.Memory.ID)
				if err != nil {
					return Document{}, err
				}
				for _, rec := range records {
					mr.Chunks = append(mr.Chunks, ChunkRecord{ChunkIndex: chunkIndex(rec.Payload["chunk_index"]), Vector: rec.Vector})
				}
			}
			doc.Memories = append(doc.Memories, mr)
		}
	}

	if e.graph != nil {
		edges, err := e.graph.AllEdges(ctx)
		if err != nil {
			return Document{}, err
		}
		for _, edge := range edges {
			doc.Edges = append(doc.Edges, EdgeRecord{
				SourceID: edge.SourceID, TargetID: edge.TargetID, Type: string(edge.Type),
				Weight: edge.Weight, Creator: string(edge.Creator), CreatedAt: edge.CreatedAt,
				Metadata: edge.Metadata,
			})
		}
		rejections, err := e.graph.AllRejections(ctx)
		if err != nil {
			return Document{}, err
		}
		for _, r := range rejections {
			doc.Rejections = append(doc.Rejections, RejectionRecord{
				SourceID: r.SourceID, TargetID: r.TargetID, Type: string(r.Type), RejectedAt: r.RejectedAt,
			})
		}
	}
	return doc, nil
}

// ImportOptions configures import(); SkipExisting leaves an existing
// memory with the same id untouched instead of overwriting it.
type ImportOptions struct {
	SkipExisting bool
}

// Report summarizes an import pass.
type Report struct {
	MemoriesCreated int
	MemoriesSkipped int
	MemoriesErrors  int
	EdgesCreated    int
	EdgesSkipped    int
	EdgesErrors     int
}

// Import restores doc's memories, edges, and rejection ledger. When a
// memory carries chunk vectors they are reused verbatim; otherwise content
// is re-chunked and re-embedded through the embedding client and cache.
func (e *Engine) Import(ctx context.Context, doc Document, opts ImportOptions) (Report, error) {
	var report Report
	for _, mr := range doc.Memories {
		if opts.SkipExisting {
			if _, err := e.mem.Get(ctx, mr.ID); err == nil {
				report.MemoriesSkipped++
				continue
			} else if !errors.Is(err, merr.ErrNotFound) {
				report.MemoriesErrors++
				continue
			}
		}
		mm := memory.Memory{
			ID: mr.ID, Category: memory.Category(mr.Category), Content: mr.Content,
			Tags: mr.Tags, Importance: mr.Importance, Metadata: mr.Metadata,
			CreatedAt: mr.CreatedAt, UpdatedAt: mr.UpdatedAt, LastAccessedAt: mr.LastAccessedAt,
			AccessCount: mr.AccessCount,
		}
		var vectors []memory.ChunkVector
		for _, cr := range mr.Chunks {
			vectors = append(vectors, memory.ChunkVector{ChunkIndex: cr.ChunkIndex, Vector: cr.Vector})
		}
		if err := e.mem.RestoreMemory(ctx, mm, vectors); err != nil {
			report.MemoriesErrors++
			continue
		}
		report.MemoriesCreated++
	}

	if e.graph == nil {
		return report, nil
	}
	for _, er := range doc.Edges {
		edge := graphstore.Edge{
			SourceID: er.SourceID, TargetID: er.TargetID, Type: graphstore.RelationType(er.Type),
			Weight: er.Weight, Creator: graphstore.Creator(er.Creator), CreatedAt: er.CreatedAt,
			Metadata: er.Metadata,
		}
		err := e.graph.InsertEdge(ctx, edge)
		switch {
		case err == nil:
			report.EdgesCreated++
		case errors.Is(err, merr.ErrDuplicateEdge):
			report.EdgesSkipped++
		default:
			report.EdgesErrors++
		}
	}
	for _, rr := range doc.Rejections {
		err := e.graph.RecordRejection(ctx, rr.SourceID, rr.TargetID, graphstore.RelationType(rr.Type))
		if err != nil && !errors.Is(err, merr.ErrDuplicateRejection) {
			return report, fmt.Errorf("restore rejection ledger: %w", err)
		}
	}
	return report, nil
}

// chunkIndex normalizes the chunk_index payload value across backends
// (in-process maps carry int, qdrant int64, JSON round-trips float64).
func chunkIndex(v any) int {
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

// Marshal and Unmarshal round-trip a Document through indented UTF-8 JSON.
func Marshal(doc Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

func Unmarshal(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("backup: parse document: %w", err)
	}
	return doc, nil
}
