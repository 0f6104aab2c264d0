// Package memory implements the memory manager: the engine façade for
// store, recall, search, update, and delete, plus the working-set context.
// It enforces the chunking and dedup invariants on top of the embedding,
// chunk, and vectorstore packages. Mutations on the same memory_id are
// serialized through a per-id lock table; recall and search take no lock.
package memory

import "time"

// Category is the closed enumeration determining which vector collection
// holds a memory's chunks.
type Category string

const (
	CategoryEpisodic   Category = "episodic"
	CategorySemantic   Category = "semantic"
	CategoryProcedural Category = "procedural"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryEpisodic, CategorySemantic, CategoryProcedural:
		return true
	}
	return false
}

// Memory is the logical record: identity stable across the memory's
// lifetime regardless of how many physical chunks back it.
type Memory struct {
	ID             string
	Category       Category
	Content        string
	Tags           []string
	Importance     float64
	Metadata       map[string]any
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAccessedAt time.Time
	AccessCount    int
	ChunkCount     int
}

// Result is one recall/search hit: a Memory plus the score it matched with.
type Result struct {
	Memory Memory
	Score  float64
}

// Context is the ephemeral, process-wide working set injected into
// subsequent stores' metadata.
type Context struct {
	Project string
	Client  string
	File    string
}

// Merge writes c's non-empty fields into metadata under "project",
// "client", "file", without overwriting keys the caller already set
// explicitly.
func (c Context) Merge(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata)+3)
	for k, v := range metadata {
		out[k] = v
	}
	setIfAbsent(out, "project", c.Project)
	setIfAbsent(out, "client", c.Client)
	setIfAbsent(out, "file", c.File)
	return out
}

func setIfAbsent(m map[string]any, key, value string) {
	if value == "" {
		return
	}
	if _, exists := m[key]; exists {
		return
	}
	m[key] = value
}
