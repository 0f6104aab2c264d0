// Package consolidate implements the consolidation engine: merging
// near-duplicate memories, time-based importance decay, and forgetting
// low-value memories. Merging a memory re-homes its graph edges onto the
// survivor so no relation is lost.
package consolidate

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/trapias/memoria/internal/graphstore"
	"github.com/trapias/memoria/internal/memory"
	"github.com/trapias/memoria/internal/merr"
	"github.com/trapias/memoria/internal/observability"
	"github.com/trapias/memoria/internal/vectorstore"
)

// Engine is the consolidation engine, operating on top of the memory
// manager so every mutation still goes through its per-id lock table
// and chunking/embedding discipline. Maintenance operations share a
// mutually-exclusive lease: only one of Consolidate/Forget/Decay runs at a
// time, excess callers suspend until the lease frees.
type Engine struct {
	mgr   *memory.Manager
	lease chan struct{}
}

func New(mgr *memory.Manager) *Engine {
	return &Engine{mgr: mgr, lease: make(chan struct{}, 1)}
}

func (e *Engine) acquireLease(ctx context.Context) (func(), error) {
	if en := e.mgr.Config().Consolidation.Enabled; en != nil && !*en {
		return nil, merr.ErrNotAvailable
	}
	select {
	case e.lease <- struct{}{}:
		return func() { <-e.lease }, nil
	case <-ctx.Done():
		return nil, merr.ErrCancelledOrTimedOut
	}
}

// Report is the preview/result structure every maintenance operation
// returns.
type Report struct {
	Operation      string
	MergedCount    int
	ForgottenCount int
	UpdatedCount   int
	TotalProcessed int
	Duration       time.Duration
	IsPreview      bool
}

// ConsolidateOptions tunes consolidate(); zero values fall back to the
// manager's configured consolidation defaults.
type ConsolidateOptions struct {
	SimilarityThreshold float64
	DryRun              bool
}

var creatorPriority = map[graphstore.Creator]int{
	graphstore.CreatorUser:   3,
	graphstore.CreatorAuto:   2,
	graphstore.CreatorSystem: 1,
}

// Consolidate scrolls cat in ascending created_at order and merges any
// memory whose chunk-0 vector is cosine-similar to a previously processed
// (i.e. earlier) memory above the threshold. The earlier memory survives;
// the later one is absorbed: combined content, unioned tags, max
// importance, deep-merged metadata, and edges re-homed to the survivor.
func (e *Engine) Consolidate(ctx context.Context, cat memory.Category, opts ConsolidateOptions) (Report, error) {
	start := time.Now()
	release, err := e.acquireLease(ctx)
	if err != nil {
		return Report{}, err
	}
	defer release()
	threshold := opts.SimilarityThreshold
	if threshold <= 0 {
		threshold = e.mgr.Config().Consolidation.SimilarityThresh
	}
	if threshold <= 0 {
		threshold = 0.9
	}

	all, err := e.mgr.ScrollChunk0(ctx, cat, vectorstore.Filter{})
	if err != nil {
		return Report{}, err
	}

	var survivors []memory.Chunk0
	report := Report{Operation: "consolidate", IsPreview: opts.DryRun}

	for _, candidate := range all {
		if ctx.Err() != nil {
			return report, merr.ErrCancelledOrTimedOut
		}
		report.TotalProcessed++
		mergedInto := -1
		for i, s := range survivors {
			if cosine(candidate.Vector, s.Vector) >= threshold {
				mergedInto = i
				break
			}
		}
		if mergedInto < 0 {
			survivors = append(survivors, candidate)
			continue
		}

		survivor := survivors[mergedInto]
		report.MergedCount++
		if opts.DryRun {
			continue
		}

		merged := mergeMemories(survivor.Memory, candidate.Memory)
		if err := e.redirectEdges(ctx, survivor.Memory.ID, candidate.Memory.ID); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("consolidate_redirect_edges_failed")
		}
		if err := e.mgr.Update(ctx, survivor.Memory.ID, memory.UpdateRequest{
			Content:    &merged.Content,
			Tags:       merged.Tags,
			Importance: &merged.Importance,
			Metadata:   merged.Metadata,
		}); err != nil {
			return report, err
		}
		if err := e.mgr.Delete(ctx, candidate.Memory.ID); err != nil {
			return report, err
		}
		survivors[mergedInto].Memory = merged
	}

	report.Duration = time.Since(start)
	return report, nil
}

// mergeMemories computes the combined logical memory: content
// concatenation with identical-sentence dedup, tag union, max importance,
// deep-merged metadata (arrays unioned), min created_at.
func mergeMemories(survivor, absorbed memory.Memory) memory.Memory {
	out := survivor
	out.Content = dedupSentences(survivor.Content + "\n\n" + absorbed.Content)
	out.Tags = unionTags(survivor.Tags, absorbed.Tags)
	if absorbed.Importance > survivor.Importance {
		out.Importance = absorbed.Importance
	}
	out.Metadata = deepMergeMetadata(survivor.Metadata, absorbed.Metadata)
	if absorbed.CreatedAt.Before(survivor.CreatedAt) {
		out.CreatedAt = absorbed.CreatedAt
	}
	return out
}

var sentenceRe = regexp.MustCompile(`(?s).*?(?:[.!?]\s+|\n\s*\n|$)`)

func dedupSentences(text string) string {
	parts := sentenceRe.FindAllString(text, -1)
	seen := make(map[string]bool, len(parts))
	var out []string
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return strings.TrimSpace(strings.Join(out, ""))
}

func unionTags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, t := range append(append([]string{}, a...), b...) {
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// deepMergeMetadata merges b into a; conflicting non-array values from b
// win, and array-valued keys present in both are unioned by string
// representation rather than overwritten.
func deepMergeMetadata(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		existing, ok := out[k]
		if !ok {
			out[k] = v
			continue
		}
		existingList, existingIsList := existing.([]any)
		newList, newIsList := v.([]any)
		if existingIsList && newIsList {
			out[k] = unionAny(existingList, newList)
			continue
		}
		out[k] = v
	}
	return out
}

func unionAny(a, b []any) []any {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]any, 0, len(a)+len(b))
	for _, x := range append(append([]any{}, a...), b...) {
		key := toKey(x)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, x)
	}
	return out
}

func toKey(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// redirectEdges moves every edge touching absorbedID onto survivorID,
// resolving any resulting (source,target,type) collision by keeping the
// max weight and preferring creator user > auto > system.
func (e *Engine) redirectEdges(ctx context.Context, survivorID, absorbedID string) error {
	graph := e.mgr.GraphStore()
	if graph == nil {
		return nil
	}
	edges, err := graph.ListEdges(ctx, absorbedID, graphstore.DirBoth, "")
	if err != nil {
		return err
	}
	for _, edge := range edges {
		newEdge := edge
		switch absorbedID {
		case edge.SourceID:
			newEdge.SourceID = survivorID
		case edge.TargetID:
			newEdge.TargetID = survivorID
		}
		if newEdge.SourceID == newEdge.TargetID {
			continue // would become a self-loop; drop
		}
		existing, ok, err := graph.GetEdge(ctx, newEdge.SourceID, newEdge.TargetID, newEdge.Type)
		if err != nil {
			return err
		}
		if !ok {
			if err := graph.InsertEdge(ctx, newEdge); err != nil {
				return err
			}
			continue
		}
		if !shouldReplace(existing, newEdge) {
			continue
		}
		if err := graph.DeleteEdge(ctx, existing.SourceID, existing.TargetID, existing.Type); err != nil {
			return err
		}
		merged := existing
		if newEdge.Weight > existing.Weight {
			merged.Weight = newEdge.Weight
		}
		if creatorPriority[newEdge.Creator] > creatorPriority[existing.Creator] {
			merged.Creator = newEdge.Creator
		}
		merged.SourceID, merged.TargetID, merged.Type = newEdge.SourceID, newEdge.TargetID, newEdge.Type
		if err := graph.InsertEdge(ctx, merged); err != nil {
			return err
		}
	}
	return nil
}

func shouldReplace(existing, candidate graphstore.Edge) bool {
	return candidate.Weight > existing.Weight || creatorPriority[candidate.Creator] > creatorPriority[existing.Creator]
}

// Forget deletes memories that are old, unused, unimportant, and unlinked:
// last_accessed_at older than maxAgeDays, importance below minImportance,
// zero access_count, and no incident edges.
func (e *Engine) Forget(ctx context.Context, cat memory.Category, maxAgeDays int, minImportance float64, dryRun bool) (Report, error) {
	start := time.Now()
	release, err := e.acquireLease(ctx)
	if err != nil {
		return Report{}, err
	}
	defer release()
	all, err := e.mgr.ScrollChunk0(ctx, cat, vectorstore.Filter{})
	if err != nil {
		return Report{}, err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)
	report := Report{Operation: "forget", IsPreview: dryRun}

	graph := e.mgr.GraphStore()
	for _, c := range all {
		if ctx.Err() != nil {
			return report, merr.ErrCancelledOrTimedOut
		}
		report.TotalProcessed++
		mm := c.Memory
		if !mm.LastAccessedAt.Before(cutoff) || mm.Importance >= minImportance || mm.AccessCount != 0 {
			continue
		}
		if graph != nil {
			edges, err := graph.ListEdges(ctx, mm.ID, graphstore.DirBoth, "")
			if err != nil {
				return report, err
			}
			if len(edges) > 0 {
				continue
			}
		}
		report.ForgottenCount++
		if dryRun {
			continue
		}
		if err := e.mgr.Delete(ctx, mm.ID); err != nil {
			return report, err
		}
	}
	report.Duration = time.Since(start)
	return report, nil
}

// Decay applies time-based importance decay: importance *=
// 0.5^(age_days/halfLifeDays) for memories whose last_accessed_at is older
// than halfLifeDays, clamped to [0,1].
func (e *Engine) Decay(ctx context.Context, cat memory.Category, halfLifeDays int, dryRun bool) (Report, error) {
	start := time.Now()
	release, err := e.acquireLease(ctx)
	if err != nil {
		return Report{}, err
	}
	defer release()
	all, err := e.mgr.ScrollChunk0(ctx, cat, vectorstore.Filter{})
	if err != nil {
		return Report{}, err
	}
	report := Report{Operation: "decay", IsPreview: dryRun}
	now := time.Now().UTC()

	for _, c := range all {
		if ctx.Err() != nil {
			return report, merr.ErrCancelledOrTimedOut
		}
		report.TotalProcessed++
		mm := c.Memory
		ageDays := now.Sub(mm.LastAccessedAt).Hours() / 24
		if ageDays <= float64(halfLifeDays) {
			continue
		}
		newImportance := mm.Importance * math.Pow(0.5, ageDays/float64(halfLifeDays))
		if newImportance < 0 {
			newImportance = 0
		}
		if newImportance > 1 {
			newImportance = 1
		}
		report.UpdatedCount++
		if dryRun {
			continue
		}
		if err := e.mgr.Update(ctx, mm.ID, memory.UpdateRequest{Importance: &newImportance}); err != nil {
			return report, err
		}
	}
	report.Duration = time.Since(start)
	return report, nil
}

func cosine(a, b []float32) float64 {
	var dot, an, bn float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	for _, x := range a {
		an += float64(x) * float64(x)
	}
	for _, x := range b {
		bn += float64(x) * float64(x)
	}
	if an == 0 || bn == 0 {
		return 0
	}
	return dot / (math.Sqrt(an) * math.Sqrt(bn))
}
