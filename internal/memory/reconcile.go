package memory

import (
	"context"
	"time"

	"github.com/trapias/memoria/internal/observability"
	"github.com/trapias/memoria/internal/vectorstore"
)

// ReconcileReport summarizes one reconciliation pass over the two stores.
type ReconcileReport struct {
	QueueDrained         int
	OrphanChunksRemoved  int
	DanglingEdgesRemoved int
	Duration             time.Duration
}

// enqueueReconciliation records a memory_id whose compensating delete failed
// so the next Reconcile pass can retry it. Drift is logged, never propagated.
func (m *Manager) enqueueReconciliation(memoryID string, coll vectorstore.Collection) {
	m.reconMu.Lock()
	defer m.reconMu.Unlock()
	if m.reconQueue == nil {
		m.reconQueue = make(map[string]vectorstore.Collection)
	}
	m.reconQueue[memoryID] = coll
}

func (m *Manager) drainReconciliationQueue() map[string]vectorstore.Collection {
	m.reconMu.Lock()
	defer m.reconMu.Unlock()
	q := m.reconQueue
	m.reconQueue = nil
	return q
}

// Reconcile repairs cross-store drift: it retries queued compensating
// deletes, removes chunks whose memory_id has no chunk 0, and removes graph
// edges whose endpoints are absent from the vector store. Intended to run at
// startup and between maintenance passes; scanning is bounded by sampleSize
// records per collection (<= 0 means a default of 256).
func (m *Manager) Reconcile(ctx context.Context, sampleSize int) (ReconcileReport, error) {
	start := time.Now()
	if sampleSize <= 0 {
		sampleSize = 256
	}
	log := observability.LoggerWithTrace(ctx)
	var report ReconcileReport

	for id, coll := range m.drainReconciliationQueue() {
		if err := m.vs.DeleteByMemoryID(ctx, coll, id); err != nil {
			log.Warn().Err(err).Str("memory_id", id).Msg("reconcile_queue_retry_failed")
			m.enqueueReconciliation(id, coll)
			continue
		}
		report.QueueDrained++
	}

	for _, coll := range []vectorstore.Collection{vectorstore.CollectionEpisodic, vectorstore.CollectionSemantic, vectorstore.CollectionProcedural} {
		page, err := m.vs.Scroll(ctx, coll, vectorstore.Filter{}, sampleSize, "")
		if err != nil {
			log.Warn().Err(err).Str("collection", string(coll)).Msg("reconcile_scan_unavailable")
			continue
		}
		checked := make(map[string]bool)
		for _, rec := range page.Records {
			memID := asString(rec.Payload["memory_id"])
			if memID == "" || checked[memID] {
				continue
			}
			checked[memID] = true
			_, ok, err := m.vs.Get(ctx, coll, chunkPointID(memID, 0))
			if err != nil {
				return report, err
			}
			if ok {
				continue
			}
			log.Warn().Str("memory_id", memID).Str("collection", string(coll)).Msg("consistency_drift_orphan_chunks")
			if err := m.vs.DeleteByMemoryID(ctx, coll, memID); err != nil {
				log.Warn().Err(err).Str("memory_id", memID).Msg("reconcile_orphan_delete_failed")
				continue
			}
			report.OrphanChunksRemoved++
		}
	}

	if m.graph != nil {
		edges, err := m.graph.AllEdges(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("reconcile_edge_scan_unavailable")
		} else {
			present := make(map[string]bool)
			for _, e := range edges {
				for _, id := range []string{e.SourceID, e.TargetID} {
					if _, seen := present[id]; seen {
						continue
					}
					_, _, ok, err := m.findMemory(ctx, id)
					if err != nil {
						return report, err
					}
					present[id] = ok
				}
				if present[e.SourceID] && present[e.TargetID] {
					continue
				}
				log.Warn().Str("source_id", e.SourceID).Str("target_id", e.TargetID).Str("type", string(e.Type)).Msg("consistency_drift_dangling_edge")
				if err := m.graph.DeleteEdge(ctx, e.SourceID, e.TargetID, e.Type); err != nil {
					log.Warn().Err(err).Msg("reconcile_dangling_edge_delete_failed")
					continue
				}
				report.DanglingEdgesRemoved++
			}
		}
	}

	report.Duration = time.Since(start)
	return report, nil
}
