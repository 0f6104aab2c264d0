package graphstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trapias/memoria/internal/merr"
)

// PostgresStore is the jackc/pgx/v5-backed Store: a typed, weighted,
// creator-tagged edge table plus a second table for the rejection ledger.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens pool and ensures the memory_relations and
// rejected_suggestions tables exist.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_relations (
			source_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			type TEXT NOT NULL,
			weight DOUBLE PRECISION NOT NULL DEFAULT 1.0,
			creator TEXT NOT NULL DEFAULT 'user',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			seq BIGSERIAL,
			PRIMARY KEY (source_id, target_id, type)
		)`,
		`CREATE INDEX IF NOT EXISTS memory_relations_source ON memory_relations(source_id)`,
		`CREATE INDEX IF NOT EXISTS memory_relations_target ON memory_relations(target_id)`,
		`CREATE TABLE IF NOT EXISTS rejected_suggestions (
			source_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			type TEXT NOT NULL,
			rejected_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (source_id, target_id, type)
		)`,
	}
	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return nil, fmt.Errorf("graphstore: ensure schema: %w", err)
		}
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStore) InsertEdge(ctx context.Context, e Edge) error {
	if err := ValidateEdge(e); err != nil {
		return err
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO memory_relations(source_id, target_id, type, weight, creator, created_at, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, e.SourceID, e.TargetID, string(e.Type), e.Weight, string(e.Creator), createdAt, metaJSON)
	if err != nil {
		if isUniqueViolation(err) {
			return merr.ErrDuplicateEdge
		}
		return fmt.Errorf("graphstore: insert edge: %w", err)
	}
	return nil
}

func (p *PostgresStore) BulkInsertEdges(ctx context.Context, edges []Edge) (BulkResult, error) {
	var res BulkResult
	for _, e := range edges {
		err := p.InsertEdge(ctx, e)
		switch {
		case err == nil:
			res.Created++
		case errors.Is(err, merr.ErrDuplicateEdge):
			res.Duplicates++
		default:
			res.Errors++
		}
	}
	return res, nil
}

func (p *PostgresStore) DeleteEdge(ctx context.Context, source, target string, relType RelationType) error {
	var err error
	if relType != "" {
		_, err = p.pool.Exec(ctx, `DELETE FROM memory_relations WHERE source_id=$1 AND target_id=$2 AND type=$3`, source, target, string(relType))
	} else {
		_, err = p.pool.Exec(ctx, `DELETE FROM memory_relations WHERE source_id=$1 AND target_id=$2`, source, target)
	}
	if err != nil {
		return fmt.Errorf("graphstore: delete edge: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeleteByMemoryID(ctx context.Context, memoryID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM memory_relations WHERE source_id=$1 OR target_id=$1`, memoryID)
	if err != nil {
		return fmt.Errorf("graphstore: delete by memory id: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetEdge(ctx context.Context, source, target string, relType RelationType) (Edge, bool, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT source_id, target_id, type, weight, creator, created_at, metadata
		FROM memory_relations WHERE source_id=$1 AND target_id=$2 AND type=$3
	`, source, target, string(relType))
	e, err := scanEdge(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Edge{}, false, nil
		}
		return Edge{}, false, fmt.Errorf("graphstore: get edge: %w", err)
	}
	return e, true, nil
}

func (p *PostgresStore) ListEdges(ctx context.Context, memoryID string, dir Direction, relType RelationType) ([]Edge, error) {
	var where string
	switch dir {
	case DirOut:
		where = `source_id=$1`
	case DirIn:
		where = `target_id=$1`
	default:
		where = `(source_id=$1 OR target_id=$1)`
	}
	args := []any{memoryID}
	if relType != "" {
		where += ` AND type=$2`
		args = append(args, string(relType))
	}
	rows, err := p.pool.Query(ctx, `
		SELECT source_id, target_id, type, weight, creator, created_at, metadata, seq
		FROM memory_relations WHERE `+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("graphstore: list edges: %w", err)
	}
	defer rows.Close()
	var out []Edge
	for rows.Next() {
		e, seq, err := scanEdgeWithSeq(rows)
		if err != nil {
			return nil, err
		}
		e.seq = seq
		out = append(out, e)
	}
	return out, rows.Err()
}

// Neighbors and ShortestPath load the full edge set and delegate to the
// in-memory BFS implementation: the relation counts this engine deals with
// (thousands, not billions, per's scale) make a recursive CTE an
// optimization, not a correctness requirement, and keeping one traversal
// algorithm avoids divergent cycle-handling between backends.
func (p *PostgresStore) snapshot(ctx context.Context) (*MemoryStore, error) {
	rows, err := p.pool.Query(ctx, `SELECT source_id, target_id, type, weight, creator, created_at, metadata, seq FROM memory_relations ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("graphstore: snapshot: %w", err)
	}
	defer rows.Close()
	mem := NewMemoryStore()
	for rows.Next() {
		e, seq, err := scanEdgeWithSeq(rows)
		if err != nil {
			return nil, err
		}
		mem.edges[edgeKey{e.SourceID, e.TargetID, e.Type}] = e
		if seq > mem.seq {
			mem.seq = seq
		}
	}
	return mem, rows.Err()
}

func (p *PostgresStore) Neighbors(ctx context.Context, memoryID string, depth int, allowedTypes []RelationType) ([]Neighbor, error) {
	mem, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return mem.Neighbors(ctx, memoryID, depth, allowedTypes)
}

func (p *PostgresStore) ShortestPath(ctx context.Context, from, to string, maxDepth int) ([]PathStep, error) {
	mem, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return mem.ShortestPath(ctx, from, to, maxDepth)
}

func (p *PostgresStore) Subgraph(ctx context.Context, center string, depth int) ([]Edge, error) {
	mem, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return mem.Subgraph(ctx, center, depth)
}

func (p *PostgresStore) RecordRejection(ctx context.Context, source, target string, relType RelationType) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO rejected_suggestions(source_id, target_id, type, rejected_at) VALUES ($1,$2,$3,$4)
	`, source, target, string(relType), time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return merr.ErrDuplicateRejection
		}
		return fmt.Errorf("graphstore: record rejection: %w", err)
	}
	return nil
}

func (p *PostgresStore) IsRejected(ctx context.Context, source, target string, relType RelationType) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM rejected_suggestions WHERE source_id=$1 AND target_id=$2 AND type=$3)
	`, source, target, string(relType)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("graphstore: is rejected: %w", err)
	}
	return exists, nil
}

// AllEdges and AllRejections back the backup export.
func (p *PostgresStore) AllEdges(ctx context.Context) ([]Edge, error) {
	rows, err := p.pool.Query(ctx, `SELECT source_id, target_id, type, weight, creator, created_at, metadata, seq FROM memory_relations ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("graphstore: all edges: %w", err)
	}
	defer rows.Close()
	var out []Edge
	for rows.Next() {
		e, seq, err := scanEdgeWithSeq(rows)
		if err != nil {
			return nil, err
		}
		e.seq = seq
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AllRejections(ctx context.Context) ([]Rejection, error) {
	rows, err := p.pool.Query(ctx, `SELECT source_id, target_id, type, rejected_at FROM rejected_suggestions ORDER BY source_id, target_id, type`)
	if err != nil {
		return nil, fmt.Errorf("graphstore: all rejections: %w", err)
	}
	defer rows.Close()
	var out []Rejection
	for rows.Next() {
		var r Rejection
		var typ string
		if err := rows.Scan(&r.SourceID, &r.TargetID, &typ, &r.RejectedAt); err != nil {
			return nil, err
		}
		r.Type = RelationType(typ)
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEdge(row rowScanner) (Edge, error) {
	var e Edge
	var typ, creator string
	var metaJSON []byte
	if err := row.Scan(&e.SourceID, &e.TargetID, &typ, &e.Weight, &creator, &e.CreatedAt, &metaJSON); err != nil {
		return Edge{}, err
	}
	e.Type = RelationType(typ)
	e.Creator = Creator(creator)
	_ = json.Unmarshal(metaJSON, &e.Metadata)
	return e, nil
}

func scanEdgeWithSeq(row rowScanner) (Edge, int64, error) {
	var e Edge
	var typ, creator string
	var metaJSON []byte
	var seq int64
	if err := row.Scan(&e.SourceID, &e.TargetID, &typ, &e.Weight, &creator, &e.CreatedAt, &metaJSON, &seq); err != nil {
		return Edge{}, 0, err
	}
	e.Type = RelationType(typ)
	e.Creator = Creator(creator)
	_ = json.Unmarshal(metaJSON, &e.Metadata)
	return e, seq, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && (containsSQLState(err, "23505"))
}

func containsSQLState(err error, code string) bool {
	type sqlStater interface{ SQLState() string }
	var s sqlStater
	if errors.As(err, &s) {
		return s.SQLState() == code
	}
	return false
}
