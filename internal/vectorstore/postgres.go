package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a pgvector-backed VectorStore: one table partitioned
// by Collection, with Record's structured payload stored as JSONB and the
// Filter grammar translated to JSONB containment/comparison predicates.
type PostgresStore struct {
	pool      *pgxpool.Pool
	dimension int
	metric    string
}

// NewPostgresStore opens the embeddings table (creating the pgvector
// extension and table if missing) for a pool already connected to a
// pgvector-enabled database.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, dimension int, metric string) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return nil, fmt.Errorf("vectorstore: create vector extension: %w", err)
	}
	vecType := "vector"
	if dimension > 0 {
		vecType = fmt.Sprintf("vector(%d)", dimension)
	}
	stmt := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS memory_embeddings (
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			vec %s,
			memory_id TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			PRIMARY KEY (collection, id)
		)`, vecType)
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return nil, fmt.Errorf("vectorstore: ensure schema: %w", err)
	}
	if _, err := pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS memory_embeddings_memory_id ON memory_embeddings(collection, memory_id)`); err != nil {
		return nil, fmt.Errorf("vectorstore: ensure index: %w", err)
	}
	return &PostgresStore{pool: pool, dimension: dimension, metric: strings.ToLower(strings.TrimSpace(metric))}, nil
}

func (p *PostgresStore) Dimension() int { return p.dimension }

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// Upsert writes every record in one transaction so a memory's chunks land
// together or not at all.
func (p *PostgresStore) Upsert(ctx context.Context, coll Collection, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("vectorstore: begin upsert: %w", err)
	}
	defer tx.Rollback(ctx)
	for _, rec := range recs {
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return fmt.Errorf("vectorstore: marshal payload: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO memory_embeddings(collection, id, vec, memory_id, payload)
			VALUES ($1,$2,$3::vector,$4,$5)
			ON CONFLICT (collection, id) DO UPDATE SET vec=EXCLUDED.vec, memory_id=EXCLUDED.memory_id, payload=EXCLUDED.payload
		`, string(coll), rec.ID, toVectorLiteral(rec.Vector), rec.MemoryID, payload)
		if err != nil {
			return fmt.Errorf("vectorstore: upsert: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("vectorstore: commit upsert: %w", err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, coll Collection, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM memory_embeddings WHERE collection=$1 AND id=$2`, string(coll), id)
	if err != nil {
		return fmt.Errorf("vectorstore: delete: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeleteByMemoryID(ctx context.Context, coll Collection, memoryID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM memory_embeddings WHERE collection=$1 AND memory_id=$2`, string(coll), memoryID)
	if err != nil {
		return fmt.Errorf("vectorstore: delete by memory id: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeleteByFilter(ctx context.Context, coll Collection, filter Filter) error {
	args := []any{string(coll)}
	where, args := filterClause(filter, args)
	_, err := p.pool.Exec(ctx, `DELETE FROM memory_embeddings WHERE collection=$1`+where, args...)
	if err != nil {
		return fmt.Errorf("vectorstore: delete by filter: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, coll Collection, id string) (Record, bool, error) {
	row := p.pool.QueryRow(ctx, `SELECT id, vec, memory_id, payload FROM memory_embeddings WHERE collection=$1 AND id=$2`, string(coll), id)
	rec, err := scanRecord(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("vectorstore: get: %w", err)
	}
	return rec, true, nil
}

func (p *PostgresStore) GetMany(ctx context.Context, coll Collection, ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `SELECT id, vec, memory_id, payload FROM memory_embeddings WHERE collection=$1 AND id = ANY($2)`, string(coll), ids)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: get many: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Search(ctx context.Context, coll Collection, query []float32, k int, filter Filter) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	op := "<=>"
	scoreExpr := "1 - (vec <=> $1::vector)"
	switch p.metric {
	case "l2", "euclidean":
		op = "<->"
		scoreExpr = "-(vec <-> $1::vector)"
	case "ip", "dot":
		op = "<#>"
		scoreExpr = "-(vec <#> $1::vector)"
	}
	args := []any{toVectorLiteral(query), string(coll)}
	where, args := filterClause(filter, args)
	queryStr := fmt.Sprintf(`
		SELECT id, vec, memory_id, payload, %s AS score
		FROM memory_embeddings
		WHERE collection=$2 %s
		ORDER BY vec %s $1::vector
		LIMIT %d`, scoreExpr, where, op, k)
	rows, err := p.pool.Query(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search: %w", err)
	}
	defer rows.Close()
	var out []Hit
	for rows.Next() {
		var rec Record
		var score float64
		var payloadJSON []byte
		if err := rows.Scan(&rec.ID, &pgvectorScanner{&rec.Vector}, &rec.MemoryID, &payloadJSON, &score); err != nil {
			return nil, fmt.Errorf("vectorstore: scan search row: %w", err)
		}
		_ = json.Unmarshal(payloadJSON, &rec.Payload)
		out = append(out, Hit{Record: rec, Score: score})
	}
	return out, rows.Err()
}

func (p *PostgresStore) Scroll(ctx context.Context, coll Collection, filter Filter, limit int, offset string) (ScrollPage, error) {
	if limit <= 0 {
		limit = 100
	}
	startID := offset
	args := []any{string(coll), startID}
	where, args := filterClause(filter, args)
	queryStr := fmt.Sprintf(`
		SELECT id, vec, memory_id, payload FROM memory_embeddings
		WHERE collection=$1 AND id > $2 %s
		ORDER BY id LIMIT %d`, where, limit+1)
	rows, err := p.pool.Query(ctx, queryStr, args...)
	if err != nil {
		return ScrollPage{}, fmt.Errorf("vectorstore: scroll: %w", err)
	}
	defer rows.Close()
	var page ScrollPage
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return ScrollPage{}, err
		}
		page.Records = append(page.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return ScrollPage{}, err
	}
	if len(page.Records) > limit {
		page.Records = page.Records[:limit]
		page.NextOffset = page.Records[limit-1].ID
	}
	return page, nil
}

// filterClause appends the Filter's conjunction of clauses as JSONB
// predicates over the payload column, returning the SQL fragment and the
// extended args slice (positional params continue from len(args)+1).
func filterClause(filter Filter, args []any) (string, []any) {
	var clauses []string
	for _, op := range filter.Must {
		switch {
		case op.ExistsWasSet:
			if op.Exists {
				clauses = append(clauses, fmt.Sprintf("payload ? %s", ph(&args, op.Field)))
			} else {
				clauses = append(clauses, fmt.Sprintf("NOT (payload ? %s)", ph(&args, op.Field)))
			}
		case op.Equals != nil:
			clauses = append(clauses, fmt.Sprintf("payload->>%s = %s", ph(&args, op.Field), ph(&args, fmt.Sprintf("%v", op.Equals))))
		case len(op.InSet) > 0:
			vals := make([]string, len(op.InSet))
			for i, v := range op.InSet {
				vals[i] = fmt.Sprintf("%v", v)
			}
			clauses = append(clauses, fmt.Sprintf("payload->>%s = ANY(%s)", ph(&args, op.Field), ph(&args, vals)))
		case op.RangeGTE != nil || op.RangeLTE != nil:
			if op.RangeGTE != nil {
				clauses = append(clauses, fmt.Sprintf("(payload->>%s)::float8 >= %s", ph(&args, op.Field), ph(&args, toF(op.RangeGTE))))
			}
			if op.RangeLTE != nil {
				clauses = append(clauses, fmt.Sprintf("(payload->>%s)::float8 <= %s", ph(&args, op.Field), ph(&args, toF(op.RangeLTE))))
			}
		case len(op.ContainsAll) > 0:
			vals, _ := json.Marshal(op.ContainsAll)
			clauses = append(clauses, fmt.Sprintf("payload->%s @> %s::jsonb", ph(&args, op.Field), ph(&args, string(vals))))
		case len(op.ContainsAny) > 0:
			var ors []string
			for _, want := range op.ContainsAny {
				wantJSON, _ := json.Marshal([]any{want})
				ors = append(ors, fmt.Sprintf("payload->%s @> %s::jsonb", ph(&args, op.Field), ph(&args, string(wantJSON))))
			}
			clauses = append(clauses, "("+strings.Join(ors, " OR ")+")")
		}
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " AND " + strings.Join(clauses, " AND "), args
}

// ph appends v to args and returns its positional placeholder ("$N").
func ph(args *[]any, v any) string {
	*args = append(*args, v)
	return "$" + strconv.Itoa(len(*args))
}

func toF(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var payloadJSON []byte
	if err := row.Scan(&rec.ID, &pgvectorScanner{&rec.Vector}, &rec.MemoryID, &payloadJSON); err != nil {
		return Record{}, err
	}
	_ = json.Unmarshal(payloadJSON, &rec.Payload)
	return rec, nil
}

// pgvectorScanner decodes pgvector's "[1,2,3]" text/binary representation
// into a []float32, avoiding a dependency on the pgvector-go client for a
// single scan step.
type pgvectorScanner struct {
	dst *[]float32
}

func (s *pgvectorScanner) Scan(src any) error {
	var raw string
	switch v := src.(type) {
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("vectorstore: unexpected vector scan type %T", src)
	}
	raw = strings.Trim(raw, "[]")
	if raw == "" {
		*s.dst = nil
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return fmt.Errorf("vectorstore: parse vector component: %w", err)
		}
		out[i] = float32(f)
	}
	*s.dst = out
	return nil
}

func toVectorLiteral(v []float32) string {
	if len(v) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(fmt.Sprintf("%g", x))
	}
	b.WriteByte(']')
	return b.String()
}
