package vectorstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// PayloadIDField stashes the caller-supplied record ID in the point
// payload when it isn't itself a UUID; Qdrant only accepts UUID or
// integer point IDs.
const PayloadIDField = "_original_id"

const payloadMemoryIDField = "_memory_id"

// QdrantStore is the qdrant-go-client-backed VectorStore. Each Collection
// maps to one Qdrant collection named "memory_<collection>".
type QdrantStore struct {
	client    *qdrant.Client
	dimension int
	metric    string
}

// NewQdrantStore dials dsn (host:port or a qdrant:// URL with an optional
// api_key query parameter) and ensures all three memory collections exist.
func NewQdrantStore(ctx context.Context, dsn string, dimension int, metric string) (*QdrantStore, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant dsn: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	qs := &QdrantStore{client: client, dimension: dimension, metric: strings.ToLower(strings.TrimSpace(metric))}
	for _, c := range []Collection{CollectionEpisodic, CollectionSemantic, CollectionProcedural} {
		if err := qs.ensureCollection(ctx, c); err != nil {
			client.Close()
			return nil, fmt.Errorf("ensure collection %s: %w", c, err)
		}
	}
	return qs, nil
}

func (q *QdrantStore) collectionName(c Collection) string { return "memory_" + string(c) }

func (q *QdrantStore) ensureCollection(ctx context.Context, c Collection) error {
	name := q.collectionName(c)
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	var distance qdrant.Distance
	switch q.metric {
	case "l2", "euclidean":
		distance = qdrant.Distance_Euclid
	case "ip", "dot":
		distance = qdrant.Distance_Dot
	case "manhattan":
		distance = qdrant.Distance_Manhattan
	default:
		distance = qdrant.Distance_Cosine
	}
	if q.dimension <= 0 {
		return fmt.Errorf("qdrant requires dimension > 0")
	}
	return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(q.dimension),
			Distance: distance,
		}),
	})
}

func pointID(id string) (string, bool) {
	if _, err := uuid.Parse(id); err == nil {
		return id, false
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String(), true
}

func (q *QdrantStore) Upsert(ctx context.Context, coll Collection, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	points := make([]*qdrant.PointStruct, 0, len(recs))
	for _, rec := range recs {
		uuidStr, stashed := pointID(rec.ID)
		payload := make(map[string]any, len(rec.Payload)+2)
		for k, v := range rec.Payload {
			payload[k] = v
		}
		if stashed {
			payload[PayloadIDField] = rec.ID
		}
		payload[payloadMemoryIDField] = rec.MemoryID

		vec := make([]float32, len(rec.Vector))
		copy(vec, rec.Vector)
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(uuidStr),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{CollectionName: q.collectionName(coll), Points: points})
	return err
}

func (q *QdrantStore) Delete(ctx context.Context, coll Collection, id string) error {
	uuidStr, _ := pointID(id)
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collectionName(coll),
		Points:         qdrant.NewPointsSelector(qdrant.NewIDUUID(uuidStr)),
	})
	return err
}

func (q *QdrantStore) DeleteByMemoryID(ctx context.Context, coll Collection, memoryID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collectionName(coll),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch(payloadMemoryIDField, memoryID)},
		}),
	})
	return err
}

func (q *QdrantStore) DeleteByFilter(ctx context.Context, coll Collection, filter Filter) error {
	qf := toQdrantFilter(filter)
	if qf == nil {
		return nil
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collectionName(coll),
		Points:         qdrant.NewPointsSelectorFilter(qf),
	})
	return err
}

func (q *QdrantStore) Get(ctx context.Context, coll Collection, id string) (Record, bool, error) {
	uuidStr, _ := pointID(id)
	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collectionName(coll),
		Ids:            []*qdrant.PointId{qdrant.NewIDUUID(uuidStr)},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return Record{}, false, err
	}
	if len(points) == 0 {
		return Record{}, false, nil
	}
	return recordFromPoint(id, points[0].GetPayload(), points[0].GetVectors()), true, nil
}

func (q *QdrantStore) GetMany(ctx context.Context, coll Collection, ids []string) ([]Record, error) {
	qids := make([]*qdrant.PointId, 0, len(ids))
	origByUUID := make(map[string]string, len(ids))
	for _, id := range ids {
		uuidStr, _ := pointID(id)
		qids = append(qids, qdrant.NewIDUUID(uuidStr))
		origByUUID[uuidStr] = id
	}
	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: q.collectionName(coll),
		Ids:            qids,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(points))
	for _, p := range points {
		uuidStr := p.GetId().GetUuid()
		id := origByUUID[uuidStr]
		if id == "" {
			id = uuidStr
		}
		out = append(out, recordFromPoint(id, p.GetPayload(), p.GetVectors()))
	}
	return out, nil
}

func (q *QdrantStore) Search(ctx context.Context, coll Collection, query []float32, k int, filter Filter) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	vec := make([]float32, len(query))
	copy(vec, query)
	qf := toQdrantFilter(filter)
	limit := uint64(k)
	results, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collectionName(coll),
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         qf,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Hit, 0, len(results))
	for _, hit := range results {
		payload := hit.GetPayload()
		id := ""
		if v, ok := payload[PayloadIDField]; ok {
			id = v.GetStringValue()
		}
		if id == "" {
			id = hit.Id.GetUuid()
		}
		out = append(out, Hit{Record: recordFromPoint(id, payload, nil), Score: float64(hit.Score)})
	}
	return out, nil
}

// Scroll uses Qdrant's native scroll API. The offset cursor is the first
// point of the next page (Qdrant's scroll offset is inclusive), discovered
// by over-fetching a single extra point.
func (q *QdrantStore) Scroll(ctx context.Context, coll Collection, filter Filter, limit int, offset string) (ScrollPage, error) {
	if limit <= 0 {
		limit = 100
	}
	req := &qdrant.ScrollPoints{
		CollectionName: q.collectionName(coll),
		Filter:         toQdrantFilter(filter),
		Limit:          ptrUint32(uint32(limit + 1)),
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	}
	if offset != "" {
		uuidStr, _ := pointID(offset)
		req.Offset = qdrant.NewIDUUID(uuidStr)
	}
	points, err := q.client.Scroll(ctx, req)
	if err != nil {
		return ScrollPage{}, err
	}
	var page ScrollPage
	for i, p := range points {
		payload := p.GetPayload()
		id := ""
		if v, ok := payload[PayloadIDField]; ok {
			id = v.GetStringValue()
		}
		if id == "" {
			id = p.GetId().GetUuid()
		}
		if i == limit {
			page.NextOffset = id
			break
		}
		page.Records = append(page.Records, recordFromPoint(id, payload, p.GetVectors()))
	}
	return page, nil
}

func (q *QdrantStore) Dimension() int { return q.dimension }
func (q *QdrantStore) Close() error   { return q.client.Close() }

func toQdrantFilter(f Filter) *qdrant.Filter {
	if len(f.Must) == 0 {
		return nil
	}
	var must, mustNot []*qdrant.Condition
	for _, op := range f.Must {
		if op.ExistsWasSet {
			if op.Exists {
				mustNot = append(mustNot, qdrant.NewIsEmpty(op.Field))
			} else {
				must = append(must, qdrant.NewIsEmpty(op.Field))
			}
		}
		if op.Equals != nil {
			must = append(must, matchCondition(op.Field, op.Equals))
		}
		if len(op.InSet) > 0 {
			vals := make([]string, len(op.InSet))
			for i, v := range op.InSet {
				vals[i] = fmt.Sprintf("%v", v)
			}
			must = append(must, qdrant.NewMatchKeywords(op.Field, vals...))
		}
		if op.RangeGTE != nil || op.RangeLTE != nil {
			r := &qdrant.Range{}
			if op.RangeGTE != nil {
				if v, ok := toFloat(op.RangeGTE); ok {
					r.Gte = &v
				}
			}
			if op.RangeLTE != nil {
				if v, ok := toFloat(op.RangeLTE); ok {
					r.Lte = &v
				}
			}
			must = append(must, qdrant.NewRange(op.Field, r))
		}
		// A keyword match against an array field holds when the array
		// contains the value, so contains_all is one match per element and
		// contains_any is a single MatchKeywords.
		for _, want := range op.ContainsAll {
			must = append(must, matchCondition(op.Field, want))
		}
		if len(op.ContainsAny) > 0 {
			vals := make([]string, len(op.ContainsAny))
			for i, v := range op.ContainsAny {
				vals[i] = fmt.Sprintf("%v", v)
			}
			must = append(must, qdrant.NewMatchKeywords(op.Field, vals...))
		}
	}
	return &qdrant.Filter{Must: must, MustNot: mustNot}
}

func matchCondition(field string, v any) *qdrant.Condition {
	switch x := v.(type) {
	case int:
		return qdrant.NewMatchInt(field, int64(x))
	case int64:
		return qdrant.NewMatchInt(field, x)
	case bool:
		return qdrant.NewMatchBool(field, x)
	default:
		return qdrant.NewMatch(field, fmt.Sprintf("%v", v))
	}
}

func recordFromPoint(id string, payload map[string]*qdrant.Value, vectors *qdrant.VectorsOutput) Record {
	rec := Record{ID: id, Payload: make(map[string]any, len(payload))}
	for k, v := range payload {
		if k == PayloadIDField || k == payloadMemoryIDField {
			if k == payloadMemoryIDField {
				rec.MemoryID = v.GetStringValue()
			}
			continue
		}
		rec.Payload[k] = qdrantValueToAny(v)
	}
	if vectors != nil {
		if dense := vectors.GetVector(); dense != nil {
			rec.Vector = dense.GetData()
		}
	}
	return rec
}

func qdrantValueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	default:
		return v.GetStringValue()
	}
}

func ptrUint32(v uint32) *uint32 { return &v }
