package vectorindex

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// recordIDKey carries the caller's id in the point payload; qdrant point ids
// must be integers or UUIDs.
const recordIDKey = "record_id"

var pointNamespace = uuid.MustParse("6f1f3c55-8f0e-4c43-9a51-1d3a0c6f2b7e")

type QdrantOptions struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
}

// QdrantIndex maps each collection onto a qdrant collection with cosine
// distance.
type QdrantIndex struct {
	client *qdrant.Client
}

func NewQdrantIndex(opts QdrantOptions) (*QdrantIndex, error) {
	port := opts.Port
	if port == 0 {
		port = 6334
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   opts.Host,
		Port:   port,
		APIKey: opts.APIKey,
		UseTLS: opts.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &QdrantIndex{client: client}, nil
}

func (x *QdrantIndex) Backend() string { return "qdrant" }

func (x *QdrantIndex) Collection(ctx context.Context, name string, dimension int) (Collection, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: collection %s needs a positive dimension", ErrDimensionMismatch, name)
	}

	exists, err := x.client.CollectionExists(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("check qdrant collection %s: %w", name, err)
	}
	if exists {
		info, err := x.client.GetCollectionInfo(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("read qdrant collection %s: %w", name, err)
		}
		stored := int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize())
		if stored != dimension {
			return nil, fmt.Errorf("%w: collection %s has dimension %d, requested %d", ErrDimensionMismatch, name, stored, dimension)
		}
	} else if err := x.create(ctx, name, dimension); err != nil {
		return nil, err
	}

	return &qdrantCollection{index: x, name: name, dimension: dimension}, nil
}

func (x *QdrantIndex) create(ctx context.Context, name string, dimension int) error {
	err := x.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create qdrant collection %s: %w", name, err)
	}
	return nil
}

func (x *QdrantIndex) Close() error { return x.client.Close() }

type qdrantCollection struct {
	index     *QdrantIndex
	name      string
	dimension int
}

func (c *qdrantCollection) Name() string   { return c.name }
func (c *qdrantCollection) Dimension() int { return c.dimension }

func (c *qdrantCollection) Upsert(ctx context.Context, rec Record) error {
	if err := validateRecord(rec, c.dimension); err != nil {
		return err
	}
	return c.UpsertBatch(ctx, []Record{rec})
}

// UpsertBatch sends the batch as one request and waits for it to be applied;
// a failed request stores nothing from the caller's point of view and every id
// is reported.
func (c *qdrantCollection) UpsertBatch(ctx context.Context, recs []Record) error {
	valid, err := validateBatch(recs, c.dimension)
	if err != nil {
		return err
	}
	if len(valid) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(valid))
	for _, rec := range valid {
		payload, err := toQdrantPayload(rec)
		if err != nil {
			return &BatchError{Failed: recordIDs(valid), Err: err}
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(pointID(rec.ID)),
			Vectors: qdrant.NewVectors(rec.Vector...),
			Payload: payload,
		})
	}

	wait := true
	if _, err := c.index.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: c.name,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return &BatchError{Failed: recordIDs(valid), Err: fmt.Errorf("upsert points into %s: %w", c.name, err)}
	}
	return nil
}

func (c *qdrantCollection) Query(ctx context.Context, vector []float32, k int) ([]Candidate, error) {
	if err := validateQuery(vector, k, c.dimension); err != nil {
		return nil, err
	}
	if isZero(vector) {
		return []Candidate{}, nil
	}

	resp, err := c.index.client.GetPointsClient().Search(ctx, &qdrant.SearchPoints{
		CollectionName: c.name,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", c.name, err)
	}

	candidates := make([]Candidate, 0, len(resp.GetResult()))
	for _, point := range resp.GetResult() {
		raw := fromQdrantPayload(point.GetPayload())
		id, _ := raw[recordIDKey].(string)
		delete(raw, recordIDKey)
		payload, err := DecodePayload(raw)
		if err != nil {
			return nil, fmt.Errorf("decode payload of %s: %w", id, err)
		}
		candidates = append(candidates, Candidate{
			ID:         id,
			Score:      ScoreFromCosine(float64(point.GetScore())),
			SourceType: payload.SourceType,
			Payload:    payload,
		})
	}
	SortCandidates(candidates)
	return candidates, nil
}

func (c *qdrantCollection) Delete(ctx context.Context, id string) error {
	wait := true
	_, err := c.index.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: c.name,
		Wait:           &wait,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: []*qdrant.PointId{qdrant.NewID(pointID(id))},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("delete %s from %s: %w", id, c.name, err)
	}
	return nil
}

func (c *qdrantCollection) Count(ctx context.Context) (int, error) {
	exact := true
	n, err := c.index.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: c.name,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", c.name, err)
	}
	return int(n), nil
}

// Clear drops and recreates the collection with the same dimension.
func (c *qdrantCollection) Clear(ctx context.Context) error {
	if err := c.index.client.DeleteCollection(ctx, c.name); err != nil {
		return fmt.Errorf("delete qdrant collection %s: %w", c.name, err)
	}
	return c.index.create(ctx, c.name, c.dimension)
}

func pointID(id string) string {
	return uuid.NewSHA1(pointNamespace, []byte(id)).String()
}

func toQdrantPayload(rec Record) (map[string]*qdrant.Value, error) {
	fields := rec.Payload.Map()
	fields[recordIDKey] = rec.ID

	payload := make(map[string]*qdrant.Value, len(fields))
	for key, value := range fields {
		v, err := qdrant.NewValue(value)
		if err != nil {
			return nil, fmt.Errorf("convert payload field %s of %s: %w", key, rec.ID, err)
		}
		payload[key] = v
	}
	return payload, nil
}

func fromQdrantPayload(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		switch v := value.GetKind().(type) {
		case *qdrant.Value_StringValue:
			out[key] = v.StringValue
		case *qdrant.Value_IntegerValue:
			out[key] = v.IntegerValue
		case *qdrant.Value_DoubleValue:
			out[key] = v.DoubleValue
		case *qdrant.Value_BoolValue:
			out[key] = v.BoolValue
		}
	}
	return out
}

var (
	_ Index      = (*QdrantIndex)(nil)
	_ Collection = (*qdrantCollection)(nil)
)
