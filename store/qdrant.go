package store

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"medrag/types"
)

const (
	defaultQdrantHost = "localhost"
	defaultQdrantPort = 6334

	payloadText       = "text"
	payloadSourceID   = "source_id"
	payloadUnitIndex  = "unit_index"
	payloadChunkIndex = "chunk_index"
	payloadModel      = "embedding_model"

	// specTTL bounds how long Upsert and Search trust a manifest read
	// earlier. Collection always reads it again.
	specTTL = 30 * time.Second
)

// QdrantStore talks to Qdrant over gRPC. Qdrant keeps no collection-level
// metadata here, so every point carries the embedding model in its payload.
type QdrantStore struct {
	client  *qdrant.Client
	timeout time.Duration
	logger  *slog.Logger
	specs   *specCache
}

func NewQdrantStore(ctx context.Context, cfg Config) (*QdrantStore, error) {
	host, port, useTLS, err := parseQdrantAddr(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	s := &QdrantStore{
		client:  client,
		timeout: cfg.Timeout,
		logger:  slog.Default(),
		specs:   newSpecCache(specTTL),
	}

	hctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		client.Close()
		return nil, qdrantErr(fmt.Errorf("qdrant health check: %w", err))
	}
	return s, nil
}

// parseQdrantAddr accepts host, host:port or an http(s) URL. An https
// scheme turns TLS on.
func parseQdrantAddr(raw string) (string, int, bool, error) {
	if raw == "" {
		return defaultQdrantHost, defaultQdrantPort, false, nil
	}
	useTLS := strings.HasPrefix(raw, "https://")
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "https://"), "http://")
	raw = strings.TrimRight(raw, "/")

	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return raw, defaultQdrantPort, useTLS, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return "", 0, false, fmt.Errorf("%w: bad qdrant port %q", types.ErrInvalidConfig, portStr)
	}
	if host == "" {
		host = defaultQdrantHost
	}
	return host, port, useTLS, nil
}

func (s *QdrantStore) EnsureCollection(ctx context.Context, spec types.CollectionSpec) error {
	if err := validateSpec(spec); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	exists, err := s.client.CollectionExists(ctx, spec.Name)
	if err != nil {
		return qdrantErr(fmt.Errorf("check collection %s: %w", spec.Name, err))
	}
	if exists {
		have, err := s.readCollection(ctx, spec.Name)
		if err != nil {
			return err
		}
		if err := CheckSpec(have, spec); err != nil {
			return err
		}
		if have.Model == "" {
			s.specs.put(spec)
		}
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: spec.Name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(spec.Dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return qdrantErr(fmt.Errorf("create collection %s: %w", spec.Name, err))
	}
	s.specs.put(spec)
	s.logger.Info("[INDEX] created qdrant collection", "collection", spec.Name, "dimension", spec.Dimension)
	return nil
}

// Collection reads the manifest from Qdrant on every call, so a rebuild by
// another process with a different model is noticed at once.
func (s *QdrantStore) Collection(ctx context.Context, name string) (types.CollectionSpec, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.readCollection(ctx, name)
}

// collection serves Upsert and Search from a recent read.
func (s *QdrantStore) collection(ctx context.Context, name string) (types.CollectionSpec, error) {
	if spec, ok := s.specs.get(name); ok {
		return spec, nil
	}
	return s.readCollection(ctx, name)
}

// readCollection takes the dimension from the collection config and the
// model from any stored point. A collection without points keeps the model
// this process created it with.
func (s *QdrantStore) readCollection(ctx context.Context, name string) (types.CollectionSpec, error) {
	info, err := s.client.GetCollectionInfo(ctx, name)
	if err != nil {
		return types.CollectionSpec{}, qdrantErr(fmt.Errorf("collection info %s: %w", name, err))
	}
	spec := types.CollectionSpec{
		Name:      name,
		Dimension: int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize()),
	}

	limit := uint32(1)
	points, err := s.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: name,
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return types.CollectionSpec{}, qdrantErr(fmt.Errorf("scroll %s: %w", name, err))
	}
	if len(points) > 0 {
		spec.Model = points[0].GetPayload()[payloadModel].GetStringValue()
	}
	return s.specs.refresh(spec), nil
}

func (s *QdrantStore) CollectionExists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return false, qdrantErr(fmt.Errorf("check collection %s: %w", name, err))
	}
	return exists, nil
}

func (s *QdrantStore) Upsert(ctx context.Context, collection string, entries []types.IndexEntry) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	spec, err := s.collection(ctx, collection)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	points := make([]*qdrant.PointStruct, len(entries))
	for i, e := range entries {
		if err := checkDimension(spec, len(e.Vector)); err != nil {
			return 0, err
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(e.ID.String()),
			Vectors: qdrant.NewVectors(e.Vector...),
			Payload: toQdrantPayload(e.Payload, spec.Model),
		}
	}

	wait := true
	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return 0, qdrantErr(fmt.Errorf("upsert points: %w", err))
	}
	return len(points), nil
}

func (s *QdrantStore) Search(ctx context.Context, collection string, vector []float32, k int) ([]types.Hit, error) {
	if err := validateK(k); err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	spec, err := s.collection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if err := checkDimension(spec, len(vector)); err != nil {
		return nil, err
	}

	limit := uint64(k)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, qdrantErr(fmt.Errorf("query %s: %w", collection, err))
	}

	hits := make([]types.Hit, 0, len(points))
	for _, p := range points {
		hit := types.Hit{
			ID:      p.GetId().GetUuid(),
			Payload: fromQdrantPayload(p.GetPayload()),
			Score:   float64(p.GetScore()),
		}
		s.logger.Debug("[SEARCH] found chunk",
			"source", hit.Payload.SourceID, "unit", hit.Payload.UnitIndex, "score", hit.Score)
		hits = append(hits, hit)
	}
	return hits, nil
}

func (s *QdrantStore) DropCollection(ctx context.Context, name string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	s.specs.forget(name)

	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return qdrantErr(fmt.Errorf("check collection %s: %w", name, err))
	}
	if !exists {
		return nil
	}
	if err := s.client.DeleteCollection(ctx, name); err != nil {
		return qdrantErr(fmt.Errorf("drop collection %s: %w", name, err))
	}
	return nil
}

func (s *QdrantStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// specCache keeps manifests for ttl after they were read or written.
type specCache struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	specs map[string]cachedSpec
}

type cachedSpec struct {
	spec types.CollectionSpec
	at   time.Time
}

func newSpecCache(ttl time.Duration) *specCache {
	return &specCache{ttl: ttl, now: time.Now, specs: make(map[string]cachedSpec)}
}

func (c *specCache) get(name string) (types.CollectionSpec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.specs[name]
	if !ok || c.now().Sub(e.at) >= c.ttl {
		return types.CollectionSpec{}, false
	}
	return e.spec, true
}

func (c *specCache) put(spec types.CollectionSpec) {
	c.mu.Lock()
	c.specs[spec.Name] = cachedSpec{spec: spec, at: c.now()}
	c.mu.Unlock()
}

// refresh stores a manifest just read from the server. A read without a
// model (no points yet) inherits the model of a same-sized entry already
// known, expired or not.
func (c *specCache) refresh(spec types.CollectionSpec) types.CollectionSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.specs[spec.Name]; ok && spec.Model == "" && prev.spec.Dimension == spec.Dimension {
		spec.Model = prev.spec.Model
	}
	c.specs[spec.Name] = cachedSpec{spec: spec, at: c.now()}
	return spec
}

func (c *specCache) forget(name string) {
	c.mu.Lock()
	delete(c.specs, name)
	c.mu.Unlock()
}

func (s *QdrantStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func toQdrantPayload(p types.Payload, model string) map[string]*qdrant.Value {
	payload := map[string]*qdrant.Value{
		payloadText:       qdrant.NewValueString(p.Text),
		payloadSourceID:   qdrant.NewValueString(p.SourceID),
		payloadUnitIndex:  qdrant.NewValueInt(int64(p.UnitIndex)),
		payloadChunkIndex: qdrant.NewValueInt(int64(p.ChunkIndex)),
	}
	if model != "" {
		payload[payloadModel] = qdrant.NewValueString(model)
	}
	return payload
}

func fromQdrantPayload(payload map[string]*qdrant.Value) types.Payload {
	return types.Payload{
		Text:       payload[payloadText].GetStringValue(),
		SourceID:   payload[payloadSourceID].GetStringValue(),
		UnitIndex:  int(payload[payloadUnitIndex].GetIntegerValue()),
		ChunkIndex: int(payload[payloadChunkIndex].GetIntegerValue()),
	}
}

// qdrantErr maps gRPC status codes onto the error taxonomy.
func qdrantErr(err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %w", types.ErrTimeout, err)
	case codes.NotFound:
		return fmt.Errorf("%w: %w", types.ErrCollectionNotFound, err)
	}
	return types.AsTimeout(err)
}
