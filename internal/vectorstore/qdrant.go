package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"

	"github.com/qdrant/go-client/qdrant"

	"github.com/DeafMist/sneakdex-indexer/internal/models"
)

const defaultGRPCPort = 6334

// api is the part of *qdrant.Client the store uses.
type api interface {
	CollectionExists(ctx context.Context, collectionName string) (bool, error)
	CreateCollection(ctx context.Context, request *qdrant.CreateCollection) error
	Upsert(ctx context.Context, request *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Count(ctx context.Context, request *qdrant.CountPoints) (uint64, error)
	Close() error
}

// Store wraps the Qdrant client with the operations the indexer needs.
type Store struct {
	client api
	log    *slog.Logger
}

// New connects to Qdrant. rawURL is http(s)://host[:port] pointing at the
// gRPC port; https enables TLS.
func New(rawURL, apiKey string, log *slog.Logger) (*Store, error) {
	cfg, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	cfg.APIKey = apiKey

	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client %s: %w", hostPort(cfg), err)
	}
	s := newStore(client, log)
	s.log.Info("qdrant client created", slog.String("addr", hostPort(cfg)), slog.Bool("tls", cfg.UseTLS))
	return s, nil
}

func newStore(client api, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{client: client, log: log.With("component", "qdrant")}
}

func parseURL(rawURL string) (*qdrant.Config, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("parse qdrant url %q: missing host", rawURL)
	}

	port := defaultGRPCPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("parse qdrant port %q: %w", p, err)
		}
	}
	return &qdrant.Config{
		Host:   host,
		Port:   port,
		UseTLS: u.Scheme == "https",
	}, nil
}

// EnsureCollections creates each missing collection with cosine distance.
// Existing collections are left untouched.
func (s *Store) EnsureCollections(ctx context.Context, dim int, names ...string) error {
	for _, name := range names {
		exists, err := s.client.CollectionExists(ctx, name)
		if err != nil {
			return fmt.Errorf("check collection %s: %w", name, err)
		}
		if exists {
			s.log.Info("collection already exists", slog.String("collection", name))
			continue
		}

		s.log.Info("creating collection", slog.String("collection", name), slog.Int("dim", dim))
		err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: name,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
			OptimizersConfig: &qdrant.OptimizersConfigDiff{
				DefaultSegmentNumber: qdrant.PtrOf(uint64(2)),
			},
			ReplicationFactor: qdrant.PtrOf(uint32(1)),
		})
		if err != nil {
			return fmt.Errorf("create collection %s: %w", name, err)
		}
	}
	return nil
}

// Upsert writes points by id and waits for the write to be applied.
func (s *Store) Upsert(ctx context.Context, collection string, points []models.Point) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		ps, err := toPointStruct(p)
		if err != nil {
			return err
		}
		structs = append(structs, ps)
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Wait:           qdrant.PtrOf(true),
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("upsert %d points into %s: %w", len(points), collection, err)
	}
	return nil
}

// Count returns the exact number of points in a collection.
func (s *Store) Count(ctx context.Context, collection string) (uint64, error) {
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

// Close releases the gRPC connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func toPointStruct(p models.Point) (*qdrant.PointStruct, error) {
	payload, err := qdrant.TryValueMap(p.Payload)
	if err != nil {
		return nil, fmt.Errorf("convert payload of point %s: %w", p.ID, err)
	}
	return &qdrant.PointStruct{
		Id:      qdrant.NewID(p.ID),
		Vectors: qdrant.NewVectors(p.Vector...),
		Payload: payload,
	}, nil
}

func hostPort(cfg *qdrant.Config) string {
	return net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
}
