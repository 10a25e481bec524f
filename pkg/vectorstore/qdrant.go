package vectorstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/contexa/ragengine/pkg/domain"
	"github.com/contexa/ragengine/pkg/log"
)

const (
	qdrantDialTimeout = 30 * time.Second
	qdrantDistance    = pb.Distance_Cosine
)

var qdrantWait = true

var qdrantLogger = log.WithModule("vectorstore.qdrant")

// QdrantStore is the managed remote vector index. Each namespace maps to one
// qdrant collection, created lazily on first upsert.
type QdrantStore struct {
	points      pb.PointsClient
	collections pb.CollectionsClient
	conn        *grpc.ClientConn
	vectorSize  uint64

	mu    sync.Mutex
	known map[string]bool // collections verified to exist
}

func NewQdrantStore(url string, vectorSize uint64) (*QdrantStore, error) {
	if vectorSize == 0 {
		vectorSize = 768
	}
	url = strings.TrimPrefix(url, "http://")
	url = strings.TrimPrefix(url, "https://")

	ctx, cancel := context.WithTimeout(context.Background(), qdrantDialTimeout)
	defer cancel()

	conn, err := grpc.DialContext(ctx, url, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to qdrant: %v", domain.ErrVectorStoreFailed, err)
	}

	return &QdrantStore{
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		conn:        conn,
		vectorSize:  vectorSize,
		known:       make(map[string]bool),
	}, nil
}

// ensureCollection creates the namespace collection if it does not exist.
func (s *QdrantStore) ensureCollection(ctx context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.known[namespace] {
		return nil
	}

	listResp, err := s.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("%w: failed to list collections: %v", domain.ErrVectorStoreFailed, err)
	}
	for _, col := range listResp.Collections {
		if col.Name == namespace {
			s.known[namespace] = true
			return nil
		}
	}

	_, err = s.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: namespace,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     s.vectorSize,
					Distance: qdrantDistance,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: failed to create collection %s: %v", domain.ErrVectorStoreFailed, namespace, err)
	}
	qdrantLogger.Info("created qdrant collection", "collection", namespace, "vector_size", s.vectorSize)
	s.known[namespace] = true
	return nil
}

func (s *QdrantStore) Upsert(ctx context.Context, namespace string, records []domain.VectorRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.ensureCollection(ctx, namespace); err != nil {
		return err
	}

	points := make([]*pb.PointStruct, 0, len(records))
	for _, rec := range records {
		payload := map[string]*pb.Value{
			"chunk_id": {Kind: &pb.Value_StringValue{StringValue: rec.ChunkID}},
		}
		for k, v := range rec.Metadata {
			payload[k] = &pb.Value{Kind: &pb.Value_StringValue{StringValue: v}}
		}

		points = append(points, &pb.PointStruct{
			Id: &pb.PointId{
				// Deterministic UUID from the chunk id keeps re-upserts
				// idempotent.
				PointIdOptions: &pb.PointId_Uuid{
					Uuid: uuid.NewSHA1(uuid.NameSpaceOID, []byte(rec.ChunkID)).String(),
				},
			},
			Vectors: &pb.Vectors{
				VectorsOptions: &pb.Vectors_Vector{
					Vector: &pb.Vector{Data: rec.Vector},
				},
			},
			Payload: payload,
		})
	}

	if _, err := s.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: namespace,
		Points:         points,
		Wait:           &qdrantWait,
	}); err != nil {
		return fmt.Errorf("%w: failed to upsert points: %v", domain.ErrVectorStoreFailed, err)
	}
	return nil
}

func (s *QdrantStore) Query(ctx context.Context, namespace string, vector []float32, k int) ([]Match, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", domain.ErrInvalidInput)
	}
	if k <= 0 {
		k = 5
	}
	if err := s.ensureCollection(ctx, namespace); err != nil {
		return nil, err
	}

	resp, err := s.points.Search(ctx, &pb.SearchPoints{
		CollectionName: namespace,
		Vector:         vector,
		Limit:          uint64(k),
		WithPayload: &pb.WithPayloadSelector{
			SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: search failed: %v", domain.ErrVectorStoreFailed, err)
	}

	matches := make([]Match, 0, len(resp.Result))
	for _, point := range resp.Result {
		m := Match{
			ChunkID:  point.Id.GetUuid(),
			Score:    float64(point.Score),
			Metadata: make(map[string]string),
		}
		for k, v := range point.Payload {
			switch k {
			case "chunk_id":
				m.ChunkID = v.GetStringValue()
			case "content":
				m.Content = v.GetStringValue()
				m.Metadata[k] = v.GetStringValue()
			default:
				m.Metadata[k] = v.GetStringValue()
			}
		}
		matches = append(matches, m)
	}
	return matches, nil
}

func (s *QdrantStore) DeleteByDocument(ctx context.Context, namespace, documentID string) error {
	if documentID == "" {
		return fmt.Errorf("%w: empty document id", domain.ErrInvalidInput)
	}
	if err := s.ensureCollection(ctx, namespace); err != nil {
		return err
	}

	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: namespace,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: &pb.Filter{
					Must: []*pb.Condition{{
						ConditionOneOf: &pb.Condition_Field{
							Field: &pb.FieldCondition{
								Key: MetaDocumentID,
								Match: &pb.Match{
									MatchValue: &pb.Match_Keyword{Keyword: documentID},
								},
							},
						},
					}},
				},
			},
		},
		Wait: &qdrantWait,
	})
	if err != nil {
		return fmt.Errorf("%w: delete by document failed: %v", domain.ErrVectorStoreFailed, err)
	}
	return nil
}

func (s *QdrantStore) DeleteByChunkIDs(ctx context.Context, namespace string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	if err := s.ensureCollection(ctx, namespace); err != nil {
		return err
	}

	ids := make([]*pb.PointId, 0, len(chunkIDs))
	for _, id := range chunkIDs {
		ids = append(ids, &pb.PointId{
			PointIdOptions: &pb.PointId_Uuid{
				Uuid: uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String(),
			},
		})
	}

	_, err := s.points.Delete(ctx, &pb.DeletePoints{
		CollectionName: namespace,
		Points: &pb.PointsSelector{
			PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: ids},
			},
		},
		Wait: &qdrantWait,
	})
	if err != nil {
		return fmt.Errorf("%w: delete by chunk ids failed: %v", domain.ErrVectorStoreFailed, err)
	}
	return nil
}

func (s *QdrantStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
