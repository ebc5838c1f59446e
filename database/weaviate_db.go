package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/tieubaoca/workspace-assistant/config"
	"github.com/tieubaoca/workspace-assistant/types"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/auth"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.uber.org/zap"
)

const BATCH_SIZE = 200

var documentProperties = []*models.Property{
	{Name: "docId", DataType: []string{"text"}},
	{Name: "title", DataType: []string{"text"}},
	{Name: "sourceSystem", DataType: []string{"text"}},
	{Name: "space", DataType: []string{"text"}},
	{Name: "excerpt", DataType: []string{"text"}},
	{Name: "version", DataType: []string{"text"}},
	{Name: "labels", DataType: []string{"text[]"}},
}

var documentFields = []graphql.Field{
	{Name: "docId"},
	{Name: "title"},
	{Name: "sourceSystem"},
	{Name: "space"},
	{Name: "excerpt"},
	{Name: "version"},
	{Name: "labels"},
	{Name: "_additional", Fields: []graphql.Field{{Name: "distance"}, {Name: "id"}}},
}

// WeaviateStore keeps one class per source collection. Vectors are computed
// client-side, so classes are created without a vectorizer.
type WeaviateStore struct {
	client *weaviate.Client
	logger *zap.Logger
}

func NewWeaviateStore(cfg config.WeaviateStoreConfig, logger *zap.Logger) (*WeaviateStore, error) {
	var scheme string
	if strings.HasPrefix(cfg.Host, "https") {
		scheme = "https"
	} else {
		scheme = "http"
	}
	host := strings.TrimPrefix(cfg.Host, scheme+"://")
	wcfg := weaviate.Config{
		Host:   host,
		Scheme: scheme,
	}
	if cfg.APIKey != "" {
		wcfg.AuthConfig = auth.ApiKey{
			Value: cfg.APIKey,
		}
		wcfg.Headers = map[string]string{
			"X-Weaviate-Api-Key":     cfg.APIKey,
			"X-Weaviate-Cluster-Url": fmt.Sprintf("%s://%s", scheme, host),
		}
	}
	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}
	return &WeaviateStore{
		client: client,
		logger: logger,
	}, nil
}

func (s *WeaviateStore) EnsureCollection(ctx context.Context, name string, recreate bool) error {
	class, err := s.getClass(ctx, name)
	if err != nil {
		return err
	}
	if class != nil && recreate {
		s.logger.Info("Recreating collection", zap.String("collection", name))
		if err := s.DeleteCollection(ctx, name); err != nil {
			return err
		}
		class = nil
	}
	if class != nil {
		if missing := missingProperties(class); len(missing) > 0 {
			return fmt.Errorf("%w: %s lacks %s", ErrSchemaMismatch, name, strings.Join(missing, ", "))
		}
		return nil
	}

	err = s.client.Schema().ClassCreator().WithClass(&models.Class{
		Class:           name,
		Properties:      documentProperties,
		Vectorizer:      "none",
		VectorIndexType: "hnsw",
	}).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to create class %s: %w", name, err)
	}
	return nil
}

func (s *WeaviateStore) getClass(ctx context.Context, name string) (*models.Class, error) {
	schema, err := s.client.Schema().Getter().Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}
	for _, class := range schema.Classes {
		if class.Class == name {
			return class, nil
		}
	}
	return nil, nil
}

func missingProperties(class *models.Class) []string {
	have := make(map[string]bool, len(class.Properties))
	for _, p := range class.Properties {
		have[strings.ToLower(p.Name)] = true
	}
	var missing []string
	for _, p := range documentProperties {
		if !have[strings.ToLower(p.Name)] {
			missing = append(missing, p.Name)
		}
	}
	return missing
}

func (s *WeaviateStore) Upsert(ctx context.Context, name string, records []VectorRecord) error {
	total := len(records)
	if total == 0 {
		return nil
	}
	if err := s.checkVectorLength(ctx, name, len(records[0].Vector)); err != nil {
		return err
	}
	for i := 0; i < total; i += BATCH_SIZE {
		end := i + BATCH_SIZE
		if end > total {
			end = total
		}

		batcher := s.client.Batch().ObjectsBatcher()
		for _, rec := range records[i:end] {
			doc := rec.Document
			batcher = batcher.WithObjects(&models.Object{
				Class: name,
				ID:    strfmt.UUID(ObjectID(doc.Source, doc.ID)),
				Properties: map[string]interface{}{
					"docId":        doc.ID,
					"title":        doc.Title,
					"sourceSystem": string(doc.Source),
					"space":        doc.Space,
					"excerpt":      doc.BodyExcerpt,
					"version":      doc.Version,
					"labels":       doc.Labels,
				},
				Vector: rec.Vector,
			})
		}

		resp, err := batcher.Do(ctx)
		if err != nil {
			return fmt.Errorf("failed to insert batch %d-%d: %w", i, end, err)
		}
		for _, obj := range resp {
			if obj.Result == nil || obj.Result.Errors == nil || len(obj.Result.Errors.Error) == 0 {
				continue
			}
			msg := obj.Result.Errors.Error[0].Message
			if isSchemaMessage(msg) {
				return fmt.Errorf("%w: %s", ErrSchemaMismatch, msg)
			}
			return fmt.Errorf("failed to insert object %s: %s", obj.ID, msg)
		}
		s.logger.Debug("Inserted batch",
			zap.String("collection", name),
			zap.Int("from", i),
			zap.Int("to", end),
			zap.Int("total", total))
	}
	return nil
}

// checkVectorLength compares dim with a vector already stored in the class.
// An empty class accepts any length.
func (s *WeaviateStore) checkVectorLength(ctx context.Context, name string, dim int) error {
	objs, err := s.client.Data().ObjectsGetter().
		WithClassName(name).
		WithVector().
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to sample %s: %w", name, err)
	}
	if len(objs) == 0 || len(objs[0].Vector) == 0 {
		return nil
	}
	if have := len(objs[0].Vector); have != dim {
		return fmt.Errorf("%w: %s holds %d-dim vectors, got %d", ErrSchemaMismatch, name, have, dim)
	}
	return nil
}

func isSchemaMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "no such prop") ||
		strings.Contains(msg, "vector with length") ||
		strings.Contains(msg, "vector lengths")
}

func (s *WeaviateStore) Nearest(ctx context.Context, name string, vector []float32, k int) ([]types.ScoredDocument, error) {
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	result, err := s.client.GraphQL().Get().
		WithClassName(name).
		WithFields(documentFields...).
		WithNearVector(nearVector).
		WithLimit(k).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("search failed: %s", result.Errors[0].Message)
	}

	get, _ := result.Data["Get"].(map[string]interface{})
	items, _ := get[name].([]interface{})
	docs := make([]types.ScoredDocument, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		doc := types.ScoredDocument{
			Document: types.Document{
				ID:          stringField(obj, "docId"),
				Title:       stringField(obj, "title"),
				Source:      types.SourceSystem(stringField(obj, "sourceSystem")),
				Space:       stringField(obj, "space"),
				BodyExcerpt: stringField(obj, "excerpt"),
				Version:     stringField(obj, "version"),
				Labels:      parseStringArray(obj["labels"]),
			},
		}
		if additional, ok := obj["_additional"].(map[string]interface{}); ok {
			if distance, ok := additional["distance"].(float64); ok {
				doc.Score = float32(1 - distance)
			}
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *WeaviateStore) DeleteCollection(ctx context.Context, name string) error {
	if err := s.client.Schema().ClassDeleter().WithClassName(name).Do(ctx); err != nil {
		return fmt.Errorf("failed to delete class %s: %w", name, err)
	}
	return nil
}

// ObjectID derives a stable object id so re-loading an export overwrites
// instead of duplicating.
func ObjectID(source types.SourceSystem, docID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(string(source)+"/"+docID)).String()
}

// Helper functions
func stringField(obj map[string]interface{}, key string) string {
	s, _ := obj[key].(string)
	return s
}

func parseStringArray(v interface{}) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	result := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}
	return result
}
