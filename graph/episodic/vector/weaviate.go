package vector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// Metadata keys stored as their own Weaviate properties so where
// filters can target them. Everything else rides in metadata_json.
var filterableProperties = []string{"agent_id", "goal_id", "node_id", "outcome"}

// WeaviateConfig locates the external index. Class is the per-corpus
// class name; separate agent corpora use separate classes.
type WeaviateConfig struct {
	Host   string // e.g. "localhost:8080"
	Scheme string // "http" or "https"
	Class  string
}

// WeaviateBackend hands similarity search to an external Weaviate
// instance. Vectors are supplied by the caller (vectorizer "none");
// certainty is reported as similarity.
type WeaviateBackend struct {
	client *weaviate.Client
	class  string
}

// NewWeaviateBackend connects and ensures the class exists.
func NewWeaviateBackend(ctx context.Context, cfg WeaviateConfig) (*WeaviateBackend, error) {
	if cfg.Class == "" {
		cfg.Class = "HiveEpisode"
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	client, err := weaviate.NewClient(weaviate.Config{Host: cfg.Host, Scheme: cfg.Scheme})
	if err != nil {
		return nil, fmt.Errorf("weaviate client: %w", err)
	}
	b := &WeaviateBackend{client: client, class: cfg.Class}
	if err := b.ensureClass(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *WeaviateBackend) ensureClass(ctx context.Context) error {
	if _, err := b.client.Schema().ClassGetter().WithClassName(b.class).Do(ctx); err == nil {
		return nil
	}

	indexFilterable := true
	properties := []*models.Property{
		{
			Name:            "ref_id",
			DataType:        []string{"text"},
			Description:     "Episode identifier",
			Tokenization:    "field",
			IndexFilterable: &indexFilterable,
		},
		{
			Name:        "document",
			DataType:    []string{"text"},
			Description: "Episode context text",
		},
		{
			Name:        "metadata_json",
			DataType:    []string{"text"},
			Description: "Full metadata map, JSON-encoded",
		},
	}
	for _, name := range filterableProperties {
		properties = append(properties, &models.Property{
			Name:            name,
			DataType:        []string{"text"},
			Tokenization:    "field",
			IndexFilterable: &indexFilterable,
		})
	}

	class := &models.Class{
		Class:       b.class,
		Description: "Episode embeddings with caller-supplied vectors",
		Vectorizer:  "none",
		Properties:  properties,
	}
	if err := b.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("create class %s: %w", b.class, err)
	}
	return nil
}

// Upsert batches entries in; batch import replaces objects that share an
// ID, which gives upsert semantics on our deterministic object ids.
func (b *WeaviateBackend) Upsert(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	objects := make([]*models.Object, 0, len(entries))
	for _, e := range entries {
		metaJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", e.ID, err)
		}
		props := map[string]interface{}{
			"ref_id":        e.ID,
			"document":      e.Document,
			"metadata_json": string(metaJSON),
		}
		for _, key := range filterableProperties {
			if v, ok := e.Metadata[key]; ok {
				props[key] = v
			}
		}
		obj := &models.Object{
			Class:      b.class,
			ID:         strfmt.UUID(objectID(e.ID)),
			Properties: props,
		}
		if len(e.Embedding) > 0 {
			obj.Vector = e.Embedding
		}
		objects = append(objects, obj)
	}

	resp, err := b.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("batch upsert: %w", err)
	}
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 && r.Result.Errors.Error[0] != nil {
			return fmt.Errorf("batch upsert %s: %s", r.ID, r.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// Query runs a NearVector search, optionally constrained by a where
// filter over the indexed metadata keys.
func (b *WeaviateBackend) Query(ctx context.Context, embedding []float32, n int, where map[string]string) ([]Match, error) {
	if n <= 0 {
		return nil, nil
	}

	near := b.client.GraphQL().NearVectorArgBuilder().WithVector(embedding)
	fields := []graphql.Field{
		{Name: "ref_id"},
		{Name: "document"},
		{Name: "metadata_json"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	q := b.client.GraphQL().Get().
		WithClassName(b.class).
		WithFields(fields...).
		WithNearVector(near).
		WithLimit(n)
	if len(where) > 0 {
		filter, err := b.whereFilter(where)
		if err != nil {
			return nil, err
		}
		q = q.WithWhere(filter)
	}

	result, err := q.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("near-vector query: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("near-vector query: %s", result.Errors[0].Message)
	}
	return b.parseMatches(result), nil
}

// Fetch looks entries up by episode id, including their stored vectors.
func (b *WeaviateBackend) Fetch(ctx context.Context, ids []string) ([]Entry, error) {
	fields := []graphql.Field{
		{Name: "ref_id"},
		{Name: "document"},
		{Name: "metadata_json"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "vector"}}},
	}

	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		filter := filters.Where().
			WithPath([]string{"ref_id"}).
			WithOperator(filters.Equal).
			WithValueString(id)

		result, err := b.client.GraphQL().Get().
			WithClassName(b.class).
			WithFields(fields...).
			WithWhere(filter).
			WithLimit(1).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", id, err)
		}
		if len(result.Errors) > 0 {
			return nil, fmt.Errorf("fetch %s: %s", id, result.Errors[0].Message)
		}
		for _, obj := range b.rawObjects(result) {
			e := Entry{
				ID:       getString(obj, "ref_id"),
				Document: getString(obj, "document"),
			}
			if metaRaw := getString(obj, "metadata_json"); metaRaw != "" {
				_ = json.Unmarshal([]byte(metaRaw), &e.Metadata)
			}
			if add, ok := obj["_additional"].(map[string]interface{}); ok {
				if raw, ok := add["vector"].([]interface{}); ok {
					e.Embedding = make([]float32, 0, len(raw))
					for _, v := range raw {
						if f, ok := v.(float64); ok {
							e.Embedding = append(e.Embedding, float32(f))
						}
					}
				}
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// Delete removes ids; missing objects are a no-op.
func (b *WeaviateBackend) Delete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		err := b.client.Data().Deleter().
			WithClassName(b.class).
			WithID(objectID(id)).
			Do(ctx)
		if err != nil {
			var clientErr *fault.WeaviateClientError
			if errors.As(err, &clientErr) && clientErr.StatusCode == http.StatusNotFound {
				continue
			}
			return fmt.Errorf("delete vector %s: %w", id, err)
		}
	}
	return nil
}

// Count asks the aggregate meta count for the class.
func (b *WeaviateBackend) Count(ctx context.Context) (int, error) {
	result, err := b.client.GraphQL().Aggregate().
		WithClassName(b.class).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("aggregate count: %w", err)
	}
	if len(result.Errors) > 0 {
		return 0, fmt.Errorf("aggregate count: %s", result.Errors[0].Message)
	}

	data, ok := result.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	rows, ok := data[b.class].([]interface{})
	if !ok || len(rows) == 0 {
		return 0, nil
	}
	row, ok := rows[0].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	meta, ok := row["meta"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	count, _ := meta["count"].(float64)
	return int(count), nil
}

// Clear drops and recreates the class.
func (b *WeaviateBackend) Clear(ctx context.Context) error {
	if err := b.client.Schema().ClassDeleter().WithClassName(b.class).Do(ctx); err != nil {
		return fmt.Errorf("drop class %s: %w", b.class, err)
	}
	return b.ensureClass(ctx)
}

func (b *WeaviateBackend) whereFilter(where map[string]string) (*filters.WhereBuilder, error) {
	indexed := make(map[string]bool, len(filterableProperties))
	for _, name := range filterableProperties {
		indexed[name] = true
	}

	operands := make([]*filters.WhereBuilder, 0, len(where))
	for key, value := range where {
		if !indexed[key] {
			return nil, fmt.Errorf("filter key %q is not indexed", key)
		}
		operands = append(operands, filters.Where().
			WithPath([]string{key}).
			WithOperator(filters.Equal).
			WithValueString(value))
	}
	if len(operands) == 1 {
		return operands[0], nil
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands), nil
}

func (b *WeaviateBackend) parseMatches(result *models.GraphQLResponse) []Match {
	objects := b.rawObjects(result)
	matches := make([]Match, 0, len(objects))
	for _, obj := range objects {
		m := Match{
			ID:       getString(obj, "ref_id"),
			Document: getString(obj, "document"),
		}
		if metaRaw := getString(obj, "metadata_json"); metaRaw != "" {
			_ = json.Unmarshal([]byte(metaRaw), &m.Metadata)
		}
		if add, ok := obj["_additional"].(map[string]interface{}); ok {
			if c, ok := add["certainty"].(float64); ok {
				m.Similarity = c
			}
		}
		matches = append(matches, m)
	}
	return matches
}

func (b *WeaviateBackend) rawObjects(result *models.GraphQLResponse) []map[string]interface{} {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	rows, ok := data[b.class].([]interface{})
	if !ok {
		return nil
	}
	out := make([]map[string]interface{}, 0, len(rows))
	for _, raw := range rows {
		if obj, ok := raw.(map[string]interface{}); ok {
			out = append(out, obj)
		}
	}
	return out
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// objectID derives the stable Weaviate object UUID for an episode id,
// which is what makes batch import behave as upsert.
func objectID(id string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}
