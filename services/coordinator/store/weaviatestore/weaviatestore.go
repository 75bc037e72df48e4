// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package weaviatestore implements store.VectorStore on Weaviate.
//
// Each namespace maps to one class with vectorizer "none"; vectors are
// supplied by the coordinator's embedder. Object ids are derived from
// (namespace, entity id) so that upserts overwrite instead of duplicating.
package weaviatestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/AleutianAI/AleutianCortex/services/coordinator/store"
	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// idSpace namespaces the SHA-1 object ids.
var idSpace = uuid.MustParse("8f2c6a1e-3b7d-4f0a-9c5e-1d2b3a4c5e6f")

// Config configures the Weaviate vector store.
type Config struct {
	// URL of the Weaviate instance, with or without scheme.
	URL string `yaml:"url" validate:"required"`

	// ClassPrefix is prepended to every class name. Default: "Cortex".
	ClassPrefix string `yaml:"class_prefix"`

	// Timeout bounds each request. Default: 10s.
	Timeout time.Duration `yaml:"timeout"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) applyDefaults() {
	if c.ClassPrefix == "" {
		c.ClassPrefix = "Cortex"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Store is a Weaviate backed store.VectorStore.
//
// Thread Safety: Safe for concurrent use.
type Store struct {
	client *weaviate.Client
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	classes map[string]bool
}

// New connects to Weaviate. The connection is not verified; the first
// request surfaces an unreachable server.
func New(cfg Config) (*Store, error) {
	cfg.applyDefaults()
	if cfg.URL == "" {
		return nil, errors.New("weaviate url is required")
	}

	wcfg := weaviate.Config{Host: cfg.URL, Scheme: "http", Timeout: cfg.Timeout}
	switch {
	case strings.HasPrefix(cfg.URL, "https://"):
		wcfg.Scheme = "https"
		wcfg.Host = strings.TrimPrefix(cfg.URL, "https://")
	case strings.HasPrefix(cfg.URL, "http://"):
		wcfg.Host = strings.TrimPrefix(cfg.URL, "http://")
	}

	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return &Store{
		client:  client,
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("component", "weaviate_store")),
		classes: make(map[string]bool),
	}, nil
}

// -----------------------------------------------------------------------------
// Naming
// -----------------------------------------------------------------------------

// className maps a namespace to a valid Weaviate class name.
func className(prefix, ns string) string {
	var b strings.Builder
	b.WriteString(prefix)
	upper := true
	for _, r := range ns {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// objectID is the deterministic Weaviate id of (ns, id).
func objectID(ns, id string) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(idSpace, []byte(ns+"\x00"+id)).String())
}

func classSchema(name string) *models.Class {
	filterable := true
	return &models.Class{
		Class:       name,
		Description: "Vector mirror of coordinator entities.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{Name: "entity_id", DataType: []string{"text"}, Tokenization: "field", IndexFilterable: &filterable},
			{Name: "namespace", DataType: []string{"text"}, Tokenization: "field", IndexFilterable: &filterable},
			{Name: "digest", DataType: []string{"text"}, Tokenization: "field"},
			{Name: "sequence", DataType: []string{"int"}},
			{Name: "payload", DataType: []string{"text"}, Tokenization: "field"},
		},
	}
}

func (s *Store) ensureClass(ctx context.Context, ns string) (string, error) {
	name := className(s.cfg.ClassPrefix, ns)
	s.mu.Lock()
	known := s.classes[name]
	s.mu.Unlock()
	if known {
		return name, nil
	}

	if _, err := s.client.Schema().ClassGetter().WithClassName(name).Do(ctx); err != nil {
		s.logger.Info("Creating vector class", slog.String("class", name))
		if err := s.client.Schema().ClassCreator().WithClass(classSchema(name)).Do(ctx); err != nil {
			return "", fmt.Errorf("create class %s: %w", name, err)
		}
	}
	s.mu.Lock()
	s.classes[name] = true
	s.mu.Unlock()
	return name, nil
}

// -----------------------------------------------------------------------------
// Conversion
// -----------------------------------------------------------------------------

func toObject(class string, r store.VectorRecord) (*models.Object, error) {
	payload := "{}"
	if len(r.Payload) > 0 {
		raw, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, err
		}
		payload = string(raw)
	}
	return &models.Object{
		Class:  class,
		ID:     objectID(r.Namespace, r.ID),
		Vector: r.Vector,
		Properties: map[string]interface{}{
			"entity_id": r.ID,
			"namespace": r.Namespace,
			"digest":    r.Digest.String(),
			"sequence":  int64(r.Sequence),
			"payload":   payload,
		},
	}, nil
}

func fromProperties(props map[string]interface{}, vector []float32) (store.VectorRecord, error) {
	rec := store.VectorRecord{
		ID:        getString(props, "entity_id"),
		Namespace: getString(props, "namespace"),
		Sequence:  uint64(getFloat64(props, "sequence")),
		Vector:    vector,
	}
	d, err := store.ParseDigest(getString(props, "digest"))
	if err != nil {
		return rec, err
	}
	rec.Digest = d
	if raw := getString(props, "payload"); raw != "" && raw != "{}" {
		if err := json.Unmarshal([]byte(raw), &rec.Payload); err != nil {
			return rec, fmt.Errorf("decode payload: %w", err)
		}
	}
	return rec, nil
}

func fromObject(obj *models.Object) (store.VectorRecord, error) {
	props, _ := obj.Properties.(map[string]interface{})
	return fromProperties(props, obj.Vector)
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getFloat64(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case json.Number:
		f, _ := v.Float64()
		return f
	case int64:
		return float64(v)
	}
	return 0
}

func toFloat32s(raw interface{}) []float32 {
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	out := make([]float32, 0, len(list))
	for _, v := range list {
		if f, ok := v.(float64); ok {
			out = append(out, float32(f))
		}
	}
	return out
}

func isNotFound(err error) bool {
	var werr *fault.WeaviateClientError
	return errors.As(err, &werr) && werr.StatusCode == http.StatusNotFound
}

// -----------------------------------------------------------------------------
// store.VectorStore
// -----------------------------------------------------------------------------

// Upsert implements store.VectorStore. Records that are not newer than the
// stored object are dropped before the batch is sent.
func (s *Store) Upsert(ctx context.Context, records []store.VectorRecord) error {
	byNS := make(map[string][]store.VectorRecord)
	for _, r := range records {
		byNS[r.Namespace] = append(byNS[r.Namespace], r)
	}

	for ns, recs := range byNS {
		class, err := s.ensureClass(ctx, ns)
		if err != nil {
			return err
		}
		ids := make([]string, len(recs))
		for i, r := range recs {
			ids[i] = r.ID
		}
		existing, err := s.Get(ctx, ns, ids)
		if err != nil {
			return err
		}
		stored := make(map[string]uint64, len(existing))
		for _, e := range existing {
			stored[e.ID] = e.Sequence
		}

		objects := make([]*models.Object, 0, len(recs))
		for _, r := range recs {
			if seq, ok := stored[r.ID]; ok && r.Sequence > 0 && r.Sequence <= seq {
				continue
			}
			obj, err := toObject(class, r)
			if err != nil {
				return err
			}
			objects = append(objects, obj)
		}
		if len(objects) == 0 {
			continue
		}

		resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return fmt.Errorf("batch upsert: %w", err)
		}
		for _, item := range resp {
			if item.Result != nil && item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
				return fmt.Errorf("batch upsert %s: %s", item.ID, item.Result.Errors.Error[0].Message)
			}
		}
	}
	return nil
}

// Delete implements store.VectorStore.
func (s *Store) Delete(ctx context.Context, ns string, ids []string) error {
	class := className(s.cfg.ClassPrefix, ns)
	for _, id := range ids {
		err := s.client.Data().Deleter().
			WithClassName(class).
			WithID(objectID(ns, id).String()).
			Do(ctx)
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("delete %s: %w", id, err)
		}
	}
	return nil
}

// Get implements store.VectorStore.
func (s *Store) Get(ctx context.Context, ns string, ids []string) ([]store.VectorRecord, error) {
	class := className(s.cfg.ClassPrefix, ns)
	out := make([]store.VectorRecord, 0, len(ids))
	for _, id := range ids {
		objs, err := s.client.Data().ObjectsGetter().
			WithClassName(class).
			WithID(objectID(ns, id).String()).
			WithVector().
			Do(ctx)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("get %s: %w", id, err)
		}
		for _, obj := range objs {
			rec, err := fromObject(obj)
			if err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
	}
	return out, nil
}

// Scan implements store.VectorStore. The cursor is the Weaviate object id
// of the last record returned, so pages follow object id order.
func (s *Store) Scan(ctx context.Context, ns, cursor string, limit int) ([]store.VectorRecord, string, error) {
	if limit <= 0 {
		limit = 100
	}
	getter := s.client.Data().ObjectsGetter().
		WithClassName(className(s.cfg.ClassPrefix, ns)).
		WithLimit(limit).
		WithVector()
	if cursor != "" {
		getter = getter.WithAfter(cursor)
	}
	objs, err := getter.Do(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("scan %s: %w", ns, err)
	}

	out := make([]store.VectorRecord, 0, len(objs))
	for _, obj := range objs {
		rec, err := fromObject(obj)
		if err != nil {
			return nil, "", err
		}
		out = append(out, rec)
	}
	next := ""
	if len(objs) == limit {
		next = objs[len(objs)-1].ID.String()
	}
	return out, next, nil
}

// Search implements store.VectorStore. Payload filters are applied to an
// over-fetched candidate set since payloads are stored as one JSON field.
func (s *Store) Search(ctx context.Context, ns string, vector []float32, k int, filter map[string]string) ([]store.SearchHit, error) {
	if k <= 0 {
		return nil, nil
	}
	class := className(s.cfg.ClassPrefix, ns)
	fetch := k
	if len(filter) > 0 {
		fetch = k * 4
	}

	fields := []graphql.Field{
		{Name: "entity_id"},
		{Name: "namespace"},
		{Name: "digest"},
		{Name: "sequence"},
		{Name: "payload"},
		{Name: "_additional { distance vector }"},
	}
	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	result, err := s.client.GraphQL().Get().
		WithClassName(class).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(fetch).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", ns, err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("search %s: %s", ns, result.Errors[0].Message)
	}

	hits, err := parseSearch(result, class)
	if err != nil {
		return nil, err
	}
	out := hits[:0]
	for _, h := range hits {
		if store.MatchPayload(h.Record.Payload, filter) {
			out = append(out, h)
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func parseSearch(result *models.GraphQLResponse, class string) ([]store.SearchHit, error) {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	objects, ok := data[class].([]interface{})
	if !ok {
		return nil, nil
	}

	hits := make([]store.SearchHit, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		var (
			distance float64
			vector   []float32
		)
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			distance = getFloat64(additional, "distance")
			vector = toFloat32s(additional["vector"])
		}
		rec, err := fromProperties(m, vector)
		if err != nil {
			return nil, err
		}
		hits = append(hits, store.SearchHit{Record: rec, Score: float32(1 - distance)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits, nil
}

// Count implements store.VectorStore.
func (s *Store) Count(ctx context.Context, ns string) (int, error) {
	class := className(s.cfg.ClassPrefix, ns)
	result, err := s.client.GraphQL().Aggregate().
		WithClassName(class).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", ns, err)
	}
	return parseCount(result, class), nil
}

func parseCount(result *models.GraphQLResponse, class string) int {
	agg, ok := result.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0
	}
	rows, ok := agg[class].([]interface{})
	if !ok || len(rows) == 0 {
		return 0
	}
	row, _ := rows[0].(map[string]interface{})
	meta, _ := row["meta"].(map[string]interface{})
	return int(getFloat64(meta, "count"))
}

// Close implements store.VectorStore. The HTTP client holds no resources
// that need releasing.
func (s *Store) Close() error {
	return nil
}
