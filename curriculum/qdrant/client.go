// Package qdrant implements curriculum.VectorStore on Qdrant.
package qdrant

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/qdrant/go-client/qdrant"

	"github.com/creastat/tutoring"
	"github.com/creastat/tutoring/curriculum"
)

// Payload keys written by the curriculum ingestion job.
const (
	payloadContent = "content"
	payloadTitle   = "title"
	payloadSubject = "subject"
)

// Config holds Qdrant connection configuration.
type Config struct {
	// URL is the Qdrant server address (e.g., "https://example.qdrant.io:6334").
	URL string

	// CollectionName is the name of the collection to search.
	CollectionName string

	// APIKey is optional API key for authentication.
	APIKey string
}

// Client implements curriculum.VectorStore for Qdrant.
type Client struct {
	client         *qdrant.Client
	collectionName string
}

// New creates a new Qdrant client.
func New(cfg Config) (*Client, error) {
	host, port, useTLS, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("%w: qdrant collection is required", tutoring.ErrInvalidConfig)
	}

	qdrantClient, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	return &Client{
		client:         qdrantClient,
		collectionName: cfg.CollectionName,
	}, nil
}

// parseURL extracts host, gRPC port and scheme. Bare hosts default to TLS.
func parseURL(raw string) (string, int, bool, error) {
	if raw == "" {
		return "", 0, false, fmt.Errorf("%w: qdrant url is required", tutoring.ErrInvalidConfig)
	}
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, false, fmt.Errorf("failed to parse qdrant url: %w", err)
	}

	port := 6334
	if u.Port() != "" {
		p, err := strconv.Atoi(u.Port())
		if err != nil {
			return "", 0, false, fmt.Errorf("invalid port: %w", err)
		}
		port = p
	}
	return u.Hostname(), port, u.Scheme == "https", nil
}

// Search implements curriculum.VectorStore.
func (c *Client) Search(ctx context.Context, vector []float32, filter curriculum.SearchFilter, limit int) ([]curriculum.SearchResult, error) {
	limitUint64 := uint64(limit)
	query := &qdrant.QueryPoints{
		CollectionName: c.collectionName,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limitUint64,
		Filter:         buildQdrantFilter(filter),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if filter.MinScore > 0 {
		query.ScoreThreshold = &filter.MinScore
	}

	points, err := c.client.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("qdrant search failed: %w", err)
	}

	results := make([]curriculum.SearchResult, 0, len(points))
	for _, point := range points {
		if filter.MinScore > 0 && point.Score < filter.MinScore {
			continue
		}
		results = append(results, toResult(point.Id, point.Score, point.Payload))
	}
	return results, nil
}

// Close implements curriculum.VectorStore.
func (c *Client) Close() error {
	return c.client.Close()
}

func toResult(id *qdrant.PointId, score float32, payload map[string]*qdrant.Value) curriculum.SearchResult {
	result := curriculum.SearchResult{
		Score:    score,
		Metadata: make(map[string]any),
	}

	if id != nil {
		if uuid := id.GetUuid(); uuid != "" {
			result.ID = uuid
		} else {
			result.ID = strconv.FormatUint(id.GetNum(), 10)
		}
	}

	for k, v := range payload {
		switch k {
		case payloadContent:
			result.Content = v.GetStringValue()
		case payloadTitle:
			result.Title = v.GetStringValue()
		case payloadSubject:
			result.Subject = v.GetStringValue()
		default:
			result.Metadata[k] = payloadValue(v)
		}
	}
	return result
}

// buildQdrantFilter requires every filter entry to match. Subjects are
// stored lowercased by the ingestion job.
func buildQdrantFilter(filter curriculum.SearchFilter) *qdrant.Filter {
	var must []*qdrant.Condition
	if filter.Subject != "" {
		must = append(must, matchCondition(payloadSubject, strings.ToLower(filter.Subject)))
	}
	for key, value := range filter.Metadata {
		must = append(must, matchCondition(key, value))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func matchCondition(key string, value any) *qdrant.Condition {
	switch v := value.(type) {
	case string:
		return qdrant.NewMatch(key, v)
	case int:
		return qdrant.NewMatchInt(key, int64(v))
	case int64:
		return qdrant.NewMatchInt(key, v)
	case bool:
		return qdrant.NewMatchBool(key, v)
	default:
		return qdrant.NewMatch(key, fmt.Sprint(v))
	}
}

// payloadValue decodes a payload value into plain Go types.
func payloadValue(v *qdrant.Value) any {
	switch {
	case v == nil:
		return nil
	case v.GetListValue() != nil:
		items := v.GetListValue().GetValues()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = payloadValue(item)
		}
		return out
	}
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	}
	return nil
}

var _ curriculum.VectorStore = (*Client)(nil)
