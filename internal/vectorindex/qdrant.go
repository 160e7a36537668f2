package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const qdrantUpsertBatch = 256

// qdrantClient is a minimal REST client for one collection using cosine
// distance.
type qdrantClient struct {
	url        string
	apiKey     string
	collection string
	client     *http.Client
}

func newQdrantClient(cfg QdrantConfig, collection string) *qdrantClient {
	url := cfg.URL
	if url == "" {
		url = "http://localhost:6333"
	}
	return &qdrantClient{
		url:        strings.TrimRight(url, "/"),
		apiKey:     cfg.APIKey,
		collection: collection,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

// pointID derives a stable UUID per chunk; qdrant only accepts unsigned
// integers or UUIDs as point ids.
func pointID(buildID string, i int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(buildID+"/"+strconv.Itoa(i))).String()
}

func (q *qdrantClient) collectionURL() string {
	return q.url + "/collections/" + q.collection
}

// rebuild drops the collection, recreates it and uploads every point.
func (q *qdrantClient) rebuild(ctx context.Context, buildID string, dim int, chunks []Chunk, vectors [][]float32) error {
	if err := q.do(ctx, http.MethodDelete, q.collectionURL(), nil, nil, http.StatusNotFound); err != nil {
		return fmt.Errorf("qdrant drop collection: %w", err)
	}
	create := map[string]any{
		"vectors": map[string]any{"size": dim, "distance": "Cosine"},
	}
	if err := q.do(ctx, http.MethodPut, q.collectionURL(), create, nil); err != nil {
		return fmt.Errorf("qdrant create collection: %w", err)
	}

	for start := 0; start < len(chunks); start += qdrantUpsertBatch {
		end := min(start+qdrantUpsertBatch, len(chunks))
		points := make([]map[string]any, 0, end-start)
		for i := start; i < end; i++ {
			c := chunks[i]
			points = append(points, map[string]any{
				"id":     pointID(buildID, i),
				"vector": vectors[i],
				"payload": map[string]any{
					"source": c.Source,
					"page":   c.Page,
					"offset": c.Offset,
					"index":  c.Index,
					"text":   c.Text,
				},
			})
		}
		body := map[string]any{"points": points}
		if err := q.do(ctx, http.MethodPut, q.collectionURL()+"/points?wait=true", body, nil); err != nil {
			return fmt.Errorf("qdrant upsert points %d-%d: %w", start, end, err)
		}
	}
	return nil
}

type qdrantPoint struct {
	Score   float64   `json:"score"`
	Vector  []float32 `json:"vector"`
	Payload struct {
		Source string `json:"source"`
		Page   int    `json:"page"`
		Offset int    `json:"offset"`
		Index  int    `json:"index"`
		Text   string `json:"text"`
	} `json:"payload"`
}

func (q *qdrantClient) search(ctx context.Context, vector []float32, limit int, withVector bool) ([]qdrantPoint, error) {
	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  withVector,
	}
	var resp struct {
		Result []qdrantPoint `json:"result"`
	}
	if err := q.do(ctx, http.MethodPost, q.collectionURL()+"/points/search", req, &resp); err != nil {
		return nil, fmt.Errorf("qdrant search: %w", err)
	}
	return resp.Result, nil
}

// do sends a JSON request; statuses listed in tolerate count as success.
func (q *qdrantClient) do(ctx context.Context, method, url string, body, out any, tolerate ...int) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	for _, s := range tolerate {
		if resp.StatusCode == s {
			return nil
		}
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2*1024))
		return fmt.Errorf("%s %s: %s %s", method, url, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

type qdrantIndex struct {
	manifest Manifest
	client   *qdrantClient
}

func (x *qdrantIndex) Manifest() Manifest { return x.manifest }

func (x *qdrantIndex) Close() error {
	x.client.client.CloseIdleConnections()
	return nil
}

func (x *qdrantIndex) query(ctx context.Context, q []float32, limit int, withVector bool) ([]candidate, error) {
	if err := checkQuery(x.manifest, q); err != nil {
		return nil, err
	}
	points, err := x.client.search(ctx, q, limit, withVector)
	if err != nil {
		return nil, err
	}
	cands := make([]candidate, len(points))
	for i, p := range points {
		c := Chunk{
			Source: p.Payload.Source,
			Page:   p.Payload.Page,
			Offset: p.Payload.Offset,
			Index:  p.Payload.Index,
			Text:   p.Payload.Text,
		}
		cands[i] = candidate{hit: newHit(c, p.Score), vector: p.Vector}
	}
	// qdrant already ranks by score; keep the order stable on ties
	sortCandidates(cands)
	return cands, nil
}

func (x *qdrantIndex) Search(ctx context.Context, q []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	cands, err := x.query(ctx, q, k, false)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(cands))
	for i, c := range cands {
		hits[i] = c.hit
	}
	return hits, nil
}

func (x *qdrantIndex) SearchMMR(ctx context.Context, q []float32, k, fetchK int, lambda float64) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	if fetchK < k {
		fetchK = k
	}
	cands, err := x.query(ctx, q, fetchK, true)
	if err != nil {
		return nil, err
	}
	return selectMMR(cands, k, lambda), nil
}
