package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"time"
)

// Prediction is one label returned by a model. Confidence is nil when the
// model does not report one.
type Prediction struct {
	Label      string   `json:"label"`
	Confidence *float64 `json:"confidence"`
}

// Response is the output of one model call.
type Response struct {
	Predictions []Prediction `json:"predictions"`
}

// Scorer runs one model against the frame at url.
type Scorer interface {
	Score(ctx context.Context, url, modelID string) (*Response, error)
}

// ─────────────────────────────────────────────
// HTTP scorer
// ─────────────────────────────────────────────

// HTTPScorer calls a remote scoring endpoint.
//
//	POST {endpoint}  {"url": "...", "model": "..."}
//	200              {"predictions": [{"label": "...", "confidence": 0.9}]}
type HTTPScorer struct {
	endpoint string
	client   *http.Client
}

// NewHTTPScorer creates a scorer with a bounded per-call timeout.
func NewHTTPScorer(endpoint string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (s *HTTPScorer) Score(ctx context.Context, url, modelID string) (*Response, error) {
	payload, _ := json.Marshal(map[string]string{
		"url":   url,
		"model": modelID,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scorer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("scorer status code %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode scorer response failed: %w", err)
	}
	for _, p := range out.Predictions {
		if p.Confidence != nil && (*p.Confidence < 0 || *p.Confidence > 1) {
			return nil, fmt.Errorf("scorer returned confidence %v for %q outside [0,1]", *p.Confidence, p.Label)
		}
	}
	return &out, nil
}

// ─────────────────────────────────────────────
// Static scorer
// ─────────────────────────────────────────────

// StaticScorer returns a deterministic prediction derived from the frame
// URL. It is used when no scoring endpoint is configured.
type StaticScorer struct{}

func (StaticScorer) Score(ctx context.Context, url, modelID string) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := fnv.New32a()
	h.Write([]byte(modelID + "|" + url))
	conf := float64(h.Sum32()%1000) / 1000
	return &Response{Predictions: []Prediction{{Label: modelID, Confidence: &conf}}}, nil
}
