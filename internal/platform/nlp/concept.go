package nlp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultConceptTimeout = 30 * time.Second

// ConceptClient calls a concept-linking service over HTTP.
//
// Request:  POST {baseURL}/recognize {"text": "..."}
// Response: {"entities": [{"text": "...", "concepts": [{"cui": "...", "score": 0.9, "types": ["T184"]}]}]}
type ConceptClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewConceptClient creates a client for the service at baseURL.
func NewConceptClient(baseURL string, timeout time.Duration) *ConceptClient {
	if timeout <= 0 {
		timeout = defaultConceptTimeout
	}
	return &ConceptClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type conceptRequest struct {
	Text string `json:"text"`
}

type conceptResponse struct {
	Entities []Mention `json:"entities"`
}

// Detect implements Backend.
func (c *ConceptClient) Detect(ctx context.Context, text string) (Result, error) {
	ctx, span := otel.Tracer("github.com/telemed/telemed/internal/platform/nlp").Start(ctx, "nlp.concept.detect")
	defer span.End()

	res, err := c.detect(ctx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetAttributes(attribute.Int("nlp.mentions", len(res.Mentions)))
	return res, nil
}

func (c *ConceptClient) detect(ctx context.Context, text string) (Result, error) {
	body, err := json.Marshal(conceptRequest{Text: text})
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/recognize", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", ErrRecognizerUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrRecognizerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("%w: status %d: %s", ErrRecognizerUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out conceptResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrRecognizerUnavailable, err)
	}
	return Result{Variant: VariantConcept, Mentions: out.Entities}, nil
}
