// Package transcribe converts consultation audio to text through an
// OpenAI-compatible speech-to-text service.
package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrTranscriberUnavailable is returned when the service cannot be reached
// or does not answer with a transcript.
var ErrTranscriberUnavailable = errors.New("transcriber unavailable")

const (
	DefaultModel   = "base"
	defaultTimeout = 5 * time.Minute
)

// Client posts audio to {baseURL}/v1/audio/transcriptions as multipart
// form data with "file" and "model" fields and reads {"text": "..."}.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewClient(baseURL, model string, timeout time.Duration) *Client {
	if model == "" {
		model = DefaultModel
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe streams audio to the service and returns the recognized text.
func (c *Client) Transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	ctx, span := otel.Tracer("github.com/telemed/telemed/internal/platform/transcribe").Start(ctx, "transcribe.audio")
	defer span.End()
	span.SetAttributes(attribute.String("transcribe.model", c.model))

	text, err := c.transcribe(ctx, filename, audio)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("transcribe.chars", len(text)))
	return text, nil
}

func (c *Client) transcribe(ctx context.Context, filename string, audio io.Reader) (string, error) {
	if filename == "" {
		filename = "audio"
	}
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeForm(mw, filepath.Base(filename), c.model, audio))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/audio/transcriptions", pr)
	if err != nil {
		pr.Close()
		return "", fmt.Errorf("%w: build request: %v", ErrTranscriberUnavailable, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTranscriberUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrTranscriberUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrTranscriberUnavailable, err)
	}
	return strings.TrimSpace(out.Text), nil
}

func writeForm(mw *multipart.Writer, filename, model string, audio io.Reader) error {
	if err := mw.WriteField("model", model); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, audio); err != nil {
		return err
	}
	return mw.Close()
}
