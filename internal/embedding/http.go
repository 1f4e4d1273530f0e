package embedding

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// =============================================================================
// HTTP EMBEDDING ENGINE
// =============================================================================

// HTTPEngine talks to a long-running encoder server. The server keeps the
// model resident, so this is the cheapest engine per call.
//
//	POST /embed/text  {"texts": [...]}                 -> {"embeddings": [[...], ...]}
//	POST /embed/image {"image": b64, "mime_type": ...} -> {"embedding": [...]}
//	GET  /health
type HTTPEngine struct {
	endpoint string
	client   *http.Client
}

// NewHTTPEngine creates a new HTTP embedding engine.
func NewHTTPEngine(endpoint string, timeout time.Duration) (*HTTPEngine, error) {
	if endpoint == "" {
		endpoint = "http://localhost:8090"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &HTTPEngine{
		endpoint: strings.TrimRight(endpoint, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// EncodeImage embeds one image.
func (e *HTTPEngine) EncodeImage(ctx context.Context, img ImageInput) ([]float32, error) {
	req := httpImageRequest{
		Image:    base64.StdEncoding.EncodeToString(img.Data),
		MIMEType: img.MIMEType,
	}

	var result httpImageResponse
	if err := e.post(ctx, "/embed/image", req, &result); err != nil {
		return nil, err
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("encoder returned an empty image embedding")
	}
	return result.Embedding, nil
}

// EncodeTexts embeds prompts in one request.
func (e *HTTPEngine) EncodeTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var result httpTextResponse
	if err := e.post(ctx, "/embed/text", httpTextRequest{Texts: texts}, &result); err != nil {
		return nil, err
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("encoder returned %d embeddings for %d texts", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}

// HealthCheck verifies the encoder server answers.
func (e *HTTPEngine) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, e.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("encoder not reachable at %s: %w", e.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("encoder health returned status %d", resp.StatusCode)
	}
	return nil
}

// Name returns the engine name.
func (e *HTTPEngine) Name() string {
	return fmt.Sprintf("http:%s", e.endpoint)
}

func (e *HTTPEngine) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("encoder request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("encoder returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// =============================================================================
// HTTP API TYPES
// =============================================================================

type httpTextRequest struct {
	Texts []string `json:"texts"`
}

type httpTextResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type httpImageRequest struct {
	Image    string `json:"image"`
	MIMEType string `json:"mime_type"`
}

type httpImageResponse struct {
	Embedding []float32 `json:"embedding"`
}
