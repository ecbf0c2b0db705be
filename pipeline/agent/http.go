// Package agent provides collaborator implementations for pipeline
// recipes.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/dshills/recipeflow-go/pipeline"
)

// HTTPInvoker calls an external agent service over HTTP. The wire
// contract is one POST per invocation: the request body is the payload
// snapshot as JSON, the response body is the partial payload to merge
// back. Non-2xx responses and malformed bodies are invocation errors,
// which the engine treats as the agent failing.
type HTTPInvoker struct {
	// URL is the agent service endpoint.
	URL string

	// Headers are added to every request, such as authorization.
	Headers map[string]string

	client *http.Client
}

// NewHTTPInvoker creates an invoker for the given endpoint. Deadlines
// come from the invocation context; wrap with WithTimeout to bound
// individual calls.
func NewHTTPInvoker(url string) *HTTPInvoker {
	return &HTTPInvoker{
		URL:    url,
		client: &http.Client{},
	}
}

// Invoke posts the payload and decodes the response as the partial
// payload to merge.
func (h *HTTPInvoker) Invoke(ctx context.Context, payload pipeline.Payload) (pipeline.Payload, error) {
	if h.URL == "" {
		return nil, errors.New("agent service URL is empty")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range h.Headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call agent service: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read agent response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agent service returned %d: %s", resp.StatusCode, snippet(respBody))
	}

	var out pipeline.Payload
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode agent response: %w", err)
	}
	return out, nil
}

// snippet keeps error messages readable when the service returns a
// large body.
func snippet(body []byte) string {
	const max = 256
	if len(body) <= max {
		return string(body)
	}
	return string(body[:max]) + "..."
}
