package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/Auro-rium/aex/internal/domain"
)

// HTTPProviderClient calls an OpenAI-compatible provider endpoint for
// non-streaming routes. One instance is shared across all models that
// route to the same provider base URL.
type HTTPProviderClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	endpoints  map[domain.Route]string
}

// NewHTTPProviderClient builds a client for one upstream provider. endpoints
// maps northbound routes to provider-side request paths, e.g.
// {RouteChat: "/v1/chat/completions", RouteEmbeddings: "/v1/embeddings"}.
func NewHTTPProviderClient(baseURL, apiKey string, endpoints map[domain.Route]string, timeout time.Duration) *HTTPProviderClient {
	return &HTTPProviderClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		endpoints:  endpoints,
	}
}

// Do implements UpstreamClient.
func (c *HTTPProviderClient) Do(ctx context.Context, exec domain.Execution, patch map[string]any, payload []byte) (UpstreamResponse, error) {
	body, err := applyPatch(payload, patch)
	if err != nil {
		return UpstreamResponse{}, fmt.Errorf("provider: apply patch: %w", err)
	}

	path, ok := c.endpoints[exec.Route]
	if !ok {
		return UpstreamResponse{}, fmt.Errorf("provider: no endpoint configured for route %q", exec.Route)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return UpstreamResponse{}, fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return UpstreamResponse{}, fmt.Errorf("provider: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return UpstreamResponse{}, fmt.Errorf("provider: read response: %w", err)
	}

	in, out, reported := extractUsage(respBody)
	return UpstreamResponse{
		StatusCode:    resp.StatusCode,
		Body:          respBody,
		InputTokens:   in,
		OutputTokens:  out,
		UsageReported: reported,
	}, nil
}

// applyPatch merges a policy-produced patch into the caller's payload
// before it reaches the provider. An empty patch returns payload unchanged.
func applyPatch(payload []byte, patch map[string]any) ([]byte, error) {
	if len(patch) == 0 {
		return payload, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, err
	}
	if decoded == nil {
		decoded = map[string]any{}
	}
	for k, v := range patch {
		decoded[k] = v
	}
	return json.Marshal(decoded)
}

// extractUsage reads the OpenAI-compatible usage block from a completed
// response body.
func extractUsage(body []byte) (inputTokens, outputTokens int64, reported bool) {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return 0, 0, false
	}
	return usage.Get("prompt_tokens").Int(), usage.Get("completion_tokens").Int(), true
}

// HTTPStreamingProviderClient calls an OpenAI-compatible SSE endpoint.
type HTTPStreamingProviderClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	endpoints  map[domain.Route]string
}

// NewHTTPStreamingProviderClient builds a streaming client sharing the same
// endpoint map convention as NewHTTPProviderClient.
func NewHTTPStreamingProviderClient(baseURL, apiKey string, endpoints map[domain.Route]string, timeout time.Duration) *HTTPStreamingProviderClient {
	return &HTTPStreamingProviderClient{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		endpoints:  endpoints,
	}
}

// Stream implements StreamingUpstreamClient, relaying server-sent events
// as they arrive and closing the channel once the provider sends "[DONE]"
// or the response body is exhausted.
func (c *HTTPStreamingProviderClient) Stream(ctx context.Context, exec domain.Execution, patch map[string]any, payload []byte) (<-chan StreamFrame, error) {
	body, err := applyPatch(payload, patch)
	if err != nil {
		return nil, fmt.Errorf("provider: apply patch: %w", err)
	}
	path, ok := c.endpoints[exec.Route]
	if !ok {
		return nil, fmt.Errorf("provider: no endpoint configured for route %q", exec.Route)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: request failed: %w", err)
	}

	frames := make(chan StreamFrame)
	go relaySSE(resp.Body, frames)
	return frames, nil
}

func relaySSE(body io.ReadCloser, frames chan<- StreamFrame) {
	defer close(frames)
	defer body.Close()

	var lastIn, lastOut int64
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			frames <- StreamFrame{Done: true, InputTokens: lastIn, OutputTokens: lastOut}
			return
		}
		if usage := gjson.Get(data, "usage"); usage.Exists() {
			lastIn = usage.Get("prompt_tokens").Int()
			lastOut = usage.Get("completion_tokens").Int()
			frames <- StreamFrame{Data: []byte(data), InputTokens: lastIn, OutputTokens: lastOut, UsageReported: true}
			continue
		}
		frames <- StreamFrame{Data: []byte(data)}
	}
	if err := scanner.Err(); err != nil {
		frames <- StreamFrame{Err: err}
		return
	}
	frames <- StreamFrame{Done: true, InputTokens: lastIn, OutputTokens: lastOut}
}
