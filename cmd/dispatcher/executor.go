package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/workforce/pkg/workforce"
)

// TaskExecutor dispatches one assigned task to an external worker and
// returns the result envelope the engine expects via SubmitResult.
// This is the "workers execute tasks externally and return envelopes"
// collaborator from the engine's external-interfaces contract.
type TaskExecutor interface {
	Execute(ctx context.Context, task workforce.TaskSnapshot, workerID string) (map[string]any, error)
}

// HTTPTaskExecutor posts the task payload to a worker endpoint over a
// connection-pooled client, propagating the caller's trace context.
type HTTPTaskExecutor struct {
	client      *http.Client
	endpointFor func(workerID string) string
	tracer      trace.Tracer
}

// NewHTTPTaskExecutor builds an executor over a connection-pooled
// client; endpointFor resolves a worker id to the full URL that
// Execute posts to.
func NewHTTPTaskExecutor(client *http.Client, endpointFor func(string) string) *HTTPTaskExecutor {
	if client == nil {
		client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPTaskExecutor{client: client, endpointFor: endpointFor, tracer: otel.Tracer("workforce-dispatcher-http")}
}

// Execute posts {taskId, title, requiredCapabilities, attempt,
// metadata} to the worker's endpoint and parses a JSON object result.
func (h *HTTPTaskExecutor) Execute(ctx context.Context, task workforce.TaskSnapshot, workerID string) (map[string]any, error) {
	ctx, span := h.tracer.Start(ctx, "http.dispatch", trace.WithAttributes(
		attribute.String("task_id", task.ID),
		attribute.String("worker_id", workerID),
	))
	defer span.End()

	url := h.endpointFor(workerID)
	if url == "" {
		return nil, fmt.Errorf("no endpoint registered for worker %q", workerID)
	}

	payload := map[string]any{
		"taskId":               task.ID,
		"title":                task.Title,
		"requiredCapabilities": task.RequiredCapabilities,
		"attempt":              task.Attempt,
		"metadata":             task.Metadata,
	}
	bodyJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal task payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(bodyJSON)))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", task.ID)
	req.Header.Set("X-Worker-ID", workerID)
	otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{req.Header})

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("worker returned %d: %s", resp.StatusCode, string(respBody))
	}

	if len(respBody) == 0 {
		return map[string]any{"status_code": resp.StatusCode}, nil
	}
	var result map[string]any
	if err := json.Unmarshal(respBody, &result); err != nil {
		return map[string]any{"body": string(respBody), "status_code": resp.StatusCode}, nil
	}
	return result, nil
}

// headerCarrier adapts http.Header for OpenTelemetry trace-context
// propagation.
type headerCarrier struct {
	header http.Header
}

func (hc *headerCarrier) Get(key string) string { return hc.header.Get(key) }
func (hc *headerCarrier) Set(key, value string) { hc.header.Set(key, value) }
func (hc *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc.header))
	for k := range hc.header {
		keys = append(keys, k)
	}
	return keys
}
