// batchd is a self-hosted batch-inference server.
// Copyright (C) 2026 batchd contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package inference defines the contract the scheduler uses to talk to
// whatever local inference engine is actually loaded and run requests
// against it. Phase 1 ships a no-op stub (for developing and testing the
// rest of the control plane without a GPU) and a generic HTTP client
// that speaks the OpenAI chat-completions wire format, so any engine
// exposing that surface (vLLM, llama.cpp server, text-generation-webui)
// can be wired in without a client rewrite.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"batchd/internal/batch/httputil"
	"batchd/internal/batch/model"
)

// Client is the interface the scheduler uses to load/unload models and
// run a chunk of chat-completion requests against the currently loaded
// one. Implementations must tolerate being called for the model that is
// already loaded (a no-op).
type Client interface {
	// LoadModel makes modelName the active model, evicting any other
	// model first. Must be idempotent if modelName is already loaded.
	LoadModel(ctx context.Context, modelName string) error
	// UnloadModel releases whatever model is currently loaded.
	UnloadModel(ctx context.Context) error
	// Generate runs reqs against the currently loaded model and returns
	// exactly one Outcome per request, in order. A non-nil error means
	// the chunk could not be attempted at all (e.g. the engine is
	// unreachable) and carries no outcomes; the scheduler treats that as
	// a chunk-level failure worth retrying at a smaller chunk size
	// before giving up on the remaining requests individually. A
	// per-request problem that does not indict the whole chunk (a bad
	// request, a context-length violation) is reported as that request's
	// Outcome.Err instead, and Generate keeps going.
	Generate(ctx context.Context, reqs []model.BatchRequestBody) ([]Outcome, error)
	// Close releases any resources held by the client.
	Close() error
}

// Outcome is the result of one request inside a Generate call: exactly
// one of Response or Err is set.
type Outcome struct {
	Response model.BatchResponseBody
	Err      *InferenceError
}

// InferenceError distinguishes transient failures (worth retrying within
// the job's remaining attempts) from fatal ones (the request itself is
// unservable, e.g. a context-length violation), and carries the error
// taxonomy code the result line and DLQ record it under.
type InferenceError struct {
	Retriable bool
	Code      string
	Err       error
}

func (e *InferenceError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("inference: %v", e.Err)
}

func (e *InferenceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func asInferenceError(err error) *InferenceError {
	var ie *InferenceError
	if errors.As(err, &ie) {
		return ie
	}
	return &InferenceError{Retriable: false, Code: "generation_error", Err: err}
}

// NoopClient is a phase-1 stub that logs intended operations and
// fabricates a deterministic completion, letting the rest of the
// scheduler be developed and tested without a real engine attached.
type NoopClient struct {
	logger *slog.Logger
	loaded string
}

// NewNoopClient constructs a no-op inference client.
func NewNoopClient(logger *slog.Logger) *NoopClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &NoopClient{logger: logger}
}

func (c *NoopClient) LoadModel(ctx context.Context, modelName string) error {
	c.logger.Info("noop inference: load model", "model", modelName)
	c.loaded = modelName
	return nil
}

func (c *NoopClient) UnloadModel(ctx context.Context) error {
	c.logger.Info("noop inference: unload model", "model", c.loaded)
	c.loaded = ""
	return nil
}

func (c *NoopClient) Generate(ctx context.Context, reqs []model.BatchRequestBody) ([]Outcome, error) {
	outcomes := make([]Outcome, len(reqs))
	for i, req := range reqs {
		var content string
		if len(req.Messages) > 0 {
			content = fmt.Sprintf("echo: %s", req.Messages[len(req.Messages)-1].Content)
		}
		outcomes[i] = Outcome{Response: model.BatchResponseBody{
			Object: "chat.completion",
			Model:  c.loaded,
			Choices: []model.ChatChoice{{
				Index:        0,
				Message:      model.BatchMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			}},
			Usage: model.Usage{PromptTokens: 0, CompletionTokens: 0, TotalTokens: 0},
		}}
	}
	return outcomes, nil
}

func (c *NoopClient) Close() error { return nil }

var _ Client = (*NoopClient)(nil)

// Config controls the HTTPClient's connection to an engine that exposes
// an OpenAI-compatible /v1/chat/completions and a couple of model
// management endpoints.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RetryMax   int
	RetryBase  time.Duration
	RetryCap   time.Duration
	Logger     *slog.Logger
}

// HTTPClient talks to a locally hosted inference engine over HTTP.
type HTTPClient struct {
	cfg Config
	hc  *http.Client
}

// NewHTTPClient builds an HTTPClient from cfg, filling in defaults for
// any zero-valued retry/timeout fields.
func NewHTTPClient(cfg Config) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 200 * time.Millisecond
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 4 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPClient{cfg: cfg, hc: &http.Client{Timeout: cfg.Timeout}}
}

func (c *HTTPClient) LoadModel(ctx context.Context, modelName string) error {
	body, _ := json.Marshal(map[string]string{"model": modelName})
	return c.postJSON(ctx, "/v1/internal/load_model", body, nil)
}

func (c *HTTPClient) UnloadModel(ctx context.Context) error {
	return c.postJSON(ctx, "/v1/internal/unload_model", nil, nil)
}

// complete runs a single chat-completion request. The engines this
// client talks to (vLLM, llama.cpp server, text-generation-webui) expose
// one-request-at-a-time HTTP endpoints, so Generate below fans a chunk
// out into a sequence of these calls rather than a single batch POST.
func (c *HTTPClient) complete(ctx context.Context, req model.BatchRequestBody) (model.BatchResponseBody, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return model.BatchResponseBody{}, &InferenceError{Retriable: false, Code: "invalid_request", Err: fmt.Errorf("encode request: %w", err)}
	}
	var resp model.BatchResponseBody
	if err := c.postJSON(ctx, "/v1/chat/completions", body, &resp); err != nil {
		return model.BatchResponseBody{}, err
	}
	return resp, nil
}

// Generate runs reqs one at a time against the engine. A retriable
// failure (connection refused, 5xx, 429) aborts the whole chunk so the
// scheduler can retry it at a smaller size; a non-retriable failure
// (4xx) only fails that one request and Generate continues with the
// rest, since it says nothing about whether the engine can serve the
// others.
func (c *HTTPClient) Generate(ctx context.Context, reqs []model.BatchRequestBody) ([]Outcome, error) {
	outcomes := make([]Outcome, len(reqs))
	for i, req := range reqs {
		resp, err := c.complete(ctx, req)
		if err != nil {
			ie := asInferenceError(err)
			if ie.Retriable {
				return nil, fmt.Errorf("chunk generation stopped at request %d of %d: %w", i, len(reqs), err)
			}
			outcomes[i] = Outcome{Err: ie}
			continue
		}
		outcomes[i] = Outcome{Response: resp}
	}
	return outcomes, nil
}

func (c *HTTPClient) Close() error { return nil }

var _ Client = (*HTTPClient)(nil)

func (c *HTTPClient) postJSON(ctx context.Context, path string, body []byte, out any) error {
	url := c.cfg.BaseURL + path

	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryMax; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return &InferenceError{Retriable: false, Code: "invalid_request", Err: err}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.hc.Do(req)
		if err != nil {
			lastErr = err
			c.sleepBackoff(ctx, attempt)
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			c.sleepBackoff(ctx, attempt)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out != nil {
				if err := json.Unmarshal(respBody, out); err != nil {
					return &InferenceError{Retriable: false, Code: "generation_error", Err: fmt.Errorf("decode response: %w", err)}
				}
			}
			return nil
		case resp.StatusCode == 429 || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("engine returned %d: %s", resp.StatusCode, string(respBody))
			c.sleepBackoff(ctx, attempt)
			continue
		default:
			return &InferenceError{Retriable: false, Code: "bad_request_line", Err: fmt.Errorf("engine returned %d: %s", resp.StatusCode, string(respBody))}
		}
	}
	return &InferenceError{Retriable: true, Code: "inference_transient", Err: lastErr}
}

func (c *HTTPClient) sleepBackoff(ctx context.Context, attempt int) {
	d := httputil.Backoff(attempt, c.cfg.RetryBase, c.cfg.RetryCap)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
