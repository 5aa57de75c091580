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

// Package admission implements the Admission Controller: it decides
// whether a freshly uploaded input file and endpoint/model choice may
// become a running job. Validation streams the JSONL line by line so a
// malformed multi-gigabyte upload never needs to be held in memory to
// be rejected.
package admission

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"batchd/internal/batch/apierr"
	"batchd/internal/batch/gpu"
	"batchd/internal/batch/model"
)

// maxLineBytes bounds a single JSONL line so a corrupt or adversarial
// file cannot grow bufio.Scanner's token buffer without limit.
const maxLineBytes = 8 << 20 // 8 MiB

// ModelResolver resolves a model name to its registry entry.
type ModelResolver interface {
	Resolve(ctx context.Context, name string) (*model.ModelInfo, error)
}

// EndpointChecker reports whether an endpoint path has a registered
// result-line builder.
type EndpointChecker interface {
	Supports(endpoint string) bool
}

// QueueDepthCounter reports how many jobs are currently queued and how
// many requests across them remain unprocessed, for backpressure
// decisions.
type QueueDepthCounter interface {
	QueuedJobCount(ctx context.Context) (int, error)
	// QueuedRequestTotal sums (request_total - checkpoint) over every
	// non-terminal job (validating or in_progress), i.e. the number of
	// requests still owed to the queue.
	QueuedRequestTotal(ctx context.Context) (int, error)
}

// Config bounds what the admission controller will accept.
type Config struct {
	MaxQueuedJobs          int
	MaxRequestsPerJob      int
	MaxTotalQueuedRequests int
}

// Controller validates and admits new batch jobs.
type Controller struct {
	cfg       Config
	models    ModelResolver
	endpoints EndpointChecker
	queue     QueueDepthCounter
	prober    gpu.Prober
}

// New constructs a Controller.
func New(cfg Config, models ModelResolver, endpoints EndpointChecker, queue QueueDepthCounter, prober gpu.Prober) *Controller {
	return &Controller{cfg: cfg, models: models, endpoints: endpoints, queue: queue, prober: prober}
}

// ValidationResult summarizes a successfully parsed input file.
type ValidationResult struct {
	RequestCount int
}

// CheckBackpressure rejects new submissions once the queue is saturated.
// It runs after ValidateInput has counted the file's lines. requestCount is
// the size of the file about to be admitted; it counts toward the
// MaxTotalQueuedRequests ceiling alongside every request still owed by
// already-admitted jobs.
func (c *Controller) CheckBackpressure(ctx context.Context, requestCount int) error {
	if c.queue == nil {
		return nil
	}
	n, err := c.queue.QueuedJobCount(ctx)
	if err != nil {
		return apierr.Internal(fmt.Errorf("check queue depth: %w", err))
	}
	if c.cfg.MaxQueuedJobs > 0 && n >= c.cfg.MaxQueuedJobs {
		return apierr.TooManyRequests(apierr.CodeQueueFull, fmt.Errorf("queue is at capacity (%d jobs)", n))
	}
	if c.cfg.MaxTotalQueuedRequests > 0 {
		owed, err := c.queue.QueuedRequestTotal(ctx)
		if err != nil {
			return apierr.Internal(fmt.Errorf("check queued request total: %w", err))
		}
		if owed+requestCount > c.cfg.MaxTotalQueuedRequests {
			return apierr.TooManyRequests(apierr.CodeQueueFull,
				fmt.Errorf("admitting %d requests would exceed the %d max total queued requests (%d already queued)",
					requestCount, c.cfg.MaxTotalQueuedRequests, owed))
		}
	}
	return nil
}

// CheckGPUHealth rejects admission when the accelerator reports an
// unhealthy state; there is no point admitting work the worker cannot
// currently run.
func (c *Controller) CheckGPUHealth(ctx context.Context) error {
	if c.prober == nil {
		return nil
	}
	h, err := c.prober.Probe(ctx)
	if err != nil {
		return apierr.ServiceUnavailable(apierr.CodeGPUUnavailable, fmt.Errorf("probe gpu: %w", err))
	}
	if !h.Healthy {
		return apierr.ServiceUnavailable(apierr.CodeGPUUnavailable, fmt.Errorf("gpu unhealthy: %s", h.Reason))
	}
	return nil
}

// CheckEndpointAndModel validates the endpoint is supported and the
// model is registered before a single byte of the input file is parsed.
func (c *Controller) CheckEndpointAndModel(ctx context.Context, endpoint, modelName string) error {
	if c.endpoints != nil && !c.endpoints.Supports(endpoint) {
		return apierr.Invalid(apierr.CodeInvalidRequest, fmt.Errorf("unsupported endpoint %q", endpoint))
	}
	if c.models != nil {
		if _, err := c.models.Resolve(ctx, modelName); err != nil {
			return err
		}
	}
	return nil
}

// ValidateInput streams r line by line, parsing each as a
// BatchRequestLine. Each malformed line, missing custom_id, duplicate
// custom_id, or empty messages list adds one entry to the returned
// problems and the scan goes on; a non-empty problems list means the file
// is not admitted. The returned error is set only when the per-job request
// count ceiling is exceeded or reading fails. It never buffers the full
// file in memory: only one line is held at a time.
func (c *Controller) ValidateInput(r io.Reader) (ValidationResult, []apierr.Error, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	seen := make(map[string]struct{})
	var problems []apierr.Error
	count := 0

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		count++
		if c.cfg.MaxRequestsPerJob > 0 && count > c.cfg.MaxRequestsPerJob {
			return ValidationResult{}, nil, apierr.Invalid(apierr.CodeValidationFailed,
				fmt.Errorf("input exceeds max requests per job (%d)", c.cfg.MaxRequestsPerJob))
		}

		var req model.BatchRequestLine
		if err := json.Unmarshal(line, &req); err != nil {
			problems = append(problems, *apierr.Invalid(apierr.CodeValidationFailed, fmt.Errorf("line %d: malformed JSON: %w", count, err)))
			continue
		}
		if req.CustomID == "" {
			problems = append(problems, *apierr.Invalid(apierr.CodeValidationFailed, fmt.Errorf("line %d: missing custom_id", count)))
			continue
		}
		if _, dup := seen[req.CustomID]; dup {
			problems = append(problems, *apierr.Invalid(apierr.CodeValidationFailed, fmt.Errorf("line %d: duplicate custom_id %q", count, req.CustomID)))
			continue
		}
		if len(req.Body.Messages) == 0 {
			problems = append(problems, *apierr.Invalid(apierr.CodeValidationFailed, fmt.Errorf("line %d: messages must not be empty", count)))
			continue
		}
		seen[req.CustomID] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return ValidationResult{}, nil, apierr.Internal(fmt.Errorf("read input file: %w", err))
	}
	if count == 0 {
		problems = append(problems, *apierr.Invalid(apierr.CodeValidationFailed, fmt.Errorf("input file contains no request lines")))
	}

	return ValidationResult{RequestCount: count}, problems, nil
}
