package admission

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

import (
	"context"
	"strings"
	"testing"

	"batchd/internal/batch/apierr"
	"batchd/internal/batch/gpu"
	"batchd/internal/batch/model"
)

type fakeModels struct {
	known map[string]*model.ModelInfo
}

func (f fakeModels) Resolve(ctx context.Context, name string) (*model.ModelInfo, error) {
	if m, ok := f.known[name]; ok {
		return m, nil
	}
	return nil, apierr.NotFound(apierr.CodeModelNotFound, nil)
}

type fakeEndpoints struct{ supported map[string]bool }

func (f fakeEndpoints) Supports(endpoint string) bool { return f.supported[endpoint] }

type fakeQueue struct {
	n    int
	owed int
}

func (f fakeQueue) QueuedJobCount(ctx context.Context) (int, error) { return f.n, nil }

func (f fakeQueue) QueuedRequestTotal(ctx context.Context) (int, error) { return f.owed, nil }

func TestValidateInputAcceptsWellFormedJSONL(t *testing.T) {
	c := New(Config{MaxRequestsPerJob: 10}, nil, nil, nil, nil)
	input := strings.Join([]string{
		`{"custom_id":"r1","method":"POST","url":"/v1/chat/completions","body":{"model":"m","messages":[{"role":"user","content":"hi"}]}}`,
		`{"custom_id":"r2","method":"POST","url":"/v1/chat/completions","body":{"model":"m","messages":[{"role":"user","content":"yo"}]}}`,
	}, "\n")
	result, problems, err := c.ValidateInput(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ValidateInput returned error: %v", err)
	}
	if len(problems) != 0 {
		t.Fatalf("expected no problems, got %+v", problems)
	}
	if result.RequestCount != 2 {
		t.Fatalf("expected 2 requests, got %d", result.RequestCount)
	}
}

func TestValidateInputFlagsDuplicateCustomID(t *testing.T) {
	c := New(Config{}, nil, nil, nil, nil)
	input := strings.Join([]string{
		`{"custom_id":"dup","method":"POST","url":"/v1/chat/completions","body":{"model":"m","messages":[{"role":"user","content":"hi"}]}}`,
		`{"custom_id":"dup","method":"POST","url":"/v1/chat/completions","body":{"model":"m","messages":[{"role":"user","content":"hi"}]}}`,
	}, "\n")
	_, problems, err := c.ValidateInput(strings.NewReader(input))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(problems) != 1 {
		t.Fatalf("expected 1 problem, got %d: %+v", len(problems), problems)
	}
}

func TestValidateInputFlagsMalformedLine(t *testing.T) {
	c := New(Config{}, nil, nil, nil, nil)
	_, problems, err := c.ValidateInput(strings.NewReader("not json\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(problems) != 1 {
		t.Fatalf("expected 1 problem, got %d", len(problems))
	}
}

func TestValidateInputFlagsEmptyMessages(t *testing.T) {
	c := New(Config{}, nil, nil, nil, nil)
	_, problems, err := c.ValidateInput(strings.NewReader(
		`{"custom_id":"r1","method":"POST","url":"/v1/chat/completions","body":{"model":"m","messages":[]}}`,
	))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(problems) != 1 {
		t.Fatalf("expected 1 problem for empty messages, got %d: %+v", len(problems), problems)
	}
}

func TestValidateInputRejectsEmptyFile(t *testing.T) {
	c := New(Config{}, nil, nil, nil, nil)
	_, problems, err := c.ValidateInput(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(problems) != 1 {
		t.Fatalf("expected 1 problem for empty file, got %d", len(problems))
	}
}

func TestValidateInputEnforcesMaxRequestsPerJob(t *testing.T) {
	c := New(Config{MaxRequestsPerJob: 1}, nil, nil, nil, nil)
	input := strings.Join([]string{
		`{"custom_id":"r1","method":"POST","url":"/v1/chat/completions","body":{}}`,
		`{"custom_id":"r2","method":"POST","url":"/v1/chat/completions","body":{}}`,
	}, "\n")
	_, _, err := c.ValidateInput(strings.NewReader(input))
	if err == nil {
		t.Fatalf("expected error for exceeding max requests per job")
	}
}

func TestCheckBackpressureRejectsWhenQueueFull(t *testing.T) {
	c := New(Config{MaxQueuedJobs: 2}, nil, nil, fakeQueue{n: 2}, nil)
	err := c.CheckBackpressure(context.Background(), 1)
	if err == nil {
		t.Fatalf("expected backpressure error")
	}
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != apierr.CodeQueueFull {
		t.Fatalf("expected CodeQueueFull, got %v", err)
	}
}

func TestCheckBackpressureRejectsWhenTotalQueuedRequestsWouldExceedCeiling(t *testing.T) {
	c := New(Config{MaxTotalQueuedRequests: 100}, nil, nil, fakeQueue{n: 1, owed: 90}, nil)
	err := c.CheckBackpressure(context.Background(), 20)
	if err == nil {
		t.Fatalf("expected backpressure error for exceeding max total queued requests")
	}
	apiErr, ok := err.(*apierr.Error)
	if !ok || apiErr.Code != apierr.CodeQueueFull {
		t.Fatalf("expected CodeQueueFull, got %v", err)
	}
}

func TestCheckBackpressureAllowsWithinTotalQueuedRequestsCeiling(t *testing.T) {
	c := New(Config{MaxTotalQueuedRequests: 100}, nil, nil, fakeQueue{n: 1, owed: 50}, nil)
	if err := c.CheckBackpressure(context.Background(), 20); err != nil {
		t.Fatalf("unexpected backpressure error: %v", err)
	}
}

func TestCheckGPUHealthRejectsWhenUnhealthy(t *testing.T) {
	c := New(Config{}, nil, nil, nil, gpu.StaticProber{Health: gpu.Health{Healthy: false, Reason: "overheating"}})
	err := c.CheckGPUHealth(context.Background())
	if err == nil {
		t.Fatalf("expected gpu health error")
	}
}

func TestCheckEndpointAndModel(t *testing.T) {
	c := New(Config{}, fakeModels{known: map[string]*model.ModelInfo{"m1": {Name: "m1"}}}, fakeEndpoints{supported: map[string]bool{"/v1/chat/completions": true}}, nil, nil)
	if err := c.CheckEndpointAndModel(context.Background(), "/v1/chat/completions", "m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.CheckEndpointAndModel(context.Background(), "/v1/embeddings", "m1"); err == nil {
		t.Fatalf("expected error for unsupported endpoint")
	}
	if err := c.CheckEndpointAndModel(context.Background(), "/v1/chat/completions", "unknown"); err == nil {
		t.Fatalf("expected error for unknown model")
	}
}
