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

// Package integration_test drives a batch end to end through the real
// store, blob store, admission controller, scheduler and webhook
// dispatcher wired together the way the two cmd/batchd-* binaries wire
// them, with only the inference engine and the client's webhook
// receiver stubbed out.
package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"batchd/internal/batch/admission"
	"batchd/internal/batch/api"
	"batchd/internal/batch/blobstore"
	"batchd/internal/batch/gpu"
	"batchd/internal/batch/inference"
	"batchd/internal/batch/model"
	"batchd/internal/batch/registry"
	"batchd/internal/batch/resultline"
	"batchd/internal/batch/scheduler"
	"batchd/internal/batch/store"
	"batchd/internal/batch/webhook"
)

type harness struct {
	api     *api.API
	store   *store.Store
	blobs   *blobstore.Store
	sched   *scheduler.Scheduler
	webhook *webhook.Dispatcher
	mux     *http.ServeMux
}

func setupHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.Open(ctx, filepath.Join(dir, "batchd.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	blobs, err := blobstore.Open(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("open blobstore: %v", err)
	}

	models := registry.New(st)
	if err := registry.SeedDefaults(ctx, models); err != nil {
		t.Fatalf("seed models: %v", err)
	}

	results := resultline.NewRegistry()
	adm := admission.New(admission.Config{MaxQueuedJobs: 10, MaxRequestsPerJob: 100}, models, results, jobCounter{st}, gpu.NoopProber{})

	a := api.New(st, blobs, adm, models, nil)
	mux := http.NewServeMux()
	a.Register(mux)

	sched := scheduler.New(st, blobs, inference.NewNoopClient(nil), gpu.NoopProber{}, results, scheduler.Config{
		WorkerID:     "test-worker",
		PollInterval: 20 * time.Millisecond,
		LeaseTTL:     time.Minute,
		ChunkSize:    2,
	}, nil)

	dispatcher := webhook.New(st, webhook.Config{
		PollInterval: 20 * time.Millisecond,
		RatePerSec:   50,
	}, nil)

	return &harness{api: a, store: st, blobs: blobs, sched: sched, webhook: dispatcher, mux: mux}
}

type jobCounter struct{ st *store.Store }

func (j jobCounter) QueuedJobCount(ctx context.Context) (int, error) {
	validating, err := j.st.ListJobsByStatus(ctx, model.JobStatusValidating)
	if err != nil {
		return 0, err
	}
	inProgress, err := j.st.ListJobsByStatus(ctx, model.JobStatusInProgress)
	if err != nil {
		return 0, err
	}
	return len(validating) + len(inProgress), nil
}

func (j jobCounter) QueuedRequestTotal(ctx context.Context) (int, error) {
	return j.st.SumQueuedRequests(ctx)
}

func (h *harness) do(t *testing.T, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	w := httptest.NewRecorder()
	h.mux.ServeHTTP(w, req)
	return w
}

// TestBatchCompletesAndDeliversWebhook uploads an input file, creates a
// batch against it, runs the scheduler and webhook dispatcher for one
// job cycle, and checks the batch reaches "completed" with an output
// file readable through the same HTTP surface a client would use, and
// that the client's registered webhook receives the completion event.
func TestBatchCompletesAndDeliversWebhook(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping scheduler/webhook cycle in short mode")
	}

	h := setupHarness(t)

	var received []webhook.Payload
	receivedCh := make(chan webhook.Payload, 4)
	receiver := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p webhook.Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
			receivedCh <- p
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(receiver.Close)

	input := `{"custom_id":"req-1","body":{"model":"llama-3-8b","messages":[{"role":"user","content":"hello"}]}}` + "\n" +
		`{"custom_id":"req-2","body":{"model":"llama-3-8b","messages":[{"role":"user","content":"world"}]}}` + "\n"

	uploadResp := h.do(t, http.MethodPost, "/v1/files?purpose=input", strings.NewReader(input))
	if uploadResp.Code != http.StatusOK {
		t.Fatalf("upload file: %d %s", uploadResp.Code, uploadResp.Body.String())
	}
	var uploaded api.FileDTO
	if err := json.Unmarshal(uploadResp.Body.Bytes(), &uploaded); err != nil {
		t.Fatalf("decode uploaded file: %v", err)
	}

	createReq := api.CreateBatchRequest{
		InputFileID:      uploaded.ID,
		Endpoint:         "/v1/chat/completions",
		Model:            "llama-3-8b",
		CompletionWindow: "24h",
		WebhookURL:       receiver.URL,
		WebhookSecret:    "s3cr3t",
	}
	createBody, _ := json.Marshal(createReq)
	createResp := h.do(t, http.MethodPost, "/v1/batches", strings.NewReader(string(createBody)))
	if createResp.Code != http.StatusOK {
		t.Fatalf("create batch: %d %s", createResp.Code, createResp.Body.String())
	}
	var batch api.BatchDTO
	if err := json.Unmarshal(createResp.Body.Bytes(), &batch); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if batch.Status != model.JobStatusValidating.String() {
		t.Fatalf("expected job to remain validating until the scheduler picks it up, got %q", batch.Status)
	}
	if batch.RequestCounts.Total != 2 {
		t.Fatalf("expected 2 requests, got %d", batch.RequestCounts.Total)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go h.sched.Run(runCtx)
	go h.webhook.Run(runCtx)

	var final api.BatchDTO
	deadline := time.After(2 * time.Second)
waitCompleted:
	for {
		select {
		case <-deadline:
			t.Fatalf("batch did not complete in time, last status %q", final.Status)
		case <-time.After(20 * time.Millisecond):
			resp := h.do(t, http.MethodGet, "/v1/batches/"+batch.ID, nil)
			if resp.Code != http.StatusOK {
				continue
			}
			if err := json.Unmarshal(resp.Body.Bytes(), &final); err != nil {
				t.Fatalf("decode batch poll: %v", err)
			}
			if final.Status == model.JobStatusCompleted.String() {
				break waitCompleted
			}
		}
	}

	if final.OutputFileID == nil || *final.OutputFileID == "" {
		t.Fatal("expected output file id on completed batch")
	}
	if final.RequestCounts.Completed != 2 {
		t.Fatalf("expected 2 completed requests, got %d", final.RequestCounts.Completed)
	}

	contentResp := h.do(t, http.MethodGet, "/v1/files/"+*final.OutputFileID+"/content", nil)
	if contentResp.Code != http.StatusOK {
		t.Fatalf("get output content: %d", contentResp.Code)
	}
	if !strings.Contains(contentResp.Body.String(), "echo: hello") {
		t.Fatalf("expected echoed content in output, got %q", contentResp.Body.String())
	}

	select {
	case p := <-receivedCh:
		received = append(received, p)
		if p.ID != batch.ID {
			t.Fatalf("webhook delivered for wrong job: %q", p.ID)
		}
		if p.Status != model.JobStatusCompleted.String() {
			t.Fatalf("expected completed status in webhook payload, got %q", p.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered in time")
	}
	if len(received) == 0 {
		t.Fatal("expected at least one webhook delivery")
	}
}

// TestCreateBatchRejectsUnknownEndpoint exercises the synchronous
// admission path through the real HTTP surface: an endpoint with no
// registered result-line builder must fail fast at creation time rather
// than leaving a job stuck validating.
func TestCreateBatchRejectsUnknownEndpoint(t *testing.T) {
	h := setupHarness(t)

	uploadResp := h.do(t, http.MethodPost, "/v1/files?purpose=input", strings.NewReader(
		`{"custom_id":"r1","body":{"model":"llama-3-8b","messages":[{"role":"user","content":"hi"}]}}`+"\n"))
	var uploaded api.FileDTO
	json.Unmarshal(uploadResp.Body.Bytes(), &uploaded)

	createReq := api.CreateBatchRequest{InputFileID: uploaded.ID, Endpoint: "/v1/embeddings", Model: "llama-3-8b"}
	createBody, _ := json.Marshal(createReq)
	resp := h.do(t, http.MethodPost, "/v1/batches", strings.NewReader(string(createBody)))
	if resp.Code != http.StatusBadRequest && resp.Code != http.StatusNotFound {
		t.Fatalf("expected rejection for unsupported endpoint, got %d %s", resp.Code, resp.Body.String())
	}
}
