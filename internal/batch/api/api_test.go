package api

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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"batchd/internal/batch/admission"
	"batchd/internal/batch/gpu"
	"batchd/internal/batch/model"
	"batchd/internal/batch/registry"
	"batchd/internal/batch/store"
)

type fakeStore struct {
	mu       sync.Mutex
	files    map[string]model.File
	jobs     map[string]*model.Job
	canceled []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{files: map[string]model.File{}, jobs: map[string]*model.Job{}}
}

func (s *fakeStore) InsertFile(ctx context.Context, f model.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[f.ID] = f
	return nil
}

func (s *fakeStore) GetFile(ctx context.Context, id string) (*model.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, errNotFound
	}
	return &f, nil
}

func (s *fakeStore) InsertJob(ctx context.Context, j *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *fakeStore) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, errNotFound
	}
	return j, nil
}

func (s *fakeStore) MarkValidated(ctx context.Context, id string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.RequestCounts.Total = total
	return nil
}

func (s *fakeStore) MarkValidationFailed(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	j.Status = model.JobStatusFailed
	j.LastError = &reason
	return nil
}

func (s *fakeStore) RequestCancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return errNotFound
	}
	if j.Status == model.JobStatusValidating {
		j.Status = model.JobStatusCancelled
	} else {
		j.Status = model.JobStatusCancelling
	}
	s.canceled = append(s.canceled, jobID)
	return nil
}

func (s *fakeStore) ListJobsByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error) {
	return nil, nil
}

func (s *fakeStore) ListJobs(ctx context.Context, filter store.JobFilter) ([]*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Job
	for _, j := range s.jobs {
		if filter.Status != nil && j.Status != *filter.Status {
			continue
		}
		if filter.Model != "" && j.ModelName != filter.Model {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

type fakeBlobs struct {
	mu   sync.Mutex
	blob map[string][]byte
	next int
}

func newFakeBlobs() *fakeBlobs { return &fakeBlobs{blob: map[string][]byte{}} }

func (b *fakeBlobs) Put(r io.Reader) (string, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	digest := fmt.Sprintf("sha256:fake-%d", b.next)
	b.blob[digest] = data
	return digest, int64(len(data)), nil
}

func (b *fakeBlobs) Open(digest string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.blob[digest]
	if !ok {
		return nil, errNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *fakeBlobs) HealthCheck() error { return nil }

type fakeRegistryStore struct {
	models map[string]model.ModelInfo
}

func (r *fakeRegistryStore) UpsertModel(ctx context.Context, m model.ModelInfo) error {
	r.models[m.Name] = m
	return nil
}
func (r *fakeRegistryStore) GetModel(ctx context.Context, name string) (*model.ModelInfo, error) {
	m, ok := r.models[name]
	if !ok {
		return nil, errNotFound
	}
	return &m, nil
}
func (r *fakeRegistryStore) ListModels(ctx context.Context) ([]model.ModelInfo, error) {
	var out []model.ModelInfo
	for _, m := range r.models {
		out = append(out, m)
	}
	return out, nil
}

type stubEndpoints struct{}

func (stubEndpoints) Supports(endpoint string) bool { return endpoint == "/v1/chat/completions" }

var errNotFound = errNotFoundErr{}

type errNotFoundErr struct{}

func (errNotFoundErr) Error() string { return "not found" }

func newTestAPI(t *testing.T) (*API, *fakeStore, *fakeBlobs) {
	t.Helper()
	store := newFakeStore()
	blobs := newFakeBlobs()
	regStore := &fakeRegistryStore{models: map[string]model.ModelInfo{"m1": {Name: "m1"}}}
	reg := registry.New(regStore)
	adm := admission.New(admission.Config{MaxQueuedJobs: 10, MaxRequestsPerJob: 100}, reg, stubEndpoints{}, nil, gpu.NoopProber{})
	return New(store, blobs, adm, reg, nil), store, blobs
}

func TestUploadAndFetchFile(t *testing.T) {
	a, _, _ := newTestAPI(t)
	mux := http.NewServeMux()
	a.Register(mux)

	req := httptest.NewRequest(http.MethodPost, "/v1/files?purpose=input", strings.NewReader("line1\nline2\n"))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("upload failed: %d %s", w.Code, w.Body.String())
	}
	var got FileDTO
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode file dto: %v", err)
	}
	if got.Purpose != "input" {
		t.Fatalf("unexpected purpose: %q", got.Purpose)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/v1/files/"+got.ID, nil)
	w2 := httptest.NewRecorder()
	mux.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("get file failed: %d", w2.Code)
	}
}

func TestCreateBatchValidatesAndTransitions(t *testing.T) {
	a, store, blobs := newTestAPI(t)
	mux := http.NewServeMux()
	a.Register(mux)

	digest, _, err := blobs.Put(strings.NewReader(`{"custom_id":"r1","body":{"model":"m1","messages":[{"role":"user","content":"hi"}]}}` + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	store.InsertFile(context.Background(), model.File{ID: digest, Purpose: model.FilePurposeInput})

	body, _ := json.Marshal(CreateBatchRequest{InputFileID: digest, Endpoint: "/v1/chat/completions", Model: "m1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("create batch failed: %d %s", w.Code, w.Body.String())
	}
	var dto BatchDTO
	if err := json.Unmarshal(w.Body.Bytes(), &dto); err != nil {
		t.Fatalf("decode batch dto: %v", err)
	}
	if dto.Status != model.JobStatusValidating.String() {
		t.Fatalf("expected job to remain validating until the scheduler picks it up, got %q", dto.Status)
	}
	if dto.RequestCounts.Total != 1 {
		t.Fatalf("expected request count 1, got %d", dto.RequestCounts.Total)
	}
}

func TestCreateBatchRejectsUnknownModel(t *testing.T) {
	a, store, blobs := newTestAPI(t)
	mux := http.NewServeMux()
	a.Register(mux)

	digest, _, _ := blobs.Put(strings.NewReader(`{"custom_id":"r1","body":{"model":"ghost"}}` + "\n"))
	store.InsertFile(context.Background(), model.File{ID: digest, Purpose: model.FilePurposeInput})

	body, _ := json.Marshal(CreateBatchRequest{InputFileID: digest, Endpoint: "/v1/chat/completions", Model: "ghost"})
	req := httptest.NewRequest(http.MethodPost, "/v1/batches", bytes.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unregistered model, got %d %s", w.Code, w.Body.String())
	}
}

func TestCancelBatch(t *testing.T) {
	a, store, _ := newTestAPI(t)
	mux := http.NewServeMux()
	a.Register(mux)

	job := model.NewJob("in-1", "/v1/chat/completions", "m1", "24h", nil, "", "", 0)
	job.ID = "job-1"
	job.Status = model.JobStatusInProgress
	store.InsertJob(context.Background(), &job)

	req := httptest.NewRequest(http.MethodDelete, "/v1/batches/job-1", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel failed: %d %s", w.Code, w.Body.String())
	}
	var dto BatchDTO
	json.Unmarshal(w.Body.Bytes(), &dto)
	if dto.Status != model.JobStatusCancelling.String() {
		t.Fatalf("expected cancelling status, got %q", dto.Status)
	}
}

func TestCancelBatchValidatingJobTransitionsDirectlyToCancelled(t *testing.T) {
	a, store, _ := newTestAPI(t)
	mux := http.NewServeMux()
	a.Register(mux)

	job := model.NewJob("in-1", "/v1/chat/completions", "m1", "24h", nil, "", "", 0)
	job.ID = "job-2"
	store.InsertJob(context.Background(), &job)

	req := httptest.NewRequest(http.MethodDelete, "/v1/batches/job-2", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel failed: %d %s", w.Code, w.Body.String())
	}
	var dto BatchDTO
	json.Unmarshal(w.Body.Bytes(), &dto)
	if dto.Status != model.JobStatusCancelled.String() {
		t.Fatalf("expected a still-validating job to cancel immediately, got %q", dto.Status)
	}
}

func TestListBatchesFiltersByStatus(t *testing.T) {
	a, store, _ := newTestAPI(t)
	mux := http.NewServeMux()
	a.Register(mux)

	done := model.NewJob("in-1", "/v1/chat/completions", "m1", "24h", nil, "", "", 0)
	done.ID = "job-done"
	done.Status = model.JobStatusCompleted
	store.InsertJob(context.Background(), &done)

	pending := model.NewJob("in-1", "/v1/chat/completions", "m1", "24h", nil, "", "", 0)
	pending.ID = "job-pending"
	store.InsertJob(context.Background(), &pending)

	req := httptest.NewRequest(http.MethodGet, "/v1/batches?status=completed", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("list batches failed: %d %s", w.Code, w.Body.String())
	}
	var out struct {
		Data []BatchDTO `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(out.Data) != 1 || out.Data[0].ID != "job-done" {
		t.Fatalf("expected only job-done, got %+v", out.Data)
	}
}

func TestGetBatchResultsAndErrors(t *testing.T) {
	a, store, blobs := newTestAPI(t)
	mux := http.NewServeMux()
	a.Register(mux)

	outDigest, _, _ := blobs.Put(strings.NewReader(`{"custom_id":"r1","response":{}}` + "\n"))
	errDigest, _, _ := blobs.Put(strings.NewReader(`{"custom_id":"r2","error":{"code":"generation_error","message":"boom"}}` + "\n"))

	job := model.NewJob("in-1", "/v1/chat/completions", "m1", "24h", nil, "", "", 0)
	job.ID = "job-3"
	job.OutputFileID = &outDigest
	job.ErrorFileID = &errDigest
	store.InsertJob(context.Background(), &job)

	req := httptest.NewRequest(http.MethodGet, "/v1/batches/job-3/results", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "r1") {
		t.Fatalf("unexpected results response: %d %s", w.Code, w.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/v1/batches/job-3/errors", nil)
	w2 := httptest.NewRecorder()
	mux.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK || !strings.Contains(w2.Body.String(), "r2") {
		t.Fatalf("unexpected errors response: %d %s", w2.Code, w2.Body.String())
	}
}

func TestHealth(t *testing.T) {
	a, _, _ := newTestAPI(t)
	mux := http.NewServeMux()
	a.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected healthy, got %d", w.Code)
	}
}
