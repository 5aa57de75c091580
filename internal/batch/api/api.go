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

// Package api implements batchd's OpenAI-compatible HTTP surface:
//
//	POST   /v1/files
//	GET    /v1/files/{id}
//	GET    /v1/files/{id}/content
//	POST   /v1/batches
//	GET    /v1/batches
//	GET    /v1/batches/{id}
//	GET    /v1/batches/{id}/results
//	GET    /v1/batches/{id}/errors
//	DELETE /v1/batches/{id}
//	GET    /v1/models
//	GET    /v1/health
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"batchd/internal/batch/admission"
	"batchd/internal/batch/apierr"
	"batchd/internal/batch/httputil"
	"batchd/internal/batch/model"
	"batchd/internal/batch/registry"
	"batchd/internal/batch/store"
)

// Store defines the persistence methods the API needs.
type Store interface {
	InsertFile(ctx context.Context, f model.File) error
	GetFile(ctx context.Context, id string) (*model.File, error)
	InsertJob(ctx context.Context, j *model.Job) error
	GetJobByID(ctx context.Context, id string) (*model.Job, error)
	MarkValidated(ctx context.Context, id string, total int) error
	MarkValidationFailed(ctx context.Context, id, reason string) error
	RequestCancel(ctx context.Context, jobID string) error
	ListJobsByStatus(ctx context.Context, status model.JobStatus) ([]*model.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*model.Job, error)
}

// Blobs defines the blob-store operations the API needs.
type Blobs interface {
	Put(r io.Reader) (digest string, size int64, err error)
	Open(digest string) (io.ReadCloser, error)
	HealthCheck() error
}

// API is the HTTP layer for batchd's client-facing surface.
type API struct {
	Store     Store
	Blobs     Blobs
	Admission *admission.Controller
	Models    *registry.Registry
	Logger    *slog.Logger
	Now       func() time.Time
}

// New constructs an API with its required dependencies.
func New(store Store, blobs Blobs, adm *admission.Controller, models *registry.Registry, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{Store: store, Blobs: blobs, Admission: adm, Models: models, Logger: logger, Now: time.Now}
}

// Register attaches the API handlers to mux using Go 1.22+ method-prefixed
// route patterns.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/files", a.handleUploadFile)
	mux.HandleFunc("GET /v1/files/{id}", a.handleGetFile)
	mux.HandleFunc("GET /v1/files/{id}/content", a.handleGetFileContent)
	mux.HandleFunc("POST /v1/batches", a.handleCreateBatch)
	mux.HandleFunc("GET /v1/batches", a.handleListBatches)
	mux.HandleFunc("GET /v1/batches/{id}", a.handleGetBatch)
	mux.HandleFunc("GET /v1/batches/{id}/results", a.handleGetBatchResults)
	mux.HandleFunc("GET /v1/batches/{id}/errors", a.handleGetBatchErrors)
	mux.HandleFunc("DELETE /v1/batches/{id}", a.handleCancelBatch)
	mux.HandleFunc("GET /v1/models", a.handleListModels)
	mux.HandleFunc("GET /v1/health", a.handleHealth)
}

// writeError translates an apierr.Error (or any other error, which is
// treated as an unexpected internal failure) into the shared JSON error
// envelope.
func writeError(w http.ResponseWriter, err error) {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		httputil.WriteJSONError(w, ae.HTTPStatus, string(ae.Code), ae.Error())
		return
	}
	httputil.WriteJSONError(w, http.StatusInternalServerError, string(apierr.CodeInternal), err.Error())
}

// --------------- DTOs ---------------

// FileDTO mirrors the OpenAI file object shape.
type FileDTO struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	Bytes     int64  `json:"bytes"`
	CreatedAt int64  `json:"created_at"`
	Purpose   string `json:"purpose"`
}

func fileDTO(f *model.File) FileDTO {
	return FileDTO{ID: f.ID, Object: "file", Bytes: f.SizeBytes, CreatedAt: f.CreatedAt.Unix(), Purpose: string(f.Purpose)}
}

// BatchDTO mirrors the OpenAI batch object shape.
type BatchDTO struct {
	ID               string              `json:"id"`
	Object           string              `json:"object"`
	Endpoint         string              `json:"endpoint"`
	InputFileID      string              `json:"input_file_id"`
	CompletionWindow string              `json:"completion_window"`
	Model            string              `json:"model"`
	Status           string              `json:"status"`
	OutputFileID     *string             `json:"output_file_id,omitempty"`
	ErrorFileID      *string             `json:"error_file_id,omitempty"`
	CreatedAt        int64               `json:"created_at"`
	InProgressAt     *int64              `json:"in_progress_at,omitempty"`
	FinishedAt       *int64              `json:"finished_at,omitempty"`
	RequestCounts    model.RequestCounts `json:"request_counts"`
	Metadata         json.RawMessage     `json:"metadata,omitempty"`
	LastError        *string             `json:"last_error,omitempty"`
}

func batchDTO(j *model.Job) BatchDTO {
	dto := BatchDTO{
		ID:               j.ID,
		Object:           "batch",
		Endpoint:         j.Endpoint,
		InputFileID:      j.InputFileID,
		CompletionWindow: j.CompletionWindow,
		Model:            j.ModelName,
		Status:           j.Status.String(),
		OutputFileID:     j.OutputFileID,
		ErrorFileID:      j.ErrorFileID,
		CreatedAt:        j.CreatedAt.Unix(),
		RequestCounts:    j.RequestCounts,
		Metadata:         j.Metadata,
		LastError:        j.LastError,
	}
	if j.StartedAt != nil {
		v := j.StartedAt.Unix()
		dto.InProgressAt = &v
	}
	if j.FinishedAt != nil {
		v := j.FinishedAt.Unix()
		dto.FinishedAt = &v
	}
	return dto
}

// CreateBatchRequest is the payload for POST /v1/batches.
type CreateBatchRequest struct {
	InputFileID      string          `json:"input_file_id"`
	Endpoint         string          `json:"endpoint"`
	CompletionWindow string          `json:"completion_window"`
	Model            string          `json:"model"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	WebhookURL       string          `json:"webhook_url,omitempty"`
	WebhookSecret    string          `json:"webhook_secret,omitempty"`
	Priority         int             `json:"priority,omitempty"`
}

// --------------- Files ---------------

func (a *API) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	purpose := r.URL.Query().Get("purpose")
	if purpose == "" {
		purpose = string(model.FilePurposeInput)
	}

	digest, size, err := a.Blobs.Put(r.Body)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}

	f := model.File{ID: digest, Purpose: model.FilePurpose(purpose), SizeBytes: size, CreatedAt: a.Now()}
	if err := a.Store.InsertFile(ctx, f); err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fileDTO(&f))
}

func (a *API) handleGetFile(w http.ResponseWriter, r *http.Request) {
	f, err := a.Store.GetFile(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, apierr.NotFound(apierr.CodeFileNotFound, err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, fileDTO(f))
}

func (a *API) handleGetFileContent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	f, err := a.Store.GetFile(r.Context(), id)
	if err != nil {
		writeError(w, apierr.NotFound(apierr.CodeFileNotFound, err))
		return
	}
	rc, err := a.Blobs.Open(f.ID)
	if err != nil {
		writeError(w, apierr.NotFound(apierr.CodeFileNotFound, err))
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/jsonl")
	io.Copy(w, rc)
}

// --------------- Batches ---------------

func (a *API) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.Invalid(apierr.CodeInvalidRequest, err))
		return
	}
	if req.InputFileID == "" || req.Endpoint == "" || req.Model == "" {
		writeError(w, apierr.Invalid(apierr.CodeInvalidRequest, errMissingField))
		return
	}
	if req.CompletionWindow == "" {
		req.CompletionWindow = "24h"
	}

	if err := a.Admission.CheckEndpointAndModel(ctx, req.Endpoint, req.Model); err != nil {
		writeError(w, err)
		return
	}
	if err := a.Admission.CheckGPUHealth(ctx); err != nil {
		writeError(w, err)
		return
	}

	inputFile, err := a.Store.GetFile(ctx, req.InputFileID)
	if err != nil {
		writeError(w, apierr.NotFound(apierr.CodeFileNotFound, err))
		return
	}

	job := model.NewJob(req.InputFileID, req.Endpoint, req.Model, req.CompletionWindow, req.Metadata, req.WebhookURL, req.WebhookSecret, req.Priority)
	job.ID = uuid.NewString()
	if err := a.Store.InsertJob(ctx, &job); err != nil {
		writeError(w, apierr.Internal(err))
		return
	}

	rc, err := a.Blobs.Open(inputFile.ID)
	if err != nil {
		_ = a.Store.MarkValidationFailed(ctx, job.ID, err.Error())
	} else {
		result, problems, verr := a.Admission.ValidateInput(rc)
		rc.Close()
		switch {
		case verr != nil:
			_ = a.Store.MarkValidationFailed(ctx, job.ID, verr.Error())
		case len(problems) > 0:
			_ = a.Store.MarkValidationFailed(ctx, job.ID, problems[0].Error())
		default:
			if err := a.Admission.CheckBackpressure(ctx, result.RequestCount); err != nil {
				_ = a.Store.MarkValidationFailed(ctx, job.ID, err.Error())
			} else {
				_ = a.Store.MarkValidated(ctx, job.ID, result.RequestCount)
			}
		}
	}

	final, err := a.Store.GetJobByID(ctx, job.ID)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, batchDTO(final))
}

func (a *API) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	job, err := a.Store.GetJobByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, apierr.NotFound(apierr.CodeJobNotFound, err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, batchDTO(job))
}

// handleListBatches implements GET /v1/batches?status=&model=&limit=&offset=.
func (a *API) handleListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{Model: q.Get("model")}
	if s := q.Get("status"); s != "" {
		status := model.JobStatus(s)
		if !status.Valid() {
			writeError(w, apierr.Invalid(apierr.CodeInvalidRequest, fmt.Errorf("invalid status %q", s)))
			return
		}
		filter.Status = &status
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	jobs, err := a.Store.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, apierr.Internal(err))
		return
	}
	dtos := make([]BatchDTO, len(jobs))
	for i, j := range jobs {
		dtos[i] = batchDTO(j)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"object": "list", "data": dtos})
}

// handleGetBatchResults implements GET /v1/batches/{id}/results: the
// output file's JSONL content, one BatchResultLine per line. Only
// available once the job has attached an output file.
func (a *API) handleGetBatchResults(w http.ResponseWriter, r *http.Request) {
	a.streamBatchFile(w, r, func(j *model.Job) *string { return j.OutputFileID })
}

// handleGetBatchErrors implements GET /v1/batches/{id}/errors: the error
// file's JSONL content (only the failed result lines), present only
// when at least one request failed.
func (a *API) handleGetBatchErrors(w http.ResponseWriter, r *http.Request) {
	a.streamBatchFile(w, r, func(j *model.Job) *string { return j.ErrorFileID })
}

func (a *API) streamBatchFile(w http.ResponseWriter, r *http.Request, pick func(*model.Job) *string) {
	ctx := r.Context()
	job, err := a.Store.GetJobByID(ctx, r.PathValue("id"))
	if err != nil {
		writeError(w, apierr.NotFound(apierr.CodeJobNotFound, err))
		return
	}
	fileID := pick(job)
	if fileID == nil {
		writeError(w, apierr.NotFound(apierr.CodeFileNotFound, fmt.Errorf("job %s has no such file yet", job.ID)))
		return
	}
	rc, err := a.Blobs.Open(*fileID)
	if err != nil {
		writeError(w, apierr.NotFound(apierr.CodeFileNotFound, err))
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/jsonl")
	io.Copy(w, rc)
}

func (a *API) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if err := a.Store.RequestCancel(ctx, id); err != nil {
		writeError(w, apierr.Conflict(err))
		return
	}
	job, err := a.Store.GetJobByID(ctx, id)
	if err != nil {
		writeError(w, apierr.NotFound(apierr.CodeJobNotFound, err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, batchDTO(job))
}

// --------------- Models ---------------

func (a *API) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := a.Models.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
}

// --------------- Health ---------------

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.Blobs.HealthCheck(); err != nil {
		writeError(w, apierr.ServiceUnavailable(apierr.CodeStorageError, err))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

var errMissingField = errors.New("input_file_id, endpoint, and model are required")
