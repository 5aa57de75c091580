package model

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

// Package model contains the shared domain types persisted by the Durable
// Store and passed between the admission controller, scheduler, inference
// adapter, and webhook dispatcher.
import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a batch job.
type JobStatus string

const (
	JobStatusValidating  JobStatus = "validating"
	JobStatusInProgress  JobStatus = "in_progress"
	JobStatusFinalizing  JobStatus = "finalizing"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
	JobStatusExpired     JobStatus = "expired"
	JobStatusCancelling  JobStatus = "cancelling"
	JobStatusCancelled   JobStatus = "cancelled"
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusValidating, JobStatusInProgress, JobStatusFinalizing,
		JobStatusCompleted, JobStatusFailed, JobStatusExpired,
		JobStatusCancelling, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status will never transition again.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusExpired, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobStatus.
func (s JobStatus) String() string { return string(s) }

// FilePurpose classifies the role a File plays in a job's lifecycle.
type FilePurpose string

const (
	FilePurposeInput  FilePurpose = "input"
	FilePurposeOutput FilePurpose = "output"
	FilePurposeError  FilePurpose = "error"
)

// File is an opaque blob-store entry whose bytes are JSONL.
type File struct {
	ID        string      `json:"id" db:"id"`
	Purpose   FilePurpose `json:"purpose" db:"purpose"`
	SizeBytes int64       `json:"size_bytes" db:"size_bytes"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// RequestCounts tracks how many of a job's requests have reached each state.
type RequestCounts struct {
	Total     int `json:"total" db:"total"`
	Completed int `json:"completed" db:"completed"`
	Failed    int `json:"failed" db:"failed"`
}

// Job represents a single batch submission and its lifecycle.
type Job struct {
	ID               string          `json:"id" db:"id"`
	InputFileID      string          `json:"input_file_id" db:"input_file_id"`
	OutputFileID     *string         `json:"output_file_id,omitempty" db:"output_file_id"`
	ErrorFileID      *string         `json:"error_file_id,omitempty" db:"error_file_id"`
	Endpoint         string          `json:"endpoint" db:"endpoint"`
	CompletionWindow string          `json:"completion_window,omitempty" db:"completion_window"`
	ModelName        string          `json:"model_name" db:"model_name"`
	Status           JobStatus       `json:"status" db:"status"`
	RequestCounts    RequestCounts   `json:"request_counts" db:"-"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty" db:"started_at"`
	FinishedAt       *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
	Checkpoint       int             `json:"checkpoint" db:"checkpoint"`
	Metadata         json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	WebhookURL       string          `json:"webhook_url,omitempty" db:"webhook_url"`
	WebhookSecret    string          `json:"-" db:"webhook_secret"`
	Priority         int             `json:"priority" db:"priority"`
	AttemptCount     int             `json:"attempt_count" db:"attempt_count"`
	LastError        *string         `json:"last_error,omitempty" db:"last_error"`
	CancelRequested  bool            `json:"-" db:"cancel_requested"`
}

// Progress returns the fraction of the job's requests that have reached a
// checkpointed (completed or failed) state. Computed, never stored.
func (j *Job) Progress() float64 {
	if j.RequestCounts.Total == 0 {
		return 0
	}
	return float64(j.Checkpoint) / float64(j.RequestCounts.Total)
}

// NewJob constructs a Job in its initial validating state. Callers must
// assign a unique ID before persistence.
func NewJob(inputFileID, endpoint, modelName, completionWindow string, metadata json.RawMessage, webhookURL, webhookSecret string, priority int) Job {
	return Job{
		InputFileID:      inputFileID,
		Endpoint:         endpoint,
		ModelName:        modelName,
		CompletionWindow: completionWindow,
		Status:           JobStatusValidating,
		CreatedAt:        time.Now().UTC(),
		Metadata:         metadata,
		WebhookURL:       webhookURL,
		WebhookSecret:    webhookSecret,
		Priority:         priority,
	}
}

// BatchMessage is a single chat message in a BatchRequestLine body.
type BatchMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BatchRequestBody is the OpenAI-compatible chat-completion request body
// embedded in a BatchRequestLine. Only the fields declared here are kept;
// unknown fields in the client's body are dropped on decode.
type BatchRequestBody struct {
	Model       string         `json:"model"`
	Messages    []BatchMessage `json:"messages"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
	Temperature *float64       `json:"temperature,omitempty"`
	TopP        *float64       `json:"top_p,omitempty"`
	Stop        []string       `json:"stop,omitempty"`
}

// BatchRequestLine is a single line of an input JSONL file.
type BatchRequestLine struct {
	CustomID string            `json:"custom_id"`
	Method   string            `json:"method"`
	URL      string            `json:"url"`
	Body     BatchRequestBody  `json:"body"`
}

// Usage reports token accounting for a single completed request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatChoice is a single completion choice within a BatchResultLine response.
type ChatChoice struct {
	Index        int          `json:"index"`
	Message      BatchMessage `json:"message"`
	FinishReason string       `json:"finish_reason"`
}

// BatchResponseBody mirrors an OpenAI chat.completion response object.
type BatchResponseBody struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
}

// BatchResponse wraps the status code and body of one request's outcome.
type BatchResponse struct {
	StatusCode int               `json:"status_code"`
	RequestID  string            `json:"request_id"`
	Body       BatchResponseBody `json:"body"`
}

// BatchError describes a per-request failure, present when Response is omitted.
type BatchError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BatchResultLine is a single line of an output JSONL file.
type BatchResultLine struct {
	CustomID string         `json:"custom_id"`
	Response *BatchResponse `json:"response,omitempty"`
	Error    *BatchError    `json:"error,omitempty"`
}

// FailedRequest is a dead-letter-queue record of one per-request failure.
type FailedRequest struct {
	ID           int64     `json:"id" db:"id"`
	JobID        string    `json:"job_id" db:"job_id"`
	CustomID     string    `json:"custom_id" db:"custom_id"`
	RequestIndex int       `json:"request_index" db:"request_index"`
	ErrorCode    string    `json:"error_code" db:"error_code"`
	ErrorMessage string    `json:"error_message" db:"error_message"`
	RetryCount   int       `json:"retry_count" db:"retry_count"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// WorkerStatus is the observed state of the single scheduler/worker.
type WorkerStatus string

const (
	WorkerStatusIdle       WorkerStatus = "idle"
	WorkerStatusLoading    WorkerStatus = "loading"
	WorkerStatusProcessing WorkerStatus = "processing"
	WorkerStatusUnloading  WorkerStatus = "unloading"
	WorkerStatusDead       WorkerStatus = "dead"
)

// WorkerHeartbeat is the singleton observation of the scheduler's state.
// It is populated only as a read-through view of the scheduler's
// process-local model handle; it is never itself authoritative.
type WorkerHeartbeat struct {
	WorkerID          string       `json:"worker_id" db:"worker_id"`
	LastSeenAt        time.Time    `json:"last_seen_at" db:"last_seen_at"`
	Status            WorkerStatus `json:"status" db:"status"`
	CurrentJobID      *string      `json:"current_job_id,omitempty" db:"current_job_id"`
	GPUMemoryFraction float64      `json:"gpu_memory_fraction" db:"gpu_memory_fraction"`
	GPUTemperature    float64      `json:"gpu_temperature" db:"gpu_temperature"`
	LoadedModelName   *string      `json:"loaded_model_name,omitempty" db:"loaded_model_name"`
}

// WebhookDelivery is a single (possibly retried) attempt at notifying a
// client of a job's terminal state.
type WebhookDelivery struct {
	ID             int64      `json:"id" db:"id"`
	JobID          string     `json:"job_id" db:"job_id"`
	Event          string     `json:"event" db:"event"`
	URL            string     `json:"url" db:"url"`
	AttemptCount   int        `json:"attempt_count" db:"attempt_count"`
	NextAttemptAt  time.Time  `json:"next_attempt_at" db:"next_attempt_at"`
	LastStatusCode int        `json:"last_status_code" db:"last_status_code"`
	LastError      *string    `json:"last_error,omitempty" db:"last_error"`
	Terminal       bool       `json:"terminal" db:"terminal"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// ModelInfo is a single Model Registry entry.
type ModelInfo struct {
	Name              string  `json:"name" db:"name"`
	CanonicalID       string  `json:"canonical_id" db:"canonical_id"`
	MaxContextTokens  int     `json:"max_context_tokens" db:"max_context_tokens"`
	ChatTemplateHint  string  `json:"chat_template_hint" db:"chat_template_hint"`
	DefaultSampling   json.RawMessage `json:"default_sampling,omitempty" db:"default_sampling"`
	EstimatedVRAMGB   float64 `json:"estimated_vram_gb" db:"estimated_vram_gb"`
}
