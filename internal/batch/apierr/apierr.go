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

// Package apierr gives every layer of batchd (admission, scheduler,
// inference adapter, HTTP handlers) a single error shape that carries a
// stable code, the HTTP status it maps to, and whether retrying the
// operation could succeed.
package apierr

import "fmt"

// Code is a stable machine-readable error identifier, returned to API
// clients in the error envelope's "code" field.
type Code string

const (
	CodeInvalidRequest   Code = "invalid_request"
	CodeFileNotFound     Code = "file_not_found"
	CodeJobNotFound      Code = "job_not_found"
	CodeModelNotFound    Code = "model_not_found"
	CodeValidationFailed Code = "validation_failed"
	CodeQueueFull        Code = "queue_full"
	CodeGPUUnavailable   Code = "gpu_unavailable"
	CodeInferenceError   Code = "inference_error"
	CodeStorageError     Code = "storage_error"
	CodeConflict         Code = "conflict"
	CodeInternal         Code = "internal_error"
)

// Error wraps a batchd failure with an API-facing code and HTTP status.
type Error struct {
	Code       Code
	HTTPStatus int
	Retriable  bool
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// New constructs an Error with the given code, status, and retriability,
// wrapping err (which may be nil).
func New(code Code, httpStatus int, retriable bool, err error) *Error {
	return &Error{Code: code, HTTPStatus: httpStatus, Retriable: retriable, Err: err}
}

// NotFound builds a 404 Error for the given code.
func NotFound(code Code, err error) *Error {
	return New(code, 404, false, err)
}

// Invalid builds a 400 Error for a non-retriable client mistake.
func Invalid(code Code, err error) *Error {
	return New(code, 400, false, err)
}

// Conflict builds a 409 Error for a lost compare-and-set race; callers may
// retry once the contending transition has settled.
func Conflict(err error) *Error {
	return New(CodeConflict, 409, true, err)
}

// TooManyRequests builds a 429 Error for admission/backpressure rejections.
func TooManyRequests(code Code, err error) *Error {
	return New(code, 429, true, err)
}

// Internal builds a 500 Error for unexpected failures.
func Internal(err error) *Error {
	return New(CodeInternal, 500, true, err)
}

// ServiceUnavailable builds a 503 Error, used when the GPU or inference
// backend cannot currently serve requests.
func ServiceUnavailable(code Code, err error) *Error {
	return New(code, 503, true, err)
}
