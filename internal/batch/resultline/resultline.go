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

// Package resultline post-processes a single completed inference call
// into the result line batchd writes to a job's output file. Different
// endpoints (chat completions today, embeddings or completions
// tomorrow) need different response shapes; rather than subclassing a
// base handler, each endpoint registers the capability it supports and
// the scheduler asks the registry for whichever one a job's endpoint
// names. Unregistered endpoints are a validation-time rejection, not a
// runtime crash.
package resultline

import (
	"fmt"
	"sync"
	"time"

	"batchd/internal/batch/model"
)

// Builder turns one inference response (or the error that replaced it)
// into the BatchResultLine written to the job's output/error file.
type Builder interface {
	// BuildSuccess renders a successful inference response.
	BuildSuccess(customID string, resp model.BatchResponseBody) model.BatchResultLine
	// BuildFailure renders a request that could not be completed.
	BuildFailure(customID, code, message string) model.BatchResultLine
}

type chatCompletionsBuilder struct {
	now func() time.Time
}

func (b chatCompletionsBuilder) BuildSuccess(customID string, resp model.BatchResponseBody) model.BatchResultLine {
	now := time.Now
	if b.now != nil {
		now = b.now
	}
	resp.Object = "chat.completion"
	resp.Created = now().Unix()
	return model.BatchResultLine{
		CustomID: customID,
		Response: &model.BatchResponse{
			StatusCode: 200,
			RequestID:  fmt.Sprintf("req_%s", customID),
			Body:       resp,
		},
	}
}

func (b chatCompletionsBuilder) BuildFailure(customID, code, message string) model.BatchResultLine {
	return model.BatchResultLine{
		CustomID: customID,
		Error:    &model.BatchError{Code: code, Message: message},
	}
}

// Registry maps an endpoint path to the Builder capable of rendering its
// results.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry constructs a Registry pre-populated with the endpoints
// batchd ships support for.
func NewRegistry() *Registry {
	r := &Registry{builders: make(map[string]Builder)}
	r.Register("/v1/chat/completions", chatCompletionsBuilder{})
	return r
}

// Register adds or replaces the Builder for endpoint.
func (r *Registry) Register(endpoint string, b Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[endpoint] = b
}

// Supports reports whether endpoint has a registered Builder. The
// admission controller calls this before accepting a job so an
// unsupported endpoint fails fast at submission time.
func (r *Registry) Supports(endpoint string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[endpoint]
	return ok
}

// For returns the Builder registered for endpoint, or an error if none
// is registered.
func (r *Registry) For(endpoint string) (Builder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[endpoint]
	if !ok {
		return nil, fmt.Errorf("no result builder registered for endpoint %q", endpoint)
	}
	return b, nil
}
