package resultline

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
	"testing"

	"batchd/internal/batch/model"
)

func TestChatCompletionsBuilderSuccess(t *testing.T) {
	r := NewRegistry()
	b, err := r.For("/v1/chat/completions")
	if err != nil {
		t.Fatalf("For failed: %v", err)
	}
	line := b.BuildSuccess("req-1", model.BatchResponseBody{
		Model:   "llama-3-8b",
		Choices: []model.ChatChoice{{Message: model.BatchMessage{Role: "assistant", Content: "hi"}}},
	})
	if line.CustomID != "req-1" || line.Response == nil || line.Error != nil {
		t.Fatalf("unexpected line: %+v", line)
	}
	if line.Response.Body.Object != "chat.completion" {
		t.Fatalf("expected object to be set by builder, got %q", line.Response.Body.Object)
	}
}

func TestChatCompletionsBuilderFailure(t *testing.T) {
	r := NewRegistry()
	b, _ := r.For("/v1/chat/completions")
	line := b.BuildFailure("req-2", "inference_error", "boom")
	if line.Response != nil || line.Error == nil || line.Error.Code != "inference_error" {
		t.Fatalf("unexpected line: %+v", line)
	}
}

func TestSupportsAndForUnregisteredEndpoint(t *testing.T) {
	r := NewRegistry()
	if r.Supports("/v1/embeddings") {
		t.Fatalf("expected /v1/embeddings to be unsupported by default")
	}
	if _, err := r.For("/v1/embeddings"); err == nil {
		t.Fatalf("expected error for unregistered endpoint")
	}
}

func TestRegisterAddsSupport(t *testing.T) {
	r := NewRegistry()
	r.Register("/v1/embeddings", chatCompletionsBuilder{})
	if !r.Supports("/v1/embeddings") {
		t.Fatalf("expected /v1/embeddings to be supported after Register")
	}
}
