package metrics

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
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesRecordedMetrics(t *testing.T) {
	Reset()
	ObserveChunkDuration("llama-3-8b", 2*time.Second)
	IncModelSwap(SwapLoad, "llama-3-8b")
	IncWebhookDelivery("success")
	IncAdmissionReject("queue_full")
	SetQueueDepth("in_progress", 3)
	IncJob("completed")

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	for _, want := range []string{
		"batchd_scheduler_chunk_duration_seconds",
		"batchd_scheduler_model_swaps_total",
		"batchd_webhook_deliveries_total",
		"batchd_admission_rejections_total",
		"batchd_jobs_queue_depth",
		"batchd_jobs_terminal_total",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}

func TestSanitizeLabelReplacesInvalidRunes(t *testing.T) {
	if got := sanitizeLabel("", "unknown"); got != "unknown" {
		t.Fatalf("expected fallback for empty label, got %q", got)
	}
	if got := sanitizeLabel("foo bar!", "unknown"); got != "foo_bar_" {
		t.Fatalf("unexpected sanitized label: %q", got)
	}
}
