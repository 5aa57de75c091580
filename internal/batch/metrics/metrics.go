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

package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	chunkDuration    *prometheus.HistogramVec
	modelSwaps       *prometheus.CounterVec
	webhookDeliveries *prometheus.CounterVec
	admissionRejects *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
	jobsTotal        *prometheus.CounterVec
)

const (
	SwapLoad   = "load"
	SwapUnload = "unload"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Primarily used
// by tests to ensure clean state between runs.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveChunkDuration records how long one chunk of a job took to run,
// labeled by model so slow models are visible without cross-referencing logs.
func ObserveChunkDuration(modelName string, duration time.Duration) {
	label := sanitizeLabel(modelName, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if chunkDuration != nil {
		chunkDuration.WithLabelValues(label).Observe(durationSeconds(duration))
	}
}

// IncModelSwap increments the load/unload counter for a model transition.
func IncModelSwap(direction, modelName string) {
	d := sanitizeLabel(direction, "unknown")
	m := sanitizeLabel(modelName, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if modelSwaps != nil {
		modelSwaps.WithLabelValues(d, m).Inc()
	}
}

// IncWebhookDelivery records one webhook delivery attempt outcome.
func IncWebhookDelivery(outcome string) {
	o := sanitizeLabel(outcome, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if webhookDeliveries != nil {
		webhookDeliveries.WithLabelValues(o).Inc()
	}
}

// IncAdmissionReject records an admission-controller rejection by reason code.
func IncAdmissionReject(reason string) {
	r := sanitizeLabel(reason, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if admissionRejects != nil {
		admissionRejects.WithLabelValues(r).Inc()
	}
}

// SetQueueDepth records the current count of jobs in status.
func SetQueueDepth(status string, depth int) {
	s := sanitizeLabel(status, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if queueDepth != nil {
		queueDepth.WithLabelValues(s).Set(float64(depth))
	}
}

// IncJob records a job reaching a terminal status.
func IncJob(status string) {
	s := sanitizeLabel(status, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if jobsTotal != nil {
		jobsTotal.WithLabelValues(s).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	chunk := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "batchd",
		Subsystem: "scheduler",
		Name:      "chunk_duration_seconds",
		Help:      "Duration of one scheduler chunk, labeled by model.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"model"})

	swaps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchd",
		Subsystem: "scheduler",
		Name:      "model_swaps_total",
		Help:      "Total model load/unload operations.",
	}, []string{"direction", "model"})

	webhooks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchd",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Total webhook delivery attempts by outcome.",
	}, []string{"outcome"})

	rejects := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchd",
		Subsystem: "admission",
		Name:      "rejections_total",
		Help:      "Total job submissions rejected by the admission controller, by reason.",
	}, []string{"reason"})

	queue := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "batchd",
		Subsystem: "jobs",
		Name:      "queue_depth",
		Help:      "Current number of jobs per status.",
	}, []string{"status"})

	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "batchd",
		Subsystem: "jobs",
		Name:      "terminal_total",
		Help:      "Total jobs reaching a terminal status.",
	}, []string{"status"})

	registry.MustRegister(chunk, swaps, webhooks, rejects, queue, jobs)

	reg = registry
	chunkDuration = chunk
	modelSwaps = swaps
	webhookDeliveries = webhooks
	admissionRejects = rejects
	queueDepth = queue
	jobsTotal = jobs
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
