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

// Package webhook delivers job-terminal-state notifications to the URL a
// client registered when it submitted a batch. Where the teacher's
// status-webhook handler authenticates an inbound call with a shared
// secret header, the dispatcher is the mirror image: it signs each
// outbound POST with HMAC-SHA256 over the body so the receiving client
// can authenticate batchd the same way.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"batchd/internal/batch/httputil"
	"batchd/internal/batch/metrics"
	"batchd/internal/batch/model"
)

// Store is the persistence surface the dispatcher needs.
type Store interface {
	ListPendingWebhookDeliveries(ctx context.Context, now time.Time) ([]model.WebhookDelivery, error)
	UpdateWebhookDeliveryResult(ctx context.Context, id int64, attemptCount, statusCode int, errMsg *string, nextAttemptAt time.Time, terminal bool) error
	GetJobByID(ctx context.Context, id string) (*model.Job, error)
}

// Payload is the JSON body POSTed to a client's webhook URL, mirroring
// the batch object's own shape so a client can treat a webhook delivery
// as a push of the same representation it would get from GET
// /v1/batches/{id}.
type Payload struct {
	ID            string              `json:"id"`
	Object        string              `json:"object"`
	Event         string              `json:"event"`
	Endpoint      string              `json:"endpoint"`
	Status        string              `json:"status"`
	CreatedAt     int64               `json:"created_at"`
	CompletedAt   *int64              `json:"completed_at"`
	RequestCounts model.RequestCounts `json:"request_counts"`
	Metadata      json.RawMessage     `json:"metadata,omitempty"`
	OutputFileURL *string             `json:"output_file_url"`
	ErrorFileURL  *string             `json:"error_file_url"`
	SentAt        time.Time           `json:"sent_at"`
}

func fileURL(id *string) *string {
	if id == nil {
		return nil
	}
	u := "/v1/files/" + *id + "/content"
	return &u
}

func payloadFromJob(event string, job *model.Job, sentAt time.Time) Payload {
	p := Payload{
		ID:            job.ID,
		Object:        "batch",
		Event:         event,
		Endpoint:      job.Endpoint,
		Status:        job.Status.String(),
		CreatedAt:     job.CreatedAt.Unix(),
		RequestCounts: job.RequestCounts,
		Metadata:      job.Metadata,
		OutputFileURL: fileURL(job.OutputFileID),
		ErrorFileURL:  fileURL(job.ErrorFileID),
		SentAt:        sentAt,
	}
	if job.FinishedAt != nil {
		v := job.FinishedAt.Unix()
		p.CompletedAt = &v
	}
	return p
}

// Config controls dispatch timing and retry limits.
type Config struct {
	PollInterval time.Duration
	MaxRetries   int
	RetryBase    time.Duration
	RetryCap     time.Duration
	RatePerSec   float64
	Timeout      time.Duration
}

// Dispatcher polls for pending webhook deliveries and sends them,
// rate-limited so a burst of job completions cannot flood a client (or
// get batchd's outbound IP blocklisted by one).
type Dispatcher struct {
	store   Store
	cfg     Config
	hc      *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs a Dispatcher from cfg, filling in defaults for any
// zero-valued fields.
func New(store Store, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 8
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 2 * time.Minute
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:   store,
		cfg:     cfg,
		hc:      &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
		logger:  logger,
		now:     time.Now,
	}
}

// Run polls for pending deliveries until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("webhook dispatcher starting", "poll_interval", d.cfg.PollInterval)
	defer d.logger.Info("webhook dispatcher stopped")

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		d.dispatchPending(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) dispatchPending(ctx context.Context) {
	deliveries, err := d.store.ListPendingWebhookDeliveries(ctx, d.now())
	if err != nil {
		d.logger.Warn("list pending webhook deliveries failed", "error", err)
		return
	}
	for _, delivery := range deliveries {
		if err := d.limiter.Wait(ctx); err != nil {
			return
		}
		d.attempt(ctx, delivery)
	}
}

func (d *Dispatcher) attempt(ctx context.Context, delivery model.WebhookDelivery) {
	job, err := d.store.GetJobByID(ctx, delivery.JobID)
	if err != nil {
		d.logger.Warn("webhook delivery: load job failed", "delivery_id", delivery.ID, "error", err)
		return
	}

	payload := payloadFromJob(delivery.Event, job, d.now())
	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("webhook delivery: marshal payload failed", "delivery_id", delivery.ID, "error", err)
		return
	}

	attemptCount := delivery.AttemptCount + 1
	statusCode, sendErr := d.send(ctx, delivery.URL, job.WebhookSecret, body)

	if sendErr == nil && statusCode >= 200 && statusCode < 300 {
		metrics.IncWebhookDelivery("success")
		if err := d.store.UpdateWebhookDeliveryResult(ctx, delivery.ID, attemptCount, statusCode, nil, d.now(), true); err != nil {
			d.logger.Warn("record webhook delivery success failed", "delivery_id", delivery.ID, "error", err)
		}
		return
	}

	errMsg := errorMessage(sendErr, statusCode)

	// A 4xx other than 408 (timeout) or 429 (rate limited) means the
	// sink itself rejected the request body or URL; retrying the same
	// payload against the same endpoint will not help, so fail permanently
	// on the first attempt instead of burning through MaxRetries. 5xx,
	// 408, 429, and transport-level errors are all worth retrying. 3xx is
	// not special-cased here because net/http's default client already
	// follows redirects.
	permanent := sendErr == nil && statusCode >= 400 && statusCode < 500 && statusCode != http.StatusRequestTimeout && statusCode != http.StatusTooManyRequests
	terminal := permanent || attemptCount >= d.cfg.MaxRetries

	outcome := "retrying"
	switch {
	case permanent:
		outcome = "permanent_failure"
	case terminal:
		outcome = "exhausted"
	}
	metrics.IncWebhookDelivery(outcome)

	next := d.now().Add(httputil.Backoff(attemptCount, d.cfg.RetryBase, d.cfg.RetryCap))
	if err := d.store.UpdateWebhookDeliveryResult(ctx, delivery.ID, attemptCount, statusCode, &errMsg, next, terminal); err != nil {
		d.logger.Warn("record webhook delivery attempt failed", "delivery_id", delivery.ID, "error", err)
	}
	if terminal {
		d.logger.Warn("webhook delivery gave up", "delivery_id", delivery.ID, "job_id", job.ID, "permanent", permanent, "error", errMsg)
	}
}

func (d *Dispatcher) send(ctx context.Context, url, secret string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("X-Webhook-Signature", sign(secret, body, d.now()))
	}

	resp, err := d.hc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// sign computes an HMAC-SHA256 signature over "<timestamp>.<body>", in
// the t=/v1= format popularized by Stripe-style webhook signing, so a
// receiver can reject both tampered bodies and stale replays.
func sign(secret string, body []byte, now time.Time) string {
	ts := now.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", ts)))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", ts, sig)
}

func errorMessage(err error, statusCode int) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("unexpected status %d", statusCode)
}
