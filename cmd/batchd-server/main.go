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

// Command batchd-server runs the client-facing HTTP surface: file
// upload/download, batch submission/inspection/cancellation, model
// listing, and health/metrics. The scheduler and webhook dispatcher run
// in the separate batchd-worker process so an operator can scale or
// restart the API independently of the single GPU-bound worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"batchd/internal/batch/admission"
	"batchd/internal/batch/api"
	"batchd/internal/batch/blobstore"
	"batchd/internal/batch/config"
	"batchd/internal/batch/gpu"
	"batchd/internal/batch/logging"
	"batchd/internal/batch/metrics"
	"batchd/internal/batch/model"
	"batchd/internal/batch/registry"
	"batchd/internal/batch/resultline"
	"batchd/internal/batch/store"
)

func main() {
	cfg := config.FromEnv()
	fs := flag.NewFlagSet("batchd-server", flag.ExitOnError)
	config.BindServerFlags(fs, &cfg)
	fs.Parse(os.Args[1:])

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("open store failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	blobs, err := blobstore.Open(cfg.BlobRoot)
	if err != nil {
		logger.Error("open blob store failed", "error", err)
		os.Exit(1)
	}

	models := registry.New(st)
	if err := registry.SeedDefaults(ctx, models); err != nil {
		logger.Error("seed default models failed", "error", err)
		os.Exit(1)
	}

	prober, err := gpu.New(cfg.GPUProbeMode)
	if err != nil {
		logger.Error("construct gpu prober failed", "error", err)
		os.Exit(1)
	}

	adm := admission.New(admission.Config{
		MaxQueuedJobs:          cfg.MaxQueuedJobs,
		MaxRequestsPerJob:      cfg.MaxRequestsPerJob,
		MaxTotalQueuedRequests: cfg.MaxTotalQueuedRequests,
	}, models, resultline.NewRegistry(), queueCounter{st}, prober)

	ap := api.New(st, blobs, adm, models, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", metrics.Handler())
	ap.Register(mux)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("batchd-server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}
}

// queueCounter adapts store.Store's ListJobsByStatus into the narrow
// QueueDepthCounter the admission controller needs, without giving the
// controller the whole store surface.
type queueCounter struct {
	st *store.Store
}

func (q queueCounter) QueuedJobCount(ctx context.Context) (int, error) {
	validating, err := q.st.ListJobsByStatus(ctx, model.JobStatusValidating)
	if err != nil {
		return 0, err
	}
	inProgress, err := q.st.ListJobsByStatus(ctx, model.JobStatusInProgress)
	if err != nil {
		return 0, err
	}
	return len(validating) + len(inProgress), nil
}

func (q queueCounter) QueuedRequestTotal(ctx context.Context) (int, error) {
	return q.st.SumQueuedRequests(ctx)
}
