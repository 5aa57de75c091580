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

// Command batchd-worker runs the single-worker scheduler that drains
// validated jobs from the durable store and drives them to completion
// against the locally loaded inference engine, plus the webhook
// dispatcher that delivers terminal-state notifications. Only one
// worker process should run against a given database at a time; the
// scheduler's lease/checkpoint discipline tolerates crashes and restarts
// of this process, not concurrent instances of it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"batchd/internal/batch/blobstore"
	"batchd/internal/batch/config"
	"batchd/internal/batch/gpu"
	"batchd/internal/batch/inference"
	"batchd/internal/batch/logging"
	"batchd/internal/batch/resultline"
	"batchd/internal/batch/scheduler"
	"batchd/internal/batch/store"
	"batchd/internal/batch/webhook"
)

func main() {
	cfg := config.FromEnv()
	fs := flag.NewFlagSet("batchd-worker", flag.ExitOnError)
	config.BindWorkerFlags(fs, &cfg)
	fs.Parse(os.Args[1:])

	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.WorkerID == "" {
		cfg.WorkerID = fmt.Sprintf("worker-%d", os.Getpid())
	}

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

	prober, err := gpu.New(cfg.GPUProbeMode)
	if err != nil {
		logger.Error("construct gpu prober failed", "error", err)
		os.Exit(1)
	}

	infClient := buildInferenceClient(cfg, logger)
	defer infClient.Close()

	sched := scheduler.New(st, blobs, infClient, prober, resultline.NewRegistry(), scheduler.Config{
		WorkerID:               cfg.WorkerID,
		PollInterval:           cfg.PollInterval,
		LeaseTTL:               cfg.LeaseTTL,
		ExtendLeaseEvery:       cfg.ExtendLeaseEvery,
		ChunkSize:              cfg.ChunkSize,
		ChunkRetryMax:          cfg.ChunkRetryMax,
		ErrorRateThreshold:     cfg.ErrorRateThreshold,
		GpuMemoryAbortFraction: cfg.GpuMemoryAbortFraction,
		HealthBackoff:          cfg.HealthBackoff,
		HealthBackoffMax:       cfg.HealthBackoffMax,
	}, logger)

	dispatcher := webhook.New(st, webhook.Config{
		MaxRetries: cfg.WebhookMaxRetries,
		RatePerSec: cfg.WebhookRatePerSec,
	}, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sched.Run(workerCtx)
	}()
	go func() {
		defer wg.Done()
		dispatcher.Run(workerCtx)
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down worker", "signal", sig.String(), "worker_id", cfg.WorkerID)

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("worker stopped gracefully")
	case <-time.After(30 * time.Second):
		logger.Warn("worker shutdown timed out, exiting anyway")
	}
}

func buildInferenceClient(cfg config.Config, logger *slog.Logger) inference.Client {
	switch cfg.InferenceMode {
	case "http":
		return inference.NewHTTPClient(inference.Config{
			BaseURL: cfg.InferenceBaseURL,
			Timeout: 5 * time.Minute,
			Logger:  logger,
		})
	default:
		return inference.NewNoopClient(logger)
	}
}
