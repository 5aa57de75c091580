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

// Package config loads batchd's runtime configuration from environment
// variables and (for the cmd entrypoints) command-line flags, flags
// taking precedence over env vars.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds settings shared by the batchd-server and batchd-worker
// binaries. Not every field is relevant to both processes; each binary's
// flag set only wires the ones it uses.
type Config struct {
	HTTPAddr               string        // BATCHD_HTTP_ADDR
	DBPath                 string        // BATCHD_DB_PATH
	BlobRoot               string        // BATCHD_BLOB_ROOT
	WorkerID               string        // BATCHD_WORKER_ID
	LogLevel               string        // BATCHD_LOG_LEVEL
	GPUProbeMode           string        // BATCHD_GPU_PROBE: smi|static|noop
	InferenceMode          string        // BATCHD_INFERENCE_MODE: http|noop
	InferenceBaseURL       string        // BATCHD_INFERENCE_BASE_URL
	MaxQueuedJobs          int           // BATCHD_MAX_QUEUED_JOBS (spec MaxQueueDepth)
	MaxRequestsPerJob      int           // BATCHD_MAX_REQUESTS_PER_JOB
	MaxTotalQueuedRequests int           // BATCHD_MAX_TOTAL_QUEUED_REQUESTS
	ChunkSize              int           // BATCHD_CHUNK_SIZE
	ChunkRetryMax          int           // BATCHD_CHUNK_RETRY_MAX
	PollInterval           time.Duration // BATCHD_POLL_INTERVAL
	LeaseTTL               time.Duration // BATCHD_LEASE_TTL
	ExtendLeaseEvery       time.Duration // BATCHD_EXTEND_LEASE_EVERY
	ErrorRateThreshold     float64       // BATCHD_ERROR_RATE_THRESHOLD
	GpuMemoryAbortFraction float64       // BATCHD_GPU_MEMORY_ABORT_FRACTION
	HealthBackoff          time.Duration // BATCHD_HEALTH_BACKOFF
	HealthBackoffMax       int           // BATCHD_HEALTH_BACKOFF_MAX
	WebhookMaxRetries      int           // BATCHD_WEBHOOK_MAX_RETRIES
	WebhookRatePerSec      float64       // BATCHD_WEBHOOK_RATE_PER_SEC
}

// Default returns batchd's baseline configuration.
func Default() Config {
	return Config{
		HTTPAddr:               ":8080",
		DBPath:                 "./batchd.db",
		BlobRoot:               "./var/batchd/files",
		WorkerID:               "",
		LogLevel:               "info",
		GPUProbeMode:           "smi",
		InferenceMode:          "noop",
		InferenceBaseURL:       "",
		MaxQueuedJobs:          20,
		MaxRequestsPerJob:      50000,
		MaxTotalQueuedRequests: 1000000,
		ChunkSize:              5000,
		ChunkRetryMax:          2,
		PollInterval:           2 * time.Second,
		LeaseTTL:               2 * time.Minute,
		ExtendLeaseEvery:       30 * time.Second,
		ErrorRateThreshold:     0.5,
		GpuMemoryAbortFraction: 0.98,
		HealthBackoff:          15 * time.Second,
		HealthBackoffMax:       4,
		WebhookMaxRetries:      5,
		WebhookRatePerSec:      5,
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// FromEnv seeds a Config from environment variables, falling back to
// Default() for anything unset or malformed.
func FromEnv() Config {
	def := Default()
	return Config{
		HTTPAddr:               getenv("BATCHD_HTTP_ADDR", def.HTTPAddr),
		DBPath:                 getenv("BATCHD_DB_PATH", def.DBPath),
		BlobRoot:               getenv("BATCHD_BLOB_ROOT", def.BlobRoot),
		WorkerID:               getenv("BATCHD_WORKER_ID", def.WorkerID),
		LogLevel:               getenv("BATCHD_LOG_LEVEL", def.LogLevel),
		GPUProbeMode:           getenv("BATCHD_GPU_PROBE", def.GPUProbeMode),
		InferenceMode:          getenv("BATCHD_INFERENCE_MODE", def.InferenceMode),
		InferenceBaseURL:       getenv("BATCHD_INFERENCE_BASE_URL", def.InferenceBaseURL),
		MaxQueuedJobs:          getenvInt("BATCHD_MAX_QUEUED_JOBS", def.MaxQueuedJobs),
		MaxRequestsPerJob:      getenvInt("BATCHD_MAX_REQUESTS_PER_JOB", def.MaxRequestsPerJob),
		MaxTotalQueuedRequests: getenvInt("BATCHD_MAX_TOTAL_QUEUED_REQUESTS", def.MaxTotalQueuedRequests),
		ChunkSize:              getenvInt("BATCHD_CHUNK_SIZE", def.ChunkSize),
		ChunkRetryMax:          getenvInt("BATCHD_CHUNK_RETRY_MAX", def.ChunkRetryMax),
		PollInterval:           getenvDuration("BATCHD_POLL_INTERVAL", def.PollInterval),
		LeaseTTL:               getenvDuration("BATCHD_LEASE_TTL", def.LeaseTTL),
		ExtendLeaseEvery:       getenvDuration("BATCHD_EXTEND_LEASE_EVERY", def.ExtendLeaseEvery),
		ErrorRateThreshold:     getenvFloat("BATCHD_ERROR_RATE_THRESHOLD", def.ErrorRateThreshold),
		GpuMemoryAbortFraction: getenvFloat("BATCHD_GPU_MEMORY_ABORT_FRACTION", def.GpuMemoryAbortFraction),
		HealthBackoff:          getenvDuration("BATCHD_HEALTH_BACKOFF", def.HealthBackoff),
		HealthBackoffMax:       getenvInt("BATCHD_HEALTH_BACKOFF_MAX", def.HealthBackoffMax),
		WebhookMaxRetries:      getenvInt("BATCHD_WEBHOOK_MAX_RETRIES", def.WebhookMaxRetries),
		WebhookRatePerSec:      getenvFloat("BATCHD_WEBHOOK_RATE_PER_SEC", def.WebhookRatePerSec),
	}
}

// BindServerFlags registers the flags used by cmd/batchd-server, seeded
// from cfg (normally the result of FromEnv). Flags override env vars.
func BindServerFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address (env BATCHD_HTTP_ADDR)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (env BATCHD_DB_PATH)")
	fs.StringVar(&cfg.BlobRoot, "blob-root", cfg.BlobRoot, "Blob storage root directory (env BATCHD_BLOB_ROOT)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error (env BATCHD_LOG_LEVEL)")
	fs.IntVar(&cfg.MaxQueuedJobs, "max-queued-jobs", cfg.MaxQueuedJobs, "Max jobs admitted while queued (env BATCHD_MAX_QUEUED_JOBS)")
	fs.IntVar(&cfg.MaxRequestsPerJob, "max-requests-per-job", cfg.MaxRequestsPerJob, "Max request lines accepted per job (env BATCHD_MAX_REQUESTS_PER_JOB)")
	fs.IntVar(&cfg.MaxTotalQueuedRequests, "max-total-queued-requests", cfg.MaxTotalQueuedRequests, "Max summed unprocessed requests across queued jobs (env BATCHD_MAX_TOTAL_QUEUED_REQUESTS)")
}

// BindWorkerFlags registers the flags used by cmd/batchd-worker, seeded
// from cfg (normally the result of FromEnv). Flags override env vars.
func BindWorkerFlags(fs *flag.FlagSet, cfg *Config) {
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (env BATCHD_DB_PATH)")
	fs.StringVar(&cfg.BlobRoot, "blob-root", cfg.BlobRoot, "Blob storage root directory (env BATCHD_BLOB_ROOT)")
	fs.StringVar(&cfg.WorkerID, "worker-id", cfg.WorkerID, "Stable identifier for this worker process (env BATCHD_WORKER_ID)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error (env BATCHD_LOG_LEVEL)")
	fs.StringVar(&cfg.GPUProbeMode, "gpu-probe", cfg.GPUProbeMode, "GPU probe backend: smi|static|noop (env BATCHD_GPU_PROBE)")
	fs.StringVar(&cfg.InferenceMode, "inference-mode", cfg.InferenceMode, "Inference adapter backend: http|noop (env BATCHD_INFERENCE_MODE)")
	fs.StringVar(&cfg.InferenceBaseURL, "inference-base-url", cfg.InferenceBaseURL, "Base URL of the inference engine's HTTP API (env BATCHD_INFERENCE_BASE_URL)")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "Requests processed per checkpointed chunk (env BATCHD_CHUNK_SIZE)")
	fs.IntVar(&cfg.ChunkRetryMax, "chunk-retry-max", cfg.ChunkRetryMax, "Times to retry a failing chunk at half size before failing its requests (env BATCHD_CHUNK_RETRY_MAX)")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Interval between scheduler poll ticks (env BATCHD_POLL_INTERVAL)")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "Job lease time-to-live (env BATCHD_LEASE_TTL)")
	fs.DurationVar(&cfg.ExtendLeaseEvery, "extend-lease-every", cfg.ExtendLeaseEvery, "How often to renew the held lease (env BATCHD_EXTEND_LEASE_EVERY)")
	fs.Float64Var(&cfg.ErrorRateThreshold, "error-rate-threshold", cfg.ErrorRateThreshold, "Per-job failure fraction that aborts remaining work (env BATCHD_ERROR_RATE_THRESHOLD)")
	fs.Float64Var(&cfg.GpuMemoryAbortFraction, "gpu-memory-abort-fraction", cfg.GpuMemoryAbortFraction, "GPU memory fraction above which a chunk is paused (env BATCHD_GPU_MEMORY_ABORT_FRACTION)")
	fs.DurationVar(&cfg.HealthBackoff, "health-backoff", cfg.HealthBackoff, "Pause between GPU health rechecks (env BATCHD_HEALTH_BACKOFF)")
	fs.IntVar(&cfg.HealthBackoffMax, "health-backoff-max", cfg.HealthBackoffMax, "Rechecks before failing a job as GPU unhealthy (env BATCHD_HEALTH_BACKOFF_MAX)")
	fs.IntVar(&cfg.WebhookMaxRetries, "webhook-max-retries", cfg.WebhookMaxRetries, "Max webhook delivery attempts (env BATCHD_WEBHOOK_MAX_RETRIES)")
	fs.Float64Var(&cfg.WebhookRatePerSec, "webhook-rate-per-sec", cfg.WebhookRatePerSec, "Max outbound webhook requests per second (env BATCHD_WEBHOOK_RATE_PER_SEC)")
}
