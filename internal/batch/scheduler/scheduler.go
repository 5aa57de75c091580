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

// Package scheduler implements batchd's single-worker job loop: it
// acquires at most one job at a time, swaps the inference engine to the
// job's model if needed, runs the job's requests in fixed-size chunks,
// checkpointing after each chunk so a crash resumes from the last saved
// chunk rather than the start of the job, and finalizes the job's
// output/error files once every request line has been processed or the
// job is cancelled or expires mid-run.
package scheduler

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	json "github.com/goccy/go-json"

	"batchd/internal/batch/gpu"
	"batchd/internal/batch/inference"
	"batchd/internal/batch/metrics"
	"batchd/internal/batch/model"
	"batchd/internal/batch/resultline"
)

// Store defines the persistence operations the scheduler needs.
type Store interface {
	AcquireNextJob(ctx context.Context, workerID string, leaseTTL time.Duration) (*model.Job, error)
	ExtendLease(ctx context.Context, jobID, workerID string, leaseTTL time.Duration) (bool, error)
	GetJobByID(ctx context.Context, id string) (*model.Job, error)
	GetFile(ctx context.Context, id string) (*model.File, error)
	InsertFile(ctx context.Context, f model.File) error
	SaveCheckpoint(ctx context.Context, jobID string, checkpoint, completed, failed int) error
	MarkFinalizing(ctx context.Context, jobID string) error
	MarkCompleted(ctx context.Context, jobID string, outputFileID string, errorFileID *string) error
	MarkFailed(ctx context.Context, jobID, reason string) error
	MarkCancelled(ctx context.Context, jobID string, outputFileID, errorFileID *string) error
	MarkExpired(ctx context.Context, jobID string, outputFileID, errorFileID *string) error
	RequeueOrphaned(ctx context.Context) (requeued int64, cancelledJobIDs []string, err error)
	InsertFailedRequest(ctx context.Context, fr model.FailedRequest) error
	PutHeartbeat(ctx context.Context, hb model.WorkerHeartbeat) error
	InsertWebhookDelivery(ctx context.Context, d model.WebhookDelivery) (int64, error)
}

// BlobStore is the subset of blobstore.Store the scheduler depends on.
type BlobStore interface {
	Open(digest string) (io.ReadCloser, error)
	WorkFile(jobID, name string) (*os.File, error)
	ResumePoint(jobID, name string) (lines, failed int, err error)
	FinalizeWork(jobID, name string) (digest string, size int64, err error)
	DiscardWork(jobID string) error
}

// Config controls scheduler timing and limits.
type Config struct {
	WorkerID               string
	PollInterval           time.Duration
	LeaseTTL               time.Duration
	ExtendLeaseEvery       time.Duration
	ChunkSize              int
	ChunkRetryMax          int
	ErrorRateThreshold     float64
	GpuMemoryAbortFraction float64
	HealthBackoff          time.Duration
	HealthBackoffMax       int
}

// Scheduler drives the single-worker job loop.
type Scheduler struct {
	store     Store
	blobs     BlobStore
	inference inference.Client
	prober    gpu.Prober
	results   *resultline.Registry
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	loadedModel string
}

// New constructs a Scheduler.
func New(store Store, blobs BlobStore, infClient inference.Client, prober gpu.Prober, results *resultline.Registry, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.ExtendLeaseEvery <= 0 || cfg.ExtendLeaseEvery >= cfg.LeaseTTL {
		cfg.ExtendLeaseEvery = cfg.LeaseTTL / 2
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 5000
	}
	if cfg.ChunkRetryMax <= 0 {
		cfg.ChunkRetryMax = 2
	}
	if cfg.ErrorRateThreshold <= 0 {
		cfg.ErrorRateThreshold = 0.5
	}
	if cfg.GpuMemoryAbortFraction <= 0 {
		cfg.GpuMemoryAbortFraction = 0.98
	}
	if cfg.HealthBackoff <= 0 {
		cfg.HealthBackoff = 15 * time.Second
	}
	if cfg.HealthBackoffMax <= 0 {
		cfg.HealthBackoffMax = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     store,
		blobs:     blobs,
		inference: infClient,
		prober:    prober,
		results:   results,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// errJobFinalized signals that chunk processing already drove the job to
// a terminal state itself (cancelled, expired, failed on error rate, or
// failed on a GPU health timeout); processJob should stop without
// treating it as a scheduler-level failure.
var errJobFinalized = errors.New("job reached a terminal state during chunk processing")

// Run polls for claimable jobs until ctx is cancelled, processing at most
// one at a time. This is the single point where orphaned-lease recovery
// and per-job execution both happen, matching the one-job-in-flight
// invariant the store's AcquireNextJob enforces.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler starting", "worker_id", s.cfg.WorkerID, "poll_interval", s.cfg.PollInterval)
	defer s.logger.Info("scheduler stopped")

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}

		s.reclaimOrphaned(ctx)

		job, err := s.store.AcquireNextJob(ctx, s.cfg.WorkerID, s.cfg.LeaseTTL)
		if err == nil && job != nil {
			s.logger.Info("acquired job", "job_id", job.ID, "model", job.ModelName, "checkpoint", job.Checkpoint)
			s.heartbeat(ctx, model.WorkerStatusProcessing, &job.ID)
			if procErr := s.processJob(ctx, job); procErr != nil {
				s.logger.Error("job processing failed", "job_id", job.ID, "error", procErr)
			}
			s.heartbeat(ctx, model.WorkerStatusIdle, nil)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// reclaimOrphaned resets jobs left in_progress/finalizing by a crashed
// worker back to validating, and finalizes to cancelled any of those
// that had a pending cancellation no running loop will ever observe
// again, enqueueing the webhook delivery that transition still owes.
func (s *Scheduler) reclaimOrphaned(ctx context.Context) {
	requeued, cancelledIDs, err := s.store.RequeueOrphaned(ctx)
	if err != nil {
		s.logger.Warn("requeue orphaned jobs failed", "error", err)
		return
	}
	if requeued > 0 {
		s.logger.Info("reclaimed orphaned jobs", "count", requeued)
	}
	for _, id := range cancelledIDs {
		metrics.IncJob("cancelled")
		s.logger.Info("finalized orphaned job with pending cancellation", "job_id", id)
		job, err := s.store.GetJobByID(ctx, id)
		if err != nil {
			s.logger.Warn("load orphaned cancelled job failed", "job_id", id, "error", err)
			continue
		}
		s.enqueueTerminalWebhook(ctx, job, "batch.cancelled")
	}
}

func (s *Scheduler) heartbeat(ctx context.Context, status model.WorkerStatus, jobID *string) {
	hb := model.WorkerHeartbeat{
		WorkerID:        s.cfg.WorkerID,
		LastSeenAt:      s.now(),
		Status:          status,
		CurrentJobID:    jobID,
		LoadedModelName: nilIfEmpty(s.loadedModel),
	}
	if h, err := s.prober.Probe(ctx); err == nil {
		hb.GPUMemoryFraction = h.MemoryFraction()
		hb.GPUTemperature = h.TemperatureC
	}
	if err := s.store.PutHeartbeat(ctx, hb); err != nil {
		s.logger.Warn("put heartbeat failed", "error", err)
	}
}

// ensureModelLoaded swaps the inference engine's active model if the job
// needs a different one, recording the swap in metrics either way so
// hot-swap frequency is visible.
func (s *Scheduler) ensureModelLoaded(ctx context.Context, modelName string) error {
	if s.loadedModel == modelName {
		return nil
	}
	if s.loadedModel != "" {
		if err := s.inference.UnloadModel(ctx); err != nil {
			return fmt.Errorf("unload model %q: %w", s.loadedModel, err)
		}
		metrics.IncModelSwap(metrics.SwapUnload, s.loadedModel)
		s.loadedModel = ""
	}
	if err := s.inference.LoadModel(ctx, modelName); err != nil {
		return fmt.Errorf("load model %q: %w", modelName, err)
	}
	metrics.IncModelSwap(metrics.SwapLoad, modelName)
	s.loadedModel = modelName
	return nil
}

// waitForHealthyGPU gates a chunk about to run on accelerator health,
// backing off and re-probing up to HealthBackoffMax times before giving
// up. Called once before every chunk, not just once at job start, so a
// GPU that degrades mid-job is caught before the next chunk makes it worse.
func (s *Scheduler) waitForHealthyGPU(ctx context.Context, job *model.Job) error {
	if s.prober == nil {
		return nil
	}
	for attempt := 0; ; attempt++ {
		h, err := s.prober.Probe(ctx)
		if err != nil {
			return fmt.Errorf("gpu_unhealthy: probe failed: %w", err)
		}
		if h.Healthy && h.MemoryFraction() <= s.cfg.GpuMemoryAbortFraction {
			return nil
		}
		if attempt >= s.cfg.HealthBackoffMax {
			return fmt.Errorf("gpu_unhealthy: %s (memory_fraction=%.2f) after %d backoff attempts", h.Reason, h.MemoryFraction(), attempt)
		}
		s.logger.Warn("gpu unhealthy before chunk, backing off", "job_id", job.ID, "attempt", attempt+1, "reason", h.Reason, "memory_fraction", h.MemoryFraction())
		t := time.NewTimer(s.cfg.HealthBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// generateChunkWithRetry runs reqs through the inference client, and on a
// chunk-level (retriable) failure halves the chunk and retries each half
// independently, up to ChunkRetryMax halvings, before giving up and
// reporting every request in the exhausted (sub)chunk as individually
// failed. This is what lets one bad request in an otherwise-healthy
// chunk fail alone instead of taking its neighbors down with it.
func (s *Scheduler) generateChunkWithRetry(ctx context.Context, reqs []model.BatchRequestBody, depth int) []inference.Outcome {
	if len(reqs) == 0 {
		return nil
	}
	outcomes, err := s.inference.Generate(ctx, reqs)
	if err == nil {
		return outcomes
	}
	if len(reqs) > 1 && depth < s.cfg.ChunkRetryMax {
		mid := len(reqs) / 2
		left := s.generateChunkWithRetry(ctx, reqs[:mid], depth+1)
		right := s.generateChunkWithRetry(ctx, reqs[mid:], depth+1)
		return append(left, right...)
	}
	s.logger.Warn("chunk generation exhausted retries, failing requests individually", "size", len(reqs), "depth", depth, "error", err)
	out := make([]inference.Outcome, len(reqs))
	for i := range reqs {
		out[i] = inference.Outcome{Err: &inference.InferenceError{Retriable: false, Code: "generation_error", Err: err}}
	}
	return out
}

// checkCancelRequested reloads the job's cancellation flag from the
// store. The in-memory job handle processJob works from is populated
// once at acquisition time and never otherwise refreshed, so this is the
// only way a cancel requested after acquisition becomes visible.
func (s *Scheduler) checkCancelRequested(ctx context.Context, job *model.Job) (bool, error) {
	fresh, err := s.store.GetJobByID(ctx, job.ID)
	if err != nil {
		return false, fmt.Errorf("reload job: %w", err)
	}
	return fresh.CancelRequested, nil
}

// expired reports whether job's completion_window has elapsed.
func (s *Scheduler) expired(job *model.Job) bool {
	window, err := time.ParseDuration(job.CompletionWindow)
	if err != nil {
		return false
	}
	return s.now().Sub(job.CreatedAt) > window
}

func (s *Scheduler) processJob(ctx context.Context, job *model.Job) error {
	if err := s.ensureModelLoaded(ctx, job.ModelName); err != nil {
		s.failJob(ctx, job, err.Error())
		return err
	}

	builder, err := s.results.For(job.Endpoint)
	if err != nil {
		s.failJob(ctx, job, err.Error())
		return err
	}

	input, err := s.blobs.Open(job.InputFileID)
	if err != nil {
		s.failJob(ctx, job, fmt.Sprintf("open input file: %v", err))
		return fmt.Errorf("open input file: %w", err)
	}
	defer input.Close()

	outWriter, err := s.blobs.WorkFile(job.ID, "output.jsonl")
	if err != nil {
		s.failJob(ctx, job, err.Error())
		return err
	}
	defer outWriter.Close()

	errWriter, err := s.blobs.WorkFile(job.ID, "error.jsonl")
	if err != nil {
		s.failJob(ctx, job, err.Error())
		return err
	}
	defer errWriter.Close()

	// The output work file, not the checkpoint column, is the source of
	// truth for how far this job actually got: a crash between appending
	// a result line and saving the checkpoint that covers it would
	// otherwise cause the next run to reprocess and duplicate that line.
	resumeLines, resumeFailed, err := s.blobs.ResumePoint(job.ID, "output.jsonl")
	if err != nil {
		s.failJob(ctx, job, fmt.Sprintf("resume point: %v", err))
		return fmt.Errorf("resume point: %w", err)
	}
	completed := resumeLines - resumeFailed
	failed := resumeFailed
	skipThrough := resumeLines
	if skipThrough != job.Checkpoint {
		s.logger.Warn("correcting checkpoint from output file line count", "job_id", job.ID, "stored_checkpoint", job.Checkpoint, "actual_lines", skipThrough)
		if err := s.store.SaveCheckpoint(ctx, job.ID, skipThrough, completed, failed); err != nil {
			s.logger.Warn("persist corrected checkpoint failed", "job_id", job.ID, "error", err)
		}
	}

	lineNo := 0
	nextLease := s.now().Add(s.cfg.ExtendLeaseEvery)
	chunkStart := s.now()

	var chunkLines []model.BatchRequestLine
	var chunkLineNos []int
	var chunkParseErrs []error

	flush := func() error {
		if len(chunkLines) == 0 {
			return nil
		}

		if s.expired(job) {
			if err := s.finalizeExpired(ctx, job, outWriter, errWriter, completed, failed); err != nil {
				return err
			}
			return errJobFinalized
		}
		if cancelled, err := s.checkCancelRequested(ctx, job); err != nil {
			return err
		} else if cancelled {
			if err := s.finalizeCancelled(ctx, job, outWriter, errWriter, completed, failed); err != nil {
				return err
			}
			return errJobFinalized
		}
		if err := s.waitForHealthyGPU(ctx, job); err != nil {
			s.failJob(ctx, job, err.Error())
			return errJobFinalized
		}

		var pending []model.BatchRequestBody
		var pendingIdx []int
		for i, perr := range chunkParseErrs {
			if perr != nil {
				continue
			}
			pending = append(pending, chunkLines[i].Body)
			pendingIdx = append(pendingIdx, i)
		}

		outcomes := s.generateChunkWithRetry(ctx, pending, 0)
		results := make([]*inference.Outcome, len(chunkLines))
		for k, idx := range pendingIdx {
			o := outcomes[k]
			results[idx] = &o
		}

		for i, reqLine := range chunkLines {
			ln := chunkLineNos[i]
			switch {
			case chunkParseErrs[i] != nil:
				failed++
				line := builder.BuildFailure("", "invalid_request", chunkParseErrs[i].Error())
				s.writeResultLine(outWriter, line)
				s.writeResultLine(errWriter, line)
				_ = s.store.InsertFailedRequest(ctx, model.FailedRequest{JobID: job.ID, RequestIndex: ln, ErrorCode: "invalid_request", ErrorMessage: chunkParseErrs[i].Error()})
			case results[i].Err != nil:
				failed++
				line := builder.BuildFailure(reqLine.CustomID, results[i].Err.Code, results[i].Err.Error())
				s.writeResultLine(outWriter, line)
				s.writeResultLine(errWriter, line)
				_ = s.store.InsertFailedRequest(ctx, model.FailedRequest{JobID: job.ID, CustomID: reqLine.CustomID, RequestIndex: ln, ErrorCode: results[i].Err.Code, ErrorMessage: results[i].Err.Error()})
			default:
				completed++
				s.writeResultLine(outWriter, builder.BuildSuccess(reqLine.CustomID, results[i].Response))
			}
		}

		lastLineNo := chunkLineNos[len(chunkLineNos)-1]
		metrics.ObserveChunkDuration(job.ModelName, s.now().Sub(chunkStart))
		if err := s.store.SaveCheckpoint(ctx, job.ID, lastLineNo, completed, failed); err != nil {
			return fmt.Errorf("save checkpoint at line %d: %w", lastLineNo, err)
		}
		if total := completed + failed; total > 0 && float64(failed)/float64(total) > s.cfg.ErrorRateThreshold {
			reason := fmt.Sprintf("error rate %.2f exceeds threshold %.2f after %d requests", float64(failed)/float64(total), s.cfg.ErrorRateThreshold, total)
			s.failJob(ctx, job, reason)
			return errJobFinalized
		}

		chunkLines = chunkLines[:0]
		chunkLineNos = chunkLineNos[:0]
		chunkParseErrs = chunkParseErrs[:0]
		chunkStart = s.now()
		return nil
	}

	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)

	for scanner.Scan() {
		lineNo++
		if lineNo <= skipThrough {
			continue // already durably written before a prior crash
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.now().After(nextLease) {
			if ok, err := s.store.ExtendLease(ctx, job.ID, s.cfg.WorkerID, s.cfg.LeaseTTL); err != nil || !ok {
				return fmt.Errorf("lost lease for job %s (ok=%v err=%v)", job.ID, ok, err)
			}
			nextLease = s.now().Add(s.cfg.ExtendLeaseEvery)
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var reqLine model.BatchRequestLine
		perr := json.Unmarshal(line, &reqLine)
		chunkLines = append(chunkLines, reqLine)
		chunkLineNos = append(chunkLineNos, lineNo)
		chunkParseErrs = append(chunkParseErrs, perr)

		if len(chunkLines) >= s.cfg.ChunkSize {
			if err := flush(); err != nil {
				if errors.Is(err, errJobFinalized) {
					return nil
				}
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		s.failJob(ctx, job, fmt.Sprintf("read input: %v", err))
		return fmt.Errorf("read input: %w", err)
	}

	if err := flush(); err != nil {
		if errors.Is(err, errJobFinalized) {
			return nil
		}
		return err
	}

	return s.finalize(ctx, job, outWriter, errWriter, completed, failed)
}

func (s *Scheduler) writeResultLine(w io.Writer, line model.BatchResultLine) {
	b, err := json.Marshal(line)
	if err != nil {
		s.logger.Error("marshal result line failed", "error", err)
		return
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		s.logger.Error("write result line failed", "error", err)
	}
}

// collectOutputs closes the in-progress work files and content-addresses
// them into the blob store, returning the output digest and (if any
// request failed) the error file's digest. Shared by every terminal path
// that needs to preserve whatever output was durably written so far.
func (s *Scheduler) collectOutputs(ctx context.Context, job *model.Job, outWriter, errWriter io.Closer, failed int) (outputFileID string, errorFileID *string, err error) {
	outWriter.Close()
	errWriter.Close()

	outDigest, outSize, err := s.blobs.FinalizeWork(job.ID, "output.jsonl")
	if err != nil {
		return "", nil, fmt.Errorf("finalize output: %w", err)
	}
	if err := s.store.InsertFile(ctx, model.File{ID: outDigest, Purpose: model.FilePurposeOutput, SizeBytes: outSize, CreatedAt: s.now()}); err != nil {
		return "", nil, fmt.Errorf("insert output file: %w", err)
	}

	if failed > 0 {
		errDigest, errSize, err := s.blobs.FinalizeWork(job.ID, "error.jsonl")
		if err != nil {
			return "", nil, fmt.Errorf("finalize error file: %w", err)
		}
		if err := s.store.InsertFile(ctx, model.File{ID: errDigest, Purpose: model.FilePurposeError, SizeBytes: errSize, CreatedAt: s.now()}); err != nil {
			return "", nil, fmt.Errorf("insert error file: %w", err)
		}
		return outDigest, &errDigest, nil
	}
	_ = s.blobs.DiscardWork(job.ID)
	return outDigest, nil, nil
}

// enqueueTerminalWebhook enqueues the delivery every terminal transition
// owes a client, regardless of whether the job succeeded, failed, was
// cancelled, or expired. The dispatcher reloads the job fresh from the
// store before it sends, so only the event name needs to be right here.
func (s *Scheduler) enqueueTerminalWebhook(ctx context.Context, job *model.Job, event string) {
	if job.WebhookURL == "" {
		return
	}
	if _, err := s.store.InsertWebhookDelivery(ctx, model.WebhookDelivery{
		JobID:         job.ID,
		Event:         event,
		URL:           job.WebhookURL,
		NextAttemptAt: s.now(),
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("enqueue webhook delivery failed", "job_id", job.ID, "event", event, "error", err)
	}
}

func (s *Scheduler) failJob(ctx context.Context, job *model.Job, reason string) {
	if err := s.store.MarkFailed(ctx, job.ID, reason); err != nil {
		s.logger.Warn("mark failed failed", "job_id", job.ID, "error", err)
		return
	}
	metrics.IncJob("failed")
	s.enqueueTerminalWebhook(ctx, job, "batch.failed")
	s.logger.Error("job failed", "job_id", job.ID, "reason", reason)
}

func (s *Scheduler) finalize(ctx context.Context, job *model.Job, outWriter, errWriter io.Closer, completed, failed int) error {
	if err := s.store.MarkFinalizing(ctx, job.ID); err != nil {
		return fmt.Errorf("mark finalizing: %w", err)
	}

	outDigest, errFileID, err := s.collectOutputs(ctx, job, outWriter, errWriter, failed)
	if err != nil {
		s.failJob(ctx, job, err.Error())
		return err
	}

	if err := s.store.MarkCompleted(ctx, job.ID, outDigest, errFileID); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	metrics.IncJob("completed")
	s.enqueueTerminalWebhook(ctx, job, "batch.completed")
	s.logger.Info("job completed", "job_id", job.ID, "completed", completed, "failed", failed)
	return nil
}

// finalizeCancelled is reached when a between-chunk check observes
// cancel_requested on an in_progress job. Whatever output was durably
// written before the cancellation is kept, exactly like a completed job.
func (s *Scheduler) finalizeCancelled(ctx context.Context, job *model.Job, outWriter, errWriter io.Closer, completed, failed int) error {
	outDigest, errFileID, err := s.collectOutputs(ctx, job, outWriter, errWriter, failed)
	if err != nil {
		s.logger.Warn("finalize cancelled job outputs failed", "job_id", job.ID, "error", err)
		if mcErr := s.store.MarkCancelled(ctx, job.ID, nil, nil); mcErr != nil {
			return fmt.Errorf("mark cancelled: %w", mcErr)
		}
	} else if err := s.store.MarkCancelled(ctx, job.ID, &outDigest, errFileID); err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	metrics.IncJob("cancelled")
	s.enqueueTerminalWebhook(ctx, job, "batch.cancelled")
	s.logger.Info("job cancelled mid-run", "job_id", job.ID, "completed", completed, "failed", failed)
	return nil
}

// finalizeExpired is reached when a between-chunk check finds the job's
// completion_window has elapsed without reaching a terminal state.
func (s *Scheduler) finalizeExpired(ctx context.Context, job *model.Job, outWriter, errWriter io.Closer, completed, failed int) error {
	outDigest, errFileID, err := s.collectOutputs(ctx, job, outWriter, errWriter, failed)
	if err != nil {
		s.logger.Warn("finalize expired job outputs failed", "job_id", job.ID, "error", err)
		if meErr := s.store.MarkExpired(ctx, job.ID, nil, nil); meErr != nil {
			return fmt.Errorf("mark expired: %w", meErr)
		}
	} else if err := s.store.MarkExpired(ctx, job.ID, &outDigest, errFileID); err != nil {
		return fmt.Errorf("mark expired: %w", err)
	}
	metrics.IncJob("expired")
	s.enqueueTerminalWebhook(ctx, job, "batch.expired")
	s.logger.Info("job expired mid-run", "job_id", job.ID, "completed", completed, "failed", failed)
	return nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
