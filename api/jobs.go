/*
jobs.go - Background job runner for backfill and import

PURPOSE:
  Long operations run outside the request. The handler creates a job
  record, returns it immediately, and the runner updates processed/total
  as the work reports progress. Clients poll GET /api/jobs/{id}.

LIFECYCLE:
  running -> completed (Result set)
  running -> failed    (Error set, logged at error level)

  A failed job is never retried here. Backfill is idempotent, so the
  operator resumes by starting a new backfill job.

USAGE:
  runner := NewJobRunner(store)
  job, err := runner.Start(ctx, JobBackfill, "", work)
  ...
  runner.Stop() // cancels in-flight work and waits

SEE ALSO:
  - handlers.go: TriggerBackfill, CreateImport
  - backfill/engine.go: Reports progress per batch
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/warp/invoice-recon/billing"
	"github.com/warp/invoice-recon/logger"
)

const (
	JobBackfill = "backfill"
	JobImport   = "import"
)

// ProgressUpdate persists progress for the running job.
type ProgressUpdate func(ctx context.Context, processed, total int) error

// JobWork does the job's work and returns its result count.
type JobWork func(ctx context.Context, update ProgressUpdate) (int, error)

// JobRunner runs jobs in background goroutines.
type JobRunner struct {
	store billing.JobStore
	now   func() time.Time
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewJobRunner(store billing.JobStore) *JobRunner {
	ctx, cancel := context.WithCancel(context.Background())
	return &JobRunner{
		store:  store,
		now:    time.Now,
		log:    logger.WithComponent("jobs"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start records a running job and launches work. The returned job is the
// initial record.
func (jr *JobRunner) Start(ctx context.Context, kind, sourceFile string, work JobWork) (billing.Job, error) {
	now := jr.now().UTC()
	job := billing.Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		Status:     billing.JobRunning,
		SourceFile: sourceFile,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := jr.store.CreateJob(ctx, job); err != nil {
		return billing.Job{}, fmt.Errorf("create job: %w", err)
	}

	jr.wg.Add(1)
	go jr.run(job, work)

	jr.log.Info().Str("job", job.ID).Str("kind", kind).Msg("job started")
	return job, nil
}

func (jr *JobRunner) run(job billing.Job, work JobWork) {
	defer jr.wg.Done()
	ctx := jr.ctx
	log := jr.log.With().Str("job", job.ID).Str("kind", job.Kind).Logger()

	update := func(ctx context.Context, processed, total int) error {
		job.ProcessedRows = processed
		job.TotalRows = total
		job.UpdatedAt = jr.now().UTC()
		return jr.store.UpdateJob(ctx, job)
	}

	result, err := work(ctx, update)
	job.Result = result
	job.UpdatedAt = jr.now().UTC()
	if err != nil {
		log.Error().Err(err).Int("processed", job.ProcessedRows).Msg("job failed")
		job.Status = billing.JobFailed
		job.Error = err.Error()
	} else {
		log.Info().Int("result", result).Msg("job completed")
		job.Status = billing.JobCompleted
	}

	// The runner context may already be cancelled; the final state must still land.
	if err := jr.store.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
		log.Error().Err(err).Msg("persist final job state")
	}
}

// Wait blocks until every started job has finished.
func (jr *JobRunner) Wait() {
	jr.wg.Wait()
}

// Stop cancels in-flight jobs and waits for them to record their outcome.
func (jr *JobRunner) Stop() {
	jr.cancel()
	jr.wg.Wait()
}
