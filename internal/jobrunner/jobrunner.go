// Package jobrunner is the batch scheduler (§4.4): it drives a Job to
// completion by repeatedly invoking the orchestrator on each of its tasks,
// with bounded parallelism and settle-before-next-batch semantics.
package jobrunner

import (
	"context"
	"log/slog"
	"sync"

	"github.com/c360studio/semspec/internal/metrics"
	"github.com/c360studio/semspec/internal/task"
	"github.com/c360studio/semspec/storage"
)

// Driver is the orchestrator's single-step contract, as jobrunner needs
// it. internal/orchestrator.Orchestrator satisfies this.
type Driver interface {
	Process(ctx context.Context, t *task.Task) (*task.Task, error)
}

// Runner drives jobs to completion.
type Runner struct {
	store       storage.Store
	driver      Driver
	maxParallel int
	logger      *slog.Logger
}

func New(store storage.Store, driver Driver, maxParallel int) *Runner {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &Runner{store: store, driver: driver, maxParallel: maxParallel, logger: slog.Default()}
}

// Run drives job to a terminal status, updating its summary after every
// batch (§4.4). With continueOnError false, the loop stops after the first
// batch in which a task failed; with it true, every remaining batch runs.
func (r *Runner) Run(ctx context.Context, jobID string, continueOnError bool) error {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = task.JobRunning
	if err := r.store.SaveJob(ctx, job); err != nil {
		return err
	}

	pending := append([]string(nil), job.TaskIDs...)
	cancelled := false

	for len(pending) > 0 {
		job, err = r.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status == task.JobCancelled {
			cancelled = true
			break
		}

		batchSize := r.maxParallel
		if batchSize > len(pending) {
			batchSize = len(pending)
		}
		batch := pending[:batchSize]
		pending = pending[batchSize:]
		metrics.JobQueueDepth.Set(float64(len(pending)))

		failed := r.runBatch(ctx, batch)

		job, err = r.store.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		r.updateSummary(ctx, job)

		if !continueOnError && failed {
			break
		}
	}

	job, err = r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Status = finalStatus(cancelled, job.Summary)
	metrics.JobQueueDepth.Set(0)
	return r.store.SaveJob(ctx, job)
}

// runBatch drives every task id in batch to a terminal/waiting status
// concurrently and waits for all of them to settle before returning;
// no task's failure aborts its siblings. Returns true if any task in the
// batch ended FAILED.
func (r *Runner) runBatch(ctx context.Context, batch []string) bool {
	var wg sync.WaitGroup
	results := make([]task.Status, len(batch))

	for i, id := range batch {
		wg.Add(1)
		go func(i int, taskID string) {
			defer wg.Done()
			results[i] = r.driveTask(ctx, taskID)
		}(i, id)
	}
	wg.Wait()

	for _, s := range results {
		if s == task.StatusFailed {
			return true
		}
	}
	return false
}

// driveTask loops process(task) until it reaches a terminal or waiting
// status, persisting the returned task after each step.
func (r *Runner) driveTask(ctx context.Context, taskID string) task.Status {
	for {
		t, err := r.store.GetTask(ctx, taskID)
		if err != nil {
			r.logger.Error("jobrunner: load task failed", "task_id", taskID, "error", err)
			return task.StatusFailed
		}
		if t.Status.IsTerminal() || t.Status == task.StatusWaitingHuman {
			return t.Status
		}

		next, err := r.driver.Process(ctx, t)
		if err != nil {
			r.logger.Error("jobrunner: process failed", "task_id", taskID, "error", err)
			t.Status = task.StatusFailed
			t.LastError = err.Error()
			_ = r.store.SaveTask(ctx, t)
			return task.StatusFailed
		}
		if err := r.store.SaveTask(ctx, next); err != nil {
			r.logger.Error("jobrunner: save task failed", "task_id", taskID, "error", err)
			return task.StatusFailed
		}

		if next.Status == t.Status && task.NextAction(next.Status) == task.ActionWait {
			// Genuinely suspended (e.g. waiting on external CI or a human
			// review): stop driving this task for now.
			return next.Status
		}
		if next.Status.IsTerminal() || next.Status == task.StatusWaitingHuman {
			return next.Status
		}
	}
}

func (r *Runner) updateSummary(ctx context.Context, job *task.Job) {
	summary := task.JobSummary{Total: len(job.TaskIDs), PRsCreated: []string{}}
	for _, id := range job.TaskIDs {
		t, err := r.store.GetTask(ctx, id)
		if err != nil {
			continue
		}
		switch {
		case t.Status == task.StatusCompleted || t.Status == task.StatusWaitingHuman:
			summary.Completed++
			if t.PRURL != "" {
				summary.PRsCreated = append(summary.PRsCreated, t.PRURL)
			}
		case t.Status == task.StatusFailed:
			summary.Failed++
		default:
			summary.InProgress++
		}
	}
	job.Summary = summary
	if err := r.store.SaveJob(ctx, job); err != nil {
		r.logger.Error("jobrunner: save job summary failed", "job_id", job.ID, "error", err)
	}
}

func finalStatus(cancelled bool, s task.JobSummary) task.JobStatus {
	if cancelled {
		return task.JobCancelled
	}
	if s.Total == 0 {
		return task.JobFailed
	}
	if s.Completed == s.Total {
		return task.JobCompleted
	}
	if s.Completed == 0 {
		return task.JobFailed
	}
	return task.JobPartial
}
