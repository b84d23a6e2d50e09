// Package queue dispatches durable jobs persisted in storage to registered
// handlers, with per-job retry scheduling and at-least-once delivery.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Phathdt/pmm-sub000/internal/storage"
	"github.com/Phathdt/pmm-sub000/pkg/logging"
)

// Outcome tells the dispatcher what to do with a handled job.
type Outcome int

const (
	// Done finalizes the job successfully.
	Done Outcome = iota
	// Skip finalizes the job without treating it as a failure; used when a
	// redelivered job finds its work already done or no longer relevant.
	Skip
	// Retry reschedules the job after Result.Delay.
	Retry
	// Fatal finalizes the job as failed; it will never run again.
	Fatal
)

// Result is a handler's verdict on one delivery.
type Result struct {
	Outcome Outcome
	Delay   time.Duration // for Retry; zero means immediate
	Err     error         // recorded on the job for Retry/Fatal
}

// Handler processes one job payload. Handlers must be idempotent: delivery
// is at-least-once and a crash mid-handle redelivers the job.
type Handler func(ctx context.Context, payload []byte) Result

// Options tunes one enqueue.
type Options struct {
	// Delay defers the first delivery.
	Delay time.Duration
	// JobID overrides the generated deduplication key. Enqueues with a
	// JobID already present in the store are dropped silently.
	JobID string
}

// ErrNoHandler is recorded on jobs whose queue has no registered handler.
var ErrNoHandler = errors.New("no handler registered for queue")

// Dispatcher polls the job store and runs handlers.
type Dispatcher struct {
	store    *storage.Storage
	interval time.Duration
	workers  int
	log      *logging.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher builds a dispatcher over the given store.
func NewDispatcher(store *storage.Storage, pollInterval time.Duration, workers int) *Dispatcher {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:    store,
		interval: pollInterval,
		workers:  workers,
		log:      logging.GetDefault().Component("queue"),
		handlers: make(map[string]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register binds a handler to a queue name. Must be called before Start.
func (d *Dispatcher) Register(queue string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[queue] = h
}

// Enqueue persists a job for the named queue.
func (d *Dispatcher) Enqueue(queue string, payload []byte, opts Options) error {
	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}
	runAt := time.Now().Add(opts.Delay)

	inserted, err := d.store.EnqueueJob(jobID, queue, payload, runAt)
	if err != nil {
		return err
	}
	if !inserted {
		d.log.Debug("Duplicate job dropped", "queue", queue, "job_id", jobID)
		return nil
	}
	d.log.Debug("Job enqueued", "queue", queue, "job_id", jobID, "run_at", runAt)
	return nil
}

// Start recovers stale claims and launches the polling loop.
func (d *Dispatcher) Start() error {
	recovered, err := d.store.RecoverRunningJobs()
	if err != nil {
		return fmt.Errorf("failed to recover jobs: %w", err)
	}
	if recovered > 0 {
		d.log.Info("Recovered interrupted jobs", "count", recovered)
	}

	d.wg.Add(1)
	go d.loop()
	return nil
}

// Stop cancels the loop and waits for in-flight handlers.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// finishedJobRetention is how long done and failed jobs stay in the table
// for inspection before the hourly purge removes them.
const finishedJobRetention = 24 * time.Hour

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	purge := time.NewTicker(time.Hour)
	defer purge.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.dispatchDue()
		case <-purge.C:
			purged, err := d.store.PurgeFinishedJobs(time.Now().Add(-finishedJobRetention))
			if err != nil {
				d.log.Error("Failed to purge finished jobs", "error", err)
			} else if purged > 0 {
				d.log.Debug("Purged finished jobs", "count", purged)
			}
		}
	}
}

func (d *Dispatcher) dispatchDue() {
	jobs, err := d.store.ClaimDueJobs(d.workers)
	if err != nil {
		d.log.Error("Failed to claim jobs", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job *storage.Job) {
			defer wg.Done()
			d.run(job)
		}(job)
	}
	wg.Wait()
}

func (d *Dispatcher) run(job *storage.Job) {
	d.mu.RLock()
	handler, ok := d.handlers[job.Queue]
	d.mu.RUnlock()
	if !ok {
		d.log.Error("No handler for queue", "queue", job.Queue, "job_id", job.JobID)
		if err := d.store.MarkJobFailed(job.ID, ErrNoHandler.Error()); err != nil {
			d.log.Error("Failed to fail job", "job_id", job.JobID, "error", err)
		}
		return
	}

	res := handler(d.ctx, job.Payload)

	switch res.Outcome {
	case Done:
		if err := d.store.MarkJobDone(job.ID); err != nil {
			d.log.Error("Failed to finalize job", "job_id", job.JobID, "error", err)
		}
	case Skip:
		d.log.Debug("Job skipped", "queue", job.Queue, "job_id", job.JobID)
		if err := d.store.MarkJobDone(job.ID); err != nil {
			d.log.Error("Failed to finalize job", "job_id", job.JobID, "error", err)
		}
	case Retry:
		msg := ""
		if res.Err != nil {
			msg = res.Err.Error()
		}
		runAt := time.Now().Add(res.Delay)
		d.log.Warn("Job retry scheduled",
			"queue", job.Queue, "job_id", job.JobID,
			"attempt", job.RetryCount+1, "run_at", runAt, "error", msg)
		if err := d.store.RescheduleJob(job.ID, runAt, msg); err != nil {
			d.log.Error("Failed to reschedule job", "job_id", job.JobID, "error", err)
		}
	case Fatal:
		msg := ""
		if res.Err != nil {
			msg = res.Err.Error()
		}
		d.log.Error("Job failed permanently", "queue", job.Queue, "job_id", job.JobID, "error", msg)
		if err := d.store.MarkJobFailed(job.ID, msg); err != nil {
			d.log.Error("Failed to fail job", "job_id", job.JobID, "error", err)
		}
	}
}
