package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Phathdt/pmm-sub000/internal/storage"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *storage.Storage) {
	t.Helper()
	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewDispatcher(store, 10*time.Millisecond, 2), store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDispatchDone(t *testing.T) {
	d, store := newTestDispatcher(t)

	var handled atomic.Int32
	d.Register("q", func(ctx context.Context, payload []byte) Result {
		handled.Add(1)
		return Result{Outcome: Done}
	})

	if err := d.Enqueue("q", []byte(`{}`), Options{JobID: "job-1"}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer d.Stop()

	waitFor(t, 2*time.Second, func() bool { return handled.Load() == 1 })

	job, err := store.GetJobByJobID("job-1")
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		job, err = store.GetJobByJobID("job-1")
		return err == nil && job.Status == storage.JobStatusDone
	})
}

func TestDispatchRetryThenDone(t *testing.T) {
	d, store := newTestDispatcher(t)

	var attempts atomic.Int32
	d.Register("q", func(ctx context.Context, payload []byte) Result {
		if attempts.Add(1) == 1 {
			return Result{Outcome: Retry, Delay: 20 * time.Millisecond}
		}
		return Result{Outcome: Done}
	})

	if err := d.Enqueue("q", nil, Options{JobID: "job-1"}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer d.Stop()

	waitFor(t, 3*time.Second, func() bool { return attempts.Load() >= 2 })
	waitFor(t, time.Second, func() bool {
		job, err := store.GetJobByJobID("job-1")
		return err == nil && job.Status == storage.JobStatusDone && job.RetryCount == 1
	})
}

func TestDispatchFatal(t *testing.T) {
	d, store := newTestDispatcher(t)

	d.Register("q", func(ctx context.Context, payload []byte) Result {
		return Result{Outcome: Fatal, Err: context.DeadlineExceeded}
	})

	if err := d.Enqueue("q", nil, Options{JobID: "job-1"}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer d.Stop()

	waitFor(t, 2*time.Second, func() bool {
		job, err := store.GetJobByJobID("job-1")
		return err == nil && job.Status == storage.JobStatusFailed
	})
}

func TestEnqueueDedup(t *testing.T) {
	d, store := newTestDispatcher(t)

	if err := d.Enqueue("q", []byte("a"), Options{JobID: "same"}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	// Duplicate drops silently.
	if err := d.Enqueue("q", []byte("b"), Options{JobID: "same"}); err != nil {
		t.Fatalf("duplicate enqueue errored: %v", err)
	}

	job, err := store.GetJobByJobID("same")
	if err != nil {
		t.Fatalf("failed to get job: %v", err)
	}
	if string(job.Payload) != "a" {
		t.Errorf("payload = %q, want first enqueue kept", job.Payload)
	}
}

func TestNoHandlerFailsJob(t *testing.T) {
	d, store := newTestDispatcher(t)

	if err := d.Enqueue("orphan", nil, Options{JobID: "job-1"}); err != nil {
		t.Fatalf("failed to enqueue: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	defer d.Stop()

	waitFor(t, 2*time.Second, func() bool {
		job, err := store.GetJobByJobID("job-1")
		return err == nil && job.Status == storage.JobStatusFailed
	})
}
