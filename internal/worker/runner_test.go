package worker

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeWorker struct {
	name    string
	runErr  error
	started chan struct{}
}

func (w *fakeWorker) Name() string { return w.name }

func (w *fakeWorker) Run(ctx context.Context) error {
	if w.started != nil {
		close(w.started)
	}
	if w.runErr != nil {
		return w.runErr
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRunner_CancelStopsAllWorkers(t *testing.T) {
	a := &fakeWorker{name: "a"}
	b := &fakeWorker{name: "b"}
	r := NewRunner(nil, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunner_OneWorkerFailureCancelsTheOthers(t *testing.T) {
	started := make(chan struct{})
	failing := &fakeWorker{name: "failing", runErr: errors.New("boom")}
	longRunning := &fakeWorker{name: "long-running", started: started}
	r := NewRunner(nil, failing, longRunning)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("long-running worker never started")
	}

	select {
	case err := <-done:
		if err == nil || err.Error() != "boom" {
			t.Fatalf("Run() error = %v, want boom", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after a worker failed")
	}
}

func TestRunner_NoWorkersReturnsNilImmediately(t *testing.T) {
	r := NewRunner(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
}
