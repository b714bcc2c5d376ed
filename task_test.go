package driverd

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTaskSuccessResolvesOnce(t *testing.T) {
	task := NewTask(TaskConfig{Name: "t1", Retries: 1, Timeout: time.Second})
	task.Success("ok")
	task.Success("ignored") // second call must be a no-op
	task.Abort(errors.New("ignored too"))

	o, err := task.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if o.Kind != OutcomeSuccess || o.Value != "ok" {
		t.Fatalf("got %+v, want Success(ok)", o)
	}
}

func TestTaskAbortIsIdempotent(t *testing.T) {
	task := NewTask(TaskConfig{Name: "t2"})
	reason := errors.New("boom")
	task.Abort(reason)
	task.Abort(errors.New("different reason"))

	o, _ := task.Wait(context.Background())
	if o.Kind != OutcomeAbort || !errors.Is(o.Err, reason) {
		t.Fatalf("got %+v, want Abort(%v)", o, reason)
	}
}

func TestTaskRetryExhaustsToAbort(t *testing.T) {
	task := NewTask(TaskConfig{Name: "t3", Retries: 0})
	if task.consumeRetry() {
		t.Fatalf("expected no retry budget")
	}
	// Queue's dispatch loop does this when consumeRetry fails.
	task.setTerminal(Outcome{Kind: OutcomeAbort, Err: ErrTaskTimeout})

	o, _ := task.Wait(context.Background())
	if o.Kind != OutcomeAbort || !errors.Is(o.Err, ErrTaskTimeout) {
		t.Fatalf("got %+v", o)
	}
}

func TestTaskRetryBudgetDecrements(t *testing.T) {
	task := NewTask(TaskConfig{Name: "t4", Retries: 2})
	if !task.consumeRetry() {
		t.Fatalf("expected first retry to succeed")
	}
	if !task.consumeRetry() {
		t.Fatalf("expected second retry to succeed")
	}
	if task.consumeRetry() {
		t.Fatalf("expected budget exhausted on third attempt")
	}
}

func TestTaskPayloadFuncInvokedOnce(t *testing.T) {
	calls := 0
	task := NewTask(TaskConfig{
		Name: "t5",
		PayloadFunc: func() ([]byte, error) {
			calls++
			return []byte("hello"), nil
		},
	})

	for i := 0; i < 3; i++ {
		p, err := task.Payload()
		if err != nil {
			t.Fatalf("Payload: %v", err)
		}
		if string(p) != "hello" {
			t.Fatalf("got %q", p)
		}
	}
	if calls != 1 {
		t.Fatalf("PayloadFunc invoked %d times, want 1", calls)
	}
}

func TestTaskWaitRespectsContextCancellation(t *testing.T) {
	task := NewTask(TaskConfig{Name: "t6"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := task.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}
}

func TestTaskContinueSignalsWithoutBlocking(t *testing.T) {
	task := NewTask(TaskConfig{Name: "t7"})
	// Continue should never block even with no reader draining continueCh yet.
	task.Continue()
	task.Continue()

	select {
	case <-task.continueCh:
	default:
		t.Fatalf("expected a pending Continue signal")
	}
}
