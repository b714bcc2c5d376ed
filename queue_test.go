package driverd

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// recordingSender is a fake sender that records every payload it was asked
// to send and lets tests drive a task's response parser by hand.
type recordingSender struct {
	mu   sync.Mutex
	sent [][]byte
	fail bool
}

func (s *recordingSender) Send(ctx context.Context, data []byte, task *Task) error {
	s.mu.Lock()
	s.sent = append(s.sent, data)
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return ErrTransportDisconnected
	}
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestQueue(t *testing.T, s sender) (*Queue, *atomic.Bool, context.CancelFunc) {
	t.Helper()
	online := &atomic.Bool{}
	online.Store(true)
	q := NewQueue(s, online, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go q.Run(ctx)
	return q, online, cancel
}

// S4 — clear_queue.
func TestQueueClearQueueScenarioS4(t *testing.T) {
	s := &recordingSender{}
	q, _, cancel := newTestQueue(t, s)
	defer cancel()

	// A is already in-flight (dispatched the instant it was sent, since the
	// queue was idle) and never completes on its own, standing in for
	// "A either completes or aborts as the in-flight" task.
	a := NewTask(TaskConfig{Name: "A", Priority: PriorityNormal, Timeout: time.Hour})
	if _, err := q.Send(a); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitForDispatch(t, s, 1)

	b := NewTask(TaskConfig{Name: "B", Priority: PriorityNormal, Timeout: time.Hour})
	c := NewTask(TaskConfig{Name: "C", Priority: PriorityNormal, Timeout: time.Hour, ClearQueue: true})

	futB, _ := q.Send(b)
	futC, _ := q.Send(c)

	// Finish A so C (pushed to the head of its lane on Send, ahead of B)
	// can be popped next.
	a.Abort(errors.New("done"))

	// B must abort as cleared without ever dispatching.
	oB, err := futB.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait B: %v", err)
	}
	if oB.Kind != OutcomeAbort || !errors.Is(oB.Err, ErrTaskCleared) {
		t.Fatalf("B got %+v, want Abort(cleared)", oB)
	}

	waitForDispatch(t, s, 2)
	c.Success("done")
	oC, _ := futC.Wait(context.Background())
	if oC.Kind != OutcomeSuccess {
		t.Fatalf("C got %+v", oC)
	}
}

func waitForDispatch(t *testing.T, s *recordingSender, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.count() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d dispatch(es), got %d", n, s.count())
}

// S2 — task timeout retries.
func TestQueueTaskTimeoutRetriesScenarioS2(t *testing.T) {
	s := &recordingSender{}
	q, _, cancel := newTestQueue(t, s)
	defer cancel()

	task := NewTask(TaskConfig{
		Name:     "times-out",
		Priority: PriorityNormal,
		Timeout:  30 * time.Millisecond,
		Retries:  2,
	})
	fut, err := q.Send(task)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	o, err := fut.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if o.Kind != OutcomeAbort || !errors.Is(o.Err, ErrTaskTimeout) {
		t.Fatalf("got %+v, want Abort(timeout)", o)
	}
	if got := s.count(); got != 3 {
		t.Fatalf("expected 3 dispatch attempts (1 + 2 retries), got %d", got)
	}
}

// S3 — parser continuation re-arms the deadline and eventually succeeds.
func TestQueueParserContinuationScenarioS3(t *testing.T) {
	s := &recordingSender{}
	q, _, cancel := newTestQueue(t, s)
	defer cancel()

	task := NewTask(TaskConfig{
		Name:     "continues",
		Priority: PriorityNormal,
		Timeout:  200 * time.Millisecond,
		Retries:  1,
	})
	fut, _ := q.Send(task)
	waitForDispatch(t, s, 1)

	// Simulate the transport feeding two chunks through the parser-adjacent
	// API: Continue then Success, as invokeParser would drive it.
	task.Continue()
	time.Sleep(20 * time.Millisecond)
	task.Success("OK")

	o, err := fut.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if o.Kind != OutcomeSuccess || o.Value != "OK" {
		t.Fatalf("got %+v, want Success(OK)", o)
	}
	if got := s.count(); got != 1 {
		t.Fatalf("expected exactly 1 dispatch (no retry), got %d", got)
	}
}

func TestQueuePriorityOrdering(t *testing.T) {
	s := &recordingSender{}
	online := &atomic.Bool{}
	q := NewQueue(s, online, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	low := NewTask(TaskConfig{Name: "low", Priority: PriorityLow, Timeout: time.Second})
	normal := NewTask(TaskConfig{Name: "normal", Priority: PriorityNormal, Timeout: time.Second})
	high := NewTask(TaskConfig{Name: "high", Priority: PriorityHigh, Timeout: time.Second})

	// Enqueue while offline so all three queue up before dispatch begins.
	q.Send(low)
	q.Send(normal)
	q.Send(high)

	go q.Run(ctx)
	online.Store(true)
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()

	// Highest priority must dispatch first despite being enqueued last.
	waitForDispatch(t, s, 1)
	high.Success("high")
	waitForDispatch(t, s, 2)
	normal.Success("normal")
	waitForDispatch(t, s, 3)
	low.Success("low")

	time.Sleep(20 * time.Millisecond)
	if len(s.sent) != 3 {
		t.Fatalf("expected 3 dispatches, got %d", len(s.sent))
	}
}

func TestQueueOnlineGatingBlocksDispatch(t *testing.T) {
	s := &recordingSender{}
	online := &atomic.Bool{} // starts false: offline
	q := NewQueue(s, online, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	task := NewTask(TaskConfig{Name: "waits", Priority: PriorityNormal, Timeout: time.Second})
	q.Send(task)

	time.Sleep(30 * time.Millisecond)
	if s.count() != 0 {
		t.Fatalf("expected no dispatch while offline, got %d", s.count())
	}

	online.Store(true)
	q.mu.Lock()
	q.cond.Broadcast()
	q.mu.Unlock()

	waitForDispatch(t, s, 1)
	task.Success("ok")
}

func TestQueueTerminateAbortsPending(t *testing.T) {
	s := &recordingSender{}
	online := &atomic.Bool{}
	q := NewQueue(s, online, nil, nil) // offline: nothing dispatches

	task := NewTask(TaskConfig{Name: "pending", Priority: PriorityNormal, Timeout: time.Second})
	fut, _ := q.Send(task)

	q.Terminate()

	o, err := fut.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if o.Kind != OutcomeAbort || !errors.Is(o.Err, ErrQueueTerminated) {
		t.Fatalf("got %+v, want Abort(terminated)", o)
	}

	if _, err := q.Send(NewTask(TaskConfig{Name: "after-terminate"})); !errors.Is(err, ErrQueueTerminated) {
		t.Fatalf("expected ErrQueueTerminated after Terminate, got %v", err)
	}
}
