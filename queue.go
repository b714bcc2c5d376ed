package driverd

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// QueueState names the Queue's current scheduling state, per spec §4.C.
type QueueState int

const (
	QueueIdle QueueState = iota
	QueueAwaitingOnline
	QueueDelaying
	QueueInFlight
	QueueTimedOutRetrying
	QueueTerminated
)

func (s QueueState) String() string {
	switch s {
	case QueueIdle:
		return "idle"
	case QueueAwaitingOnline:
		return "awaiting-online"
	case QueueDelaying:
		return "delaying"
	case QueueInFlight:
		return "in-flight"
	case QueueTimedOutRetrying:
		return "timed-out-retrying"
	case QueueTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// sender is the subset of Transport the Queue depends on. Defined narrowly
// here so Queue can be unit tested against a fake without pulling in the
// full Transport capability surface.
type sender interface {
	Send(ctx context.Context, data []byte, task *Task) error
}

// Queue is the ordered, priority-aware executor of Tasks against a
// Transport. It enforces at-most-one-task-in-flight, timeouts, and
// retries, per spec §4.C.
type Queue struct {
	mu    sync.Mutex
	lanes [3]*list.List // indexed by Priority
	cond  *sync.Cond

	current  *Task
	previous *Task
	state    QueueState
	timer    *time.Timer
	timerGen uint64

	online    *atomic.Bool
	transport sender

	terminated atomic.Bool
	log        *logrus.Entry
	metrics    Metrics

	// onComplete, if set, is invoked after every terminal completion (never
	// for a requeued retry). Used by Module to feed the Durable Archive
	// without the Queue holding a reference back to Module.
	onComplete func(task *Task, outcome Outcome)
}

// NewQueue builds a Queue bound to the given online flag (shared with the
// owning Module's Transport, never owned by Transport itself) and sender.
func NewQueue(transport sender, online *atomic.Bool, log *logrus.Entry, metrics Metrics) *Queue {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if metrics == nil {
		metrics = NewDefaultMetrics()
	}
	q := &Queue{
		transport: transport,
		online:    online,
		log:       log.WithField("component", "queue"),
		metrics:   metrics,
		state:     QueueIdle,
	}
	for i := range q.lanes {
		q.lanes[i] = list.New()
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Send enqueues a task on its priority lane and wakes the dispatch loop.
// Returns the task's Future immediately; the Future resolves once the task
// completes. A clear_queue task is pushed to the head of its lane rather
// than the tail: the scheduling rule (spec §4.C) evicts every other
// pending task once this one is popped, so it must actually be next in
// line rather than wait behind tasks enqueued ahead of it (scenario S4).
func (q *Queue) Send(task *Task) (Future, error) {
	if q.terminated.Load() {
		return Future{}, ErrQueueTerminated
	}
	q.mu.Lock()
	if task.ClearQueue() {
		q.lanes[task.Priority].PushFront(task)
	} else {
		q.lanes[task.Priority].PushBack(task)
	}
	q.cond.Broadcast()
	q.mu.Unlock()
	return Future{task: task}, nil
}

// Terminate stops the dispatch loop and aborts every pending task. Safe to
// call more than once.
func (q *Queue) Terminate() {
	if !q.terminated.CompareAndSwap(false, true) {
		return
	}
	q.mu.Lock()
	q.state = QueueTerminated
	q.drainPending(ErrQueueTerminated)
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Run drives the Queue's dispatch loop until ctx is cancelled or Terminate
// is called. It is meant to run on its own goroutine for the lifetime of
// the owning Module.
func (q *Queue) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		q.Terminate()
	}()

	for {
		q.mu.Lock()
		for !q.terminated.Load() && (!q.online.Load() || q.current != nil || q.allLanesEmpty()) {
			q.state = q.pendingState()
			q.cond.Wait()
		}
		if q.terminated.Load() {
			q.mu.Unlock()
			return
		}

		task := q.popHighest()
		if task.ClearQueue() {
			q.drainPending(ErrTaskCleared)
		}
		q.current = task
		q.state = QueueInFlight
		q.mu.Unlock()

		q.runDispatchCycle(ctx, task)
	}
}

func (q *Queue) pendingState() QueueState {
	if q.terminated.Load() {
		return QueueTerminated
	}
	if !q.online.Load() {
		return QueueAwaitingOnline
	}
	return QueueIdle
}

func (q *Queue) allLanesEmpty() bool {
	for _, l := range q.lanes {
		if l.Len() > 0 {
			return false
		}
	}
	return true
}

// popHighest removes and returns the head of the highest non-empty lane.
// Caller must hold q.mu.
func (q *Queue) popHighest() *Task {
	for _, l := range q.lanes {
		if front := l.Front(); front != nil {
			l.Remove(front)
			return front.Value.(*Task)
		}
	}
	return nil
}

// drainPending aborts every task still sitting in the lanes. Caller must
// hold q.mu.
func (q *Queue) drainPending(reason error) {
	for _, l := range q.lanes {
		for e := l.Front(); e != nil; {
			next := e.Next()
			t := e.Value.(*Task)
			l.Remove(e)
			t.Abort(reason)
			e = next
		}
	}
}

// runDispatchCycle dispatches one attempt of a task and returns to Run once
// the attempt either terminates the task or ends in a retry; a retry with
// budget left requeues the task at the head of its lane for Run's next
// iteration to pick up. A task is requeued rather than re-dispatched in
// place so clear_queue and priority ordering stay correct against whatever
// else arrived while it was in-flight.
func (q *Queue) runDispatchCycle(ctx context.Context, task *Task) {
	for {
		requeue := q.dispatchOnce(ctx, task)
		if !requeue {
			return
		}
		q.mu.Lock()
		q.lanes[task.Priority].PushFront(task)
		q.current = nil
		q.state = q.pendingState()
		q.cond.Broadcast()
		q.mu.Unlock()
		return
	}
}

// dispatchOnce sends one attempt of task and waits for it to resolve. It
// returns requeue=true when the attempt ended in a retry that still has
// budget remaining; the caller is responsible for pushing the task back
// onto its lane. Any other outcome (terminal completion or ctx
// cancellation) is handled entirely within this call.
func (q *Queue) dispatchOnce(ctx context.Context, task *Task) (requeue bool) {
	task.resetForDispatch()

	if d := task.DelayBefore(); d > 0 {
		q.mu.Lock()
		q.state = QueueDelaying
		q.mu.Unlock()
		select {
		case <-time.After(d):
		case <-ctx.Done():
			task.Abort(ctx.Err())
			q.finishCurrent(task, task.outcomeSnapshot())
			return false
		}
	}

	payload, err := task.Payload()
	if err != nil {
		task.Abort(err)
		q.finishCurrent(task, task.outcomeSnapshot())
		return false
	}

	if err := q.transport.Send(ctx, payload, task); err != nil {
		q.log.WithError(err).WithField("task", task.Name).Debug("send failed, deadline will drive retry")
	}

	q.mu.Lock()
	q.state = QueueInFlight
	q.mu.Unlock()
	q.armTimeout(task, task.Timeout())
	q.metrics.IncrementTasksDispatched()

	for {
		select {
		case o := <-task.terminalCh:
			select {
			case task.terminalCh <- o:
			default:
			}
			q.cancelTimeout()
			q.finishCurrent(task, o)
			return false

		case reason := <-task.retryCh:
			q.cancelTimeout()
			q.mu.Lock()
			q.state = QueueTimedOutRetrying
			q.mu.Unlock()
			if task.consumeRetry() {
				q.metrics.IncrementTasksRetried()
				return true
			}
			o := Outcome{Kind: OutcomeAbort, Err: reason}
			task.setTerminal(o)
			q.finishCurrent(task, o)
			return false

		case <-task.continueCh:
			q.rearm(task)
			continue

		case <-ctx.Done():
			q.cancelTimeout()
			task.Abort(ctx.Err())
			q.finishCurrent(task, task.outcomeSnapshot())
			return false
		}
	}
}

func (q *Queue) finishCurrent(task *Task, outcome Outcome) {
	q.recordOutcome(outcome)
	q.mu.Lock()
	q.previous = task
	if q.current == task {
		q.current = nil
	}
	q.state = q.pendingState()
	q.cond.Broadcast()
	q.mu.Unlock()
	if q.onComplete != nil {
		q.onComplete(task, outcome)
	}
}

func (q *Queue) recordOutcome(outcome Outcome) {
	switch outcome.Kind {
	case OutcomeSuccess:
		q.metrics.IncrementTasksCompleted()
	case OutcomeAbort:
		q.metrics.IncrementTasksAborted()
	case OutcomeTimeout:
		q.metrics.IncrementTasksTimedOut()
	case OutcomeError:
		q.metrics.IncrementTasksAborted()
	}
}

// armTimeout starts (or restarts) the deadline timer for the in-flight
// task. Each arming is tagged with a generation counter so a stale timer
// firing after a re-arm (via Continue) or cancel is a no-op. On fire it
// behaves as Retry(ErrTaskTimeout), per spec §4.B.
func (q *Queue) armTimeout(task *Task, d time.Duration) {
	if d <= 0 {
		return
	}
	q.mu.Lock()
	q.timerGen++
	gen := q.timerGen
	if q.timer != nil {
		q.timer.Stop()
	}
	q.timer = time.AfterFunc(d, func() { q.onTimeout(task, gen) })
	q.mu.Unlock()
}

// rearm re-arms the deadline from the moment a response parser returns
// Continue, per spec §9's fixed contract (re-arm, not incremental extend).
func (q *Queue) rearm(task *Task) {
	q.armTimeout(task, task.Timeout())
}

func (q *Queue) cancelTimeout() {
	q.mu.Lock()
	q.timerGen++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.mu.Unlock()
}

func (q *Queue) onTimeout(task *Task, gen uint64) {
	q.mu.Lock()
	valid := gen == q.timerGen
	q.mu.Unlock()
	if !valid || task.Done() {
		return
	}
	task.Retry(ErrTaskTimeout)
}
