package driverd

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority selects which of the Queue's three FIFO lanes a Task runs in.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// OutcomeKind distinguishes the terminal shapes a Task can complete with.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeAbort
	// OutcomeTimeout is named by the data model (spec §3) but is not
	// produced by this implementation: per spec §7's error table, a
	// deadline that fires with no retries left is surfaced as
	// Abort(ErrTaskTimeout), not as a distinct terminal kind — see
	// scenario S2 ("completion Abort(\"timeout\")"). Kept for API
	// completeness and for callers that want to special-case it should a
	// future driver need a bare-timeout signal.
	OutcomeTimeout
	OutcomeError
)

// Outcome is the terminal result observed by a Task's completion slot.
// Exactly one of these is ever produced for a given Task.
type Outcome struct {
	Kind  OutcomeKind
	Value any
	Err   error
}

// ParseKind distinguishes a response parser's four possible dispositions.
type ParseKind int

const (
	ParseSuccess ParseKind = iota
	ParseRetry
	ParseAbort
	ParseContinue
)

// ParseOutcome is what a response parser returns for one chunk of inbound data.
type ParseOutcome struct {
	Kind   ParseKind
	Value  any
	Reason error
}

// ResponseParser is invoked with each inbound message while its owning
// Task is in-flight. It returns what the Queue should do next.
type ResponseParser func(data []byte, task *Task) ParseOutcome

// PayloadFunc produces a Task's wire payload. It is invoked exactly once,
// immediately before the Task is sent.
type PayloadFunc func() ([]byte, error)

// TaskConfig carries the construction parameters for a Task.
type TaskConfig struct {
	Name           string
	Priority       Priority
	Retries        int
	Timeout        time.Duration
	DelayBefore    time.Duration
	ClearQueue     bool
	Payload        []byte
	PayloadFunc    PayloadFunc
	ResponseParser ResponseParser
}

// Task is one outstanding command: its payload, deadline, optional
// response parser, and completion promise. A Task is created once,
// enqueued, runs at most once in flight at a time, and is never reused
// past its terminal completion.
type Task struct {
	ID       string
	Name     string
	Priority Priority

	timeout     time.Duration
	delayBefore time.Duration
	clearQueue  bool

	payload     []byte
	payloadFunc PayloadFunc
	parser      ResponseParser

	mu               sync.Mutex
	retriesRemaining int
	terminal         bool
	outcome          Outcome

	// terminalCh, retryCh and continueCh are the Queue dispatch loop's
	// only window into this task's lifecycle while it is in-flight.
	// retryCh and continueCh are reset at the start of every dispatch
	// attempt (resetForDispatch) so a signal from one attempt never leaks
	// into the next; terminalCh is created once and kept, so a Wait that
	// started during an earlier attempt still observes the final outcome.
	terminalCh chan Outcome
	retryCh    chan error
	continueCh chan struct{}

	createdAt time.Time
}

// NewTask constructs a Task ready for Queue.Send.
func NewTask(cfg TaskConfig) *Task {
	t := &Task{
		ID:               uuid.New().String(),
		Name:             cfg.Name,
		Priority:         cfg.Priority,
		retriesRemaining: cfg.Retries,
		timeout:          cfg.Timeout,
		delayBefore:      cfg.DelayBefore,
		clearQueue:       cfg.ClearQueue,
		payload:          cfg.Payload,
		payloadFunc:      cfg.PayloadFunc,
		parser:           cfg.ResponseParser,
		createdAt:        time.Now(),
	}
	t.resetForDispatch()
	return t
}

// resetForDispatch prepares fresh retry/continue channels for one dispatch
// attempt. Called by the Queue immediately before each send (initial and
// every retry).
func (t *Task) resetForDispatch() {
	if t.terminalCh == nil {
		t.terminalCh = make(chan Outcome, 1)
	}
	t.retryCh = make(chan error, 1)
	t.continueCh = make(chan struct{}, 1)
}

// Parser returns the task's response parser, or nil if it relies on the
// driver's general received callback.
func (t *Task) Parser() ResponseParser { return t.parser }

// ClearQueue reports whether this task should evict all other pending
// tasks, from every priority lane, before it dispatches.
func (t *Task) ClearQueue() bool { return t.clearQueue }

// DelayBefore is how long the Queue should sleep before sending this task.
func (t *Task) DelayBefore() time.Duration { return t.delayBefore }

// Timeout is the duration armed once this task is dispatched.
func (t *Task) Timeout() time.Duration { return t.timeout }

// Payload resolves the wire bytes for this task, invoking PayloadFunc
// exactly once on first call if one was supplied.
func (t *Task) Payload() ([]byte, error) {
	if t.payloadFunc != nil {
		p, err := t.payloadFunc()
		if err != nil {
			return nil, err
		}
		t.payload = p
		t.payloadFunc = nil
	}
	return t.payload, nil
}

// Success resolves the task's completion with a value. Permitted only once;
// later calls (including from a racing Abort) are no-ops.
func (t *Task) Success(value any) {
	t.setTerminal(Outcome{Kind: OutcomeSuccess, Value: value})
}

// Abort resolves the task's completion as a terminal failure. Idempotent.
func (t *Task) Abort(reason error) {
	t.setTerminal(Outcome{Kind: OutcomeAbort, Err: reason})
}

// Retry signals the Queue's dispatch loop, which decrements the retry
// budget and re-enqueues this task at the head of its lane, or completes
// it as Abort(reason) if the budget is already exhausted. Retry itself
// changes neither the budget nor the outcome, so it only has an effect
// while the task is in-flight (the Queue is the only reader of retryCh).
func (t *Task) Retry(reason error) {
	t.mu.Lock()
	if t.terminal {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	select {
	case t.retryCh <- reason:
	default:
	}
}

// Continue signals that the response parser wants more bytes: the task
// stays in-flight and its deadline is re-armed from this moment.
func (t *Task) Continue() {
	select {
	case t.continueCh <- struct{}{}:
	default:
	}
}

// consumeRetry decrements the retry budget if any remains. Called only by
// the Queue's dispatch loop upon observing a Retry signal.
func (t *Task) consumeRetry() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.retriesRemaining <= 0 {
		return false
	}
	t.retriesRemaining--
	return true
}

func (t *Task) setTerminal(o Outcome) {
	t.mu.Lock()
	if t.terminal {
		t.mu.Unlock()
		return
	}
	t.terminal = true
	t.outcome = o
	t.mu.Unlock()
	select {
	case t.terminalCh <- o:
	default:
	}
}

// outcomeSnapshot returns the task's current terminal outcome. Callers must
// only use this immediately after a call that is known to have resolved it
// (e.g. Abort), since it does not block.
func (t *Task) outcomeSnapshot() Outcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome
}

// Done reports whether the task's completion slot is already resolved.
func (t *Task) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminal
}

// Wait blocks until the task completes or ctx is cancelled. Safe to call
// repeatedly and from multiple goroutines after completion.
func (t *Task) Wait(ctx context.Context) (Outcome, error) {
	t.mu.Lock()
	if t.terminal {
		o := t.outcome
		t.mu.Unlock()
		return o, nil
	}
	t.mu.Unlock()

	select {
	case o := <-t.terminalCh:
		// Put it back so other Wait callers still observe it.
		select {
		case t.terminalCh <- o:
		default:
		}
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Future is the driver-facing handle returned by Queue.Send: a value that
// resolves to the task's terminal Outcome.
type Future struct {
	task *Task
}

// Wait blocks until the underlying task completes.
func (f Future) Wait(ctx context.Context) (Outcome, error) {
	return f.task.Wait(ctx)
}

// Task exposes the underlying Task, e.g. for tests that need direct access.
func (f Future) Task() *Task { return f.task }
