package driverd

import "errors"

// Sentinel errors surfaced by the core. Callers compare with errors.Is;
// wrapped context is added with fmt.Errorf("%w: ...").
var (
	// ErrTransportDisconnected is returned by Send when the socket is
	// absent or closed; the task that triggered it will time out and retry.
	ErrTransportDisconnected = errors.New("driverd: transport disconnected")
	// ErrTransportTerminated is returned by Connect after Terminate has been
	// called; sticky for the lifetime of the Transport. Send after Terminate
	// finds no socket and returns ErrTransportDisconnected.
	ErrTransportTerminated = errors.New("driverd: transport terminated")
	// ErrTransportFatal names a non-retryable transport failure. No
	// substrate in this package returns it: Connect returns the dial error
	// unwrapped, and StartTLS without an upgrade hook returns
	// ErrUnsupportedOperation.
	ErrTransportFatal = errors.New("driverd: transport fatal error")
	// ErrUnsupportedOperation is returned by substrates that don't implement
	// an optional capability (e.g. Exec on anything but SSH).
	ErrUnsupportedOperation = errors.New("driverd: operation not supported by this transport")
	// ErrTokenizerOverflow is reported to the transport's error sink when a
	// decoded message length exceeds the configured ceiling.
	ErrTokenizerOverflow = errors.New("driverd: tokenizer frame exceeds size ceiling")
	// ErrTaskTimeout is the terminal reason surfaced on a task's completion
	// once its retries are exhausted following repeated deadline expiry.
	ErrTaskTimeout = errors.New("driverd: task timed out")
	// ErrTaskAborted is the reason used when a response parser returns
	// Abort or Retry without giving one. clear_queue evictions use
	// ErrTaskCleared instead.
	ErrTaskAborted = errors.New("driverd: task aborted")
	// ErrTaskCleared is the specific abort reason used when clear_queue
	// displaces a pending task.
	ErrTaskCleared = errors.New("driverd: task cleared from queue")
	// ErrParser wraps a panic/error raised from inside a response parser;
	// treated as an abort of the task that owned the parser.
	ErrParser = errors.New("driverd: response parser error")
	// ErrStoreUnavailable is returned by Storage operations and by role
	// resolution when the backing store round-trip fails.
	ErrStoreUnavailable = errors.New("driverd: store unavailable")
	// ErrCallbackPanic names a failing subscriber callback. Subscriptions
	// recovers a panicking callback and logs the panic value without this
	// sentinel; nothing is propagated to the publisher.
	ErrCallbackPanic = errors.New("driverd: subscriber callback error")
	// ErrArchiveUnavailable is logged when an Archiver write fails; it never
	// blocks a task completion or a status publish.
	ErrArchiveUnavailable = errors.New("driverd: archive sink unavailable")

	// ErrInvalidConfig is returned by Config.Validate on contradictory options.
	ErrInvalidConfig = errors.New("driverd: invalid configuration")
	// ErrQueueTerminated is returned by Send once the Queue has been torn down.
	ErrQueueTerminated = errors.New("driverd: queue terminated")
	// ErrAlreadyCompleted names an attempt to resolve a task whose
	// completion slot is already resolved. Success, Retry and Abort do not
	// return it: they return nothing, and a call after completion is a no-op.
	ErrAlreadyCompleted = errors.New("driverd: task already completed")
)
