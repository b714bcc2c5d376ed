package driverd

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// TLSVerifyMode is the verify-mode argument of StartTLS. The substrates in
// this package accept it and do not apply it: certificate validation
// follows the TLSConfig the transport was built with.
type TLSVerifyMode int

const (
	TLSVerifyFull TLSVerifyMode = iota
	TLSVerifyNone
)

// ReceivedFunc is the driver's general inbound-data callback, invoked when
// no in-flight task's response parser claims a message.
type ReceivedFunc func(data []byte, current *Task)

// Transport is the uniform contract a substrate (stream socket, websocket,
// ...) must satisfy, independent of the wire it actually runs over. The
// Queue depends only on the narrower sender interface; the rest of this
// surface is for the owning Module and the driver.
type Transport interface {
	// Connect is idempotent; it returns once the socket is established and
	// the reader goroutine is running, or raises on non-retryable failure.
	Connect(ctx context.Context, connectTimeout time.Duration) error
	// Terminate is sticky: future Connect calls are no-ops. Does not flush
	// the Queue — the owning Module is responsible for that.
	Terminate()
	// Disconnect closes the socket; the reader observes EOF and drives
	// reconnection on its own.
	Disconnect()
	// Send is a best-effort write. If task is non-nil it is attached as the
	// current response-parser holder before the write is issued.
	Send(ctx context.Context, data []byte, task *Task) error
	// StartTLS is only valid after Connect, on substrates that support
	// upgrade. Idempotent if TLS is already active.
	StartTLS(ctx context.Context, verify TLSVerifyMode) error
	// Exec is only meaningful for an SSH-style substrate; everything else
	// reports ErrUnsupportedOperation.
	Exec(ctx context.Context, data []byte) ([]byte, error)
}

// substrateConn is the minimal byte-level handle a dialFunc hands back to
// baseTransport. Flush lets TCP-style substrates batch multiple small
// writes from a single Send into one packet; substrates with no write
// buffering (e.g. websocket frames) make it a no-op.
type substrateConn interface {
	io.Reader
	io.Closer
	Write(p []byte) error
	Flush() error
}

// dialFunc establishes one connection attempt of the underlying substrate.
type dialFunc func(ctx context.Context, connectTimeout time.Duration) (substrateConn, error)

// baseTransport is the reconnect-loop, online-flag, and read-path machinery
// shared by every substrate. It generalizes aznet.go's Transport-interface-
// over-substrates shape: concrete substrates supply only a dialFunc and an
// optional TLS upgrade, and inherit connect/reconnect/process for free.
//
// baseTransport never holds a reference back to its owning Module: it is
// handed only the shared online flag and the driver's ReceivedFunc value,
// per the cyclic-ownership design (see Module in module.go).
type baseTransport struct {
	dial dialFunc
	// startTLS performs the substrate's TLS upgrade and reports whether it
	// actually changed state (false if already active, making StartTLS a
	// no-op per spec §4.D). nil if the substrate has no TLS upgrade at all.
	startTLS func(ctx context.Context) (bool, error)
	tokenizer  *Tokenizer
	received   ReceivedFunc
	online     *atomic.Bool
	backoff    *reconnectBackoff
	log        *logrus.Entry
	metrics    Metrics

	mu          sync.Mutex
	conn        substrateConn
	connCancel  context.CancelFunc
	connected   bool
	terminated  atomic.Bool
	currentTask atomic.Pointer[Task]
}

func newBaseTransport(dial dialFunc, tokenizer *Tokenizer, received ReceivedFunc, online *atomic.Bool, backoff *reconnectBackoff, log *logrus.Entry, metrics Metrics) *baseTransport {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if metrics == nil {
		metrics = NewDefaultMetrics()
	}
	if backoff == nil {
		backoff = newReconnectBackoff(DefaultReconnectBase, DefaultReconnectCap, DefaultReconnectJitter)
	}
	return &baseTransport{
		dial:      dial,
		tokenizer: tokenizer,
		received:  received,
		online:    online,
		backoff:   backoff,
		log:       log,
		metrics:   metrics,
	}
}

// Connect dials once synchronously (respecting connectTimeout) and then
// launches the read/reconnect loop in the background.
func (b *baseTransport) Connect(ctx context.Context, connectTimeout time.Duration) error {
	if b.terminated.Load() {
		return ErrTransportTerminated
	}
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	dialCtx := ctx
	var cancel context.CancelFunc
	if connectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}
	conn, err := b.dial(dialCtx, connectTimeout)
	if err != nil {
		return err
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.conn = conn
	b.connCancel = loopCancel
	b.connected = true
	b.mu.Unlock()
	b.online.Store(true)
	b.backoff.Reset()

	go b.readLoop(loopCtx, conn)
	return nil
}

// Terminate is sticky: closes the socket and prevents further reconnects.
func (b *baseTransport) Terminate() {
	if !b.terminated.CompareAndSwap(false, true) {
		return
	}
	b.Disconnect()
}

// Disconnect closes the current socket; readLoop observes the resulting
// error and drives reconnection unless Terminate was called.
func (b *baseTransport) Disconnect() {
	b.mu.Lock()
	conn := b.conn
	cancel := b.connCancel
	b.connected = false
	b.conn = nil
	b.connCancel = nil
	b.mu.Unlock()

	b.online.Store(false)
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

// Send writes data best-effort. If task is non-nil it becomes the current
// response-parser holder for subsequent inbound data.
func (b *baseTransport) Send(ctx context.Context, data []byte, task *Task) error {
	if task != nil {
		b.currentTask.Store(task)
	}
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrTransportDisconnected
	}
	if err := conn.Write(data); err != nil {
		return err
	}
	b.metrics.IncrementMessagesSent()
	b.metrics.IncrementBytesSent(int64(len(data)))
	return conn.Flush()
}

// StartTLS delegates to the substrate's upgrade hook, forcing a reconnect
// so the new context takes effect.
func (b *baseTransport) StartTLS(ctx context.Context, verify TLSVerifyMode) error {
	if b.startTLS == nil {
		return ErrUnsupportedOperation
	}
	_ = verify
	changed, err := b.startTLS(ctx)
	if err != nil {
		return err
	}
	if changed {
		b.Disconnect()
	}
	return nil
}

// Exec is unsupported by every substrate this module ships: none of them
// model an SSH-style command channel.
func (b *baseTransport) Exec(ctx context.Context, data []byte) ([]byte, error) {
	return nil, ErrUnsupportedOperation
}

func (b *baseTransport) readLoop(ctx context.Context, conn substrateConn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			b.metrics.IncrementBytesReceived(int64(n))
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			b.process(chunk)
		}
		if err != nil {
			b.log.WithError(err).Debug("read loop ended, will reconnect unless terminated")
			b.onDisconnected()
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (b *baseTransport) onDisconnected() {
	b.mu.Lock()
	if b.conn != nil {
		b.conn.Close()
	}
	b.conn = nil
	b.connected = false
	b.mu.Unlock()
	b.online.Store(false)

	if b.terminated.Load() {
		return
	}
	if b.tokenizer != nil {
		b.tokenizer.Clear()
	}
	b.metrics.IncrementReconnects()
	go b.reconnectLoop()
}

func (b *baseTransport) reconnectLoop() {
	ctx := context.Background()
	for {
		if b.terminated.Load() {
			return
		}
		if err := b.backoff.Wait(ctx); err != nil {
			return
		}
		if b.terminated.Load() {
			return
		}
		conn, err := b.dial(ctx, 0)
		if err != nil {
			b.log.WithError(err).Debug("reconnect attempt failed")
			continue
		}

		loopCtx, cancel := context.WithCancel(context.Background())
		b.mu.Lock()
		b.conn = conn
		b.connCancel = cancel
		b.connected = true
		b.mu.Unlock()
		b.online.Store(true)
		b.backoff.Reset()

		b.readLoop(loopCtx, conn)
		return
	}
}

// process implements the read path of spec §4.D: extract framed messages
// if a Tokenizer is configured (dispatching each independently so one slow
// parser can't head-of-line-block the others), otherwise hand the raw
// chunk straight to processMessage.
func (b *baseTransport) process(data []byte) {
	if b.tokenizer == nil {
		b.processMessage(data)
		return
	}
	messages, err := b.tokenizer.Extract(data)
	if err != nil {
		b.log.WithError(err).Warn("tokenizer overflow, buffer cleared")
	}
	switch len(messages) {
	case 0:
		return
	case 1:
		b.processMessage(messages[0])
	default:
		for _, m := range messages {
			msg := m
			go b.processMessage(msg)
		}
	}
}

// processMessage routes one decoded message to the in-flight task's parser,
// or to the driver's general callback if there is none. Panics and errors
// from the parser are caught and turned into an Abort so the reader never
// dies from user code.
func (b *baseTransport) processMessage(data []byte) {
	task := b.currentTask.Load()
	if task != nil && !task.Done() && task.Parser() != nil {
		b.invokeParser(task, data)
		return
	}
	if b.received != nil {
		b.safeReceived(data, task)
	}
}

func (b *baseTransport) invokeParser(task *Task, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithField("panic", r).Error("response parser panicked")
			task.Abort(ErrParser)
		}
	}()
	outcome := task.Parser()(data, task)
	switch outcome.Kind {
	case ParseSuccess:
		task.Success(outcome.Value)
	case ParseRetry:
		reason := outcome.Reason
		if reason == nil {
			reason = ErrTaskAborted
		}
		task.Retry(reason)
	case ParseAbort:
		reason := outcome.Reason
		if reason == nil {
			reason = ErrTaskAborted
		}
		task.Abort(reason)
	case ParseContinue:
		task.Continue()
	}
}

func (b *baseTransport) safeReceived(data []byte, task *Task) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithField("panic", r).Error("received callback panicked")
		}
	}()
	b.received(data, task)
}
