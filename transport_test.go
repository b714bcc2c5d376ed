package driverd

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeConn is a substrateConn whose Read blocks on a feed channel until data
// arrives, is closed, or fails. Write/Flush just record what was sent.
type fakeConn struct {
	feed   chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{feed: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(p []byte) (int, error) {
	select {
	case b, ok := <-c.feed:
		if !ok {
			return 0, io.EOF
		}
		n := copy(p, b)
		return n, nil
	case <-c.closed:
		return 0, io.EOF
	}
}

func (c *fakeConn) Write(p []byte) error {
	c.mu.Lock()
	cp := make([]byte, len(p))
	copy(cp, p)
	c.writes = append(c.writes, cp)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Flush() error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(b []byte) { c.feed <- b }

func (c *fakeConn) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

// fakeDialer hands out a fresh fakeConn on every dial and counts attempts,
// so reconnect-loop tests can assert on how many times it was invoked.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  bool
}

func (d *fakeDialer) dial(ctx context.Context, _ time.Duration) (substrateConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return nil, errors.New("dial failed")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func newTestBaseTransport(t *testing.T, dialer *fakeDialer, received ReceivedFunc) (*baseTransport, *atomic.Bool) {
	t.Helper()
	online := &atomic.Bool{}
	bt := newBaseTransport(dialer.dial, nil, received, online, newReconnectBackoff(5*time.Millisecond, 20*time.Millisecond, 0), nil, nil)
	return bt, online
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBaseTransportConnectSetsOnlineAndRoutesReceived(t *testing.T) {
	dialer := &fakeDialer{}
	var mu sync.Mutex
	var got []byte
	bt, online := newTestBaseTransport(t, dialer, func(data []byte, _ *Task) {
		mu.Lock()
		got = data
		mu.Unlock()
	})

	if err := bt.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !online.Load() {
		t.Fatalf("expected online flag set after Connect")
	}

	dialer.last().push([]byte("hello"))
	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "hello"
	})
}

func TestBaseTransportSendWritesToConn(t *testing.T) {
	dialer := &fakeDialer{}
	bt, _ := newTestBaseTransport(t, dialer, nil)
	if err := bt.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := bt.Send(context.Background(), []byte("cmd\n"), nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if dialer.last().writeCount() != 1 {
		t.Fatalf("expected 1 write, got %d", dialer.last().writeCount())
	}
}

func TestBaseTransportSendWithoutConnectionFails(t *testing.T) {
	dialer := &fakeDialer{}
	bt, _ := newTestBaseTransport(t, dialer, nil)

	if err := bt.Send(context.Background(), []byte("x"), nil); !errors.Is(err, ErrTransportDisconnected) {
		t.Fatalf("Send before Connect = %v, want ErrTransportDisconnected", err)
	}
}

func TestBaseTransportDisconnectTriggersReconnect(t *testing.T) {
	dialer := &fakeDialer{}
	bt, online := newTestBaseTransport(t, dialer, nil)
	if err := bt.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	bt.Disconnect()
	if online.Load() {
		t.Fatalf("expected online flag cleared after Disconnect")
	}

	// readLoop observes EOF via Disconnect's cancel+close, triggers
	// onDisconnected, which schedules reconnectLoop.
	waitUntil(t, time.Second, func() bool { return dialer.dialCount() >= 2 })
	waitUntil(t, time.Second, func() bool { return online.Load() })
}

func TestBaseTransportTerminateStopsReconnectLoop(t *testing.T) {
	dialer := &fakeDialer{}
	bt, online := newTestBaseTransport(t, dialer, nil)
	if err := bt.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	bt.Terminate()
	if online.Load() {
		t.Fatalf("expected online flag cleared after Terminate")
	}

	// Give any stray reconnect goroutine a chance to misbehave, then assert
	// it never dialed again.
	time.Sleep(50 * time.Millisecond)
	if dialer.dialCount() != 1 {
		t.Fatalf("expected no reconnect after Terminate, dial count = %d", dialer.dialCount())
	}

	if err := bt.Connect(context.Background(), time.Second); !errors.Is(err, ErrTransportTerminated) {
		t.Fatalf("Connect after Terminate = %v, want ErrTransportTerminated", err)
	}
}

func TestBaseTransportRoutesResponseToInFlightTaskParser(t *testing.T) {
	dialer := &fakeDialer{}
	bt, _ := newTestBaseTransport(t, dialer, func(data []byte, _ *Task) {
		t.Fatalf("received callback should not fire while a task parser claims the message")
	})
	if err := bt.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	task := NewTask(TaskConfig{
		Name:     "probe",
		Priority: PriorityNormal,
		Timeout:  time.Second,
		ResponseParser: func(data []byte, _ *Task) ParseOutcome {
			return ParseOutcome{Kind: ParseSuccess, Value: string(data)}
		},
	})
	if err := bt.Send(context.Background(), []byte("probe\n"), task); err != nil {
		t.Fatalf("Send: %v", err)
	}

	dialer.last().push([]byte("pong"))
	select {
	case o := <-task.terminalCh:
		if o.Kind != OutcomeSuccess || o.Value != "pong" {
			t.Fatalf("got %+v, want Success(pong)", o)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for task to resolve")
	}
}

func TestBaseTransportParserPanicAbortsTask(t *testing.T) {
	dialer := &fakeDialer{}
	bt, _ := newTestBaseTransport(t, dialer, nil)
	if err := bt.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	task := NewTask(TaskConfig{
		Name:     "boom",
		Priority: PriorityNormal,
		Timeout:  time.Second,
		ResponseParser: func(data []byte, _ *Task) ParseOutcome {
			panic("parser exploded")
		},
	})
	if err := bt.Send(context.Background(), []byte("boom\n"), task); err != nil {
		t.Fatalf("Send: %v", err)
	}

	dialer.last().push([]byte("anything"))
	select {
	case o := <-task.terminalCh:
		if o.Kind != OutcomeAbort || !errors.Is(o.Err, ErrParser) {
			t.Fatalf("got %+v, want Abort(ErrParser)", o)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for task to abort")
	}
}

func TestBaseTransportTokenizerSplitsCombinedChunk(t *testing.T) {
	dialer := &fakeDialer{}
	tok, err := NewTokenizer(TokenizerConfig{Delimiter: []byte("\n")})
	if err != nil {
		t.Fatalf("NewTokenizer: %v", err)
	}

	var mu sync.Mutex
	var got []string
	online := &atomic.Bool{}
	bt := newBaseTransport(dialer.dial, tok, func(data []byte, _ *Task) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	}, online, newReconnectBackoff(5*time.Millisecond, 20*time.Millisecond, 0), nil, nil)

	if err := bt.Connect(context.Background(), time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	dialer.last().push([]byte("one\ntwo\nthree\n"))
	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	seen := map[string]bool{}
	for _, m := range got {
		seen[m] = true
	}
	for _, want := range []string{"one\n", "two\n", "three\n"} {
		if !seen[want] {
			t.Fatalf("missing message %q among %v", want, got)
		}
	}
}
