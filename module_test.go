package driverd

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeModuleTransport is a minimal Transport fake for Module-level tests:
// it records sent payloads and never actually connects anywhere.
type fakeModuleTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeModuleTransport) Connect(ctx context.Context, d time.Duration) error { return nil }
func (f *fakeModuleTransport) Terminate()                                        {}
func (f *fakeModuleTransport) Disconnect()                                       {}
func (f *fakeModuleTransport) Send(ctx context.Context, data []byte, task *Task) error {
	f.mu.Lock()
	f.sent = append(f.sent, data)
	f.mu.Unlock()
	return nil
}
func (f *fakeModuleTransport) StartTLS(ctx context.Context, v TLSVerifyMode) error { return nil }
func (f *fakeModuleTransport) Exec(ctx context.Context, data []byte) ([]byte, error) {
	return nil, ErrUnsupportedOperation
}
func (f *fakeModuleTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// recordingArchiver captures every call so tests can assert Module wires the
// Queue's completion hook and Storage mutations into the Archiver.
type recordingArchiver struct {
	mu       sync.Mutex
	outcomes []TaskRecord
	snapshots []struct{ status, value string }
}

func (a *recordingArchiver) RecordTaskOutcome(ctx context.Context, moduleID string, rec TaskRecord) error {
	a.mu.Lock()
	a.outcomes = append(a.outcomes, rec)
	a.mu.Unlock()
	return nil
}

func (a *recordingArchiver) RecordStatusSnapshot(ctx context.Context, moduleID, status, value string) error {
	a.mu.Lock()
	a.snapshots = append(a.snapshots, struct{ status, value string }{status, value})
	a.mu.Unlock()
	return nil
}

func (a *recordingArchiver) outcomeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.outcomes)
}

func (a *recordingArchiver) snapshotCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.snapshots)
}

func newTestModule(t *testing.T, archiver Archiver) (*Module, *fakeModuleTransport) {
	t.Helper()
	client, _ := newTestStore(t)
	transport := &fakeModuleTransport{}
	online := PrepareOnlineFlag()
	online.Store(true)

	m := NewModule(ModuleConfig{
		ModuleID:           "m1",
		Transport:          transport,
		Store:              client,
		Prefix:             "drv",
		Archiver:           archiver,
		DefaultTaskTimeout: time.Second,
		DefaultTaskRetries: 0,
	}, online)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go m.Run(ctx)
	return m, transport
}

func TestModuleSendDispatchesThroughTransport(t *testing.T) {
	m, transport := newTestModule(t, nil)

	fut, err := m.Send(TaskConfig{Name: "ping", Priority: PriorityNormal, Payload: []byte("ping")})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for transport.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if transport.count() != 1 {
		t.Fatalf("expected transport to receive 1 payload, got %d", transport.count())
	}

	fut.Task().Success("pong")
	o, err := fut.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if o.Kind != OutcomeSuccess || o.Value != "pong" {
		t.Fatalf("got %+v", o)
	}
}

func TestModuleArchivesTaskOutcome(t *testing.T) {
	archiver := &recordingArchiver{}
	m, transport := newTestModule(t, archiver)

	fut, err := m.Send(TaskConfig{Name: "ping", Priority: PriorityNormal, Payload: []byte("ping")})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for transport.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	fut.Task().Success("pong")
	if _, err := fut.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	deadline = time.Now().Add(time.Second)
	for archiver.outcomeCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if archiver.outcomeCount() != 1 {
		t.Fatalf("expected 1 archived outcome, got %d", archiver.outcomeCount())
	}
}

func TestModuleStorageSetArchivesSnapshot(t *testing.T) {
	archiver := &recordingArchiver{}
	m, _ := newTestModule(t, archiver)

	if err := m.StorageSet(context.Background(), "power", "true"); err != nil {
		t.Fatalf("StorageSet: %v", err)
	}

	v, ok, err := m.StorageGet(context.Background(), "power")
	if err != nil {
		t.Fatalf("StorageGet: %v", err)
	}
	if !ok || v != "true" {
		t.Fatalf("StorageGet = (%q, %v), want (true, true)", v, ok)
	}

	deadline := time.Now().Add(time.Second)
	for archiver.snapshotCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if archiver.snapshotCount() != 1 {
		t.Fatalf("expected 1 archived snapshot, got %d", archiver.snapshotCount())
	}
}

func TestModuleSubscribeDirectSeesStorageWrite(t *testing.T) {
	m, _ := newTestModule(t, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var got string
	_, err := m.SubscribeDirect(ctx, "m1", "power", func(v string) {
		mu.Lock()
		got = v
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("SubscribeDirect: %v", err)
	}

	if err := m.StorageSet(ctx, "power", "true"); err != nil {
		t.Fatalf("StorageSet: %v", err)
	}

	// The write reaches this subscriber through the subscribe loop's own
	// pubsub connection (Run started it for this Module), not through the
	// immediate-delivery path used at subscribe time.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		v := got
		mu.Unlock()
		if v == "true" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for subscriber to observe the write, last value %q", v)
		}
		time.Sleep(time.Millisecond)
	}
}
