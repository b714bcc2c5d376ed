package driverd

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ModuleConfig carries everything needed to assemble one driver instance.
type ModuleConfig struct {
	ModuleID string // defaults to a generated uuid if empty

	Transport Transport
	Store     Store
	Prefix    string // status-hash / channel key prefix

	Archiver Archiver // optional; NullArchiver if nil

	// DefaultTaskTimeout/DefaultTaskRetries fill in a zero TaskConfig.Timeout
	// / .Retries passed to Send, per Config.defaultTaskTimeout/Retries.
	DefaultTaskTimeout time.Duration
	DefaultTaskRetries int

	Log     *logrus.Logger
	Metrics Metrics
}

// ModuleConfigFromConfig seeds a ModuleConfig's task defaults and key
// prefix from a library Config, leaving Transport/Store/Archiver for the
// caller to fill in since those depend on the chosen substrate.
func ModuleConfigFromConfig(cfg *Config) ModuleConfig {
	return ModuleConfig{
		ModuleID:           cfg.moduleID,
		Prefix:             cfg.keyPrefix,
		DefaultTaskTimeout: cfg.defaultTaskTimeout,
		DefaultTaskRetries: cfg.defaultTaskRetries,
		Log:                cfg.log,
		Metrics:            cfg.metrics,
	}
}

// Module is the owning container for one running driver instance: it ties
// Task, Queue, Transport, Storage and Subscriptions together and is the
// only thing that ever holds all of them at once. Transport is handed only
// a non-owning online flag and a ReceivedFunc value — never a reference
// back to Module — which is what breaks the Transport↔Queue↔driver cycle
// the teacher's Conn/Listener pairing avoided the same way.
type Module struct {
	ID string

	Queue         *Queue
	Transport     Transport
	Storage       *Storage
	Subscriptions *Subscriptions
	Archiver      Archiver

	online  *atomic.Bool
	log     *logrus.Entry
	metrics Metrics

	defaultTaskTimeout time.Duration
	defaultTaskRetries int

	cancel context.CancelFunc
}

// NewModule assembles a Module. The caller supplies an already-built
// Transport (StreamTransport/WebSocketTransport) constructed with the
// Module's online flag — obtain one via PrepareOnlineFlag before building
// the Transport, then pass it here.
func NewModule(cfg ModuleConfig, online *atomic.Bool) *Module {
	id := cfg.ModuleID
	if id == "" {
		id = uuid.New().String()
	}
	logger := cfg.Log
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewDefaultMetrics()
	}
	archiver := cfg.Archiver
	if archiver == nil {
		archiver = NullArchiver{}
	}

	entry := logger.WithField("module_id", id)
	m := &Module{
		ID:                 id,
		Transport:          cfg.Transport,
		Storage:            NewStorage(cfg.Store, cfg.Prefix, id, entry, metrics),
		Subscriptions:      NewSubscriptions(cfg.Store, cfg.Prefix, entry, metrics),
		Archiver:           archiver,
		online:             online,
		log:                entry,
		metrics:            metrics,
		defaultTaskTimeout: cfg.DefaultTaskTimeout,
		defaultTaskRetries: cfg.DefaultTaskRetries,
	}
	m.Queue = NewQueue(cfg.Transport, online, entry, metrics)
	m.Queue.onComplete = m.archiveOutcome
	return m
}

// PrepareOnlineFlag allocates the shared online flag a Transport and the
// Module's Queue must both be constructed with, before either exists.
func PrepareOnlineFlag() *atomic.Bool {
	return &atomic.Bool{}
}

// Run starts the Queue's dispatch loop and the Subscriptions' subscribe
// loop. It blocks until ctx is cancelled.
func (m *Module) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go m.Subscriptions.Run(ctx)
	m.Queue.Run(ctx)
}

// Send enqueues a Task built from the given parameters, per the
// driver-facing `queue.send` operation of spec §6.
func (m *Module) Send(cfg TaskConfig) (Future, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = m.defaultTaskTimeout
	}
	if cfg.Retries == 0 {
		cfg.Retries = m.defaultTaskRetries
	}
	task := NewTask(cfg)
	return m.Queue.Send(task)
}

// TransportSend is the driver-facing `transport.send(bytes[, task])`.
func (m *Module) TransportSend(ctx context.Context, data []byte, task *Task) error {
	return m.Transport.Send(ctx, data, task)
}

// TransportTerminate is the driver-facing `transport.terminate()`. It also
// tears down the Queue and Subscriptions loops for this module.
func (m *Module) TransportTerminate() {
	m.Transport.Terminate()
	m.Queue.Terminate()
	m.Subscriptions.Terminate()
	if m.cancel != nil {
		m.cancel()
	}
}

// TransportDisconnect is the driver-facing `transport.disconnect()`.
func (m *Module) TransportDisconnect() { m.Transport.Disconnect() }

// TransportStartTLS is the driver-facing `transport.start_tls(verify_mode, context)`.
func (m *Module) TransportStartTLS(ctx context.Context, verify TLSVerifyMode) error {
	return m.Transport.StartTLS(ctx, verify)
}

// StorageSet is the driver-facing `storage[key] = value`.
func (m *Module) StorageSet(ctx context.Context, key, value string) error {
	if err := m.Storage.Set(ctx, key, value); err != nil {
		return err
	}
	m.archiveStatus(ctx, key, value)
	return nil
}

// StorageGet is the driver-facing `storage[key]`.
func (m *Module) StorageGet(ctx context.Context, key string) (string, bool, error) {
	return m.Storage.Get(ctx, key)
}

// StorageDelete is the driver-facing `storage.delete(key)`.
func (m *Module) StorageDelete(ctx context.Context, key string) error {
	if err := m.Storage.Delete(ctx, key); err != nil {
		return err
	}
	m.archiveStatus(ctx, key, "")
	return nil
}

// StorageSignalStatus is the driver-facing `storage.signal_status(key)`.
func (m *Module) StorageSignalStatus(ctx context.Context, key string) error {
	return m.Storage.SignalStatus(ctx, key)
}

// Metrics returns the Module's Metrics collector.
func (m *Module) Metrics() Metrics { return m.metrics }

// SubscribeDirect is the driver-facing `subscriptions.subscribe(...)` for a
// module/status pair.
func (m *Module) SubscribeDirect(ctx context.Context, moduleID, status string, cb func(string)) (*Subscription, error) {
	return m.Subscriptions.SubscribeDirect(ctx, moduleID, status, cb)
}

// SubscribeIndirect is the driver-facing `subscriptions.subscribe(...)` for
// a role-resolved target.
func (m *Module) SubscribeIndirect(ctx context.Context, systemID, role string, index int, status string, cb func(string)) (*Subscription, error) {
	return m.Subscriptions.SubscribeIndirect(ctx, systemID, role, index, status, cb)
}

// SubscribeChannel is the driver-facing `subscriptions.channel(name, &cb)`.
func (m *Module) SubscribeChannel(ctx context.Context, name string, cb func(string)) (*Subscription, error) {
	return m.Subscriptions.Channel(ctx, name, cb)
}

// Unsubscribe is the driver-facing `subscriptions.unsubscribe(sub)`.
func (m *Module) Unsubscribe(ctx context.Context, sub *Subscription) {
	m.Subscriptions.Unsubscribe(ctx, sub)
}

// archiveStatus feeds a status mutation to the Archiver on its own
// goroutine, after the Storage publish it accompanies has already been
// acknowledged — an archive failure never blocks or retries the mutation
// that triggered it, per spec §4.F.
func (m *Module) archiveStatus(ctx context.Context, key, value string) {
	if m.Archiver == nil {
		return
	}
	go func() {
		if err := m.Archiver.RecordStatusSnapshot(ctx, m.ID, key, value); err != nil {
			m.log.WithError(err).WithField("status", key).Warn("archive write failed")
			m.metrics.IncrementArchiveFailures()
			return
		}
		m.metrics.IncrementArchiveWrites()
	}()
}

// archiveOutcome is the Queue's onComplete hook: it turns a finished
// Task's outcome into a TaskRecord and hands it to the Archiver, again on
// its own goroutine so a slow or failing sink never delays the next
// dispatch cycle.
func (m *Module) archiveOutcome(task *Task, outcome Outcome) {
	if m.Archiver == nil {
		return
	}
	rec := TaskRecord{
		TaskID:     task.ID,
		Name:       task.Name,
		Outcome:    outcome.Kind,
		CreatedAt:  task.createdAt,
		FinishedAt: time.Now(),
	}
	if outcome.Err != nil {
		rec.Err = outcome.Err.Error()
	}
	if outcome.Value != nil {
		rec.Value = fmt.Sprintf("%v", outcome.Value)
	}
	go func() {
		if err := m.Archiver.RecordTaskOutcome(context.Background(), m.ID, rec); err != nil {
			m.log.WithError(err).WithField("task", task.Name).Warn("archive write failed")
			m.metrics.IncrementArchiveFailures()
			return
		}
		m.metrics.IncrementArchiveWrites()
	}()
}
