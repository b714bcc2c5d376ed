package driverd

import "sync/atomic"

// Metrics is the counter surface the Queue, Transport and Storage
// components report through. Collectors read via Get*; nothing in this
// package blocks on a Metrics call, so a slow collector never backs up the
// dispatch loop.
type Metrics interface {
	IncrementTasksDispatched()
	IncrementTasksCompleted()
	IncrementTasksAborted()
	IncrementTasksTimedOut()
	IncrementTasksRetried()

	IncrementMessagesSent()
	IncrementMessagesReceived()
	IncrementBytesSent(n int64)
	IncrementBytesReceived(n int64)
	IncrementReconnects()

	IncrementStatusPublishes()
	IncrementArchiveWrites()
	IncrementArchiveFailures()

	GetTasksDispatched() int64
	GetTasksCompleted() int64
	GetTasksAborted() int64
	GetTasksTimedOut() int64
	GetTasksRetried() int64
	GetMessagesSent() int64
	GetMessagesReceived() int64
	GetBytesSent() int64
	GetBytesReceived() int64
	GetReconnects() int64
	GetStatusPublishes() int64
	GetArchiveWrites() int64
	GetArchiveFailures() int64
}

// DefaultMetrics implements Metrics with plain atomic counters.
type DefaultMetrics struct {
	tasksDispatched int64
	tasksCompleted  int64
	tasksAborted    int64
	tasksTimedOut   int64
	tasksRetried    int64

	messagesSent     int64
	messagesReceived int64
	bytesSent        int64
	bytesReceived    int64
	reconnects       int64

	statusPublishes  int64
	archiveWrites    int64
	archiveFailures  int64
}

// NewDefaultMetrics creates a zero-valued DefaultMetrics.
func NewDefaultMetrics() *DefaultMetrics { return &DefaultMetrics{} }

func (m *DefaultMetrics) IncrementTasksDispatched() { atomic.AddInt64(&m.tasksDispatched, 1) }
func (m *DefaultMetrics) IncrementTasksCompleted()  { atomic.AddInt64(&m.tasksCompleted, 1) }
func (m *DefaultMetrics) IncrementTasksAborted()    { atomic.AddInt64(&m.tasksAborted, 1) }
func (m *DefaultMetrics) IncrementTasksTimedOut()   { atomic.AddInt64(&m.tasksTimedOut, 1) }
func (m *DefaultMetrics) IncrementTasksRetried()    { atomic.AddInt64(&m.tasksRetried, 1) }

func (m *DefaultMetrics) IncrementMessagesSent()     { atomic.AddInt64(&m.messagesSent, 1) }
func (m *DefaultMetrics) IncrementMessagesReceived() { atomic.AddInt64(&m.messagesReceived, 1) }
func (m *DefaultMetrics) IncrementBytesSent(n int64) { atomic.AddInt64(&m.bytesSent, n) }
func (m *DefaultMetrics) IncrementBytesReceived(n int64) {
	atomic.AddInt64(&m.bytesReceived, n)
}
func (m *DefaultMetrics) IncrementReconnects() { atomic.AddInt64(&m.reconnects, 1) }

func (m *DefaultMetrics) IncrementStatusPublishes() { atomic.AddInt64(&m.statusPublishes, 1) }
func (m *DefaultMetrics) IncrementArchiveWrites()   { atomic.AddInt64(&m.archiveWrites, 1) }
func (m *DefaultMetrics) IncrementArchiveFailures() { atomic.AddInt64(&m.archiveFailures, 1) }

func (m *DefaultMetrics) GetTasksDispatched() int64 { return atomic.LoadInt64(&m.tasksDispatched) }
func (m *DefaultMetrics) GetTasksCompleted() int64  { return atomic.LoadInt64(&m.tasksCompleted) }
func (m *DefaultMetrics) GetTasksAborted() int64    { return atomic.LoadInt64(&m.tasksAborted) }
func (m *DefaultMetrics) GetTasksTimedOut() int64   { return atomic.LoadInt64(&m.tasksTimedOut) }
func (m *DefaultMetrics) GetTasksRetried() int64    { return atomic.LoadInt64(&m.tasksRetried) }

func (m *DefaultMetrics) GetMessagesSent() int64     { return atomic.LoadInt64(&m.messagesSent) }
func (m *DefaultMetrics) GetMessagesReceived() int64 { return atomic.LoadInt64(&m.messagesReceived) }
func (m *DefaultMetrics) GetBytesSent() int64        { return atomic.LoadInt64(&m.bytesSent) }
func (m *DefaultMetrics) GetBytesReceived() int64    { return atomic.LoadInt64(&m.bytesReceived) }
func (m *DefaultMetrics) GetReconnects() int64       { return atomic.LoadInt64(&m.reconnects) }

func (m *DefaultMetrics) GetStatusPublishes() int64 { return atomic.LoadInt64(&m.statusPublishes) }
func (m *DefaultMetrics) GetArchiveWrites() int64   { return atomic.LoadInt64(&m.archiveWrites) }
func (m *DefaultMetrics) GetArchiveFailures() int64 { return atomic.LoadInt64(&m.archiveFailures) }
