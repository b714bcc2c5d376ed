package driverd

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

// TaskRecord is the durable shape of one task completion, handed to an
// Archiver by Module after the task's Future has already resolved and any
// Storage publish has already been acknowledged — archive writes never sit
// on the critical path of either.
type TaskRecord struct {
	TaskID    string
	Name      string
	Outcome   OutcomeKind
	Value     string // best-effort string rendering of Outcome.Value
	Err       string // Outcome.Err.Error(), if any
	CreatedAt time.Time
	FinishedAt time.Time
}

// Archiver is an optional sink a Module may attach to durably record task
// outcomes and status snapshots outside the local process, for fleet-wide
// diagnostics. It never gates a core invariant: every call site treats a
// failing Archiver as a logged, fire-and-forget event.
type Archiver interface {
	RecordTaskOutcome(ctx context.Context, moduleID string, rec TaskRecord) error
	RecordStatusSnapshot(ctx context.Context, moduleID, status, value string) error
}

// NullArchiver is the zero-value default: every call is a no-op. Wiring a
// real sink in is opt-in via ModuleConfig.Archiver, e.g. with the value
// Config.NewArchiver builds once WithArchiveEndpoint is set.
type NullArchiver struct{}

func (NullArchiver) RecordTaskOutcome(context.Context, string, TaskRecord) error { return nil }
func (NullArchiver) RecordStatusSnapshot(context.Context, string, string, string) error {
	return nil
}

// dataKeys names the chunked Edm.Binary properties used to store a payload
// that doesn't fit in one Azure Table property, adapted from the teacher's
// aztable.go handshake/token entity encoding.
var dataKeys = [maxTableProperties]string{
	"Data", "Data01", "Data02", "Data03", "Data04", "Data05", "Data06", "Data07",
	"Data08", "Data09", "Data10", "Data11", "Data12", "Data13", "Data14",
}

// maxTableBinaryPropertySize is the maximum size (64 KiB) of a single
// Edm.Binary property.
const maxTableBinaryPropertySize = 64 * 1024

// maxTableProperties is the number of binary properties used to store one
// large entity.
const maxTableProperties = 15

// MaxTableEntitySize is the largest payload that fits across every chunked
// property of one table entity before BlobArchiver must be used instead.
const MaxTableEntitySize = maxTableProperties * maxTableBinaryPropertySize

func buildTableEntity(pk, rk string, data []byte) ([]byte, error) {
	m := map[string]any{"PartitionKey": pk, "RowKey": rk}
	for i := 0; i < maxTableProperties && len(data) > 0; i++ {
		take := min(len(data), maxTableBinaryPropertySize)
		m[dataKeys[i]] = data[:take]
		m[dataKeys[i]+"@odata.type"] = "Edm.Binary"
		data = data[take:]
	}
	return json.Marshal(m)
}

// TableArchiver stores one entity per task outcome: partition key
// moduleID, row key taskID. When the record's JSON rendering exceeds
// MaxTableEntitySize it spills to the paired BlobArchiver instead (if one
// is set via WithOverflow), matching spec §4.F's fallback rule.
type TableArchiver struct {
	client   *aztables.Client
	overflow *BlobArchiver // optional; nil means oversized records are truncated
}

// NewTableArchiver builds a TableArchiver against an already-resolved
// aztables client (one table per deployment, holding every module's
// records under distinct partition keys).
func NewTableArchiver(client *aztables.Client) *TableArchiver {
	return &TableArchiver{client: client}
}

// WithOverflow attaches a BlobArchiver used for records too large for a
// single chunked entity.
func (a *TableArchiver) WithOverflow(b *BlobArchiver) *TableArchiver {
	a.overflow = b
	return a
}

func (a *TableArchiver) RecordTaskOutcome(ctx context.Context, moduleID string, rec TaskRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}
	if len(payload) > MaxTableEntitySize {
		if a.overflow != nil {
			return a.overflow.spill(ctx, moduleID, rec.TaskID, payload)
		}
		payload = payload[:MaxTableEntitySize]
	}
	entity, err := buildTableEntity(moduleID, rec.TaskID, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}
	if _, err := a.client.UpsertEntity(ctx, entity, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}
	return nil
}

// RecordStatusSnapshot stores the current value of one status under a
// row key derived from the status name, overwriting the previous snapshot
// — the table only ever holds the latest value per (module, status).
func (a *TableArchiver) RecordStatusSnapshot(ctx context.Context, moduleID, status, value string) error {
	entity, err := buildTableEntity(moduleID, "status/"+status, []byte(value))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}
	if _, err := a.client.UpsertEntity(ctx, entity, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}
	return nil
}

// MaxBlobBlockSize is the maximum size of a single block appended to an
// append blob (4 MB), per the teacher's azblob.go.
const MaxBlobBlockSize = 4 * 1024 * 1024

// BlobArchiver spills oversized task-outcome payloads to append blobs keyed
// "<moduleID>/<taskID>", adapting the teacher's azblob.go append/rotate
// pattern away from handshake/token bootstrap and onto archival.
type BlobArchiver struct {
	container *container.Client

	mu     sync.Mutex
	blocks map[string]int // blob name -> blocks appended, for rotation bookkeeping
}

// NewBlobArchiver builds a BlobArchiver against one container shared by
// every module (blob names are namespaced by moduleID already).
func NewBlobArchiver(c *container.Client) *BlobArchiver {
	return &BlobArchiver{container: c, blocks: make(map[string]int)}
}

func (a *BlobArchiver) blobName(moduleID, taskID string) string {
	return moduleID + "/" + taskID
}

// spill writes data as a fresh append blob, creating it first if this is
// the first write for the name.
func (a *BlobArchiver) spill(ctx context.Context, moduleID, taskID string, data []byte) error {
	name := a.blobName(moduleID, taskID)
	client := a.container.NewAppendBlobClient(name)

	a.mu.Lock()
	n := a.blocks[name]
	a.mu.Unlock()
	if n == 0 {
		if _, err := client.Create(ctx, nil); err != nil {
			return fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
		}
	}

	for len(data) > 0 {
		take := min(len(data), MaxBlobBlockSize)
		if _, err := client.AppendBlock(ctx, streaming.NopCloser(bytes.NewReader(data[:take])), nil); err != nil {
			return fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
		}
		data = data[take:]
		a.mu.Lock()
		a.blocks[name]++
		a.mu.Unlock()
	}
	return nil
}

// RecordTaskOutcome spills the full JSON-encoded record unconditionally;
// used as a standalone Archiver when every outcome is expected to be
// oversized (e.g. archiving raw frame dumps rather than summaries).
func (a *BlobArchiver) RecordTaskOutcome(ctx context.Context, moduleID string, rec TaskRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}
	return a.spill(ctx, moduleID, rec.TaskID, payload)
}

// RecordStatusSnapshot spills the snapshot to the blob
// "<moduleID>/status-<name>".
func (a *BlobArchiver) RecordStatusSnapshot(ctx context.Context, moduleID, status, value string) error {
	return a.spill(ctx, moduleID, "status-"+status, []byte(value))
}

// maxQueueTextMessageSize is the maximum raw size of a single queue
// message (64 KB), per the teacher's azqueue.go.
const maxQueueTextMessageSize = 64 * 1024

// QueueArchiver is a best-effort durable replay buffer: every status
// publish is also enqueued here so a consumer that was offline when the
// pub/sub message fired can drain it later, adapting the teacher's
// azqueue.go enqueue/dequeue/delete cycle.
type QueueArchiver struct {
	queue *azqueue.QueueClient
}

// NewQueueArchiver builds a QueueArchiver against one already-created
// queue shared by every module.
func NewQueueArchiver(q *azqueue.QueueClient) *QueueArchiver {
	return &QueueArchiver{queue: q}
}

type queueReplayEntry struct {
	ModuleID string `json:"module_id"`
	Status   string `json:"status"`
	Value    string `json:"value"`
}

// RecordStatusSnapshot enqueues the snapshot for later replay. An entry
// whose base64 encoding would exceed maxQueueTextMessageSize is not
// enqueued; it is rejected with ErrArchiveUnavailable.
func (a *QueueArchiver) RecordStatusSnapshot(ctx context.Context, moduleID, status, value string) error {
	entry, err := json.Marshal(queueReplayEntry{ModuleID: moduleID, Status: status, Value: value})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}
	if len(entry) > (maxQueueTextMessageSize*3)/4 {
		return fmt.Errorf("%w: status snapshot too large for queue replay", ErrArchiveUnavailable)
	}
	if _, err := a.queue.EnqueueMessage(ctx, base64.StdEncoding.EncodeToString(entry), nil); err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}
	return nil
}

// RecordTaskOutcome is a no-op: the replay buffer exists for status
// publishes only, per spec §4.F ("every Storage publish is also
// enqueued here").
func (a *QueueArchiver) RecordTaskOutcome(context.Context, string, TaskRecord) error { return nil }

// DrainReplay dequeues and deletes up to max pending replay entries,
// returning whatever was retrieved. A consumer calls this to catch up
// after having missed live pub/sub traffic.
func (a *QueueArchiver) DrainReplay(ctx context.Context, max int32) ([]queueReplayEntry, error) {
	resp, err := a.queue.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{NumberOfMessages: to.Ptr(max)})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}
	entries := make([]queueReplayEntry, 0, len(resp.Messages))
	for _, msg := range resp.Messages {
		if msg.MessageText == nil {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(*msg.MessageText)
		if err != nil {
			continue
		}
		var e queueReplayEntry
		if json.Unmarshal(raw, &e) == nil {
			entries = append(entries, e)
		}
		_, _ = a.queue.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil)
	}
	return entries, nil
}

// CompositeArchiver fans a call out to every member sink, continuing past
// individual failures and returning the first error encountered (if any)
// so Module's fire-and-forget caller still gets something to log. Used to
// combine TableArchiver (durable record-of-truth) with QueueArchiver
// (replay buffer) behind one Archiver value.
type CompositeArchiver struct {
	members []Archiver
}

// NewCompositeArchiver fans writes out to every given archiver.
func NewCompositeArchiver(archivers ...Archiver) *CompositeArchiver {
	return &CompositeArchiver{members: archivers}
}

func (a *CompositeArchiver) RecordTaskOutcome(ctx context.Context, moduleID string, rec TaskRecord) error {
	var first error
	for _, m := range a.members {
		if err := m.RecordTaskOutcome(ctx, moduleID, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (a *CompositeArchiver) RecordStatusSnapshot(ctx context.Context, moduleID, status, value string) error {
	var first error
	for _, m := range a.members {
		if err := m.RecordStatusSnapshot(ctx, moduleID, status, value); err != nil && first == nil {
			first = err
		}
	}
	return first
}
