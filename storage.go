package driverd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Store is the narrow subset of go-redis this module calls. Defining it
// here (rather than depending on *redis.Client directly) lets Storage be
// unit tested against an in-memory fake with no live Redis required, per
// the ambient test-tooling stance.
type Store interface {
	HSet(ctx context.Context, key string, values ...any) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	HKeys(ctx context.Context, key string) *redis.StringSliceCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HLen(ctx context.Context, key string) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	TxPipeline() redis.Pipeliner
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// nullPublish is the literal payload published when a key is deleted or
// cleared, per spec §4.E.
const nullPublish = "null"

// Storage is the hash-backed status store for one driver module: every
// mutation is a single pipelined HSET/HDEL + PUBLISH, so a subscriber never
// observes the hash update without the corresponding publish (invariant 3).
type Storage struct {
	store    Store
	hashKey  string // "<prefix>/<module_id>"
	prefix   string
	moduleID string
	log      *logrus.Entry
	metrics  Metrics
}

// NewStorage builds a Storage bound to one module's hash key.
func NewStorage(store Store, prefix, moduleID string, log *logrus.Entry, metrics Metrics) *Storage {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if metrics == nil {
		metrics = NewDefaultMetrics()
	}
	return &Storage{
		store:    store,
		hashKey:  prefix + "/" + moduleID,
		prefix:   prefix,
		moduleID: moduleID,
		log:      log.WithField("component", "storage"),
		metrics:  metrics,
	}
}

func (s *Storage) channel(status string) string {
	return s.hashKey + "/" + status
}

// Set stores json under status and publishes it on the status channel in
// one pipeline. An empty/blank json is treated as Delete, per spec §4.E.
func (s *Storage) Set(ctx context.Context, status, json string) error {
	if strings.TrimSpace(json) == "" {
		return s.Delete(ctx, status)
	}
	pipe := s.store.TxPipeline()
	pipe.HSet(ctx, s.hashKey, status, json)
	pipe.Publish(ctx, s.channel(status), json)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.metrics.IncrementStatusPublishes()
	return nil
}

// Get returns the stored json for status, or ("", false) if absent.
func (s *Storage) Get(ctx context.Context, status string) (string, bool, error) {
	v, err := s.store.HGet(ctx, s.hashKey, status).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return v, true, nil
}

// Delete removes status and publishes the literal "null", atomically.
func (s *Storage) Delete(ctx context.Context, status string) error {
	pipe := s.store.TxPipeline()
	pipe.HDel(ctx, s.hashKey, status)
	pipe.Publish(ctx, s.channel(status), nullPublish)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.metrics.IncrementStatusPublishes()
	return nil
}

// SignalStatus republishes the current value (or "null") without mutating
// the hash — used to bring a fresh subscriber up to date.
func (s *Storage) SignalStatus(ctx context.Context, status string) error {
	v, ok, err := s.Get(ctx, status)
	if err != nil {
		return err
	}
	payload := nullPublish
	if ok {
		payload = v
	}
	if err := s.store.Publish(ctx, s.channel(status), payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.metrics.IncrementStatusPublishes()
	return nil
}

// Keys returns every status currently set, sorted for stable iteration.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.store.HKeys(ctx, s.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// ToMap returns the full status hash as a map.
func (s *Storage) ToMap(ctx context.Context) (map[string]string, error) {
	m, err := s.store.HGetAll(ctx, s.hashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return m, nil
}

// Values returns every stored value, in the same order as Keys.
func (s *Storage) Values(ctx context.Context) ([]string, error) {
	m, err := s.ToMap(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	values := make([]string, 0, len(keys))
	for _, k := range keys {
		values = append(values, m[k])
	}
	return values, nil
}

// Size returns the number of statuses currently set.
func (s *Storage) Size(ctx context.Context) (int64, error) {
	n, err := s.store.HLen(ctx, s.hashKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

// Empty reports whether no statuses are set.
func (s *Storage) Empty(ctx context.Context) (bool, error) {
	n, err := s.Size(ctx)
	return n == 0, err
}

// Clear removes every status, publishing "null" for each one removed.
func (s *Storage) Clear(ctx context.Context) error {
	keys, err := s.Keys(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
