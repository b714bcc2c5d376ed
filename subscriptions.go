package driverd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// LookupChangeChannel is the distinguished channel that carries a system_id
// payload whenever the platform rebinds module roles, per spec §4.E.
const LookupChangeChannel = "lookup-change"

// SubKind distinguishes the three subscription shapes.
type SubKind int

const (
	SubDirect SubKind = iota
	SubIndirect
	SubChannel
)

// Subscription is a live registration in a Subscriptions registry. Fields
// beyond Channel are only meaningful for the Kind they belong to.
type Subscription struct {
	Kind     SubKind
	ModuleID string // Direct, and Indirect's currently-resolved target
	SystemID string // Indirect only
	Role     string // Indirect only
	Index    int    // Indirect only
	Status   string // Direct/Indirect
	Channel  string // current channel; mutated in place by remap
	Callback func(value string)
}

// Subscriptions is the registry of Direct/Indirect/Channel subscriptions
// for one deployment's store connection. It owns a dedicated subscribing
// connection (the "subscribe loop") and re-resolves IndirectSubscriptions
// whenever the platform's role-to-module mapping changes.
type Subscriptions struct {
	store  Store
	prefix string
	log    *logrus.Entry
	metrics Metrics

	mu        sync.Mutex
	byChannel map[string][]*Subscription
	bySystem  map[string][]*Subscription
	sub       *redis.PubSub

	terminated chan struct{}
	once       sync.Once
}

// NewSubscriptions builds a Subscriptions registry. Run must be called on
// its own goroutine to actually drive delivery.
func NewSubscriptions(store Store, prefix string, log *logrus.Entry, metrics Metrics) *Subscriptions {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if metrics == nil {
		metrics = NewDefaultMetrics()
	}
	return &Subscriptions{
		store:      store,
		prefix:     prefix,
		log:        log.WithField("component", "subscriptions"),
		metrics:    metrics,
		byChannel:  make(map[string][]*Subscription),
		bySystem:   make(map[string][]*Subscription),
		terminated: make(chan struct{}),
	}
}

func (s *Subscriptions) moduleChannel(moduleID, status string) string {
	return s.prefix + "/" + moduleID + "/" + status
}

func (s *Subscriptions) roleKey(systemID, role string, index int) string {
	return fmt.Sprintf("%s/roles/%s/%s/%d", s.prefix, systemID, role, index)
}

func (s *Subscriptions) resolveRole(ctx context.Context, systemID, role string, index int) (string, error) {
	v, err := s.store.Get(ctx, s.roleKey(systemID, role, index)).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("%w: no module bound to role %s/%s/%d", ErrStoreUnavailable, systemID, role, index)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return v, nil
}

func (s *Subscriptions) get(ctx context.Context, moduleID, status string) (string, bool, error) {
	v, err := s.store.HGet(ctx, s.prefix+"/"+moduleID, status).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return v, true, nil
}

// SubscribeDirect registers a direct subscription bound to one module's
// status channel. If the store already holds a value, cb fires immediately
// with it.
func (s *Subscriptions) SubscribeDirect(ctx context.Context, moduleID, status string, cb func(string)) (*Subscription, error) {
	channel := s.moduleChannel(moduleID, status)
	sub := &Subscription{Kind: SubDirect, ModuleID: moduleID, Status: status, Channel: channel, Callback: cb}

	s.mu.Lock()
	first := len(s.byChannel[channel]) == 0
	s.byChannel[channel] = append(s.byChannel[channel], sub)
	s.mu.Unlock()

	if first {
		s.redisSubscribe(ctx, channel)
	}
	s.deliverCurrent(ctx, sub)
	return sub, nil
}

// SubscribeIndirect registers a subscription resolved through the
// platform's role-to-module lookup. Tracked additionally by system_id so a
// lookup-change remap can find it.
func (s *Subscriptions) SubscribeIndirect(ctx context.Context, systemID, role string, index int, status string, cb func(string)) (*Subscription, error) {
	moduleID, err := s.resolveRole(ctx, systemID, role, index)
	if err != nil {
		return nil, err
	}
	channel := s.moduleChannel(moduleID, status)
	sub := &Subscription{
		Kind: SubIndirect, SystemID: systemID, Role: role, Index: index,
		Status: status, ModuleID: moduleID, Channel: channel, Callback: cb,
	}

	s.mu.Lock()
	first := len(s.byChannel[channel]) == 0
	s.byChannel[channel] = append(s.byChannel[channel], sub)
	s.bySystem[systemID] = append(s.bySystem[systemID], sub)
	s.mu.Unlock()

	if first {
		s.redisSubscribe(ctx, channel)
	}
	s.deliverCurrent(ctx, sub)
	return sub, nil
}

// Channel registers a free-form subscription to a literal channel name.
func (s *Subscriptions) Channel(ctx context.Context, name string, cb func(string)) (*Subscription, error) {
	sub := &Subscription{Kind: SubChannel, Channel: name, Callback: cb}

	s.mu.Lock()
	first := len(s.byChannel[name]) == 0
	s.byChannel[name] = append(s.byChannel[name], sub)
	s.mu.Unlock()

	if first {
		s.redisSubscribe(ctx, name)
	}
	return sub, nil
}

// Unsubscribe removes sub from every index; if its channel's subscriber
// list becomes empty, issues UNSUBSCRIBE against the store.
func (s *Subscriptions) Unsubscribe(ctx context.Context, sub *Subscription) {
	s.mu.Lock()
	s.byChannel[sub.Channel] = removeSub(s.byChannel[sub.Channel], sub)
	last := len(s.byChannel[sub.Channel]) == 0
	if last {
		delete(s.byChannel, sub.Channel)
	}
	if sub.Kind == SubIndirect {
		s.bySystem[sub.SystemID] = removeSub(s.bySystem[sub.SystemID], sub)
		if len(s.bySystem[sub.SystemID]) == 0 {
			delete(s.bySystem, sub.SystemID)
		}
	}
	s.mu.Unlock()

	if last {
		s.redisUnsubscribe(ctx, sub.Channel)
	}
}

func removeSub(list []*Subscription, target *Subscription) []*Subscription {
	out := list[:0]
	for _, s := range list {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func (s *Subscriptions) deliverCurrent(ctx context.Context, sub *Subscription) {
	v, ok, err := s.get(ctx, sub.ModuleID, sub.Status)
	if err != nil {
		s.log.WithError(err).Warn("could not fetch current value for new subscription")
		return
	}
	payload := nullPublish
	if ok {
		payload = v
	}
	s.safeNotify(sub, payload)
}

func (s *Subscriptions) safeNotify(sub *Subscription, value string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("subscriber callback panicked")
		}
	}()
	sub.Callback(value)
}

// redisSubscribe and redisUnsubscribe are serialized by s.mu alongside the
// index mutations, matching spec §4.E: the remap path "spans two indices
// plus a store round-trip" under one lock.
func (s *Subscriptions) redisSubscribe(ctx context.Context, channel string) {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Subscribe(ctx, channel); err != nil {
		s.log.WithError(err).WithField("channel", channel).Warn("subscribe failed")
	}
}

func (s *Subscriptions) redisUnsubscribe(ctx context.Context, channel string) {
	s.mu.Lock()
	sub := s.sub
	s.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(ctx, channel); err != nil {
		s.log.WithError(err).WithField("channel", channel).Warn("unsubscribe failed")
	}
}

// Run drives the subscribe loop: holds the subscribing connection, issues
// the initial lookup-change subscription, resubscribes everything on
// reconnect, and dispatches incoming messages. Exits once Terminate is
// called.
func (s *Subscriptions) Run(ctx context.Context) {
	backoff := newReconnectBackoff(DefaultReconnectBase, DefaultReconnectCap, DefaultReconnectJitter)
	for {
		select {
		case <-s.terminated:
			return
		default:
		}

		pubsub := s.store.Subscribe(ctx, LookupChangeChannel)
		s.mu.Lock()
		s.sub = pubsub
		s.mu.Unlock()

		s.resubscribeAll(ctx)

		ch := pubsub.Channel()
		for msg := range ch {
			s.onMessage(ctx, msg.Channel, msg.Payload)
		}
		pubsub.Close()

		select {
		case <-s.terminated:
			return
		default:
		}
		s.metrics.IncrementReconnects()
		_ = backoff.Wait(ctx)
	}
}

// Terminate issues an UNSUBSCRIBE with no arguments and closes the
// subscribing connection, which closes the loop's channel so Run exits.
func (s *Subscriptions) Terminate() {
	s.once.Do(func() {
		close(s.terminated)
		s.mu.Lock()
		sub := s.sub
		s.mu.Unlock()
		if sub != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = sub.Unsubscribe(ctx)
			_ = sub.Close()
		}
	})
}

func (s *Subscriptions) resubscribeAll(ctx context.Context) {
	s.mu.Lock()
	channels := make([]string, 0, len(s.byChannel))
	for c := range s.byChannel {
		channels = append(channels, c)
	}
	sub := s.sub
	s.mu.Unlock()

	if sub != nil && len(channels) > 0 {
		if err := sub.Subscribe(ctx, channels...); err != nil {
			s.log.WithError(err).Warn("resubscribe-all failed")
		}
	}

	s.mu.Lock()
	systems := make([]string, 0, len(s.bySystem))
	for sysID := range s.bySystem {
		systems = append(systems, sysID)
	}
	s.mu.Unlock()
	for _, sysID := range systems {
		s.remap(ctx, sysID)
	}
}

func (s *Subscriptions) onMessage(ctx context.Context, channel, payload string) {
	if channel == LookupChangeChannel {
		s.remap(ctx, payload)
		return
	}

	s.mu.Lock()
	subs := append([]*Subscription(nil), s.byChannel[channel]...)
	s.mu.Unlock()

	if len(subs) == 0 {
		s.log.WithField("channel", channel).Warn("message on channel with no subscribers")
		return
	}
	for _, sub := range subs {
		s.safeNotify(sub, payload)
	}
}

// remap re-resolves every IndirectSubscription under systemID. Per
// invariant 6, a subscription is never subscribed to both its old and new
// channel simultaneously for longer than this call takes.
func (s *Subscriptions) remap(ctx context.Context, systemID string) {
	s.mu.Lock()
	subs := append([]*Subscription(nil), s.bySystem[systemID]...)
	s.mu.Unlock()

	for _, sub := range subs {
		moduleID, err := s.resolveRole(ctx, sub.SystemID, sub.Role, sub.Index)
		if err != nil {
			s.log.WithError(err).WithField("system_id", systemID).Warn("lookup-change remap failed to resolve role")
			continue
		}
		newChannel := s.moduleChannel(moduleID, sub.Status)

		s.mu.Lock()
		if newChannel == sub.Channel {
			s.mu.Unlock()
			continue
		}
		oldChannel := sub.Channel
		s.byChannel[oldChannel] = removeSub(s.byChannel[oldChannel], sub)
		lastOnOld := len(s.byChannel[oldChannel]) == 0
		if lastOnOld {
			delete(s.byChannel, oldChannel)
		}
		firstOnNew := len(s.byChannel[newChannel]) == 0
		s.byChannel[newChannel] = append(s.byChannel[newChannel], sub)
		sub.Channel = newChannel
		sub.ModuleID = moduleID
		s.mu.Unlock()

		if lastOnOld {
			s.redisUnsubscribe(ctx, oldChannel)
		}
		if firstOnNew {
			s.redisSubscribe(ctx, newChannel)
		}
		s.deliverCurrent(ctx, sub)
	}
}
