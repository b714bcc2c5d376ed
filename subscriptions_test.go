package driverd

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
)

func newTestSubscriptions(t *testing.T) *Subscriptions {
	t.Helper()
	subs, _ := newTestSubscriptionsWithClient(t)
	return subs
}

func newTestSubscriptionsWithClient(t *testing.T) (*Subscriptions, *redis.Client) {
	t.Helper()
	client, _ := newTestStore(t)
	return NewSubscriptions(client, "drv", nil, nil), client
}

func TestSubscribeDirectDeliversCurrentValue(t *testing.T) {
	ctx := context.Background()
	subs := newTestSubscriptions(t)
	storage := NewStorage(subs.store, "drv", "m1", nil, nil)
	if err := storage.Set(ctx, "power", "true"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var got string
	_, err := subs.SubscribeDirect(ctx, "m1", "power", func(v string) { got = v })
	if err != nil {
		t.Fatalf("SubscribeDirect: %v", err)
	}
	if got != "true" {
		t.Fatalf("got %q, want %q delivered immediately", got, "true")
	}
}

func TestSubscribeDirectWithNoCurrentValueDeliversNull(t *testing.T) {
	ctx := context.Background()
	subs := newTestSubscriptions(t)

	var got string
	called := false
	_, err := subs.SubscribeDirect(ctx, "m1", "power", func(v string) { got = v; called = true })
	if err != nil {
		t.Fatalf("SubscribeDirect: %v", err)
	}
	if !called || got != nullPublish {
		t.Fatalf("got called=%v value=%q, want called=true value=%q", called, got, nullPublish)
	}
}

func TestUnsubscribeRemovesFromIndex(t *testing.T) {
	ctx := context.Background()
	subs := newTestSubscriptions(t)

	sub, err := subs.SubscribeDirect(ctx, "m1", "power", func(string) {})
	if err != nil {
		t.Fatalf("SubscribeDirect: %v", err)
	}

	subs.mu.Lock()
	n := len(subs.byChannel[sub.Channel])
	subs.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 subscriber on channel before unsubscribe, got %d", n)
	}

	subs.Unsubscribe(ctx, sub)

	subs.mu.Lock()
	_, present := subs.byChannel[sub.Channel]
	subs.mu.Unlock()
	if present {
		t.Fatalf("expected channel entry removed once last subscriber unsubscribes")
	}
}

// S6 — indirect remap.
func TestSubscribeIndirectRemapScenarioS6(t *testing.T) {
	ctx := context.Background()
	subs, client := newTestSubscriptionsWithClient(t)

	// Role m7 currently fills Display/1 in system S1.
	if err := client.Set(ctx, subs.roleKey("S1", "Display", 1), "m7", 0).Err(); err != nil {
		t.Fatalf("seed role key: %v", err)
	}
	storageM7 := NewStorage(subs.store, "drv", "m7", nil, nil)
	_ = storageM7.Set(ctx, "power", "on-m7")

	var delivered []string
	sub, err := subs.SubscribeIndirect(ctx, "S1", "Display", 1, "power", func(v string) {
		delivered = append(delivered, v)
	})
	if err != nil {
		t.Fatalf("SubscribeIndirect: %v", err)
	}
	if sub.ModuleID != "m7" || sub.Channel != "drv/m7/power" {
		t.Fatalf("initial resolution = %+v, want module m7 / channel drv/m7/power", sub)
	}
	if len(delivered) != 1 || delivered[0] != "on-m7" {
		t.Fatalf("expected immediate delivery of m7's value, got %v", delivered)
	}

	// Platform rebinds Display/1 to m9.
	if err := client.Set(ctx, subs.roleKey("S1", "Display", 1), "m9", 0).Err(); err != nil {
		t.Fatalf("update role key: %v", err)
	}
	storageM9 := NewStorage(subs.store, "drv", "m9", nil, nil)
	_ = storageM9.Set(ctx, "power", "on-m9")

	subs.remap(ctx, "S1")

	if sub.ModuleID != "m9" || sub.Channel != "drv/m9/power" {
		t.Fatalf("after remap = %+v, want module m9 / channel drv/m9/power", sub)
	}
	if len(delivered) != 2 || delivered[1] != "on-m9" {
		t.Fatalf("expected exactly one additional delivery with m9's value, got %v", delivered)
	}

	subs.mu.Lock()
	_, stillOnOld := subs.byChannel["drv/m7/power"]
	newSubs := subs.byChannel["drv/m9/power"]
	subs.mu.Unlock()
	if stillOnOld {
		t.Fatalf("subscription must not remain on the old channel after remap")
	}
	if len(newSubs) != 1 || newSubs[0] != sub {
		t.Fatalf("expected the subscription registered under the new channel, got %v", newSubs)
	}
}

func TestChannelSubscriptionIsFreeForm(t *testing.T) {
	ctx := context.Background()
	subs := newTestSubscriptions(t)

	called := false
	sub, err := subs.Channel(ctx, "custom-bus", func(string) { called = true })
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}
	if sub.Kind != SubChannel || sub.Channel != "custom-bus" {
		t.Fatalf("got %+v", sub)
	}

	subs.onMessage(ctx, "custom-bus", "hello")
	if !called {
		t.Fatalf("expected channel subscriber to be notified")
	}
}
