package upstream

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

type fakeReceiver struct {
	events chan PrefixEvent
}

func newFakeReceiver() *fakeReceiver { return &fakeReceiver{events: make(chan PrefixEvent, 4)} }

func (f *fakeReceiver) Start(context.Context) error           { return nil }
func (f *fakeReceiver) Stop() error                           { close(f.events); return nil }
func (f *fakeReceiver) Events() <-chan PrefixEvent            { return f.events }
func (f *fakeReceiver) CurrentPrefix() (netip.Prefix, bool)   { return netip.Prefix{}, false }

type recordingEngine struct {
	delegated []struct {
		ifname string
		prefix netip.Prefix
		valid  time.Time
	}
}

func (r *recordingEngine) PrefixDelegated(ifname string, prefix netip.Prefix, excluded *netip.Prefix, validUntil, preferredUntil time.Time, dhcp []byte) {
	r.delegated = append(r.delegated, struct {
		ifname string
		prefix netip.Prefix
		valid  time.Time
	}{ifname, prefix, validUntil})
}

func (r *recordingEngine) InterfaceInternal(ifname string, enabled bool) {}

func TestPumpAppliesDelegatedEvent(t *testing.T) {
	recv := newFakeReceiver()
	eng := &recordingEngine{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Pump(ctx, recv, eng, logr.Discard())

	prefix := netip.MustParsePrefix("2001:db8::/56")
	recv.events <- PrefixEvent{Kind: KindDelegated, Iface: "eth0", Prefix: prefix, ValidLifetime: time.Hour}

	deadline := time.Now().Add(time.Second)
	for len(eng.delegated) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(eng.delegated) != 1 {
		t.Fatalf("expected one delegated call, got %d", len(eng.delegated))
	}
	if eng.delegated[0].prefix != prefix {
		t.Fatalf("wrong prefix: %v", eng.delegated[0].prefix)
	}
	if eng.delegated[0].valid.Before(time.Now()) {
		t.Fatalf("valid_until should be in the future")
	}
}

func TestPumpWithdrawalUsesLastKnownPrefix(t *testing.T) {
	recv := newFakeReceiver()
	eng := &recordingEngine{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go Pump(ctx, recv, eng, logr.Discard())

	prefix := netip.MustParsePrefix("2001:db8::/56")
	recv.events <- PrefixEvent{Kind: KindDelegated, Iface: "eth0", Prefix: prefix, ValidLifetime: time.Hour}
	recv.events <- PrefixEvent{Kind: KindWithdrawn, Iface: "eth0"}

	deadline := time.Now().Add(time.Second)
	for len(eng.delegated) < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(eng.delegated) != 2 {
		t.Fatalf("expected two calls, got %d", len(eng.delegated))
	}
	if eng.delegated[1].prefix != prefix {
		t.Fatalf("withdrawal should reuse last known prefix, got %v", eng.delegated[1].prefix)
	}
	if !eng.delegated[1].valid.IsZero() {
		t.Fatalf("withdrawal should pass the zero-time deletion sentinel")
	}
}

func TestFeedMergesMultipleReceivers(t *testing.T) {
	a := newFakeReceiver()
	b := newFakeReceiver()
	feed := NewFeed(a, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := feed.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	a.events <- PrefixEvent{Kind: KindDelegated, Iface: "wan0"}
	b.events <- PrefixEvent{Kind: KindFailed, Iface: "wan1"}

	seen := map[string]bool{}
	deadline := time.Now().Add(time.Second)
	for len(seen) < 2 && time.Now().Before(deadline) {
		select {
		case ev := <-feed.Events():
			seen[ev.Iface] = true
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !seen["wan0"] || !seen["wan1"] {
		t.Fatalf("expected events from both receivers, got %v", seen)
	}
}
