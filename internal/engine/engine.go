/*
Copyright 2026 jr42.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package engine wires the entity store, PAA kernel, delayed-action timer
// and scheduler into the single external surface spec.md §4.6 names:
// callbacks consumed from the flooding and interface layers, and the
// callbacks produced back to them. Run(ctx) owns the one select loop
// (spec.md §5); every entry point queues its mutation on an inbound
// channel that Run (or Pass) drains and applies on its own goroutine. Only
// when that channel is full is a mutation applied inline on the caller's
// goroutine (see submit).
package engine

import (
	"context"
	"net/netip"
	"time"

	"github.com/go-logr/logr"

	"github.com/prefixassign/paad/internal/kernel"
	"github.com/prefixassign/paad/internal/localprefix"
	"github.com/prefixassign/paad/internal/rid"
	"github.com/prefixassign/paad/internal/scheduler"
	"github.com/prefixassign/paad/internal/store"
	"github.com/prefixassign/paad/internal/timer"
)

// FloodSink is spec.md §4.6's "produced to flooding layer" contract.
type FloodSink interface {
	UpdatedLAP(p netip.Prefix, ifname string, toDelete bool)
	UpdatedLDP(p netip.Prefix, excluded *netip.Prefix, ifname string, validUntil, preferredUntil time.Time, dhcp []byte)
}

// IfaceSink is spec.md §4.6's "produced to interface layer" contract.
type IfaceSink = kernel.IfaceSink

// StableStorage is the union of every stable-storage consumer in the
// engine: the kernel's per-iface preferred-prefix lookup and the local
// generators' single ULA slot.
type StableStorage interface {
	kernel.StableStorage
	localprefix.StableStorage
}

// Config carries every engine-level tunable.
type Config struct {
	Our                 rid.ID
	FloodingDelay       time.Duration
	SchedulerShortDelay time.Duration
	Policy              kernel.OwnershipPolicy
	Local               localprefix.Config
}

// Engine is the daemon's embeddable core.
type Engine struct {
	store    *store.Store
	kernel   *kernel.Kernel
	sched    *scheduler.Scheduler
	flood    FloodSink
	iface    IfaceSink
	log      logr.Logger
	inbound  chan func(*store.Store)
	localCfg *localprefix.Config
}

// New constructs an Engine. storage may be nil, in which case the local
// generators never persist a chosen prefix and the kernel never consults
// per-iface preferred prefixes.
func New(cfg Config, storage StableStorage, flood FloodSink, ifaceSink IfaceSink, log logr.Logger) *Engine {
	localCfg := cfg.Local

	var ula, ipv4 *localprefix.Generator
	if localCfg.ULAEnabled {
		ula = localprefix.NewGenerator(localprefix.KindULA, &localCfg, storage, nil)
	}
	if localCfg.IPv4Enabled {
		ipv4 = localprefix.NewGenerator(localprefix.KindIPv4, &localCfg, storage, nil)
	}

	var kstorage kernel.StableStorage
	if storage != nil {
		kstorage = storage
	}

	k := kernel.New(kernel.Config{FloodingDelay: cfg.FloodingDelay}, cfg.Policy, cfg.Our, kstorage, ula, ipv4, log)

	s := store.New()
	e := &Engine{
		store:    s,
		kernel:   k,
		sched:    scheduler.New(cfg.SchedulerShortDelay),
		flood:    flood,
		iface:    ifaceSink,
		log:      log,
		inbound:  make(chan func(*store.Store), 64),
		localCfg: &localCfg,
	}

	s.OnLapDestroyed = func(p netip.Prefix, ifname string) {
		if e.flood != nil {
			e.flood.UpdatedLAP(p, ifname, true)
		}
	}
	s.OnLocalDpChanged = func(d *store.Dp) { e.emitLDP(d) }
	s.OnLocalDpDeleted = func(d *store.Dp) { e.emitLDP(d) }

	return e
}

func (e *Engine) emitLDP(d *store.Dp) {
	if e.flood == nil {
		return
	}
	e.flood.UpdatedLDP(d.Key.Prefix, d.Excluded, d.Iface, d.ValidUntil, d.PreferredUntil, d.DHCP)
}

// clampValidUntil applies spec.md §6: a negative valid_until (any time
// before the Unix epoch) is clamped to the deletion sentinel (the zero
// time). A valid_until that is merely in the past is kept; the kernel's
// preamble deletes that Dp as expired on the next pass.
func clampValidUntil(validUntil time.Time) time.Time {
	if validUntil.Before(time.Unix(0, 0)) {
		return time.Time{}
	}
	return validUntil
}

// submit queues fn for the next drain of the inbound channel (by Pass or by
// Run's loop), falling back to running it inline only when the channel is
// full. Entry points use this so, outside that fallback, a concurrent
// upstream receiver's goroutine never mutates the store directly.
func (e *Engine) submit(fn func(*store.Store)) {
	select {
	case e.inbound <- fn:
	default:
		// Channel full: apply inline rather than drop the mutation.
		// This only happens under pathological backpressure; it
		// trades the single-goroutine guarantee for not losing state,
		// which callers must avoid by keeping Run() scheduled promptly.
		fn(e.store)
	}
	e.sched.Schedule()
}

// UpdateEap consumes a flooded per-link prefix assignment (spec.md §4.6).
// to_delete removes any existing EAP with this key.
func (e *Engine) UpdateEap(prefix netip.Prefix, source rid.ID, ifname *string, toDelete bool) {
	e.submit(func(s *store.Store) {
		key := store.EapKey{Prefix: prefix, Source: source}
		if toDelete {
			s.DeleteEap(key)
			return
		}
		if _, err := s.GetOrCreateEap(key); err != nil {
			e.log.V(1).Info("reject update_eap", "error", err)
			return
		}
		if ifname != nil {
			if err := s.SetEapIface(key, *ifname); err != nil {
				e.log.V(1).Info("reject update_eap iface", "error", err)
			}
		}
	})
}

// UpdateEdp consumes a flooded peer delegated prefix (spec.md §4.6).
func (e *Engine) UpdateEdp(prefix netip.Prefix, source rid.ID, excluded *netip.Prefix, validUntil, preferredUntil time.Time, dhcp []byte) {
	e.submit(func(s *store.Store) {
		key := store.DPKey{Prefix: prefix, Owner: store.PeerOwner(source)}
		validUntil = clampValidUntil(validUntil)
		if validUntil.IsZero() {
			s.DeleteDp(key)
			return
		}
		if _, err := s.GetOrCreateDp(key); err != nil {
			e.log.V(1).Info("reject update_edp", "error", err)
			return
		}
		s.SetDpExcluded(key, excluded)
		s.SetDpLifetime(key, preferredUntil, validUntil)
		s.SetDpDHCP(key, dhcp)
	})
}

// InterfaceInternal consumes spec.md §4.6's interface_internal callback.
func (e *Engine) InterfaceInternal(ifname string, enabled bool) {
	e.submit(func(s *store.Store) {
		if err := s.SetInternal(ifname, enabled); err != nil {
			e.log.V(1).Info("reject interface_internal", "error", err)
		}
	})
}

// PrefixDelegated consumes spec.md §4.6's prefix_delegated callback: a
// locally-sourced (upstream DHCPv6-PD or static) delegated prefix on ifname.
func (e *Engine) PrefixDelegated(ifname string, prefix netip.Prefix, excluded *netip.Prefix, validUntil, preferredUntil time.Time, dhcp []byte) {
	e.submit(func(s *store.Store) {
		key := store.DPKey{Prefix: prefix, Owner: store.LocalOwner()}
		validUntil = clampValidUntil(validUntil)
		if validUntil.IsZero() {
			s.DeleteDp(key)
			return
		}
		if _, err := s.GetOrCreateDp(key); err != nil {
			e.log.V(1).Info("reject prefix_delegated", "error", err)
			return
		}
		if err := s.SetDpIface(key, ifname); err != nil {
			e.log.V(1).Info("reject prefix_delegated iface", "error", err)
			return
		}
		s.SetDpExcluded(key, excluded)
		s.SetDpLifetime(key, preferredUntil, validUntil)
		s.SetDpDHCP(key, dhcp)
	})
}

// Ipv4Uplink consumes spec.md §4.6's ipv4_uplink callback, toggling
// whether the IPv4 local-prefix generator may create a Dp this pass.
// Uplink availability is a gating input rather than store state (spec.md
// §4.3: it has no prefix/lifetime of its own), so the queued mutation
// writes the generators' shared Config rather than the store.
func (e *Engine) Ipv4Uplink(available bool, dhcp []byte) {
	e.submit(func(*store.Store) {
		e.localCfg.IPv4UplinkAvailable = available
		// dhcp carries the IPv4 uplink's own option blob; the generator
		// rides it along on the synthesised IPv4 Dp the next time it
		// creates or refreshes one.
		e.localCfg.IPv4UplinkDHCP = dhcp
	})
}

// drainInbound applies every mutation queued by an entry point since the
// last drain, without blocking. Both Pass and Run's select loop call this
// so a synchronous caller (tests, a caller not running Run) observes its
// own submissions applied before the next kernel pass.
func (e *Engine) drainInbound() {
	for {
		select {
		case fn := <-e.inbound:
			fn(e.store)
		default:
			return
		}
	}
}

// Pass runs exactly one PAA kernel pass immediately, outside of Run's
// select loop. Exposed for tests and for callers that drive their own
// event loop.
func (e *Engine) Pass(now time.Time) error {
	e.sched.ResetShort()
	e.drainInbound()
	if err := e.kernel.Pass(e.store, now, e.flood, e.iface); err != nil {
		return err
	}
	e.sched.RearmLong(e.store, now)
	return nil
}

// Store exposes the underlying entity store, chiefly for tests and for a
// management surface built on top of the engine.
func (e *Engine) Store() *store.Store { return e.store }

// Run drains inbound mutations and scheduler wake-ups until ctx is
// cancelled, running exactly one kernel pass per short or long wake-up
// (spec.md §5: "the only suspension points are the two scheduler
// wake-ups and the per-LAP delayed-action timer").
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.sched.Stop()
			return ctx.Err()
		case fn := <-e.inbound:
			fn(e.store)
		case now := <-e.sched.ShortC():
			e.runPassAndFireTimer(now)
		case now := <-e.sched.LongC():
			e.runPassAndFireTimer(now)
		}
	}
}

func (e *Engine) runPassAndFireTimer(now time.Time) {
	for _, ev := range timer.Fire(e.store, now) {
		switch ev.Kind {
		case timer.EventAssigned:
			if l, ok := e.store.GetLap(ev.Prefix); ok && e.iface != nil {
				if dp, ok := e.store.GetDp(l.DP); ok {
					e.iface.UpdatePrefix(ev.Prefix, ev.Iface, dp.ValidUntil, dp.PreferredUntil, dp.DHCP)
				}
			}
		case timer.EventFlooded:
			if e.flood != nil {
				e.flood.UpdatedLAP(ev.Prefix, ev.Iface, !ev.Value)
			}
		case timer.EventDeleted:
			if e.flood != nil {
				e.flood.UpdatedLAP(ev.Prefix, ev.Iface, true)
			}
		}
	}
	if err := e.Pass(now); err != nil {
		e.log.V(1).Info("kernel pass error", "error", err)
	}
}
