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

package upstream

import (
	"context"
	"net/netip"
	"time"

	"github.com/go-logr/logr"
)

// Engine is the subset of *engine.Engine the pump needs. Declared locally
// so upstream does not import engine (which will wire upstream.Feed in
// cmd/paad, not the other way around).
type Engine interface {
	PrefixDelegated(ifname string, prefix netip.Prefix, excluded *netip.Prefix, validUntil, preferredUntil time.Time, dhcp []byte)
	InterfaceInternal(ifname string, enabled bool)
}

// Pump drains a Receiver's Events channel and applies each one to an
// Engine. It is the one glue goroutine SPEC_FULL.md §4.7 describes: the
// only place a PrefixEvent crosses from the receiver's goroutine into a
// call on the engine's queued entry points.
func Pump(ctx context.Context, r Receiver, e Engine, log logr.Logger) {
	log = log.WithName("upstream-pump")
	last := map[string]netip.Prefix{}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.Events():
			if !ok {
				return
			}
			apply(e, ev, last, log)
		}
	}
}

func apply(e Engine, ev PrefixEvent, last map[string]netip.Prefix, log logr.Logger) {
	now := time.Now()
	switch ev.Kind {
	case KindDelegated:
		last[ev.Iface] = ev.Prefix
		validUntil := now.Add(ev.ValidLifetime)
		preferredUntil := now.Add(ev.PreferredLifetime)
		e.PrefixDelegated(ev.Iface, ev.Prefix, nil, validUntil, preferredUntil, nil)
	case KindWithdrawn:
		prefix, ok := last[ev.Iface]
		if !ok {
			log.V(1).Info("withdrawn with no known prefix, ignoring", "iface", ev.Iface)
			return
		}
		delete(last, ev.Iface)
		// A zero valid_until is engine.PrefixDelegated's deletion sentinel.
		e.PrefixDelegated(ev.Iface, prefix, nil, time.Time{}, time.Time{}, nil)
	case KindFailed:
		log.V(1).Info("upstream acquisition error", "iface", ev.Iface, "error", ev.Err)
	}
}
