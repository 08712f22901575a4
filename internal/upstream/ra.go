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
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/mdlayher/ndp"

	"github.com/prefixassign/paad/internal/prefixutil"
)

// RA passively observes Router Advertisements on iface to detect a
// delegated prefix another process (or an upstream CPE) is already
// announcing, for sites where this router should not run its own
// DHCPv6-PD client.
type RA struct {
	mu         sync.RWMutex
	iface      string
	conn       *ndp.Conn
	current    netip.Prefix
	hasCurrent bool
	events     chan PrefixEvent
	stopCh     chan struct{}
	started    bool
	ctx        context.Context
	cancel     context.CancelFunc
	log        logr.Logger
}

func NewRA(iface string, log logr.Logger) *RA {
	return &RA{
		iface:  iface,
		events: make(chan PrefixEvent, 10),
		stopCh: make(chan struct{}),
		log:    log.WithName("ra-receiver").WithValues("iface", iface),
	}
}

func (r *RA) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	ifi, err := net.InterfaceByName(r.iface)
	if err != nil {
		return fmt.Errorf("lookup interface %s: %w", r.iface, err)
	}
	conn, _, err := ndp.Listen(ifi, ndp.LinkLocal)
	if err != nil {
		return fmt.Errorf("listen for router advertisements on %s: %w", r.iface, err)
	}

	r.conn = conn
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.started = true
	go r.receiveLoop()
	return nil
}

func (r *RA) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	r.started = false
	r.cancel()
	close(r.stopCh)
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

func (r *RA) Events() <-chan PrefixEvent { return r.events }

func (r *RA) CurrentPrefix() (netip.Prefix, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, r.hasCurrent
}

func (r *RA) receiveLoop() {
	for {
		select {
		case <-r.stopCh:
			return
		case <-r.ctx.Done():
			return
		default:
		}

		if err := r.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			r.send(PrefixEvent{Kind: KindFailed, Iface: r.iface, Err: fmt.Errorf("set read deadline: %w", err)})
			continue
		}

		msg, _, _, err := r.conn.ReadFrom()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			r.send(PrefixEvent{Kind: KindFailed, Iface: r.iface, Err: fmt.Errorf("read ndp message: %w", err)})
			continue
		}

		ra, ok := msg.(*ndp.RouterAdvertisement)
		if !ok {
			continue
		}
		r.handleRA(ra)
	}
}

// handleRA picks the on-link, non-expired prefix best suited for
// delegation (a global unicast address over a ULA one, matching the
// original deployment's preference for a real upstream assignment). An
// autonomous flag of false does not disqualify a prefix: some ISPs
// advertise on-link prefixes with autonomous=false when using stateful
// DHCPv6 for address assignment, but the prefix itself is still valid.
func (r *RA) handleRA(ra *ndp.RouterAdvertisement) {
	var best *ndp.PrefixInformation
	for _, opt := range ra.Options {
		pi, ok := opt.(*ndp.PrefixInformation)
		if !ok || !pi.OnLink || pi.ValidLifetime == 0 {
			continue
		}
		switch {
		case isGlobalUnicast(pi.Prefix):
			if best == nil || !isGlobalUnicast(best.Prefix) {
				best = pi
			}
		case prefixutil.IsULA(netip.PrefixFrom(pi.Prefix, int(pi.PrefixLength))):
			if best == nil {
				best = pi
			}
		}
	}
	if best == nil {
		return
	}

	prefix := netip.PrefixFrom(best.Prefix, int(best.PrefixLength))
	r.mu.Lock()
	changed := !r.hasCurrent || r.current != prefix
	r.current = prefix
	r.hasCurrent = true
	r.mu.Unlock()

	if changed {
		r.log.V(1).Info("observed delegated prefix", "prefix", prefix)
	}
	r.send(PrefixEvent{Kind: KindDelegated, Iface: r.iface, Prefix: prefix, ValidLifetime: best.ValidLifetime, PreferredLifetime: best.PreferredLifetime})
}

func (r *RA) send(ev PrefixEvent) {
	select {
	case r.events <- ev:
	default:
	}
}

// isGlobalUnicast reports whether addr is a Global Unicast Address
// (2000::/3); mdlayher/ndp hands back the raw address, not a netip.Prefix,
// so this stays local rather than routing through prefixutil.
func isGlobalUnicast(addr netip.Addr) bool {
	if !addr.Is6() {
		return false
	}
	b := addr.As16()
	return (b[0] & 0xE0) == 0x20
}
