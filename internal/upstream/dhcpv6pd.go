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
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/dhcpv6/nclient6"
	"github.com/insomniacslk/dhcp/iana"
)

// DHCPv6PD actively requests prefix delegation from an upstream DHCPv6
// server on iface and keeps it renewed, emitting one PrefixEvent per
// acquisition, renewal, rebind or expiry.
type DHCPv6PD struct {
	mu            sync.RWMutex
	iface         string
	hintBits      int
	current       netip.Prefix
	hasCurrent    bool
	lease         *pdLease
	events        chan PrefixEvent
	stopCh        chan struct{}
	started       bool
	ctx           context.Context
	cancel        context.CancelFunc
	log           logr.Logger
}

type pdLease struct {
	iaid              [4]byte
	prefix            netip.Prefix
	t1, t2            time.Duration
	validLifetime     time.Duration
	preferredLifetime time.Duration
	receivedAt        time.Time
	serverID          dhcpv6.DUID
}

// NewDHCPv6PD constructs a client for iface, requesting a delegation of
// hintBits (defaulting to /56 if zero, a common ISP minimum).
func NewDHCPv6PD(iface string, hintBits int, log logr.Logger) *DHCPv6PD {
	if hintBits == 0 {
		hintBits = 56
	}
	return &DHCPv6PD{
		iface:    iface,
		hintBits: hintBits,
		events:   make(chan PrefixEvent, 10),
		stopCh:   make(chan struct{}),
		log:      log.WithName("dhcpv6pd").WithValues("iface", iface),
	}
}

func (r *DHCPv6PD) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.started = true
	go r.runLoop()
	return nil
}

func (r *DHCPv6PD) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	r.started = false
	r.cancel()
	close(r.stopCh)
	return nil
}

func (r *DHCPv6PD) Events() <-chan PrefixEvent { return r.events }

func (r *DHCPv6PD) CurrentPrefix() (netip.Prefix, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, r.hasCurrent
}

func (r *DHCPv6PD) runLoop() {
	if err := r.acquire(); err != nil {
		r.sendFailed(fmt.Errorf("initial prefix acquisition failed: %w", err))
	}

	for {
		select {
		case <-r.stopCh:
			return
		case <-r.ctx.Done():
			return
		default:
		}

		r.mu.RLock()
		lease := r.lease
		r.mu.RUnlock()

		if lease == nil {
			select {
			case <-r.stopCh:
				return
			case <-r.ctx.Done():
				return
			case <-time.After(10 * time.Second):
			}
			if err := r.acquire(); err != nil {
				r.sendFailed(fmt.Errorf("prefix acquisition failed: %w", err))
			}
			continue
		}

		elapsed := time.Since(lease.receivedAt)
		if elapsed >= lease.t1 {
			if err := r.renew(); err != nil {
				r.sendFailed(fmt.Errorf("prefix renewal failed: %w", err))
				if elapsed >= lease.t2 {
					if err := r.rebind(); err != nil {
						r.sendFailed(fmt.Errorf("prefix rebind failed: %w", err))
						r.mu.Lock()
						r.hasCurrent = false
						r.lease = nil
						r.mu.Unlock()
						r.sendWithdrawn()
					}
				}
			}
			continue
		}

		sleep := lease.t1 - elapsed
		if sleep > time.Minute {
			sleep = time.Minute
		}
		select {
		case <-r.stopCh:
			return
		case <-r.ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (r *DHCPv6PD) acquire() error {
	ifi, err := net.InterfaceByName(r.iface)
	if err != nil {
		return fmt.Errorf("lookup interface %s: %w", r.iface, err)
	}
	client, err := nclient6.New(r.iface)
	if err != nil {
		return fmt.Errorf("create dhcpv6 client: %w", err)
	}
	defer func() { _ = client.Close() }()

	iaid := [4]byte{byte(ifi.Index >> 24), byte(ifi.Index >> 16), byte(ifi.Index >> 8), byte(ifi.Index)}
	iaPD := &dhcpv6.OptIAPD{
		IaId: iaid,
		Options: dhcpv6.PDOptions{Options: dhcpv6.Options{
			&dhcpv6.OptIAPrefix{
				Prefix: &net.IPNet{IP: net.IPv6zero, Mask: net.CIDRMask(r.hintBits, 128)},
			},
		}},
	}

	ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
	defer cancel()

	solicit, err := dhcpv6.NewSolicit(ifi.HardwareAddr, dhcpv6.WithClientID(r.duid(ifi)))
	if err != nil {
		return fmt.Errorf("build solicit: %w", err)
	}
	solicit.AddOption(iaPD)

	advertise, err := client.SendAndRead(ctx, nclient6.AllDHCPRelayAgentsAndServers, solicit, nclient6.IsMessageType(dhcpv6.MessageTypeAdvertise))
	if err != nil {
		return fmt.Errorf("receive advertise: %w", err)
	}
	if advertise.GetOneOption(dhcpv6.OptionIAPD) == nil {
		return fmt.Errorf("advertise missing IA_PD")
	}
	serverID := advertise.Options.ServerID()
	if serverID == nil {
		return fmt.Errorf("advertise missing server id")
	}

	request, err := dhcpv6.NewRequestFromAdvertise(advertise)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	reply, err := client.SendAndRead(ctx, nclient6.AllDHCPRelayAgentsAndServers, request, nclient6.IsMessageType(dhcpv6.MessageTypeReply))
	if err != nil {
		return fmt.Errorf("receive reply: %w", err)
	}
	return r.applyReply(reply, iaid, serverID)
}

func (r *DHCPv6PD) renew() error { return r.refresh(dhcpv6.MessageTypeRenew, true) }
func (r *DHCPv6PD) rebind() error { return r.refresh(dhcpv6.MessageTypeRebind, false) }

// refresh implements both RENEW (includeServerID) and REBIND (server-less)
// against the current lease.
func (r *DHCPv6PD) refresh(msgType dhcpv6.MessageType, includeServerID bool) error {
	r.mu.RLock()
	lease := r.lease
	r.mu.RUnlock()
	if lease == nil {
		return fmt.Errorf("no lease to refresh")
	}

	ifi, err := net.InterfaceByName(r.iface)
	if err != nil {
		return fmt.Errorf("lookup interface %s: %w", r.iface, err)
	}
	client, err := nclient6.New(r.iface)
	if err != nil {
		return fmt.Errorf("create dhcpv6 client: %w", err)
	}
	defer func() { _ = client.Close() }()

	msg, err := dhcpv6.NewMessage()
	if err != nil {
		return fmt.Errorf("build %s: %w", msgType, err)
	}
	msg.MessageType = msgType
	msg.AddOption(dhcpv6.OptClientID(r.duid(ifi)))
	if includeServerID {
		msg.AddOption(dhcpv6.OptServerID(lease.serverID))
	}
	msg.AddOption(&dhcpv6.OptIAPD{
		IaId: lease.iaid,
		Options: dhcpv6.PDOptions{Options: dhcpv6.Options{
			&dhcpv6.OptIAPrefix{
				PreferredLifetime: lease.preferredLifetime,
				ValidLifetime:     lease.validLifetime,
				Prefix:            &net.IPNet{IP: lease.prefix.Addr().AsSlice(), Mask: net.CIDRMask(lease.prefix.Bits(), 128)},
			},
		}},
	})

	ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
	defer cancel()
	reply, err := client.SendAndRead(ctx, nclient6.AllDHCPRelayAgentsAndServers, msg, nclient6.IsMessageType(dhcpv6.MessageTypeReply))
	if err != nil {
		return fmt.Errorf("receive reply for %s: %w", msgType, err)
	}

	serverID := lease.serverID
	if !includeServerID {
		if sid := reply.Options.ServerID(); sid != nil {
			serverID = sid
		} else {
			return fmt.Errorf("rebind reply missing server id")
		}
	}
	return r.applyReply(reply, lease.iaid, serverID)
}

func (r *DHCPv6PD) applyReply(reply *dhcpv6.Message, expectedIAID [4]byte, serverID dhcpv6.DUID) error {
	var iaPD *dhcpv6.OptIAPD
	for _, opt := range reply.Options.Get(dhcpv6.OptionIAPD) {
		if pd, ok := opt.(*dhcpv6.OptIAPD); ok && pd.IaId == expectedIAID {
			iaPD = pd
			break
		}
	}
	if iaPD == nil {
		return fmt.Errorf("reply missing matching IA_PD")
	}
	if status := iaPD.Options.Status(); status != nil && status.StatusCode != iana.StatusSuccess {
		return fmt.Errorf("IA_PD status error: %s - %s", status.StatusCode, status.StatusMessage)
	}

	var best *dhcpv6.OptIAPrefix
	for _, p := range iaPD.Options.Prefixes() {
		if p.ValidLifetime > 0 {
			best = p
			break
		}
	}
	if best == nil {
		return fmt.Errorf("IA_PD has no prefix with a nonzero valid lifetime")
	}

	addr, ok := netip.AddrFromSlice(best.Prefix.IP)
	if !ok {
		return fmt.Errorf("malformed delegated prefix address")
	}
	ones, _ := best.Prefix.Mask.Size()
	prefix := netip.PrefixFrom(addr, ones)

	t1, t2 := iaPD.T1, iaPD.T2
	if t1 == 0 {
		t1 = best.ValidLifetime / 2
	}
	if t2 == 0 {
		t2 = best.ValidLifetime * 4 / 5
	}

	r.mu.Lock()
	r.current = prefix
	r.hasCurrent = true
	r.lease = &pdLease{
		iaid:              expectedIAID,
		prefix:            prefix,
		t1:                t1,
		t2:                t2,
		validLifetime:     best.ValidLifetime,
		preferredLifetime: best.PreferredLifetime,
		receivedAt:        time.Now(),
		serverID:          serverID,
	}
	r.mu.Unlock()

	r.sendDelegated(prefix, best.ValidLifetime, best.PreferredLifetime)
	return nil
}

func (r *DHCPv6PD) duid(ifi *net.Interface) dhcpv6.DUID {
	return &dhcpv6.DUIDLL{HWType: iana.HWTypeEthernet, LinkLayerAddr: ifi.HardwareAddr}
}

func (r *DHCPv6PD) sendDelegated(p netip.Prefix, valid, preferred time.Duration) {
	r.send(PrefixEvent{Kind: KindDelegated, Iface: r.iface, Prefix: p, ValidLifetime: valid, PreferredLifetime: preferred})
}

func (r *DHCPv6PD) sendWithdrawn() {
	r.send(PrefixEvent{Kind: KindWithdrawn, Iface: r.iface})
}

func (r *DHCPv6PD) sendFailed(err error) {
	r.log.V(1).Info("acquisition error", "error", err)
	r.send(PrefixEvent{Kind: KindFailed, Iface: r.iface, Err: err})
}

func (r *DHCPv6PD) send(ev PrefixEvent) {
	select {
	case r.events <- ev:
	default:
	}
}
