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

// Package upstream adapts two acquisition methods — an active DHCPv6-PD
// client and a passive router-advertisement listener — into the single
// PrefixEvent stream, so the daemon's one glue goroutine (Pump) can
// translate each into an Engine.PrefixDelegated call without ever touching
// the entity store from more than one goroutine. No event is translated
// into an Engine.InterfaceInternal call.
package upstream

import (
	"context"
	"net/netip"
	"time"
)

// Kind distinguishes what an acquisition method observed.
type Kind int

const (
	// KindDelegated reports a (re)acquired or renewed delegated prefix.
	KindDelegated Kind = iota
	// KindWithdrawn reports the loss of a previously delegated prefix.
	KindWithdrawn
	// KindFailed reports an acquisition error; the prefix, if any, is
	// unaffected and the receiver keeps retrying on its own schedule.
	KindFailed
)

// PrefixEvent is what every Receiver emits on its Events channel.
type PrefixEvent struct {
	Kind  Kind
	Iface string

	Prefix            netip.Prefix
	ValidLifetime     time.Duration
	PreferredLifetime time.Duration

	Err error
}

// Receiver is one acquisition method: a live DHCPv6-PD client, a passive
// RA listener, or a composite of several.
type Receiver interface {
	Start(ctx context.Context) error
	Stop() error
	Events() <-chan PrefixEvent
	CurrentPrefix() (netip.Prefix, bool)
}
