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

package store

import (
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// MaxIfaceName bounds interface name length (spec.md §3: "bounded
// length"); beyond this, creation is rejected with ErrNameTooLong.
const MaxIfaceName = 15

// Iface is an internal link, keyed by name.
type Iface struct {
	ID   uuid.UUID
	Name string

	Internal   bool
	DoDHCP     bool
	Designated bool

	LAPs map[netip.Prefix]struct{}
	EAPs map[EapKey]struct{}
	DPs  map[DPKey]struct{}
}

func newIface(name string) *Iface {
	return &Iface{
		ID:   uuid.New(),
		Name: name,
		LAPs: map[netip.Prefix]struct{}{},
		EAPs: map[EapKey]struct{}{},
		DPs:  map[DPKey]struct{}{},
	}
}

// Empty reports whether the iface has no EAPs and no DPs left, the
// condition under which a non-internal iface is destroyed.
func (i *Iface) Empty() bool {
	return len(i.EAPs) == 0 && len(i.DPs) == 0
}

// Dp is a delegated prefix, either locally sourced or flooded by a peer.
type Dp struct {
	ID  uuid.UUID
	Key DPKey

	ValidUntil     time.Time // zero time marks the Dp for deletion
	PreferredUntil time.Time
	Excluded       *netip.Prefix
	DHCP           []byte

	// Iface is the delegating interface name; only meaningful when
	// Key.Owner.Local is true, empty otherwise.
	Iface string

	// GeneratorOwned marks a local Dp as synthesised by a local-prefix
	// generator instance ("ula" or "ipv4"), rather than learned from
	// upstream DHCP-PD.
	GeneratorOwned bool
	GeneratorKind  string

	LAPs map[netip.Prefix]struct{}
}

func newDp(key DPKey) *Dp {
	return &Dp{
		ID:   uuid.New(),
		Key:  key,
		LAPs: map[netip.Prefix]struct{}{},
	}
}

// MarkedForDeletion reports whether ValidUntil is the zero time, the
// spec's "valid_until=0 means marked for deletion" sentinel.
func (d *Dp) MarkedForDeletion() bool {
	return d.ValidUntil.IsZero()
}

// Expired reports whether now is at or past ValidUntil (and ValidUntil is
// set), the other Dp-destruction condition.
func (d *Dp) Expired(now time.Time) bool {
	return !d.ValidUntil.IsZero() && !now.Before(d.ValidUntil)
}

// ExcludedContainsSelf reports whether the Dp's excluded range swallows
// the whole delegated prefix, the malformed-delegation case from
// SPEC_FULL.md §4.4a.
func (d *Dp) ExcludedContainsSelf() bool {
	if d.Excluded == nil {
		return false
	}
	return d.Excluded.Bits() <= d.Key.Prefix.Bits() && d.Excluded.Overlaps(d.Key.Prefix)
}

// Eap is a per-link prefix assignment flooded by another router.
type Eap struct {
	ID  uuid.UUID
	Key EapKey

	Iface string // observed-on link; "" if none
}

func newEap(key EapKey) *Eap {
	return &Eap{ID: uuid.New(), Key: key}
}

// DelayedTarget is a pending boolean transition armed for a future time.
type DelayedTarget struct {
	At    time.Time
	Value bool
}

// Lap is a locally assigned prefix: this router's committed per-link
// assignment.
type Lap struct {
	ID     uuid.UUID
	Prefix netip.Prefix

	Iface string
	DP    DPKey

	Own      bool
	Assigned bool
	Flooded  bool

	// Invalid is set true at the start of every kernel pass's mark
	// phase and cleared when the (iface, DP) reconciliation confirms
	// the Lap should continue to exist; anything still Invalid after
	// the pass is swept.
	Invalid bool

	AssignAt *DelayedTarget
	FloodAt  *DelayedTarget
	DeleteAt *time.Time
}

func newLap(prefix netip.Prefix, ifname string, dp DPKey) *Lap {
	return &Lap{
		ID:     uuid.New(),
		Prefix: prefix,
		Iface:  ifname,
		DP:     dp,
	}
}

// NextWake returns the earliest of the Lap's three pending deadlines, if
// any are armed.
func (l *Lap) NextWake() (time.Time, bool) {
	var best time.Time
	found := false
	consider := func(t time.Time, ok bool) {
		if !ok {
			return
		}
		if !found || t.Before(best) {
			best = t
			found = true
		}
	}
	if l.AssignAt != nil {
		consider(l.AssignAt.At, true)
	}
	if l.FloodAt != nil {
		consider(l.FloodAt.At, true)
	}
	if l.DeleteAt != nil {
		consider(*l.DeleteAt, true)
	}
	return best, found
}
