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
	"bytes"
	"net/netip"
	"sort"
	"time"

	"github.com/prefixassign/paad/internal/paaerr"
	"github.com/prefixassign/paad/internal/prefixutil"
)

// Store owns every Iface, Dp, Eap and Lap, and the back-references
// between them. All mutations keep reverse indices consistent; a
// mutation either fully succeeds or leaves the store untouched.
type Store struct {
	ifaces map[string]*Iface
	dps    map[DPKey]*Dp
	eaps   map[EapKey]*Eap
	laps   map[netip.Prefix]*Lap

	// OnLapDestroyed, OnLocalDpChanged and OnLocalDpDeleted let a
	// caller (the engine) observe entity destruction/mutation at the
	// single point they actually happen, rather than re-deriving it,
	// so the flood-sink ordering guarantee in spec.md §5 ("a
	// updated_lap(..., to_delete=true) is always emitted before the
	// owning DP's updated_ldp(..., 0)") falls out of call order.
	OnLapDestroyed   func(prefix netip.Prefix, ifname string)
	OnLocalDpChanged func(dp *Dp)
	OnLocalDpDeleted func(dp *Dp)
}

func New() *Store {
	return &Store{
		ifaces: map[string]*Iface{},
		dps:    map[DPKey]*Dp{},
		eaps:   map[EapKey]*Eap{},
		laps:   map[netip.Prefix]*Lap{},
	}
}

// ---- Iface ----

func (s *Store) GetIface(name string) (*Iface, bool) {
	i, ok := s.ifaces[name]
	return i, ok
}

// GetOrCreateIface returns the named iface, creating it if absent.
func (s *Store) GetOrCreateIface(name string) (*Iface, error) {
	if len(name) > MaxIfaceName {
		return nil, paaerr.ErrNameTooLong
	}
	if i, ok := s.ifaces[name]; ok {
		return i, nil
	}
	i := newIface(name)
	s.ifaces[name] = i
	return i, nil
}

// Ifaces returns every iface, ordered by name.
func (s *Store) Ifaces() []*Iface {
	out := make([]*Iface, 0, len(s.ifaces))
	for _, i := range s.ifaces {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// SetInternal applies spec.md §6's interface_internal contract: flipping
// to false destroys the iface outright if it has no DPs and no EAPs,
// otherwise it is stripped of its LAPs and kept.
func (s *Store) SetInternal(name string, internal bool) error {
	i, err := s.GetOrCreateIface(name)
	if err != nil {
		return err
	}
	i.Internal = internal
	if !internal {
		s.reapIfaceIfEligible(i)
	}
	return nil
}

// reapIfaceIfEligible destroys a non-internal iface with no EAPs/DPs, or
// strips its LAPs and keeps it otherwise. Called both from the direct
// interface_internal(false) callback and from the kernel's per-pass
// sweep.
func (s *Store) reapIfaceIfEligible(i *Iface) {
	if i.Internal {
		return
	}
	if i.Empty() {
		s.destroyIface(i)
		return
	}
	for p := range i.LAPs {
		s.DeleteLap(p)
	}
}

func (s *Store) destroyIface(i *Iface) {
	for p := range i.LAPs {
		s.DeleteLap(p)
	}
	for key := range i.EAPs {
		if e, ok := s.eaps[key]; ok {
			e.Iface = ""
		}
	}
	for key := range i.DPs {
		if d, ok := s.dps[key]; ok {
			d.Iface = ""
		}
	}
	delete(s.ifaces, i.Name)
}

// ---- Dp ----

func (s *Store) GetDp(key DPKey) (*Dp, bool) {
	d, ok := s.dps[key]
	return d, ok
}

func (s *Store) GetOrCreateDp(key DPKey) (*Dp, error) {
	if !key.Owner.Local && key.Owner.Peer.Zero() {
		return nil, paaerr.ErrBadArgument
	}
	if d, ok := s.dps[key]; ok {
		return d, nil
	}
	d := newDp(key)
	s.dps[key] = d
	return d, nil
}

// Dps returns every Dp, ordered by prefix.
func (s *Store) Dps() []*Dp {
	out := make([]*Dp, 0, len(s.dps))
	for _, d := range s.dps {
		out = append(out, d)
	}
	sort.Slice(out, func(a, b int) bool { return prefixutil.Less(out[a].Key.Prefix, out[b].Key.Prefix) })
	return out
}

// SetDpIface sets (or clears, with "") the delegating iface of a local Dp,
// maintaining the iface's back-reference set.
func (s *Store) SetDpIface(key DPKey, ifname string) error {
	d, ok := s.dps[key]
	if !ok {
		return nil
	}
	if d.Iface == ifname {
		return nil
	}
	var i *Iface
	if ifname != "" {
		var err error
		if i, err = s.GetOrCreateIface(ifname); err != nil {
			return err
		}
	}
	if d.Iface != "" {
		if old, ok := s.ifaces[d.Iface]; ok {
			delete(old.DPs, key)
		}
	}
	d.Iface = ifname
	if i != nil {
		i.DPs[key] = struct{}{}
	}
	return nil
}

// SetDpDHCP replaces the DHCP payload blob; byte-identical replacement is
// a no-op (spec.md §6) and reports false.
func (s *Store) SetDpDHCP(key DPKey, data []byte) bool {
	d, ok := s.dps[key]
	if !ok {
		return false
	}
	if bytes.Equal(d.DHCP, data) {
		return false
	}
	d.DHCP = data
	return true
}

// DeleteDp destroys the Dp, re-parenting each child Lap to any remaining
// Dp whose prefix contains the Lap's prefix, or destroying the Lap if no
// foster parent exists.
func (s *Store) DeleteDp(key DPKey) {
	d, ok := s.dps[key]
	if !ok {
		return
	}
	for p := range d.LAPs {
		lap, ok := s.laps[p]
		if !ok {
			continue
		}
		if foster := s.findFosterDp(p, key); foster != nil {
			s.reparentLap(lap, foster)
		} else {
			s.DeleteLap(p)
		}
	}
	if d.Iface != "" {
		if i, ok := s.ifaces[d.Iface]; ok {
			delete(i.DPs, key)
		}
	}
	if key.Owner.Local && s.OnLocalDpDeleted != nil {
		s.OnLocalDpDeleted(d)
	}
	delete(s.dps, key)
}

// SetDpLifetime updates a Dp's valid/preferred-until times and notifies
// OnLocalDpChanged for local Dps, matching the flooding contract that a
// local delegated prefix's lifetime change must be re-advertised.
func (s *Store) SetDpLifetime(key DPKey, preferredUntil, validUntil time.Time) {
	d, ok := s.dps[key]
	if !ok {
		return
	}
	d.PreferredUntil = preferredUntil
	d.ValidUntil = validUntil
	if key.Owner.Local && s.OnLocalDpChanged != nil {
		s.OnLocalDpChanged(d)
	}
}

// SetDpExcluded sets or clears the Dp's excluded sub-prefix.
func (s *Store) SetDpExcluded(key DPKey, excluded *netip.Prefix) {
	d, ok := s.dps[key]
	if !ok {
		return
	}
	d.Excluded = excluded
	if key.Owner.Local && s.OnLocalDpChanged != nil {
		s.OnLocalDpChanged(d)
	}
}

func (s *Store) findFosterDp(lapPrefix netip.Prefix, exclude DPKey) *Dp {
	var best *Dp
	for k, d := range s.dps {
		if k == exclude {
			continue
		}
		if !prefixutil.Contains(d.Key.Prefix, lapPrefix) {
			continue
		}
		if best == nil || d.Key.Prefix.Bits() > best.Key.Prefix.Bits() {
			best = d
		}
	}
	return best
}

func (s *Store) reparentLap(lap *Lap, newDp *Dp) {
	if old, ok := s.dps[lap.DP]; ok {
		delete(old.LAPs, lap.Prefix)
	}
	lap.DP = newDp.Key
	newDp.LAPs[lap.Prefix] = struct{}{}
}

// ---- Eap ----

func (s *Store) GetEap(key EapKey) (*Eap, bool) {
	e, ok := s.eaps[key]
	return e, ok
}

func (s *Store) GetOrCreateEap(key EapKey) (*Eap, error) {
	if key.Source.Zero() {
		return nil, paaerr.ErrBadArgument
	}
	if e, ok := s.eaps[key]; ok {
		return e, nil
	}
	e := newEap(key)
	s.eaps[key] = e
	return e, nil
}

func (s *Store) Eaps() []*Eap {
	out := make([]*Eap, 0, len(s.eaps))
	for _, e := range s.eaps {
		out = append(out, e)
	}
	sort.Slice(out, func(a, b int) bool { return prefixutil.Less(out[a].Key.Prefix, out[b].Key.Prefix) })
	return out
}

// EapsOnIface returns the EAPs observed on the given link.
func (s *Store) EapsOnIface(ifname string) []*Eap {
	i, ok := s.ifaces[ifname]
	if !ok {
		return nil
	}
	out := make([]*Eap, 0, len(i.EAPs))
	for key := range i.EAPs {
		if e, ok := s.eaps[key]; ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(a, b int) bool { return prefixutil.Less(out[a].Key.Prefix, out[b].Key.Prefix) })
	return out
}

func (s *Store) SetEapIface(key EapKey, ifname string) error {
	e, ok := s.eaps[key]
	if !ok {
		return nil
	}
	if e.Iface == ifname {
		return nil
	}
	var i *Iface
	if ifname != "" {
		var err error
		if i, err = s.GetOrCreateIface(ifname); err != nil {
			return err
		}
	}
	if e.Iface != "" {
		if old, ok := s.ifaces[e.Iface]; ok {
			delete(old.EAPs, key)
		}
	}
	e.Iface = ifname
	if i != nil {
		i.EAPs[key] = struct{}{}
	}
	return nil
}

func (s *Store) DeleteEap(key EapKey) {
	e, ok := s.eaps[key]
	if !ok {
		return
	}
	if e.Iface != "" {
		if i, ok := s.ifaces[e.Iface]; ok {
			delete(i.EAPs, key)
		}
	}
	delete(s.eaps, key)
}

// ---- Lap ----

func (s *Store) GetLap(p netip.Prefix) (*Lap, bool) {
	l, ok := s.laps[p]
	return l, ok
}

// CreateLap is the sole entry point that brings a Lap into existence; per
// spec.md §3 this is only ever called by the PAA kernel.
func (s *Store) CreateLap(p netip.Prefix, ifname string, dp DPKey) (*Lap, error) {
	d, ok := s.dps[dp]
	if !ok {
		return nil, paaerr.ErrBadArgument
	}
	i, err := s.GetOrCreateIface(ifname)
	if err != nil {
		return nil, err
	}
	lap := newLap(p, ifname, dp)
	s.laps[p] = lap
	i.LAPs[p] = struct{}{}
	d.LAPs[p] = struct{}{}
	return lap, nil
}

func (s *Store) Laps() []*Lap {
	out := make([]*Lap, 0, len(s.laps))
	for _, l := range s.laps {
		out = append(out, l)
	}
	sort.Slice(out, func(a, b int) bool { return prefixutil.Less(out[a].Prefix, out[b].Prefix) })
	return out
}

// LapOnIfaceContaining returns the unique Lap on ifname contained in dp,
// if any (spec.md §4.4 step 2).
func (s *Store) LapOnIfaceContaining(ifname string, dp netip.Prefix) (*Lap, bool) {
	i, ok := s.ifaces[ifname]
	if !ok {
		return nil, false
	}
	for p := range i.LAPs {
		if prefixutil.Contains(dp, p) {
			return s.laps[p], true
		}
	}
	return nil, false
}

func (s *Store) SetLapOwn(p netip.Prefix, own bool) {
	if l, ok := s.laps[p]; ok {
		l.Own = own
	}
}

// SetLapFlooded performs the direct (non-delayed) flooded transition,
// clearing any pending delayed flood deadline.
func (s *Store) SetLapFlooded(p netip.Prefix, value bool) {
	if l, ok := s.laps[p]; ok {
		l.Flooded = value
		l.FloodAt = nil
	}
}

// SetLapAssigned performs the direct (non-delayed) assigned transition,
// clearing any pending delayed assign deadline.
func (s *Store) SetLapAssigned(p netip.Prefix, value bool) {
	if l, ok := s.laps[p]; ok {
		l.Assigned = value
		l.AssignAt = nil
	}
}

func (s *Store) SetLapDp(p netip.Prefix, dp DPKey) error {
	l, ok := s.laps[p]
	if !ok {
		return nil
	}
	if l.DP == dp {
		return nil
	}
	d, ok := s.dps[dp]
	if !ok {
		return paaerr.ErrBadArgument
	}
	if old, ok := s.dps[l.DP]; ok {
		delete(old.LAPs, p)
	}
	l.DP = dp
	d.LAPs[p] = struct{}{}
	return nil
}

// DeleteLap destroys a Lap, cancelling its pending deadlines and cleaning
// up every reverse index.
func (s *Store) DeleteLap(p netip.Prefix) {
	l, ok := s.laps[p]
	if !ok {
		return
	}
	if i, ok := s.ifaces[l.Iface]; ok {
		delete(i.LAPs, p)
	}
	if d, ok := s.dps[l.DP]; ok {
		delete(d.LAPs, p)
	}
	ifname := l.Iface
	delete(s.laps, p)
	if s.OnLapDestroyed != nil {
		s.OnLapDestroyed(p, ifname)
	}
}
