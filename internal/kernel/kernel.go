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

// Package kernel implements the PAA reconciliation pass (spec.md §4.4):
// for each (internal interface, delegated prefix) pair, decide which Lap
// should exist, mark/sweep, choose new prefixes, reconcile ownership
// with peers, and compute per-interface designated/do-DHCP flags.
package kernel

import (
	"math/rand"
	"net/netip"
	"time"

	"github.com/go-logr/logr"

	"github.com/prefixassign/paad/internal/localprefix"
	"github.com/prefixassign/paad/internal/paaerr"
	"github.com/prefixassign/paad/internal/prefixutil"
	"github.com/prefixassign/paad/internal/rid"
	"github.com/prefixassign/paad/internal/store"
	"github.com/prefixassign/paad/internal/timer"
)

// PrefixSearchMaxRounds bounds the random sub-prefix search (spec.md §4.4
// step 7, §9): at most this many increments, wrapping at most once.
const PrefixSearchMaxRounds = 128

// StableStorage is the subset of spec.md §4.6's stable storage contract
// the kernel consults when choosing a new prefix for a link.
type StableStorage interface {
	PrefixFind(ifname string, fits func(netip.Prefix) bool) (netip.Prefix, bool, error)
	PrefixAdd(ifname string, p netip.Prefix) error
}

// FloodSink is spec.md §4.6's "produced to flooding layer" contract,
// restricted to the Lap-level calls the kernel itself is responsible
// for; Dp-level updated_ldp calls are emitted by the engine at the point
// a Dp is mutated (see store.Store.OnLocalDpChanged/OnLocalDpDeleted).
type FloodSink interface {
	UpdatedLAP(prefix netip.Prefix, ifname string, toDelete bool)
}

// IfaceSink is spec.md §4.6's "produced to interface layer" contract.
type IfaceSink interface {
	UpdatePrefix(prefix netip.Prefix, ifname string, validUntil, preferredUntil time.Time, dhcp []byte)
	UpdateLinkOwner(ifname string, doDHCP bool)
}

// Config carries the kernel's tunables.
type Config struct {
	FloodingDelay time.Duration
}

// Kernel is a first-class value (spec.md §9: not a global singleton) with
// its own configuration, policy, RID and scheduler handles, so multiple
// instances can coexist in tests.
type Kernel struct {
	cfg     Config
	policy  OwnershipPolicy
	our     rid.ID
	storage StableStorage
	rand    *rand.Rand
	log     logr.Logger

	ula  *localprefix.Generator
	ipv4 *localprefix.Generator

	designated map[string]bool
	doDHCP     map[string]bool
}

func New(cfg Config, policy OwnershipPolicy, our rid.ID, storage StableStorage, ula, ipv4 *localprefix.Generator, log logr.Logger) *Kernel {
	return &Kernel{
		cfg:        cfg,
		policy:     policy,
		our:        our,
		storage:    storage,
		rand:       rand.New(rand.NewSource(1)),
		log:        log,
		ula:        ula,
		ipv4:       ipv4,
		designated: map[string]bool{},
		doDHCP:     map[string]bool{},
	}
}

// Pass runs exactly one reconciliation pass over s.
func (k *Kernel) Pass(s *store.Store, now time.Time, flood FloodSink, ifaceSink IfaceSink) error {
	k.preamble(s, now)

	if k.ula != nil {
		if err := k.ula.Run(s, now, k.our); err != nil {
			k.log.V(1).Info("local ULA generator error", "error", err)
		}
	}
	if k.ipv4 != nil {
		if err := k.ipv4.Run(s, now, k.our); err != nil {
			k.log.V(1).Info("local IPv4 generator error", "error", err)
		}
	}

	for _, l := range s.Laps() {
		l.Invalid = true
	}

	usable := k.usableDps(s)

	for _, iface := range s.Ifaces() {
		if !iface.Internal {
			continue
		}
		linkHighestRid := k.linkHighestRid(s, iface.Name)
		for _, dp := range usable {
			if k.isNested(usable, dp) {
				continue
			}
			k.reconcileOne(s, now, iface, dp, linkHighestRid, flood)
		}
	}

	for _, l := range s.Laps() {
		if l.Invalid {
			s.DeleteLap(l.Prefix)
		}
	}

	k.designate(s, ifaceSink)

	return nil
}

func (k *Kernel) preamble(s *store.Store, now time.Time) {
	for _, i := range s.Ifaces() {
		if !i.Internal {
			s.SetInternal(i.Name, false)
		}
	}
	for _, d := range s.Dps() {
		if d.MarkedForDeletion() || d.Expired(now) {
			s.DeleteDp(d.Key)
		}
	}
}

// usableDps filters out Dps whose excluded sub-prefix swallows the whole
// delegated prefix (SPEC_FULL.md §4.4a / spec.md §7's "excluded contains
// DP" case): logged and skipped rather than treated as fatal.
func (k *Kernel) usableDps(s *store.Store) []*store.Dp {
	all := s.Dps()
	out := make([]*store.Dp, 0, len(all))
	for _, d := range all {
		if d.ExcludedContainsSelf() {
			k.log.V(1).Info("excluded range contains delegated prefix, skipping for assignment",
				"prefix", d.Key.Prefix, "error", paaerr.ErrExcludedContainsDP)
			continue
		}
		out = append(out, d)
	}
	return out
}

// isNested reports whether some other usable Dp is contained in dp with a
// strictly longer prefix length (spec.md §4.4 step 1): dp should then be
// skipped, deferring to the narrower one.
func (k *Kernel) isNested(all []*store.Dp, dp *store.Dp) bool {
	for _, other := range all {
		if other.Key == dp.Key {
			continue
		}
		if other.Key.Prefix.Bits() > dp.Key.Prefix.Bits() && prefixutil.Contains(dp.Key.Prefix, other.Key.Prefix) {
			return true
		}
	}
	return false
}

func (k *Kernel) linkHighestRid(s *store.Store, ifname string) bool {
	for _, e := range s.EapsOnIface(ifname) {
		if rid.Greater(e.Key.Source, k.our) {
			return false
		}
	}
	return true
}

func (k *Kernel) eapOnIfaceAdvertises(s *store.Store, ifname string, p netip.Prefix) bool {
	for _, e := range s.EapsOnIface(ifname) {
		if e.Key.Prefix == p {
			return true
		}
	}
	return false
}

func (k *Kernel) bestEapOn(s *store.Store, ifname string, dp netip.Prefix) (*store.Eap, bool) {
	var best *store.Eap
	for _, e := range s.EapsOnIface(ifname) {
		if !prefixutil.Contains(dp, e.Key.Prefix) {
			continue
		}
		if best == nil || rid.Greater(e.Key.Source, best.Key.Source) {
			best = e
		}
	}
	return best, best != nil
}

func (k *Kernel) reconcileOne(s *store.Store, now time.Time, iface *store.Iface, dp *store.Dp, linkHighestRid bool, flood FloodSink) {
	ifname := iface.Name
	lap, hasLap := s.LapOnIfaceContaining(ifname, dp.Key.Prefix)
	bestEap, hasBestEap := k.bestEapOn(s, ifname, dp.Key.Prefix)

	// Step 5: resolve override from a higher-RID peer.
	if hasLap && hasBestEap && rid.Greater(bestEap.Key.Source, k.our) {
		if bestEap.Key.Prefix != lap.Prefix {
			s.DeleteLap(lap.Prefix)
			hasLap = false
		} else {
			s.SetLapOwn(lap.Prefix, false)
		}
	}

	// Step 6: cross-link collision.
	if hasLap {
		lap, hasLap = s.GetLap(lap.Prefix)
	}
	if hasLap && lap.Own && k.claimedElsewhere(s, lap.Prefix, ifname) {
		s.DeleteLap(lap.Prefix)
		hasLap = false
	}

	// Step 7: create if missing.
	if !hasLap {
		created := k.createMissing(s, now, iface, dp, bestEap, hasBestEap, linkHighestRid)
		if created != nil {
			lap = created
			hasLap = true
		}
	}

	if !hasLap {
		return
	}

	// "take ownership when the advertising peer has withdrawn" rule: we
	// adopted a peer prefix without claiming it, but no peer EAP on
	// this link still advertises that exact prefix.
	if !lap.Own && !k.eapOnIfaceAdvertises(s, ifname, lap.Prefix) {
		s.SetLapOwn(lap.Prefix, true)
	}

	// Step 8: finalise.
	lap.Invalid = false
	if err := s.SetLapDp(lap.Prefix, dp.Key); err != nil {
		k.log.V(1).Info("failed to reparent lap", "prefix", lap.Prefix, "error", err)
	}
	prevFlooded := lap.Flooded
	s.SetLapFlooded(lap.Prefix, lap.Own)
	if prevFlooded != lap.Own {
		flood.UpdatedLAP(lap.Prefix, ifname, false)
	}
	timer.ScheduleAssign(lap, now.Add(2*k.cfg.FloodingDelay), true)
}

// claimedElsewhere reports whether lapPrefix is already claimed by an EAP
// (any RID >= ours) or another Lap on a link other than ifname.
func (k *Kernel) claimedElsewhere(s *store.Store, lapPrefix netip.Prefix, ifname string) bool {
	for _, other := range s.Laps() {
		if other.Prefix == lapPrefix && other.Iface != ifname {
			return true
		}
	}
	for _, i := range s.Ifaces() {
		if i.Name == ifname {
			continue
		}
		for _, e := range s.EapsOnIface(i.Name) {
			if e.Key.Prefix == lapPrefix && !rid.Greater(k.our, e.Key.Source) {
				return true
			}
		}
	}
	return false
}

// collidesOnAnyOtherLink reports whether candidate is already in use —
// by any EAP of any RID, or any Lap — on a link other than ifname. With
// ifname "" every link is checked.
func (k *Kernel) collidesOnAnyOtherLink(s *store.Store, candidate netip.Prefix, ifname string) bool {
	for _, e := range s.Eaps() {
		if e.Key.Prefix == candidate && (ifname == "" || e.Iface != ifname) {
			return true
		}
	}
	for _, l := range s.Laps() {
		if l.Prefix == candidate && (ifname == "" || l.Iface != ifname) {
			return true
		}
	}
	return false
}

func (k *Kernel) createMissing(s *store.Store, now time.Time, iface *store.Iface, dp *store.Dp, bestEap *store.Eap, hasBestEap bool, linkHighestRid bool) *store.Lap {
	ifname := iface.Name
	if hasBestEap {
		if !k.collidesOnAnyOtherLink(s, bestEap.Key.Prefix, ifname) {
			own := k.policy.ClaimAdopted(linkHighestRid, iface.Designated)
			lap, err := s.CreateLap(bestEap.Key.Prefix, ifname, dp.Key)
			if err != nil {
				k.log.V(1).Info("failed to create lap adopted from peer", "error", err)
				return nil
			}
			s.SetLapOwn(lap.Prefix, own)
			return lap
		}
		// Collides: abstain this round unless the policy says not to wait
		// on a neighbour to resolve it, in which case fall through to the
		// same storage/random self-assignment attempt a from-scratch
		// creation would use (original_source/src/pa.c's sequential
		// `if(eap){...} if(!prefix && link_highest_rid && !wait_for_neigh)
		// {...}` — the two are a fallthrough, not exclusive alternatives).
		if k.policy.WaitForNeigh(iface.Designated) || !linkHighestRid {
			return nil
		}
	} else if !linkHighestRid {
		return nil
	}

	targetBits := k.targetBits(dp.Key.Prefix)

	if k.storage != nil {
		if found, ok, err := k.storage.PrefixFind(ifname, func(p netip.Prefix) bool {
			return prefixutil.Contains(dp.Key.Prefix, p) && p.Bits() == targetBits && !k.excluded(dp, p) && !k.collidesOnAnyOtherLink(s, p, "")
		}); err != nil {
			k.log.V(1).Info("stable storage lookup failed", "error", err)
		} else if ok {
			lap, err := s.CreateLap(found, ifname, dp.Key)
			if err != nil {
				return nil
			}
			s.SetLapOwn(lap.Prefix, true)
			return lap
		}
	}

	candidate, ok := k.randomSearch(s, dp, targetBits)
	if !ok {
		k.log.V(1).Info("prefix search exhausted", "dp", dp.Key.Prefix, "error", paaerr.ErrSearchExhausted)
		return nil
	}
	lap, err := s.CreateLap(candidate, ifname, dp.Key)
	if err != nil {
		return nil
	}
	s.SetLapOwn(lap.Prefix, true)
	if k.storage != nil {
		if err := k.storage.PrefixAdd(ifname, candidate); err != nil {
			k.log.V(1).Info("failed to persist chosen prefix", "error", err)
		}
	}
	return lap
}

func (k *Kernel) targetBits(dp netip.Prefix) int {
	if prefixutil.IsIPv4Mapped(dp) {
		return 120
	}
	if dp.Bits() <= 64 {
		return 64
	}
	return dp.Bits()
}

func (k *Kernel) excluded(dp *store.Dp, p netip.Prefix) bool {
	if dp.Excluded == nil {
		return false
	}
	return prefixutil.Contains(*dp.Excluded, p) || prefixutil.Contains(p, *dp.Excluded)
}

// randomSearch implements spec.md §4.4 step 7's bounded random search:
// draw a random sub-prefix at targetBits, then increment within the
// delegated prefix up to PrefixSearchMaxRounds times, skipping the
// excluded range, wrapping at most once.
func (k *Kernel) randomSearch(s *store.Store, dp *store.Dp, targetBits int) (netip.Prefix, bool) {
	candidate, err := prefixutil.RandomSubPrefix(dp.Key.Prefix, targetBits, k.rand)
	if err != nil {
		return netip.Prefix{}, false
	}
	first := candidate
	wrapped := false
	for round := 0; round < PrefixSearchMaxRounds; round++ {
		if !k.excluded(dp, candidate) && !k.collidesOnAnyOtherLink(s, candidate, "") {
			return candidate, true
		}
		next, err := prefixutil.IncrementWithinParent(dp.Key.Prefix, candidate, targetBits)
		if err != nil {
			return netip.Prefix{}, false
		}
		if next == first {
			if wrapped {
				return netip.Prefix{}, false
			}
			wrapped = true
		}
		candidate = next
	}
	return netip.Prefix{}, false
}

func (k *Kernel) designate(s *store.Store, ifaceSink IfaceSink) {
	for _, iface := range s.Ifaces() {
		if !iface.Internal {
			continue
		}
		eaps := s.EapsOnIface(iface.Name)
		noEaps := len(eaps) == 0
		someOwnedLap := false
		for p := range iface.LAPs {
			if l, ok := s.GetLap(p); ok && l.Own {
				someOwnedLap = true
				break
			}
		}
		noHigherRidEap := true
		for _, e := range eaps {
			if rid.Greater(e.Key.Source, k.our) {
				noHigherRidEap = false
				break
			}
		}
		designated := noEaps || (someOwnedLap && noHigherRidEap)
		doDHCP := designated && len(iface.LAPs) > 0

		iface.Designated = designated
		iface.DoDHCP = doDHCP

		if k.designated[iface.Name] != designated || k.doDHCP[iface.Name] != doDHCP {
			k.designated[iface.Name] = designated
			k.doDHCP[iface.Name] = doDHCP
			if ifaceSink != nil {
				ifaceSink.UpdateLinkOwner(iface.Name, doDHCP)
			}
		}
	}
}
