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

// Package localprefix implements the two local-prefix generator state
// machines (spec.md §4.3): ULA and IPv4, each deciding whether this
// router should synthesise a delegated prefix when none is learned from
// upstream. Both instances share the same status()/transition shape and
// the same "no-X-if-global-v6" classifier (spec.md §9's note that the
// two policies must stay identical).
package localprefix

import (
	"math/rand"
	"net/netip"
	"time"

	"github.com/prefixassign/paad/internal/prefixutil"
	"github.com/prefixassign/paad/internal/rid"
	"github.com/prefixassign/paad/internal/store"
)

// Status is the bitfield returned by status(): whether this router could
// create a new Dp, and whether it should keep one it already has.
type Status uint8

const (
	CanCreate Status = 1 << iota
	CanKeep
)

// Kind distinguishes the ULA and IPv4 generator instances.
type Kind string

const (
	KindULA  Kind = "ula"
	KindIPv4 Kind = "ipv4"
)

// StableStorage is the subset of spec.md §4.6's stable-storage contract
// the generator needs: the single persisted ULA choice.
type StableStorage interface {
	ULAGet() (netip.Prefix, bool, error)
	ULASet(netip.Prefix) error
}

// Config carries every tunable spec.md §4.3 and §6 name for the local
// generators.
type Config struct {
	FloodingDelay    time.Duration
	LocalValid       time.Duration
	LocalPreferred   time.Duration
	LocalUpdateDelay time.Duration

	ULAEnabled      bool
	ULANoIfGlobalV6 bool
	ULARandomPlen   int

	IPv4Enabled         bool
	IPv4NoIfGlobalV6    bool
	IPv4UplinkAvailable bool
	IPv4DefaultPrefix   netip.Prefix
	IPv4UplinkDHCP      []byte
}

// Generator is one instance (ULA or IPv4) of the local-prefix state
// machine.
type Generator struct {
	Kind    Kind
	cfg     *Config
	storage StableStorage
	rand    *rand.Rand

	pendingCreateAt *time.Time
	nextRefresh     *time.Time
}

func NewGenerator(kind Kind, cfg *Config, storage StableStorage, r *rand.Rand) *Generator {
	if r == nil {
		r = rand.New(rand.NewSource(1))
	}
	return &Generator{Kind: kind, cfg: cfg, storage: storage, rand: r}
}

// ourDp returns the Dp this generator instance created, if any.
func (g *Generator) ourDp(s *store.Store) *store.Dp {
	for _, d := range s.Dps() {
		if d.Key.Owner.Local && d.GeneratorOwned && d.GeneratorKind == string(g.Kind) {
			return d
		}
	}
	return nil
}

// hasNonULANonV4DP is the shared classifier behind both "no ULA if global
// v6" and "no v4 if global v6" (spec.md §9).
func hasNonULANonV4DP(s *store.Store) bool {
	for _, d := range s.Dps() {
		if d.MarkedForDeletion() {
			continue
		}
		if prefixutil.IsULA(d.Key.Prefix) || prefixutil.IsIPv4Mapped(d.Key.Prefix) {
			continue
		}
		return true
	}
	return false
}

func anyInternalIface(s *store.Store) bool {
	for _, i := range s.Ifaces() {
		if i.Internal {
			return true
		}
	}
	return false
}

func globallyHighestRid(s *store.Store, our rid.ID) bool {
	for _, d := range s.Dps() {
		if d.MarkedForDeletion() || d.Key.Owner.Local {
			continue
		}
		if rid.Greater(d.Key.Owner.Peer, our) {
			return false
		}
	}
	for _, e := range s.Eaps() {
		if rid.Greater(e.Key.Source, our) {
			return false
		}
	}
	return true
}

func ulaDps(s *store.Store) []*store.Dp {
	var out []*store.Dp
	for _, d := range s.Dps() {
		if !d.MarkedForDeletion() && prefixutil.IsULA(d.Key.Prefix) {
			out = append(out, d)
		}
	}
	return out
}

// maxRidOwnerIsLocal picks, among existing, the Dp whose effective RID
// (our own for a local Dp, the peer's for an external one) is greatest,
// and reports whether that owner is us.
func maxRidOwnerIsLocal(existing []*store.Dp, our rid.ID) bool {
	bestIsLocal := false
	bestRid := rid.ID{}
	first := true
	for _, d := range existing {
		owner, effRid := d.Key.Owner.Local, our
		if !owner {
			effRid = d.Key.Owner.Peer
		}
		if first || rid.Greater(effRid, bestRid) {
			bestRid = effRid
			bestIsLocal = owner
			first = false
		}
	}
	return bestIsLocal
}

func ipv4Dps(s *store.Store) []*store.Dp {
	var out []*store.Dp
	for _, d := range s.Dps() {
		if !d.MarkedForDeletion() && prefixutil.IsIPv4Mapped(d.Key.Prefix) {
			out = append(out, d)
		}
	}
	return out
}

// status implements spec.md §4.3's status() query for this instance.
//
// The original source dereferences the highest-RID existing Dp's `local`
// field before checking it is non-nil in the IPv4 variant; SPEC_FULL.md
// §9 treats that as a bug and this implementation guards with an
// explicit length check in every case (see the len(existing)==0 branch
// below), never indexing before establishing existence.
func (g *Generator) status(s *store.Store, our rid.ID) Status {
	var existing []*store.Dp
	var enabled, noIfGlobalV6 bool

	switch g.Kind {
	case KindULA:
		enabled = g.cfg.ULAEnabled
		noIfGlobalV6 = g.cfg.ULANoIfGlobalV6
		existing = ulaDps(s)
	case KindIPv4:
		enabled = g.cfg.IPv4Enabled && g.cfg.IPv4UplinkAvailable
		noIfGlobalV6 = g.cfg.IPv4NoIfGlobalV6
		existing = ipv4Dps(s)
	}

	if !enabled || !anyInternalIface(s) {
		return 0
	}

	baseKeep := true
	if noIfGlobalV6 && hasNonULANonV4DP(s) {
		baseKeep = false
	}

	if len(existing) > 0 && !maxRidOwnerIsLocal(existing, our) {
		return 0
	}

	var status Status
	if baseKeep {
		status |= CanKeep
	}
	if len(existing) == 0 && globallyHighestRid(s, our) {
		status |= CanCreate
	}
	return status
}

// Run executes one pass of the state machine (spec.md §4.3's five
// numbered transitions) against now, mutating s as needed.
func (g *Generator) Run(s *store.Store, now time.Time, our rid.ID) error {
	st := g.status(s, our)
	dp := g.ourDp(s)

	if st == 0 {
		if dp != nil {
			s.DeleteDp(dp.Key)
		}
		g.clearPending()
		return nil
	}

	if dp != nil && st&CanKeep == 0 {
		s.DeleteDp(dp.Key)
		g.clearPending()
		return nil
	}

	if dp != nil && g.nextRefresh != nil && !now.Before(*g.nextRefresh) {
		valid := now.Add(g.cfg.LocalValid)
		preferred := now.Add(g.cfg.LocalPreferred)
		s.SetDpLifetime(dp.Key, preferred, valid)
		if g.Kind == KindIPv4 {
			s.SetDpDHCP(dp.Key, g.cfg.IPv4UplinkDHCP)
		}
		next := valid.Add(-g.cfg.LocalUpdateDelay)
		g.nextRefresh = &next
		return nil
	}

	if dp == nil && st&CanCreate != 0 {
		if g.pendingCreateAt == nil {
			at := now.Add(2 * g.cfg.FloodingDelay)
			g.pendingCreateAt = &at
			return nil
		}
		if now.Before(*g.pendingCreateAt) {
			return nil
		}
		prefix, err := g.choosePrefix()
		if err != nil {
			return err
		}
		key := store.DPKey{Prefix: prefix, Owner: store.LocalOwner()}
		created, err := s.GetOrCreateDp(key)
		if err != nil {
			return err
		}
		created.GeneratorOwned = true
		created.GeneratorKind = string(g.Kind)
		valid := now.Add(g.cfg.LocalValid)
		preferred := now.Add(g.cfg.LocalPreferred)
		s.SetDpLifetime(key, preferred, valid)
		if g.Kind == KindIPv4 {
			s.SetDpDHCP(key, g.cfg.IPv4UplinkDHCP)
		}
		next := valid.Add(-g.cfg.LocalUpdateDelay)
		g.nextRefresh = &next
		g.pendingCreateAt = nil
		return nil
	}

	g.clearPending()
	return nil
}

func (g *Generator) clearPending() {
	g.pendingCreateAt = nil
	g.nextRefresh = nil
}

func (g *Generator) choosePrefix() (netip.Prefix, error) {
	if g.Kind == KindIPv4 {
		return prefixutil.MapIPv4(g.cfg.IPv4DefaultPrefix)
	}
	if g.storage != nil {
		if stored, ok, err := g.storage.ULAGet(); err != nil {
			return netip.Prefix{}, err
		} else if ok {
			return stored, nil
		}
	}
	base := netip.MustParsePrefix("fc00::/7")
	p, err := prefixutil.RandomSubPrefix(base, g.cfg.ULARandomPlen, g.rand)
	if err != nil {
		return netip.Prefix{}, err
	}
	if g.storage != nil {
		if err := g.storage.ULASet(p); err != nil {
			return netip.Prefix{}, err
		}
	}
	return p, nil
}
