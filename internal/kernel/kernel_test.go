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

package kernel_test

import (
	"net/netip"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/prefixassign/paad/internal/kernel"
	"github.com/prefixassign/paad/internal/rid"
	"github.com/prefixassign/paad/internal/store"
)

type recordingFlood struct {
	lapEvents []lapEvent
}

type lapEvent struct {
	prefix   netip.Prefix
	ifname   string
	toDelete bool
}

func (r *recordingFlood) UpdatedLAP(p netip.Prefix, ifname string, toDelete bool) {
	r.lapEvents = append(r.lapEvents, lapEvent{p, ifname, toDelete})
}

type recordingIface struct {
	owners []string
}

func (r *recordingIface) UpdatePrefix(netip.Prefix, string, time.Time, time.Time, []byte) {}
func (r *recordingIface) UpdateLinkOwner(ifname string, doDHCP bool) {
	r.owners = append(r.owners, ifname)
}

func newRouter(our rid.ID) (*kernel.Kernel, *store.Store) {
	s := store.New()
	k := kernel.New(kernel.Config{FloodingDelay: time.Second}, kernel.PfisterPolicy{}, our, nil, nil, nil, discardLogger())
	return k, s
}

var r1rid = rid.ID{0x01}
var r2rid = rid.ID{0x02}
var r3rid = rid.ID{0x03}

var _ = Describe("PAA kernel", func() {
	var now time.Time

	BeforeEach(func() {
		now = time.Unix(1_700_000_000, 0)
	})

	It("creates a LAP for its own delegated prefix on an internal link", func() {
		k, s := newRouter(r1rid)
		Expect(s.SetInternal("eth0", true)).To(Succeed())
		dpKey := store.DPKey{Prefix: netip.MustParsePrefix("2001:db8::/40"), Owner: store.LocalOwner()}
		_, err := s.GetOrCreateDp(dpKey)
		Expect(err).NotTo(HaveOccurred())
		s.SetDpLifetime(dpKey, now.Add(time.Hour), now.Add(time.Hour*2))

		flood := &recordingFlood{}
		Expect(k.Pass(s, now, flood, &recordingIface{})).To(Succeed())

		laps := s.Laps()
		Expect(laps).To(HaveLen(1))
		Expect(laps[0].Prefix.Bits()).To(Equal(64))
		Expect(laps[0].Own).To(BeTrue())
	})

	It("adopts a peer's prefix without claiming it while not designated (scenario 1 from spec.md §8)", func() {
		// R2 sees R1's EAP for the delegated prefix; on its first pass R2
		// is not yet designated on lan0, so under the Pfister policy it
		// adopts R1's prefix without creating an owned LAP.
		k2, s2 := newRouter(r2rid)
		Expect(s2.SetInternal("lan0", true)).To(Succeed())
		dpKey := store.DPKey{Prefix: netip.MustParsePrefix("2001:db8::/40"), Owner: store.PeerOwner(r1rid)}
		_, err := s2.GetOrCreateDp(dpKey)
		Expect(err).NotTo(HaveOccurred())
		s2.SetDpLifetime(dpKey, now.Add(time.Hour), now.Add(time.Hour*2))

		eapKey := store.EapKey{Prefix: netip.MustParsePrefix("2001:db8:0:7::/64"), Source: r1rid}
		_, err = s2.GetOrCreateEap(eapKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(s2.SetEapIface(eapKey, "lan0")).To(Succeed())

		Expect(k2.Pass(s2, now, &recordingFlood{}, &recordingIface{})).To(Succeed())

		laps := s2.Laps()
		Expect(laps).To(HaveLen(1), "should adopt R1's advertised prefix")
		Expect(laps[0].Own).To(BeFalse(), "R2 is not designated on lan0 so it must not claim ownership")
	})

	It("destroys the LAP when its delegated prefix is withdrawn (scenario 2)", func() {
		k, s := newRouter(r1rid)
		Expect(s.SetInternal("eth0", true)).To(Succeed())
		dpKey := store.DPKey{Prefix: netip.MustParsePrefix("2001:db8::/40"), Owner: store.LocalOwner()}
		_, err := s.GetOrCreateDp(dpKey)
		Expect(err).NotTo(HaveOccurred())
		s.SetDpLifetime(dpKey, now.Add(time.Hour), now.Add(time.Hour*2))
		Expect(k.Pass(s, now, &recordingFlood{}, &recordingIface{})).To(Succeed())
		Expect(s.Laps()).To(HaveLen(1))

		var deletedBeforeDp bool
		s.OnLapDestroyed = func(netip.Prefix, string) { deletedBeforeDp = true }
		s.OnLocalDpDeleted = func(*store.Dp) {
			Expect(deletedBeforeDp).To(BeTrue(), "updated_lap(to_delete=true) must precede updated_ldp(valid_until=0)")
		}

		// valid_until=0 marks the Dp for deletion.
		s.SetDpLifetime(dpKey, time.Time{}, time.Time{})
		Expect(k.Pass(s, now.Add(time.Minute), &recordingFlood{}, &recordingIface{})).To(Succeed())
		Expect(s.Laps()).To(BeEmpty())
	})

	It("neither router claims ownership of a third peer's adopted prefix (scenario 3)", func() {
		for _, our := range []rid.ID{r1rid, r2rid} {
			k, s := newRouter(our)
			Expect(s.SetInternal("lan0", true)).To(Succeed())
			dpKey := store.DPKey{Prefix: netip.MustParsePrefix("2001:db8::/40"), Owner: store.PeerOwner(r3rid)}
			_, err := s.GetOrCreateDp(dpKey)
			Expect(err).NotTo(HaveOccurred())
			s.SetDpLifetime(dpKey, now.Add(time.Hour), now.Add(time.Hour*2))

			eapKey := store.EapKey{Prefix: netip.MustParsePrefix("2001:db8:0:9::/64"), Source: r3rid}
			_, err = s.GetOrCreateEap(eapKey)
			Expect(err).NotTo(HaveOccurred())
			Expect(s.SetEapIface(eapKey, "lan0")).To(Succeed())

			Expect(k.Pass(s, now, &recordingFlood{}, &recordingIface{})).To(Succeed())

			laps := s.Laps()
			Expect(laps).To(HaveLen(1))
			Expect(laps[0].Own).To(BeFalse(), "03 has the highest RID, neither 01 nor 02 should own")
		}
	})

	It("never selects a sub-prefix inside the excluded range", func() {
		k, s := newRouter(r1rid)
		Expect(s.SetInternal("eth0", true)).To(Succeed())
		dpKey := store.DPKey{Prefix: netip.MustParsePrefix("2001:db8::/40"), Owner: store.LocalOwner()}
		_, err := s.GetOrCreateDp(dpKey)
		Expect(err).NotTo(HaveOccurred())
		s.SetDpLifetime(dpKey, now.Add(time.Hour), now.Add(time.Hour*2))
		excluded := netip.MustParsePrefix("2001:db8:0:0::/56")
		s.SetDpExcluded(dpKey, &excluded)

		Expect(k.Pass(s, now, &recordingFlood{}, &recordingIface{})).To(Succeed())

		laps := s.Laps()
		Expect(laps).To(HaveLen(1))
		Expect(excluded.Overlaps(laps[0].Prefix)).To(BeFalse())
	})

	It("abstains entirely when the excluded range swallows the whole DP", func() {
		k, s := newRouter(r1rid)
		Expect(s.SetInternal("eth0", true)).To(Succeed())
		dpKey := store.DPKey{Prefix: netip.MustParsePrefix("2001:db8::/56"), Owner: store.LocalOwner()}
		_, err := s.GetOrCreateDp(dpKey)
		Expect(err).NotTo(HaveOccurred())
		s.SetDpLifetime(dpKey, now.Add(time.Hour), now.Add(time.Hour*2))
		excluded := netip.MustParsePrefix("2001:db8::/40")
		s.SetDpExcluded(dpKey, &excluded)

		Expect(k.Pass(s, now, &recordingFlood{}, &recordingIface{})).To(Succeed())
		Expect(s.Laps()).To(BeEmpty())
	})

	It("claims ownership of a colliding adopted EAP once designated (fallthrough to self-assignment)", func() {
		// designate() computes Designated at the *end* of each pass, so a
		// router that was designated on the previous pass must see that
		// real value here, not a hardcoded false. R3 is the only router
		// on eth0 so it designates itself on the first pass; the second
		// pass then learns R1's EAP on eth0, whose prefix R2 also
		// advertises on eth1 (a collision on another link) — the
		// designated router must fall through to a self-assigned prefix
		// rather than abstain.
		k, s := newRouter(r3rid)
		Expect(s.SetInternal("eth0", true)).To(Succeed())

		Expect(k.Pass(s, now, &recordingFlood{}, &recordingIface{})).To(Succeed())
		iface, ok := s.GetIface("eth0")
		Expect(ok).To(BeTrue())
		Expect(iface.Designated).To(BeTrue(), "setup: eth0 has no EAPs so it should already be designated")

		dpKey := store.DPKey{Prefix: netip.MustParsePrefix("2001:db8::/40"), Owner: store.PeerOwner(r1rid)}
		_, err := s.GetOrCreateDp(dpKey)
		Expect(err).NotTo(HaveOccurred())
		s.SetDpLifetime(dpKey, now.Add(time.Hour), now.Add(time.Hour*2))
		eapKey := store.EapKey{Prefix: netip.MustParsePrefix("2001:db8:0:5::/64"), Source: r1rid}
		_, err = s.GetOrCreateEap(eapKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.SetEapIface(eapKey, "eth0")).To(Succeed())
		otherKey := store.EapKey{Prefix: eapKey.Prefix, Source: r2rid}
		_, err = s.GetOrCreateEap(otherKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.SetEapIface(otherKey, "eth1")).To(Succeed())

		Expect(k.Pass(s, now.Add(time.Minute), &recordingFlood{}, &recordingIface{})).To(Succeed())

		laps := s.Laps()
		Expect(laps).To(HaveLen(1), "designated router must self-assign rather than abstain")
		Expect(laps[0].Own).To(BeTrue())
	})

	It("abstains on a colliding adopted EAP while not yet designated", func() {
		k, s := newRouter(r3rid)
		Expect(s.SetInternal("eth0", true)).To(Succeed())

		dpKey := store.DPKey{Prefix: netip.MustParsePrefix("2001:db8::/40"), Owner: store.PeerOwner(r1rid)}
		_, err := s.GetOrCreateDp(dpKey)
		Expect(err).NotTo(HaveOccurred())
		s.SetDpLifetime(dpKey, now.Add(time.Hour), now.Add(time.Hour*2))
		eapKey := store.EapKey{Prefix: netip.MustParsePrefix("2001:db8:0:5::/64"), Source: r1rid}
		_, err = s.GetOrCreateEap(eapKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.SetEapIface(eapKey, "eth0")).To(Succeed())
		// R2 advertises the same prefix on eth1, so adopting it collides.
		otherKey := store.EapKey{Prefix: eapKey.Prefix, Source: r2rid}
		_, err = s.GetOrCreateEap(otherKey)
		Expect(err).NotTo(HaveOccurred())
		Expect(s.SetEapIface(otherKey, "eth1")).To(Succeed())

		// First-ever pass: iface.Designated is still its zero value, so
		// the router must wait for the neighbour instead of self-assigning.
		Expect(k.Pass(s, now, &recordingFlood{}, &recordingIface{})).To(Succeed())

		Expect(s.Laps()).To(BeEmpty(), "not yet designated, so the router must wait for the neighbour")
	})

	It("sets designated and do_dhcp per the link rules", func() {
		k, s := newRouter(r1rid)
		Expect(s.SetInternal("eth0", true)).To(Succeed())
		dpKey := store.DPKey{Prefix: netip.MustParsePrefix("2001:db8::/40"), Owner: store.LocalOwner()}
		_, err := s.GetOrCreateDp(dpKey)
		Expect(err).NotTo(HaveOccurred())
		s.SetDpLifetime(dpKey, now.Add(time.Hour), now.Add(time.Hour*2))

		ifaceSink := &recordingIface{}
		Expect(k.Pass(s, now, &recordingFlood{}, ifaceSink)).To(Succeed())

		iface, ok := s.GetIface("eth0")
		Expect(ok).To(BeTrue())
		Expect(iface.Designated).To(BeTrue())
		Expect(iface.DoDHCP).To(BeTrue())
		Expect(ifaceSink.owners).To(ContainElement("eth0"))
	})
})
