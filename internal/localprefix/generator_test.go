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

package localprefix

import (
	"math/rand"
	"net/netip"
	"testing"
	"time"

	"github.com/prefixassign/paad/internal/prefixutil"
	"github.com/prefixassign/paad/internal/rid"
	"github.com/prefixassign/paad/internal/store"
)

type memStorage struct {
	ula   netip.Prefix
	haveU bool
}

func (m *memStorage) ULAGet() (netip.Prefix, bool, error) { return m.ula, m.haveU, nil }
func (m *memStorage) ULASet(p netip.Prefix) error {
	m.ula, m.haveU = p, true
	return nil
}

func baseCfg() *Config {
	return &Config{
		FloodingDelay:    time.Second,
		LocalValid:       time.Hour,
		LocalPreferred:   30 * time.Minute,
		LocalUpdateDelay: 5 * time.Minute,
		ULAEnabled:       true,
		ULARandomPlen:    48,
	}
}

func TestULAGeneratorCreatesWhenHighestRidAndNoUpstream(t *testing.T) {
	s := store.New()
	if _, err := s.GetOrCreateIface("eth0"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetInternal("eth0", true); err != nil {
		t.Fatal(err)
	}
	our := rid.ID{0x02}
	g := NewGenerator(KindULA, baseCfg(), &memStorage{}, rand.New(rand.NewSource(1)))

	now := time.Unix(1000, 0)
	if err := g.Run(s, now, our); err != nil {
		t.Fatal(err)
	}
	if g.ourDp(s) != nil {
		t.Fatalf("expected creation to wait for the 2*flooding_delay timer")
	}
	now = now.Add(3 * time.Second)
	if err := g.Run(s, now, our); err != nil {
		t.Fatal(err)
	}
	dp := g.ourDp(s)
	if dp == nil {
		t.Fatalf("expected a ULA dp to be created once the creation timer elapsed")
	}
}

func TestULAGeneratorDefersToHigherPeerRid(t *testing.T) {
	s := store.New()
	if _, err := s.GetOrCreateIface("eth0"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetInternal("eth0", true); err != nil {
		t.Fatal(err)
	}
	peer := rid.ID{0x03}
	if _, err := s.GetOrCreateEap(store.EapKey{Prefix: netip.MustParsePrefix("2001:db8::/64"), Source: peer}); err != nil {
		t.Fatal(err)
	}
	our := rid.ID{0x02}
	g := NewGenerator(KindULA, baseCfg(), &memStorage{}, rand.New(rand.NewSource(1)))

	now := time.Unix(1000, 0).Add(10 * time.Second)
	if err := g.Run(s, now, our); err != nil {
		t.Fatal(err)
	}
	if g.ourDp(s) != nil {
		t.Fatalf("expected no ULA dp to be created when a peer holds a higher RID")
	}
}

func TestULAGeneratorDestroysDpWhenStatusGoesToZero(t *testing.T) {
	s := store.New()
	if _, err := s.GetOrCreateIface("eth0"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetInternal("eth0", true); err != nil {
		t.Fatal(err)
	}
	our := rid.ID{0x02}
	cfg := baseCfg()
	g := NewGenerator(KindULA, cfg, &memStorage{}, rand.New(rand.NewSource(1)))
	now := time.Unix(1000, 0)
	g.Run(s, now, our)
	g.Run(s, now.Add(3*time.Second), our)
	if g.ourDp(s) == nil {
		t.Fatalf("setup: expected dp created")
	}

	cfg.ULAEnabled = false
	if err := g.Run(s, now.Add(4*time.Second), our); err != nil {
		t.Fatal(err)
	}
	if g.ourDp(s) != nil {
		t.Fatalf("expected dp destroyed once ULA disabled (status==0)")
	}
}

func TestIPv4GeneratorCreatesIs4In6MappedDp(t *testing.T) {
	s := store.New()
	if _, err := s.GetOrCreateIface("eth0"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetInternal("eth0", true); err != nil {
		t.Fatal(err)
	}
	our := rid.ID{0x02}
	cfg := &Config{
		FloodingDelay:       time.Second,
		LocalValid:          time.Hour,
		LocalPreferred:      30 * time.Minute,
		LocalUpdateDelay:    5 * time.Minute,
		IPv4Enabled:         true,
		IPv4UplinkAvailable: true,
		IPv4DefaultPrefix:   netip.MustParsePrefix("10.0.0.0/8"),
	}
	g := NewGenerator(KindIPv4, cfg, &memStorage{}, rand.New(rand.NewSource(1)))

	now := time.Unix(1000, 0)
	if err := g.Run(s, now, our); err != nil {
		t.Fatal(err)
	}
	if g.ourDp(s) != nil {
		t.Fatalf("expected creation to wait for the 2*flooding_delay timer")
	}
	now = now.Add(3 * time.Second)
	if err := g.Run(s, now, our); err != nil {
		t.Fatal(err)
	}
	dp := g.ourDp(s)
	if dp == nil {
		t.Fatalf("expected an ipv4 dp to be created once the creation timer elapsed")
	}

	p := dp.Key.Prefix
	if !p.Addr().Is4In6() {
		t.Fatalf("expected dp prefix to be IPv4-mapped, got %s", p)
	}
	if !prefixutil.IsIPv4Mapped(p) {
		t.Fatalf("expected prefixutil.IsIPv4Mapped to recognise %s", p)
	}
	if got, want := p.Bits(), prefixutil.V4MappedMinBits+cfg.IPv4DefaultPrefix.Bits(); got != want {
		t.Fatalf("expected mapped prefix length %d, got %d", want, got)
	}
	if addr4 := p.Addr().As4(); addr4[0] != 10 {
		t.Fatalf("expected the mapped address to embed 10.0.0.0/8, got %s", p)
	}
}

func TestIPv4GeneratorDisabledWithoutUplink(t *testing.T) {
	s := store.New()
	if _, err := s.GetOrCreateIface("eth0"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetInternal("eth0", true); err != nil {
		t.Fatal(err)
	}
	our := rid.ID{0x02}
	cfg := &Config{
		FloodingDelay:      time.Second,
		LocalValid:         time.Hour,
		LocalPreferred:     30 * time.Minute,
		LocalUpdateDelay:   5 * time.Minute,
		IPv4Enabled:        true,
		IPv4UplinkAvailable: false,
		IPv4DefaultPrefix:  netip.MustParsePrefix("10.0.0.0/8"),
	}
	g := NewGenerator(KindIPv4, cfg, &memStorage{}, rand.New(rand.NewSource(1)))

	now := time.Unix(1000, 0).Add(10 * time.Second)
	if err := g.Run(s, now, our); err != nil {
		t.Fatal(err)
	}
	if g.ourDp(s) != nil {
		t.Fatalf("expected no ipv4 dp without an ipv4 uplink")
	}
}
