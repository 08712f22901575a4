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

// Package prefixutil holds the pure prefix-arithmetic functions the
// reconciliation kernel is built on: containment, ordering, sub-prefix
// selection, and IPv4/ULA classification. Kept dependency-free and
// side-effect-free so the kernel's harder logic can be tested against it
// in isolation, the same separation the teacher draws between
// internal/prefix's subnet/addressrange math and its receivers.
package prefixutil

import (
	"fmt"
	"math/big"
	"math/rand"
	"net/netip"
)

// V4MappedMinBits is the minimum prefix length at which an IPv4 prefix,
// encoded as an IPv4-mapped IPv6 prefix, may live (spec.md §3).
const V4MappedMinBits = 96

// Contains reports whether outer fully contains inner (inner's address
// range is a subset of outer's, inclusive of outer itself).
func Contains(outer, inner netip.Prefix) bool {
	if !outer.IsValid() || !inner.IsValid() {
		return false
	}
	if outer.Bits() > inner.Bits() {
		return false
	}
	return outer.Contains(inner.Addr()) || outer.Addr() == inner.Addr()
}

// Equal reports exact prefix equality (address and length).
func Equal(a, b netip.Prefix) bool {
	return a == b
}

// Less orders prefixes by address then by length, ascending. Used to keep
// entity-store iteration order deterministic.
func Less(a, b netip.Prefix) bool {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c < 0
	}
	return a.Bits() < b.Bits()
}

// IsULA reports whether p falls within fc00::/7.
func IsULA(p netip.Prefix) bool {
	if !p.Addr().Is6() || p.Addr().Is4In6() {
		return false
	}
	ula := netip.MustParsePrefix("fc00::/7")
	return ula.Contains(p.Addr())
}

// IsIPv4Mapped reports whether p is an IPv4 prefix encoded as an
// IPv4-mapped IPv6 prefix (spec.md §3: "IPv4 is encoded as an IPv4-mapped
// IPv6 prefix with length >= 96").
func IsIPv4Mapped(p netip.Prefix) bool {
	return p.Addr().Is4In6() && p.Bits() >= V4MappedMinBits
}

// MapIPv4 encodes a native IPv4 prefix as the IPv4-mapped IPv6 prefix
// spec.md §3 requires every IPv4 prefix to be carried as: address
// ::ffff:a.b.c.d, length V4MappedMinBits+p.Bits(). Every component
// downstream of the local-prefix generators (the kernel's targetBits,
// prefixutil's own IsIPv4Mapped classifier, random sub-prefix search)
// assumes this encoding, so the generator must produce it rather than a
// bare netip.Prefix built from a native IPv4 address.
func MapIPv4(p netip.Prefix) (netip.Prefix, error) {
	if !p.IsValid() || !p.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("prefixutil: %s is not a native IPv4 prefix", p)
	}
	v4 := p.Addr().As4()
	var b [16]byte
	b[10], b[11] = 0xff, 0xff
	copy(b[12:], v4[:])
	mapped := netip.AddrFrom16(b)
	return mapped.Prefix(V4MappedMinBits + p.Bits())
}

// LastAddress returns the final address covered by p.
func LastAddress(p netip.Prefix) netip.Addr {
	bits := p.Addr().BitLen()
	hostBits := bits - p.Bits()
	base := addrToInt(p.Addr())
	if hostBits > 0 {
		mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), uint(hostBits)), big.NewInt(1))
		base.Or(base, mask)
	}
	return intToAddr(base, bits)
}

// IncrementWithinParent returns the sub-prefix of length bits that follows
// p (also of length bits) within parent, wrapping to the first sub-prefix
// of parent if p is the last one. Used by the random-search loop to walk
// the candidate space without leaving the delegated prefix.
func IncrementWithinParent(parent, p netip.Prefix, bits int) (netip.Prefix, error) {
	if bits < parent.Bits() {
		return netip.Prefix{}, fmt.Errorf("prefixutil: target length %d shorter than parent %d", bits, parent.Bits())
	}
	step := new(big.Int).Lsh(big.NewInt(1), uint(p.Addr().BitLen()-bits))
	next := new(big.Int).Add(addrToInt(p.Addr()), step)

	parentBase := addrToInt(parent.Addr())
	parentSize := new(big.Int).Lsh(big.NewInt(1), uint(parent.Addr().BitLen()-parent.Bits()))
	parentEnd := new(big.Int).Add(parentBase, parentSize)

	if next.Cmp(parentEnd) >= 0 {
		next = new(big.Int).Set(parentBase)
	}
	addr := intToAddr(next, p.Addr().BitLen())
	return addr.Prefix(bits)
}

// RandomSubPrefix draws a random sub-prefix of length bits within parent.
// A zero offset is re-drawn, so when bits is longer than parent's length
// the first sub-prefix of parent is never returned.
func RandomSubPrefix(parent netip.Prefix, bits int, r *rand.Rand) (netip.Prefix, error) {
	if bits < parent.Bits() {
		return netip.Prefix{}, fmt.Errorf("prefixutil: target length %d shorter than parent %d", bits, parent.Bits())
	}
	totalBits := parent.Addr().BitLen()
	freeBits := bits - parent.Bits()
	if freeBits <= 0 {
		return parent.Addr().Prefix(bits)
	}

	base := addrToInt(parent.Addr())
	offset := new(big.Int)
	for offset.BitLen() == 0 && freeBits > 0 {
		buf := make([]byte, (freeBits+7)/8)
		if r == nil {
			r = rand.New(rand.NewSource(1))
		}
		r.Read(buf)
		offset.SetBytes(buf)
		mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), uint(freeBits)), big.NewInt(1))
		offset.And(offset, mask)
		if offset.Sign() != 0 || freeBits == 0 {
			break
		}
	}
	offset.Lsh(offset, uint(totalBits-bits))
	addrInt := new(big.Int).Add(base, offset)
	addr := intToAddr(addrInt, totalBits)
	return addr.Prefix(bits)
}

func addrToInt(a netip.Addr) *big.Int {
	b := a.AsSlice()
	return new(big.Int).SetBytes(b)
}

func intToAddr(i *big.Int, bitLen int) netip.Addr {
	byteLen := bitLen / 8
	buf := i.FillBytes(make([]byte, byteLen))
	if byteLen == 4 {
		var a [4]byte
		copy(a[:], buf)
		return netip.AddrFrom4(a)
	}
	var a [16]byte
	copy(a[:], buf)
	return netip.AddrFrom16(a)
}
