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

package storage

import "net/netip"

// Memory is a non-persistent stand-in for SQLite, used in tests and by
// daemons started without a storage path.
type Memory struct {
	ula      netip.Prefix
	ulaSet   bool
	prefixes map[string][]netip.Prefix
}

func NewMemory() *Memory {
	return &Memory{prefixes: map[string][]netip.Prefix{}}
}

func (m *Memory) ULAGet() (netip.Prefix, bool, error) {
	return m.ula, m.ulaSet, nil
}

func (m *Memory) ULASet(p netip.Prefix) error {
	m.ula = p
	m.ulaSet = true
	return nil
}

func (m *Memory) PrefixFind(ifname string, fits func(netip.Prefix) bool) (netip.Prefix, bool, error) {
	for _, p := range m.prefixes[ifname] {
		if fits(p) {
			return p, true, nil
		}
	}
	return netip.Prefix{}, false, nil
}

func (m *Memory) PrefixAdd(ifname string, p netip.Prefix) error {
	m.prefixes[ifname] = append(m.prefixes[ifname], p)
	return nil
}
