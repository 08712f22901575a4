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

// Package store is the entity store (spec.md §4.1): typed collections of
// Iface, Dp, Eap, Lap with cross-links maintained as invariants. Mirrors
// the teacher's preference for net/netip-native modeling, replacing the
// original implementation's intrusive linked lists (spec.md §9) with
// id-keyed maps and explicit back-reference sets.
package store

import (
	"net/netip"

	"github.com/prefixassign/paad/internal/rid"
)

// Owner identifies who delegated a Dp: either this router ("local") or a
// peer, named by RID.
type Owner struct {
	Local bool
	Peer  rid.ID
}

func LocalOwner() Owner { return Owner{Local: true} }

func PeerOwner(id rid.ID) Owner { return Owner{Peer: id} }

// DPKey is the composite key spec.md §3 assigns to a Dp: (prefix, owner).
type DPKey struct {
	Prefix netip.Prefix
	Owner  Owner
}

// EapKey is the composite key for an externally assigned prefix:
// (prefix, source RID).
type EapKey struct {
	Prefix netip.Prefix
	Source rid.ID
}

// LapKey is the key for a locally assigned prefix: the prefix itself.
type LapKey = netip.Prefix
