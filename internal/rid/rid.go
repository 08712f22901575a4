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

// Package rid implements the totally-ordered router identifier used to
// break every tie in the prefix assignment algorithm.
package rid

import (
	"bytes"
	"fmt"
)

// Len is the fixed width of a router id, in octets.
const Len = 16

// ID is an opaque, fixed-width router identifier. Peers carry theirs in
// every advertised entity; this router holds exactly one.
type ID [Len]byte

// Compare returns -1, 0 or 1 as a is less than, equal to, or greater than
// b, using unsigned lexicographic comparison of the underlying octets.
func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

// Greater reports whether a sorts strictly after b.
func Greater(a, b ID) bool {
	return Compare(a, b) > 0
}

// Zero reports whether id is the all-zero id (used as a sentinel for "no
// id yet" in places that cannot use a pointer).
func (id ID) Zero() bool {
	return id == ID{}
}

// String renders the id as four colon-separated hex groups, mirroring the
// original implementation's PA_RID_L log format.
func (id ID) String() string {
	return fmt.Sprintf("%02x%02x%02x%02x:%02x%02x%02x%02x:%02x%02x%02x%02x:%02x%02x%02x%02x",
		id[0], id[1], id[2], id[3],
		id[4], id[5], id[6], id[7],
		id[8], id[9], id[10], id[11],
		id[12], id[13], id[14], id[15])
}

// FromBytes builds an ID from a byte slice, rejecting anything that is not
// exactly Len bytes long (the "mis-sized RID" bad-argument case).
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Len {
		return id, fmt.Errorf("rid: expected %d bytes, got %d", Len, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Max returns the greater of a and b.
func Max(a, b ID) ID {
	if Greater(a, b) {
		return a
	}
	return b
}
