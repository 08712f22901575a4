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

// Package paaerr holds the error taxonomy from spec.md §7. None of these
// are fatal to the daemon; the kernel always converges by re-running.
package paaerr

import "errors"

var (
	// ErrAllocation is returned by a store mutator when it cannot
	// allocate the new entity; the store is left unchanged.
	ErrAllocation = errors.New("paa: allocation failed")

	// ErrNameTooLong rejects interface creation with an over-long name.
	ErrNameTooLong = errors.New("paa: interface name too long")

	// ErrBadArgument covers a peer DP update with no RID, or a
	// mis-sized RID.
	ErrBadArgument = errors.New("paa: bad argument")

	// ErrSearchExhausted is logged (not propagated) when random
	// sub-prefix selection exceeds PrefixSearchMaxRounds; the pass
	// abstains from assignment this round.
	ErrSearchExhausted = errors.New("paa: prefix search exhausted")

	// ErrExcludedContainsDP is logged when a DP's excluded sub-prefix
	// contains the whole DP, making it unusable for assignment this
	// pass.
	ErrExcludedContainsDP = errors.New("paa: excluded range contains delegated prefix")
)
