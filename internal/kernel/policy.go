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

package kernel

// OwnershipPolicy decides whether this router claims ownership of an
// adopted peer prefix, and whether it should hold back a claim attempt
// when the adopted prefix collides elsewhere. spec.md §9 asks for this as
// a pluggable object with two implementations rather than the source's
// compile-time variant selection.
type OwnershipPolicy interface {
	// ClaimAdopted reports whether to take ownership of an EAP-derived
	// prefix that did not collide.
	ClaimAdopted(linkHighestRid, designated bool) bool

	// WaitForNeigh reports whether to abstain this round when the
	// adopted EAP's prefix did collide elsewhere.
	WaitForNeigh(designated bool) bool

	// Name identifies the variant, for logging.
	Name() string
}

// PfisterPolicy claims ownership of an adopted link when we are both the
// highest-RID router on the link and its designated router; it only
// waits for a neighbour when not designated.
type PfisterPolicy struct{}

func (PfisterPolicy) ClaimAdopted(linkHighestRid, designated bool) bool {
	return linkHighestRid && designated
}

func (PfisterPolicy) WaitForNeigh(designated bool) bool {
	return !designated
}

func (PfisterPolicy) Name() string { return "pfister" }

// ArkkoPolicy never claims an adopted prefix and always waits for a
// neighbour to resolve a collision before trying again.
type ArkkoPolicy struct{}

func (ArkkoPolicy) ClaimAdopted(linkHighestRid, designated bool) bool { return false }

func (ArkkoPolicy) WaitForNeigh(designated bool) bool { return true }

func (ArkkoPolicy) Name() string { return "arkko" }
