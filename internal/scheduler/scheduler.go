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

// Package scheduler implements spec.md §4.5's two coalesced wake-ups: a
// short one any mutator arms via Schedule() to request a PAA pass, and a
// long one pegged to the next DP expiry or per-Lap delayed-action deadline,
// whichever is earlier. Both are idempotent within their
// pending interval, matching the teacher's single-merge-goroutine style of
// exposing readiness as a channel (internal/prefix/composite_receiver.go)
// rather than a callback.
package scheduler

import (
	"sync"
	"time"

	"github.com/prefixassign/paad/internal/store"
	"github.com/prefixassign/paad/internal/timer"
)

// Scheduler owns the two wake-up timers. It has no goroutines of its own;
// Engine.Run selects on ShortC()/LongC() directly.
type Scheduler struct {
	mu sync.Mutex

	shortDelay time.Duration
	shortTimer *time.Timer
	shortArmed bool

	longTimer *time.Timer
	longAt    time.Time
	longArmed bool
}

// New constructs a Scheduler whose short wake-up fires shortDelay after
// each Schedule() call (spec.md §4.5 names 10ms).
func New(shortDelay time.Duration) *Scheduler {
	return &Scheduler{shortDelay: shortDelay}
}

// Schedule arms the short wake-up if it is not already pending; repeated
// calls while one is outstanding are no-ops (spec.md §4.5: "schedule() is
// idempotent within a pending interval").
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shortArmed {
		return
	}
	s.shortArmed = true
	s.shortTimer = time.NewTimer(s.shortDelay)
}

// ShortC returns the short wake-up's channel, or nil if none is armed.
// Selecting on a nil channel blocks forever, which is the desired
// behaviour when no pass has been requested.
func (s *Scheduler) ShortC() <-chan time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shortTimer == nil {
		return nil
	}
	return s.shortTimer.C
}

// LongC returns the long wake-up's channel, or nil if neither a DP expiry
// nor a Lap deadline is pending.
func (s *Scheduler) LongC() <-chan time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.longTimer == nil {
		return nil
	}
	return s.longTimer.C
}

// ResetShort clears the short wake-up; Engine.Pass calls this at the start
// of a pass. Any mutation during the pass calls Schedule() again, re-arming
// it.
func (s *Scheduler) ResetShort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shortTimer != nil {
		s.shortTimer.Stop()
	}
	s.shortTimer = nil
	s.shortArmed = false
}

// RearmLong recomputes and arms the long wake-up against the earliest of
// the next still-live DP expiry and the next pending per-Lap delayed
// action (assign_at/flood_at/delete_at), replacing any previously armed
// deadline. Folding the Lap timer in here is what makes it a real
// suspension point instead of dead code: a Lap whose only pending
// transition is its own delayed action still needs a wake-up even when no
// DP expiry is imminent and nothing else armed the short wake-up.
func (s *Scheduler) RearmLong(st *store.Store, now time.Time) {
	at, ok := NextDPExpiry(st)
	if wake, wakeOK := timer.NextWake(st); wakeOK && (!ok || wake.Before(at)) {
		at, ok = wake, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.longTimer != nil {
		s.longTimer.Stop()
		s.longTimer = nil
	}
	s.longArmed = false
	if !ok {
		return
	}
	if !at.After(now) {
		at = now
	}
	s.longAt = at
	s.longArmed = true
	s.longTimer = time.NewTimer(at.Sub(now))
}

// NextDPExpiry returns the earliest ValidUntil across every live
// (non-deletion-marked) Dp in st.
func NextDPExpiry(st *store.Store) (time.Time, bool) {
	var best time.Time
	found := false
	for _, d := range st.Dps() {
		if d.MarkedForDeletion() {
			continue
		}
		if !found || d.ValidUntil.Before(best) {
			best = d.ValidUntil
			found = true
		}
	}
	return best, found
}

// Stop releases both timers; called on Engine shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shortTimer != nil {
		s.shortTimer.Stop()
	}
	if s.longTimer != nil {
		s.longTimer.Stop()
	}
}
