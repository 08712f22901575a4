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

package scheduler

import (
	"net/netip"
	"testing"
	"time"

	"github.com/prefixassign/paad/internal/store"
)

func TestScheduleIsIdempotentWhilePending(t *testing.T) {
	s := New(10 * time.Millisecond)
	s.Schedule()
	first := s.ShortC()
	s.Schedule()
	second := s.ShortC()
	if first != second {
		t.Fatalf("Schedule() re-armed a timer that was already pending")
	}
}

func TestResetShortClearsChannel(t *testing.T) {
	s := New(10 * time.Millisecond)
	s.Schedule()
	s.ResetShort()
	if s.ShortC() != nil {
		t.Fatalf("ResetShort() left a channel armed")
	}
}

func TestRearmLongTracksEarliestLiveExpiry(t *testing.T) {
	st := store.New()
	now := time.Unix(1_700_000_000, 0)

	dp1 := store.DPKey{Prefix: netip.MustParsePrefix("2001:db8::/40"), Owner: store.LocalOwner()}
	if _, err := st.GetOrCreateDp(dp1); err != nil {
		t.Fatal(err)
	}
	st.SetDpLifetime(dp1, now.Add(time.Hour), now.Add(2*time.Hour))

	dp2 := store.DPKey{Prefix: netip.MustParsePrefix("2001:db9::/40"), Owner: store.LocalOwner()}
	if _, err := st.GetOrCreateDp(dp2); err != nil {
		t.Fatal(err)
	}
	st.SetDpLifetime(dp2, now.Add(30*time.Minute), now.Add(time.Hour))

	sched := New(10 * time.Millisecond)
	sched.RearmLong(st, now)
	if sched.LongC() == nil {
		t.Fatalf("expected long wake-up to be armed")
	}
	if sched.longAt != now.Add(time.Hour) {
		t.Fatalf("expected long wake-up pegged to the earlier dp2 expiry, got %v", sched.longAt)
	}
}

func TestRearmLongDisarmsWhenNoDpsRemain(t *testing.T) {
	st := store.New()
	sched := New(10 * time.Millisecond)
	sched.Schedule()
	sched.RearmLong(st, time.Unix(1_700_000_000, 0))
	if sched.LongC() != nil {
		t.Fatalf("expected no long wake-up with no live DPs")
	}
}
