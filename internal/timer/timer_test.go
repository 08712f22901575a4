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

package timer

import (
	"net/netip"
	"testing"
	"time"

	"github.com/prefixassign/paad/internal/store"
)

func setup(t *testing.T) (*store.Store, netip.Prefix) {
	t.Helper()
	s := store.New()
	key := store.DPKey{Prefix: netip.MustParsePrefix("2001:db8::/40"), Owner: store.LocalOwner()}
	if _, err := s.GetOrCreateDp(key); err != nil {
		t.Fatal(err)
	}
	p := netip.MustParsePrefix("2001:db8:0:1::/64")
	if _, err := s.CreateLap(p, "eth0", key); err != nil {
		t.Fatal(err)
	}
	return s, p
}

func TestFireAppliesDueAssign(t *testing.T) {
	s, p := setup(t)
	lap, _ := s.GetLap(p)
	base := time.Unix(1000, 0)
	ScheduleAssign(lap, base, true)

	events := Fire(s, base.Add(-time.Second))
	if len(events) != 0 {
		t.Fatalf("expected no events before deadline, got %v", events)
	}
	events = Fire(s, base)
	if len(events) != 1 || events[0].Kind != EventAssigned || !events[0].Value {
		t.Fatalf("expected one assigned=true event, got %v", events)
	}
	lap, _ = s.GetLap(p)
	if !lap.Assigned || lap.AssignAt != nil {
		t.Fatalf("expected assigned applied and deadline cleared")
	}
}

func TestNotIfLaterAndEqualIgnoresLaterSameValue(t *testing.T) {
	s, p := setup(t)
	lap, _ := s.GetLap(p)
	base := time.Unix(1000, 0)
	ScheduleAssign(lap, base, true)
	ScheduleAssign(lap, base.Add(time.Hour), true)
	if lap.AssignAt.At != base {
		t.Fatalf("expected later same-value request to be ignored, deadline now %v", lap.AssignAt.At)
	}
}

func TestScheduleOverridesDifferentValue(t *testing.T) {
	s, p := setup(t)
	lap, _ := s.GetLap(p)
	base := time.Unix(1000, 0)
	ScheduleAssign(lap, base, true)
	ScheduleAssign(lap, base.Add(time.Hour), false)
	if lap.AssignAt.Value != false || lap.AssignAt.At != base.Add(time.Hour) {
		t.Fatalf("expected override to a different value to take effect, got %+v", lap.AssignAt)
	}
}

func TestDirectMutationClearsDeadline(t *testing.T) {
	s, p := setup(t)
	lap, _ := s.GetLap(p)
	ScheduleAssign(lap, time.Unix(1000, 0), true)
	s.SetLapAssigned(p, true)
	if lap.AssignAt != nil {
		t.Fatalf("expected direct mutation to clear the pending deadline")
	}
}

func TestFireDeletesDueLap(t *testing.T) {
	s, p := setup(t)
	lap, _ := s.GetLap(p)
	base := time.Unix(1000, 0)
	ScheduleDelete(lap, base)
	events := Fire(s, base)
	if len(events) != 1 || events[0].Kind != EventDeleted {
		t.Fatalf("expected a delete event, got %v", events)
	}
	if _, ok := s.GetLap(p); ok {
		t.Fatalf("expected lap to be gone")
	}
}

func TestNextWakeIsEarliestDeadline(t *testing.T) {
	s, p := setup(t)
	lap, _ := s.GetLap(p)
	early := time.Unix(1000, 0)
	late := time.Unix(2000, 0)
	ScheduleFlood(lap, late, true)
	ScheduleAssign(lap, early, true)
	got, ok := NextWake(s)
	if !ok || got != early {
		t.Fatalf("expected next wake %v, got %v (ok=%v)", early, got, ok)
	}
}
