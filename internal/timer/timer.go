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

// Package timer implements the per-Lap delayed-action timer (spec.md
// §4.2): each Lap carries up to three future transitions (assign, flood,
// delete); a single coalesced wake-up fires the earliest pending one.
package timer

import (
	"net/netip"
	"time"

	"github.com/prefixassign/paad/internal/store"
)

// EventKind names which delayed transition fired.
type EventKind int

const (
	EventAssigned EventKind = iota
	EventFlooded
	EventDeleted
)

// Event reports a transition the timer applied when it fired, so the
// caller can translate it into the appropriate flood/iface sink call.
type Event struct {
	Kind   EventKind
	Prefix netip.Prefix
	Iface  string
	Value  bool
}

// ScheduleAssign arms (or updates) a Lap's assign_at deadline, honouring
// the "not if later and equal" rule from spec.md §4.2: if a pending
// deadline already targets the same value, a later request is ignored.
func ScheduleAssign(l *store.Lap, at time.Time, value bool) {
	if l.AssignAt != nil && l.AssignAt.Value == value && !at.Before(l.AssignAt.At) {
		return
	}
	l.AssignAt = &store.DelayedTarget{At: at, Value: value}
}

// ScheduleFlood arms (or updates) a Lap's flood_at deadline under the
// same "not if later and equal" rule.
func ScheduleFlood(l *store.Lap, at time.Time, value bool) {
	if l.FloodAt != nil && l.FloodAt.Value == value && !at.Before(l.FloodAt.At) {
		return
	}
	l.FloodAt = &store.DelayedTarget{At: at, Value: value}
}

// ScheduleDelete arms (or updates, always to the earlier time) a Lap's
// delete_at deadline.
func ScheduleDelete(l *store.Lap, at time.Time) {
	if l.DeleteAt != nil && !at.Before(*l.DeleteAt) {
		return
	}
	d := at
	l.DeleteAt = &d
}

// NextWake returns the earliest pending deadline across every Lap in s.
func NextWake(s *store.Store) (time.Time, bool) {
	var best time.Time
	found := false
	for _, l := range s.Laps() {
		t, ok := l.NextWake()
		if !ok {
			continue
		}
		if !found || t.Before(best) {
			best = t
			found = true
		}
	}
	return best, found
}

// Fire consumes every deadline at or before now, applying its effect to
// the store and returning the events the caller should publish. A Lap
// whose delete_at deadline fires is destroyed and removed from further
// consideration in this call.
func Fire(s *store.Store, now time.Time) []Event {
	var events []Event
	for _, l := range s.Laps() {
		if l.DeleteAt != nil && !now.Before(*l.DeleteAt) {
			prefix, ifname := l.Prefix, l.Iface
			s.DeleteLap(prefix)
			events = append(events, Event{Kind: EventDeleted, Prefix: prefix, Iface: ifname})
			continue
		}
		if l.AssignAt != nil && !now.Before(l.AssignAt.At) {
			value := l.AssignAt.Value
			if l.Assigned != value {
				s.SetLapAssigned(l.Prefix, value)
				events = append(events, Event{Kind: EventAssigned, Prefix: l.Prefix, Iface: l.Iface, Value: value})
			} else {
				s.SetLapAssigned(l.Prefix, value)
			}
		}
		if l.FloodAt != nil && !now.Before(l.FloodAt.At) {
			value := l.FloodAt.Value
			if l.Flooded != value {
				s.SetLapFlooded(l.Prefix, value)
				events = append(events, Event{Kind: EventFlooded, Prefix: l.Prefix, Iface: l.Iface, Value: value})
			} else {
				s.SetLapFlooded(l.Prefix, value)
			}
		}
	}
	return events
}
