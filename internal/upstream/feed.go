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

package upstream

import (
	"context"
	"net/netip"
	"sync"
)

// Feed merges any number of Receivers into a single PrefixEvent stream.
// It generalises the teacher's CompositeReceiver (which only ever merged
// exactly two: DHCPv6-PD primary, RA fallback) to "merge every configured
// acquisition method", since SPEC_FULL.md allows an arbitrary number of
// internal ifaces each running their own receiver.
type Feed struct {
	mu        sync.RWMutex
	receivers []Receiver
	events    chan PrefixEvent
	started   bool
	cancel    context.CancelFunc
}

func NewFeed(receivers ...Receiver) *Feed {
	return &Feed{
		receivers: receivers,
		events:    make(chan PrefixEvent, 16*len(receivers)+1),
	}
}

// Start starts every receiver and launches one forwarding goroutine per
// receiver; each only ever writes to f.events, never touching the entity
// store itself.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	started := make([]Receiver, 0, len(f.receivers))
	for _, r := range f.receivers {
		if err := r.Start(runCtx); err != nil {
			for _, s := range started {
				_ = s.Stop()
			}
			cancel()
			return err
		}
		started = append(started, r)
	}

	f.cancel = cancel
	f.started = true

	var wg sync.WaitGroup
	for _, r := range f.receivers {
		wg.Add(1)
		go func(r Receiver) {
			defer wg.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case ev, ok := <-r.Events():
					if !ok {
						return
					}
					select {
					case f.events <- ev:
					case <-runCtx.Done():
						return
					}
				}
			}
		}(r)
	}
	go func() {
		wg.Wait()
	}()

	return nil
}

func (f *Feed) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.started {
		return nil
	}
	f.started = false
	f.cancel()
	var firstErr error
	for _, r := range f.receivers {
		if err := r.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *Feed) Events() <-chan PrefixEvent { return f.events }

// CurrentPrefix prefers the first receiver (by construction order) that
// has one, matching the teacher's primary-then-fallback preference.
func (f *Feed) CurrentPrefix() (netip.Prefix, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, r := range f.receivers {
		if p, ok := r.CurrentPrefix(); ok {
			return p, ok
		}
	}
	return netip.Prefix{}, false
}
