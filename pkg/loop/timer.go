// Copyright 2025 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package loop

import (
	"time"
)

// Timer is a single-purpose timer owned by the loop. Reset always cancels the
// previous schedule, and a fire that was already queued when the timer got
// cancelled or re-armed is dropped.
type Timer struct {
	s        Scheduler
	stop     func() bool
	gen      uint64
	deadline time.Time
}

func NewTimer(s Scheduler) *Timer {
	return &Timer{s: s}
}

// Reset cancels any pending fire and schedules fn after d.
func (t *Timer) Reset(d time.Duration, fn func()) {
	t.Stop()
	if d < 0 {
		d = 0
	}
	t.gen++
	gen := t.gen
	t.deadline = t.s.Now().Add(d)
	t.stop = t.s.AfterFunc(d, func() {
		if gen != t.gen || t.stop == nil {
			return
		}
		t.stop = nil
		fn()
	})
}

// Stop cancels the pending fire. It reports whether the timer was active.
func (t *Timer) Stop() bool {
	if t.stop == nil {
		return false
	}
	t.stop()
	t.stop = nil
	t.gen++
	return true
}

func (t *Timer) Active() bool {
	return t.stop != nil
}

// Deadline returns the time of the pending fire, zero if inactive.
func (t *Timer) Deadline() time.Time {
	if t.stop == nil {
		return time.Time{}
	}
	return t.deadline
}
