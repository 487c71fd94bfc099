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

// Package looptest provides a deterministic loop.Scheduler for tests.
package looptest

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/livekit/sip-doorbell/pkg/loop"
)

// Scheduler runs timers only when the test advances time, on the test goroutine.
// Post is safe to call from any goroutine; posted functions run on Drain, Await or Advance.
type Scheduler struct {
	clock *clock.Mock
	start time.Time

	mu     sync.Mutex
	posted []func()
	notify chan struct{}
	seq    uint64
	timers []*timer
}

type timer struct {
	at      time.Time
	seq     uint64
	fn      func()
	stopped bool
}

var _ loop.Scheduler = (*Scheduler)(nil)

func New() *Scheduler {
	m := clock.NewMock()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.Set(start)
	return &Scheduler{
		clock:  m,
		start:  start,
		notify: make(chan struct{}, 1),
	}
}

func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Elapsed returns the virtual time passed since the scheduler was created.
func (s *Scheduler) Elapsed() time.Duration {
	return s.clock.Now().Sub(s.start)
}

func (s *Scheduler) Post(fn func()) {
	s.mu.Lock()
	s.posted = append(s.posted, fn)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) AfterFunc(d time.Duration, fn func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &timer{at: s.clock.Now().Add(d), seq: s.seq, fn: fn}
	s.timers = append(s.timers, t)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if t.stopped {
			return false
		}
		t.stopped = true
		s.removeLocked(t)
		return true
	}
}

func (s *Scheduler) removeLocked(t *timer) {
	for i, v := range s.timers {
		if v == t {
			s.timers = append(s.timers[:i], s.timers[i+1:]...)
			return
		}
	}
}

// Drain runs posted functions until none are left and returns how many ran.
func (s *Scheduler) Drain() int {
	n := 0
	for {
		s.mu.Lock()
		q := s.posted
		s.posted = nil
		s.mu.Unlock()
		if len(q) == 0 {
			return n
		}
		for _, fn := range q {
			fn()
			n++
		}
	}
}

// Await blocks until something is posted from another goroutine, then drains.
func (s *Scheduler) Await(t testing.TB) {
	t.Helper()
	if s.Drain() > 0 {
		return
	}
	select {
	case <-s.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for a posted callback")
	}
	s.Drain()
}

// Until drains posted functions until cond holds, waiting for posts from
// other goroutines in between.
func (s *Scheduler) Until(t testing.TB, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s.Drain()
		if cond() {
			return
		}
		select {
		case <-s.notify:
		case <-deadline:
			t.Fatal("timeout waiting for condition")
		}
	}
}

// Advance moves virtual time forward by d, firing due timers in deadline order.
func (s *Scheduler) Advance(d time.Duration) {
	s.Drain()
	target := s.clock.Now().Add(d)
	for {
		s.mu.Lock()
		sort.Slice(s.timers, func(i, j int) bool {
			if s.timers[i].at.Equal(s.timers[j].at) {
				return s.timers[i].seq < s.timers[j].seq
			}
			return s.timers[i].at.Before(s.timers[j].at)
		})
		if len(s.timers) == 0 || s.timers[0].at.After(target) {
			s.mu.Unlock()
			break
		}
		t := s.timers[0]
		s.timers = s.timers[1:]
		t.stopped = true
		s.mu.Unlock()

		if t.at.After(s.clock.Now()) {
			s.clock.Set(t.at)
		}
		t.fn()
		s.Drain()
	}
	s.clock.Set(target)
}

// Pending returns the number of scheduled timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// NextDeadline returns how long until the earliest timer fires.
func (s *Scheduler) NextDeadline() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return 0, false
	}
	next := s.timers[0].at
	for _, t := range s.timers[1:] {
		if t.at.Before(next) {
			next = t.at
		}
	}
	return next.Sub(s.clock.Now()), true
}
