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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/frostbyte73/core"

	"github.com/livekit/protocol/logger"
)

// Scheduler is the execution context shared by all doorbell components.
// Post and AfterFunc callbacks always run on the loop goroutine, one at a time.
type Scheduler interface {
	Now() time.Time
	Post(fn func())
	AfterFunc(d time.Duration, fn func()) (stop func() bool)
}

// Loop is a single-goroutine event loop. Helper goroutines (network reads, dials,
// sink writes) must only hand results back through Post.
type Loop struct {
	log   logger.Logger
	clock clock.Clock

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}

	closed core.Fuse
}

var _ Scheduler = (*Loop)(nil)

func New(log logger.Logger, clk clock.Clock) *Loop {
	if log == nil {
		log = logger.GetLogger()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Loop{
		log:   log,
		clock: clk,
		wake:  make(chan struct{}, 1),
	}
}

func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Post queues fn for execution on the loop. It never blocks and is a no-op after Close.
func (l *Loop) Post(fn func()) {
	if l.closed.IsBroken() {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc posts fn to the loop once d elapses.
func (l *Loop) AfterFunc(d time.Duration, fn func()) func() bool {
	t := l.clock.AfterFunc(d, func() {
		l.Post(fn)
	})
	return t.Stop
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-l.closed.Watch():
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes posted functions until ctx is done or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.mu.Lock()
		q := l.queue
		l.queue = nil
		l.mu.Unlock()
		for _, fn := range q {
			l.exec(fn)
		}
		if len(q) != 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.closed.Watch():
			return nil
		case <-l.wake:
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Errorw("loop callback panicked", fmt.Errorf("%v", r))
		}
	}()
	fn()
}

func (l *Loop) Close() {
	l.closed.Break()
}

func (l *Loop) Closed() <-chan struct{} {
	return l.closed.Watch()
}
