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

package ice

import (
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sip-doorbell/pkg/loop"
)

// Class groups candidate types by the kind of NAT traversal they provide.
type Class int

const (
	ClassNone Class = iota
	ClassReflexive
	ClassRelay
)

func (c Class) String() string {
	switch c {
	case ClassReflexive:
		return "stun"
	case ClassRelay:
		return "turn"
	default:
		return "none"
	}
}

// Classify maps an ICE candidate type (host, srflx, prflx, relay) to its class.
func Classify(typ string) Class {
	switch typ {
	case "srflx", "prflx":
		return ClassReflexive
	case "relay":
		return ClassRelay
	default:
		return ClassNone
	}
}

// Policy chooses how long to wait for more candidates. Once a server reflexive
// and a relay candidate have both been seen the short deadline applies.
type Policy struct {
	Short time.Duration
	Long  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Short: 500 * time.Millisecond,
		Long:  5 * time.Second,
	}
}

func (p Policy) Timeout(haveReflexive, haveRelay bool) time.Duration {
	if haveReflexive && haveRelay {
		return p.Short
	}
	return p.Long
}

type Outcome int

const (
	OutcomeShortTimeout Outcome = iota
	OutcomeLongTimeout
	OutcomeComplete
	OutcomeClosed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeShortTimeout:
		return "short_timeout"
	case OutcomeLongTimeout:
		return "long_timeout"
	case OutcomeComplete:
		return "complete"
	default:
		return "closed"
	}
}

const GatheringComplete = "complete"

// Round tracks candidate gathering for one call attempt. All methods must be
// called on the loop that owns the scheduler.
type Round struct {
	log    logger.Logger
	policy Policy
	timer  *loop.Timer

	haveReflexive bool
	haveRelay     bool
	candidates    int
	ready         func()
	short         bool
	finished      bool

	onDone func(o Outcome)
}

func NewRound(s loop.Scheduler, policy Policy, log logger.Logger) *Round {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Round{
		log:    log,
		policy: policy,
		timer:  loop.NewTimer(s),
	}
}

// OnDone registers a callback invoked once when the round finishes.
func (r *Round) OnDone(fn func(o Outcome)) {
	r.onDone = fn
}

// OnCandidate records a gathered candidate and re-arms the deadline. ready is the
// transport acknowledgment; the most recent one is invoked when the deadline fires.
func (r *Round) OnCandidate(typ string, ready func()) {
	r.candidates++
	switch Classify(typ) {
	case ClassReflexive:
		r.haveReflexive = true
	case ClassRelay:
		r.haveRelay = true
	}
	if r.finished {
		return
	}
	if ready != nil {
		r.ready = ready
	}
	r.short = r.haveReflexive && r.haveRelay
	d := r.policy.Timeout(r.haveReflexive, r.haveRelay)
	r.log.Debugw("ice candidate", "type", typ, "candidates", r.candidates, "timeout", d)
	r.timer.Reset(d, r.expire)
}

// OnGatheringState cancels the deadline once gathering reports complete.
func (r *Round) OnGatheringState(state string) {
	if state != GatheringComplete || r.finished {
		return
	}
	r.timer.Stop()
	r.finish(OutcomeComplete)
}

func (r *Round) expire() {
	if r.finished {
		return
	}
	outcome := OutcomeLongTimeout
	if r.short {
		outcome = OutcomeShortTimeout
	}
	r.log.Debugw("ice gathering deadline reached", "outcome", outcome, "candidates", r.candidates)
	ready := r.ready
	r.finish(outcome)
	if ready != nil {
		ready()
	}
}

func (r *Round) finish(o Outcome) {
	r.finished = true
	r.ready = nil
	if r.onDone != nil {
		r.onDone(o)
	}
}

// Close abandons the round, e.g. when the call ends.
func (r *Round) Close() {
	r.timer.Stop()
	if !r.finished {
		r.finish(OutcomeClosed)
	}
}

func (r *Round) Finished() bool {
	return r.finished
}

func (r *Round) Pending() bool {
	return r.timer.Active()
}

func (r *Round) HaveReflexive() bool {
	return r.haveReflexive
}

func (r *Round) HaveRelay() bool {
	return r.haveRelay
}
