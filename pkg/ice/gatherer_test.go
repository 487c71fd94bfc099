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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sip-doorbell/pkg/loop/looptest"
)

func newTestRound(t *testing.T) (*looptest.Scheduler, *Round, *[]Outcome) {
	s := looptest.New()
	r := NewRound(s, DefaultPolicy(), logger.GetLogger())
	var outcomes []Outcome
	r.OnDone(func(o Outcome) { outcomes = append(outcomes, o) })
	return s, r, &outcomes
}

func TestClassify(t *testing.T) {
	require.Equal(t, ClassNone, Classify("host"))
	require.Equal(t, ClassReflexive, Classify("srflx"))
	require.Equal(t, ClassReflexive, Classify("prflx"))
	require.Equal(t, ClassRelay, Classify("relay"))
}

func TestRoundShortTimeout(t *testing.T) {
	s, r, outcomes := newTestRound(t)
	ready := 0
	r.OnCandidate("host", func() { ready++ })
	r.OnCandidate("srflx", func() { ready++ })
	r.OnCandidate("relay", func() { ready++ })

	s.Advance(499 * time.Millisecond)
	require.Zero(t, ready)
	s.Advance(time.Millisecond)
	require.Equal(t, 1, ready)
	require.Equal(t, []Outcome{OutcomeShortTimeout}, *outcomes)
	require.True(t, r.Finished())

	// late candidates do not signal again
	r.OnCandidate("relay", func() { ready++ })
	s.Advance(10 * time.Second)
	require.Equal(t, 1, ready)
}

func TestRoundLongTimeout(t *testing.T) {
	for _, typ := range []string{"host", "srflx", "relay"} {
		t.Run(typ, func(t *testing.T) {
			s, r, outcomes := newTestRound(t)
			ready := 0
			r.OnCandidate(typ, func() { ready++ })
			s.Advance(4999 * time.Millisecond)
			require.Zero(t, ready)
			s.Advance(time.Millisecond)
			require.Equal(t, 1, ready)
			require.Equal(t, []Outcome{OutcomeLongTimeout}, *outcomes)
		})
	}
}

func TestRoundRearm(t *testing.T) {
	s, r, _ := newTestRound(t)
	ready := 0
	r.OnCandidate("host", func() { ready++ })
	s.Advance(4 * time.Second)
	r.OnCandidate("srflx", func() { ready++ })
	s.Advance(4 * time.Second)
	require.Zero(t, ready)
	// relay arrives: switches to the short deadline measured from now
	r.OnCandidate("relay", func() { ready++ })
	require.Equal(t, 1, s.Pending())
	s.Advance(500 * time.Millisecond)
	require.Equal(t, 1, ready)
	require.Zero(t, s.Pending())
}

func TestRoundComplete(t *testing.T) {
	s, r, outcomes := newTestRound(t)
	ready := 0
	r.OnCandidate("host", func() { ready++ })
	r.OnGatheringState("gathering")
	require.True(t, r.Pending())
	r.OnGatheringState(GatheringComplete)
	require.False(t, r.Pending())
	s.Advance(10 * time.Second)
	require.Zero(t, ready)
	require.Equal(t, []Outcome{OutcomeComplete}, *outcomes)
}

func TestRoundClose(t *testing.T) {
	s, r, outcomes := newTestRound(t)
	ready := 0
	r.OnCandidate("relay", func() { ready++ })
	r.Close()
	r.Close()
	s.Advance(10 * time.Second)
	require.Zero(t, ready)
	require.Equal(t, []Outcome{OutcomeClosed}, *outcomes)
}

func TestPolicyTunable(t *testing.T) {
	s := looptest.New()
	r := NewRound(s, Policy{Short: 100 * time.Millisecond, Long: time.Second}, nil)
	ready := false
	r.OnCandidate("srflx", nil)
	r.OnCandidate("relay", func() { ready = true })
	s.Advance(100 * time.Millisecond)
	require.True(t, ready)
}
