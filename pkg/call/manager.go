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

package call

import (
	"context"
	"time"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sip-doorbell/pkg/config"
	"github.com/livekit/sip-doorbell/pkg/errors"
	"github.com/livekit/sip-doorbell/pkg/ice"
	"github.com/livekit/sip-doorbell/pkg/loop"
	"github.com/livekit/sip-doorbell/pkg/notify"
)

// CallSession is the manager's view of the owned SIP session.
type CallSession struct {
	ID             string
	Direction      Direction
	State          State
	RemoteIdentity string
	StartedAt      time.Time
	MuteLocal      bool
	MuteRemote     bool

	session  Session
	round    *ice.Round
	attached map[string]struct{}
	talking  bool
	log      logger.Logger
}

// Manager owns the user agent and at most one call session. All methods must be
// called on the event loop.
type Manager struct {
	conf     *config.Config
	log      logger.Logger
	sched    loop.Scheduler
	tr       Transport
	sink     Sink
	notifier notify.Notifier
	mon      Monitor
	policy   ice.Policy
	streams  *streamWrapper

	cur         *CallSession
	wsConnected bool
	registered  bool
}

type ManagerParams struct {
	Config    *config.Config
	Log       logger.Logger
	Scheduler loop.Scheduler
	Transport Transport
	Sink      Sink
	Notifier  notify.Notifier
	Monitor   Monitor
}

func NewManager(p ManagerParams) *Manager {
	if p.Log == nil {
		p.Log = logger.GetLogger()
	}
	if p.Monitor == nil {
		p.Monitor = nopMonitor{}
	}
	if p.Notifier == nil {
		p.Notifier = notify.NotifierFunc(func(notify.Notification) {})
	}
	m := &Manager{
		conf:     p.Config,
		log:      p.Log,
		sched:    p.Scheduler,
		tr:       p.Transport,
		sink:     p.Sink,
		notifier: p.Notifier,
		mon:      p.Monitor,
		policy: ice.Policy{
			Short: p.Config.IceTimeout,
			Long:  p.Config.IceLongTimeout,
		},
		streams: newStreamWrapper(),
	}
	return m
}

// Start registers the user agent.
func (m *Manager) Start(ctx context.Context) error {
	return m.tr.Register(ctx)
}

// Active returns a snapshot of the owned session.
func (m *Manager) Active() (CallSession, bool) {
	if m.cur == nil {
		return CallSession{}, false
	}
	return *m.cur, true
}

func (m *Manager) InCall() bool {
	return m.cur != nil
}

func (m *Manager) WSConnected() bool {
	return m.wsConnected
}

func (m *Manager) Registered() bool {
	return m.registered
}

func (m *Manager) callOptions() CallOptions {
	return CallOptions{
		Audio:              true,
		Video:              false,
		ICEServers:         m.conf.ICEServers(),
		ICETransportPolicy: "all",
		RTCPMuxPolicy:      "require",
	}
}

// PlaceCall dials destination, an extension on the configured domain or a full SIP URI.
func (m *Manager) PlaceCall(ctx context.Context, destination string) error {
	if m.cur != nil {
		return errors.ErrCallInProgress
	}
	uri := m.conf.CallURI(destination)
	m.log.Infow("placing call", "uri", uri)
	m.notifier.Notify(notify.Bool(notify.CallLoading, true))

	sess, err := m.tr.Call(ctx, uri, m.callOptions())
	if err != nil {
		m.log.Warnw("could not place call", err, "uri", uri)
		m.notifier.Notify(notify.Bool(notify.CallLoading, false))
		return err
	}
	s := m.adopt(sess, Outgoing)
	// Outbound sessions expose their connection right away; the ready event may never come.
	m.attach(s, sess.Connection())
	return nil
}

// Answer accepts the ringing incoming session.
func (m *Manager) Answer() error {
	s := m.cur
	if s == nil {
		return errors.ErrNoSession
	}
	if s.Direction != Incoming || s.State != StateRinging {
		s.log.Debugw("ignoring answer", "state", s.State)
		return nil
	}
	s.log.Infow("answering call")
	m.notifier.Notify(notify.Bool(notify.CallLoading, true))
	m.transition(s, StateNegotiating)
	if err := s.session.Answer(m.callOptions()); err != nil {
		m.finish(s, StateFailed, OriginatorLocal, CauseWebRTCError, err)
		return err
	}
	return nil
}

// EndCall terminates the owned session. It is a no-op without one.
func (m *Manager) EndCall() {
	s := m.cur
	if s == nil {
		return
	}
	s.log.Infow("ending call")
	if err := s.session.Terminate(); err != nil {
		s.log.Warnw("terminate failed", err)
	}
	m.finish(s, StateEnded, OriginatorLocal, CauseTerminated, nil)
}

func (m *Manager) SetMicrophoneMuted(muted bool) {
	s := m.cur
	if s == nil {
		return
	}
	s.MuteLocal = muted
	s.session.Mute(muted)
}

func (m *Manager) SetPlaybackMuted(muted bool) {
	s := m.cur
	if s == nil {
		return
	}
	s.MuteRemote = muted
	m.sink.SetMuted(muted)
}

// PlaybackProgress is reported by the sink once remote audio is actually playing.
func (m *Manager) PlaybackProgress() {
	s := m.cur
	if s == nil || s.talking {
		return
	}
	s.talking = true
	m.notifier.Notify(notify.Bool(notify.CallLoading, false))
	m.notifier.Notify(notify.Bool(notify.Talking, true))
}

// HandleEvent applies a transport event.
func (m *Manager) HandleEvent(ev Event) {
	switch ev.Kind {
	case EventConnected:
		m.wsConnected = true
		m.notifier.Notify(notify.Bool(notify.WSConnected, true))
		return
	case EventDisconnected:
		m.wsConnected = false
		m.registered = false
		m.notifier.Notify(notify.Bool(notify.WSConnected, false))
		return
	case EventRegistered:
		m.registered = true
		m.log.Infow("registered")
		return
	case EventRegistrationFailed:
		m.registered = false
		m.log.Warnw("registration failed", ev.Err, "cause", ev.Cause)
		return
	case EventSessionInvited:
		m.onInvite(ev)
		return
	}

	s := m.sessionFor(ev)
	if s == nil {
		m.log.Debugw("ignoring event for inactive session", "event", ev)
		return
	}

	switch ev.Kind {
	case EventAccepted:
		m.transition(s, StateNegotiating)
	case EventConfirmed:
		m.transition(s, StateActive)
	case EventPeerConnectionReady:
		m.transition(s, StateNegotiating)
		m.attach(s, ev.Conn)
	case EventICECandidate:
		if ev.Candidate == nil {
			return
		}
		m.transition(s, StateNegotiating)
		s.round.OnCandidate(ev.Candidate.Type, ev.Candidate.Ready)
	case EventMediaGetFailed:
		m.negotiationFailed(s, errors.StageGetMedia, ev)
	case EventOfferCreateFailed:
		m.negotiationFailed(s, errors.StageCreateOffer, ev)
	case EventAnswerCreateFailed:
		m.negotiationFailed(s, errors.StageCreateAnswer, ev)
	case EventLocalDescriptionSetFailed:
		m.negotiationFailed(s, errors.StageSetLocalDesc, ev)
	case EventRemoteDescriptionSetFailed:
		m.negotiationFailed(s, errors.StageSetRemoteDesc, ev)
	case EventFailed:
		m.finish(s, StateFailed, ev.Originator, ev.Cause, ev.Err)
	case EventEnded:
		m.finish(s, StateEnded, ev.Originator, ev.Cause, ev.Err)
	}
}

func (m *Manager) sessionFor(ev Event) *CallSession {
	if m.cur == nil || ev.Session == nil || ev.Session.ID() != m.cur.ID {
		return nil
	}
	return m.cur
}

func (m *Manager) onInvite(ev Event) {
	sess := ev.Session
	if sess == nil {
		return
	}
	if m.cur != nil {
		if m.cur.ID == sess.ID() {
			return
		}
		m.log.Infow("rejecting session, already in a call", "callID", sess.ID(), "from", sess.RemoteIdentity())
		m.mon.InviteRejected("busy")
		if err := sess.Terminate(); err != nil {
			m.log.Warnw("could not terminate busy session", err, "callID", sess.ID())
		}
		return
	}
	s := m.adopt(sess, sess.Direction())
	if s.Direction == Outgoing {
		m.attach(s, sess.Connection())
	}
	if s.Direction == Incoming && m.conf.AutoAnswer {
		_ = m.Answer()
	}
}

func (m *Manager) adopt(sess Session, dir Direction) *CallSession {
	log := m.log.WithValues("callID", sess.ID(), "dir", dir.String(), "remote", sess.RemoteIdentity())
	s := &CallSession{
		ID:             sess.ID(),
		Direction:      dir,
		State:          StateRinging,
		RemoteIdentity: sess.RemoteIdentity(),
		StartedAt:      m.sched.Now(),
		session:        sess,
		attached:       make(map[string]struct{}),
		log:            log,
	}
	s.round = ice.NewRound(m.sched, m.policy, log)
	s.round.OnDone(func(o ice.Outcome) {
		m.mon.IceRound(o.String())
	})
	m.cur = s
	log.Infow("new call session")
	return s
}

// attach subscribes to the connection once per session.
func (m *Manager) attach(s *CallSession, conn PeerConnection) {
	if conn == nil {
		return
	}
	if _, ok := s.attached[conn.ID()]; ok {
		return
	}
	s.attached[conn.ID()] = struct{}{}
	s.log.Debugw("attaching to peer connection", "conn", conn.ID())
	conn.AddListener(&connListener{m: m, s: s})
}

func (m *Manager) transition(s *CallSession, to State) {
	from := s.State
	switch to {
	case StateNegotiating:
		if from != StateRinging {
			return
		}
	case StateActive:
		if from != StateRinging && from != StateNegotiating {
			return
		}
		m.mon.CallStarted(s.Direction)
	}
	s.State = to
	s.log.Debugw("call state changed", "from", from, "to", to)
}

func (m *Manager) negotiationFailed(s *CallSession, stage errors.NegotiationStage, ev Event) {
	err := errors.NewNegotiationError(stage, ev.Err)
	s.log.Errorw("media negotiation failed", err)
	m.finish(s, StateFailed, OriginatorLocal, CauseWebRTCError, err)
}

// finish moves the session to a terminal state exactly once and releases it.
func (m *Manager) finish(s *CallSession, state State, orig Originator, cause string, err error) {
	if m.cur != s {
		return
	}
	// only ringing and negotiating sessions can fail
	if state == StateFailed && s.State == StateActive {
		state = StateEnded
	}
	s.State = state
	s.round.Close()
	m.cur = nil
	if state == StateFailed {
		s.log.Warnw("call failed", err, "originator", orig, "cause", cause)
	} else {
		s.log.Infow("call ended", "originator", orig, "cause", cause, "duration", m.sched.Now().Sub(s.StartedAt))
	}
	m.mon.CallEnded(s.Direction, state, cause)
	if m.sink.Source() != nil {
		m.sink.SetSource(nil)
	}
	m.streams.Reset()
	m.notifier.Notify(notify.Bool(notify.CallLoading, false))
	m.notifier.Notify(notify.Bool(notify.Talking, false))
}

func (m *Manager) onTrack(s *CallSession, t Track) {
	if m.cur != s {
		return
	}
	if t.Kind() != "audio" {
		s.log.Debugw("ignoring remote track", "kind", t.Kind(), "track", t.ID())
		return
	}
	stream, added := m.streams.Wrap(t)
	if m.sink.Source() == stream {
		if added {
			// start recording the track that joined the playing stream
			if err := m.sink.Play(); err != nil {
				s.log.Warnw("could not play added track", err, "track", t.ID())
			}
		}
		return
	}
	s.log.Infow("routing remote audio", "stream", stream.ID, "track", t.ID())
	m.sink.SetSource(nil)
	m.sink.SetSource(stream)
	m.sink.SetMuted(s.MuteRemote)
	if err := m.sink.Play(); err != nil {
		s.log.Warnw("could not start call audio playback", err)
	}
}

type connListener struct {
	m *Manager
	s *CallSession
}

func (l *connListener) OnTrack(t Track) {
	l.m.onTrack(l.s, t)
}

func (l *connListener) OnGatheringState(state string) {
	if l.m.cur != l.s {
		return
	}
	l.s.round.OnGatheringState(state)
}
