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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sip-doorbell/pkg/config"
	"github.com/livekit/sip-doorbell/pkg/errors"
	"github.com/livekit/sip-doorbell/pkg/loop/looptest"
	"github.com/livekit/sip-doorbell/pkg/notify"
)

type testTransport struct {
	handler    EventHandler
	registered int
	calls      []string
	opts       []CallOptions
	next       *testSession
	err        error
}

func (t *testTransport) SetHandler(h EventHandler) { t.handler = h }

func (t *testTransport) Register(ctx context.Context) error {
	t.registered++
	return nil
}

func (t *testTransport) Call(ctx context.Context, uri string, opts CallOptions) (Session, error) {
	if t.err != nil {
		return nil, t.err
	}
	t.calls = append(t.calls, uri)
	t.opts = append(t.opts, opts)
	s := t.next
	if s == nil {
		s = newTestSession("out-1", Outgoing)
	}
	t.next = nil
	return s, nil
}

func (t *testTransport) Close() error { return nil }

type testSession struct {
	id         string
	dir        Direction
	conn       *testConn
	answered   int
	terminated int
	muted      []bool
}

func newTestSession(id string, dir Direction) *testSession {
	s := &testSession{id: id, dir: dir}
	if dir == Outgoing {
		s.conn = &testConn{id: "pc-" + id}
	}
	return s
}

func (s *testSession) ID() string             { return s.id }
func (s *testSession) Direction() Direction   { return s.dir }
func (s *testSession) RemoteIdentity() string { return "door" }

func (s *testSession) Connection() PeerConnection {
	if s.conn == nil {
		return nil
	}
	return s.conn
}

func (s *testSession) Answer(opts CallOptions) error {
	s.answered++
	return nil
}

func (s *testSession) Terminate() error {
	s.terminated++
	return nil
}

func (s *testSession) Mute(muted bool) {
	s.muted = append(s.muted, muted)
}

type testConn struct {
	id        string
	listeners []ConnListener
}

func (c *testConn) ID() string { return c.id }

func (c *testConn) AddListener(l ConnListener) {
	c.listeners = append(c.listeners, l)
}

func (c *testConn) track(t Track) {
	for _, l := range c.listeners {
		l.OnTrack(t)
	}
}

type testTrack struct {
	id, kind, stream string
}

func (t *testTrack) ID() string       { return t.id }
func (t *testTrack) Kind() string     { return t.kind }
func (t *testTrack) StreamID() string { return t.stream }

type testSink struct {
	source  *MediaStream
	history []*MediaStream
	muted   bool
	plays   int
	playErr error
}

func (s *testSink) Source() *MediaStream { return s.source }

func (s *testSink) SetSource(src *MediaStream) {
	s.source = src
	s.history = append(s.history, src)
}

func (s *testSink) Play() error {
	s.plays++
	return s.playErr
}

func (s *testSink) SetMuted(muted bool) { s.muted = muted }

type testMonitor struct {
	started  int
	ended    []string
	rejected int
	ice      []string
}

func (m *testMonitor) CallStarted(dir Direction) { m.started++ }

func (m *testMonitor) CallEnded(dir Direction, state State, cause string) {
	m.ended = append(m.ended, fmt.Sprintf("%s:%s", state, cause))
}

func (m *testMonitor) InviteRejected(reason string) { m.rejected++ }
func (m *testMonitor) IceRound(outcome string)      { m.ice = append(m.ice, outcome) }

type testEnv struct {
	s     *looptest.Scheduler
	tr    *testTransport
	sink  *testSink
	mon   *testMonitor
	notes []notify.Notification
	m     *Manager
}

func newTestEnv(t *testing.T, mod ...func(c *config.Config)) *testEnv {
	conf := &config.Config{
		SipDomain:      "pbx.example.com",
		StunURL:        config.DefaultStunURL,
		TurnURL:        config.DefaultTurnURL,
		TurnUser:       "turn",
		TurnPassword:   "pass",
		IceTimeout:     500 * time.Millisecond,
		IceLongTimeout: 5 * time.Second,
	}
	for _, fn := range mod {
		fn(conf)
	}
	e := &testEnv{
		s:    looptest.New(),
		tr:   &testTransport{},
		sink: &testSink{},
		mon:  &testMonitor{},
	}
	e.m = NewManager(ManagerParams{
		Config:    conf,
		Log:       logger.GetLogger(),
		Scheduler: e.s,
		Transport: e.tr,
		Sink:      e.sink,
		Monitor:   e.mon,
		Notifier: notify.NotifierFunc(func(n notify.Notification) {
			e.notes = append(e.notes, n)
		}),
	})
	return e
}

func (e *testEnv) last(k notify.Kind) (notify.Notification, bool) {
	for i := len(e.notes) - 1; i >= 0; i-- {
		if e.notes[i].Kind == k {
			return e.notes[i], true
		}
	}
	return notify.Notification{}, false
}

func (e *testEnv) invite(id string) *testSession {
	s := newTestSession(id, Incoming)
	e.m.HandleEvent(Event{Kind: EventSessionInvited, Session: s, Direction: Incoming, Originator: OriginatorRemote})
	return s
}

func TestStart(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.m.Start(context.Background()))
	require.Equal(t, 1, e.tr.registered)
}

func TestBusyPolicy(t *testing.T) {
	e := newTestEnv(t)
	first := e.invite("a")
	for i := 0; i < 3; i++ {
		other := e.invite(fmt.Sprintf("b%d", i))
		require.Equal(t, 1, other.terminated)
	}
	cur, ok := e.m.Active()
	require.True(t, ok)
	require.Equal(t, "a", cur.ID)
	require.Equal(t, StateRinging, cur.State)
	require.Zero(t, first.terminated)
	require.Equal(t, 3, e.mon.rejected)

	// duplicate delivery of the owned session is not a busy rejection
	e.m.HandleEvent(Event{Kind: EventSessionInvited, Session: first})
	require.Zero(t, first.terminated)
}

func TestOutboundCallLifecycle(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.m.PlaceCall(context.Background(), "8001"))
	require.Equal(t, []string{"sip:8001@pbx.example.com"}, e.tr.calls)

	opts := e.tr.opts[0]
	require.True(t, opts.Audio)
	require.False(t, opts.Video)
	require.Equal(t, "all", opts.ICETransportPolicy)
	require.Equal(t, "require", opts.RTCPMuxPolicy)
	require.Len(t, opts.ICEServers, 2)
	require.Equal(t, "turn", opts.ICEServers[1].Username)

	n, ok := e.last(notify.CallLoading)
	require.True(t, ok)
	require.True(t, n.Value)

	cur, _ := e.m.Active()
	require.Equal(t, Outgoing, cur.Direction)
	require.Equal(t, StateRinging, cur.State)

	sess := e.m.cur.session.(*testSession)
	require.Len(t, sess.conn.listeners, 1)

	e.m.HandleEvent(Event{Kind: EventAccepted, Session: sess, Originator: OriginatorRemote})
	cur, _ = e.m.Active()
	require.Equal(t, StateNegotiating, cur.State)

	e.m.HandleEvent(Event{Kind: EventConfirmed, Session: sess})
	cur, _ = e.m.Active()
	require.Equal(t, StateActive, cur.State)
	require.Equal(t, 1, e.mon.started)

	e.m.PlaybackProgress()
	n, _ = e.last(notify.Talking)
	require.True(t, n.Value)

	e.m.HandleEvent(Event{Kind: EventEnded, Session: sess, Originator: OriginatorRemote, Cause: CauseTerminated})
	require.False(t, e.m.InCall())
	n, _ = e.last(notify.Talking)
	require.False(t, n.Value)
	n, _ = e.last(notify.CallLoading)
	require.False(t, n.Value)
	require.Equal(t, []string{"ended:Terminated"}, e.mon.ended)
}

func TestPlaceCallWhileBusy(t *testing.T) {
	e := newTestEnv(t)
	e.invite("a")
	err := e.m.PlaceCall(context.Background(), "555")
	require.ErrorIs(t, err, errors.ErrCallInProgress)
	require.Empty(t, e.tr.calls)
}

func TestPlaceCallTransportError(t *testing.T) {
	e := newTestEnv(t)
	e.tr.err = fmt.Errorf("not registered")
	require.Error(t, e.m.PlaceCall(context.Background(), "555"))
	require.False(t, e.m.InCall())
	n, _ := e.last(notify.CallLoading)
	require.False(t, n.Value)
}

func TestEndCallIdempotent(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.m.PlaceCall(context.Background(), "8001"))
	sess := e.m.cur.session.(*testSession)
	e.m.HandleEvent(Event{Kind: EventConfirmed, Session: sess})

	e.m.EndCall()
	e.m.EndCall()
	// the transport reports the termination it was asked for
	e.m.HandleEvent(Event{Kind: EventEnded, Session: sess, Originator: OriginatorLocal, Cause: CauseTerminated})
	e.m.HandleEvent(Event{Kind: EventFailed, Session: sess, Originator: OriginatorLocal, Cause: CauseCanceled})

	require.Equal(t, 1, sess.terminated)
	require.Equal(t, []string{"ended:Terminated"}, e.mon.ended)
	require.False(t, e.m.InCall())

	// a new call can be placed afterwards
	require.NoError(t, e.m.PlaceCall(context.Background(), "8001"))
}

func TestEndCallWithoutSession(t *testing.T) {
	e := newTestEnv(t)
	e.m.EndCall()
	require.Empty(t, e.mon.ended)
	require.Empty(t, e.notes)
}

func TestNegotiationFailure(t *testing.T) {
	e := newTestEnv(t)
	sess := e.invite("a")
	require.NoError(t, e.m.Answer())
	require.Equal(t, 1, sess.answered)

	e.m.HandleEvent(Event{Kind: EventRemoteDescriptionSetFailed, Session: sess, Err: fmt.Errorf("bad sdp")})
	require.False(t, e.m.InCall())
	e.m.HandleEvent(Event{Kind: EventFailed, Session: sess, Cause: CauseWebRTCError})
	require.Equal(t, []string{"failed:" + CauseWebRTCError}, e.mon.ended)
}

func TestFailedFromRinging(t *testing.T) {
	e := newTestEnv(t)
	sess := e.invite("a")
	e.m.HandleEvent(Event{Kind: EventFailed, Session: sess, Originator: OriginatorRemote, Cause: CauseCanceled})
	require.False(t, e.m.InCall())
	require.Equal(t, []string{"failed:Canceled"}, e.mon.ended)
}

func TestFailureAfterConfirmedEnds(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.m.PlaceCall(context.Background(), "8001"))
	sess := e.m.cur.session.(*testSession)
	e.m.HandleEvent(Event{Kind: EventConfirmed, Session: sess})

	e.m.HandleEvent(Event{Kind: EventFailed, Session: sess, Originator: OriginatorSystem, Cause: CauseConnection})
	require.False(t, e.m.InCall())
	require.Equal(t, []string{"ended:" + CauseConnection}, e.mon.ended)
}

func TestAutoAnswer(t *testing.T) {
	e := newTestEnv(t, func(c *config.Config) { c.AutoAnswer = true })
	sess := e.invite("a")
	require.Equal(t, 1, sess.answered)
	cur, _ := e.m.Active()
	require.Equal(t, StateNegotiating, cur.State)

	// answering twice is ignored
	require.NoError(t, e.m.Answer())
	require.Equal(t, 1, sess.answered)
}

func TestAnswerWithoutSession(t *testing.T) {
	e := newTestEnv(t)
	require.ErrorIs(t, e.m.Answer(), errors.ErrNoSession)
}

func TestICEDeadline(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.m.PlaceCall(context.Background(), "8001"))
	sess := e.m.cur.session.(*testSession)

	ready := 0
	for _, typ := range []string{"host", "srflx", "relay"} {
		e.m.HandleEvent(Event{Kind: EventICECandidate, Session: sess, Candidate: &Candidate{
			Type:  typ,
			Ready: func() { ready++ },
		}})
	}
	cur, _ := e.m.Active()
	require.Equal(t, StateNegotiating, cur.State)
	e.s.Advance(500 * time.Millisecond)
	require.Equal(t, 1, ready)
	require.Equal(t, []string{"short_timeout"}, e.mon.ice)
}

func TestICEDeadlineCancelledOnEnd(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.m.PlaceCall(context.Background(), "8001"))
	sess := e.m.cur.session.(*testSession)
	ready := 0
	e.m.HandleEvent(Event{Kind: EventICECandidate, Session: sess, Candidate: &Candidate{
		Type:  "host",
		Ready: func() { ready++ },
	}})
	e.m.EndCall()
	e.s.Advance(10 * time.Second)
	require.Zero(t, ready)
	require.Equal(t, []string{"closed"}, e.mon.ice)
}

func TestGatheringCompleteFromConnection(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.m.PlaceCall(context.Background(), "8001"))
	sess := e.m.cur.session.(*testSession)
	e.m.HandleEvent(Event{Kind: EventICECandidate, Session: sess, Candidate: &Candidate{Type: "host"}})
	for _, l := range sess.conn.listeners {
		l.OnGatheringState("complete")
	}
	require.Zero(t, e.s.Pending())
	require.Equal(t, []string{"complete"}, e.mon.ice)
}

func TestListenerIdempotence(t *testing.T) {
	t.Run("outgoing", func(t *testing.T) {
		e := newTestEnv(t)
		require.NoError(t, e.m.PlaceCall(context.Background(), "8001"))
		sess := e.m.cur.session.(*testSession)
		e.m.HandleEvent(Event{Kind: EventPeerConnectionReady, Session: sess, Conn: sess.conn})
		e.m.HandleEvent(Event{Kind: EventPeerConnectionReady, Session: sess, Conn: sess.conn})
		require.Len(t, sess.conn.listeners, 1)
	})
	t.Run("incoming", func(t *testing.T) {
		e := newTestEnv(t)
		sess := e.invite("a")
		conn := &testConn{id: "pc-a"}
		e.m.HandleEvent(Event{Kind: EventPeerConnectionReady, Session: sess, Conn: conn})
		e.m.HandleEvent(Event{Kind: EventPeerConnectionReady, Session: sess, Conn: conn})
		require.Len(t, conn.listeners, 1)
	})
}

func TestRemoteTrackRouting(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.m.PlaceCall(context.Background(), "8001"))
	sess := e.m.cur.session.(*testSession)

	audio := &testTrack{id: "t1", kind: "audio", stream: "s1"}
	sess.conn.track(audio)
	require.NotNil(t, e.sink.source)
	require.Equal(t, "s1", e.sink.source.ID)
	require.Equal(t, []*MediaStream{nil, e.sink.source}, e.sink.history)
	require.Equal(t, 1, e.sink.plays)

	// same stream again does not reset the sink
	sess.conn.track(audio)
	require.Equal(t, 1, e.sink.plays)
	require.Len(t, e.sink.history, 2)

	// a track joining the playing stream is played without a reset
	sess.conn.track(&testTrack{id: "t3", kind: "audio", stream: "s1"})
	require.Equal(t, 2, e.sink.plays)
	require.Len(t, e.sink.history, 2)
	require.Len(t, e.sink.source.AudioTracks(), 2)

	// video is not routed to the call sink
	sess.conn.track(&testTrack{id: "v1", kind: "video", stream: "s1"})
	require.Len(t, e.sink.history, 2)

	// tracks without a stream get their own
	sess.conn.track(&testTrack{id: "t2", kind: "audio"})
	require.Equal(t, "track:t2", e.sink.source.ID)
	require.Equal(t, 3, e.sink.plays)

	e.m.EndCall()
	require.Nil(t, e.sink.source)

	// listeners of a finished session are inert
	sess.conn.track(audio)
	require.Nil(t, e.sink.source)
}

func TestPlaybackFailureNotFatal(t *testing.T) {
	e := newTestEnv(t)
	e.sink.playErr = errors.ErrAutoplayBlocked
	require.NoError(t, e.m.PlaceCall(context.Background(), "8001"))
	sess := e.m.cur.session.(*testSession)
	sess.conn.track(&testTrack{id: "t1", kind: "audio", stream: "s1"})
	require.True(t, e.m.InCall())
}

func TestMute(t *testing.T) {
	e := newTestEnv(t)
	e.m.SetMicrophoneMuted(true)
	e.m.SetPlaybackMuted(true)
	require.False(t, e.sink.muted)

	sess := e.invite("a")
	e.m.SetMicrophoneMuted(true)
	e.m.SetPlaybackMuted(true)
	require.Equal(t, []bool{true}, sess.muted)
	require.True(t, e.sink.muted)
	cur, _ := e.m.Active()
	require.True(t, cur.MuteLocal)
	require.True(t, cur.MuteRemote)
}

func TestPlaybackProgressOnce(t *testing.T) {
	e := newTestEnv(t)
	e.m.PlaybackProgress()
	require.Empty(t, e.notes)

	e.invite("a")
	e.m.PlaybackProgress()
	e.m.PlaybackProgress()
	talking := 0
	for _, n := range e.notes {
		if n.Kind == notify.Talking {
			talking++
		}
	}
	require.Equal(t, 1, talking)
}

func TestTransportConnectivity(t *testing.T) {
	e := newTestEnv(t)
	e.m.HandleEvent(Event{Kind: EventConnected})
	require.True(t, e.m.WSConnected())
	n, _ := e.last(notify.WSConnected)
	require.True(t, n.Value)

	e.m.HandleEvent(Event{Kind: EventRegistered})
	require.True(t, e.m.Registered())

	e.m.HandleEvent(Event{Kind: EventDisconnected})
	require.False(t, e.m.WSConnected())
	require.False(t, e.m.Registered())
	n, _ = e.last(notify.WSConnected)
	require.False(t, n.Value)
}

func TestStaleSessionEventsIgnored(t *testing.T) {
	e := newTestEnv(t)
	e.invite("a")
	stranger := newTestSession("zzz", Incoming)
	e.m.HandleEvent(Event{Kind: EventEnded, Session: stranger, Cause: CauseTerminated})
	require.True(t, e.m.InCall())
}
