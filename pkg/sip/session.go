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

package sip

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/livekit/sipgo/sip"
	"github.com/pion/webrtc/v4"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sip-doorbell/pkg/call"
)

const byeTimeout = 5 * time.Second

// session is one SIP dialog and its peer connection.
type session struct {
	t      *Transport
	id     string // Call-ID
	dir    call.Direction
	remote string
	tag    string // local tag
	log    logger.Logger

	pc     *webrtc.PeerConnection
	conn   *peerConn
	local  *webrtc.TrackLocalStaticSample
	sender *webrtc.RTPSender

	ready     chan struct{}
	readyOnce sync.Once

	mu        sync.Mutex
	cseq      uint32
	invite    *sip.Request
	inviteOk  *sip.Response
	tx        sip.ClientTransaction // outbound INVITE in flight
	stx       sip.ServerTransaction // inbound INVITE
	answering bool
	answered  bool
	confirmed bool
	sdp       []byte

	ended core.Fuse
}

var _ call.Session = (*session)(nil)

func (t *Transport) newSession(dir call.Direction, id, remote string) *session {
	return &session{
		t:      t,
		id:     id,
		dir:    dir,
		remote: remote,
		tag:    sip.GenerateTagN(16),
		log:    t.log.WithValues("callID", id, "dir", dir.String()),
		ready:  make(chan struct{}),
	}
}

func (s *session) ID() string {
	return s.id
}

func (s *session) Direction() call.Direction {
	return s.dir
}

func (s *session) RemoteIdentity() string {
	return s.remote
}

func (s *session) Connection() call.PeerConnection {
	if s.conn == nil {
		return nil
	}
	return s.conn
}

func (s *session) emit(ev call.Event) {
	if s.ended.IsBroken() {
		return
	}
	ev.Session = s
	ev.Direction = s.dir
	s.t.emit(ev)
}

// finish emits a terminal event and releases the session.
func (s *session) finish(kind call.EventKind, orig call.Originator, cause string, err error) {
	s.emit(call.Event{Kind: kind, Originator: orig, Cause: cause, Err: err})
	s.end()
}

// negotiationFailed reports a media failure. The session is released; callers
// still answer the pending transaction.
func (s *session) negotiationFailed(kind call.EventKind, err error) {
	s.log.Warnw("negotiation failed", err, "event", kind.String())
	s.emit(call.Event{Kind: kind, Originator: call.OriginatorLocal, Err: err})
	s.end()
}

func (s *session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// waitReady blocks until the candidates are good enough to signal. It reports
// false if the session ended first.
func (s *session) waitReady(gathered <-chan struct{}) bool {
	select {
	case <-s.ready:
	case <-gathered:
	case <-s.ended.Watch():
		return false
	}
	return !s.ended.IsBroken()
}

func (s *session) end() {
	s.ended.Once(func() {
		s.t.remove(s)
		if s.pc != nil {
			go func(pc *webrtc.PeerConnection) {
				if err := pc.Close(); err != nil {
					s.log.Debugw("could not close peer connection", "error", err)
				}
			}(s.pc)
		}
	})
}

func (s *session) nextCSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cseq++
	return s.cseq
}

// Mute swaps the microphone track out of the sender.
func (s *session) Mute(muted bool) {
	if s.sender == nil {
		return
	}
	var track webrtc.TrackLocal
	if !muted {
		track = s.local
	}
	if err := s.sender.ReplaceTrack(track); err != nil {
		s.log.Warnw("could not mute microphone", err, "muted", muted)
	}
}

// Terminate ends the session the way its current stage requires.
func (s *session) Terminate() error {
	if s.ended.IsBroken() {
		return nil
	}
	s.mu.Lock()
	var act func()
	switch {
	case s.dir == call.Outgoing && s.inviteOk == nil:
		if tx := s.tx; tx != nil {
			act = func() {
				if err := tx.Cancel(); err != nil {
					s.log.Debugw("could not cancel invite", "error", err)
				}
			}
		}
	case s.dir == call.Incoming && !s.answered:
		if s.stx != nil {
			res := s.response(486, "Busy Here", nil)
			stx := s.stx
			act = func() { logOnError(s.log, stx.Respond(res)) }
		}
	default:
		bye := s.newBye()
		act = func() { s.sendBye(bye) }
	}
	s.mu.Unlock()
	s.log.Infow("terminating session")
	s.end()
	if act != nil {
		go act()
	}
	return nil
}

// newBye builds the BYE for the established dialog. Must hold mu.
func (s *session) newBye() *sip.Request {
	if s.invite == nil || s.inviteOk == nil {
		return nil
	}
	if s.dir == call.Outgoing {
		bye := sip.NewByeRequest(s.invite, s.inviteOk, nil)
		bye.AppendHeader(sip.NewHeader("User-Agent", UserAgent))
		return bye
	}
	// We are the callee: swap the dialog identities of the INVITE.
	recipient := s.invite.From().Address
	if c := s.invite.Contact(); c != nil {
		recipient = c.Address
	}
	bye := sip.NewRequest(sip.BYE, recipient)
	bye.SetDestination(s.t.dest)
	if to := s.inviteOk.To(); to != nil {
		bye.AppendHeader(&sip.FromHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params})
	}
	if from := s.invite.From(); from != nil {
		bye.AppendHeader(&sip.ToHeader{DisplayName: from.DisplayName, Address: from.Address, Params: from.Params})
	}
	if cid := s.invite.CallID(); cid != nil {
		bye.AppendHeader(cid)
	}
	s.cseq++
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: s.cseq, MethodName: sip.BYE})
	maxfwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxfwd)
	bye.AppendHeader(sip.NewHeader("User-Agent", UserAgent))
	return bye
}

func (s *session) sendBye(bye *sip.Request) {
	if bye == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.t.ctx, byeTimeout)
	defer cancel()
	tx, err := s.t.client.TransactionRequest(bye)
	if err != nil {
		s.log.Warnw("could not send bye", err)
		return
	}
	defer tx.Terminate()
	if _, err = waitResponse(ctx, tx); err != nil {
		s.log.Debugw("no answer to bye", "error", err)
	}
}

// response builds a response to the inbound INVITE carrying the local tag.
func (s *session) response(code int, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(s.invite, code, reason, body)
	if to := res.To(); to != nil {
		if to.Params == nil {
			to.Params = sip.NewParams()
		}
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", s.tag)
		}
	}
	return res
}

// onBye handles a BYE from the remote party.
func (s *session) onBye() {
	s.log.Infow("remote hangup")
	s.finish(call.EventEnded, call.OriginatorRemote, call.CauseTerminated, nil)
}

// mediaFailed ends a session whose peer connection failed.
func (s *session) mediaFailed() {
	if s.ended.IsBroken() {
		return
	}
	s.mu.Lock()
	bye := s.newBye()
	s.mu.Unlock()
	s.finish(call.EventFailed, call.OriginatorSystem, call.CauseConnection, errors.New("peer connection failed"))
	if bye != nil {
		go s.sendBye(bye)
	}
}
