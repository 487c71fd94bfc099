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
	"errors"

	"github.com/livekit/sipgo/sip"
	"github.com/pion/webrtc/v4"

	"github.com/livekit/sip-doorbell/pkg/call"
)

func (t *Transport) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	cid := req.CallID()
	from := req.From()
	if cid == nil || from == nil {
		logOnError(t.log, tx.Respond(sip.NewResponseFromRequest(req, 400, "Bad Request", nil)))
		return
	}
	if s := t.lookup(req); s != nil {
		s.onReinvite(req, tx)
		return
	}
	if t.closed.IsBroken() {
		logOnError(t.log, tx.Respond(sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil)))
		return
	}
	logOnError(t.log, tx.Respond(sip.NewResponseFromRequest(req, 100, "Trying", nil)))

	s := t.newSession(call.Incoming, cid.Value(), remoteIdentity(from.DisplayName, from.Address))
	s.invite = req
	s.stx = tx
	if cseq := req.CSeq(); cseq != nil {
		s.cseq = cseq.SeqNo
	}
	t.add(s)
	s.log.Infow("incoming call", "from", s.remote)

	logOnError(s.log, tx.Respond(s.response(180, "Ringing", nil)))
	s.emit(call.Event{Kind: call.EventSessionInvited, Originator: call.OriginatorRemote})
	go s.watchInvite(tx)
}

// watchInvite waits for a CANCEL of the pending INVITE.
func (s *session) watchInvite(tx sip.ServerTransaction) {
	select {
	case <-tx.Cancels():
	case <-tx.Done():
		return
	case <-s.ended.Watch():
		return
	}
	s.mu.Lock()
	if s.answered || s.ended.IsBroken() {
		s.mu.Unlock()
		return
	}
	res := s.response(487, "Request Terminated", nil)
	s.mu.Unlock()
	logOnError(s.log, tx.Respond(res))
	s.log.Infow("call canceled by caller")
	s.finish(call.EventFailed, call.OriginatorRemote, call.CauseCanceled, nil)
}

// onReinvite answers a re-INVITE or retransmission with the current description.
func (s *session) onReinvite(req *sip.Request, tx sip.ServerTransaction) {
	s.mu.Lock()
	body := s.sdp
	s.mu.Unlock()
	if body == nil {
		logOnError(s.log, tx.Respond(sip.NewResponseFromRequest(req, 491, "Request Pending", nil)))
		return
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", body)
	res.AppendHeader(&contentTypeHeaderSDP)
	logOnError(s.log, tx.Respond(res))
}

// Answer accepts the incoming session. Negotiation continues in the background.
func (s *session) Answer(opts call.CallOptions) error {
	if s.dir != call.Incoming {
		return errors.New("only incoming sessions can be answered")
	}
	s.mu.Lock()
	if s.answering || s.ended.IsBroken() {
		s.mu.Unlock()
		return nil
	}
	s.answering = true
	s.mu.Unlock()

	if err := s.setupMedia(opts); err != nil {
		if errors.Is(err, errMedia) {
			s.negotiationFailed(call.EventMediaGetFailed, err)
			s.reject(500, "Server Internal Error")
			return nil
		}
		s.reject(500, "Server Internal Error")
		s.end()
		return err
	}
	s.emit(call.Event{Kind: call.EventPeerConnectionReady, Conn: s.conn, Originator: call.OriginatorLocal})
	go s.answer()
	return nil
}

// reject sends a final error response to the pending INVITE.
func (s *session) reject(code int, reason string) {
	s.mu.Lock()
	if s.answered || s.stx == nil {
		s.mu.Unlock()
		return
	}
	res := s.response(code, reason, nil)
	stx := s.stx
	s.mu.Unlock()
	logOnError(s.log, stx.Respond(res))
}

func (s *session) answer() {
	_, span := Tracer.Start(s.t.ctx, "Session.Answer")
	defer span.End()

	offer := s.invite.Body()
	err := validateSDP(offer)
	if err == nil {
		err = s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(offer)})
	}
	if err != nil {
		s.negotiationFailed(call.EventRemoteDescriptionSetFailed, err)
		s.reject(488, "Not Acceptable Here")
		return
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		s.negotiationFailed(call.EventAnswerCreateFailed, err)
		s.reject(500, "Server Internal Error")
		return
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err = s.pc.SetLocalDescription(answer); err != nil {
		s.negotiationFailed(call.EventLocalDescriptionSetFailed, err)
		s.reject(500, "Server Internal Error")
		return
	}
	if !s.waitReady(gathered) {
		return
	}

	body := []byte(s.pc.LocalDescription().SDP)
	s.mu.Lock()
	if s.ended.IsBroken() {
		s.mu.Unlock()
		return
	}
	res := s.response(200, "OK", body)
	res.AppendHeader(&sip.ContactHeader{Address: s.t.contact})
	res.AppendHeader(&contentTypeHeaderSDP)
	s.answered = true
	s.inviteOk = res
	s.sdp = body
	stx := s.stx
	s.mu.Unlock()

	if err = stx.Respond(res); err != nil {
		span.RecordError(err)
		s.finish(call.EventFailed, call.OriginatorSystem, call.CauseConnection, err)
		return
	}
	s.emit(call.Event{Kind: call.EventAccepted, Originator: call.OriginatorLocal})
}

// onAck confirms an answered incoming session.
func (s *session) onAck() {
	s.mu.Lock()
	confirm := s.dir == call.Incoming && s.answered && !s.confirmed
	if confirm {
		s.confirmed = true
	}
	s.mu.Unlock()
	if confirm {
		s.emit(call.Event{Kind: call.EventConfirmed, Originator: call.OriginatorRemote})
	}
}
