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

	"github.com/livekit/sipgo/sip"
	"github.com/pion/webrtc/v4"

	"github.com/livekit/sip-doorbell/pkg/call"
	"github.com/livekit/sip-doorbell/pkg/errors"
)

// Call starts an outbound session. Negotiation continues in the background and
// is reported through events.
func (t *Transport) Call(ctx context.Context, uri string, opts call.CallOptions) (call.Session, error) {
	if t.closed.IsBroken() {
		return nil, ErrClosed
	}
	var to sip.Uri
	if err := sip.ParseUri(uri, &to); err != nil {
		return nil, err
	}
	s := t.newSession(call.Outgoing, sip.GenerateTagN(22), remoteIdentity("", to))
	if err := s.setupMedia(opts); err != nil {
		s.end()
		return nil, err
	}
	t.add(s)
	s.log.Infow("calling", "to", uri)
	go s.dial(to)
	return s, nil
}

func (s *session) dial(to sip.Uri) {
	ctx, span := Tracer.Start(s.t.ctx, "Session.Invite")
	defer span.End()

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		s.negotiationFailed(call.EventOfferCreateFailed, err)
		return
	}
	gathered := webrtc.GatheringCompletePromise(s.pc)
	if err = s.pc.SetLocalDescription(offer); err != nil {
		s.negotiationFailed(call.EventLocalDescriptionSetFailed, err)
		return
	}
	if !s.waitReady(gathered) {
		return
	}

	req := s.t.newRequest(sip.INVITE, to, s.id, s.tag, s.nextCSeq())
	req.AppendHeader(&contentTypeHeaderSDP)
	req.AppendHeader(sip.NewHeader("Allow", allowHeader))
	req.SetBody([]byte(s.pc.LocalDescription().SDP))

	resp, err := s.t.transact(ctx, req, func(tx sip.ClientTransaction) {
		s.mu.Lock()
		s.tx = tx
		s.mu.Unlock()
	})
	s.mu.Lock()
	s.tx = nil
	if cseq := req.CSeq(); cseq != nil && cseq.SeqNo > s.cseq {
		s.cseq = cseq.SeqNo
	}
	s.mu.Unlock()
	if err != nil {
		span.RecordError(err)
		s.finish(call.EventFailed, call.OriginatorSystem, call.CauseConnection, errors.NewTransportError("invite", err))
		return
	}
	code := int(resp.StatusCode)
	if code < 200 || code >= 300 {
		s.log.Infow("call rejected", "status", code, "reason", resp.Reason)
		s.finish(call.EventFailed, call.OriginatorRemote, causeFromStatus(code), &ErrorStatus{StatusCode: code, Message: resp.Reason})
		return
	}

	s.mu.Lock()
	s.invite, s.inviteOk = req, resp
	s.mu.Unlock()
	if err = s.t.client.WriteRequest(sip.NewAckRequest(req, resp, nil)); err != nil {
		s.log.Warnw("could not acknowledge invite", err)
	}
	if s.ended.IsBroken() {
		// hung up while the invite was in flight
		s.mu.Lock()
		bye := s.newBye()
		s.mu.Unlock()
		s.sendBye(bye)
		return
	}
	s.emit(call.Event{Kind: call.EventAccepted, Originator: call.OriginatorRemote})

	body := resp.Body()
	if err = validateSDP(body); err == nil {
		err = s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(body)})
	}
	if err != nil {
		s.mu.Lock()
		bye := s.newBye()
		s.mu.Unlock()
		s.negotiationFailed(call.EventRemoteDescriptionSetFailed, err)
		s.sendBye(bye)
		return
	}
	s.emit(call.Event{Kind: call.EventConfirmed, Originator: call.OriginatorRemote})
}
