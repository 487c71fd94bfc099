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
	"fmt"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/livekit/sip-doorbell/pkg/call"
	"github.com/livekit/sip-doorbell/pkg/ice"
	"github.com/livekit/sip-doorbell/pkg/loop"
)

// errMedia marks failures to set up the local media.
var errMedia = errors.New("could not set up local audio")

func webrtcConfig(opts call.CallOptions) webrtc.Configuration {
	conf := webrtc.Configuration{
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
		RTCPMuxPolicy:      webrtc.RTCPMuxPolicyRequire,
	}
	if opts.ICETransportPolicy == "relay" {
		conf.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	if opts.RTCPMuxPolicy == "negotiate" {
		conf.RTCPMuxPolicy = webrtc.RTCPMuxPolicyNegotiate
	}
	for _, s := range opts.ICEServers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		conf.ICEServers = append(conf.ICEServers, srv)
	}
	return conf
}

// validateSDP checks that body is a session description offering audio.
func validateSDP(body []byte) error {
	if len(body) == 0 {
		return errors.New("empty session description")
	}
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return fmt.Errorf("invalid session description: %w", err)
	}
	for _, m := range sd.MediaDescriptions {
		if m.MediaName.Media == "audio" {
			return nil
		}
	}
	return errors.New("session description has no audio")
}

// peerConn delivers connection callbacks to listeners on the event loop.
type peerConn struct {
	id        string
	sched     loop.Scheduler
	listeners []call.ConnListener
}

var _ call.PeerConnection = (*peerConn)(nil)

func (c *peerConn) ID() string {
	return c.id
}

func (c *peerConn) AddListener(l call.ConnListener) {
	c.listeners = append(c.listeners, l)
}

func (c *peerConn) onTrack(t call.Track) {
	c.sched.Post(func() {
		for _, l := range c.listeners {
			l.OnTrack(t)
		}
	})
}

func (c *peerConn) onGatheringState(state string) {
	c.sched.Post(func() {
		for _, l := range c.listeners {
			l.OnGatheringState(state)
		}
	})
}

// remoteTrack exposes a pion remote track to playback.
type remoteTrack struct {
	tr *webrtc.TrackRemote
}

func (t *remoteTrack) ID() string {
	return t.tr.ID()
}

func (t *remoteTrack) Kind() string {
	return t.tr.Kind().String()
}

func (t *remoteTrack) StreamID() string {
	return t.tr.StreamID()
}

func (t *remoteTrack) ReadPacket() (*rtp.Packet, error) {
	pkt, _, err := t.tr.ReadRTP()
	return pkt, err
}

// setupMedia creates the peer connection with the local microphone track,
// starts feeding it and hooks the connection callbacks to the session.
func (s *session) setupMedia(opts call.CallOptions) error {
	pc, err := webrtc.NewPeerConnection(webrtcConfig(opts))
	if err != nil {
		return err
	}
	s.pc = pc
	s.conn = &peerConn{id: s.t.nextConnID(), sched: s.t.sched}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			s.conn.onGatheringState(ice.GatheringComplete)
			return
		}
		s.emit(call.Event{
			Kind: call.EventICECandidate,
			Candidate: &call.Candidate{
				Type:    c.Typ.String(),
				Address: c.Address,
				Ready:   s.markReady,
			},
		})
	})
	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.log.Debugw("remote track", "kind", tr.Kind().String(), "track", tr.ID(), "codec", tr.Codec().MimeType)
		s.conn.onTrack(&remoteTrack{tr: tr})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debugw("peer connection state", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			s.mediaFailed()
		}
	})

	if opts.Video {
		if _, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return err
		}
	}
	if !opts.Audio {
		_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		return err
	}
	s.local, err = webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "doorbell")
	if err != nil {
		return fmt.Errorf("%w: %w", errMedia, err)
	}
	s.sender, err = pc.AddTrack(s.local)
	if err != nil {
		return fmt.Errorf("%w: %w", errMedia, err)
	}
	go func(sender *webrtc.RTPSender) {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}(s.sender)
	mic := newMicrophone(s.local, s.t.input, s.log)
	go func() {
		ticker := time.NewTicker(framePeriod)
		defer ticker.Stop()
		mic.run(ticker.C, s.ended.Watch())
	}()
	return nil
}
