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

	"github.com/livekit/sip-doorbell/pkg/config"
)

type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

type Originator string

const (
	OriginatorLocal  Originator = "local"
	OriginatorRemote Originator = "remote"
	OriginatorSystem Originator = "system"
)

type State int

const (
	StateIdle State = iota
	StateRinging
	StateNegotiating
	StateActive
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRinging:
		return "ringing"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Common termination causes.
const (
	CauseTerminated  = "Terminated"
	CauseCanceled    = "Canceled"
	CauseBusy        = "Busy"
	CauseRejected    = "Rejected"
	CauseNotFound    = "Not Found"
	CauseUnavailable = "Unavailable"
	CauseTimeout     = "Request Timeout"
	CauseSIPFailure  = "SIP Failure Code"
	CauseWebRTCError = "WebRTC Error"
	CauseConnection  = "Connection Error"
)

type EventKind int

const (
	EventSessionInvited EventKind = iota
	EventAccepted
	EventConfirmed
	EventFailed
	EventEnded
	EventICECandidate
	EventPeerConnectionReady
	EventMediaGetFailed
	EventOfferCreateFailed
	EventAnswerCreateFailed
	EventLocalDescriptionSetFailed
	EventRemoteDescriptionSetFailed
	EventConnected
	EventDisconnected
	EventRegistered
	EventRegistrationFailed
)

func (k EventKind) String() string {
	switch k {
	case EventSessionInvited:
		return "sessionInvited"
	case EventAccepted:
		return "accepted"
	case EventConfirmed:
		return "confirmed"
	case EventFailed:
		return "failed"
	case EventEnded:
		return "ended"
	case EventICECandidate:
		return "iceCandidate"
	case EventPeerConnectionReady:
		return "peerConnectionReady"
	case EventMediaGetFailed:
		return "mediaGetFailed"
	case EventOfferCreateFailed:
		return "offerCreateFailed"
	case EventAnswerCreateFailed:
		return "answerCreateFailed"
	case EventLocalDescriptionSetFailed:
		return "localDescriptionSetFailed"
	case EventRemoteDescriptionSetFailed:
		return "remoteDescriptionSetFailed"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventRegistered:
		return "registered"
	case EventRegistrationFailed:
		return "registrationFailed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Candidate is a gathered local ICE candidate. Ready tells the transport that
// gathering is good enough and signaling may proceed.
type Candidate struct {
	Type    string
	Address string
	Ready   func()
}

// Event is emitted by the transport and consumed on the event loop.
type Event struct {
	Kind       EventKind
	Session    Session
	Direction  Direction
	Originator Originator
	Cause      string
	Err        error
	Candidate  *Candidate
	Conn       PeerConnection
}

func (e Event) String() string {
	id := ""
	if e.Session != nil {
		id = e.Session.ID()
	}
	return fmt.Sprintf("%s(%s)", e.Kind, id)
}

// EventHandler receives transport events. The transport must deliver them on the event loop.
type EventHandler func(ev Event)

// CallOptions configures media for a new or answered session.
type CallOptions struct {
	Audio              bool
	Video              bool
	ICEServers         []config.ICEServer
	ICETransportPolicy string
	RTCPMuxPolicy      string
}

// Transport is the SIP user agent.
type Transport interface {
	SetHandler(h EventHandler)
	Register(ctx context.Context) error
	// Call starts an outbound session and returns without waiting for negotiation.
	Call(ctx context.Context, uri string, opts CallOptions) (Session, error)
	Close() error
}

// Session is one SIP dialog with its media.
type Session interface {
	ID() string
	Direction() Direction
	RemoteIdentity() string
	// Connection returns the peer connection once created, nil before that.
	Connection() PeerConnection
	Answer(opts CallOptions) error
	Terminate() error
	Mute(muted bool)
}

// PeerConnection is the media connection of a session.
type PeerConnection interface {
	ID() string
	// AddListener attaches l; callbacks are delivered on the event loop.
	AddListener(l ConnListener)
}

type ConnListener interface {
	OnTrack(t Track)
	OnGatheringState(state string)
}

// Track is a remote media track.
type Track interface {
	ID() string
	Kind() string
	// StreamID is the media stream the track belongs to, empty if none.
	StreamID() string
}

// Sink plays remote call audio.
type Sink interface {
	Source() *MediaStream
	SetSource(s *MediaStream)
	Play() error
	SetMuted(muted bool)
}

// Monitor records call metrics.
type Monitor interface {
	CallStarted(dir Direction)
	CallEnded(dir Direction, state State, cause string)
	InviteRejected(reason string)
	IceRound(outcome string)
}

type nopMonitor struct{}

func (nopMonitor) CallStarted(Direction)              {}
func (nopMonitor) CallEnded(Direction, State, string) {}
func (nopMonitor) InviteRejected(string)              {}
func (nopMonitor) IceRound(string)                    {}
