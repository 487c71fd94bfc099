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

package service

import (
	"context"
	"time"

	"github.com/livekit/sip-doorbell/pkg/call"
	"github.com/livekit/sip-doorbell/pkg/notify"
	"github.com/livekit/sip-doorbell/pkg/playback"
	"github.com/livekit/sip-doorbell/pkg/stream"
)

const hostTimeout = 10 * time.Second

// All methods below must be called on the event loop.

// CallIncoming calls the doorbell line waiting for an answer.
func (s *Service) CallIncoming(ctx context.Context) error {
	return s.placeCall(ctx, s.conf.IncomingExtension)
}

// CallOutgoing calls the door station.
func (s *Service) CallOutgoing(ctx context.Context) error {
	return s.placeCall(ctx, s.conf.OutgoingExtension)
}

func (s *Service) placeCall(ctx context.Context, ext string) error {
	if err := s.mgr.PlaceCall(ctx, ext); err != nil {
		return err
	}
	s.micMuted = false
	s.phoneMuted = false
	s.mgr.SetMicrophoneMuted(false)
	s.mgr.SetPlaybackMuted(false)
	s.setVideoMuted(true)
	s.host.CallService("input_select", "select_option", map[string]any{
		"entity_id": s.conf.CallStateEntity,
		"option":    s.conf.CallStateTalking,
	})
	return nil
}

func (s *Service) Answer() error {
	return s.mgr.Answer()
}

func (s *Service) Hangup() {
	s.mgr.EndCall()
}

func (s *Service) OpenDoor() {
	s.log.Infow("opening door")
	s.host.CallService(s.conf.DoorDomain, s.conf.DoorService, map[string]any{})
}

// ToggleMic mutes or unmutes the microphone of the current call.
func (s *Service) ToggleMic() bool {
	s.micMuted = !s.micMuted
	s.mgr.SetMicrophoneMuted(s.micMuted)
	return s.micMuted
}

// ToggleMuted mutes call audio while talking, the video otherwise.
func (s *Service) ToggleMuted() bool {
	if s.talking {
		s.phoneMuted = !s.phoneMuted
		s.mgr.SetPlaybackMuted(s.phoneMuted)
		return s.phoneMuted
	}
	s.setVideoMuted(!s.videoMuted)
	return s.videoMuted
}

func (s *Service) setVideoMuted(muted bool) {
	s.videoMuted = muted
	s.video.SetMuted(muted)
	s.updatePreventSleep()
}

// autocall dials once, on the first signaling connection, depending on the host call state.
func (s *Service) autocall() {
	if !s.conf.Autocall || s.autocallDone {
		return
	}
	entity := s.conf.CallStateEntity
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), hostTimeout)
		defer cancel()
		state, err := s.host.State(ctx, entity)
		s.sched.Post(func() {
			if err != nil {
				s.log.Warnw("could not read call state", err, "entity", entity)
				return
			}
			s.onCallState(state)
		})
	}()
}

func (s *Service) onCallState(state string) {
	if s.autocallDone || s.talking || s.mgr.InCall() {
		return
	}
	var dial func(context.Context) error
	switch state {
	case s.conf.CallStateIdle:
		dial = s.CallOutgoing
	case s.conf.CallStateWaiting:
		dial = s.CallIncoming
	default:
		s.log.Debugw("autocall skipped", "state", state)
		return
	}
	s.autocallDone = true
	s.log.Infow("autocall", "state", state)
	if err := dial(context.Background()); err != nil {
		s.log.Warnw("autocall failed", err)
	}
}

func (s *Service) updatePreventSleep() {
	prevent := s.talking || !s.videoMuted
	if prevent == s.preventSleep {
		return
	}
	s.preventSleep = prevent
	if prevent {
		s.setStandby(false)
	} else {
		s.setSleep()
	}
}

func (s *Service) setSleep() {
	s.sleep.Reset(s.conf.SleepTimeout(), func() {
		if !s.preventSleep {
			s.setStandby(true)
		}
	})
}

func (s *Service) setStandby(v bool) {
	if s.standby == v {
		return
	}
	s.standby = v
	s.log.Debugw("standby changed", "standby", v)
	s.hub.Notify(notify.Bool(notify.Standby, v))
}

// Nudge wakes the video sink and re-arms the sleep timer.
func (s *Service) Nudge() {
	if !s.sleep.Active() {
		s.setStandby(false)
	}
	s.setSleep()
}

func (s *Service) onVideoPlay() {
	s.setStandby(false)
	s.setSleep()
}

// SetVisibility keeps the stream connected while the visible share of the sink is above the threshold.
func (s *Service) SetVisibility(ratio float64) {
	threshold := s.conf.Intersection()
	if s.conf.VideoBackground || threshold == 0 {
		return
	}
	visible := ratio >= threshold
	if visible == s.visible {
		return
	}
	s.visible = visible
	if visible {
		s.stream.Connect()
	} else {
		s.stream.Disconnect()
	}
}

// SetPictureInPicture reports entering or leaving picture-in-picture. Leaving resumes playback.
func (s *Service) SetPictureInPicture(on bool) {
	s.hub.Notify(notify.Bool(notify.PictureInPictureChanged, on))
	if !on {
		if err := playback.Play(s.video, s.log); err != nil {
			s.log.Debugw("could not resume video", "error", err)
		}
	}
}

// Status is a snapshot of the intercom state.
type Status struct {
	notify.State
	Registered  bool        `json:"registered"`
	MicMuted    bool        `json:"micMuted"`
	PhoneMuted  bool        `json:"phoneMuted"`
	VideoMuted  bool        `json:"videoMuted"`
	StreamState string      `json:"streamState"`
	Call        *CallStatus `json:"call,omitempty"`
}

type CallStatus struct {
	ID        string    `json:"id"`
	Direction string    `json:"direction"`
	State     string    `json:"state"`
	Remote    string    `json:"remote"`
	StartedAt time.Time `json:"startedAt"`
}

func (s *Service) Status() Status {
	st := Status{
		State:       s.hub.State(),
		Registered:  s.mgr.Registered(),
		MicMuted:    s.micMuted,
		PhoneMuted:  s.phoneMuted,
		VideoMuted:  s.videoMuted,
		StreamState: s.stream.State().String(),
	}
	if c, ok := s.mgr.Active(); ok {
		st.Call = &CallStatus{
			ID:        c.ID,
			Direction: c.Direction.String(),
			State:     c.State.String(),
			Remote:    c.RemoteIdentity,
			StartedAt: c.StartedAt,
		}
	}
	return st
}

// Stream returns the media stream client.
func (s *Service) Stream() *stream.Client {
	return s.stream
}

// Manager returns the call manager.
func (s *Service) Manager() *call.Manager {
	return s.mgr
}
