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

package playback

import (
	"errors"

	"github.com/livekit/protocol/logger"

	doorerrors "github.com/livekit/sip-doorbell/pkg/errors"
)

// Player is anything that can start playback and be muted.
type Player interface {
	Play() error
	SetMuted(muted bool)
}

// Play starts p. When playback with sound is refused it mutes p and retries once.
func Play(p Player, log logger.Logger) error {
	err := p.Play()
	if err == nil || !errors.Is(err, doorerrors.ErrAutoplayBlocked) {
		return err
	}
	if log != nil {
		log.Debugw("autoplay blocked, retrying muted")
	}
	p.SetMuted(true)
	if err = p.Play(); err != nil && log != nil {
		log.Warnw("muted playback failed", err)
	}
	return err
}
