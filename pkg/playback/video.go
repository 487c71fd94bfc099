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
	"io"
	"sync"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sip-doorbell/pkg/loop"
	"github.com/livekit/sip-doorbell/pkg/mse"
)

// VideoPlayer writes the live stream into a single output, one media source
// at a time.
type VideoPlayer struct {
	log    logger.Logger
	sched  loop.Scheduler
	out    io.Writer
	onPlay func()

	mu      sync.Mutex
	source  mse.MediaSource
	muted   bool
	playing bool
}

func NewVideoPlayer(sched loop.Scheduler, out io.Writer, log logger.Logger) *VideoPlayer {
	if out == nil {
		out = io.Discard
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &VideoPlayer{log: log, sched: sched, out: out}
}

// OnPlay registers fn, called every time playback starts.
func (p *VideoPlayer) OnPlay(fn func()) {
	p.onPlay = fn
}

func (p *VideoPlayer) NewMediaSource() (mse.MediaSource, error) {
	return mse.NewFileSource(p.sched, p.out, p.log), nil
}

func (p *VideoPlayer) SetSource(ms mse.MediaSource) {
	p.mu.Lock()
	prev := p.source
	p.source = ms
	p.playing = false
	p.mu.Unlock()
	if prev != nil && prev != ms {
		_ = prev.Close()
	}
}

func (p *VideoPlayer) Source() mse.MediaSource {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.source
}

func (p *VideoPlayer) Play() error {
	p.mu.Lock()
	if p.source == nil {
		p.mu.Unlock()
		return nil
	}
	p.playing = true
	p.mu.Unlock()
	if p.onPlay != nil {
		p.onPlay()
	}
	return nil
}

func (p *VideoPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

func (p *VideoPlayer) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

func (p *VideoPlayer) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}
