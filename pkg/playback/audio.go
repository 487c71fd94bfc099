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
	"os"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sip-doorbell/pkg/call"
	"github.com/livekit/sip-doorbell/pkg/loop"
	"github.com/livekit/sip-doorbell/pkg/media/webm"
)

// PacketReader is implemented by remote tracks carrying RTP.
type PacketReader interface {
	ReadPacket() (*rtp.Packet, error)
}

// OutputFunc opens the destination of one playback session.
type OutputFunc func() (io.WriteCloser, error)

// FileOutput truncates and writes path on every session.
func FileOutput(path string) OutputFunc {
	return func() (io.WriteCloser, error) {
		return os.Create(path)
	}
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Discard drops everything.
func Discard() OutputFunc {
	return func() (io.WriteCloser, error) {
		return nopCloser{io.Discard}, nil
	}
}

// AudioSink records remote call audio as WebM. It reports progress once the
// first packet of a source has been received.
type AudioSink struct {
	log        logger.Logger
	sched      loop.Scheduler
	open       OutputFunc
	onProgress func()

	source  *call.MediaStream
	session *audioSession
	muted   atomic.Bool
}

var _ call.Sink = (*AudioSink)(nil)

func NewAudioSink(sched loop.Scheduler, open OutputFunc, log logger.Logger) *AudioSink {
	if open == nil {
		open = Discard()
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &AudioSink{log: log, sched: sched, open: open}
}

// OnProgress registers fn, called on the loop when audio starts flowing.
func (s *AudioSink) OnProgress(fn func()) {
	s.onProgress = fn
}

func (s *AudioSink) Source() *call.MediaStream {
	return s.source
}

func (s *AudioSink) SetSource(src *call.MediaStream) {
	if s.session != nil {
		s.session.stop()
		s.session = nil
	}
	s.source = src
}

func (s *AudioSink) SetMuted(muted bool) {
	s.muted.Store(muted)
}

func (s *AudioSink) Muted() bool {
	return s.muted.Load()
}

// Play starts recording every audio track of the source. Calling it again
// picks up tracks added to the source since the last call.
func (s *AudioSink) Play() error {
	if s.source == nil {
		return nil
	}
	if s.session == nil {
		out, err := s.open()
		if err != nil {
			return err
		}
		w, err := webm.NewOpusWriter(out)
		if err != nil {
			_ = out.Close()
			return err
		}
		s.session = &audioSession{sink: s, w: w, reading: make(map[string]bool)}
	}
	s.session.start(s.source.AudioTracks())
	return nil
}

type audioSession struct {
	sink     *AudioSink
	wg       sync.WaitGroup
	mu       sync.Mutex
	w        *webm.Writer
	stopped  bool
	reported atomic.Bool
	reading  map[string]bool
}

func (a *audioSession) start(tracks []call.Track) {
	for _, t := range tracks {
		if a.reading[t.ID()] {
			continue
		}
		r, ok := t.(PacketReader)
		if !ok {
			a.sink.log.Debugw("track cannot be read", "track", t.ID())
			continue
		}
		a.reading[t.ID()] = true
		a.wg.Add(1)
		go a.read(r)
	}
}

func (a *audioSession) read(r PacketReader) {
	defer a.wg.Done()
	buf := newJitterBuffer(opusClockRate)
	for {
		pkt, err := r.ReadPacket()
		if err != nil {
			a.writeAll(buf.Pop(true))
			return
		}
		buf.Push(pkt.Clone())
		if !a.writeAll(buf.Pop(false)) {
			return
		}
		if !a.reported.Swap(true) && a.sink.onProgress != nil {
			a.sink.sched.Post(a.progress)
		}
	}
}

func (a *audioSession) writeAll(pkts []*rtp.Packet) bool {
	for _, p := range pkts {
		if !a.write(p) {
			return false
		}
	}
	return true
}

func (a *audioSession) progress() {
	if a.sink.session == a {
		a.sink.onProgress()
	}
}

func (a *audioSession) write(pkt *rtp.Packet) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return false
	}
	if a.sink.muted.Load() {
		return true
	}
	if err := a.w.WriteRTP(pkt); err != nil {
		a.sink.log.Debugw("could not record audio", "error", err)
	}
	return true
}

func (a *audioSession) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.stopped = true
	if err := a.w.Close(); err != nil {
		a.sink.log.Debugw("could not close audio recording", "error", err)
	}
}
