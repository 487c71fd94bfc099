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

package mse

import (
	"errors"
	"io"
	"strings"
	"sync/atomic"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sip-doorbell/pkg/loop"
)

var (
	errUpdating     = errors.New("source buffer is updating")
	errSourceClosed = errors.New("media source is closed")
	errHasBuffer    = errors.New("media source already has a source buffer")
)

// FileSource writes appended segments to w, e.g. a file or a pipe into a player.
// It keeps no media timeline, so Buffered is always empty.
type FileSource struct {
	log    logger.Logger
	sched  loop.Scheduler
	w      io.Writer
	sb     *fileSourceBuffer
	closed bool
	mime   string
}

var _ MediaSource = (*FileSource)(nil)

func NewFileSource(sched loop.Scheduler, w io.Writer, log logger.Logger) *FileSource {
	if log == nil {
		log = logger.GetLogger()
	}
	return &FileSource{log: log, sched: sched, w: w}
}

func (s *FileSource) OnSourceOpen(fn func()) {
	s.sched.Post(fn)
}

func (s *FileSource) IsTypeSupported(mime string) bool {
	return strings.HasPrefix(strings.TrimSpace(mime), "video/mp4")
}

func (s *FileSource) AddSourceBuffer(mime string) (SourceBuffer, error) {
	if s.closed {
		return nil, errSourceClosed
	}
	if s.sb != nil {
		return nil, errHasBuffer
	}
	s.mime = mime
	s.sb = &fileSourceBuffer{src: s}
	s.log.Infow("source buffer created", "mime", mime)
	return s.sb, nil
}

func (s *FileSource) SetLiveSeekableRange(start, end float64) {}

// MimeType returns the type of the source buffer, empty before it is created.
func (s *FileSource) MimeType() string {
	return s.mime
}

// Written returns the number of bytes written so far.
func (s *FileSource) Written() int64 {
	if s.sb == nil {
		return 0
	}
	return s.sb.written.Load()
}

// Close detaches the source. The underlying writer is owned by the caller.
func (s *FileSource) Close() error {
	s.closed = true
	return nil
}

type fileSourceBuffer struct {
	src      *FileSource
	updating bool
	onEnd    func()
	written  atomic.Int64
}

func (b *fileSourceBuffer) Updating() bool {
	return b.updating
}

func (b *fileSourceBuffer) OnUpdateEnd(fn func()) {
	b.onEnd = fn
}

func (b *fileSourceBuffer) AppendBuffer(p []byte) error {
	if b.src.closed {
		return errSourceClosed
	}
	if b.updating {
		return errUpdating
	}
	b.updating = true
	go func() {
		n, err := b.src.w.Write(p)
		b.written.Add(int64(n))
		b.src.sched.Post(func() {
			b.updating = false
			if err != nil {
				b.src.log.Warnw("could not write media segment", err)
			}
			if b.onEnd != nil && !b.src.closed {
				b.onEnd()
			}
		})
	}()
	return nil
}

func (b *fileSourceBuffer) Buffered() []TimeRange {
	return nil
}

func (b *fileSourceBuffer) Remove(start, end float64) error {
	return nil
}
