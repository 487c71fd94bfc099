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
	"fmt"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sip-doorbell/pkg/errors"
	"github.com/livekit/sip-doorbell/pkg/internal/ringbuf"
)

const (
	DefaultCapacity = 2 * 1024 * 1024
	// LiveWindow is how many seconds behind the live edge are retained.
	LiveWindow = 15.0
)

// Buffer feeds inbound chunks into a SourceBuffer. Chunks go straight to the sink
// when it is idle and nothing is queued; otherwise they are queued and flushed as
// one append when the sink finishes its current one.
//
// A chunk that does not fit into the remaining capacity is rejected with
// ErrBufferOverflow and dropped; queued bytes are left intact.
type Buffer struct {
	log  logger.Logger
	sb   SourceBuffer
	ms   MediaSource
	mon  Monitor
	q    *ringbuf.Buffer[byte]
	live float64
}

func NewBuffer(ms MediaSource, sb SourceBuffer, capacity int, log logger.Logger, mon Monitor) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if log == nil {
		log = logger.GetLogger()
	}
	if mon == nil {
		mon = nopMonitor{}
	}
	b := &Buffer{
		log:  log,
		sb:   sb,
		ms:   ms,
		mon:  mon,
		q:    ringbuf.New[byte](capacity),
		live: LiveWindow,
	}
	sb.OnUpdateEnd(b.OnUpdateEnd)
	return b
}

// Len returns the number of queued bytes.
func (b *Buffer) Len() int {
	return b.q.Len()
}

func (b *Buffer) Cap() int {
	return b.q.Size()
}

// Append queues or forwards a chunk.
func (b *Buffer) Append(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	if !b.sb.Updating() && b.q.Len() == 0 {
		b.append(chunk)
		return nil
	}
	if !b.q.TryWrite(chunk) {
		b.mon.BufferOverflow(len(chunk))
		return fmt.Errorf("%w: %d bytes queued, %d incoming, capacity %d",
			errors.ErrBufferOverflow, b.q.Len(), len(chunk), b.q.Size())
	}
	return nil
}

// OnUpdateEnd flushes queued bytes, or trims the retained range when nothing is queued.
func (b *Buffer) OnUpdateEnd() {
	if b.sb.Updating() {
		return
	}
	if b.q.Len() > 0 {
		data := b.q.Drain()
		b.mon.BufferFlushed(len(data))
		b.append(data)
		return
	}
	ranges := b.sb.Buffered()
	if len(ranges) == 0 {
		return
	}
	start := ranges[0].Start
	end := ranges[len(ranges)-1].End - b.live
	if end <= start {
		return
	}
	if err := b.sb.Remove(start, end); err != nil {
		b.log.Debugw("could not trim playback buffer", "error", err, "start", start, "end", end)
		return
	}
	b.ms.SetLiveSeekableRange(end, end+b.live)
}

func (b *Buffer) append(p []byte) {
	if err := b.sb.AppendBuffer(p); err != nil {
		b.log.Debugw("append to source buffer failed", "error", err, "bytes", len(p))
	}
}
