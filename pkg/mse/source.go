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

// TimeRange is a buffered interval of the media timeline, in seconds.
type TimeRange struct {
	Start float64
	End   float64
}

// MediaSource is a byte-stream playback pipeline accepting fMP4 segments.
type MediaSource interface {
	// OnSourceOpen registers fn to be called once, on the event loop, when buffers can be added.
	OnSourceOpen(fn func())
	IsTypeSupported(mime string) bool
	AddSourceBuffer(mime string) (SourceBuffer, error)
	SetLiveSeekableRange(start, end float64)
	Close() error
}

// SourceBuffer appends segments asynchronously. While Updating reports true no
// other append may be issued; completion is signalled through OnUpdateEnd.
type SourceBuffer interface {
	Updating() bool
	AppendBuffer(p []byte) error
	OnUpdateEnd(fn func())
	Buffered() []TimeRange
	Remove(start, end float64) error
}

// Monitor records buffer metrics.
type Monitor interface {
	BufferFlushed(bytes int)
	BufferOverflow(bytes int)
}

type nopMonitor struct{}

func (nopMonitor) BufferFlushed(int)  {}
func (nopMonitor) BufferOverflow(int) {}
