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

package webm

import (
	"fmt"
	"io"
	"math/rand"
	"slices"

	"github.com/at-wat/ebml-go/webm"
	"github.com/pion/rtp"
)

const (
	CodecOpus       = "A_OPUS"
	OpusSampleRate  = 48000
	OpusChannels    = 2
	trackTypeAudio  = 2
	defaultFrameDur = 20 // ms
)

// Writer stores RTP audio payloads as WebM blocks.
type Writer struct {
	codec      string
	ws         webm.BlockWriteCloser
	done       chan struct{}
	channels   int
	sampleRate int

	started bool
	firstTS uint32
	lastMs  int64
}

// NewOpusWriter writes an Opus audio track.
func NewOpusWriter(w io.WriteCloser) (*Writer, error) {
	return NewWriter(w, CodecOpus, OpusChannels, OpusSampleRate)
}

// closeNotifier reports when the muxer has released the output.
type closeNotifier struct {
	io.WriteCloser
	done chan struct{}
}

func (c *closeNotifier) Close() error {
	defer close(c.done)
	return c.WriteCloser.Close()
}

func NewWriter(w io.WriteCloser, codec string, channels, sampleRate int) (*Writer, error) {
	out := &closeNotifier{WriteCloser: w, done: make(chan struct{})}
	ws, err := webm.NewSimpleBlockWriter(out, []webm.TrackEntry{
		{
			Name:            "Audio",
			TrackNumber:     1,
			TrackUID:        rand.Uint64(),
			CodecID:         codec,
			TrackType:       trackTypeAudio,
			DefaultDuration: uint64(defaultFrameDur * 1000000),
			Audio: &webm.Audio{
				SamplingFrequency: float64(sampleRate),
				Channels:          uint64(channels),
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return &Writer{codec: codec, ws: ws[0], done: out.done, channels: channels, sampleRate: sampleRate}, nil
}

func (w *Writer) String() string {
	return fmt.Sprintf("WEBM(%s,%d,%d)", w.codec, w.channels, w.sampleRate)
}

// WriteRTP writes the packet payload, timestamped relative to the first packet.
func (w *Writer) WriteRTP(p *rtp.Packet) error {
	if len(p.Payload) == 0 {
		return nil
	}
	if !w.started {
		w.started = true
		w.firstTS = p.Timestamp
	}
	ms := int64(p.Timestamp-w.firstTS) * 1000 / int64(w.sampleRate)
	if ms < w.lastMs {
		// reordered packet; keep block timestamps monotonic
		ms = w.lastMs
	}
	w.lastMs = ms
	_, err := w.ws.Write(true, ms, slices.Clone(p.Payload))
	return err
}

// DurationMs returns the timestamp of the last written block.
func (w *Writer) DurationMs() int64 {
	return w.lastMs
}

// Close finalizes the stream and waits until the output is closed.
func (w *Writer) Close() error {
	if err := w.ws.Close(); err != nil {
		return err
	}
	<-w.done
	return nil
}
