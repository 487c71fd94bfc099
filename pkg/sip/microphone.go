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
	"bytes"
	"errors"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/livekit/protocol/logger"
)

const (
	framePeriod    = 20 * time.Millisecond
	opusSampleRate = 48000
)

// opusSilence is a 20ms Opus silence frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// AudioInput opens the microphone source. Nil sends silence.
type AudioInput func() (io.ReadCloser, error)

func FileInput(path string) AudioInput {
	if path == "" {
		return nil
	}
	return func() (io.ReadCloser, error) {
		return os.Open(path)
	}
}

type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// microphone feeds the local audio track, one Ogg page per tick, looping the
// input at EOF.
type microphone struct {
	log     logger.Logger
	open    AudioInput
	w       sampleWriter
	src     io.ReadCloser
	ogg     *oggreader.OggReader
	granule uint64
}

func newMicrophone(w sampleWriter, open AudioInput, log logger.Logger) *microphone {
	return &microphone{log: log, open: open, w: w}
}

func (m *microphone) run(tick <-chan time.Time, done <-chan struct{}) {
	defer m.closeInput()
	for {
		select {
		case <-done:
			return
		case <-tick:
		}
		if err := m.w.WriteSample(m.next()); err != nil {
			m.log.Debugw("microphone stopped", "error", err)
			return
		}
	}
}

func (m *microphone) next() media.Sample {
	silence := media.Sample{Data: opusSilence, Duration: framePeriod}
	// EOF reopens the input and skips its tags page
	for range 3 {
		if m.open == nil {
			return silence
		}
		if m.ogg == nil && !m.openInput() {
			return silence
		}
		data, hdr, err := m.ogg.ParseNextPage()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				m.log.Warnw("could not read microphone input", err)
			}
			m.closeInput()
			continue
		}
		if bytes.HasPrefix(data, []byte("OpusTags")) {
			m.granule = hdr.GranulePosition
			continue
		}
		d := framePeriod
		if hdr.GranulePosition > m.granule {
			d = time.Duration(hdr.GranulePosition-m.granule) * time.Second / opusSampleRate
		}
		m.granule = hdr.GranulePosition
		return media.Sample{Data: data, Duration: d}
	}
	return silence
}

func (m *microphone) openInput() bool {
	src, err := m.open()
	if err == nil {
		var ogg *oggreader.OggReader
		if ogg, _, err = oggreader.NewWith(src); err == nil {
			m.src, m.ogg, m.granule = src, ogg, 0
			return true
		}
		_ = src.Close()
	}
	m.log.Warnw("microphone input unavailable, sending silence", err)
	m.open = nil
	return false
}

func (m *microphone) closeInput() {
	if m.src != nil {
		_ = m.src.Close()
	}
	m.src, m.ogg = nil, nil
}
