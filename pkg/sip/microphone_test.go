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
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/logger"
)

type testSampleWriter struct {
	mu      sync.Mutex
	samples []media.Sample
	err     error
}

func (w *testSampleWriter) WriteSample(s media.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, s)
	return w.err
}

func (w *testSampleWriter) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

func oggInput(t *testing.T, payloads ...[]byte) (AudioInput, *int) {
	var buf bytes.Buffer
	ogg, err := oggwriter.NewWith(&buf, opusSampleRate, 2)
	require.NoError(t, err)
	for i, p := range payloads {
		require.NoError(t, ogg.WriteRTP(&rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: uint16(i), Timestamp: uint32(i * 960)},
			Payload: p,
		}))
	}
	data := buf.Bytes()
	opens := 0
	return func() (io.ReadCloser, error) {
		opens++
		return io.NopCloser(bytes.NewReader(data)), nil
	}, &opens
}

func TestMicrophoneSilence(t *testing.T) {
	m := newMicrophone(&testSampleWriter{}, FileInput(""), logger.GetLogger())
	for range 2 {
		s := m.next()
		require.Equal(t, opusSilence, s.Data)
		require.Equal(t, framePeriod, s.Duration)
	}
}

func TestMicrophoneLoopsInput(t *testing.T) {
	p1 := []byte{0xfc, 0x01, 0x01}
	p2 := []byte{0xfc, 0x02, 0x02}
	p3 := []byte{0xfc, 0x03, 0x03}
	input, opens := oggInput(t, p1, p2, p3)
	m := newMicrophone(&testSampleWriter{}, input, logger.GetLogger())

	var got [][]byte
	for i := range 4 {
		s := m.next()
		got = append(got, s.Data)
		if i == 1 || i == 2 {
			require.Equal(t, framePeriod, s.Duration)
		}
	}
	require.Equal(t, [][]byte{p1, p2, p3, p1}, got)
	require.Equal(t, 2, *opens)
}

func TestMicrophoneMissingInput(t *testing.T) {
	opens := 0
	m := newMicrophone(&testSampleWriter{}, func() (io.ReadCloser, error) {
		opens++
		return nil, os.ErrNotExist
	}, logger.GetLogger())
	for range 3 {
		require.Equal(t, opusSilence, m.next().Data)
	}
	require.Equal(t, 1, opens)
}

func TestMicrophoneRun(t *testing.T) {
	t.Run("stops when done", func(t *testing.T) {
		w := &testSampleWriter{}
		m := newMicrophone(w, nil, logger.GetLogger())
		tick := make(chan time.Time, 2)
		done := make(chan struct{})
		exited := make(chan struct{})
		go func() {
			m.run(tick, done)
			close(exited)
		}()
		tick <- time.Now()
		tick <- time.Now()
		require.Eventually(t, func() bool { return w.Len() == 2 }, time.Second, time.Millisecond)
		close(done)
		<-exited
	})
	t.Run("stops on write error", func(t *testing.T) {
		w := &testSampleWriter{err: errors.New("closed")}
		m := newMicrophone(w, nil, logger.GetLogger())
		tick := make(chan time.Time, 2)
		tick <- time.Now()
		tick <- time.Now()
		m.run(tick, make(chan struct{}))
		require.Equal(t, 1, w.Len())
	})
}
