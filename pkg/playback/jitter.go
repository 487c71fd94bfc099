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
	"time"

	"github.com/pion/rtp"

	"github.com/livekit/server-sdk-go/v2/pkg/jitter"
)

const (
	opusClockRate    = 48000
	jitterMaxLatency = 60 * time.Millisecond
)

// newJitterBuffer reorders packets of one audio track. Every packet is a whole sample.
func newJitterBuffer(clockRate uint32) *jitter.Buffer {
	return jitter.NewBuffer(audioDepacketizer{}, clockRate, jitterMaxLatency)
}

type audioDepacketizer struct{}

func (d audioDepacketizer) Unmarshal(packet []byte) ([]byte, error) {
	return packet, nil
}

func (d audioDepacketizer) IsPartitionHead(payload []byte) bool {
	return true
}

func (d audioDepacketizer) IsPartitionTail(marker bool, payload []byte) bool {
	return true
}
