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

package call

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// MediaStream groups remote tracks handed to the playback sink.
type MediaStream struct {
	ID     string
	tracks []Track
}

func NewMediaStream(id string, tracks ...Track) *MediaStream {
	s := &MediaStream{ID: id}
	for _, t := range tracks {
		s.AddTrack(t)
	}
	return s
}

func (s *MediaStream) Tracks() []Track {
	return s.tracks
}

func (s *MediaStream) AudioTracks() []Track {
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == "audio" {
			out = append(out, t)
		}
	}
	return out
}

// AddTrack adds t unless a track with the same ID is already present.
func (s *MediaStream) AddTrack(t Track) bool {
	for _, v := range s.tracks {
		if v.ID() == t.ID() {
			return false
		}
	}
	s.tracks = append(s.tracks, t)
	return true
}

const streamCacheSize = 16

// streamWrapper wraps each remote track into a MediaStream exactly once.
type streamWrapper struct {
	cache *lru.Cache[string, *MediaStream]
}

func newStreamWrapper() *streamWrapper {
	cache, err := lru.New[string, *MediaStream](streamCacheSize)
	if err != nil {
		panic(err)
	}
	return &streamWrapper{cache: cache}
}

// Wrap returns the stream the track belongs to, or a new stream holding only
// the track. It reports whether the track was new to the stream.
func (w *streamWrapper) Wrap(t Track) (*MediaStream, bool) {
	key := t.StreamID()
	if key == "" {
		key = "track:" + t.ID()
	}
	if s, ok := w.cache.Get(key); ok {
		return s, s.AddTrack(t)
	}
	s := &MediaStream{ID: key}
	s.AddTrack(t)
	w.cache.Add(key, s)
	return s, true
}

func (w *streamWrapper) Reset() {
	w.cache.Purge()
}
