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

package stream

import (
	"fmt"
	"strings"
)

// Codecs lists, in order of preference, the codecs the relay may deliver.
var Codecs = []string{
	"avc1.640029",      // H.264 high 4.1
	"avc1.64002A",      // H.264 high 4.2
	"avc1.640033",      // H.264 high 5.1
	"hvc1.1.6.L153.B0", // H.265 main 5.1
	"mp4a.40.2",        // AAC LC
	"mp4a.40.5",        // AAC HE
	"flac",
	"opus",
}

func codecMime(codec string) string {
	return fmt.Sprintf(`video/mp4; codecs="%s"`, codec)
}

// SupportedCodecs filters Codecs through the sink's type query.
func SupportedCodecs(isSupported func(mime string) bool) []string {
	var out []string
	for _, c := range Codecs {
		if isSupported(codecMime(c)) {
			out = append(out, c)
		}
	}
	return out
}

// ParseCodecs extracts the codecs parameter of a mime type.
func ParseCodecs(mime string) []string {
	_, params, ok := strings.Cut(mime, ";")
	if !ok {
		return nil
	}
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "codecs") {
			continue
		}
		v = strings.Trim(strings.TrimSpace(v), `"`)
		var out []string
		for _, c := range strings.Split(v, ",") {
			if c = strings.TrimSpace(c); c != "" {
				out = append(out, c)
			}
		}
		return out
	}
	return nil
}

// Intersect keeps the offered codecs the client supports, in offer order.
// Codec strings are compared case-insensitively.
func Intersect(offered, supported []string) []string {
	var out []string
	for _, o := range offered {
		for _, s := range supported {
			if strings.EqualFold(o, s) {
				out = append(out, o)
				break
			}
		}
	}
	return out
}

// MimeType builds an fMP4 mime type carrying the given codecs.
func MimeType(codecs []string) string {
	return codecMime(strings.Join(codecs, ","))
}
