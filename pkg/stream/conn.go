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
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Message is a JSON control message exchanged with the relay.
type Message struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

func NewMessage(typ string, value any) (Message, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Value: raw}, nil
}

// Text returns the value as a string; non-string values are returned as raw JSON.
func (m Message) Text() string {
	if len(m.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Value, &s); err == nil {
		return s
	}
	return string(m.Value)
}

// Conn is a message-oriented socket. One goroutine may read while another writes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials relay sockets with gorilla/websocket.
type WSDialer struct {
	Dialer *websocket.Dialer
}

func (d WSDialer) Dial(ctx context.Context, u string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// URLSource provides the URL for each connection attempt.
type URLSource interface {
	StreamURL(ctx context.Context) (string, error)
}

// PathSigner signs host paths for unauthenticated access.
type PathSigner interface {
	SignPath(ctx context.Context, path string) (string, error)
	URL(path string) string
}

const RelayPath = "/api/webrtc/ws"

// SignedURL builds relay URLs from a freshly signed path.
type SignedURL struct {
	Signer PathSigner
	Entity string
	URL    string
	Server string
}

func (s *SignedURL) StreamURL(ctx context.Context) (string, error) {
	path, err := s.Signer.SignPath(ctx, RelayPath)
	if err != nil {
		return "", err
	}
	u := s.Signer.URL(path)
	if rest, ok := strings.CutPrefix(u, "http"); ok {
		u = "ws" + rest
	}
	if s.Entity != "" {
		u += "&entity=" + s.Entity
	} else if s.URL != "" {
		u += "&url=" + url.QueryEscape(s.URL)
	}
	if s.Server != "" {
		u += "&server=" + url.QueryEscape(s.Server)
	}
	return u, nil
}

// StaticURL always returns the same URL.
type StaticURL string

func (u StaticURL) StreamURL(ctx context.Context) (string, error) {
	return string(u), nil
}
