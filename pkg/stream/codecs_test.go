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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestParseCodecs(t *testing.T) {
	require.Equal(t, []string{"avc1.640029", "mp4a.40.2"}, ParseCodecs(`video/mp4; codecs="avc1.640029, mp4a.40.2"`))
	require.Equal(t, []string{"flac"}, ParseCodecs(`video/mp4;CODECS=flac`))
	require.Nil(t, ParseCodecs("video/mp4"))
	require.Nil(t, ParseCodecs("video/mp4; profiles=iso6"))
}

func TestIntersect(t *testing.T) {
	got := Intersect([]string{"AVC1.64002a", "ac-3", "opus"}, []string{"opus", "avc1.64002A"})
	require.Equal(t, []string{"AVC1.64002a", "opus"}, got)
	require.Empty(t, Intersect([]string{"ac-3"}, Codecs))
}

func TestSupportedCodecs(t *testing.T) {
	got := SupportedCodecs(func(mime string) bool {
		return strings.Contains(mime, "avc1") || strings.Contains(mime, "opus")
	})
	require.Equal(t, []string{"avc1.640029", "avc1.64002A", "avc1.640033", "opus"}, got)
	require.Equal(t, `video/mp4; codecs="avc1.640029,opus"`, MimeType([]string{"avc1.640029", "opus"}))
}

func TestMessageText(t *testing.T) {
	msg, err := NewMessage("mse", "avc1.640029")
	require.NoError(t, err)
	require.Equal(t, "avc1.640029", msg.Text())
	require.Equal(t, `{"x":1}`, Message{Value: []byte(`{"x":1}`)}.Text())
	require.Empty(t, Message{Type: "stream"}.Text())
}

type testSigner struct {
	paths []string
}

func (s *testSigner) SignPath(ctx context.Context, path string) (string, error) {
	s.paths = append(s.paths, path)
	return path + "?authSig=abc", nil
}

func (s *testSigner) URL(path string) string {
	return "https://hass.local:8123" + path
}

func TestSignedURL(t *testing.T) {
	signer := &testSigner{}
	u, err := (&SignedURL{Signer: signer, Entity: "camera.door", Server: "rtsp://nvr"}).StreamURL(context.Background())
	require.NoError(t, err)
	require.Equal(t, "wss://hass.local:8123/api/webrtc/ws?authSig=abc&entity=camera.door&server=rtsp%3A%2F%2Fnvr", u)
	require.Equal(t, []string{RelayPath}, signer.paths)

	u, err = (&SignedURL{Signer: signer, URL: "rtsp://cam/1?a=b"}).StreamURL(context.Background())
	require.NoError(t, err)
	require.Equal(t, "wss://hass.local:8123/api/webrtc/ws?authSig=abc&url=rtsp%3A%2F%2Fcam%2F1%3Fa%3Db", u)
}

func TestWSDialer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		typ, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		_ = c.WriteMessage(typ, data)
	}))
	defer srv.Close()

	conn, err := WSDialer{}.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mse"}`)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, typ)
	require.Equal(t, `{"type":"mse"}`, string(data))
}
