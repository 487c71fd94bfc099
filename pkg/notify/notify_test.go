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

package notify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHub(t *testing.T) {
	h := NewHub()
	var got []Notification
	unsub := h.Subscribe(NotifierFunc(func(n Notification) {
		got = append(got, n)
	}))

	h.Notify(Bool(CallLoading, true))
	h.Notify(StatusText("LIVE"))
	h.Notify(Bool(Talking, true))

	require.Equal(t, []Notification{
		{Kind: CallLoading, Value: true},
		{Kind: Status, Status: "LIVE"},
		{Kind: Talking, Value: true},
	}, got)

	st := h.State()
	require.True(t, st.CallLoading)
	require.True(t, st.Talking)
	require.Equal(t, "LIVE", st.Status)

	unsub()
	h.Notify(Bool(Talking, false))
	require.Len(t, got, 3)
	require.False(t, h.State().Talking)
}

func TestNotificationString(t *testing.T) {
	require.Equal(t, `status="Connecting..."`, StatusText("Connecting...").String())
	require.Equal(t, "wsConnected=true", Bool(WSConnected, true).String())
}
