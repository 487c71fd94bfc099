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

package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/livekit/sip-doorbell/pkg/errors"
)

const validConfig = `
sip_ws: wss://pbx.example.com:8089/ws
sip_domain: pbx.example.com
sip_ext: "100"
sip_user: "100"
sip_password: secret
turn_user: turn
turn_password: turnsecret
video_entity: camera.front_door
`

func TestNewConfig(t *testing.T) {
	t.Setenv("SIP_PASSWORD", "")
	t.Setenv("TURN_PASSWORD", "")
	t.Setenv("HASS_TOKEN", "")

	conf, err := NewConfig(validConfig)
	require.NoError(t, err)
	require.Equal(t, "pbx.example.com", conf.SipDomain)
	require.Equal(t, DefaultIceTimeout, conf.IceTimeout)
	require.Equal(t, DefaultIceLongTimeout, conf.IceLongTimeout)
	require.Equal(t, 30*time.Second, conf.SleepTimeout())
	require.Equal(t, 0.75, conf.Intersection())
	require.Equal(t, "sip:8001@pbx.example.com", conf.CallURI("8001"))
	require.Equal(t, "sip:bob@other.org", conf.CallURI("sip:bob@other.org"))

	servers := conf.ICEServers()
	require.Len(t, servers, 2)
	require.Equal(t, []string{DefaultStunURL}, servers[0].URLs)
	require.Empty(t, servers[0].Username)
	require.Equal(t, "turn", servers[1].Username)
	require.Equal(t, "turnsecret", servers[1].Credential)
}

func TestNewConfigOverrides(t *testing.T) {
	conf, err := NewConfig(validConfig + `
ice_timeout: 250ms
ice_long_timeout: 3s
video_intersection: 0
video_sleep_timeout: 1000
`)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, conf.IceTimeout)
	require.Equal(t, 3*time.Second, conf.IceLongTimeout)
	require.Equal(t, 0.0, conf.Intersection())
	require.Equal(t, time.Second, conf.SleepTimeout())
}

func TestNewConfigMissingField(t *testing.T) {
	t.Setenv("SIP_PASSWORD", "")
	t.Setenv("TURN_PASSWORD", "")

	cases := []struct {
		name  string
		drop  string
		field string
	}{
		{"domain", "sip_domain: pbx.example.com\n", "sip_domain"},
		{"ws", "sip_ws: wss://pbx.example.com:8089/ws\n", "sip_ws"},
		{"turn", "turn_password: turnsecret\n", "turn_password"},
		{"video", "video_entity: camera.front_door\n", "video_url"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			body := removeLine(validConfig, c.drop)
			_, err := NewConfig(body)
			require.Error(t, err)
			var cerr *errors.ConfigError
			require.ErrorAs(t, err, &cerr)
			require.Equal(t, c.field, cerr.Field)
			require.Contains(t, err.Error(), c.field)
		})
	}
}

func TestNewConfigSecretsFromEnv(t *testing.T) {
	t.Setenv("SIP_PASSWORD", "from-env")
	conf, err := NewConfig(removeLine(validConfig, "sip_password: secret\n"))
	require.NoError(t, err)
	require.Equal(t, "from-env", conf.SipPassword)
}

func TestNewConfigInvalid(t *testing.T) {
	_, err := NewConfig("sip_ws: [")
	require.Error(t, err)
	require.False(t, errors.IsConfigError(err))

	_, err = NewConfig(validConfig + "video_intersection: 2\n")
	require.True(t, errors.IsConfigError(err))

	_, err = NewConfig(removeLine(validConfig, "sip_ws: wss://pbx.example.com:8089/ws\n") + "sip_ws: http://pbx\n")
	require.True(t, errors.IsConfigError(err))
}

func removeLine(s, line string) string {
	return strings.Replace(s, line, "", 1)
}
