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
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/livekit/protocol/logger"

	"github.com/livekit/sip-doorbell/pkg/errors"
)

const (
	DefaultStunURL            = "stun:stun.relay.metered.ca:80"
	DefaultTurnURL            = "turn:standard.relay.metered.ca:80"
	DefaultIceTimeout         = 500 * time.Millisecond
	DefaultIceLongTimeout     = 5 * time.Second
	DefaultRegisterExpires    = 30
	DefaultSleepTimeoutMs     = 30000
	DefaultIntersection       = 0.75
	DefaultIncomingExtension  = "555"
	DefaultOutgoingExtension  = "8001"
	DefaultCallStateEntity    = "input_select.stato_chiamata_citofono"
	DefaultCallStateIdle      = "Inattivo"
	DefaultCallStateWaiting   = "In attesa"
	DefaultCallStateTalking   = "In comunicazione"
	DefaultDoorDomain         = "shell_command"
	DefaultDoorService        = "door_open"
	DefaultReconnectCooldown  = 5 * time.Second
	DefaultDisconnectGrace    = time.Second
	DefaultPlaybackBufferSize = 2 * 1024 * 1024
)

type Config struct {
	// SIP user agent; all required.
	SipWS       string `yaml:"sip_ws"`
	SipDomain   string `yaml:"sip_domain"`
	SipExt      string `yaml:"sip_ext"`
	SipUser     string `yaml:"sip_user"`
	SipPassword string `yaml:"sip_password"` // env SIP_PASSWORD

	// TURN credentials; required.
	TurnUser     string `yaml:"turn_user"`
	TurnPassword string `yaml:"turn_password"` // env TURN_PASSWORD
	StunURL      string `yaml:"stun_url"`
	TurnURL      string `yaml:"turn_url"`

	// Media relay stream; one of VideoURL or VideoEntity is required.
	VideoURL          string   `yaml:"video_url"`
	VideoEntity       string   `yaml:"video_entity"`
	VideoServer       string   `yaml:"video_server"`
	VideoBackground   bool     `yaml:"video_background"`
	VideoIntersection *float64 `yaml:"video_intersection"`
	VideoSleepTimeout int      `yaml:"video_sleep_timeout"` // ms

	// Home Assistant host.
	HassURL   string `yaml:"hass_url"`
	HassToken string `yaml:"hass_token"` // env HASS_TOKEN

	IceTimeout      time.Duration `yaml:"ice_timeout"`
	IceLongTimeout  time.Duration `yaml:"ice_long_timeout"`
	RegisterExpires int           `yaml:"register_expires"`

	AutoAnswer        bool   `yaml:"auto_answer"`
	Autocall          bool   `yaml:"autocall"`
	IncomingExtension string `yaml:"incoming_extension"`
	OutgoingExtension string `yaml:"outgoing_extension"`
	CallStateEntity   string `yaml:"call_state_entity"`
	CallStateIdle     string `yaml:"call_state_idle"`
	CallStateWaiting  string `yaml:"call_state_waiting"`
	CallStateTalking  string `yaml:"call_state_talking"`
	DoorDomain        string `yaml:"door_domain"`
	DoorService       string `yaml:"door_service"`

	// Playback sinks; empty discards.
	AudioOutput string `yaml:"audio_output"`
	VideoOutput string `yaml:"video_output"`
	// Ogg Opus file looped into the microphone track; empty sends silence.
	AudioInput string `yaml:"audio_input"`

	HTTPPort       int `yaml:"http_port"`
	PrometheusPort int `yaml:"prometheus_port"`

	Logging logger.Config `yaml:"logging"`

	// internal
	ServiceName string `yaml:"-"`
}

// NewConfig parses and validates the yaml body. The returned config must not be modified.
func NewConfig(confString string) (*Config, error) {
	conf := &Config{
		SipPassword:  os.Getenv("SIP_PASSWORD"),
		TurnPassword: os.Getenv("TURN_PASSWORD"),
		HassToken:    os.Getenv("HASS_TOKEN"),
		ServiceName:  "doorbell",
	}
	if confString != "" {
		if err := yaml.Unmarshal([]byte(confString), conf); err != nil {
			return nil, errors.ErrCouldNotParseConfig(err)
		}
	}
	conf.applyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func (c *Config) applyDefaults() {
	if c.StunURL == "" {
		c.StunURL = DefaultStunURL
	}
	if c.TurnURL == "" {
		c.TurnURL = DefaultTurnURL
	}
	if c.IceTimeout <= 0 {
		c.IceTimeout = DefaultIceTimeout
	}
	if c.IceLongTimeout <= 0 {
		c.IceLongTimeout = DefaultIceLongTimeout
	}
	if c.RegisterExpires <= 0 {
		c.RegisterExpires = DefaultRegisterExpires
	}
	if c.VideoSleepTimeout <= 0 {
		c.VideoSleepTimeout = DefaultSleepTimeoutMs
	}
	if c.VideoIntersection == nil {
		v := DefaultIntersection
		c.VideoIntersection = &v
	}
	if c.IncomingExtension == "" {
		c.IncomingExtension = DefaultIncomingExtension
	}
	if c.OutgoingExtension == "" {
		c.OutgoingExtension = DefaultOutgoingExtension
	}
	if c.CallStateEntity == "" {
		c.CallStateEntity = DefaultCallStateEntity
	}
	if c.CallStateIdle == "" {
		c.CallStateIdle = DefaultCallStateIdle
	}
	if c.CallStateWaiting == "" {
		c.CallStateWaiting = DefaultCallStateWaiting
	}
	if c.CallStateTalking == "" {
		c.CallStateTalking = DefaultCallStateTalking
	}
	if c.DoorDomain == "" {
		c.DoorDomain = DefaultDoorDomain
	}
	if c.DoorService == "" {
		c.DoorService = DefaultDoorService
	}
}

// Validate reports the first missing required option.
func (c *Config) Validate() error {
	required := []struct {
		field string
		value string
	}{
		{"sip_ws", c.SipWS},
		{"sip_domain", c.SipDomain},
		{"sip_ext", c.SipExt},
		{"sip_user", c.SipUser},
		{"sip_password", c.SipPassword},
		{"turn_user", c.TurnUser},
		{"turn_password", c.TurnPassword},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return errors.ErrMissingConfig(r.field)
		}
	}
	if c.VideoURL == "" && c.VideoEntity == "" {
		return errors.ErrMissingConfig("video_url")
	}
	u, err := url.Parse(c.SipWS)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return &errors.ConfigError{Field: "sip_ws", Reason: "must be a ws:// or wss:// url"}
	}
	if c.HassURL != "" {
		if u, err := url.Parse(c.HassURL); err != nil || u.Host == "" {
			return &errors.ConfigError{Field: "hass_url", Reason: "must be an absolute url"}
		}
	}
	if v := *c.VideoIntersection; v < 0 || v > 1 {
		return &errors.ConfigError{Field: "video_intersection", Reason: fmt.Sprintf("%v is out of range [0,1]", v)}
	}
	return nil
}

func (c *Config) Init() error {
	return c.InitLogger()
}

func (c *Config) InitLogger(values ...interface{}) error {
	zl, err := logger.NewZapLogger(&c.Logging)
	if err != nil {
		return err
	}

	values = append(c.GetLoggerValues(), values...)
	l := zl.WithValues(values...)
	logger.SetLogger(l, c.ServiceName)

	return nil
}

func (c *Config) GetLoggerValues() []interface{} {
	return []interface{}{"ext", c.SipExt, "domain", c.SipDomain}
}

// SleepTimeout is the idle period before the video sink goes to standby.
func (c *Config) SleepTimeout() time.Duration {
	return time.Duration(c.VideoSleepTimeout) * time.Millisecond
}

// Intersection is the visibility ratio at or above which the stream is kept connected.
func (c *Config) Intersection() float64 {
	if c.VideoIntersection == nil {
		return DefaultIntersection
	}
	return *c.VideoIntersection
}

// ICEServer is a STUN or TURN server handed to the peer connection.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// ICEServers returns the public STUN server followed by the authenticated TURN relay.
func (c *Config) ICEServers() []ICEServer {
	return []ICEServer{
		{URLs: []string{c.StunURL}},
		{URLs: []string{c.TurnURL}, Username: c.TurnUser, Credential: c.TurnPassword},
	}
}

// CallURI turns an extension into a SIP URI on the configured domain.
func (c *Config) CallURI(dest string) string {
	if strings.HasPrefix(dest, "sip:") || strings.HasPrefix(dest, "sips:") {
		return dest
	}
	return fmt.Sprintf("sip:%s@%s", dest, c.SipDomain)
}
