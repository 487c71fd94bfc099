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

package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNoConfig        = errors.New("missing config")
	ErrCallInProgress  = errors.New("call already in progress")
	ErrNoSession       = errors.New("no active session")
	ErrBufferOverflow  = errors.New("playback buffer overflow")
	ErrAutoplayBlocked = errors.New("playback not allowed without user gesture")
	ErrNotConnected    = errors.New("not connected")
)

func ErrCouldNotParseConfig(err error) error {
	return fmt.Errorf("could not parse config: %w", err)
}

// ConfigError is returned when a required configuration option is missing or invalid.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("config: %s is required", e.Field)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func ErrMissingConfig(field string) error {
	return &ConfigError{Field: field}
}

// NegotiationStage names the media negotiation step that failed.
type NegotiationStage string

const (
	StageGetMedia      NegotiationStage = "get_media"
	StageCreateOffer   NegotiationStage = "create_offer"
	StageCreateAnswer  NegotiationStage = "create_answer"
	StageSetLocalDesc  NegotiationStage = "set_local_description"
	StageSetRemoteDesc NegotiationStage = "set_remote_description"
	StageIceGathering  NegotiationStage = "ice_gathering"
	StageSignaling     NegotiationStage = "signaling"
)

// NegotiationError is terminal for the call it belongs to.
type NegotiationError struct {
	Stage NegotiationStage
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed at %s: %v", e.Stage, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

func NewNegotiationError(stage NegotiationStage, err error) error {
	return &NegotiationError{Stage: stage, Err: err}
}

// TransportError is recoverable by reconnecting.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func NewTransportError(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

func IsConfigError(err error) bool {
	var e *ConfigError
	return errors.As(err, &e)
}

func IsNegotiationError(err error) bool {
	var e *NegotiationError
	return errors.As(err, &e)
}

func IsTransportError(err error) bool {
	var e *TransportError
	return errors.As(err, &e)
}
