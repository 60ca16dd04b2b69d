// Copyright 2023 StreamNative, Inc.
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

package model

import (
	"encoding/binary"
	"encoding/json"

	"github.com/pkg/errors"
)

// Mapped state labels shared by every kind of component.
const (
	StateUnconfigured      = "Unconfigured"
	StateConfiguring       = "Configuring"
	StateActive            = "Active"
	StateRecording         = "Recording"
	StateError             = "Error"
	StateConnectionProblem = "ConnectionProblem"
)

// Web sentinels sent in place of a state body.
const (
	WebReset  = "reset"
	WebRemove = "remove"
)

var ErrMalformedSequence = errors.New("sequence number must be 4 bytes")

type StateObject struct {
	State         string `json:"state"`
	UnmappedState string `json:"unmappedState,omitempty"`
	ConfigTag     string `json:"configTag,omitempty"`
	Comment       string `json:"comment,omitempty"`
}

func ParseStateObject(b []byte) (StateObject, error) {
	so := StateObject{}
	if err := json.Unmarshal(b, &so); err != nil {
		return so, errors.Wrap(err, "invalid state body")
	}
	if so.State == "" {
		return so, errors.New("state body without state")
	}
	return so, nil
}

// ConfigObject is an opaque versioned configuration for a component.
type ConfigObject struct {
	ConfigId string          `json:"configId"`
	Body     json.RawMessage `json:"body,omitempty"`
}

func (c ConfigObject) IsEmpty() bool {
	return c.ConfigId == ""
}

// WebUpdate is the message pushed to the observers of an origin.
type WebUpdate struct {
	Id             string   `json:"id"`
	State          any      `json:"state"`
	SequenceNumber int32    `json:"sequenceNumber"`
	IsGlobalSystem bool     `json:"isGlobalSystem"`
	Buttons        []string `json:"buttons,omitempty"`
}

func EncodeSequence(seq int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(seq))
	return b
}

func DecodeSequence(b []byte) (int32, error) {
	if len(b) != 4 {
		return 0, ErrMalformedSequence
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}
