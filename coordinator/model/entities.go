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
	"encoding/json"
	"fmt"
	"slices"
)

const (
	// UnmappedId is the partition id of the virtual owner of every detector
	// that is not assigned to a real partition.
	UnmappedId = "unmapped"

	// NoPort marks a logical port that the peer does not expose.
	NoPort = -1

	// EcsId is the origin of messages emitted by the coordinator itself.
	EcsId = "ecs"
)

// Global system ids.
const (
	TFC  = "TFC"
	DCS  = "DCS"
	QA   = "QA"
	FLES = "FLES"
)

var GlobalSystemIds = []string{TFC, DCS, QA, FLES}

func IsGlobalSystemId(id string) bool {
	return slices.Contains(GlobalSystemIds, id)
}

func Endpoint(address string, port int) string {
	return fmt.Sprintf("tcp://%s:%d", address, port)
}

type Detector struct {
	Id          string `json:"id" yaml:"id"`
	Address     string `json:"address" yaml:"address"`
	Type        string `json:"type" yaml:"type"`
	PortCommand int    `json:"portCommand" yaml:"portCommand"`
	PingPort    int    `json:"pingPort" yaml:"pingPort"`
}

func (d Detector) CommandEndpoint() string {
	return Endpoint(d.Address, d.PortCommand)
}

func (d Detector) PingEndpoint() string {
	return Endpoint(d.Address, d.PingPort)
}

type Partition struct {
	Id               string `json:"id" yaml:"id"`
	Address          string `json:"address" yaml:"address"`
	PortPublish      int    `json:"portPublish" yaml:"portPublish"`
	PortLog          int    `json:"portLog" yaml:"portLog"`
	PortUpdates      int    `json:"portUpdates" yaml:"portUpdates"`
	PortCurrentState int    `json:"portCurrentState" yaml:"portCurrentState"`
	PortCommand      int    `json:"portCommand" yaml:"portCommand"`
}

func (p Partition) IsUnmapped() bool {
	return p.Id == UnmappedId
}

func (p Partition) CommandEndpoint() string {
	return Endpoint(p.Address, p.PortCommand)
}

func (p Partition) PublishEndpoint() string {
	return Endpoint(p.Address, p.PortPublish)
}

func (p Partition) LogEndpoint() string {
	return Endpoint(p.Address, p.PortLog)
}

func (p Partition) UpdatesEndpoint() string {
	return Endpoint(p.Address, p.PortUpdates)
}

func (p Partition) CurrentStateEndpoint() string {
	return Endpoint(p.Address, p.PortCurrentState)
}

// UnmappedPartition is the descriptor handed to detectors that are owned by
// the unmapped pool. It has neither a command nor a log port.
func UnmappedPartition(address string, portPublish, portUpdates, portCurrentState int) Partition {
	return Partition{
		Id:               UnmappedId,
		Address:          address,
		PortPublish:      portPublish,
		PortLog:          NoPort,
		PortUpdates:      portUpdates,
		PortCurrentState: portCurrentState,
		PortCommand:      NoPort,
	}
}

type GlobalSystem struct {
	Id               string `json:"id" yaml:"id"`
	Address          string `json:"address" yaml:"address"`
	PortCommand      int    `json:"portCommand" yaml:"portCommand"`
	PortPublish      int    `json:"portPublish" yaml:"portPublish"`
	PortUpdates      int    `json:"portUpdates" yaml:"portUpdates"`
	PortCurrentState int    `json:"portCurrentState" yaml:"portCurrentState"`
	PortLog          int    `json:"portLog" yaml:"portLog"`
}

func (g GlobalSystem) CommandEndpoint() string {
	return Endpoint(g.Address, g.PortCommand)
}

func (g GlobalSystem) PublishEndpoint() string {
	return Endpoint(g.Address, g.PortPublish)
}

func (g GlobalSystem) CurrentStateEndpoint() string {
	return Endpoint(g.Address, g.PortCurrentState)
}

// Mapping is the full detector id to partition id assignment.
type Mapping map[string]string

// Permission records which partition currently holds operator control.
type Permission struct {
	PartitionId string `json:"partitionId"`
	Token       string `json:"token"`
}

// MustMarshal encodes the plain model structs, which cannot fail.
func MustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
