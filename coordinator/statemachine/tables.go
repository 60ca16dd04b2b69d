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

package statemachine

import (
	"github.com/ecs-project/ecs/coordinator/model"
)

// Transition names understood by the remote agents.
const (
	TransitionConfigure = "configure"
	TransitionAbort     = "abort"
	TransitionReset     = "reset"
	TransitionError     = "error"
	TransitionStart     = "start"
	TransitionStop      = "stop"

	TransitionLock   = "lock"
	TransitionUnlock = "unlock"
	TransitionBusy   = "busy"
	TransitionIdle   = "idle"
)

// Partition lock states.
const (
	LockUnlocked = "Unlocked"
	LockLocked   = "Locked"
	LockBusy     = "Busy"
)

func commonEdges(unconfigured, configuring, active, failed string) []Edge {
	return []Edge{
		{unconfigured, TransitionConfigure, configuring},
		{active, TransitionConfigure, configuring},
		{configuring, TransitionAbort, unconfigured},
		{active, TransitionAbort, unconfigured},
		{unconfigured, TransitionError, failed},
		{configuring, TransitionError, failed},
		{active, TransitionError, failed},
		{failed, TransitionReset, unconfigured},
	}
}

func identity(states ...string) map[string]string {
	m := make(map[string]string, len(states))
	for _, s := range states {
		m[s] = s
	}
	return m
}

func newDetectorTable(name string) *Table {
	return NewTable(name, model.StateUnconfigured,
		commonEdges(model.StateUnconfigured, model.StateConfiguring, model.StateActive, model.StateError),
		identity(model.StateUnconfigured, model.StateConfiguring, model.StateActive, model.StateError),
	)
}

// The DetectorB agents report their own state labels.
const (
	rawOff      = "Off"
	rawRamping  = "Ramping"
	rawReady    = "Ready"
	rawFailure  = "Failure"
	rawTripped  = "Tripped"
	rawStandby  = "Standby"
	rawRecovery = "Recovery"
)

func newDetectorBTable() *Table {
	edges := commonEdges(rawOff, rawRamping, rawReady, rawFailure)
	edges = append(edges,
		Edge{rawStandby, TransitionConfigure, rawRamping},
		Edge{rawStandby, TransitionError, rawFailure},
		Edge{rawTripped, TransitionReset, rawRecovery},
		Edge{rawRecovery, TransitionAbort, rawOff},
	)
	return NewTable("DetectorB", rawOff, edges, map[string]string{
		rawOff:      model.StateUnconfigured,
		rawStandby:  model.StateUnconfigured,
		rawRamping:  model.StateConfiguring,
		rawRecovery: model.StateConfiguring,
		rawReady:    model.StateActive,
		rawFailure:  model.StateError,
		rawTripped:  model.StateError,
	})
}

func newGlobalSystemTable(name string, recording bool) *Table {
	edges := commonEdges(model.StateUnconfigured, model.StateConfiguring, model.StateActive, model.StateError)
	states := []string{model.StateUnconfigured, model.StateConfiguring, model.StateActive, model.StateError}
	if recording {
		edges = append(edges,
			Edge{model.StateActive, TransitionStart, model.StateRecording},
			Edge{model.StateRecording, TransitionStop, model.StateActive},
			Edge{model.StateRecording, TransitionError, model.StateError},
		)
		states = append(states, model.StateRecording)
	}
	return NewTable(name, model.StateUnconfigured, edges, identity(states...))
}

// Built-in tables, keyed by component type.
var (
	DetectorA = newDetectorTable("DetectorA")
	DetectorB = newDetectorBTable()
	STS       = newDetectorTable("STS")
	MVD       = newDetectorTable("MVD")
	TOF       = newDetectorTable("TOF")
	TRD       = newDetectorTable("TRD")
	RICH      = newDetectorTable("RICH")

	TFC  = newGlobalSystemTable(model.TFC, false)
	DCS  = newGlobalSystemTable(model.DCS, false)
	QA   = newGlobalSystemTable(model.QA, true)
	FLES = newGlobalSystemTable(model.FLES, true)

	// PCA is the partition agent's own table. It is only used to derive the
	// operator actions offered for a partition state.
	PCA = NewTable("PCA", model.StateUnconfigured, append(
		commonEdges(model.StateUnconfigured, model.StateConfiguring, model.StateActive, model.StateError),
		Edge{model.StateActive, TransitionStart, model.StateRecording},
		Edge{model.StateRecording, TransitionStop, model.StateActive},
	), identity(model.StateUnconfigured, model.StateConfiguring, model.StateActive, model.StateRecording, model.StateError))

	// PartitionLock models the coordinator side view of a partition during a
	// reconfiguration protocol. Busy is only reachable while the partition is
	// locked: the next accepted command returns it to Locked, the unlock ends
	// the protocol.
	PartitionLock = NewTable("PartitionLock", LockUnlocked, []Edge{
		{LockUnlocked, TransitionLock, LockLocked},
		{LockLocked, TransitionUnlock, LockUnlocked},
		{LockLocked, TransitionBusy, LockBusy},
		{LockBusy, TransitionIdle, LockLocked},
		{LockBusy, TransitionUnlock, LockUnlocked},
	}, nil)
)

// UIButtonsForState returns the operator actions available on a partition
// in the given mapped state.
func UIButtonsForState(state string) []string {
	return PCA.TransitionsFrom(state)
}
