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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecs-project/ecs/coordinator/model"
)

func TestStateMachine_CheckIfPossible(t *testing.T) {
	m := NewStateMachine(DetectorA)
	assert.Equal(t, model.StateUnconfigured, m.CurrentState())

	assert.True(t, m.CheckIfPossible(TransitionConfigure))
	assert.False(t, m.CheckIfPossible(TransitionAbort))
	assert.False(t, m.CheckIfPossible(TransitionReset))
	assert.False(t, m.CheckIfPossible("unknown"))

	next, ok := m.Next(TransitionConfigure)
	assert.True(t, ok)
	assert.Equal(t, model.StateConfiguring, next)

	// Next never advances the state
	assert.Equal(t, model.StateUnconfigured, m.CurrentState())
}

func TestStateMachine_SetState(t *testing.T) {
	m := NewStateMachine(QA)
	m.SetState(model.StateActive)
	assert.True(t, m.CheckIfPossible(TransitionStart))
	assert.True(t, m.CheckIfPossible(TransitionAbort))

	m.SetState(model.StateRecording)
	assert.True(t, m.CheckIfPossible(TransitionStop))
	assert.False(t, m.CheckIfPossible(TransitionConfigure))
}

func TestStateMachine_ConnectionProblemAcceptsNothing(t *testing.T) {
	m := NewDisconnected(DetectorA)
	assert.Equal(t, model.StateConnectionProblem, m.CurrentState())
	assert.Equal(t, model.StateConnectionProblem, m.MappedState())

	for _, tr := range []string{TransitionConfigure, TransitionAbort, TransitionReset, TransitionError} {
		assert.False(t, m.CheckIfPossible(tr), tr)
	}
	assert.ErrorIs(t, m.Fire(TransitionConfigure), ErrTransitionNotPermitted)
}

func TestStateMachine_Fire(t *testing.T) {
	m := NewStateMachine(PartitionLock)
	assert.False(t, m.CheckIfPossible(TransitionBusy))
	assert.False(t, m.CheckIfPossible(TransitionIdle))
	require.NoError(t, m.Fire(TransitionLock))
	assert.Equal(t, LockLocked, m.CurrentState())

	assert.ErrorIs(t, m.Fire(TransitionLock), ErrTransitionNotPermitted)

	require.NoError(t, m.Fire(TransitionBusy))
	assert.Equal(t, LockBusy, m.CurrentState())
	assert.False(t, m.CheckIfPossible(TransitionLock))

	require.NoError(t, m.Fire(TransitionIdle))
	assert.Equal(t, LockLocked, m.CurrentState())
	require.NoError(t, m.Fire(TransitionBusy))

	require.NoError(t, m.Fire(TransitionUnlock))
	assert.Equal(t, LockUnlocked, m.CurrentState())
}

func TestDetectorB_MappedStates(t *testing.T) {
	m := NewStateMachine(DetectorB)
	assert.Equal(t, "Off", m.CurrentState())
	assert.Equal(t, model.StateUnconfigured, m.MappedState())

	m.SetState("Ready")
	assert.Equal(t, model.StateActive, m.MappedState())

	m.SetState("Tripped")
	assert.Equal(t, model.StateError, m.MappedState())
	assert.True(t, m.CheckIfPossible(TransitionReset))
}

func TestUIButtonsForState(t *testing.T) {
	assert.Equal(t, []string{TransitionConfigure, TransitionError}, UIButtonsForState(model.StateUnconfigured))
	assert.Equal(t, []string{TransitionAbort, TransitionConfigure, TransitionError, TransitionStart}, UIButtonsForState(model.StateActive))
	assert.Equal(t, []string{TransitionReset}, UIButtonsForState(model.StateError))
	assert.Empty(t, UIButtonsForState(model.StateConnectionProblem))
}

func TestLoadTable(t *testing.T) {
	transitions := `# state,transition,next
Idle,configure,Busy
Busy,abort,Idle
Busy,done,Ready
malformed,row
`
	mapping := `Idle,Unconfigured
Busy,Configuring
Ready,Active
`
	table, err := LoadTable("custom", strings.NewReader(transitions), strings.NewReader(mapping))
	require.NoError(t, err)
	assert.Equal(t, "Idle", table.Initial())
	assert.Equal(t, []string{"Busy", "Idle", "Ready"}, table.States())

	m := NewStateMachine(table)
	assert.True(t, m.CheckIfPossible("configure"))
	require.NoError(t, m.Fire("configure"))
	assert.Equal(t, model.StateConfiguring, m.MappedState())
	require.NoError(t, m.Fire("done"))
	assert.Equal(t, model.StateActive, m.MappedState())

	_, err = LoadTable("empty", strings.NewReader(""), nil)
	assert.Error(t, err)
}
