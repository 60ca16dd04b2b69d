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
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/qmuntal/stateless"

	"github.com/ecs-project/ecs/coordinator/model"
)

var ErrTransitionNotPermitted = errors.New("transition not permitted")

// StateMachine holds the current state of one component and evaluates
// transitions against its kind's table. It performs no I/O.
type StateMachine struct {
	sync.Mutex
	table   *Table
	current string
	sm      *stateless.StateMachine
}

func NewStateMachine(table *Table) *StateMachine {
	return newStateMachine(table, table.Initial())
}

// NewDisconnected returns a machine parked in ConnectionProblem, which
// accepts no transition until a state is set from the peer.
func NewDisconnected(table *Table) *StateMachine {
	return newStateMachine(table, model.StateConnectionProblem)
}

func newStateMachine(table *Table, initial string) *StateMachine {
	m := &StateMachine{
		table:   table,
		current: initial,
	}

	// The accessors run while the caller holds the mutex.
	m.sm = stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return m.current, nil
		},
		func(_ context.Context, s stateless.State) error {
			m.current = s.(string)
			return nil
		},
		stateless.FiringImmediate,
	)

	m.sm.Configure(model.StateConnectionProblem)
	for _, state := range table.States() {
		cfg := m.sm.Configure(state)
		for _, tr := range table.TransitionsFrom(state) {
			next, _ := table.Next(state, tr)
			if next == state {
				cfg.PermitReentry(tr)
			} else {
				cfg.Permit(tr, next)
			}
		}
	}
	return m
}

func (m *StateMachine) Table() *Table {
	return m.table
}

// CheckIfPossible returns whether the current state accepts the transition.
func (m *StateMachine) CheckIfPossible(transition string) bool {
	m.Lock()
	defer m.Unlock()
	return m.canFire(transition)
}

func (m *StateMachine) canFire(transition string) bool {
	ok, err := m.sm.CanFire(transition)
	return err == nil && ok
}

// Next returns the state the transition would lead to, without applying it.
func (m *StateMachine) Next(transition string) (string, bool) {
	m.Lock()
	defer m.Unlock()
	return m.table.Next(m.current, transition)
}

// Fire applies a confirmed transition.
func (m *StateMachine) Fire(transition string) error {
	m.Lock()
	defer m.Unlock()
	if !m.canFire(transition) {
		return errors.Wrapf(ErrTransitionNotPermitted, "%s in state %s", transition, m.current)
	}
	return m.sm.Fire(transition)
}

// SetState overrides the current state, as established by a peer snapshot.
func (m *StateMachine) SetState(state string) {
	m.Lock()
	defer m.Unlock()
	m.current = state
}

func (m *StateMachine) CurrentState() string {
	m.Lock()
	defer m.Unlock()
	return m.current
}

func (m *StateMachine) MappedState() string {
	m.Lock()
	defer m.Unlock()
	return m.table.Map(m.current)
}
