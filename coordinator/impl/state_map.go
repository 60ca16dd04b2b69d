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

package impl

import (
	"sync"

	"github.com/emirpasic/gods/maps/treemap"

	"github.com/ecs-project/ecs/common/metric"
	"github.com/ecs-project/ecs/coordinator/model"
)

type StateRecord struct {
	Sequence int32             `json:"sequenceNumber"`
	State    model.StateObject `json:"state"`
}

type StateEntry struct {
	Id string `json:"id"`
	StateRecord
}

// StateMap holds the last accepted state of every entity reported by one
// origin. An update is accepted only if its sequence number is 0, which
// marks a restarted stream, or greater than the stored one.
type StateMap struct {
	sync.RWMutex
	records *treemap.Map

	droppedUpdates metric.Counter
}

func NewStateMap(origin string) *StateMap {
	return &StateMap{
		records: treemap.NewWithStringComparator(),
		droppedUpdates: metric.NewCounter("ecs_state_updates_dropped",
			"The number of stale state updates that were ignored", metric.Dimensionless,
			map[string]any{"origin": origin}),
	}
}

// Apply stores the update and reports whether it was accepted.
func (s *StateMap) Apply(id string, sequence int32, state model.StateObject) bool {
	s.Lock()
	defer s.Unlock()

	if v, ok := s.records.Get(id); ok && sequence != 0 {
		if current := v.(StateRecord); sequence <= current.Sequence {
			s.droppedUpdates.Inc()
			return false
		}
	}

	s.records.Put(id, StateRecord{Sequence: sequence, State: state})
	return true
}

func (s *StateMap) Remove(id string) bool {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.records.Get(id); !ok {
		return false
	}
	s.records.Remove(id)
	return true
}

func (s *StateMap) Reset() {
	s.Lock()
	defer s.Unlock()
	s.records.Clear()
}

func (s *StateMap) Get(id string) (StateRecord, bool) {
	s.RLock()
	defer s.RUnlock()
	v, ok := s.records.Get(id)
	if !ok {
		return StateRecord{}, false
	}
	return v.(StateRecord), true
}

func (s *StateMap) Len() int {
	s.RLock()
	defer s.RUnlock()
	return s.records.Size()
}

// Snapshot returns all the records ordered by id.
func (s *StateMap) Snapshot() []StateEntry {
	s.RLock()
	defer s.RUnlock()

	res := make([]StateEntry, 0, s.records.Size())
	it := s.records.Iterator()
	for it.Next() {
		res = append(res, StateEntry{
			Id:          it.Key().(string),
			StateRecord: it.Value().(StateRecord),
		})
	}
	return res
}
