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

package web

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/ecs-project/ecs/coordinator/impl"
	"github.com/ecs-project/ecs/coordinator/model"
	"github.com/ecs-project/ecs/coordinator/store"
)

// fakeCoordinator records the operations it is asked to run and fails them
// with the configured error.
type fakeCoordinator struct {
	sync.Mutex
	partitions   []model.Partition
	connected    map[string]bool
	owners       map[string]model.Partition
	systems      impl.Systems
	states       map[string][]impl.StateEntry
	logs         map[string][]string
	disconnected []string
	err          error
	calls        []string
	checks       int
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{
		connected: map[string]bool{},
		owners:    map[string]model.Partition{},
		states:    map[string][]impl.StateEntry{},
		logs:      map[string][]string{},
	}
}

func (f *fakeCoordinator) record(call string) error {
	f.Lock()
	defer f.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeCoordinator) setError(err error) {
	f.Lock()
	defer f.Unlock()
	f.err = err
}

func (f *fakeCoordinator) recorded() []string {
	f.Lock()
	defer f.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCoordinator) CreatePartition(_ context.Context, p model.Partition) error {
	return f.record("create-partition " + p.Id)
}

func (f *fakeCoordinator) DeletePartition(_ context.Context, id string, force bool) error {
	return f.record(withForce("delete-partition "+id, force))
}

func (f *fakeCoordinator) CreateDetector(_ context.Context, d model.Detector) error {
	return f.record("create-detector " + d.Id + " " + d.Type)
}

func (f *fakeCoordinator) DeleteDetector(_ context.Context, id string, force bool) error {
	return f.record(withForce("delete-detector "+id, force))
}

func (f *fakeCoordinator) MoveDetector(_ context.Context, detectorId string, partitionId string, force bool) error {
	return f.record(withForce("move-detector "+detectorId+" "+partitionId, force))
}

func withForce(call string, force bool) string {
	if force {
		return call + " force"
	}
	return call
}

func (f *fakeCoordinator) PartitionForDetector(detectorId string) (model.Partition, error) {
	f.Lock()
	defer f.Unlock()
	p, ok := f.owners[detectorId]
	if !ok {
		return model.Partition{}, errors.Wrapf(store.ErrNotFound, "detector %s", detectorId)
	}
	return p, nil
}

func (f *fakeCoordinator) GetAllSystems() (impl.Systems, error) {
	f.Lock()
	defer f.Unlock()
	return f.systems, nil
}

func (f *fakeCoordinator) Partitions() ([]model.Partition, error) {
	f.Lock()
	defer f.Unlock()
	return f.partitions, nil
}

func (f *fakeCoordinator) IsPartitionConnected(id string) bool {
	f.Lock()
	defer f.Unlock()
	return f.connected[id]
}

func (f *fakeCoordinator) UnmappedDescriptor() model.Partition {
	return model.UnmappedPartition("ecs-host", 8000, 8001, 8002)
}

func (f *fakeCoordinator) States(origin string) ([]impl.StateEntry, error) {
	f.Lock()
	defer f.Unlock()
	s, ok := f.states[origin]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "origin %s", origin)
	}
	return s, nil
}

func (f *fakeCoordinator) Logs(origin string) ([]string, error) {
	f.Lock()
	defer f.Unlock()
	l, ok := f.logs[origin]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "origin %s", origin)
	}
	return l, nil
}

func (f *fakeCoordinator) DisconnectedDetectors() []string {
	f.Lock()
	defer f.Unlock()
	return f.disconnected
}

func (f *fakeCoordinator) CheckSystemConsistency(context.Context) {
	f.Lock()
	defer f.Unlock()
	f.checks++
}

func (f *fakeCoordinator) Close() error {
	return nil
}
