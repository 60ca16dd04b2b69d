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

package store

import (
	"slices"
	"sync"

	"github.com/pkg/errors"

	"github.com/ecs-project/ecs/coordinator/model"
)

type memoryStore struct {
	sync.RWMutex
	detectors     map[string]model.Detector
	partitions    map[string]model.Partition
	globalSystems map[string]model.GlobalSystem
	mapping       model.Mapping
	permissions   map[string]model.Permission
}

// NewMemoryStore returns a store that keeps everything in process memory.
func NewMemoryStore() Store {
	return &memoryStore{
		detectors:     map[string]model.Detector{},
		partitions:    map[string]model.Partition{},
		globalSystems: map[string]model.GlobalSystem{},
		mapping:       model.Mapping{},
		permissions:   map[string]model.Permission{},
	}
}

func (m *memoryStore) Close() error {
	return nil
}

func sortedValues[T any](items map[string]T) []T {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	res := make([]T, 0, len(items))
	for _, k := range keys {
		res = append(res, items[k])
	}
	return res
}

func (m *memoryStore) GetDetector(id string) (model.Detector, error) {
	m.RLock()
	defer m.RUnlock()
	d, ok := m.detectors[id]
	if !ok {
		return d, errors.Wrapf(ErrNotFound, "detector %s", id)
	}
	return d, nil
}

func (m *memoryStore) GetAllDetectors() ([]model.Detector, error) {
	m.RLock()
	defer m.RUnlock()
	return sortedValues(m.detectors), nil
}

func (m *memoryStore) AddDetector(d model.Detector) error {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.detectors[d.Id]; ok {
		return errors.Wrapf(ErrAlreadyExists, "detector %s", d.Id)
	}
	m.detectors[d.Id] = d
	return nil
}

func (m *memoryStore) RemoveDetector(id string) error {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.detectors[id]; !ok {
		return errors.Wrapf(ErrNotFound, "detector %s", id)
	}
	delete(m.detectors, id)
	delete(m.mapping, id)
	return nil
}

func (m *memoryStore) GetPartition(id string) (model.Partition, error) {
	m.RLock()
	defer m.RUnlock()
	p, ok := m.partitions[id]
	if !ok {
		return p, errors.Wrapf(ErrNotFound, "partition %s", id)
	}
	return p, nil
}

func (m *memoryStore) GetAllPartitions() ([]model.Partition, error) {
	m.RLock()
	defer m.RUnlock()
	return sortedValues(m.partitions), nil
}

func (m *memoryStore) AddPartition(p model.Partition) error {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.partitions[p.Id]; ok {
		return errors.Wrapf(ErrAlreadyExists, "partition %s", p.Id)
	}
	m.partitions[p.Id] = p
	return nil
}

func (m *memoryStore) RemovePartition(id string) error {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.partitions[id]; !ok {
		return errors.Wrapf(ErrNotFound, "partition %s", id)
	}
	delete(m.partitions, id)
	for d, p := range m.mapping {
		if p == id {
			delete(m.mapping, d)
		}
	}
	return nil
}

func (m *memoryStore) GetGlobalSystem(id string) (model.GlobalSystem, error) {
	m.RLock()
	defer m.RUnlock()
	g, ok := m.globalSystems[id]
	if !ok {
		return g, errors.Wrapf(ErrNotFound, "global system %s", id)
	}
	return g, nil
}

func (m *memoryStore) GetAllGlobalSystems() ([]model.GlobalSystem, error) {
	m.RLock()
	defer m.RUnlock()
	return sortedValues(m.globalSystems), nil
}

func (m *memoryStore) PutGlobalSystem(g model.GlobalSystem) error {
	m.Lock()
	defer m.Unlock()
	m.globalSystems[g.Id] = g
	return nil
}

func (m *memoryStore) MapDetector(detectorId string, partitionId string) error {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.mapping[detectorId]; ok {
		return errors.Wrapf(ErrAlreadyExists, "mapping for detector %s", detectorId)
	}
	_, okD := m.detectors[detectorId]
	_, okP := m.partitions[partitionId]
	if !okD || !okP {
		return errors.Wrapf(ErrNotFound, "detector %s or partition %s", detectorId, partitionId)
	}
	m.mapping[detectorId] = partitionId
	return nil
}

func (m *memoryStore) UnmapDetector(detectorId string) error {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.mapping[detectorId]; !ok {
		return errors.Wrapf(ErrNotFound, "mapping for detector %s", detectorId)
	}
	delete(m.mapping, detectorId)
	return nil
}

func (m *memoryStore) RemapDetector(detectorId string, newPartitionId string, oldPartitionId string) error {
	m.Lock()
	defer m.Unlock()
	if current, ok := m.mapping[detectorId]; !ok || current != oldPartitionId {
		return errors.Wrapf(ErrNotFound, "mapping for detector %s to %s", detectorId, oldPartitionId)
	}
	if _, ok := m.partitions[newPartitionId]; !ok {
		return errors.Wrapf(ErrNotFound, "partition %s", newPartitionId)
	}
	m.mapping[detectorId] = newPartitionId
	return nil
}

func (m *memoryStore) GetPartitionForDetector(detectorId string) (model.Partition, error) {
	m.RLock()
	defer m.RUnlock()
	pid, ok := m.mapping[detectorId]
	if !ok {
		return model.Partition{}, errors.Wrapf(ErrNotFound, "mapping for detector %s", detectorId)
	}
	return m.partitions[pid], nil
}

func (m *memoryStore) GetDetectorsForPartition(partitionId string) ([]model.Detector, error) {
	m.RLock()
	defer m.RUnlock()
	if _, ok := m.partitions[partitionId]; !ok {
		return nil, errors.Wrapf(ErrNotFound, "partition %s", partitionId)
	}
	res := map[string]model.Detector{}
	for d, p := range m.mapping {
		if p == partitionId {
			res[d] = m.detectors[d]
		}
	}
	return sortedValues(res), nil
}

func (m *memoryStore) GetUnmappedDetectors() ([]model.Detector, error) {
	m.RLock()
	defer m.RUnlock()
	res := map[string]model.Detector{}
	for id, d := range m.detectors {
		if _, ok := m.mapping[id]; !ok {
			res[id] = d
		}
	}
	return sortedValues(res), nil
}

func (m *memoryStore) GetDetectorMapping() (model.Mapping, error) {
	m.RLock()
	defer m.RUnlock()
	res := make(model.Mapping, len(m.mapping))
	for k, v := range m.mapping {
		res[k] = v
	}
	return res, nil
}

func (m *memoryStore) UsedPortsForAddress(address string) ([]int, error) {
	m.RLock()
	defer m.RUnlock()
	ports := map[int]bool{}
	add := func(ps ...int) {
		for _, p := range ps {
			if p != model.NoPort {
				ports[p] = true
			}
		}
	}
	for _, d := range m.detectors {
		if d.Address == address {
			add(d.PortCommand, d.PingPort)
		}
	}
	for _, p := range m.partitions {
		if p.Address == address {
			add(p.PortPublish, p.PortLog, p.PortUpdates, p.PortCurrentState, p.PortCommand)
		}
	}
	for _, g := range m.globalSystems {
		if g.Address == address {
			add(g.PortCommand, g.PortPublish, g.PortUpdates, g.PortCurrentState, g.PortLog)
		}
	}
	res := make([]int, 0, len(ports))
	for p := range ports {
		res = append(res, p)
	}
	slices.Sort(res)
	return res, nil
}

func (m *memoryStore) PutPermission(p model.Permission) error {
	m.Lock()
	defer m.Unlock()
	m.permissions[p.PartitionId] = p
	return nil
}

func (m *memoryStore) GetPermission(partitionId string) (model.Permission, error) {
	m.RLock()
	defer m.RUnlock()
	p, ok := m.permissions[partitionId]
	if !ok {
		return p, errors.Wrapf(ErrNotFound, "permission %s", partitionId)
	}
	return p, nil
}

func (m *memoryStore) RemovePermission(partitionId string) error {
	m.Lock()
	defer m.Unlock()
	delete(m.permissions, partitionId)
	return nil
}

func (m *memoryStore) ClearPermissions() error {
	m.Lock()
	defer m.Unlock()
	m.permissions = map[string]model.Permission{}
	return nil
}
