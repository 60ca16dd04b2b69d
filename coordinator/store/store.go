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
	"io"

	"github.com/pkg/errors"

	"github.com/ecs-project/ecs/coordinator/model"
)

var (
	ErrNotFound      = errors.New("id unknown")
	ErrAlreadyExists = errors.New("id already exists")
)

const (
	ProviderNameSQLite = "sqlite"
	ProviderNameMemory = "memory"
)

// Store is the persistent catalog of detectors, partitions and global
// systems, plus the detector to partition mapping. A detector without a
// mapping row is unmapped. Every method is safe for concurrent use.
type Store interface {
	io.Closer

	GetDetector(id string) (model.Detector, error)
	GetAllDetectors() ([]model.Detector, error)
	AddDetector(d model.Detector) error
	// RemoveDetector also drops its mapping row.
	RemoveDetector(id string) error

	GetPartition(id string) (model.Partition, error)
	GetAllPartitions() ([]model.Partition, error)
	AddPartition(p model.Partition) error
	// RemovePartition also drops the mapping rows pointing at it.
	RemovePartition(id string) error

	GetGlobalSystem(id string) (model.GlobalSystem, error)
	GetAllGlobalSystems() ([]model.GlobalSystem, error)
	PutGlobalSystem(g model.GlobalSystem) error

	MapDetector(detectorId string, partitionId string) error
	UnmapDetector(detectorId string) error
	RemapDetector(detectorId string, newPartitionId string, oldPartitionId string) error

	GetPartitionForDetector(detectorId string) (model.Partition, error)
	GetDetectorsForPartition(partitionId string) ([]model.Detector, error)
	GetUnmappedDetectors() ([]model.Detector, error)
	GetDetectorMapping() (model.Mapping, error)

	// UsedPortsForAddress lists every port already assigned to a component
	// running on the given host.
	UsedPortsForAddress(address string) ([]int, error)

	PutPermission(p model.Permission) error
	GetPermission(partitionId string) (model.Permission, error)
	RemovePermission(partitionId string) error
	ClearPermissions() error
}
