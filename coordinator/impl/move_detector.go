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
	"context"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/ecs-project/ecs/coordinator/model"
	"github.com/ecs-project/ecs/coordinator/rpc"
	"github.com/ecs-project/ecs/coordinator/store"
)

// detectorMove is one run of the move protocol. A side that is the unmapped
// pool is handled locally. A partition side is nil when it is disconnected
// and the move is forced, in which case its remote steps are skipped.
type detectorMove struct {
	c     *coordinator
	ctx   context.Context
	log   *slog.Logger
	force bool

	detector    model.Detector
	source      model.Partition
	destination model.Partition

	sourceLiaison      PartitionLiaison
	destinationLiaison PartitionLiaison

	// Every partition a lock was sent to, released once the saga is over.
	locked []PartitionLiaison

	// Set once the source actually gave up the detector.
	removedFromSource bool
}

func (c *coordinator) MoveDetector(ctx context.Context, detectorId string, partitionId string, force bool) (err error) {
	done := c.observe(opMoveDetector)
	defer func() { done(err) }()

	c.reconcileLock.RLock()
	defer c.reconcileLock.RUnlock()

	// The detector key first, the partition keys once the owner is known
	unlockDetector := c.protocolLocks.lock(detectorKey(detectorId))
	defer unlockDetector()

	m := &detectorMove{
		c:     c,
		ctx:   context.WithoutCancel(ctx),
		force: force,
	}
	if err = m.resolve(detectorId, partitionId); err != nil {
		return err
	}

	var keys []string
	for _, p := range []model.Partition{m.source, m.destination} {
		if !p.IsUnmapped() {
			keys = append(keys, partitionKey(p.Id))
		}
	}
	unlockPartitions := c.protocolLocks.lock(keys...)
	defer unlockPartitions()

	if m.sourceLiaison, err = c.remoteSide(m.source, force); err != nil {
		return err
	}
	if m.destinationLiaison, err = c.remoteSide(m.destination, force); err != nil {
		return err
	}

	if err = m.run(); err != nil {
		c.events.Error(fmt.Sprintf("Moving detector %s to %s failed: %v", detectorId, partitionId, err), model.EcsId)
		return err
	}

	c.events.Info(fmt.Sprintf("Detector %s moved from %s to %s", detectorId, m.source.Id, m.destination.Id), model.EcsId)
	return nil
}

func (m *detectorMove) resolve(detectorId string, partitionId string) error {
	c := m.c
	var err error
	if m.detector, err = c.store.GetDetector(detectorId); err != nil {
		return errors.Wrapf(err, "detector %s", detectorId)
	}

	m.source, err = c.store.GetPartitionForDetector(detectorId)
	if errors.Is(err, store.ErrNotFound) {
		m.source = c.UnmappedDescriptor()
	} else if err != nil {
		return err
	}

	if partitionId == model.UnmappedId {
		m.destination = c.UnmappedDescriptor()
	} else if m.destination, err = c.store.GetPartition(partitionId); err != nil {
		return errors.Wrapf(err, "partition %s", partitionId)
	}

	if m.source.Id == m.destination.Id {
		return errors.Wrapf(ErrAlreadyAssigned, "detector %s, partition %s", detectorId, partitionId)
	}

	m.log = c.log.With(
		slog.String("detector", detectorId),
		slog.String("from", m.source.Id),
		slog.String("to", m.destination.Id),
	)
	return nil
}

// remoteSide returns the liaison to talk to. It returns nil for the
// unmapped pool, and for a disconnected partition when forced.
func (c *coordinator) remoteSide(p model.Partition, force bool) (PartitionLiaison, error) {
	if p.IsUnmapped() {
		return nil, nil
	}
	l, ok := c.topology.liaison(p.Id)
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "partition %s is not running", p.Id)
	}
	if l.IsConnected() {
		return l, nil
	}
	if force {
		c.events.Error(fmt.Sprintf("Partition %s is not connected, skipping its notification", p.Id), model.EcsId)
		return nil, nil
	}
	return nil, errors.Wrapf(ErrPartitionNotConnected, "partition %s", p.Id)
}

func (m *detectorMove) run() error {
	s := newSaga(opMoveDetector, m.log)
	s.step("update mapping", m.updateMapping, m.revertMapping)

	for _, l := range []PartitionLiaison{m.sourceLiaison, m.destinationLiaison} {
		if l == nil {
			continue
		}
		s.step("lock "+l.Id(), func() error {
			err := l.Lock(m.ctx)
			if !errors.Is(err, ErrPartitionLocked) {
				m.locked = append(m.locked, l)
			}
			if err != nil {
				return errors.Wrapf(err, "locking partition %s", l.Id())
			}
			return nil
		}, nil)
	}

	s.step("remove from source", m.removeFromSource, m.restoreSource)
	s.step("add to destination", m.addToDestination, m.removeFromDestination)

	for _, gs := range m.c.topology.allGlobalSystems() {
		s.step("inform "+gs.Id(),
			func() error { return m.informGlobalSystem(gs, m.destination) },
			func() error { return m.informGlobalSystem(gs, m.source) },
		)
	}

	s.step("inform detector", m.informDetector, nil)

	err := s.run()
	m.unlockAll()
	return err
}

func (m *detectorMove) updateMapping() error {
	id := m.detector.Id
	switch {
	case m.source.IsUnmapped():
		return m.c.store.MapDetector(id, m.destination.Id)
	case m.destination.IsUnmapped():
		return m.c.store.UnmapDetector(id)
	default:
		return m.c.store.RemapDetector(id, m.destination.Id, m.source.Id)
	}
}

func (m *detectorMove) revertMapping() error {
	id := m.detector.Id
	switch {
	case m.source.IsUnmapped():
		return m.c.store.UnmapDetector(id)
	case m.destination.IsUnmapped():
		return m.c.store.MapDetector(id, m.source.Id)
	default:
		return m.c.store.RemapDetector(id, m.source.Id, m.destination.Id)
	}
}

func (m *detectorMove) add(p model.Partition, l PartitionLiaison) error {
	if p.IsUnmapped() {
		return m.c.topology.unmapped.AddDetector(m.detector)
	}
	if l == nil {
		return nil
	}
	return commandError(l.SendCommand(m.ctx, model.CodeAddDetector, model.MustMarshal(m.detector)),
		"adding detector %s to partition %s", m.detector.Id, p.Id)
}

// remove reports whether the detector was actually taken out of the side.
func (m *detectorMove) remove(p model.Partition, l PartitionLiaison) (bool, error) {
	if p.IsUnmapped() {
		if !m.c.topology.unmapped.RemoveDetector(m.detector.Id) {
			m.log.Warn("Detector was not in the unmapped pool")
			return false, nil
		}
		return true, nil
	}
	if l == nil {
		return false, nil
	}
	err := commandError(l.SendCommand(m.ctx, model.CodeRemoveDetector, []byte(m.detector.Id)),
		"removing detector %s from partition %s", m.detector.Id, p.Id)
	return err == nil, err
}

func (m *detectorMove) removeFromSource() (err error) {
	m.removedFromSource, err = m.remove(m.source, m.sourceLiaison)
	return err
}

func (m *detectorMove) restoreSource() error {
	if !m.removedFromSource {
		return nil
	}
	return m.add(m.source, m.sourceLiaison)
}

func (m *detectorMove) addToDestination() error {
	return m.add(m.destination, m.destinationLiaison)
}

func (m *detectorMove) removeFromDestination() error {
	_, err := m.remove(m.destination, m.destinationLiaison)
	return err
}

// informGlobalSystem announces the owner of the detector, or its removal
// when the owner is the unmapped pool.
func (m *detectorMove) informGlobalSystem(gs *globalSystemMonitor, owner model.Partition) error {
	ownerId := owner.Id
	if owner.IsUnmapped() {
		ownerId = model.CodeRemoved
	}
	return gs.notify(m.ctx, model.CodeRemapDetector, []byte(ownerId), []byte(m.detector.Id))
}

func (m *detectorMove) informDetector() error {
	ctx, cancel := context.WithTimeout(m.ctx, m.c.config.ReceiveTimeout)
	defer cancel()

	err := rpc.Command(ctx, m.c.rpc, m.detector.CommandEndpoint(),
		[]byte(model.CodeDetectorChangePartition), model.MustMarshal(m.destination))
	if rpc.IsTimeout(err) && m.force {
		m.c.events.Error(fmt.Sprintf("Timeout informing detector %s of its new partition", m.detector.Id), model.EcsId)
		return nil
	}
	return commandError(err, "informing detector %s", m.detector.Id)
}

func (m *detectorMove) unlockAll() {
	for _, l := range m.locked {
		if err := l.Unlock(m.ctx); err != nil {
			m.c.events.Error(fmt.Sprintf("Unlocking partition %s failed: %v", l.Id(), err), model.EcsId)
		}
	}
}

func commandError(err error, format string, args ...any) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, rpc.ErrBusy):
		return errors.Wrapf(err, "%s: partition is not idle", fmt.Sprintf(format, args...))
	default:
		return errors.Wrapf(err, format, args...)
	}
}
