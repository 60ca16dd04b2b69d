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
	"time"

	"github.com/pkg/errors"

	"github.com/ecs-project/ecs/common/collection"
	"github.com/ecs-project/ecs/coordinator/model"
	"github.com/ecs-project/ecs/coordinator/rpc"
	"github.com/ecs-project/ecs/coordinator/store"
)

func (c *coordinator) reconcileLoop() {
	ticker := time.NewTicker(c.config.ReconciliationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CheckSystemConsistency(c.ctx)
		case <-c.ctx.Done():
			return
		}
	}
}

// CheckSystemConsistency brings the unmapped pool back in line with the
// store, then checks that every partition and every detector agrees with
// the assignment recorded in the store.
func (c *coordinator) CheckSystemConsistency(ctx context.Context) {
	if err := c.reconcileUnmappedPool(); err != nil {
		c.log.Warn("Failed to reconcile the unmapped pool", slog.Any("error", err))
	}

	for _, l := range c.topology.allLiaisons() {
		if ctx.Err() != nil {
			return
		}
		c.checkPartition(ctx, l)
	}

	detectors, err := c.store.GetAllDetectors()
	if err != nil {
		c.log.Warn("Failed to load detectors", slog.Any("error", err))
		return
	}
	for _, d := range detectors {
		if ctx.Err() != nil {
			return
		}
		c.checkDetector(ctx, d)
	}
}

func (c *coordinator) reconcileUnmappedPool() error {
	c.reconcileLock.Lock()
	defer c.reconcileLock.Unlock()

	expected, err := c.store.GetUnmappedDetectors()
	if err != nil {
		return err
	}

	pool := c.topology.unmapped
	expectedIds := collection.NewSet[string]()
	for _, d := range expected {
		expectedIds.Add(d.Id)
		if pool.Contains(d.Id) {
			continue
		}
		c.events.Error(fmt.Sprintf("System check: Detector %s should have been in unmapped Detectors", d.Id), model.EcsId)
		if err := pool.AddDetector(d); err != nil {
			c.log.Warn("Failed to add detector to the unmapped pool", slog.String("detector", d.Id), slog.Any("error", err))
		}
	}

	for _, id := range pool.DetectorIds() {
		if expectedIds.Contains(id) {
			continue
		}
		c.events.Error(fmt.Sprintf("System check: Detector %s should not have been in unmapped Detectors", id), model.EcsId)
		pool.RemoveDetector(id)
	}
	return nil
}

func (c *coordinator) checkPartition(ctx context.Context, l PartitionLiaison) {
	detectors, err := c.store.GetDetectorsForPartition(l.Id())
	if err != nil {
		c.log.Warn("Failed to load detectors of partition", slog.String("partition", l.Id()), slog.Any("error", err))
		return
	}
	if detectors == nil {
		detectors = []model.Detector{}
	}

	err = l.SendCommand(ctx, model.CodeCheck, model.MustMarshal(detectors))
	switch {
	case err == nil, rpc.IsTerminated(err):
	case rpc.IsTimeout(err):
		l.HandleDisconnection()
	default:
		c.events.Error(fmt.Sprintf("error checking PCA %s: %v", l.Id(), err), model.EcsId)
	}
}

func (c *coordinator) checkDetector(ctx context.Context, d model.Detector) {
	owner, err := c.store.GetPartitionForDetector(d.Id)
	if errors.Is(err, store.ErrNotFound) {
		owner = c.UnmappedDescriptor()
	} else if err != nil {
		c.log.Warn("Failed to load owner of detector", slog.String("detector", d.Id), slog.Any("error", err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.ReceiveTimeout)
	defer cancel()
	_, err = c.rpc.Request(ctx, d.CommandEndpoint(), []byte(model.CodeCheck), model.MustMarshal(owner))

	disconnected := c.topology.disconnectedDetectors
	switch {
	case err == nil:
		disconnected.Remove(d.Id)
	case rpc.IsTimeout(err):
		if disconnected.Add(d.Id) {
			c.events.Error(fmt.Sprintf("timeout checking Detector %s", d.Id), model.EcsId)
		}
	case rpc.IsTerminated(err):
	default:
		c.events.Error(fmt.Sprintf("error checking Detector %s: %v", d.Id, err), model.EcsId)
	}
}
