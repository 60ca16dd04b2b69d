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
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/ecs-project/ecs/common/collection"
	"github.com/ecs-project/ecs/coordinator/component"
	"github.com/ecs-project/ecs/coordinator/model"
	"github.com/ecs-project/ecs/coordinator/rpc"
)

// globalSystemMonitor watches one global system and carries the topology
// notifications sent to it.
type globalSystemMonitor struct {
	info   model.GlobalSystem
	client component.Client
}

func newGlobalSystemMonitor(info model.GlobalSystem, provider rpc.Provider, events *EventLog,
	receiveTimeout, pingInterval time.Duration) (*globalSystemMonitor, error) {
	kind, err := component.GlobalSystemKind(info.Id)
	if err != nil {
		return nil, err
	}

	return &globalSystemMonitor{
		info: info,
		client: component.NewClient(provider, component.Options{
			Id:              info.Id,
			Kind:            kind,
			CommandEndpoint: info.CommandEndpoint(),
			Owner:           model.EcsId,
			ReceiveTimeout:  receiveTimeout,
			PingInterval:    pingInterval,
			OnTimeout: func(id string) {
				events.Error(fmt.Sprintf("Global system %s connection lost", id), model.EcsId)
			},
			OnReconnect: func(id string, so model.StateObject) {
				events.Info(fmt.Sprintf("Global system %s connected in state %s", id, so.State), model.EcsId)
			},
		}),
	}, nil
}

func (g *globalSystemMonitor) Id() string {
	return g.info.Id
}

func (g *globalSystemMonitor) notify(ctx context.Context, command string, args ...[]byte) error {
	if err := g.client.SendCommand(ctx, command, args...); err != nil {
		return errors.Wrapf(err, "informing global system %s", g.info.Id)
	}
	return nil
}

// topology holds the live view of the cluster: one liaison per partition,
// the global systems and the unmapped pool.
type topology struct {
	sync.RWMutex
	liaisons              map[string]PartitionLiaison
	globalSystems         []*globalSystemMonitor
	unmapped              *UnmappedPool
	disconnectedDetectors collection.Set[string]
}

func newTopology() *topology {
	return &topology{
		liaisons:              map[string]PartitionLiaison{},
		disconnectedDetectors: collection.NewSet[string](),
	}
}

func (t *topology) liaison(id string) (PartitionLiaison, bool) {
	t.RLock()
	defer t.RUnlock()
	l, ok := t.liaisons[id]
	return l, ok
}

func (t *topology) addLiaison(l PartitionLiaison) {
	t.Lock()
	defer t.Unlock()
	t.liaisons[l.Id()] = l
}

func (t *topology) removeLiaison(id string) (PartitionLiaison, bool) {
	t.Lock()
	defer t.Unlock()
	l, ok := t.liaisons[id]
	delete(t.liaisons, id)
	return l, ok
}

// allLiaisons returns the liaisons ordered by partition id.
func (t *topology) allLiaisons() []PartitionLiaison {
	t.RLock()
	defer t.RUnlock()
	res := make([]PartitionLiaison, 0, len(t.liaisons))
	for _, l := range t.liaisons {
		res = append(res, l)
	}
	slices.SortFunc(res, func(a, b PartitionLiaison) int {
		return cmp.Compare(a.Id(), b.Id())
	})
	return res
}

func (t *topology) globalSystem(id string) (*globalSystemMonitor, bool) {
	t.RLock()
	defer t.RUnlock()
	for _, g := range t.globalSystems {
		if g.Id() == id {
			return g, true
		}
	}
	return nil, false
}

func (t *topology) allGlobalSystems() []*globalSystemMonitor {
	t.RLock()
	defer t.RUnlock()
	return slices.Clone(t.globalSystems)
}

func (t *topology) Close() error {
	t.Lock()
	liaisons := t.liaisons
	t.liaisons = map[string]PartitionLiaison{}
	globalSystems := t.globalSystems
	t.globalSystems = nil
	t.Unlock()

	var err error
	for _, l := range liaisons {
		err = multierr.Append(err, l.Close())
	}
	for _, g := range globalSystems {
		err = multierr.Append(err, g.client.Close())
	}
	if t.unmapped != nil {
		err = multierr.Append(err, t.unmapped.Close())
	}
	return err
}
