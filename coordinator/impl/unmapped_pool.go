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
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/ecs-project/ecs/coordinator/component"
	"github.com/ecs-project/ecs/coordinator/model"
	"github.com/ecs-project/ecs/coordinator/rpc"
	"github.com/ecs-project/ecs/coordinator/store"
)

type PoolConfig struct {
	// Descriptor is handed to the detectors owned by the pool.
	Descriptor model.Partition
	// BindAddress is the interface the pool endpoints listen on.
	BindAddress    string
	ReceiveTimeout time.Duration
	PingInterval   time.Duration
}

// UnmappedPool drives the detectors that are not assigned to any partition.
// Towards the detectors it behaves like a partition agent: it publishes
// their states, serves a current state snapshot and accepts their state
// reports.
type UnmappedPool struct {
	sync.Mutex
	config    PoolConfig
	rpc       rpc.Provider
	clients   map[string]component.Client
	states    *StateMap
	sequence  int32
	publisher rpc.Publisher
	servers   []io.Closer
	notifier  Notifier
	log       *slog.Logger
}

func NewUnmappedPool(provider rpc.Provider, detectors []model.Detector, notifier Notifier,
	config PoolConfig) (*UnmappedPool, error) {
	p := &UnmappedPool{
		config:   config,
		rpc:      provider,
		clients:  map[string]component.Client{},
		states:   NewStateMap(model.UnmappedId),
		notifier: notifier,
		log: slog.With(
			slog.String("component", "unmapped-pool"),
		),
	}

	ctx := context.Background()
	d := config.Descriptor
	var err error
	if p.publisher, err = provider.NewPublisher(ctx, model.Endpoint(config.BindAddress, d.PortPublish)); err != nil {
		return nil, errors.Wrap(err, "failed to open the unmapped pool publisher")
	}

	for _, s := range []struct {
		port    int
		handler rpc.Handler
	}{
		{d.PortCurrentState, p.handleSnapshotRequest},
		{d.PortUpdates, p.handleStateReport},
	} {
		server, err := provider.Serve(ctx, model.Endpoint(config.BindAddress, s.port), s.handler)
		if err != nil {
			return nil, multierr.Append(errors.Wrap(err, "failed to serve the unmapped pool"), p.Close())
		}
		p.servers = append(p.servers, server)
	}

	for _, det := range detectors {
		if err := p.AddDetector(det); err != nil {
			p.log.Warn("Failed to add detector", slog.String("detector", det.Id), slog.Any("error", err))
		}
	}

	p.log.Info("Started unmapped pool", slog.Int("detectors", len(detectors)))
	return p, nil
}

func (p *UnmappedPool) Descriptor() model.Partition {
	return p.config.Descriptor
}

func (p *UnmappedPool) AddDetector(d model.Detector) error {
	kind, err := component.DetectorKind(d.Type)
	if err != nil {
		return err
	}

	p.Lock()
	defer p.Unlock()
	if _, ok := p.clients[d.Id]; ok {
		return errors.Wrapf(store.ErrAlreadyExists, "detector %s is already in the unmapped pool", d.Id)
	}

	p.clients[d.Id] = component.NewClient(p.rpc, component.Options{
		Id:              d.Id,
		Kind:            kind,
		CommandEndpoint: d.CommandEndpoint(),
		PingEndpoint:    d.PingEndpoint(),
		ReceiveTimeout:  p.config.ReceiveTimeout,
		PingInterval:    p.config.PingInterval,
		OnTimeout:       p.onTimeout,
		OnReconnect:     p.publishState,
	})
	p.log.Info("Added detector", slog.String("detector", d.Id))
	return nil
}

// RemoveDetector stops driving the detector. It returns false if the pool
// did not own it.
func (p *UnmappedPool) RemoveDetector(id string) bool {
	p.Lock()
	c, ok := p.clients[id]
	if ok {
		delete(p.clients, id)
		p.publishLocked(id, []byte(model.CodeRemoved), model.WebRemove)
		p.states.Remove(id)
	}
	p.Unlock()

	if !ok {
		return false
	}

	// The heartbeat may be waiting on the pool lock
	_ = c.Close()
	p.log.Info("Removed detector", slog.String("detector", id))
	return true
}

func (p *UnmappedPool) client(id string) (component.Client, bool) {
	p.Lock()
	defer p.Unlock()
	c, ok := p.clients[id]
	return c, ok
}

func (p *UnmappedPool) Contains(id string) bool {
	_, ok := p.client(id)
	return ok
}

func (p *UnmappedPool) DetectorIds() []string {
	p.Lock()
	defer p.Unlock()
	res := make([]string, 0, len(p.clients))
	for id := range p.clients {
		res = append(res, id)
	}
	slices.Sort(res)
	return res
}

func (p *UnmappedPool) IsDetectorConnected(id string) bool {
	c, ok := p.client(id)
	return ok && c.IsConnected()
}

func (p *UnmappedPool) AbortDetector(ctx context.Context, id string) bool {
	c, ok := p.client(id)
	if !ok {
		return false
	}
	return c.Abort(ctx)
}

func (p *UnmappedPool) States() []StateEntry {
	return p.states.Snapshot()
}

func (p *UnmappedPool) onTimeout(id string) {
	p.publishState(id, model.StateObject{State: model.StateConnectionProblem})
}

func (p *UnmappedPool) publishState(id string, so model.StateObject) {
	p.Lock()
	defer p.Unlock()
	if _, ok := p.clients[id]; !ok {
		return
	}
	p.publishLocked(id, model.MustMarshal(so), so)
}

func (p *UnmappedPool) publishLocked(id string, payload []byte, webState any) {
	p.sequence++
	if so, ok := webState.(model.StateObject); ok {
		p.states.Apply(id, p.sequence, so)
	}

	if err := p.publisher.Publish(encodeUpdate(id, p.sequence, payload)...); err != nil {
		p.log.Warn("Failed to publish state", slog.String("detector", id), slog.Any("error", err))
	}
	p.notifier.PublishUpdate(model.WebUpdate{
		Id:             id,
		State:          webState,
		SequenceNumber: p.sequence,
	}, model.UnmappedId)
}

func (p *UnmappedPool) handleSnapshotRequest(frames [][]byte) [][]byte {
	if len(frames) == 0 || string(frames[0]) != model.CodeSnapshot {
		return rpc.Status(model.CodeUnknownCommand)
	}
	return encodeSnapshot(p.states.Snapshot())
}

// handleStateReport accepts [id, state] or [id, state, configTag] from a
// detector of the pool.
func (p *UnmappedPool) handleStateReport(frames [][]byte) [][]byte {
	if len(frames) < 2 || len(frames) > 3 {
		return rpc.Status(model.CodeError)
	}

	id := string(frames[0])
	c, ok := p.client(id)
	if !ok {
		return rpc.Status(model.CodeIdUnknown)
	}

	so := model.StateObject{UnmappedState: string(frames[1])}
	if len(frames) == 3 {
		so.ConfigTag = string(frames[2])
	}
	c.ApplyState(so)
	p.publishState(id, c.StateObject())
	return rpc.Status(model.CodeOk)
}

func (p *UnmappedPool) Close() error {
	p.Lock()
	clients := p.clients
	p.clients = map[string]component.Client{}
	servers := p.servers
	p.servers = nil
	p.Unlock()

	var err error
	for _, c := range clients {
		err = multierr.Append(err, c.Close())
	}
	for _, s := range servers {
		err = multierr.Append(err, s.Close())
	}
	if p.publisher != nil {
		err = multierr.Append(err, p.publisher.Close())
	}
	return err
}
