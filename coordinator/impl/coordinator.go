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
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/ecs-project/ecs/common/metric"
	"github.com/ecs-project/ecs/common/process"
	"github.com/ecs-project/ecs/coordinator/component"
	"github.com/ecs-project/ecs/coordinator/launcher"
	"github.com/ecs-project/ecs/coordinator/model"
	"github.com/ecs-project/ecs/coordinator/rpc"
	"github.com/ecs-project/ecs/coordinator/store"
)

var (
	ErrPartitionHasDetectors = errors.New("partition still owns detectors")
	ErrPartitionNotConnected = errors.New("partition is not connected")
	ErrDetectorNotConnected  = errors.New("detector is not connected")
	ErrDetectorMapped        = errors.New("detector is mapped to a partition")
	ErrAlreadyAssigned       = errors.New("detector is already assigned to the partition")
	ErrInvalidId             = errors.New("invalid id")
	ErrPortInUse             = errors.New("port is already in use")
)

type Config struct {
	// EcsAddress is the address under which the agents reach the coordinator.
	EcsAddress string
	// BindAddress is the interface the coordinator endpoints listen on.
	BindAddress string
	// LogEndpoint is where the event log is published. Empty disables it.
	LogEndpoint string

	UnmappedPublishPort      int
	UnmappedUpdatesPort      int
	UnmappedCurrentStatePort int

	ReceiveTimeout         time.Duration
	PingInterval           time.Duration
	ReconciliationInterval time.Duration
	InitialRetryBackoff    time.Duration
	BufferedLogEntries     int

	// StartClients makes the coordinator launch and stop the partition agents.
	StartClients bool
}

// Systems lists every detector and global system known to the store.
type Systems struct {
	Detectors     []model.Detector     `json:"detectors"`
	GlobalSystems []model.GlobalSystem `json:"globalSystems"`
}

// Coordinator owns the detector to partition mapping and runs the protocols
// that change it. Every failure is returned as an error whose message is
// meant for the operator.
type Coordinator interface {
	io.Closer

	CreatePartition(ctx context.Context, partition model.Partition) error
	DeletePartition(ctx context.Context, id string, force bool) error
	CreateDetector(ctx context.Context, detector model.Detector) error
	DeleteDetector(ctx context.Context, id string, force bool) error
	MoveDetector(ctx context.Context, detectorId string, partitionId string, force bool) error

	// PartitionForDetector returns the owner of the detector, which is the
	// unmapped pool descriptor when it is not mapped.
	PartitionForDetector(detectorId string) (model.Partition, error)
	GetAllSystems() (Systems, error)
	Partitions() ([]model.Partition, error)
	IsPartitionConnected(id string) bool
	UnmappedDescriptor() model.Partition

	States(origin string) ([]StateEntry, error)
	Logs(origin string) ([]string, error)
	DisconnectedDetectors() []string

	CheckSystemConsistency(ctx context.Context)
}

const (
	opCreatePartition = "create-partition"
	opDeletePartition = "delete-partition"
	opCreateDetector  = "create-detector"
	opDeleteDetector  = "delete-detector"
	opMoveDetector    = "move-detector"
)

type operationMetrics struct {
	latency  metric.LatencyHistogram
	failures metric.Counter
}

type coordinator struct {
	store        store.Store
	rpc          rpc.Provider
	launcher     launcher.Manager
	notifier     Notifier
	events       *EventLog
	logPublisher rpc.Publisher
	config       Config
	topology     *topology

	protocolLocks *keyedMutex
	// Protocols share it, the reconciliation of the unmapped pool takes it
	// exclusively.
	reconcileLock sync.RWMutex

	operations map[string]operationMetrics
	log        *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCoordinator(st store.Store, provider rpc.Provider, manager launcher.Manager, notifier Notifier,
	config Config) (Coordinator, error) {
	c := &coordinator{
		store:         st,
		rpc:           provider,
		launcher:      manager,
		notifier:      notifier,
		config:        config,
		topology:      newTopology(),
		protocolLocks: newKeyedMutex(),
		operations:    map[string]operationMetrics{},
		log: slog.With(
			slog.String("component", "coordinator"),
		),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	for _, op := range []string{opCreatePartition, opDeletePartition, opCreateDetector, opDeleteDetector, opMoveDetector} {
		labels := map[string]any{"operation": op}
		c.operations[op] = operationMetrics{
			latency: metric.NewLatencyHistogram("ecs_coordinator_operation_latency",
				"The duration of the topology operations", labels),
			failures: metric.NewCounter("ecs_coordinator_operation_failures",
				"The number of failed topology operations", metric.Dimensionless, labels),
		}
	}

	if config.LogEndpoint != "" {
		var err error
		if c.logPublisher, err = provider.NewPublisher(c.ctx, config.LogEndpoint); err != nil {
			return nil, errors.Wrap(err, "failed to open the log publisher")
		}
	}
	c.events = NewEventLog(c.logPublisher, notifier, config.BufferedLogEntries)

	if err := c.initialize(); err != nil {
		return nil, multierr.Append(err, c.Close())
	}

	if config.ReconciliationInterval > 0 {
		c.wg.Add(1)
		go process.DoWithLabels(
			c.ctx,
			map[string]string{
				"ecs": "coordinator-reconciliation",
			},
			func() {
				defer c.wg.Done()
				c.reconcileLoop()
			},
		)
	}

	c.log.Info("Started coordinator")
	return c, nil
}

func (c *coordinator) liaisonConfig() LiaisonConfig {
	return LiaisonConfig{
		ReceiveTimeout:      c.config.ReceiveTimeout,
		PingInterval:        c.config.PingInterval,
		BufferedLogEntries:  c.config.BufferedLogEntries,
		InitialRetryBackoff: c.config.InitialRetryBackoff,
	}
}

// initialize loads the topology from the store. A store failure is fatal.
func (c *coordinator) initialize() error {
	for _, id := range model.GlobalSystemIds {
		info, err := c.store.GetGlobalSystem(id)
		if errors.Is(err, store.ErrNotFound) {
			c.log.Warn("Global system is not configured", slog.String("global-system", id))
			continue
		} else if err != nil {
			return errors.Wrapf(err, "failed to load global system %s", id)
		}

		monitor, err := newGlobalSystemMonitor(info, c.rpc, c.events, c.config.ReceiveTimeout, c.config.PingInterval)
		if err != nil {
			return err
		}
		c.topology.globalSystems = append(c.topology.globalSystems, monitor)
	}

	partitions, err := c.store.GetAllPartitions()
	if err != nil {
		return errors.Wrap(err, "failed to load partitions")
	}

	if c.config.StartClients {
		for _, p := range partitions {
			c.startAgent(c.ctx, p)
		}
	}

	// Permissions from previous runs are stale
	if err := c.store.ClearPermissions(); err != nil {
		return errors.Wrap(err, "failed to clear permissions")
	}
	for _, p := range partitions {
		c.topology.addLiaison(NewPartitionLiaison(p, c.rpc, c.notifier, c.events, c.liaisonConfig()))
		c.grantPermission(p.Id)
	}
	c.grantPermission(model.EcsId)

	unmapped, err := c.store.GetUnmappedDetectors()
	if err != nil {
		return errors.Wrap(err, "failed to load unmapped detectors")
	}
	c.topology.unmapped, err = NewUnmappedPool(c.rpc, unmapped, c.notifier, PoolConfig{
		Descriptor: model.UnmappedPartition(c.config.EcsAddress,
			c.config.UnmappedPublishPort, c.config.UnmappedUpdatesPort, c.config.UnmappedCurrentStatePort),
		BindAddress:    c.config.BindAddress,
		ReceiveTimeout: c.config.ReceiveTimeout,
		PingInterval:   c.config.PingInterval,
	})
	return err
}

func (c *coordinator) grantPermission(id string) {
	if err := c.store.PutPermission(model.Permission{PartitionId: id, Token: uuid.NewString()}); err != nil {
		c.log.Warn("Failed to record permission", slog.String("id", id), slog.Any("error", err))
	}
}

func partitionTarget(p model.Partition) launcher.Target {
	return launcher.Target{Id: p.Id, Address: p.Address, Kind: launcher.KindPartition}
}

func (c *coordinator) startAgent(ctx context.Context, p model.Partition) {
	pid, err := c.launcher.Start(ctx, partitionTarget(p))
	if err != nil {
		c.events.Error(fmt.Sprintf("PCA client for %s could not be started: %v", p.Id, err), model.EcsId)
		return
	}
	c.log.Info("Partition agent is running", slog.String("partition", p.Id), slog.Int("pid", pid))
}

func (c *coordinator) stopAgent(ctx context.Context, p model.Partition) {
	if err := c.launcher.Stop(ctx, partitionTarget(p)); err != nil {
		c.events.Error(fmt.Sprintf("PCA client for %s could not be stopped: %v", p.Id, err), model.EcsId)
	}
}

// observe records the latency and the outcome of an operation.
func (c *coordinator) observe(op string) func(err error) {
	m := c.operations[op]
	timer := m.latency.Timer()
	return func(err error) {
		timer.Done()
		if err != nil {
			m.failures.Inc()
		}
	}
}

func (c *coordinator) CreatePartition(ctx context.Context, p model.Partition) (err error) {
	done := c.observe(opCreatePartition)
	defer func() { done(err) }()

	if p.Id == "" || p.Id == model.UnmappedId || p.Id == model.EcsId {
		return errors.Wrapf(ErrInvalidId, "partition id %q", p.Id)
	}

	unlock := c.protocolLocks.lock(partitionKey(p.Id))
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	if _, err = c.store.GetPartition(p.Id); err == nil {
		return errors.Wrapf(store.ErrAlreadyExists, "partition %s", p.Id)
	}
	if err = c.checkPorts(p.Address, p.PortPublish, p.PortLog, p.PortUpdates, p.PortCurrentState, p.PortCommand); err != nil {
		return err
	}

	s := newSaga(opCreatePartition, c.log.With(slog.String("partition", p.Id)))
	s.step("persist partition",
		func() error { return c.store.AddPartition(p) },
		func() error { return c.store.RemovePartition(p.Id) },
	)
	for _, gs := range c.topology.allGlobalSystems() {
		s.step("inform "+gs.Id(),
			func() error { return gs.notify(ctx, model.CodeAddPartition, model.MustMarshal(p)) },
			func() error { return gs.notify(ctx, model.CodeDeletePartition, []byte(p.Id)) },
		)
	}
	if err = s.run(); err != nil {
		c.events.Error(fmt.Sprintf("Creating partition %s failed: %v", p.Id, err), model.EcsId)
		return err
	}

	if c.config.StartClients {
		c.startAgent(ctx, p)
	}
	c.topology.addLiaison(NewPartitionLiaison(p, c.rpc, c.notifier, c.events, c.liaisonConfig()))
	c.grantPermission(p.Id)

	c.events.Info(fmt.Sprintf("Partition %s created", p.Id), model.EcsId)
	return nil
}

func (c *coordinator) DeletePartition(ctx context.Context, id string, force bool) (err error) {
	done := c.observe(opDeletePartition)
	defer func() { done(err) }()

	unlock := c.protocolLocks.lock(partitionKey(id))
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	p, err := c.store.GetPartition(id)
	if err != nil {
		return errors.Wrapf(err, "partition %s", id)
	}
	detectors, err := c.store.GetDetectorsForPartition(id)
	if err != nil {
		return errors.Wrapf(err, "partition %s", id)
	}
	if len(detectors) > 0 {
		return errors.Wrapf(ErrPartitionHasDetectors, "can not delete partition %s with %d detectors", id, len(detectors))
	}

	s := newSaga(opDeletePartition, c.log.With(slog.String("partition", id)))
	s.step("remove partition",
		func() error { return c.store.RemovePartition(id) },
		func() error { return c.store.AddPartition(p) },
	)
	for _, gs := range c.topology.allGlobalSystems() {
		s.step("inform "+gs.Id(),
			func() error {
				err := gs.notify(ctx, model.CodeDeletePartition, []byte(id))
				if err != nil && force {
					c.events.Error(fmt.Sprintf("Ignoring failure while deleting partition %s: %v", id, err), model.EcsId)
					return nil
				}
				return err
			},
			func() error { return gs.notify(ctx, model.CodeAddPartition, model.MustMarshal(p)) },
		)
	}
	if err = s.run(); err != nil {
		c.events.Error(fmt.Sprintf("Deleting partition %s failed: %v", id, err), model.EcsId)
		return err
	}

	c.stopAgent(ctx, p)
	if l, ok := c.topology.removeLiaison(id); ok {
		_ = l.Close()
	}
	if err := c.store.RemovePermission(id); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.log.Warn("Failed to remove permission", slog.String("partition", id), slog.Any("error", err))
	}

	c.events.Info(fmt.Sprintf("Partition %s deleted", id), model.EcsId)
	return nil
}

func (c *coordinator) CreateDetector(_ context.Context, d model.Detector) (err error) {
	done := c.observe(opCreateDetector)
	defer func() { done(err) }()

	if d.Id == "" || model.IsGlobalSystemId(d.Id) {
		return errors.Wrapf(ErrInvalidId, "detector id %q", d.Id)
	}
	if !component.IsKnownDetectorType(d.Type) {
		return errors.Wrapf(component.ErrUnknownType, "detector type %q", d.Type)
	}

	c.reconcileLock.RLock()
	defer c.reconcileLock.RUnlock()
	unlock := c.protocolLocks.lock(detectorKey(d.Id))
	defer unlock()

	if _, err = c.store.GetDetector(d.Id); err == nil {
		return errors.Wrapf(store.ErrAlreadyExists, "detector %s", d.Id)
	}
	if err = c.checkPorts(d.Address, d.PortCommand, d.PingPort); err != nil {
		return err
	}

	pool := c.topology.unmapped
	s := newSaga(opCreateDetector, c.log.With(slog.String("detector", d.Id)))
	s.step("persist detector",
		func() error { return c.store.AddDetector(d) },
		func() error { return c.store.RemoveDetector(d.Id) },
	)
	s.step("add to unmapped pool",
		func() error { return pool.AddDetector(d) },
		nil,
	)
	if err = s.run(); err != nil {
		return err
	}

	c.events.Info(fmt.Sprintf("Detector %s created", d.Id), model.EcsId)
	return nil
}

// checkPorts fails when one of the ports is already assigned to another
// component on the same address.
func (c *coordinator) checkPorts(address string, ports ...int) error {
	used, err := c.store.UsedPortsForAddress(address)
	if err != nil {
		return errors.Wrapf(err, "listing the ports used on %s", address)
	}
	for _, port := range ports {
		if port != model.NoPort && slices.Contains(used, port) {
			return errors.Wrapf(ErrPortInUse, "%s:%d", address, port)
		}
	}
	return nil
}

// DeleteDetector removes an unmapped detector. Unless forced, the detector
// must be connected and accept an abort first.
func (c *coordinator) DeleteDetector(ctx context.Context, id string, force bool) (err error) {
	done := c.observe(opDeleteDetector)
	defer func() { done(err) }()

	c.reconcileLock.RLock()
	defer c.reconcileLock.RUnlock()
	unlock := c.protocolLocks.lock(detectorKey(id))
	defer unlock()

	d, err := c.store.GetDetector(id)
	if err != nil {
		return errors.Wrapf(err, "detector %s", id)
	}
	owner, err := c.store.GetPartitionForDetector(id)
	switch {
	case err == nil:
		return errors.Wrapf(ErrDetectorMapped, "detector %s belongs to partition %s", id, owner.Id)
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	pool := c.topology.unmapped
	if !force {
		if !pool.IsDetectorConnected(id) {
			return errors.Wrapf(ErrDetectorNotConnected, "detector %s", id)
		}
		if !pool.AbortDetector(ctx, id) {
			return errors.Errorf("detector %s could not be aborted", id)
		}
	}

	pool.RemoveDetector(id)
	if err = c.store.RemoveDetector(id); err != nil {
		if addErr := pool.AddDetector(d); addErr != nil {
			err = multierr.Append(err, addErr)
		}
		return errors.Wrapf(err, "removing detector %s from the store", id)
	}

	c.topology.disconnectedDetectors.Remove(id)
	c.events.Info(fmt.Sprintf("Detector %s deleted", id), model.EcsId)
	return nil
}

func (c *coordinator) PartitionForDetector(detectorId string) (model.Partition, error) {
	p, err := c.store.GetPartitionForDetector(detectorId)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return model.Partition{}, err
	}
	if _, err := c.store.GetDetector(detectorId); err != nil {
		return model.Partition{}, err
	}
	return c.UnmappedDescriptor(), nil
}

func (c *coordinator) UnmappedDescriptor() model.Partition {
	return c.topology.unmapped.Descriptor()
}

func (c *coordinator) GetAllSystems() (Systems, error) {
	detectors, err := c.store.GetAllDetectors()
	if err != nil {
		return Systems{}, err
	}
	globalSystems, err := c.store.GetAllGlobalSystems()
	if err != nil {
		return Systems{}, err
	}
	return Systems{Detectors: detectors, GlobalSystems: globalSystems}, nil
}

func (c *coordinator) Partitions() ([]model.Partition, error) {
	return c.store.GetAllPartitions()
}

func (c *coordinator) IsPartitionConnected(id string) bool {
	l, ok := c.topology.liaison(id)
	return ok && l.IsConnected()
}

func (c *coordinator) States(origin string) ([]StateEntry, error) {
	if origin == model.UnmappedId {
		return c.topology.unmapped.States(), nil
	}
	if gs, ok := c.topology.globalSystem(origin); ok {
		return []StateEntry{{Id: origin, StateRecord: StateRecord{State: gs.client.StateObject()}}}, nil
	}
	if l, ok := c.topology.liaison(origin); ok {
		return l.States(), nil
	}
	return nil, errors.Wrapf(store.ErrNotFound, "origin %s", origin)
}

func (c *coordinator) Logs(origin string) ([]string, error) {
	if origin == model.EcsId {
		return c.events.Entries(), nil
	}
	if l, ok := c.topology.liaison(origin); ok {
		return l.Logs(), nil
	}
	return nil, errors.Wrapf(store.ErrNotFound, "origin %s", origin)
}

func (c *coordinator) DisconnectedDetectors() []string {
	return c.topology.disconnectedDetectors.GetSorted()
}

func (c *coordinator) Close() error {
	c.cancel()
	c.wg.Wait()

	if c.config.StartClients {
		for _, l := range c.topology.allLiaisons() {
			c.stopAgent(context.Background(), l.Partition())
		}
	}

	err := c.topology.Close()
	if c.logPublisher != nil {
		err = multierr.Append(err, c.logPublisher.Close())
	}
	c.log.Info("Closed coordinator")
	return err
}
