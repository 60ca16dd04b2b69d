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
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/ecs-project/ecs/common/collection"
	"github.com/ecs-project/ecs/common/metric"
	"github.com/ecs-project/ecs/common/process"
	time2 "github.com/ecs-project/ecs/common/time"
	"github.com/ecs-project/ecs/coordinator/model"
	"github.com/ecs-project/ecs/coordinator/rpc"
	"github.com/ecs-project/ecs/coordinator/statemachine"
)

var ErrPartitionLocked = errors.New("partition is not available for locking")

type LiaisonConfig struct {
	ReceiveTimeout      time.Duration
	PingInterval        time.Duration
	BufferedLogEntries  int
	InitialRetryBackoff time.Duration
}

// PartitionLiaison tracks the connection and the aggregated state of one
// partition agent, and carries the commands of the topology protocols.
type PartitionLiaison interface {
	io.Closer

	Id() string
	Partition() model.Partition

	IsConnected() bool
	// HandleDisconnection marks the partition as disconnected until the
	// heartbeat recovers a full snapshot.
	HandleDisconnection()

	SendCommand(ctx context.Context, command string, args ...[]byte) error
	Lock(ctx context.Context) error
	// Unlock always leaves the partition released locally, even when the
	// command fails.
	Unlock(ctx context.Context) error
	LockState() string

	States() []StateEntry
	Logs() []string
}

type partitionLiaison struct {
	sync.Mutex
	partition   model.Partition
	rpc         rpc.Provider
	connected   bool
	states      *StateMap
	logs        *collection.Ring[string]
	lockMachine *statemachine.StateMachine
	notifier    Notifier
	events      *EventLog
	config      LiaisonConfig
	malformed   rate.Sometimes
	log         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connectedGauge   metric.Gauge
	failedHeartbeats metric.Counter
}

func NewPartitionLiaison(partition model.Partition, provider rpc.Provider, notifier Notifier,
	events *EventLog, config LiaisonConfig) PartitionLiaison {
	labels := metric.LabelsForPeer("partition", partition.Id)
	l := &partitionLiaison{
		partition:   partition,
		rpc:         provider,
		states:      NewStateMap(partition.Id),
		logs:        collection.NewRing[string](config.BufferedLogEntries),
		lockMachine: statemachine.NewStateMachine(statemachine.PartitionLock),
		notifier:    notifier,
		events:      events,
		config:      config,
		malformed:   rate.Sometimes{Interval: 10 * time.Second},
		log: slog.With(
			slog.String("component", "partition-liaison"),
			slog.String("partition", partition.Id),
		),
		failedHeartbeats: metric.NewCounter("ecs_partition_heartbeats_failed",
			"The number of heartbeats not answered by a partition agent", metric.Dimensionless, labels),
	}

	l.connectedGauge = metric.NewGauge("ecs_partition_connected",
		"Whether the partition agent is considered connected", metric.Dimensionless, labels, func() int64 {
			if l.IsConnected() {
				return 1
			}
			return 0
		})

	l.ctx, l.cancel = context.WithCancel(context.Background())

	if err := l.snapshot(); err != nil {
		l.log.Warn("Failed to get the initial state snapshot", slog.Any("error", err))
	} else {
		l.connected = true
	}

	l.start("partition-updates", l.receiveWithRetries(l.partition.PublishEndpoint(), l.handleUpdate))
	l.start("partition-logs", l.receiveWithRetries(l.partition.LogEndpoint(), l.handleLog))
	l.start("partition-heartbeat", l.heartbeat)

	l.log.Info("Started partition liaison", slog.Bool("connected", l.IsConnected()))
	return l
}

func (l *partitionLiaison) start(name string, f func()) {
	l.wg.Add(1)
	go process.DoWithLabels(
		l.ctx,
		map[string]string{
			"ecs":       name,
			"partition": l.partition.Id,
		},
		func() {
			defer l.wg.Done()
			f()
		},
	)
}

func (l *partitionLiaison) Id() string {
	return l.partition.Id
}

func (l *partitionLiaison) Partition() model.Partition {
	return l.partition
}

func (l *partitionLiaison) IsConnected() bool {
	l.Mutex.Lock()
	defer l.Mutex.Unlock()
	return l.connected
}

func (l *partitionLiaison) HandleDisconnection() {
	l.Mutex.Lock()
	wasConnected := l.connected
	l.connected = false
	l.Mutex.Unlock()

	if wasConnected {
		l.failedHeartbeats.Inc()
		l.events.Error(fmt.Sprintf("Partition %s connection lost", l.partition.Id), l.partition.Id)
	}
}

func (l *partitionLiaison) snapshot() error {
	ctx, cancel := context.WithTimeout(l.ctx, l.config.ReceiveTimeout)
	defer cancel()

	entries, err := requestSnapshot(ctx, l.rpc, l.partition.CurrentStateEndpoint())
	if err != nil {
		return err
	}

	l.states.Reset()
	for _, e := range entries {
		l.states.Apply(e.Id, e.Sequence, e.State)
	}
	return nil
}

func (l *partitionLiaison) heartbeat() {
	ticker := time.NewTicker(l.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.probe()
		case <-l.ctx.Done():
			return
		}
	}
}

func (l *partitionLiaison) probe() {
	ctx, cancel := context.WithTimeout(l.ctx, l.config.ReceiveTimeout)
	_, err := l.rpc.Request(ctx, l.partition.CommandEndpoint(), []byte(model.CodePing))
	cancel()

	if err != nil {
		if !rpc.IsTerminated(err) && l.ctx.Err() == nil {
			l.HandleDisconnection()
		}
		return
	}

	if l.IsConnected() {
		return
	}

	if err := l.snapshot(); err != nil {
		l.log.Warn("Partition answers but its state snapshot failed", slog.Any("error", err))
		l.HandleDisconnection()
		return
	}

	l.Mutex.Lock()
	l.connected = true
	l.Mutex.Unlock()
	l.events.Info(fmt.Sprintf("Partition %s connected", l.partition.Id), l.partition.Id)
}

func (l *partitionLiaison) receiveWithRetries(endpoint string, handle func(frames [][]byte)) func() {
	return func() {
		backOff := time2.NewBackOffWithInitialInterval(l.ctx, l.config.InitialRetryBackoff)
		_ = backoff.RetryNotify(func() error {
			return l.receive(endpoint, handle, backOff)
		}, backOff, func(err error, duration time.Duration) {
			l.log.Warn(
				"Subscription failed",
				slog.String("endpoint", endpoint),
				slog.Any("error", err),
				slog.Duration("retry-after", duration),
			)
		})
	}
}

func (l *partitionLiaison) receive(endpoint string, handle func(frames [][]byte), backOff backoff.BackOff) error {
	sub, err := l.rpc.Subscribe(l.ctx, endpoint)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		frames, err := sub.Recv()
		if err != nil {
			if rpc.IsTerminated(err) {
				return nil
			}
			return err
		}

		backOff.Reset()
		handle(frames)
	}
}

func (l *partitionLiaison) handleUpdate(frames [][]byte) {
	id, sequence, payload, err := decodeUpdate(frames)
	if err != nil {
		l.malformed.Do(func() {
			l.log.Warn("Received malformed update", slog.Any("error", err))
		})
		return
	}

	update := model.WebUpdate{
		Id:             id,
		SequenceNumber: sequence,
		IsGlobalSystem: model.IsGlobalSystemId(id),
	}

	switch string(payload) {
	case model.CodeReset:
		l.states.Reset()
		update.State = model.WebReset
	case model.CodeRemoved:
		l.states.Remove(id)
		update.State = model.WebRemove
	default:
		so, err := model.ParseStateObject(payload)
		if err != nil {
			l.malformed.Do(func() {
				l.log.Warn("Received malformed state body", slog.String("id", id), slog.Any("error", err))
			})
			return
		}
		if !l.states.Apply(id, sequence, so) {
			l.log.Debug("Dropped stale update", slog.String("id", id), slog.Int("sequence", int(sequence)))
			return
		}
		update.State = so
		if id == l.partition.Id {
			update.Buttons = statemachine.UIButtonsForState(so.State)
		}
	}

	l.notifier.PublishUpdate(update, l.partition.Id)
}

func (l *partitionLiaison) handleLog(frames [][]byte) {
	if len(frames) == 0 {
		return
	}
	message := string(frames[0])
	l.logs.Push(message)
	l.events.Info(message, l.partition.Id)
	l.notifier.PublishLog(message, l.partition.Id)
}

func (l *partitionLiaison) SendCommand(ctx context.Context, command string, args ...[]byte) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.ReceiveTimeout)
		defer cancel()
	}

	frames := [][]byte{[]byte(command)}
	frames = append(frames, args...)
	err := rpc.Command(ctx, l.rpc, l.partition.CommandEndpoint(), frames...)
	l.trackBusy(err)
	if err != nil && !rpc.IsTerminated(err) {
		l.log.Warn("Command failed", slog.String("command", command), slog.Any("error", err))
	}
	return err
}

// trackBusy follows the busy and idle replies of a locked partition. Outside
// a protocol the lock state does not depend on the replies.
func (l *partitionLiaison) trackBusy(err error) {
	switch {
	case err == nil && l.lockMachine.CheckIfPossible(statemachine.TransitionIdle):
		_ = l.lockMachine.Fire(statemachine.TransitionIdle)
	case errors.Is(err, rpc.ErrBusy) && l.lockMachine.CheckIfPossible(statemachine.TransitionBusy):
		_ = l.lockMachine.Fire(statemachine.TransitionBusy)
	}
}

// Lock sends the lock command. ErrPartitionLocked means it was refused
// locally and nothing was sent.
func (l *partitionLiaison) Lock(ctx context.Context) error {
	if !l.lockMachine.CheckIfPossible(statemachine.TransitionLock) {
		return errors.Wrapf(ErrPartitionLocked, "partition %s is %s", l.partition.Id, l.lockMachine.CurrentState())
	}
	if err := l.SendCommand(ctx, model.CodeLock); err != nil {
		return err
	}
	return l.lockMachine.Fire(statemachine.TransitionLock)
}

func (l *partitionLiaison) Unlock(ctx context.Context) error {
	err := l.SendCommand(ctx, model.CodeUnlock)
	l.lockMachine.SetState(statemachine.LockUnlocked)
	return err
}

func (l *partitionLiaison) LockState() string {
	return l.lockMachine.CurrentState()
}

func (l *partitionLiaison) States() []StateEntry {
	return l.states.Snapshot()
}

func (l *partitionLiaison) Logs() []string {
	return l.logs.Values()
}

func (l *partitionLiaison) Close() error {
	l.cancel()
	l.wg.Wait()
	l.connectedGauge.Unregister()
	l.log.Info("Closed partition liaison")
	return nil
}
