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

package component

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ecs-project/ecs/common/metric"
	"github.com/ecs-project/ecs/common/process"
	"github.com/ecs-project/ecs/coordinator/model"
	"github.com/ecs-project/ecs/coordinator/rpc"
	"github.com/ecs-project/ecs/coordinator/statemachine"
)

const (
	DefaultPingInterval = 2 * time.Second
)

type ConnectionStatus int

const (
	Unknown ConnectionStatus = iota
	Connected
	Disconnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// StatusReply is the answer of a peer to a full state query.
type StatusReply struct {
	State     string
	ConfigTag string
}

type Options struct {
	Id              string
	Kind            *Kind
	CommandEndpoint string
	// PingEndpoint defaults to the command endpoint.
	PingEndpoint string
	// Owner is the partition on whose behalf a global system is driven.
	Owner          string
	ReceiveTimeout time.Duration
	PingInterval   time.Duration

	// OnTimeout is called when the peer stops answering the heartbeat.
	OnTimeout func(id string)
	// OnReconnect is called with the recovered state before the client
	// reports itself connected again.
	OnReconnect func(id string, state model.StateObject)
}

// Client drives one remote component: a detector or a global system.
type Client interface {
	io.Closer

	Id() string
	Kind() *Kind

	// TransitionRequest sends the command if the peer is connected and the
	// current state accepts it. It returns true only on an explicit ok reply.
	// The local state is never advanced by this call.
	TransitionRequest(ctx context.Context, command string, sendConfig bool) bool

	GetStateFromSystem(ctx context.Context) (StatusReply, bool)

	GetReady(ctx context.Context) bool
	Abort(ctx context.Context) bool
	Reset(ctx context.Context) bool
	Error(ctx context.Context) bool
	StartRecording(ctx context.Context) bool
	StopRecording(ctx context.Context) bool

	// SendCommand sends a command outside the transition table, such as a
	// consistency check or an ownership change.
	SendCommand(ctx context.Context, command string, args ...[]byte) error

	// ApplyState records a state reported by the peer.
	ApplyState(state model.StateObject)

	SetConfig(config model.ConfigObject)
	Config() model.ConfigObject

	IsConnected() bool
	Status() ConnectionStatus
	State() string
	MappedState() string
	StateObject() model.StateObject
}

type client struct {
	sync.Mutex
	opts    Options
	rpc     rpc.Provider
	machine *statemachine.StateMachine
	status  ConnectionStatus
	state   model.StateObject
	config  model.ConfigObject
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connectedGauge   metric.Gauge
	failedHeartbeats metric.Counter
}

func NewClient(provider rpc.Provider, opts Options) Client {
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = rpc.DefaultTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PingEndpoint == "" {
		opts.PingEndpoint = opts.CommandEndpoint
	}
	if opts.OnTimeout == nil {
		opts.OnTimeout = func(string) {}
	}
	if opts.OnReconnect == nil {
		opts.OnReconnect = func(string, model.StateObject) {}
	}

	labels := metric.LabelsForPeer(opts.Kind.Name, opts.Id)
	c := &client{
		opts:    opts,
		rpc:     provider,
		machine: statemachine.NewDisconnected(opts.Kind.Table),
		status:  Unknown,
		state:   model.StateObject{State: model.StateConnectionProblem},
		log: slog.With(
			slog.String("component", "remote-component"),
			slog.String("id", opts.Id),
			slog.String("kind", opts.Kind.Name),
		),
		failedHeartbeats: metric.NewCounter("ecs_component_heartbeats_failed",
			"The number of heartbeats not answered by a remote component", metric.Dimensionless, labels),
	}

	c.connectedGauge = metric.NewGauge("ecs_component_connected",
		"Whether the remote component is answering the heartbeat", metric.Dimensionless, labels, func() int64 {
			if c.IsConnected() {
				return 1
			}
			return 0
		})

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(1)
	go process.DoWithLabels(
		c.ctx,
		map[string]string{
			"ecs":  "component-heartbeat",
			"peer": opts.Id,
		},
		func() {
			defer c.wg.Done()
			c.heartbeat()
		},
	)

	return c
}

func (c *client) Id() string {
	return c.opts.Id
}

func (c *client) Kind() *Kind {
	return c.opts.Kind
}

func (c *client) Close() error {
	c.cancel()
	c.wg.Wait()
	c.connectedGauge.Unregister()
	c.log.Debug("Closed remote component client")
	return nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.ReceiveTimeout)
}

func (c *client) frames(command string, payload []byte) [][]byte {
	frames := [][]byte{[]byte(command)}
	if c.opts.Kind.Class == ClassGlobalSystem {
		frames = append(frames, []byte(c.opts.Owner))
	}
	if payload != nil {
		frames = append(frames, payload)
	}
	return frames
}

func (c *client) TransitionRequest(ctx context.Context, command string, sendConfig bool) bool {
	if !c.IsConnected() {
		c.log.Warn("Can't transition because the component isn't connected", slog.String("transition", command))
		return false
	}
	if !c.machine.CheckIfPossible(command) {
		c.log.Warn(
			"Transition is not possible in current state",
			slog.String("transition", command),
			slog.String("state", c.machine.CurrentState()),
		)
		return false
	}

	var payload []byte
	if sendConfig {
		config := c.Config()
		if config.IsEmpty() {
			c.log.Warn("No configuration set for transition", slog.String("transition", command))
			return false
		}
		payload = model.MustMarshal(config)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	err := rpc.Command(ctx, c.rpc, c.opts.CommandEndpoint, c.frames(command, payload)...)
	switch {
	case err == nil:
		return true
	case rpc.IsTerminated(err):
		return false
	default:
		c.log.Warn(
			"Transition request failed",
			slog.String("transition", command),
			slog.Any("error", err),
		)
		return false
	}
}

func (c *client) GetStateFromSystem(ctx context.Context) (StatusReply, bool) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	reply, err := c.rpc.Request(ctx, c.opts.CommandEndpoint, c.frames(model.CodeGetState, nil)...)
	if err != nil {
		if !rpc.IsTerminated(err) {
			c.log.Warn("Failed to get state from component", slog.Any("error", err))
		}
		return StatusReply{}, false
	}

	switch len(reply) {
	case 1:
		return StatusReply{State: string(reply[0])}, true
	case 2:
		return StatusReply{State: string(reply[0]), ConfigTag: string(reply[1])}, true
	default:
		c.log.Warn("Received malformed state reply", slog.Int("frames", len(reply)))
		return StatusReply{}, false
	}
}

func (c *client) GetReady(ctx context.Context) bool {
	so := c.StateObject()
	if skipGetReady(c.MappedState(), so.ConfigTag, c.Config()) {
		c.log.Debug("Component is already configured", slog.String("config-tag", so.ConfigTag))
		return true
	}
	return c.TransitionRequest(ctx, statemachine.TransitionConfigure, true)
}

// Abort is refused when the table has no abort edge out of the current state.
func (c *client) Abort(ctx context.Context) bool {
	return c.TransitionRequest(ctx, statemachine.TransitionAbort, false)
}

func (c *client) Reset(ctx context.Context) bool {
	if c.MappedState() != model.StateError {
		c.log.Debug("Nothing to reset")
		return true
	}
	return c.TransitionRequest(ctx, statemachine.TransitionReset, false)
}

func (c *client) Error(ctx context.Context) bool {
	if c.MappedState() == model.StateError {
		return true
	}
	return c.TransitionRequest(ctx, statemachine.TransitionError, false)
}

func (c *client) StartRecording(ctx context.Context) bool {
	if !c.opts.Kind.Recording {
		return false
	}
	if c.MappedState() == model.StateRecording {
		return true
	}
	return c.TransitionRequest(ctx, statemachine.TransitionStart, false)
}

func (c *client) StopRecording(ctx context.Context) bool {
	if !c.opts.Kind.Recording {
		return false
	}
	if c.MappedState() != model.StateRecording {
		return true
	}
	return c.TransitionRequest(ctx, statemachine.TransitionStop, false)
}

func (c *client) SendCommand(ctx context.Context, command string, args ...[]byte) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	frames := [][]byte{[]byte(command)}
	frames = append(frames, args...)
	return rpc.Command(ctx, c.rpc, c.opts.CommandEndpoint, frames...)
}

func (c *client) ApplyState(state model.StateObject) {
	raw := state.UnmappedState
	if raw == "" {
		raw = state.State
	}
	c.machine.SetState(raw)

	c.Lock()
	defer c.Unlock()
	c.state = model.StateObject{
		State:         c.opts.Kind.Table.Map(raw),
		UnmappedState: raw,
		ConfigTag:     state.ConfigTag,
		Comment:       state.Comment,
	}
}

func (c *client) SetConfig(config model.ConfigObject) {
	c.Lock()
	defer c.Unlock()
	c.config = config
}

func (c *client) Config() model.ConfigObject {
	c.Lock()
	defer c.Unlock()
	return c.config
}

func (c *client) IsConnected() bool {
	return c.Status() == Connected
}

func (c *client) Status() ConnectionStatus {
	c.Lock()
	defer c.Unlock()
	return c.status
}

func (c *client) State() string {
	if !c.IsConnected() {
		return model.StateConnectionProblem
	}
	return c.machine.CurrentState()
}

func (c *client) MappedState() string {
	if !c.IsConnected() {
		return model.StateConnectionProblem
	}
	return c.machine.MappedState()
}

func (c *client) StateObject() model.StateObject {
	c.Lock()
	defer c.Unlock()
	if c.status != Connected {
		return model.StateObject{State: model.StateConnectionProblem, ConfigTag: c.state.ConfigTag}
	}
	return c.state
}
