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
	"log/slog"
	"time"

	"github.com/ecs-project/ecs/coordinator/model"
	"github.com/ecs-project/ecs/coordinator/rpc"
)

func (c *client) heartbeat() {
	c.probe()

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.probe()
		case <-c.ctx.Done():
			return
		}
	}
}

// probe is the only place where the connection status changes.
func (c *client) probe() {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.ReceiveTimeout)
	// Any reply proves liveness
	_, err := c.rpc.Request(ctx, c.opts.PingEndpoint, []byte(model.CodePing))
	cancel()

	if err != nil {
		if rpc.IsTerminated(err) || c.ctx.Err() != nil {
			return
		}
		c.handleTimeout(err)
		return
	}

	if c.Status() == Connected {
		return
	}

	reply, ok := c.GetStateFromSystem(c.ctx)
	if !ok {
		// Retried on the next interval, still not connected
		return
	}

	c.machine.SetState(reply.State)
	so := model.StateObject{
		State:         c.opts.Kind.Table.Map(reply.State),
		UnmappedState: reply.State,
		ConfigTag:     reply.ConfigTag,
	}
	c.Lock()
	c.state = so
	c.Unlock()

	c.opts.OnReconnect(c.opts.Id, so)

	c.Lock()
	c.status = Connected
	c.Unlock()
	c.log.Info("Component is connected", slog.String("state", reply.State))
}

func (c *client) handleTimeout(err error) {
	c.Lock()
	previous := c.status
	if previous == Disconnected {
		c.Unlock()
		return
	}
	c.status = Disconnected
	c.Unlock()

	c.machine.SetState(model.StateConnectionProblem)
	c.failedHeartbeats.Inc()
	c.log.Warn(
		"Component stopped answering the heartbeat",
		slog.Any("error", err),
		slog.String("previous-status", previous.String()),
	)
	c.opts.OnTimeout(c.opts.Id)
}
