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

package launcher

import (
	"context"
	"log/slog"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindDetector     Kind = "detector"
	KindPartition    Kind = "partition"
	KindGlobalSystem Kind = "global-system"
)

var ErrNotRunning = errors.New("process is not running")

// Target identifies the agent process of one component on its host.
type Target struct {
	Id      string
	Address string
	Kind    Kind
}

func (t Target) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", t.Id),
		slog.String("address", t.Address),
		slog.String("kind", string(t.Kind)),
	)
}

// Manager starts and stops the agent processes of remote components.
type Manager interface {
	// Start launches the agent unless it is already running and returns its pid.
	Start(ctx context.Context, target Target) (int, error)

	// Stop kills the agent. Stopping an agent that is not running succeeds.
	Stop(ctx context.Context, target Target) error

	CheckRunning(ctx context.Context, target Target) (pid int, running bool, err error)
}

type noopManager struct{}

// NewNoopManager returns a manager for deployments where the agents are
// started by other means.
func NewNoopManager() Manager {
	return &noopManager{}
}

func (*noopManager) Start(context.Context, Target) (int, error) {
	return 0, nil
}

func (*noopManager) Stop(context.Context, Target) error {
	return nil
}

func (*noopManager) CheckRunning(context.Context, Target) (int, bool, error) {
	return 0, false, nil
}
