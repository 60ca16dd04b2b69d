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
	"sync"

	"github.com/ecs-project/ecs/common/logging"
	"github.com/ecs-project/ecs/coordinator/model"
	"github.com/ecs-project/ecs/coordinator/rpc"
)

func init() {
	logging.ConfigureLogger()
}

// mockPeer answers like a remote agent: pings, state queries and commands.
type mockPeer struct {
	sync.Mutex
	state     string
	configTag string
	reply     string
	commands  [][]string
}

func newMockPeer(state string) *mockPeer {
	return &mockPeer{state: state, reply: model.CodeOk}
}

func (p *mockPeer) handle(frames [][]byte) [][]byte {
	p.Lock()
	defer p.Unlock()

	code := string(frames[0])
	switch code {
	case model.CodePing:
		return rpc.Status(model.CodeOk)
	case model.CodeGetState:
		if p.configTag == "" {
			return rpc.Status(p.state)
		}
		return rpc.Frames(p.state, p.configTag)
	}

	cmd := make([]string, len(frames))
	for i, f := range frames {
		cmd[i] = string(f)
	}
	p.commands = append(p.commands, cmd)
	return rpc.Status(p.reply)
}

func (p *mockPeer) setReply(code string) {
	p.Lock()
	defer p.Unlock()
	p.reply = code
}

func (p *mockPeer) setState(state, configTag string) {
	p.Lock()
	defer p.Unlock()
	p.state = state
	p.configTag = configTag
}

func (p *mockPeer) received() [][]string {
	p.Lock()
	defer p.Unlock()
	res := make([][]string, len(p.commands))
	copy(res, p.commands)
	return res
}

type callbacks struct {
	sync.Mutex
	timeouts   []string
	reconnects []model.StateObject
}

func (c *callbacks) onTimeout(id string) {
	c.Lock()
	defer c.Unlock()
	c.timeouts = append(c.timeouts, id)
}

func (c *callbacks) onReconnect(_ string, so model.StateObject) {
	c.Lock()
	defer c.Unlock()
	c.reconnects = append(c.reconnects, so)
}

func (c *callbacks) counts() (int, int) {
	c.Lock()
	defer c.Unlock()
	return len(c.timeouts), len(c.reconnects)
}
