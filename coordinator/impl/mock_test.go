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
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ecs-project/ecs/common/logging"
	"github.com/ecs-project/ecs/coordinator/launcher"
	"github.com/ecs-project/ecs/coordinator/model"
	"github.com/ecs-project/ecs/coordinator/rpc"
	"github.com/ecs-project/ecs/coordinator/store"
)

func init() {
	logging.ConfigureLogger()
}

// fakePeer answers like a remote agent on one or more endpoints: pings,
// state queries and snapshot requests are answered, every other command is
// recorded and answered with the configured reply.
type fakePeer struct {
	sync.Mutex
	state    string
	snapshot []StateEntry
	replies  map[string]string
	commands [][]string
}

func newFakePeer(state string) *fakePeer {
	return &fakePeer{state: state, replies: map[string]string{}}
}

func (p *fakePeer) handle(frames [][]byte) [][]byte {
	p.Lock()
	defer p.Unlock()

	code := string(frames[0])
	switch code {
	case model.CodePing:
		return rpc.Status(model.CodeOk)
	case model.CodeGetState:
		return rpc.Status(p.state)
	case model.CodeSnapshot:
		return encodeSnapshot(p.snapshot)
	}

	cmd := make([]string, len(frames))
	for i, f := range frames {
		cmd[i] = string(f)
	}
	p.commands = append(p.commands, cmd)

	if reply, ok := p.replies[code]; ok {
		return rpc.Status(reply)
	}
	return rpc.Status(model.CodeOk)
}

func (p *fakePeer) setReply(code string, reply string) {
	p.Lock()
	defer p.Unlock()
	p.replies[code] = reply
}

func (p *fakePeer) setSnapshot(entries ...StateEntry) {
	p.Lock()
	defer p.Unlock()
	p.snapshot = entries
}

func (p *fakePeer) received() [][]string {
	p.Lock()
	defer p.Unlock()
	res := make([][]string, len(p.commands))
	copy(res, p.commands)
	return res
}

// codes returns the command codes received, in order.
func (p *fakePeer) codes() []string {
	var res []string
	for _, c := range p.received() {
		res = append(res, c[0])
	}
	return res
}

func (p *fakePeer) count(code string) int {
	n := 0
	for _, c := range p.codes() {
		if c == code {
			n++
		}
	}
	return n
}

func (p *fakePeer) clear() {
	p.Lock()
	defer p.Unlock()
	p.commands = nil
}

type recordedUpdate struct {
	update model.WebUpdate
	origin string
}

type recordingNotifier struct {
	sync.Mutex
	updates []recordedUpdate
	logs    map[string][]string
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{logs: map[string][]string{}}
}

func (n *recordingNotifier) PublishUpdate(update model.WebUpdate, origin string) {
	n.Lock()
	defer n.Unlock()
	n.updates = append(n.updates, recordedUpdate{update: update, origin: origin})
}

func (n *recordingNotifier) PublishLog(message string, origin string) {
	n.Lock()
	defer n.Unlock()
	n.logs[origin] = append(n.logs[origin], message)
}

func (n *recordingNotifier) updatesFor(origin string) []model.WebUpdate {
	n.Lock()
	defer n.Unlock()
	var res []model.WebUpdate
	for _, u := range n.updates {
		if u.origin == origin {
			res = append(res, u.update)
		}
	}
	return res
}

func (n *recordingNotifier) logsContaining(origin string, s string) bool {
	n.Lock()
	defer n.Unlock()
	for _, l := range n.logs[origin] {
		if strings.Contains(l, s) {
			return true
		}
	}
	return false
}

func testPartition(id string, host string) model.Partition {
	return model.Partition{
		Id:               id,
		Address:          host,
		PortPublish:      5000,
		PortLog:          5001,
		PortUpdates:      5002,
		PortCurrentState: 5003,
		PortCommand:      5004,
	}
}

func testDetector(id string) model.Detector {
	return model.Detector{
		Id:          id,
		Address:     strings.ToLower(id) + "-host",
		Type:        "DetectorA",
		PortCommand: 6000,
		PingPort:    6000,
	}
}

func testGlobalSystem(id string) model.GlobalSystem {
	return model.GlobalSystem{
		Id:               id,
		Address:          strings.ToLower(id) + "-host",
		PortCommand:      7000,
		PortPublish:      7001,
		PortUpdates:      7002,
		PortCurrentState: 7003,
		PortLog:          7004,
	}
}

const testTimeout = 100 * time.Millisecond

func testConfig() Config {
	return Config{
		EcsAddress:               "ecs-host",
		BindAddress:              "ecs-host",
		UnmappedPublishPort:      8000,
		UnmappedUpdatesPort:      8001,
		UnmappedCurrentStatePort: 8002,
		ReceiveTimeout:           testTimeout,
		PingInterval:             50 * time.Millisecond,
		InitialRetryBackoff:      10 * time.Millisecond,
		BufferedLogEntries:       100,
	}
}

// cluster is a coordinator wired to fake agents on an in-memory transport.
type cluster struct {
	t             *testing.T
	provider      *rpc.MemoryProvider
	store         store.Store
	notifier      *recordingNotifier
	partitions    map[string]*fakePeer
	detectors     map[string]*fakePeer
	globalSystems map[string]*fakePeer
	coordinator   *coordinator
}

// newCluster registers partitions P1 and P2, detectors D1 to D3 (D1 mapped
// to P1, the others unmapped) and the global systems TFC and QA.
func newCluster(t *testing.T) *cluster {
	t.Helper()
	c := &cluster{
		t:             t,
		provider:      rpc.NewMemoryProvider(),
		store:         store.NewMemoryStore(),
		notifier:      newRecordingNotifier(),
		partitions:    map[string]*fakePeer{},
		detectors:     map[string]*fakePeer{},
		globalSystems: map[string]*fakePeer{},
	}

	for _, id := range []string{"P1", "P2"} {
		p := testPartition(id, strings.ToLower(id)+"-host")
		require.NoError(t, c.store.AddPartition(p))
		c.servePartition(p)
	}
	for _, id := range []string{"D1", "D2", "D3"} {
		d := testDetector(id)
		require.NoError(t, c.store.AddDetector(d))
		c.serveDetector(d)
	}
	require.NoError(t, c.store.MapDetector("D1", "P1"))
	for _, id := range []string{model.TFC, model.QA} {
		gs := testGlobalSystem(id)
		require.NoError(t, c.store.PutGlobalSystem(gs))
		peer := newFakePeer(model.StateUnconfigured)
		c.globalSystems[id] = peer
		c.provider.Handle(gs.CommandEndpoint(), peer.handle)
	}
	return c
}

func (c *cluster) servePartition(p model.Partition) *fakePeer {
	peer := newFakePeer(model.StateUnconfigured)
	c.partitions[p.Id] = peer
	c.provider.Handle(p.CommandEndpoint(), peer.handle)
	c.provider.Handle(p.CurrentStateEndpoint(), peer.handle)
	return peer
}

func (c *cluster) serveDetector(d model.Detector) *fakePeer {
	peer := newFakePeer(model.StateActive)
	c.detectors[d.Id] = peer
	c.provider.Handle(d.CommandEndpoint(), peer.handle)
	return peer
}

// silence makes every request to the endpoint time out.
func (c *cluster) silence(endpoint string) {
	c.provider.Unhandle(endpoint)
}

func (c *cluster) start() *coordinator {
	return c.startWith(testConfig())
}

func (c *cluster) startWith(config Config) *coordinator {
	c.t.Helper()
	co, err := NewCoordinator(c.store, c.provider, launcher.NewNoopManager(), c.notifier, config)
	require.NoError(c.t, err)
	c.coordinator = co.(*coordinator)
	c.t.Cleanup(func() {
		_ = co.Close()
	})
	return c.coordinator
}

func (c *cluster) owner(detectorId string) string {
	c.t.Helper()
	p, err := c.coordinator.PartitionForDetector(detectorId)
	require.NoError(c.t, err)
	return p.Id
}

func (c *cluster) requireBalancedLocks(partitionId string) {
	c.t.Helper()
	peer := c.partitions[partitionId]
	require.Equal(c.t, peer.count(model.CodeLock), peer.count(model.CodeUnlock),
		"partition %s: %v", partitionId, peer.codes())
}

func (c *cluster) liaison(id string) PartitionLiaison {
	c.t.Helper()
	l, ok := c.coordinator.topology.liaison(id)
	require.True(c.t, ok, "no liaison for %s", id)
	return l
}
