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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ecs-project/ecs/coordinator/model"
	"github.com/ecs-project/ecs/coordinator/rpc"
	"github.com/ecs-project/ecs/coordinator/statemachine"
)

const testEndpoint = "tcp://detector-host:5000"

func newTestClient(t *testing.T, provider rpc.Provider, kind *Kind, cb *callbacks) Client {
	t.Helper()
	c := NewClient(provider, Options{
		Id:              "d1",
		Kind:            kind,
		CommandEndpoint: testEndpoint,
		Owner:           "P1",
		ReceiveTimeout:  50 * time.Millisecond,
		PingInterval:    20 * time.Millisecond,
		OnTimeout:       cb.onTimeout,
		OnReconnect:     cb.onReconnect,
	})
	t.Cleanup(func() {
		assert.NoError(t, c.Close())
	})
	return c
}

func mustKind(t *testing.T, name string) *Kind {
	t.Helper()
	k, err := DetectorKind(name)
	require.NoError(t, err)
	return k
}

func TestClient_ConnectAndTransition(t *testing.T) {
	provider := rpc.NewMemoryProvider()
	peer := newMockPeer(model.StateUnconfigured)
	provider.Handle(testEndpoint, peer.handle)
	cb := &callbacks{}

	c := newTestClient(t, provider, mustKind(t, "DetectorA"), cb)
	assert.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.StateUnconfigured, c.MappedState())

	_, reconnects := cb.counts()
	assert.Equal(t, 1, reconnects)

	// Configure needs a configuration
	assert.False(t, c.GetReady(context.Background()))
	assert.Empty(t, peer.received())

	c.SetConfig(model.ConfigObject{ConfigId: "cfg1", Body: []byte(`{"gain":3}`)})
	assert.True(t, c.GetReady(context.Background()))
	cmds := peer.received()
	require.Len(t, cmds, 1)
	assert.Equal(t, statemachine.TransitionConfigure, cmds[0][0])
	assert.JSONEq(t, `{"configId":"cfg1","body":{"gain":3}}`, cmds[0][1])

	// The local state only moves on a reported update
	assert.Equal(t, model.StateUnconfigured, c.MappedState())
	c.ApplyState(model.StateObject{State: model.StateConfiguring})
	assert.Equal(t, model.StateConfiguring, c.MappedState())

	// Not possible from Configuring
	assert.False(t, c.TransitionRequest(context.Background(), statemachine.TransitionReset, false))
	assert.Len(t, peer.received(), 1)
}

func TestClient_Replies(t *testing.T) {
	provider := rpc.NewMemoryProvider()
	peer := newMockPeer(model.StateUnconfigured)
	provider.Handle(testEndpoint, peer.handle)

	c := newTestClient(t, provider, mustKind(t, "DetectorA"), &callbacks{})
	assert.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)

	peer.setReply(model.CodeBusy)
	assert.False(t, c.Error(context.Background()))

	peer.setReply(model.CodeError)
	assert.False(t, c.Error(context.Background()))

	peer.setReply(model.CodeOk)
	assert.True(t, c.Error(context.Background()))
	assert.Len(t, peer.received(), 3)
}

func TestClient_RefusedWhenDisconnected(t *testing.T) {
	provider := rpc.NewMemoryProvider()
	cb := &callbacks{}

	c := newTestClient(t, provider, mustKind(t, "DetectorA"), cb)
	assert.Eventually(t, func() bool {
		timeouts, _ := cb.counts()
		return timeouts == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, Disconnected, c.Status())
	assert.Equal(t, model.StateConnectionProblem, c.MappedState())
	assert.Equal(t, model.StateConnectionProblem, c.StateObject().State)

	c.SetConfig(model.ConfigObject{ConfigId: "cfg1"})
	assert.False(t, c.GetReady(context.Background()))

	// Only heartbeats reached the endpoint
	for _, call := range provider.Calls(testEndpoint) {
		assert.Equal(t, model.CodePing, call.Strings()[0])
	}
}

func TestClient_GetReadyIsIdempotent(t *testing.T) {
	provider := rpc.NewMemoryProvider()
	peer := newMockPeer("Ready")
	peer.setState("Ready", "cfg1")
	provider.Handle(testEndpoint, peer.handle)

	c := newTestClient(t, provider, mustKind(t, "DetectorB"), &callbacks{})
	assert.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.StateActive, c.MappedState())
	assert.Equal(t, "Ready", c.State())
	assert.Equal(t, "cfg1", c.StateObject().ConfigTag)

	c.SetConfig(model.ConfigObject{ConfigId: "cfg1"})
	assert.True(t, c.GetReady(context.Background()))
	assert.True(t, c.GetReady(context.Background()))
	assert.Empty(t, peer.received())

	// A different configuration is sent
	c.SetConfig(model.ConfigObject{ConfigId: "cfg2"})
	assert.True(t, c.GetReady(context.Background()))
	assert.Len(t, peer.received(), 1)
}

func TestClient_HeartbeatReconnect(t *testing.T) {
	provider := rpc.NewMemoryProvider()
	peer := newMockPeer(model.StateActive)
	provider.Handle(testEndpoint, peer.handle)
	cb := &callbacks{}

	c := newTestClient(t, provider, mustKind(t, "DetectorA"), cb)
	assert.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)

	provider.Unhandle(testEndpoint)
	assert.Eventually(t, func() bool {
		timeouts, _ := cb.counts()
		return timeouts == 1 && !c.IsConnected()
	}, 2*time.Second, 10*time.Millisecond)

	// The timeout is reported once per outage
	time.Sleep(150 * time.Millisecond)
	timeouts, _ := cb.counts()
	assert.Equal(t, 1, timeouts)

	peer.setState(model.StateError, "")
	provider.Handle(testEndpoint, peer.handle)
	assert.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.StateError, c.MappedState())

	_, reconnects := cb.counts()
	assert.Equal(t, 2, reconnects)
	cb.Lock()
	assert.Equal(t, model.StateError, cb.reconnects[1].State)
	cb.Unlock()
}

func TestClient_ResyncFailureStaysDisconnected(t *testing.T) {
	provider := rpc.NewMemoryProvider()
	provider.Handle(testEndpoint, func(frames [][]byte) [][]byte {
		if string(frames[0]) == model.CodeGetState {
			return rpc.Frames("a", "b", "c")
		}
		return rpc.Status(model.CodeOk)
	})
	cb := &callbacks{}

	c := newTestClient(t, provider, mustKind(t, "DetectorA"), cb)
	assert.Eventually(t, func() bool {
		return len(provider.Calls(testEndpoint)) > 6
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, c.IsConnected())
	_, reconnects := cb.counts()
	assert.Zero(t, reconnects)
}

func TestClient_GlobalSystemFraming(t *testing.T) {
	provider := rpc.NewMemoryProvider()
	peer := newMockPeer(model.StateActive)
	provider.Handle(testEndpoint, peer.handle)

	kind, err := GlobalSystemKind(model.QA)
	require.NoError(t, err)
	c := newTestClient(t, provider, kind, &callbacks{})
	assert.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)

	assert.True(t, c.StartRecording(context.Background()))
	cmds := peer.received()
	require.Len(t, cmds, 1)
	assert.Equal(t, []string{statemachine.TransitionStart, "P1"}, cmds[0])

	// The state query carries the owner too
	calls := provider.Calls(testEndpoint)
	found := false
	for _, call := range calls {
		if s := call.Strings(); s[0] == model.CodeGetState {
			assert.Equal(t, []string{model.CodeGetState, "P1"}, s)
			found = true
		}
	}
	assert.True(t, found)

	tfc, err := GlobalSystemKind(model.TFC)
	require.NoError(t, err)
	assert.False(t, tfc.Recording)
}

func TestKinds(t *testing.T) {
	_, err := DetectorKind("nope")
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.True(t, IsKnownDetectorType("DetectorB"))
	assert.Contains(t, DetectorTypes(), "STS")

	cfg := model.ConfigObject{ConfigId: "c"}
	assert.True(t, skipGetReady(model.StateActive, "c", cfg))
	assert.False(t, skipGetReady(model.StateUnconfigured, "c", cfg))
	assert.False(t, skipGetReady(model.StateActive, "other", cfg))
	assert.False(t, skipGetReady(model.StateActive, "", model.ConfigObject{}))
}

func TestClient_AbortFollowsTable(t *testing.T) {
	provider := rpc.NewMemoryProvider()
	peer := newMockPeer(model.StateUnconfigured)
	provider.Handle(testEndpoint, peer.handle)

	c := newTestClient(t, provider, mustKind(t, "DetectorA"), &callbacks{})
	assert.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)

	// No abort edge leaves Unconfigured
	assert.False(t, c.Abort(context.Background()))
	assert.Empty(t, peer.received())

	c.ApplyState(model.StateObject{State: model.StateActive})
	assert.True(t, c.Abort(context.Background()))
	cmds := peer.received()
	require.Len(t, cmds, 1)
	assert.Equal(t, statemachine.TransitionAbort, cmds[0][0])
}
