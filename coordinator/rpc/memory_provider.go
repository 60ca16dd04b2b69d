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

package rpc

import (
	"context"
	"io"
	"slices"
	"sync"

	"github.com/pkg/errors"
)

const memorySubscriptionBuffer = 1024

// Call is one request recorded by the MemoryProvider.
type Call struct {
	Endpoint string
	Frames   [][]byte
}

func (c Call) Strings() []string {
	res := make([]string, len(c.Frames))
	for i, f := range c.Frames {
		res[i] = string(f)
	}
	return res
}

// MemoryProvider routes messages between endpoints of the same process.
// A request to an endpoint with no handler blocks until its deadline, the
// same way an unreachable peer does.
type MemoryProvider struct {
	sync.Mutex
	handlers map[string]Handler
	topics   map[string][]*memorySubscription
	calls    []Call
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		handlers: map[string]Handler{},
		topics:   map[string][]*memorySubscription{},
	}
}

// Handle installs the handler answering requests sent to endpoint.
func (m *MemoryProvider) Handle(endpoint string, handler Handler) {
	m.Lock()
	defer m.Unlock()
	m.handlers[endpoint] = handler
}

// Unhandle makes the endpoint unreachable.
func (m *MemoryProvider) Unhandle(endpoint string) {
	m.Lock()
	defer m.Unlock()
	delete(m.handlers, endpoint)
}

// Calls returns the requests sent to endpoint, oldest first.
func (m *MemoryProvider) Calls(endpoint string) []Call {
	m.Lock()
	defer m.Unlock()
	res := make([]Call, 0)
	for _, c := range m.calls {
		if c.Endpoint == endpoint {
			res = append(res, c)
		}
	}
	return res
}

func copyFrames(frames [][]byte) [][]byte {
	res := make([][]byte, len(frames))
	for i, f := range frames {
		res[i] = slices.Clone(f)
	}
	return res
}

func (m *MemoryProvider) Request(ctx context.Context, endpoint string, frames ...[]byte) ([][]byte, error) {
	m.Lock()
	m.calls = append(m.calls, Call{Endpoint: endpoint, Frames: copyFrames(frames)})
	handler, ok := m.handlers[endpoint]
	m.Unlock()

	if !ok {
		if _, hasDeadline := ctx.Deadline(); !hasDeadline {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
			defer cancel()
		}
		<-ctx.Done()
		return nil, classify(ctx, ctx.Err())
	}
	if ctx.Err() != nil {
		return nil, classify(ctx, ctx.Err())
	}
	return copyFrames(handler(copyFrames(frames))), nil
}

type memorySubscription struct {
	ctx      context.Context
	cancel   context.CancelFunc
	ch       chan [][]byte
	provider *MemoryProvider
	endpoint string
}

func (m *MemoryProvider) Subscribe(ctx context.Context, endpoint string) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &memorySubscription{
		ctx:      ctx,
		cancel:   cancel,
		ch:       make(chan [][]byte, memorySubscriptionBuffer),
		provider: m,
		endpoint: endpoint,
	}

	m.Lock()
	defer m.Unlock()
	m.topics[endpoint] = append(m.topics[endpoint], s)
	return s, nil
}

func (s *memorySubscription) Recv() ([][]byte, error) {
	select {
	case frames := <-s.ch:
		return frames, nil
	case <-s.ctx.Done():
		return nil, ErrTerminated
	}
}

func (s *memorySubscription) Close() error {
	s.cancel()
	s.provider.Lock()
	defer s.provider.Unlock()
	s.provider.topics[s.endpoint] = slices.DeleteFunc(s.provider.topics[s.endpoint], func(o *memorySubscription) bool {
		return o == s
	})
	return nil
}

type memoryPublisher struct {
	provider *MemoryProvider
	endpoint string
}

func (m *MemoryProvider) NewPublisher(_ context.Context, endpoint string) (Publisher, error) {
	return &memoryPublisher{provider: m, endpoint: endpoint}, nil
}

// Publish delivers the message to the current subscribers. Like a real
// publisher, it drops messages for subscribers that do not keep up.
func (p *memoryPublisher) Publish(frames ...[]byte) error {
	p.provider.Lock()
	subs := slices.Clone(p.provider.topics[p.endpoint])
	p.provider.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- copyFrames(frames):
		default:
		}
	}
	return nil
}

func (*memoryPublisher) Close() error {
	return nil
}

type memoryServer struct {
	provider *MemoryProvider
	endpoint string
}

func (m *MemoryProvider) Serve(_ context.Context, endpoint string, handler Handler) (io.Closer, error) {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.handlers[endpoint]; ok {
		return nil, errors.Errorf("endpoint %s already served", endpoint)
	}
	m.handlers[endpoint] = handler
	return &memoryServer{provider: m, endpoint: endpoint}, nil
}

func (s *memoryServer) Close() error {
	s.provider.Unhandle(s.endpoint)
	return nil
}
