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
	"log/slog"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/ecs-project/ecs/common/metric"
	"github.com/ecs-project/ecs/common/process"
	"github.com/ecs-project/ecs/coordinator/model"
)

const dialRetryInterval = 100 * time.Millisecond

type zmqProvider struct {
	timeout time.Duration
	log     *slog.Logger

	requestFailures metric.Counter
	requestLatency  metric.LatencyHistogram
}

// NewZmqProvider returns a provider speaking ZeroMQ REQ/REP and PUB/SUB.
// Requests issued with a context that has no deadline are bounded by
// receiveTimeout.
func NewZmqProvider(receiveTimeout time.Duration) Provider {
	if receiveTimeout <= 0 {
		receiveTimeout = DefaultTimeout
	}
	return &zmqProvider{
		timeout: receiveTimeout,
		log:     slog.With(slog.String("component", "zmq-provider")),
		requestFailures: metric.NewCounter("ecs_rpc_request_failures",
			"The number of requests to remote agents that did not get a reply", metric.Dimensionless, nil),
		requestLatency: metric.NewLatencyHistogram("ecs_rpc_request_latency",
			"Round trip latency of requests to remote agents", nil),
	}
}

type result struct {
	frames [][]byte
	err    error
}

func (p *zmqProvider) Request(ctx context.Context, endpoint string, frames ...[]byte) ([][]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	timer := p.requestLatency.Timer()
	sock := zmq4.NewReq(ctx, zmq4.WithDialerRetry(dialRetryInterval))
	defer sock.Close()

	ch := make(chan result, 1)
	go func() {
		if err := sock.Dial(endpoint); err != nil {
			ch <- result{err: errors.Wrapf(err, "failed to dial %s", endpoint)}
			return
		}
		if err := sock.Send(zmq4.NewMsgFrom(frames...)); err != nil {
			ch <- result{err: errors.Wrapf(err, "failed to send to %s", endpoint)}
			return
		}
		msg, err := sock.Recv()
		ch <- result{frames: msg.Frames, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			p.requestFailures.Inc()
			return nil, classify(ctx, r.err)
		}
		timer.Done()
		return r.frames, nil
	case <-ctx.Done():
		p.requestFailures.Inc()
		return nil, classify(ctx, ctx.Err())
	}
}

type zmqSubscription struct {
	ctx    context.Context
	cancel context.CancelFunc
	sock   zmq4.Socket
}

func (p *zmqProvider) Subscribe(ctx context.Context, endpoint string) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sock := zmq4.NewSub(ctx, zmq4.WithDialerRetry(dialRetryInterval))
	if err := sock.Dial(endpoint); err != nil {
		cancel()
		_ = sock.Close()
		return nil, classify(ctx, errors.Wrapf(err, "failed to subscribe to %s", endpoint))
	}

	// Subscribe to everything
	if err := sock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		cancel()
		_ = sock.Close()
		return nil, err
	}

	return &zmqSubscription{ctx: ctx, cancel: cancel, sock: sock}, nil
}

func (s *zmqSubscription) Recv() ([][]byte, error) {
	msg, err := s.sock.Recv()
	if err != nil {
		return nil, classify(s.ctx, err)
	}
	return msg.Frames, nil
}

func (s *zmqSubscription) Close() error {
	s.cancel()
	return s.sock.Close()
}

type zmqPublisher struct {
	sync.Mutex
	sock zmq4.Socket
}

func (p *zmqProvider) NewPublisher(ctx context.Context, endpoint string) (Publisher, error) {
	sock := zmq4.NewPub(ctx)
	if err := sock.Listen(endpoint); err != nil {
		_ = sock.Close()
		return nil, errors.Wrapf(err, "failed to bind publisher on %s", endpoint)
	}
	return &zmqPublisher{sock: sock}, nil
}

func (pub *zmqPublisher) Publish(frames ...[]byte) error {
	pub.Lock()
	defer pub.Unlock()

	msg := zmq4.NewMsgFrom(frames...)
	if len(frames) > 1 {
		return pub.sock.SendMulti(msg)
	}
	return pub.sock.Send(msg)
}

func (pub *zmqPublisher) Close() error {
	pub.Lock()
	defer pub.Unlock()
	return pub.sock.Close()
}

type zmqServer struct {
	cancel context.CancelFunc
	sock   zmq4.Socket
	done   chan struct{}
}

func (p *zmqProvider) Serve(ctx context.Context, endpoint string, handler Handler) (io.Closer, error) {
	ctx, cancel := context.WithCancel(ctx)
	sock := zmq4.NewRep(ctx)
	if err := sock.Listen(endpoint); err != nil {
		cancel()
		_ = sock.Close()
		return nil, errors.Wrapf(err, "failed to bind reply socket on %s", endpoint)
	}

	s := &zmqServer{cancel: cancel, sock: sock, done: make(chan struct{})}
	log := p.log.With(slog.String("endpoint", endpoint))
	sometimes := rate.Sometimes{Interval: 10 * time.Second}

	go process.DoWithLabels(
		ctx,
		map[string]string{
			"ecs":      "reply-server",
			"endpoint": endpoint,
		},
		func() {
			defer close(s.done)
			for {
				msg, err := sock.Recv()
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					sometimes.Do(func() {
						log.Warn("Failed to receive request", slog.Any("error", err))
					})
					select {
					case <-ctx.Done():
						return
					case <-time.After(dialRetryInterval):
					}
					continue
				}

				reply := handler(msg.Frames)
				if len(reply) == 0 {
					reply = Status(model.CodeError)
				}
				if err := sock.Send(zmq4.NewMsgFrom(reply...)); err != nil && ctx.Err() == nil {
					log.Warn("Failed to send reply", slog.Any("error", err))
				}
			}
		},
	)

	return s, nil
}

func (s *zmqServer) Close() error {
	s.cancel()
	err := s.sock.Close()
	<-s.done
	return err
}
