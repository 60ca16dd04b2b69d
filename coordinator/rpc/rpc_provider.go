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
	"time"

	"github.com/pkg/errors"

	"github.com/ecs-project/ecs/coordinator/model"
)

const DefaultTimeout = 2 * time.Second

var (
	// ErrTimeout is returned when the peer did not answer within the deadline.
	ErrTimeout = errors.New("timeout waiting for reply")
	// ErrTerminated is returned when the call was interrupted by shutdown.
	ErrTerminated = errors.New("messaging terminated")
	// ErrBusy is returned when the peer refused the command because it is not idle.
	ErrBusy = errors.New("peer is busy")
	// ErrRejected is returned when the peer answered with an error code.
	ErrRejected = errors.New("peer rejected the command")
	// ErrUnknownId is returned when the peer does not know the requested id.
	ErrUnknownId = errors.New("id unknown")
)

// Handler computes the reply for one request. It must always return at
// least one frame.
type Handler func(frames [][]byte) [][]byte

type Subscription interface {
	io.Closer

	// Recv blocks until the next message. It returns ErrTerminated once the
	// subscription context is canceled.
	Recv() ([][]byte, error)
}

type Publisher interface {
	io.Closer

	Publish(frames ...[]byte) error
}

// Provider is the messaging surface used to reach every remote agent.
// Request never shares a socket between calls.
type Provider interface {
	Request(ctx context.Context, endpoint string, frames ...[]byte) ([][]byte, error)

	Subscribe(ctx context.Context, endpoint string) (Subscription, error)

	NewPublisher(ctx context.Context, endpoint string) (Publisher, error)

	Serve(ctx context.Context, endpoint string, handler Handler) (io.Closer, error)
}

// Command sends a request whose reply is a single status code and converts
// anything other than ok into an error.
func Command(ctx context.Context, provider Provider, endpoint string, frames ...[]byte) error {
	reply, err := provider.Request(ctx, endpoint, frames...)
	if err != nil {
		return err
	}
	return StatusToError(reply)
}

func StatusToError(reply [][]byte) error {
	if len(reply) == 0 {
		return errors.Wrap(ErrRejected, "empty reply")
	}
	switch code := string(reply[0]); code {
	case model.CodeOk:
		return nil
	case model.CodeBusy:
		return ErrBusy
	case model.CodeError:
		return ErrRejected
	case model.CodeIdUnknown:
		return ErrUnknownId
	default:
		return errors.Wrapf(ErrRejected, "unexpected reply %q", code)
	}
}

// Frames builds a request from a code and optional string arguments.
func Frames(code string, args ...string) [][]byte {
	res := make([][]byte, 0, len(args)+1)
	res = append(res, []byte(code))
	for _, a := range args {
		res = append(res, []byte(a))
	}
	return res
}

func Status(code string) [][]byte {
	return [][]byte{[]byte(code)}
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func IsTerminated(err error) bool {
	return errors.Is(err, ErrTerminated)
}

// classify maps a socket failure to ErrTimeout or ErrTerminated when the
// context explains it.
func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrTimeout
	case ctx.Err() != nil:
		return ErrTerminated
	}
	return err
}
