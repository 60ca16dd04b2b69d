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

package container

import (
	"context"
	"io"
	"log/slog"
	"net"

	"github.com/pkg/errors"
	"google.golang.org/grpc"

	"github.com/ecs-project/ecs/common/process"
)

type GrpcServer interface {
	io.Closer

	Port() int
}

type grpcServer struct {
	server *grpc.Server
	port   int
	log    *slog.Logger
}

// StartGrpcServer listens on bindAddress and serves the services registered
// by registerFunc in the background.
func StartGrpcServer(name string, bindAddress string, registerFunc func(grpc.ServiceRegistrar)) (GrpcServer, error) {
	c := &grpcServer{
		server: grpc.NewServer(),
	}
	registerFunc(c.server)

	listener, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", bindAddress)
	}

	c.port = listener.Addr().(*net.TCPAddr).Port

	c.log = slog.With(
		slog.String("grpc-server", name),
		slog.String("bind-address", listener.Addr().String()),
	)

	go process.DoWithLabels(
		context.Background(),
		map[string]string{
			"ecs":  name,
			"bind": listener.Addr().String(),
		},
		func() {
			if err := c.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				c.log.Error("Failed to serve", slog.Any("error", err))
			}
		},
	)

	c.log.Info("Started Grpc server")
	return c, nil
}

func (c *grpcServer) Port() int {
	return c.port
}

func (c *grpcServer) Close() error {
	c.server.GracefulStop()
	c.log.Info("Stopped Grpc server")
	return nil
}
