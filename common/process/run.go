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
package process

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
)

// RunProcess starts the process and keeps it running until SIGINT or SIGTERM.
// It never returns.
func RunProcess(name string, startProcess func() (io.Closer, error)) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Run(ctx, name, startProcess)
	stop()
	os.Exit(code)
}

// Run starts the process and closes it, after the profiler, once ctx is done.
// The returned value is the exit code.
func Run(ctx context.Context, name string, startProcess func() (io.Closer, error)) int {
	log := slog.With(slog.String("process", name))

	profiler := RunProfiling()
	p, err := startProcess()
	if err != nil {
		log.Error(
			"Failed to start the process",
			slog.Any("error", err),
		)
		_ = profiler.Close()
		return 1
	}

	log.Info("Process is running")
	<-ctx.Done()
	log.Info("Received shutdown request")

	if err := multierr.Combine(profiler.Close(), p.Close()); err != nil {
		log.Error(
			"Failed when shutting down",
			slog.Any("error", err),
		)
		return 1
	}

	log.Info("Shutdown completed")
	return 0
}
