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

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ecs-project/ecs/cmd/coordinator"
	"github.com/ecs-project/ecs/cmd/health"
	"github.com/ecs-project/ecs/cmd/status"
	"github.com/ecs-project/ecs/common/logging"
	"github.com/ecs-project/ecs/common/process"
)

var (
	rootCmd = &cobra.Command{
		Use:               "ecs",
		Short:             "Experiment control system",
		Long:              `Control plane of the detector readout: partitions, detectors and global systems`,
		PersistentPreRunE: configureLogging,
	}
)

func init() {
	logging.LogLevel.Set(logging.DefaultLogLevel)
	rootCmd.PersistentFlags().VarP(logging.LevelFlag{}, "log-level", "l", "Set logging level [debug|info|warn|error]")
	rootCmd.PersistentFlags().BoolVarP(&logging.LogJSON, "log-json", "j", false, "Print logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&logging.LogFile, "log-file", "", "Also append the logs to this file")
	rootCmd.PersistentFlags().BoolVar(&process.PprofEnable, "profile", false, "Enable pprof profiler")
	rootCmd.PersistentFlags().StringVar(&process.PprofBindAddress, "profile-bind-address", "127.0.0.1:6060", "Bind address for pprof")

	rootCmd.AddCommand(coordinator.Cmd)
	rootCmd.AddCommand(health.Cmd)
	rootCmd.AddCommand(status.Cmd)
}

func configureLogging(*cobra.Command, []string) error {
	return logging.ConfigureLogger()
}

func main() {
	process.DoWithLabels(
		context.Background(),
		map[string]string{
			"ecs": "main",
		},
		func() {
			if _, err := maxprocs.Set(); err != nil {
				_, _ = fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			if err := rootCmd.Execute(); err != nil {
				_, _ = fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		},
	)
}
