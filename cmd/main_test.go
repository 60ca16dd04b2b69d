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
	"log/slog"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"

	"github.com/ecs-project/ecs/common/logging"
)

func TestCall_LogLevel(t *testing.T) {
	tests := []struct {
		name          string
		level         string
		expectedErr   bool
		expectedLevel slog.Level
	}{
		{"debug", "debug", false, slog.LevelDebug},
		{"info", "info", false, slog.LevelInfo},
		{"warn", "warn", false, slog.LevelWarn},
		{"error", "error", false, slog.LevelError},
		{"upper case", "DEBUG", false, slog.LevelDebug},
		{"junk", "junk", true, slog.LevelInfo},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			logging.LogLevel.Set(logging.DefaultLogLevel)
			rootCmd.SetArgs([]string{"-l", test.level})
			rootCmd.RunE = func(*cobra.Command, []string) error {
				assert.Equal(t, test.expectedLevel, logging.LogLevel.Level())
				return nil
			}
			err := rootCmd.Execute()
			assert.Equal(t, test.expectedErr, err != nil)
			assert.Equal(t, test.expectedLevel, logging.LogLevel.Level())
		})
	}
}

func TestCall_Subcommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "coordinator")
	assert.Contains(t, names, "health")
	assert.Contains(t, names, "status")
}
