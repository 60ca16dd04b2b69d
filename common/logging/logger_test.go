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
package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	for _, test := range []struct {
		in    string
		level slog.Level
		err   bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"Error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	} {
		level, err := ParseLogLevel(test.in)
		assert.Equal(t, test.level, level, test.in)
		assert.Equal(t, test.err, err != nil, test.in)
	}
}

func TestLevelFlag(t *testing.T) {
	defer LogLevel.Set(DefaultLogLevel)

	f := LevelFlag{}
	require.NoError(t, f.Set("debug"))
	assert.Equal(t, "DEBUG", f.String())
	assert.Error(t, f.Set("loud"))
	assert.Equal(t, slog.LevelDebug, LogLevel.Level())
}

func TestConfigure_LogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ecs.log")
	LogFile = path
	LogJSON = true
	defer func() {
		LogFile = ""
		LogJSON = false
		_ = ConfigureLogger()
	}()

	var out bytes.Buffer
	require.NoError(t, Configure(&out))
	slog.Info("Partition created", slog.String("partition", "P1"))

	assert.Contains(t, out.String(), "Partition created")

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(content), &record))
	assert.Equal(t, "Partition created", record["message"])
	assert.Equal(t, "P1", record["partition"])
}

func TestConfigure_InvalidLogFile(t *testing.T) {
	LogFile = filepath.Join(t.TempDir(), "missing", "ecs.log")
	defer func() {
		LogFile = ""
	}()

	assert.Error(t, Configure(&bytes.Buffer{}))
}
