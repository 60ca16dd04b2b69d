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

package coordinator

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ecs-project/ecs/common/logging"
	"github.com/ecs-project/ecs/coordinator"
	"github.com/ecs-project/ecs/coordinator/model"
)

func writeConfig(t *testing.T, path string, content map[string]any) {
	t.Helper()
	bytes, err := yaml.Marshal(content)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, bytes, 0o600))
}

func TestCmd(t *testing.T) {
	name := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, name, map[string]any{
		"ecsAddress":     "ecs.example.org",
		"requestPort":    6000,
		"receiveTimeout": "3s",
		"legacyCommands": true,
		"globalSystems": []model.GlobalSystem{{
			Id:          model.TFC,
			Address:     "tfc-host",
			PortCommand: 7000,
			PortPublish: 7001,
		}},
		"ssh": map[string]any{
			"user":        "operator",
			"dialTimeout": "1s",
		},
	})

	for _, test := range []struct {
		args     []string
		expected func(c *coordinator.Config)
		isErr    bool
	}{
		{[]string{}, func(*coordinator.Config) {}, false},
		{[]string{"-m=localhost:1234"}, func(c *coordinator.Config) {
			c.MetricsServiceAddr = "localhost:1234"
		}, false},
		{[]string{"-w=0.0.0.0:9090", "--health-addr=0.0.0.0:9091"}, func(c *coordinator.Config) {
			c.WebServiceAddr = "0.0.0.0:9090"
			c.HealthServiceAddr = "0.0.0.0:9091"
		}, false},
		{[]string{"--request-port=7777", "--unmapped-publish-port=7778"}, func(c *coordinator.Config) {
			c.RequestPort = 7777
			c.UnmappedPublishPort = 7778
		}, false},
		{[]string{"--receive-timeout=500ms", "--reconciliation-interval=0"}, func(c *coordinator.Config) {
			c.ReceiveTimeout = 500 * time.Millisecond
			c.ReconciliationInterval = 0
		}, false},
		{[]string{"--start-clients", "--ssh-user=ecs"}, func(c *coordinator.Config) {
			c.StartClients = true
			c.SSH.User = "ecs"
		}, false},
		{[]string{"--db=/tmp/ecs.db", "--legacy-commands"}, func(c *coordinator.Config) {
			c.DatabasePath = "/tmp/ecs.db"
			c.LegacyCommands = true
		}, false},
		{[]string{"--detector-tables=/etc/ecs/tables"}, func(c *coordinator.Config) {
			c.DetectorTablesDir = "/etc/ecs/tables"
		}, false},
		{[]string{"--request-port=7777", "-f=" + name}, func(c *coordinator.Config) {
			c.EcsAddress = "ecs.example.org"
			c.RequestPort = 6000
			c.ReceiveTimeout = 3 * time.Second
			c.LegacyCommands = true
			c.GlobalSystems = []model.GlobalSystem{{
				Id:          model.TFC,
				Address:     "tfc-host",
				PortCommand: 7000,
				PortPublish: 7001,
			}}
			c.SSH.User = "operator"
			c.SSH.DialTimeout = time.Second
		}, false},
		{[]string{"-f=invalid.yaml"}, func(*coordinator.Config) {}, true},
		{[]string{"--receive-timeout=0s"}, nil, true},
		{[]string{"--buffered-log-entries=0"}, nil, true},
		{[]string{"--start-clients", "--ssh-user="}, nil, true},
	} {
		t.Run(strings.Join(test.args, "_"), func(t *testing.T) {
			conf = coordinator.NewConfig()
			configFile = ""
			Cmd.SetArgs(test.args)
			Cmd.RunE = func(*cobra.Command, []string) error {
				if configFile != "" {
					v := viper.New()
					setConfigPath(v)
					if err := loadConfig(v, &conf); err != nil {
						return err
					}
				}

				expected := coordinator.NewConfig()
				test.expected(&expected)
				assert.Equal(t, expected, conf)
				return nil
			}
			err := Cmd.Execute()
			assert.Equal(t, test.isErr, err != nil)
		})
	}
}

func TestCmd_LogLevel(t *testing.T) {
	defer logging.LogLevel.Set(logging.DefaultLogLevel)

	name := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, name, map[string]any{"logLevel": "debug"})

	configFile = name
	defer func() {
		configFile = ""
	}()

	v := viper.New()
	setConfigPath(v)
	c := coordinator.NewConfig()
	require.NoError(t, loadConfig(v, &c))
	assert.Equal(t, slog.LevelDebug, logging.LogLevel.Level())

	watchLogLevel(v)
	writeConfig(t, name, map[string]any{"logLevel": "warn"})
	assert.Eventually(t, func() bool {
		return logging.LogLevel.Level() == slog.LevelWarn
	}, 5*time.Second, 10*time.Millisecond)

	// An invalid level keeps the current one
	writeConfig(t, name, map[string]any{"logLevel": "loud"})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, slog.LevelWarn, logging.LogLevel.Level())
}

func TestCmd_InvalidLogLevel(t *testing.T) {
	name := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, name, map[string]any{"logLevel": "loud"})

	configFile = name
	defer func() {
		configFile = ""
	}()

	v := viper.New()
	setConfigPath(v)
	c := coordinator.NewConfig()
	assert.Error(t, loadConfig(v, &c))
}
