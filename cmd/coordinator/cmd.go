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
	"io"
	"log/slog"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ecs-project/ecs/cmd/flag"
	"github.com/ecs-project/ecs/common/logging"
	"github.com/ecs-project/ecs/common/process"
	"github.com/ecs-project/ecs/coordinator"
)

// logLevelKey is the config file key holding the log level. It is applied
// again whenever the file changes.
const logLevelKey = "logLevel"

var (
	conf       = coordinator.NewConfig()
	configFile string

	Cmd = &cobra.Command{
		Use:     "coordinator",
		Short:   "Start the coordinator",
		Long:    `Start the coordinator. Values read from the config file override the flags.`,
		PreRunE: validate,
		RunE:    exec,
	}
)

func init() {
	Cmd.Flags().StringVar(&conf.EcsAddress, "ecs-address", conf.EcsAddress, "Address the agents use to reach the coordinator")
	Cmd.Flags().StringVar(&conf.BindAddress, "bind-address", conf.BindAddress, "Interface the agent endpoints listen on")
	flag.Port(Cmd, &conf.RequestPort, "request-port", "Request endpoint port")
	flag.Port(Cmd, &conf.LogPort, "log-port", "Log publish endpoint port")
	flag.Port(Cmd, &conf.UnmappedPublishPort, "unmapped-publish-port", "Unmapped pool state publish port")
	flag.Port(Cmd, &conf.UnmappedUpdatesPort, "unmapped-updates-port", "Unmapped pool state reports port")
	flag.Port(Cmd, &conf.UnmappedCurrentStatePort, "unmapped-current-state-port", "Unmapped pool snapshot port")
	flag.MetricsAddr(Cmd, &conf.MetricsServiceAddr)
	flag.HealthAddr(Cmd, &conf.HealthServiceAddr)
	flag.WebAddr(Cmd, &conf.WebServiceAddr)
	Cmd.Flags().StringVar(&conf.DatabasePath, "db", conf.DatabasePath, "Path of the database")
	Cmd.Flags().StringVar(&conf.DetectorTablesDir, "detector-tables", conf.DetectorTablesDir, "Directory of additional detector state machine tables")
	Cmd.Flags().DurationVar(&conf.ReceiveTimeout, "receive-timeout", conf.ReceiveTimeout, "Timeout of the requests to the agents")
	Cmd.Flags().DurationVar(&conf.PingInterval, "ping-interval", conf.PingInterval, "Interval between heartbeats")
	Cmd.Flags().DurationVar(&conf.ReconciliationInterval, "reconciliation-interval", conf.ReconciliationInterval, "Interval between consistency checks, 0 to disable them")
	Cmd.Flags().IntVar(&conf.BufferedLogEntries, "buffered-log-entries", conf.BufferedLogEntries, "Number of log messages kept per origin")
	Cmd.Flags().BoolVar(&conf.StartClients, "start-clients", conf.StartClients, "Start and stop the partition agents over ssh")
	Cmd.Flags().StringVar(&conf.SSH.User, "ssh-user", conf.SSH.User, "User for the ssh sessions")
	Cmd.Flags().StringVar(&conf.SSH.KeyFile, "ssh-key-file", conf.SSH.KeyFile, "Private key for the ssh sessions")
	Cmd.Flags().StringVar(&conf.SSH.KnownHostsFile, "ssh-known-hosts", conf.SSH.KnownHostsFile, "Known hosts file for the ssh sessions")
	Cmd.Flags().BoolVar(&conf.LegacyCommands, "legacy-commands", conf.LegacyCommands, "Accept the mutations of the old operator tools")
	Cmd.Flags().StringVarP(&configFile, "conf", "f", "", "Config file")
}

func validate(*cobra.Command, []string) error {
	if conf.ReceiveTimeout <= 0 {
		return errors.New("receive-timeout must be positive")
	}
	if conf.PingInterval <= 0 {
		return errors.New("ping-interval must be positive")
	}
	if conf.ReconciliationInterval < 0 {
		return errors.New("reconciliation-interval must not be negative")
	}
	if conf.BufferedLogEntries <= 0 {
		return errors.New("buffered-log-entries must be positive")
	}
	if conf.StartClients && conf.SSH.User == "" {
		return errors.New("ssh-user must be set with start-clients")
	}
	return nil
}

func setConfigPath(v *viper.Viper) {
	v.SetConfigType("yaml")
	v.SetConfigFile(configFile)
}

// loadConfig overlays the config file on top of c.
func loadConfig(v *viper.Viper, c *coordinator.Config) error {
	if err := v.ReadInConfig(); err != nil {
		return errors.Wrap(err, "failed to read config file")
	}

	if err := v.Unmarshal(c, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(), // default hook
		mapstructure.StringToSliceHookFunc(","),     // default hook
	))); err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	return applyLogLevel(v)
}

func applyLogLevel(v *viper.Viper) error {
	if !v.IsSet(logLevelKey) {
		return nil
	}
	level, err := logging.ParseLogLevel(v.GetString(logLevelKey))
	if err != nil {
		return err
	}
	logging.LogLevel.Set(level)
	return nil
}

func watchLogLevel(v *viper.Viper) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if err := applyLogLevel(v); err != nil {
			slog.Warn("Ignoring the log level of the config file",
				slog.String("file", e.Name),
				slog.Any("error", err))
			return
		}
		slog.Info("Reloaded the log level",
			slog.String("file", e.Name),
			slog.String("level", logging.LogLevel.Level().String()))
	})
	v.WatchConfig()
}

func exec(*cobra.Command, []string) error {
	if configFile != "" {
		v := viper.New()
		setConfigPath(v)
		if err := loadConfig(v, &conf); err != nil {
			return err
		}
		if err := validate(nil, nil); err != nil {
			return err
		}
		watchLogLevel(v)
	}

	process.RunProcess("coordinator", func() (io.Closer, error) {
		return coordinator.New(conf)
	})
	return nil
}
