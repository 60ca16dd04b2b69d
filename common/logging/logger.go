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
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
	slogzerolog "github.com/samber/slog-zerolog/v2"
)

const DefaultLogLevel = slog.LevelInfo

var (
	// LogLevel Used for flags.
	LogLevel = &slog.LevelVar{}
	// LogJSON Used for flags.
	LogJSON bool
	// LogFile Used for flags. When set, every record is also appended to the
	// file in JSON format.
	LogFile string

	fileLock sync.Mutex
	file     *os.File
)

func ParseLogLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}

	return slog.LevelInfo, fmt.Errorf("unknown level string: '%s', defaulting to LevelInfo", levelStr)
}

// LevelFlag adapts the shared level var to a pflag.Value.
type LevelFlag struct{}

func (LevelFlag) String() string {
	return LogLevel.Level().String()
}

func (LevelFlag) Set(s string) error {
	level, err := ParseLogLevel(s)
	if err != nil {
		return err
	}
	LogLevel.Set(level)
	return nil
}

func (LevelFlag) Type() string {
	return "level"
}

// ConfigureLogger installs the default slog logger on stdout.
func ConfigureLogger() error {
	return Configure(os.Stdout)
}

// Configure installs the default slog logger. Records go to out, in console
// or JSON format depending on LogJSON, and to LogFile when it is set.
func Configure(out io.Writer) error {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	//nolint
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack

	var console io.Writer = out
	if !LogJSON {
		console = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.StampMicro,
		}
	}

	writer, err := withLogFile(console)
	if err != nil {
		return err
	}

	zerologLogger := zerolog.New(writer).
		With().
		Timestamp().
		Stack().
		Logger()

	slog.SetDefault(slog.New(
		slogzerolog.Option{
			Level:  LogLevel,
			Logger: &zerologLogger,
		}.NewZerologHandler(),
	))
	return nil
}

func withLogFile(console io.Writer) (io.Writer, error) {
	fileLock.Lock()
	defer fileLock.Unlock()

	if file != nil {
		_ = file.Close()
		file = nil
	}
	if LogFile == "" {
		return console, nil
	}

	f, err := os.OpenFile(LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open log file %s", LogFile)
	}
	file = f
	return zerolog.MultiLevelWriter(console, f), nil
}
