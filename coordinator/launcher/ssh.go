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

package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	time2 "github.com/ecs-project/ecs/common/time"
)

type Script struct {
	Dir  string `json:"dir" yaml:"dir"`
	File string `json:"file" yaml:"file"`
}

type SSHConfig struct {
	User               string        `json:"user" yaml:"user"`
	Port               int           `json:"port" yaml:"port"`
	KeyFile            string        `json:"keyFile" yaml:"keyFile"`
	KnownHostsFile     string        `json:"knownHostsFile" yaml:"knownHostsFile"`
	DialTimeout        time.Duration `json:"dialTimeout" yaml:"dialTimeout"`
	VirtualEnv         string        `json:"virtualEnv" yaml:"virtualEnv"`
	CheckRunningScript string        `json:"checkRunningScript" yaml:"checkRunningScript"`
	Partition          Script        `json:"partition" yaml:"partition"`
	Detector           Script        `json:"detector" yaml:"detector"`
	GlobalSystem       Script        `json:"globalSystem" yaml:"globalSystem"`
}

func DefaultSSHConfig() SSHConfig {
	home, _ := os.UserHomeDir()
	return SSHConfig{
		User:               os.Getenv("USER"),
		Port:               22,
		KeyFile:            filepath.Join(home, ".ssh", "id_rsa"),
		KnownHostsFile:     filepath.Join(home, ".ssh", "known_hosts"),
		DialTimeout:        5 * time.Second,
		VirtualEnv:         "venv/bin/activate",
		CheckRunningScript: "checkIfRunning.py",
	}
}

// runner executes one shell command on a host and returns its stdout.
type runner func(ctx context.Context, address string, command string) (string, error)

type sshManager struct {
	config SSHConfig
	run    runner
	log    *slog.Logger
}

func NewSSHManager(config SSHConfig) (Manager, error) {
	key, err := os.ReadFile(config.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read ssh key")
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ssh key")
	}
	hostKeyCallback, err := knownhosts.New(config.KnownHostsFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load known hosts")
	}

	clientConfig := &ssh.ClientConfig{
		User:            config.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         config.DialTimeout,
	}

	m := newSSHManager(config, nil)
	m.run = func(ctx context.Context, address string, command string) (string, error) {
		return m.runSSH(ctx, clientConfig, address, command)
	}
	return m, nil
}

func newSSHManager(config SSHConfig, run runner) *sshManager {
	return &sshManager{
		config: config,
		run:    run,
		log:    slog.With(slog.String("component", "ssh-launcher")),
	}
}

func (m *sshManager) runSSH(ctx context.Context, clientConfig *ssh.ClientConfig, address string, command string) (string, error) {
	addr := net.JoinHostPort(address, strconv.Itoa(m.config.Port))

	var client *ssh.Client
	bo := time2.NewBoundedBackOff(ctx, 200*time.Millisecond, 3*m.config.DialTimeout)
	err := backoff.RetryNotify(func() error {
		var err error
		client, err = ssh.Dial("tcp", addr, clientConfig)
		if err != nil {
			var keyErr *knownhosts.KeyError
			if errors.As(err, &keyErr) {
				return backoff.Permanent(err)
			}
		}
		return err
	}, bo, func(err error, duration time.Duration) {
		m.log.Warn(
			"Failed to connect to host",
			slog.String("address", addr),
			slog.Any("error", err),
			slog.Duration("retry-after", duration),
		)
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to connect to %s", addr)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", err
	}
	defer session.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = client.Close()
		case <-done:
		}
	}()

	out, err := session.Output(command)
	return strings.TrimSpace(string(out)), err
}

func (m *sshManager) script(kind Kind) Script {
	switch kind {
	case KindPartition:
		return m.config.Partition
	case KindGlobalSystem:
		return m.config.GlobalSystem
	default:
		return m.config.Detector
	}
}

func (m *sshManager) checkCommand(target Target) string {
	s := m.script(target.Kind)
	return fmt.Sprintf("pid=$(cd %s; . %s; python %s %s); echo $pid",
		s.Dir, m.config.VirtualEnv, m.config.CheckRunningScript, target.Id)
}

func (m *sshManager) startCommand(target Target) string {
	s := m.script(target.Kind)
	return fmt.Sprintf("cd %s; . %s; nohup python %s %s > /dev/null 2>&1 & echo $!",
		s.Dir, m.config.VirtualEnv, s.File, target.Id)
}

func parsePid(out string) (int, bool, error) {
	if out == "" || out == "-1" {
		return 0, false, nil
	}
	pid, err := strconv.Atoi(out)
	if err != nil {
		return 0, false, errors.Wrapf(err, "unexpected pid %q", out)
	}
	return pid, true, nil
}

func (m *sshManager) CheckRunning(ctx context.Context, target Target) (int, bool, error) {
	out, err := m.run(ctx, target.Address, m.checkCommand(target))
	if err != nil {
		return 0, false, err
	}
	return parsePid(out)
}

func (m *sshManager) Start(ctx context.Context, target Target) (int, error) {
	pid, running, err := m.CheckRunning(ctx, target)
	if err != nil {
		return 0, err
	}
	if running {
		m.log.Info("Agent is already running", slog.Any("target", target), slog.Int("pid", pid))
		return pid, nil
	}

	out, err := m.run(ctx, target.Address, m.startCommand(target))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to start %s", target.Id)
	}
	pid, running, err = parsePid(out)
	if err != nil {
		return 0, err
	}
	if !running {
		return 0, errors.Errorf("no pid reported for %s", target.Id)
	}

	m.log.Info("Started agent", slog.Any("target", target), slog.Int("pid", pid))
	return pid, nil
}

func (m *sshManager) Stop(ctx context.Context, target Target) error {
	pid, running, err := m.CheckRunning(ctx, target)
	if err != nil {
		return err
	}
	if !running {
		m.log.Info("Agent was not running", slog.Any("target", target))
		return nil
	}

	if _, err := m.run(ctx, target.Address, fmt.Sprintf("kill %d", pid)); err != nil {
		return errors.Wrapf(err, "failed to stop %s", target.Id)
	}
	m.log.Info("Stopped agent", slog.Any("target", target), slog.Int("pid", pid))
	return nil
}
