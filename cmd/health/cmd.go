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
package health

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ecs-project/ecs/coordinator"
)

type Config struct {
	Host     string
	Port     int
	Timeout  time.Duration
	Services []string
}

func NewConfig() Config {
	return Config{
		Host:     "localhost",
		Port:     coordinator.DefaultHealthPort,
		Timeout:  10 * time.Second,
		Services: []string{""},
	}
}

var (
	Cmd = &cobra.Command{
		Use:   "health",
		Short: "ECS health probe",
		Long: `Check the health endpoint of a running coordinator. The empty service
reports the whole coordinator, the "coordinator", "request-server" and "web"
services report its parts.`,
		RunE: exec,
	}

	config = NewConfig()
)

func init() {
	initFlags()
	Cmd.SilenceUsage = true
	Cmd.SilenceErrors = true
}

func initFlags() {
	Cmd.Flags().StringVar(&config.Host, "host", config.Host, "Coordinator host")
	Cmd.Flags().IntVar(&config.Port, "port", config.Port, "Coordinator health port")
	Cmd.Flags().DurationVar(&config.Timeout, "timeout", config.Timeout, "Health check timeout")
	Cmd.Flags().StringSliceVar(&config.Services, "service", config.Services, "Health check services")
}

func exec(cmd *cobra.Command, _ []string) error {
	conn, err := grpc.NewClient(fmt.Sprintf("%s:%d", config.Host, config.Port),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.Timeout)
	defer cancel()

	return check(ctx, grpc_health_v1.NewHealthClient(conn), config.Services, cmd.OutOrStdout())
}

// check prints the status of every service. A failed call is returned as is,
// services that are not serving are reported together.
func check(ctx context.Context, client grpc_health_v1.HealthClient, services []string, out io.Writer) error {
	var unhealthy []string
	for _, service := range services {
		resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
		if err != nil {
			return err
		}

		name := service
		if name == "" {
			name = "ecs"
		}
		status := resp.GetStatus()
		if status == grpc_health_v1.HealthCheckResponse_SERVING {
			_, _ = fmt.Fprintf(out, "%-16s %s\n", name, color.GreenString(status.String()))
			continue
		}
		_, _ = fmt.Fprintf(out, "%-16s %s\n", name, color.RedString(status.String()))
		unhealthy = append(unhealthy, name)
	}

	if len(unhealthy) > 0 {
		return errors.Errorf("unhealthy: %s", strings.Join(unhealthy, ", "))
	}
	return nil
}
