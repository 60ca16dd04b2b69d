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
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ecs-project/ecs/common/container"
	"github.com/ecs-project/ecs/common/metric"
	"github.com/ecs-project/ecs/common/process"
	"github.com/ecs-project/ecs/coordinator/component"
	"github.com/ecs-project/ecs/coordinator/impl"
	"github.com/ecs-project/ecs/coordinator/launcher"
	"github.com/ecs-project/ecs/coordinator/model"
	"github.com/ecs-project/ecs/coordinator/rpc"
	"github.com/ecs-project/ecs/coordinator/store"
	"github.com/ecs-project/ecs/coordinator/web"
)

const (
	DefaultRequestPort              = 5000
	DefaultLogPort                  = 5001
	DefaultUnmappedPublishPort      = 5002
	DefaultUnmappedUpdatesPort      = 5003
	DefaultUnmappedCurrentStatePort = 5004
	DefaultMetricsPort              = 8080
	DefaultHealthPort               = 8081
	DefaultWebPort                  = 8082
)

// Health services reported next to the overall "" service.
const (
	HealthServiceCoordinator = "coordinator"
	HealthServiceRequests    = "request-server"
	HealthServiceWeb         = "web"
)

type Config struct {
	// EcsAddress is the host the agents use to reach the coordinator.
	EcsAddress  string
	BindAddress string

	RequestPort              int
	LogPort                  int
	UnmappedPublishPort      int
	UnmappedUpdatesPort      int
	UnmappedCurrentStatePort int

	MetricsServiceAddr string
	HealthServiceAddr  string
	WebServiceAddr     string

	DatabasePath string

	// DetectorTablesDir holds extra detector types, one `<type>.csv`
	// transition table each.
	DetectorTablesDir string

	ReceiveTimeout         time.Duration
	PingInterval           time.Duration
	ReconciliationInterval time.Duration
	BufferedLogEntries     int

	StartClients bool
	SSH          launcher.SSHConfig

	// LegacyCommands accepts the mutations of the old operator tools on the
	// request endpoint.
	LegacyCommands bool

	// GlobalSystems are written to the store before the coordinator starts.
	GlobalSystems []model.GlobalSystem
}

func NewConfig() Config {
	return Config{
		EcsAddress:               "localhost",
		BindAddress:              "0.0.0.0",
		RequestPort:              DefaultRequestPort,
		LogPort:                  DefaultLogPort,
		UnmappedPublishPort:      DefaultUnmappedPublishPort,
		UnmappedUpdatesPort:      DefaultUnmappedUpdatesPort,
		UnmappedCurrentStatePort: DefaultUnmappedCurrentStatePort,
		MetricsServiceAddr:       fmt.Sprintf("localhost:%d", DefaultMetricsPort),
		HealthServiceAddr:        fmt.Sprintf("localhost:%d", DefaultHealthPort),
		WebServiceAddr:           fmt.Sprintf("localhost:%d", DefaultWebPort),
		DatabasePath:             "data/ecs.db",
		ReceiveTimeout:           2 * time.Second,
		PingInterval:             2 * time.Second,
		ReconciliationInterval:   5 * time.Second,
		BufferedLogEntries:       100,
		SSH:                      launcher.DefaultSSHConfig(),
	}
}

func (c Config) RequestEndpoint() string {
	return model.Endpoint(c.BindAddress, c.RequestPort)
}

func (c Config) LogEndpoint() string {
	return model.Endpoint(c.BindAddress, c.LogPort)
}

func (c Config) coordinatorConfig() impl.Config {
	return impl.Config{
		EcsAddress:               c.EcsAddress,
		BindAddress:              c.BindAddress,
		LogEndpoint:              c.LogEndpoint(),
		UnmappedPublishPort:      c.UnmappedPublishPort,
		UnmappedUpdatesPort:      c.UnmappedUpdatesPort,
		UnmappedCurrentStatePort: c.UnmappedCurrentStatePort,
		ReceiveTimeout:           c.ReceiveTimeout,
		PingInterval:             c.PingInterval,
		ReconciliationInterval:   c.ReconciliationInterval,
		BufferedLogEntries:       c.BufferedLogEntries,
		StartClients:             c.StartClients,
	}
}

// Server runs the coordinator together with its request endpoint, the web
// front end API, the health service and the metrics endpoint.
type Server struct {
	store         store.Store
	coordinator   impl.Coordinator
	requestServer *impl.RequestServer
	hub           *web.Hub
	webServer     *http.Server
	webAddr       net.Addr
	grpcServer    container.GrpcServer
	healthServer  *health.Server
	metrics       *metric.PrometheusMetrics
	log           *slog.Logger
}

func New(config Config) (*Server, error) {
	slog.Info("Starting ECS coordinator", slog.Any("config", config))

	st, err := store.OpenSQLite(config.DatabasePath)
	if err != nil {
		return nil, err
	}

	return NewWithStore(config, st, rpc.NewZmqProvider(config.ReceiveTimeout))
}

// NewWithStore starts the server on an already opened store, which it then
// owns.
func NewWithStore(config Config, st store.Store, provider rpc.Provider) (*Server, error) {
	s := &Server{
		store:        st,
		hub:          web.NewHub(),
		healthServer: health.NewServer(),
		log: slog.With(
			slog.String("component", "coordinator-server"),
		),
	}
	for _, service := range []string{"", HealthServiceCoordinator, HealthServiceRequests, HealthServiceWeb} {
		s.healthServer.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}

	if err := s.start(config, provider); err != nil {
		return nil, multierr.Append(err, s.Close())
	}

	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return s, nil
}

func (s *Server) start(config Config, provider rpc.Provider) error {
	if config.DetectorTablesDir != "" {
		loaded, err := component.LoadDetectorTables(config.DetectorTablesDir)
		if err != nil {
			return errors.Wrapf(err, "failed to load detector tables from %s", config.DetectorTablesDir)
		}
		s.log.Info("Loaded detector tables", slog.Any("types", loaded))
	}
	s.log.Debug("Known detector types", slog.Any("types", component.DetectorTypes()))

	for _, gs := range config.GlobalSystems {
		if !model.IsGlobalSystemId(gs.Id) {
			return errors.Errorf("unknown global system %q", gs.Id)
		}
		if err := s.store.PutGlobalSystem(gs); err != nil {
			return errors.Wrapf(err, "failed to store global system %s", gs.Id)
		}
	}

	manager := launcher.NewNoopManager()
	if config.StartClients {
		var err error
		if manager, err = launcher.NewSSHManager(config.SSH); err != nil {
			return err
		}
	}

	var err error
	if s.grpcServer, err = container.StartGrpcServer("health", config.HealthServiceAddr, func(registrar grpc.ServiceRegistrar) {
		grpc_health_v1.RegisterHealthServer(registrar, s.healthServer)
	}); err != nil {
		return err
	}

	if s.metrics, err = metric.Start(config.MetricsServiceAddr); err != nil {
		return err
	}

	if s.coordinator, err = impl.NewCoordinator(s.store, provider, manager, s.hub, config.coordinatorConfig()); err != nil {
		return err
	}
	s.healthServer.SetServingStatus(HealthServiceCoordinator, grpc_health_v1.HealthCheckResponse_SERVING)

	if s.requestServer, err = impl.NewRequestServer(provider, s.coordinator, s.store, impl.RequestServerConfig{
		Endpoint:       config.RequestEndpoint(),
		LegacyCommands: config.LegacyCommands,
	}); err != nil {
		return err
	}
	s.healthServer.SetServingStatus(HealthServiceRequests, grpc_health_v1.HealthCheckResponse_SERVING)

	if err = s.startWebServer(config.WebServiceAddr); err != nil {
		return err
	}
	s.healthServer.SetServingStatus(HealthServiceWeb, grpc_health_v1.HealthCheckResponse_SERVING)
	return nil
}

func (s *Server) startWebServer(bindAddress string) error {
	listener, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", bindAddress)
	}

	s.webAddr = listener.Addr()
	s.webServer = &http.Server{
		Handler:           web.NewRouter(web.NewAPI(s.coordinator), s.hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go process.DoWithLabels(
		context.Background(),
		map[string]string{
			"ecs":  "web",
			"bind": listener.Addr().String(),
		},
		func() {
			if err := s.webServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("Failed to serve web requests", slog.Any("error", err))
			}
		},
	)

	s.log.Info("Started web server", slog.String("bind-address", listener.Addr().String()))
	return nil
}

// WebPort returns the port the web server listens on.
func (s *Server) WebPort() int {
	return s.webAddr.(*net.TCPAddr).Port
}

func (s *Server) HealthPort() int {
	return s.grpcServer.Port()
}

func (s *Server) Coordinator() impl.Coordinator {
	return s.coordinator
}

func (s *Server) Close() error {
	s.healthServer.Shutdown()

	var err error
	if s.webServer != nil {
		err = multierr.Append(err, s.webServer.Close())
	}
	err = multierr.Append(err, s.hub.Close())
	if s.requestServer != nil {
		err = multierr.Append(err, s.requestServer.Close())
	}
	if s.coordinator != nil {
		err = multierr.Append(err, s.coordinator.Close())
	}
	if s.metrics != nil {
		err = multierr.Append(err, s.metrics.Close())
	}
	if s.grpcServer != nil {
		err = multierr.Append(err, s.grpcServer.Close())
	}
	return multierr.Append(err, s.store.Close())
}
