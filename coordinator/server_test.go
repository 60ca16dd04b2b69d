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
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ecs-project/ecs/common/logging"
	"github.com/ecs-project/ecs/coordinator/model"
	"github.com/ecs-project/ecs/coordinator/rpc"
	"github.com/ecs-project/ecs/coordinator/store"
	"github.com/ecs-project/ecs/coordinator/web"
)

func init() {
	logging.ConfigureLogger()
}

func testConfig() Config {
	config := NewConfig()
	config.EcsAddress = "ecs-host"
	config.MetricsServiceAddr = "localhost:0"
	config.HealthServiceAddr = "localhost:0"
	config.WebServiceAddr = "localhost:0"
	config.ReceiveTimeout = 100 * time.Millisecond
	config.PingInterval = 50 * time.Millisecond
	config.ReconciliationInterval = 0
	return config
}

func TestServer_Lifecycle(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.AddPartition(model.Partition{Id: "P1", Address: "p1-host", PortCommand: 5010, PortCurrentState: 5011}))

	config := testConfig()
	config.GlobalSystems = []model.GlobalSystem{{Id: model.TFC, Address: "tfc-host", PortCommand: 7000}}

	provider := rpc.NewMemoryProvider()
	server, err := NewWithStore(config, st, provider)
	require.NoError(t, err)

	gs, err := st.GetGlobalSystem(model.TFC)
	require.NoError(t, err)
	assert.Equal(t, "tfc-host", gs.Address)

	// Health
	conn, err := grpc.NewClient(fmt.Sprintf("localhost:%d", server.HealthPort()),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	healthClient := grpc_health_v1.NewHealthClient(conn)
	for _, service := range []string{"", HealthServiceCoordinator, HealthServiceRequests, HealthServiceWeb} {
		res, err := healthClient.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, res.Status, service)
	}

	// Web API
	httpRes, err := http.Get(fmt.Sprintf("http://localhost:%d/api/partitions", server.WebPort()))
	require.NoError(t, err)
	defer httpRes.Body.Close()
	assert.Equal(t, http.StatusOK, httpRes.StatusCode)
	var partitions []web.PartitionStatus
	require.NoError(t, json.NewDecoder(httpRes.Body).Decode(&partitions))
	require.Len(t, partitions, 1)
	assert.Equal(t, "P1", partitions[0].Id)

	// Request endpoint
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frames, err := provider.Request(ctx, config.RequestEndpoint(), []byte(model.CodePcaAsksForConfig), []byte("P1"))
	require.NoError(t, err)
	require.Len(t, frames, 1)
	var p model.Partition
	require.NoError(t, json.Unmarshal(frames[0], &p))
	assert.Equal(t, "p1-host", p.Address)

	assert.Equal(t, model.UnmappedId, server.Coordinator().UnmappedDescriptor().Id)
	assert.Equal(t, "ecs-host", server.Coordinator().UnmappedDescriptor().Address)

	assert.NoError(t, server.Close())
}

func TestServer_UnknownGlobalSystem(t *testing.T) {
	config := testConfig()
	config.GlobalSystems = []model.GlobalSystem{{Id: "XYZ"}}

	_, err := NewWithStore(config, store.NewMemoryStore(), rpc.NewMemoryProvider())
	assert.ErrorContains(t, err, `unknown global system "XYZ"`)
}

func TestServer_DetectorTables(t *testing.T) {
	config := testConfig()
	config.DetectorTablesDir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(config.DetectorTablesDir, "Straw.csv"),
		[]byte("Unconfigured,configure,Active\nActive,abort,Unconfigured\n"), 0o600))

	server, err := NewWithStore(config, store.NewMemoryStore(), rpc.NewMemoryProvider())
	require.NoError(t, err)
	defer server.Close()

	d := model.Detector{Id: "D1", Address: "d1-host", Type: "Straw", PortCommand: 6000, PingPort: 6000}
	require.NoError(t, server.Coordinator().CreateDetector(context.Background(), d))

	httpRes, err := http.Get(fmt.Sprintf("http://localhost:%d/api/detector-types", server.WebPort()))
	require.NoError(t, err)
	defer httpRes.Body.Close()
	var types []string
	require.NoError(t, json.NewDecoder(httpRes.Body).Decode(&types))
	assert.Contains(t, types, "Straw")
}

func TestServer_InvalidDetectorTables(t *testing.T) {
	config := testConfig()
	config.DetectorTablesDir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(config.DetectorTablesDir, "Broken.csv"), []byte("a,b\n"), 0o600))

	_, err := NewWithStore(config, store.NewMemoryStore(), rpc.NewMemoryProvider())
	assert.ErrorContains(t, err, "failed to load detector tables")
}

func TestServer_SQLiteStore(t *testing.T) {
	config := testConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "ecs.db")

	st, err := store.OpenSQLite(config.DatabasePath)
	require.NoError(t, err)
	require.NoError(t, st.AddDetector(model.Detector{Id: "D1", Address: "d1-host", Type: "DetectorA"}))

	server, err := NewWithStore(config, st, rpc.NewMemoryProvider())
	require.NoError(t, err)

	systems, err := server.Coordinator().GetAllSystems()
	require.NoError(t, err)
	require.Len(t, systems.Detectors, 1)
	assert.Equal(t, "D1", systems.Detectors[0].Id)

	require.NoError(t, server.Close())

	// The lock on the store is released
	st, err = store.OpenSQLite(config.DatabasePath)
	require.NoError(t, err)
	assert.NoError(t, st.Close())
}
