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
package metric

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, url string) string {
	t.Helper()
	response, err := http.Get(url)
	require.NoError(t, err)
	defer response.Body.Close()

	require.Equal(t, http.StatusOK, response.StatusCode)
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	return string(body)
}

func TestPrometheusMetrics(t *testing.T) {
	metrics, err := Start("localhost:0")
	require.NoError(t, err)
	url := fmt.Sprintf("http://localhost:%d/metrics", metrics.Port())

	counter := NewCounter("ecs_test_heartbeats", "Heartbeats in this test", Dimensionless, LabelsForPeer("detector", "D1"))
	counter.Inc()
	counter.Add(2)

	connected := int64(1)
	gauge := NewGauge("ecs_test_connected", "Connected peers in this test", Dimensionless,
		LabelsForPeer("partition", "P1"), func() int64 { return connected })

	latency := NewLatencyHistogram("ecs_test_latency", "Latency in this test", map[string]any{"operation": "move-detector"})
	timer := latency.Timer()
	time.Sleep(time.Millisecond)
	timer.Done()

	body := scrape(t, url)
	assert.True(t, strings.HasPrefix(body, "# HELP "))
	assert.Contains(t, body, "ecs_test_heartbeats")
	assert.Contains(t, body, `peer="D1"`)
	assert.Contains(t, body, "ecs_test_connected")
	assert.Contains(t, body, `peer="P1"`)
	assert.Contains(t, body, `operation="move-detector"`)
	gauge.Unregister()

	assert.NoError(t, metrics.Close())
	response, err := http.Get(url)
	assert.ErrorContains(t, err, "connection refused")
	assert.Nil(t, response)
}
