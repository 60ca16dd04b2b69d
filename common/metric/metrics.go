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
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/ecs-project/ecs/common/process"
)

func init() {
	provider, err := newMeterProvider()
	if err != nil {
		panic(err)
	}
	meter = provider.Meter("ecs")
}

// newMeterProvider exports every instrument to the default prometheus
// registry. Latency histograms share one set of millisecond buckets.
func newMeterProvider() (*sdkmetric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize the prometheus exporter")
	}

	latencies := sdkmetric.NewView(
		sdkmetric.Instrument{
			Kind: sdkmetric.InstrumentKindHistogram,
			Unit: string(Milliseconds),
		},
		sdkmetric.Stream{
			Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: latencyBucketsMillis,
			},
		},
	)
	everything := sdkmetric.NewView(sdkmetric.Instrument{Name: "*"}, sdkmetric.Stream{})

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithView(latencies, everything),
	), nil
}

// PrometheusMetrics serves the scrape endpoint.
type PrometheusMetrics struct {
	server *http.Server
	addr   *net.TCPAddr
	log    *slog.Logger
}

func Start(bindAddress string) (*PrometheusMetrics, error) {
	listener, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", bindAddress)
	}

	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	p := &PrometheusMetrics{
		server: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: time.Second,
		},
		addr: listener.Addr().(*net.TCPAddr),
		log: slog.With(
			slog.String("component", "metrics"),
		),
	}

	go process.DoWithLabels(
		context.Background(),
		map[string]string{
			"ecs": "metrics",
		},
		func() {
			if err := p.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				p.log.Error("Failed to serve metrics", slog.Any("error", err))
			}
		},
	)

	p.log.Info("Serving prometheus metrics", slog.String("address", p.addr.String()))
	return p, nil
}

func (p *PrometheusMetrics) Port() int {
	return p.addr.Port
}

func (p *PrometheusMetrics) Close() error {
	return p.server.Close()
}
