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
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Unit string

const (
	Bytes         Unit = "By"
	Milliseconds  Unit = "ms"
	Dimensionless Unit = "1"
)

var latencyBucketsMillis = []float64{
	0.5, 1, 2, 5, 10, 20, 50, 100, 200, 500, 1_000, 2_000, 5_000, 10_000,
}

var meter metric.Meter

func LabelsForPeer(kind string, id string) map[string]any {
	return map[string]any{
		"kind": kind,
		"peer": id,
	}
}

type Counter interface {
	Inc()
	Add(incr int)
}

type counter struct {
	c     metric.Int64Counter
	attrs metric.MeasurementOption
}

func (c *counter) Inc() {
	c.Add(1)
}

func (c *counter) Add(incr int) {
	c.c.Add(context.Background(), int64(incr), c.attrs)
}

func NewCounter(name string, description string, unit Unit, labels map[string]any) Counter {
	c, err := meter.Int64Counter(name,
		metric.WithUnit(string(unit)),
		metric.WithDescription(description))
	fatalOnErr(err, name)

	return &counter{c: c, attrs: getAttrs(labels)}
}

type Gauge interface {
	Unregister()
}

type gauge struct {
	reg metric.Registration
}

func (g *gauge) Unregister() {
	_ = g.reg.Unregister()
}

func NewGauge(name string, description string, unit Unit, labels map[string]any, callback func() int64) Gauge {
	g, err := meter.Int64ObservableGauge(name,
		metric.WithUnit(string(unit)),
		metric.WithDescription(description))
	fatalOnErr(err, name)

	attrs := getAttrs(labels)
	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(g, callback(), attrs)
		return nil
	}, g)
	fatalOnErr(err, name)

	return &gauge{reg: reg}
}

type Timer struct {
	histo *latencyHistogram
	start time.Time
}

func (tm Timer) Done() {
	tm.histo.h.Record(context.Background(), float64(time.Since(tm.start).Microseconds())/1000.0, tm.histo.attrs)
}

type LatencyHistogram interface {
	Timer() Timer
}

type latencyHistogram struct {
	h     metric.Float64Histogram
	attrs metric.MeasurementOption
}

func (t *latencyHistogram) Timer() Timer {
	return Timer{t, time.Now()}
}

func NewLatencyHistogram(name string, description string, labels map[string]any) LatencyHistogram {
	h, err := meter.Float64Histogram(name,
		metric.WithUnit(string(Milliseconds)),
		metric.WithDescription(description))
	fatalOnErr(err, name)

	return &latencyHistogram{h: h, attrs: getAttrs(labels)}
}

func fatalOnErr(err error, name string) {
	if err != nil {
		slog.Error(
			"Failed to create metric",
			slog.String("metric-name", name),
			slog.Any("error", err),
		)
		os.Exit(1)
	}
}

func getAttrs(labels map[string]any) (options metric.MeasurementOption) {
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		key := attribute.Key(k)
		var attr attribute.KeyValue
		switch t := v.(type) {
		case int64:
			attr = key.Int64(t)
		case int:
			attr = key.Int(t)
		case bool:
			attr = key.Bool(t)
		case string:
			attr = key.String(t)

		default:
			slog.Error(fmt.Sprintf("Invalid label type %#v", v))
			os.Exit(1)
		}

		attrs = append(attrs, attr)
	}

	return metric.WithAttributes(attrs...)
}
