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

package impl

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/ecs-project/ecs/common/metric"
	"github.com/ecs-project/ecs/coordinator/model"
	"github.com/ecs-project/ecs/coordinator/rpc"
	"github.com/ecs-project/ecs/coordinator/store"
)

type RequestServerConfig struct {
	Endpoint string
	// LegacyCommands enables the mutations sent by the old operator tools.
	LegacyCommands bool
}

// RequestServer answers the synchronous queries sent by the agents to the
// coordinator request endpoint.
type RequestServer struct {
	coordinator Coordinator
	store       store.Store
	handlers    map[string]requestHandler
	server      io.Closer
	malformed   rate.Sometimes
	log         *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	requests metric.Counter
}

// requestHandler returns either a record to encode, a plain status code or
// an error.
type requestHandler struct {
	needsArg bool
	handle   func(arg string) (any, error)
}

// statusReply is returned by handlers whose answer is a status code.
type statusReply string

// legacyPartition is the argument of the createPartition legacy command.
type legacyPartition struct {
	Partition model.Partition `json:"partition"`
	Detectors []string        `json:"detectors"`
}

// legacyRemap is the argument of the remapDetector legacy command.
type legacyRemap struct {
	PartitionId string `json:"partitionId"`
	DetectorId  string `json:"detectorId"`
}

func NewRequestServer(provider rpc.Provider, c Coordinator, st store.Store, config RequestServerConfig) (*RequestServer, error) {
	s := &RequestServer{
		coordinator: c,
		store:       st,
		malformed:   rate.Sometimes{Interval: 10 * time.Second},
		log: slog.With(
			slog.String("component", "request-server"),
		),
		requests: metric.NewCounter("ecs_request_server_requests",
			"The number of requests served on the coordinator endpoint", metric.Dimensionless, map[string]any{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.handlers = map[string]requestHandler{
		model.CodePcaAsksForConfig: {needsArg: true, handle: func(id string) (any, error) {
			return st.GetPartition(id)
		}},
		model.CodeDetectorAsksForPCA: {needsArg: true, handle: func(id string) (any, error) {
			return c.PartitionForDetector(id)
		}},
		model.CodeGetDetectorForId: {needsArg: true, handle: func(id string) (any, error) {
			return st.GetDetector(id)
		}},
		model.CodePcaAsksForDetectorList: {needsArg: true, handle: s.detectorsForPartition},
		model.CodeGetPartitionForId: {needsArg: true, handle: func(id string) (any, error) {
			return st.GetPartition(id)
		}},
		model.CodeGetAllPCAs: {handle: func(string) (any, error) {
			return st.GetAllPartitions()
		}},
		model.CodeGetUnmappedDetectors: {handle: func(string) (any, error) {
			return st.GetUnmappedDetectors()
		}},
		model.CodeGlobalSystemAsksForInfo: {needsArg: true, handle: func(id string) (any, error) {
			return st.GetGlobalSystem(id)
		}},
		model.CodeGetDetectorMapping: {handle: func(string) (any, error) {
			return st.GetDetectorMapping()
		}},
	}

	if config.LegacyCommands {
		s.handlers[model.CodeCreatePartition] = requestHandler{needsArg: true, handle: s.createPartition}
		s.handlers[model.CodeCreateDetector] = requestHandler{needsArg: true, handle: s.createDetector}
		s.handlers[model.CodeMapDetectorsToPCA] = requestHandler{needsArg: true, handle: s.mapDetectors}
		s.handlers[model.CodeRemapDetector] = requestHandler{needsArg: true, handle: s.remapDetector}
	}

	var err error
	if s.server, err = provider.Serve(s.ctx, config.Endpoint, s.handle); err != nil {
		s.cancel()
		return nil, errors.Wrapf(err, "failed to serve requests on %s", config.Endpoint)
	}

	s.log.Info("Started request server",
		slog.String("endpoint", config.Endpoint),
		slog.Bool("legacy-commands", config.LegacyCommands))
	return s, nil
}

func (s *RequestServer) handle(frames [][]byte) [][]byte {
	s.requests.Inc()

	if len(frames) == 0 || len(frames) > 2 {
		s.malformed.Do(func() {
			s.log.Warn("Received malformed request", slog.Int("frames", len(frames)))
		})
		return rpc.Status(model.CodeError)
	}

	code := string(frames[0])
	h, ok := s.handlers[code]
	if !ok {
		s.log.Warn("Received unknown command", slog.String("code", code))
		return rpc.Status(model.CodeUnknownCommand)
	}

	var arg string
	if len(frames) == 2 {
		arg = string(frames[1])
	}
	if h.needsArg && arg == "" {
		s.malformed.Do(func() {
			s.log.Warn("Request is missing its argument", slog.String("code", code))
		})
		return rpc.Status(model.CodeError)
	}

	res, err := h.handle(arg)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return rpc.Status(model.CodeIdUnknown)
	case err != nil:
		s.log.Warn("Request failed",
			slog.String("code", code),
			slog.String("argument", arg),
			slog.Any("error", err))
		return rpc.Status(model.CodeError)
	}

	if status, ok := res.(statusReply); ok {
		return rpc.Status(string(status))
	}
	return [][]byte{model.MustMarshal(res)}
}

func (s *RequestServer) detectorsForPartition(id string) (any, error) {
	if _, err := s.store.GetPartition(id); err != nil {
		return nil, err
	}
	detectors, err := s.store.GetDetectorsForPartition(id)
	if err != nil {
		return nil, err
	}
	if detectors == nil {
		detectors = []model.Detector{}
	}
	return detectors, nil
}

func (s *RequestServer) createPartition(arg string) (any, error) {
	var req legacyPartition
	if err := json.Unmarshal([]byte(arg), &req); err != nil {
		return nil, errors.Wrap(err, "invalid createPartition argument")
	}
	if err := s.coordinator.CreatePartition(s.ctx, req.Partition); err != nil {
		return nil, err
	}
	for _, id := range req.Detectors {
		if err := s.coordinator.MoveDetector(s.ctx, id, req.Partition.Id, false); err != nil {
			return nil, err
		}
	}
	return statusReply(model.CodeOk), nil
}

func (s *RequestServer) createDetector(arg string) (any, error) {
	var d model.Detector
	if err := json.Unmarshal([]byte(arg), &d); err != nil {
		return nil, errors.Wrap(err, "invalid createDetector argument")
	}
	if err := s.coordinator.CreateDetector(s.ctx, d); err != nil {
		return nil, err
	}
	return statusReply(model.CodeOk), nil
}

// mapDetectors assigns every detector of a {detectorId: partitionId} map.
func (s *RequestServer) mapDetectors(arg string) (any, error) {
	var mapping model.Mapping
	if err := json.Unmarshal([]byte(arg), &mapping); err != nil {
		return nil, errors.Wrap(err, "invalid mapDetectorsToPCA argument")
	}
	for detectorId, partitionId := range mapping {
		err := s.coordinator.MoveDetector(s.ctx, detectorId, partitionId, false)
		if err != nil && !errors.Is(err, ErrAlreadyAssigned) {
			return nil, err
		}
	}
	return statusReply(model.CodeOk), nil
}

func (s *RequestServer) remapDetector(arg string) (any, error) {
	var req legacyRemap
	if err := json.Unmarshal([]byte(arg), &req); err != nil {
		return nil, errors.Wrap(err, "invalid remapDetector argument")
	}
	if err := s.coordinator.MoveDetector(s.ctx, req.DetectorId, req.PartitionId, false); err != nil {
		return nil, err
	}
	return statusReply(model.CodeOk), nil
}

func (s *RequestServer) Close() error {
	s.cancel()
	return s.server.Close()
}
