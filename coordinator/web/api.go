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

package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/ecs-project/ecs/coordinator/component"
	"github.com/ecs-project/ecs/coordinator/impl"
	"github.com/ecs-project/ecs/coordinator/model"
	"github.com/ecs-project/ecs/coordinator/store"
)

// PartitionStatus is a partition as listed by the API.
type PartitionStatus struct {
	model.Partition
	Connected bool `json:"connected"`
}

// MoveRequest is the body of a detector move.
type MoveRequest struct {
	PartitionId string `json:"partitionId"`
	Force       bool   `json:"force"`
}

// Result is the body of every mutation reply. Error holds the reason of a
// failed operation.
type Result struct {
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// API exposes the coordinator operations to the operator front end.
type API struct {
	coordinator impl.Coordinator
	log         *slog.Logger
}

func NewAPI(c impl.Coordinator) *API {
	return &API{
		coordinator: c,
		log: slog.With(
			slog.String("component", "web-api"),
		),
	}
}

func (a *API) Attach(router *mux.Router) {
	router.HandleFunc("/api/partitions", func(w http.ResponseWriter, r *http.Request) {
		partitions, err := a.coordinator.Partitions()
		if err != nil {
			a.fail(w, r, err)
			return
		}
		res := make([]PartitionStatus, 0, len(partitions))
		for _, p := range partitions {
			res = append(res, PartitionStatus{Partition: p, Connected: a.coordinator.IsPartitionConnected(p.Id)})
		}
		a.reply(w, http.StatusOK, res)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/partitions", func(w http.ResponseWriter, r *http.Request) {
		var p model.Partition
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			a.badRequest(w, r, err)
			return
		}
		a.result(w, r, a.coordinator.CreatePartition(r.Context(), p))
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/partitions/{id}", func(w http.ResponseWriter, r *http.Request) {
		force, err := forceParam(r)
		if err != nil {
			a.badRequest(w, r, err)
			return
		}
		a.result(w, r, a.coordinator.DeletePartition(r.Context(), mux.Vars(r)["id"], force))
	}).Methods(http.MethodDelete)

	router.HandleFunc("/api/systems", func(w http.ResponseWriter, r *http.Request) {
		systems, err := a.coordinator.GetAllSystems()
		if err != nil {
			a.fail(w, r, err)
			return
		}
		a.reply(w, http.StatusOK, systems)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/detectors", func(w http.ResponseWriter, r *http.Request) {
		var d model.Detector
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			a.badRequest(w, r, err)
			return
		}
		a.result(w, r, a.coordinator.CreateDetector(r.Context(), d))
	}).Methods(http.MethodPost)

	router.HandleFunc("/api/detector-types", func(w http.ResponseWriter, r *http.Request) {
		a.reply(w, http.StatusOK, component.DetectorTypes())
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/detectors/disconnected", func(w http.ResponseWriter, r *http.Request) {
		ids := a.coordinator.DisconnectedDetectors()
		if ids == nil {
			ids = []string{}
		}
		a.reply(w, http.StatusOK, ids)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/detectors/{id}", func(w http.ResponseWriter, r *http.Request) {
		force, err := forceParam(r)
		if err != nil {
			a.badRequest(w, r, err)
			return
		}
		a.result(w, r, a.coordinator.DeleteDetector(r.Context(), mux.Vars(r)["id"], force))
	}).Methods(http.MethodDelete)

	router.HandleFunc("/api/detectors/{id}/partition", func(w http.ResponseWriter, r *http.Request) {
		p, err := a.coordinator.PartitionForDetector(mux.Vars(r)["id"])
		if err != nil {
			a.fail(w, r, err)
			return
		}
		a.reply(w, http.StatusOK, p)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/detectors/{id}/partition", func(w http.ResponseWriter, r *http.Request) {
		var req MoveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.badRequest(w, r, err)
			return
		}
		if req.PartitionId == "" {
			a.badRequest(w, r, errors.New("missing partitionId"))
			return
		}
		a.result(w, r, a.coordinator.MoveDetector(r.Context(), mux.Vars(r)["id"], req.PartitionId, req.Force))
	}).Methods(http.MethodPut)

	router.HandleFunc("/api/states/{origin}", func(w http.ResponseWriter, r *http.Request) {
		states, err := a.coordinator.States(mux.Vars(r)["origin"])
		if err != nil {
			a.fail(w, r, err)
			return
		}
		if states == nil {
			states = []impl.StateEntry{}
		}
		a.reply(w, http.StatusOK, states)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/logs/{origin}", func(w http.ResponseWriter, r *http.Request) {
		logs, err := a.coordinator.Logs(mux.Vars(r)["origin"])
		if err != nil {
			a.fail(w, r, err)
			return
		}
		if logs == nil {
			logs = []string{}
		}
		a.reply(w, http.StatusOK, logs)
	}).Methods(http.MethodGet)

	router.HandleFunc("/api/consistency-check", func(w http.ResponseWriter, r *http.Request) {
		a.coordinator.CheckSystemConsistency(r.Context())
		a.reply(w, http.StatusOK, Result{Ok: true})
	}).Methods(http.MethodPost)
}

func forceParam(r *http.Request) (bool, error) {
	v := r.URL.Query().Get("force")
	if v == "" {
		return false, nil
	}
	return strconv.ParseBool(v)
}

func (a *API) result(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.reply(w, http.StatusOK, Result{Ok: true})
}

func (a *API) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	a.log.Warn("Malformed request",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Any("error", err))
	a.reply(w, http.StatusBadRequest, Result{Error: err.Error()})
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	a.log.Warn("Request failed",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Any("error", err))
	a.reply(w, statusCode(err), Result{Error: err.Error()})
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, impl.ErrAlreadyAssigned),
		errors.Is(err, impl.ErrPartitionHasDetectors),
		errors.Is(err, impl.ErrDetectorMapped),
		errors.Is(err, impl.ErrPortInUse):
		return http.StatusConflict
	case errors.Is(err, impl.ErrInvalidId),
		errors.Is(err, component.ErrUnknownType):
		return http.StatusBadRequest
	case errors.Is(err, impl.ErrPartitionNotConnected),
		errors.Is(err, impl.ErrDetectorNotConnected):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.log.Debug("Failed to write reply", slog.Any("error", err))
	}
}

// NewRouter serves the API and the observer websockets.
func NewRouter(api *API, hub *Hub) *mux.Router {
	router := mux.NewRouter()
	api.Attach(router)
	router.HandleFunc("/ws/{origin}", hub.ServeWs).Methods(http.MethodGet)
	return router
}
