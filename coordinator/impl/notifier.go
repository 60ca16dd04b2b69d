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
	"fmt"
	"log/slog"
	"time"

	"github.com/ecs-project/ecs/common/collection"
	"github.com/ecs-project/ecs/coordinator/model"
	"github.com/ecs-project/ecs/coordinator/rpc"
)

// Notifier pushes live updates to the observers of an origin. Delivery is
// fire and forget.
type Notifier interface {
	PublishUpdate(update model.WebUpdate, origin string)
	PublishLog(message string, origin string)
}

type noopNotifier struct{}

func NewNoopNotifier() Notifier {
	return noopNotifier{}
}

func (noopNotifier) PublishUpdate(model.WebUpdate, string) {}

func (noopNotifier) PublishLog(string, string) {}

const timestampFormat = "2006-01-02 15:04:05"

// EventLog is the operator facing log of the coordinator. Each entry goes
// to the process logger, the log publish endpoint and the observers.
type EventLog struct {
	entries   *collection.Ring[string]
	publisher rpc.Publisher
	notifier  Notifier
	log       *slog.Logger
}

// NewEventLog returns an event log. The publisher may be nil.
func NewEventLog(publisher rpc.Publisher, notifier Notifier, capacity int) *EventLog {
	return &EventLog{
		entries:   collection.NewRing[string](capacity),
		publisher: publisher,
		notifier:  notifier,
		log:       slog.With(slog.String("component", "event-log")),
	}
}

func (e *EventLog) Info(message string, origin string) {
	e.record(message, origin, false)
}

func (e *EventLog) Error(message string, origin string) {
	e.record(message, origin, true)
}

func (e *EventLog) record(message string, origin string, isError bool) {
	if isError {
		e.log.Error(message, slog.String("origin", origin))
	} else {
		e.log.Info(message, slog.String("origin", origin))
	}

	stamped := fmt.Sprintf("%s:%s", time.Now().Format(timestampFormat), message)
	if e.publisher != nil {
		if err := e.publisher.Publish([]byte(stamped)); err != nil {
			e.log.Warn("Failed to publish log message", slog.Any("error", err))
		}
	}

	entry := origin + ": " + stamped
	e.entries.Push(entry)
	e.notifier.PublishLog(entry, model.EcsId)
}

// Entries returns the buffered entries, oldest first.
func (e *EventLog) Entries() []string {
	return e.entries.Values()
}
