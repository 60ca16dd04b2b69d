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
	"log/slog"

	"go.uber.org/multierr"
)

type sagaStep struct {
	name       string
	forward    func() error
	compensate func() error
}

// saga runs its steps in order. When a step fails, the compensations of the
// steps already completed run in reverse order. The returned error carries
// the failure first, followed by every compensation failure.
type saga struct {
	name  string
	steps []sagaStep
	log   *slog.Logger
}

func newSaga(name string, log *slog.Logger) *saga {
	return &saga{
		name: name,
		log:  log.With(slog.String("saga", name)),
	}
}

// step appends a step. A nil compensation means nothing to undo.
func (s *saga) step(name string, forward func() error, compensate func() error) *saga {
	s.steps = append(s.steps, sagaStep{name: name, forward: forward, compensate: compensate})
	return s
}

func (s *saga) run() error {
	for i, st := range s.steps {
		err := st.forward()
		if err == nil {
			continue
		}

		s.log.Warn(
			"Step failed, rolling back",
			slog.String("step", st.name),
			slog.Any("error", err),
		)
		return multierr.Append(err, s.rollback(i))
	}
	return nil
}

func (s *saga) rollback(failed int) error {
	var err error
	for i := failed - 1; i >= 0; i-- {
		st := s.steps[i]
		if st.compensate == nil {
			continue
		}
		if cerr := st.compensate(); cerr != nil {
			s.log.Error(
				"Compensation failed",
				slog.String("step", st.name),
				slog.Any("error", cerr),
			)
			err = multierr.Append(err, cerr)
		}
	}
	return err
}
