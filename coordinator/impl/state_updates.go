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

	"github.com/pkg/errors"

	"github.com/ecs-project/ecs/coordinator/model"
	"github.com/ecs-project/ecs/coordinator/rpc"
)

var ErrMalformedUpdate = errors.New("malformed state update")

// A state update travels as [id, sequence, payload], where the payload is a
// JSON state body or one of the reset and removed sentinels.
func encodeUpdate(id string, sequence int32, payload []byte) [][]byte {
	return [][]byte{[]byte(id), model.EncodeSequence(sequence), payload}
}

func decodeUpdate(frames [][]byte) (id string, sequence int32, payload []byte, err error) {
	if len(frames) != 3 {
		return "", 0, nil, errors.Wrapf(ErrMalformedUpdate, "expected 3 frames, got %d", len(frames))
	}
	sequence, err = model.DecodeSequence(frames[1])
	if err != nil {
		return "", 0, nil, errors.Wrap(ErrMalformedUpdate, err.Error())
	}
	return string(frames[0]), sequence, frames[2], nil
}

// A snapshot reply is [ok] followed by one update triple per entity.
func encodeSnapshot(entries []StateEntry) [][]byte {
	res := make([][]byte, 0, 1+3*len(entries))
	res = append(res, []byte(model.CodeOk))
	for _, e := range entries {
		res = append(res, encodeUpdate(e.Id, e.Sequence, model.MustMarshal(e.State))...)
	}
	return res
}

func decodeSnapshot(frames [][]byte) ([]StateEntry, error) {
	if err := rpc.StatusToError(frames); err != nil {
		return nil, err
	}
	frames = frames[1:]
	if len(frames)%3 != 0 {
		return nil, errors.Wrapf(ErrMalformedUpdate, "snapshot of %d frames", len(frames))
	}

	res := make([]StateEntry, 0, len(frames)/3)
	for i := 0; i < len(frames); i += 3 {
		id, sequence, payload, err := decodeUpdate(frames[i : i+3])
		if err != nil {
			return nil, err
		}
		so, err := model.ParseStateObject(payload)
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedUpdate, "entity %s: %v", id, err)
		}
		res = append(res, StateEntry{Id: id, StateRecord: StateRecord{Sequence: sequence, State: so}})
	}
	return res, nil
}

func requestSnapshot(ctx context.Context, provider rpc.Provider, endpoint string) ([]StateEntry, error) {
	reply, err := provider.Request(ctx, endpoint, []byte(model.CodeSnapshot))
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(reply)
}
