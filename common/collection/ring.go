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

package collection

import (
	"sync"

	"github.com/emirpasic/gods/queues/circularbuffer"
)

// Ring keeps the most recent entries up to a fixed capacity, dropping the
// oldest ones first.
type Ring[T any] struct {
	sync.Mutex
	buffer *circularbuffer.Queue
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buffer: circularbuffer.New(capacity)}
}

func (r *Ring[T]) Push(t T) {
	r.Lock()
	defer r.Unlock()
	r.buffer.Enqueue(t)
}

// Values returns the entries from the oldest to the newest.
func (r *Ring[T]) Values() []T {
	r.Lock()
	defer r.Unlock()
	values := r.buffer.Values()
	res := make([]T, 0, len(values))
	for _, v := range values {
		res = append(res, v.(T))
	}
	return res
}

func (r *Ring[T]) Clear() {
	r.Lock()
	defer r.Unlock()
	r.buffer.Clear()
}
