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
	"slices"
	"sync"

	"golang.org/x/exp/constraints"
)

// Set is a concurrency safe set of ordered values.
type Set[T constraints.Ordered] interface {
	Add(t T) bool
	Remove(t T) bool
	Contains(t T) bool
	Count() int
	IsEmpty() bool
	GetSorted() []T
	Complement(other Set[T]) Set[T]
}

func NewSet[T constraints.Ordered]() Set[T] {
	return &set[T]{
		items: map[T]struct{}{},
	}
}

func NewSetFrom[T constraints.Ordered](i []T) Set[T] {
	s := NewSet[T]()
	for _, x := range i {
		s.Add(x)
	}
	return s
}

type set[T constraints.Ordered] struct {
	sync.RWMutex
	items map[T]struct{}
}

// Add returns true if the value was not already present.
func (s *set[T]) Add(t T) bool {
	s.Lock()
	defer s.Unlock()
	if _, found := s.items[t]; found {
		return false
	}
	s.items[t] = struct{}{}
	return true
}

// Remove returns true if the value was present.
func (s *set[T]) Remove(t T) bool {
	s.Lock()
	defer s.Unlock()
	if _, found := s.items[t]; !found {
		return false
	}
	delete(s.items, t)
	return true
}

func (s *set[T]) Contains(t T) bool {
	s.RLock()
	defer s.RUnlock()
	_, found := s.items[t]
	return found
}

func (s *set[T]) Count() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.items)
}

func (s *set[T]) IsEmpty() bool {
	return s.Count() == 0
}

// Complement Return a new Set which is the complement of the `current` set with `other`
// eg: `res = current - other`
func (s *set[T]) Complement(other Set[T]) Set[T] {
	res := NewSet[T]()
	for _, k := range s.GetSorted() {
		if !other.Contains(k) {
			res.Add(k)
		}
	}
	return res
}

func (s *set[T]) GetSorted() []T {
	s.RLock()
	r := make([]T, 0, len(s.items))
	for k := range s.items {
		r = append(r, k)
	}
	s.RUnlock()

	slices.Sort(r)
	return r
}
