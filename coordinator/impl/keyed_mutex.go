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
	"slices"
	"sync"
)

// keyedMutex serializes the protocols touching the same entities. Keys
// passed to a single lock call are acquired in sorted order.
type keyedMutex struct {
	sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedEntry{}}
}

func (k *keyedMutex) lock(keys ...string) (unlock func()) {
	keys = slices.Clone(keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	entries := make([]*keyedEntry, len(keys))
	k.Lock()
	for i, key := range keys {
		e, ok := k.locks[key]
		if !ok {
			e = &keyedEntry{}
			k.locks[key] = e
		}
		e.refs++
		entries[i] = e
	}
	k.Unlock()

	for _, e := range entries {
		e.Lock()
	}

	return func() {
		for i := len(entries) - 1; i >= 0; i-- {
			entries[i].Unlock()
		}

		k.Lock()
		defer k.Unlock()
		for i, key := range keys {
			entries[i].refs--
			if entries[i].refs == 0 {
				delete(k.locks, key)
			}
		}
	}
}

func detectorKey(id string) string {
	return "detector/" + id
}

func partitionKey(id string) string {
	return "partition/" + id
}
