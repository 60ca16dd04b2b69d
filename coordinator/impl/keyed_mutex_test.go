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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex_SameKeyIsExclusive(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.lock(detectorKey("D1"))

	acquired := make(chan struct{})
	go func() {
		u := k.lock(detectorKey("D1"), partitionKey("P1"))
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		assert.Fail(t, "lock acquired while held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		assert.Fail(t, "lock never acquired")
	}

	assert.Eventually(t, func() bool {
		k.Lock()
		defer k.Unlock()
		return len(k.locks) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestKeyedMutex_DisjointKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.lock(partitionKey("P1"))
	defer unlock()

	done := make(chan struct{})
	go func() {
		k.lock(partitionKey("P2"))()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		assert.Fail(t, "disjoint key blocked")
	}
}

func TestKeyedMutex_DuplicateKeys(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.lock(partitionKey("P1"), partitionKey("P1"))
	unlock()

	k.Lock()
	defer k.Unlock()
	assert.Empty(t, k.locks)
}

func TestKeyedMutex_NoDeadlock(t *testing.T) {
	k := newKeyedMutex()
	wg := sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			k.lock(partitionKey("P1"), partitionKey("P2"))()
		}()
		go func() {
			defer wg.Done()
			k.lock(partitionKey("P2"), partitionKey("P1"))()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		assert.Fail(t, "deadlock")
	}
}
