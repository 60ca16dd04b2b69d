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

package time

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

func TestBackOff_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBackOffWithInitialInterval(ctx, time.Millisecond)
	assert.NotEqual(t, backoff.Stop, b.NextBackOff())

	cancel()
	assert.Equal(t, backoff.Stop, b.NextBackOff())
}

func TestBoundedBackOff(t *testing.T) {
	b := NewBoundedBackOff(context.Background(), time.Millisecond, 20*time.Millisecond)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return assert.AnError
	}, b)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Greater(t, attempts, 1)
}
