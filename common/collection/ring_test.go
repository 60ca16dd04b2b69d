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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing(t *testing.T) {
	r := NewRing[string](3)
	assert.Empty(t, r.Values())

	r.Push("a")
	r.Push("b")
	assert.Equal(t, []string{"a", "b"}, r.Values())

	r.Push("c")
	r.Push("d")
	assert.Equal(t, []string{"b", "c", "d"}, r.Values())

	r.Clear()
	assert.Empty(t, r.Values())
}
