/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

//go:build unix

package sbrk

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSbrkGrowsMonotonicallyAndContiguously(t *testing.T) {
	h, err := New(&Option{ReservedBytes: 1 << 20})
	require.NoError(t, err)

	a1, ok := h.Sbrk(100)
	require.True(t, ok)
	a2, ok := h.Sbrk(200)
	require.True(t, ok)

	assert.Equal(t, a1+100, a2, "the second region must start exactly where the first ended")

	// The returned address must be writable for the full requested size.
	buf := unsafe.Slice((*byte)(unsafe.Pointer(a2)), 200)
	for i := range buf {
		buf[i] = byte(i)
	}
	assert.Equal(t, byte(42), buf[42])
}

func TestSbrkFailsPastReservation(t *testing.T) {
	h, err := New(&Option{ReservedBytes: 8192})
	require.NoError(t, err)

	_, ok := h.Sbrk(8192)
	require.True(t, ok)

	_, ok = h.Sbrk(1)
	assert.False(t, ok, "a reservation with no bytes left must refuse growth")
}

func TestSbrkRejectsNonPositiveReservation(t *testing.T) {
	_, err := New(&Option{ReservedBytes: 0})
	assert.Error(t, err)
}
