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

package locked

import (
	"math/rand"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := New(&Option{MinGrowUnits: 64, ReservedBytes: 1 << 24})
	require.NoError(t, err)
	return a
}

func TestAllocLargeEnough(t *testing.T) {
	a := newTestAllocator(t)

	p := a.Alloc(128)
	require.NotNil(t, p)

	buf := unsafe.Slice((*byte)(p), 128)
	for i := range buf {
		buf[i] = byte(i)
	}
	assert.Equal(t, byte(127), buf[127])

	a.Free(p)
}

func TestAllocFreeRoundTripReclaims(t *testing.T) {
	a := newTestAllocator(t)

	p1 := a.Alloc(4096)
	require.NotNil(t, p1)
	a.Free(p1)

	before := a.Stats()
	p2 := a.Alloc(4096)
	require.NotNil(t, p2)
	a.Free(p2)
	after := a.Stats()

	assert.Equal(t, before.FreeUnits, after.FreeUnits, "freeing an identically sized block should restore the same free space")
}

func TestNewRejectsZeroMinGrowUnits(t *testing.T) {
	_, err := New(&Option{MinGrowUnits: 0, ReservedBytes: 1 << 20})
	assert.Error(t, err)
}

// TestConcurrentAllocFreeDoesNotCorruptFreeList exercises M_list under
// heavy goroutine fan-out: every allocation is eventually freed by its
// own goroutine, and the test only checks that nothing panics (a proxy
// for "the free list stayed a well-formed cycle throughout").
func TestConcurrentAllocFreeDoesNotCorruptFreeList(t *testing.T) {
	a := newTestAllocator(t)

	const goroutines = 32
	const opsPerGoroutine = 500

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			var live []unsafe.Pointer
			for i := 0; i < opsPerGoroutine; i++ {
				if len(live) > 0 && rng.Intn(2) == 0 {
					idx := rng.Intn(len(live))
					a.Free(live[idx])
					live = append(live[:idx], live[idx+1:]...)
					continue
				}
				n := uintptr(1 + rng.Intn(256))
				if p := a.Alloc(n); p != nil {
					live = append(live, p)
				}
			}
			for _, p := range live {
				a.Free(p)
			}
		}(int64(g))
	}
	wg.Wait()
}
