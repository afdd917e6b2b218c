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

package lockfree

import (
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

func TestAllocFreeSameGoroutine(t *testing.T) {
	a := newTestAllocator(t)

	p := a.Alloc(256)
	require.NotNil(t, p)
	buf := unsafe.Slice((*byte)(p), 256)
	buf[0] = 7
	buf[255] = 9
	a.Free(p)
}

// TestCrossGoroutineFreeIsDropped exercises spec.md's explicit policy:
// freeing a block from a goroutine other than the one that allocated it
// must be a silent no-op, never a crash or corruption.
func TestCrossGoroutineFreeIsDropped(t *testing.T) {
	a := newTestAllocator(t)

	done := make(chan unsafe.Pointer)
	go func() {
		done <- a.Alloc(128)
	}()
	p := <-done
	require.NotNil(t, p)

	before := a.Stats()
	a.Free(p) // wrong goroutine: must be dropped, not crash.
	after := a.Stats()
	assert.Equal(t, before, after, "a cross-goroutine free must not change the caller's own arena stats")
}

// TestEachGoroutineOwnsAnIndependentArena drives many goroutines
// concurrently, each doing its own alloc/free cycles entirely on its own
// arena with no shared list mutex; the race detector (when the test
// suite is run with -race) is the actual judge of correctness here.
func TestEachGoroutineOwnsAnIndependentArena(t *testing.T) {
	a := newTestAllocator(t)

	const goroutines = 32
	const opsPerGoroutine = 500

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			var live []unsafe.Pointer
			for i := 0; i < opsPerGoroutine; i++ {
				if len(live) > 2 {
					p := live[0]
					live = live[1:]
					a.Free(p)
				}
				if p := a.Alloc(uintptr(1 + i%256)); p != nil {
					live = append(live, p)
				}
			}
			for _, p := range live {
				a.Free(p)
			}
		}()
	}
	wg.Wait()
}
