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

//go:build !unix

package sbrk

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/tsalloc/tsalloc/cache/mempool"
)

// poolHeap backs Heap on platforms without mmap/mprotect (notably
// windows). Each Sbrk call pulls one pinned buffer out of the teacher's
// own sync.Pool-backed cache/mempool rather than growing a single
// reserved region; package heap never requires cross-acquisition
// contiguity (only contiguity within what a single growth call handed
// back), so this is a legitimate substitute for brk(2)'s monotonic
// segment — just with more, smaller segments.
//
// Buffers are retained for the process lifetime in bufs: spec.md never
// returns memory to the OS, and releasing the Go-level reference would
// let the garbage collector reclaim memory the allocator still
// considers live.
type poolHeap struct {
	mu   sync.Mutex
	bufs [][]byte
	cap  uintptr
}

// New returns a Heap backed by cache/mempool. opt.ReservedBytes caps the
// total bytes this heap will ever hand out, mirroring the unix backend's
// reserved-region ceiling so callers see the same failure contract on
// every platform.
func New(opt *Option) (Heap, error) {
	if opt == nil {
		opt = DefaultOption()
	}
	if opt.ReservedBytes == 0 {
		return nil, fmt.Errorf("sbrk: ReservedBytes must be positive, got %d", opt.ReservedBytes)
	}
	return &poolHeap{cap: opt.ReservedBytes}, nil
}

func (h *poolHeap) Sbrk(n uintptr) (uintptr, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var used uintptr
	for _, b := range h.bufs {
		used += uintptr(cap(b))
	}
	if used+n > h.cap {
		return 0, false
	}

	buf := mempool.Malloc(int(n))
	if cap(buf) < int(n) {
		return 0, false
	}
	h.bufs = append(h.bufs, buf)
	return uintptr(unsafe.Pointer(&buf[0])), true
}
