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

// Package sbrk provides the OS memory-acquisition primitive spec.md §1
// treats as an external collaborator: "extend the process's data segment
// by a signed byte count, return the previous segment end, return a
// sentinel on failure". The allocator never shrinks the segment, so Heap
// only ever grows.
//
// Two backends satisfy Heap. On unix platforms, Heap is backed by a
// single large PROT_NONE virtual reservation that is grown by mprotect-ing
// newly needed pages RW as the break advances — real address space from
// the kernel, contiguous the way brk(2) is. Elsewhere, it falls back to
// pulling pinned buffers from the teacher's own sync.Pool-backed
// cache/mempool package; each buffer is its own independent region (see
// package heap's coalescing, which never requires cross-region
// contiguity, only within one acquisition).
package sbrk

// Heap is the serialized OS memory-acquisition resource. All
// implementations must be safe for concurrent use: the allocator
// variants call Sbrk without holding any lock of their own, and each
// implementation serializes Sbrk calls with its own internal mutex.
type Heap interface {
	// Sbrk requests n additional bytes. On success it returns the
	// address at which the new region begins and ok=true. On failure
	// (address space exhausted, OS refusal) it returns ok=false and the
	// allocation attempt must fail without changing any allocator
	// state, per spec.md §7.
	Sbrk(n uintptr) (addr uintptr, ok bool)
}

// Option carries the policy knobs spec.md leaves to the implementer.
type Option struct {
	// ReservedBytes is the size of the virtual address space reserved
	// up front by the unix backend. It is never committed eagerly; only
	// pages actually needed by a Sbrk call are made readable/writable.
	ReservedBytes uintptr
}

// DefaultOption mirrors concurrency/gopool.DefaultOption's shape: a
// plain constructor for the common case, no functional options.
func DefaultOption() *Option {
	return &Option{
		ReservedBytes: 1 << 34, // 16GiB of address space; pages are committed lazily.
	}
}

// The dedicated growth lock spec.md calls M_sbrk is the sync.Mutex inside
// each Heap implementation: at most one goroutine is inside Sbrk on a
// given Heap at a time, whichever arena is growing. The allocator variant
// packages hold no growth mutex themselves; the locked variant's
// release-list-mutex-before-growth, re-acquire-after discipline lives in
// locked.Allocator.Alloc, and Heap knows nothing about the list mutex.
