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

// Package heap implements the free-list engine shared by the locked and
// lock-free allocator variants: the in-band block header, the circular
// address-ordered free list, best-fit search, split-from-tail carving and
// address-ordered insertion with two-sided coalescing.
//
// Everything in this package operates on raw addresses (uintptr) rather
// than Go pointers where it needs to compare or do arithmetic across
// blocks; blocks live in memory obtained from package sbrk (an mmap
// reservation outside the Go heap on unix, retained Go buffers elsewhere),
// and the links between them are plain addresses the garbage collector
// does not trace.
package heap

import "unsafe"

// Header is the metadata prepended to every block, free or live. Tag is
// opaque to this package; the locked variant instantiates it as struct{}
// and the lock-free variant instantiates it as its goroutine identifier
// type, so that "which thread owns this block" rides along with the block
// itself without the free-list engine needing to know about threads.
//
// The size of Header[Tag] is the allocator's unit: all size and address
// arithmetic is done in multiples of unsafe.Sizeof(Header[Tag]{}).
type Header[Tag any] struct {
	next uintptr // address of the next free block in cyclic order; unused while live.
	size uintptr // block size in units, header included.
	Tag  Tag
}

// Unit returns the size, in bytes, of Header[Tag] — the allocation atom
// for an arena instantiated with this Tag type.
func Unit[Tag any]() uintptr {
	var h Header[Tag]
	return unsafe.Sizeof(h)
}

// BytesToUnits converts a byte request into a unit count: ceil(n/unit)+1,
// the +1 reserving the header unit. A request of zero bytes is counted as
// one byte, so it still allocates one payload unit.
func BytesToUnits[Tag any](n uintptr) uintptr {
	unit := Unit[Tag]()
	if n == 0 {
		n = 1
	}
	return (n+unit-1)/unit + 1
}

// UnitsToUsableBytes returns the number of payload bytes available in a
// block of the given unit count (the block size minus one header unit).
func UnitsToUsableBytes[Tag any](units uintptr) uintptr {
	unit := Unit[Tag]()
	if units == 0 {
		return 0
	}
	return (units - 1) * unit
}

func addrOf[Tag any](h *Header[Tag]) uintptr {
	return uintptr(unsafe.Pointer(h))
}

func headerAt[Tag any](addr uintptr) *Header[Tag] {
	return (*Header[Tag])(unsafe.Pointer(addr))
}

// payloadOf returns the payload pointer for a block: one unit past its
// header.
func payloadOf[Tag any](h *Header[Tag]) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(h), Unit[Tag]())
}

// headerOfPayload recovers the owning header of a caller-supplied payload
// pointer: one unit before it. Callers must guarantee p was returned by
// this package's Alloc; there is no way to validate a wild pointer.
func headerOfPayload[Tag any](p unsafe.Pointer) *Header[Tag] {
	return (*Header[Tag])(unsafe.Add(p, -int(Unit[Tag]())))
}
