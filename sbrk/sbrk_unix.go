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
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const pageSize = 4096

// mmapHeap reserves a large PROT_NONE virtual region up front and grows
// into it by mprotect-ing the pages the current request newly needs. This
// is the closest a userspace Go program can get to brk(2)'s "extend the
// data segment" contract: one contiguous region, growing monotonically,
// real pages committed only as the break advances.
type mmapHeap struct {
	mu        sync.Mutex
	base      uintptr
	brk       uintptr
	regionEnd uintptr
}

// New reserves opt.ReservedBytes of address space and returns a Heap
// backed by it. Reservation failure (address space exhaustion, an
// unreasonably large ReservedBytes) is reported as an error, matching
// unsafex/malloc's validate-in-the-constructor style.
func New(opt *Option) (Heap, error) {
	if opt == nil {
		opt = DefaultOption()
	}
	size := int(opt.ReservedBytes)
	if size <= 0 {
		return nil, fmt.Errorf("sbrk: ReservedBytes must be positive, got %d", opt.ReservedBytes)
	}

	region, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("sbrk: reserve %d bytes: %w", size, err)
	}

	base := uintptr(unsafe.Pointer(&region[0]))
	return &mmapHeap{
		base:      base,
		brk:       base,
		regionEnd: base + uintptr(size),
	}, nil
}

func alignDown(v, align uintptr) uintptr { return v &^ (align - 1) }
func alignUp(v, align uintptr) uintptr   { return alignDown(v+align-1, align) }

func (h *mmapHeap) Sbrk(n uintptr) (uintptr, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	newBrk := h.brk + n
	if newBrk > h.regionEnd || newBrk < h.brk {
		return 0, false
	}

	pageStart := alignDown(h.brk, pageSize)
	pageEnd := alignUp(newBrk, pageSize)
	if pageEnd > pageStart {
		region := unsafe.Slice((*byte)(unsafe.Pointer(pageStart)), pageEnd-pageStart)
		if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return 0, false
		}
	}

	prev := h.brk
	h.brk = newBrk
	return prev, true
}
