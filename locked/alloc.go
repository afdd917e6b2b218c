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

// Package locked implements spec.md §4.6's globally-shared allocator
// variant: one sentinel, one arena, one mutex (M_list) guarding it, plus
// the growth primitive's own dedicated lock (M_sbrk, embedded in package
// sbrk's Heap implementations) serializing OS growth across every caller
// regardless of which arena grows.
package locked

import (
	"fmt"
	"log"
	"sync"
	"unsafe"

	"github.com/tsalloc/tsalloc/heap"
	"github.com/tsalloc/tsalloc/sbrk"
)

// Option carries the policy knobs spec.md leaves to the implementer,
// shaped like concurrency/gopool.Option/DefaultOption.
type Option struct {
	// MinGrowUnits is spec.md §4.5/§9's MIN_ALLOC: below this, a growth
	// request is scaled up to the largest multiple of the caller's unit
	// count that does not exceed it, amortizing OS-call cost.
	MinGrowUnits uintptr

	// ReservedBytes bounds the total address space/backing memory the
	// growth primitive will ever hand out (see package sbrk).
	ReservedBytes uintptr

	// Logger receives rare, operator-relevant events: growth failures.
	// Nothing is logged on the hot alloc/free path. Defaults to
	// log.Default() if nil.
	Logger *log.Logger
}

// DefaultOption returns the default policy: a 1024-unit minimum growth
// (spec.md §9's suggested page-friendly value) and a 16GiB growth
// ceiling.
func DefaultOption() *Option {
	return &Option{
		MinGrowUnits:  1024,
		ReservedBytes: sbrk.DefaultOption().ReservedBytes,
		Logger:        log.Default(),
	}
}

// Allocator is the locked variant: alloc_locked/free_locked from
// spec.md §6, implemented as methods so a program can run more than one
// independent instance (spec.md's own global-singleton framing is one
// valid Option, not the only one).
type Allocator struct {
	listMu sync.Mutex
	arena  heap.Arena[struct{}]

	heapBackend  sbrk.Heap
	minGrowUnits uintptr
	logger       *log.Logger
}

// New constructs a locked allocator and its OS-growth backend. The
// arena starts empty; the first Alloc call triggers the first growth.
func New(opt *Option) (*Allocator, error) {
	if opt == nil {
		opt = DefaultOption()
	}
	if opt.MinGrowUnits == 0 {
		return nil, fmt.Errorf("locked: MinGrowUnits must be positive, got %d", opt.MinGrowUnits)
	}
	backend, err := sbrk.New(&sbrk.Option{ReservedBytes: opt.ReservedBytes})
	if err != nil {
		return nil, fmt.Errorf("locked: %w", err)
	}
	logger := opt.Logger
	if logger == nil {
		logger = log.Default()
	}

	a := &Allocator{
		heapBackend:  backend,
		minGrowUnits: opt.MinGrowUnits,
		logger:       logger,
	}
	a.arena.Init()
	return a, nil
}

// growUnits applies spec.md §4.5's minimum-growth policy: requests below
// MinGrowUnits are scaled up to the largest multiple of the request that
// does not exceed MinGrowUnits.
func (a *Allocator) growUnits(reqUnits uintptr) uintptr {
	if reqUnits >= a.minGrowUnits {
		return reqUnits
	}
	return reqUnits * (a.minGrowUnits / reqUnits)
}

// grow asks the OS-growth primitive for enough bytes to satisfy
// reqUnits (after the minimum-growth scale-up) and, on success, returns
// the acquired region's address and its size in units. M_list must
// already be released by the caller: Sbrk may block, and spec.md §4.6
// forbids holding M_list across that call.
func (a *Allocator) grow(reqUnits uintptr) (addr, units uintptr, ok bool) {
	units = a.growUnits(reqUnits)
	n := units * heap.Unit[struct{}]()
	addr, ok = a.heapBackend.Sbrk(n)
	if !ok {
		a.logger.Printf("locked: OS growth of %d bytes failed", n)
		return 0, 0, false
	}
	return addr, units, true
}

// Alloc is alloc_locked(n): thread-safe via M_list, returns nil (without
// changing any state) if OS growth fails to satisfy the request.
func (a *Allocator) Alloc(n uintptr) unsafe.Pointer {
	reqUnits := heap.BytesToUnits[struct{}](n)

	a.listMu.Lock()
	for {
		if p, ok := a.arena.Alloc(reqUnits, struct{}{}); ok {
			a.listMu.Unlock()
			return p
		}

		// Release M_list before the growth primitive, re-acquire after:
		// spec.md §4.6's deadlock-avoidance discipline. The retry below
		// is guaranteed to terminate because the newly inserted region
		// is large enough to satisfy reqUnits (spec.md §4.5).
		a.listMu.Unlock()
		addr, units, ok := a.grow(reqUnits)
		if !ok {
			return nil
		}
		a.listMu.Lock()
		a.arena.AddRegion(addr, units, struct{}{})
	}
}

// Free is free_locked(p): p must have been returned by Alloc and not yet
// freed; behavior is undefined otherwise (spec.md §7).
func (a *Allocator) Free(p unsafe.Pointer) {
	a.listMu.Lock()
	defer a.listMu.Unlock()
	a.arena.Free(p)
}

// Stats reports the current free list's aggregate free space, taking
// M_list so the snapshot is consistent with concurrent mutators.
func (a *Allocator) Stats() heap.Stats {
	a.listMu.Lock()
	defer a.listMu.Unlock()
	return a.arena.Stats()
}
