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

// Package lockfree implements spec.md §4.7's per-thread allocator
// variant. "Thread" means goroutine here: spec.md §1(b) names a
// threading primitive providing a stable per-thread identifier and
// per-thread static storage as an out-of-scope external collaborator,
// and github.com/timandy/routine fills that role the same way it does
// in the flier/goutil example pack member — this package never
// reimplements goroutine identity or goroutine-local storage itself.
//
// Each goroutine owns a private sentinel and arena. Allocation never
// touches a shared list mutex; the OS-growth primitive (package sbrk)
// is still the one shared contention point, exactly as spec.md
// describes. Blocks are tagged with their owning goroutine's id; a
// free on any other goroutine is silently dropped, per spec.md's
// explicit cross-thread-free Non-goal.
package lockfree

import (
	"fmt"
	"log"
	"unsafe"

	"github.com/timandy/routine"

	"github.com/tsalloc/tsalloc/heap"
	"github.com/tsalloc/tsalloc/sbrk"
)

// tag is the per-block ownership marker: the id of the goroutine whose
// arena the block belongs to (spec.md §3.1's "tid" field, per-thread
// variant only).
type tag = int64

// Option mirrors locked.Option's shape; see its doc comments for field
// meaning. There is no M_list-equivalent knob here because this variant
// has no shared list mutex.
type Option struct {
	MinGrowUnits  uintptr
	ReservedBytes uintptr
	Logger        *log.Logger
}

// DefaultOption returns the same defaults as locked.DefaultOption.
func DefaultOption() *Option {
	return &Option{
		MinGrowUnits:  1024,
		ReservedBytes: sbrk.DefaultOption().ReservedBytes,
		Logger:        log.Default(),
	}
}

// perGoroutine is the private sentinel+arena owned by exactly one
// goroutine, per spec.md §4.7/§9's "per-thread sentinel+arena is
// process-lifetime, bound to the thread's thread-local store".
type perGoroutine struct {
	arena heap.Arena[tag]
}

// Allocator is the lock-free variant: alloc_nolock/free_nolock from
// spec.md §6.
type Allocator struct {
	local routine.ThreadLocal[*perGoroutine]

	heapBackend  sbrk.Heap
	minGrowUnits uintptr
	logger       *log.Logger
}

// New constructs a lock-free allocator. No arena exists yet for any
// goroutine; each goroutine's arena is created lazily, on its first
// Alloc or Free.
func New(opt *Option) (*Allocator, error) {
	if opt == nil {
		opt = DefaultOption()
	}
	if opt.MinGrowUnits == 0 {
		return nil, fmt.Errorf("lockfree: MinGrowUnits must be positive, got %d", opt.MinGrowUnits)
	}
	backend, err := sbrk.New(&sbrk.Option{ReservedBytes: opt.ReservedBytes})
	if err != nil {
		return nil, fmt.Errorf("lockfree: %w", err)
	}
	logger := opt.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Allocator{
		local: routine.NewThreadLocalWithInitial(func() *perGoroutine {
			pg := &perGoroutine{}
			pg.arena.Init()
			return pg
		}),
		heapBackend:  backend,
		minGrowUnits: opt.MinGrowUnits,
		logger:       logger,
	}, nil
}

func (a *Allocator) growUnits(reqUnits uintptr) uintptr {
	if reqUnits >= a.minGrowUnits {
		return reqUnits
	}
	return reqUnits * (a.minGrowUnits / reqUnits)
}

// grow is the only suspension point this variant's Alloc path has: it
// goes straight to the OS-growth primitive, which serializes itself via
// its own dedicated lock (M_sbrk — see package sbrk). There is no list
// mutex to release first, unlike package locked.
func (a *Allocator) grow(reqUnits uintptr) (addr, units uintptr, ok bool) {
	units = a.growUnits(reqUnits)
	n := units * heap.Unit[tag]()
	addr, ok = a.heapBackend.Sbrk(n)
	if !ok {
		a.logger.Printf("lockfree: OS growth of %d bytes failed", n)
		return 0, 0, false
	}
	return addr, units, true
}

// Alloc is alloc_nolock(n): must be called from a goroutine that will
// free what it allocates (spec.md §6).
func (a *Allocator) Alloc(n uintptr) unsafe.Pointer {
	reqUnits := heap.BytesToUnits[tag](n)
	me := routine.Goid()
	pg := a.local.Get()

	for {
		if p, ok := pg.arena.Alloc(reqUnits, me); ok {
			return p
		}
		addr, units, ok := a.grow(reqUnits)
		if !ok {
			return nil
		}
		pg.arena.AddRegion(addr, units, me)
	}
}

// Free is free_nolock(p): if p was allocated by a different goroutine
// than the caller, the free is silently dropped — spec.md's policy
// choice, not a detected error. p leaks until the originating
// goroutine's arena itself goes away.
//
// Reading the owning tag off p's header without taking any lock is safe
// because a block's Tag field is written only by the owning goroutine,
// when AddRegion creates a block and each time heap.Arena.Alloc hands one
// out, and always with that goroutine's own id: coalescing only ever
// mutates a header's size/next fields (see heap.Arena.insert), and while
// p is live its owner does not write its header at all.
func (a *Allocator) Free(p unsafe.Pointer) {
	me := routine.Goid()
	owner := heap.HeaderTag[tag](p)
	if owner != me {
		a.logger.Printf("lockfree: dropped free of block owned by goroutine %d from goroutine %d", owner, me)
		return
	}
	a.local.Get().arena.Free(p)
}

// Stats reports the calling goroutine's own arena — there is no global
// view in this variant, matching spec.md §4.7's "per-thread arenas are
// mutated only by their owning thread".
func (a *Allocator) Stats() heap.Stats {
	return a.local.Get().arena.Stats()
}
