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

package heap

import "unsafe"

// Arena is a circular singly-linked free list, sorted by ascending
// address with exactly one wrap point, anchored by a permanent
// zero-sized sentinel. It is the unit of synchronization: callers
// (package locked, package lockfree) are responsible for guarding
// concurrent access, Arena itself does no locking.
//
// The zero value is not ready to use; call Init first.
type Arena[Tag any] struct {
	sentinel Header[Tag]
	head     *Header[Tag]
}

// Init sets up the sentinel as a self-looped single-node list and makes
// the arena ready to serve AddRegion/Alloc/Free. Init must run before any
// other method and must not be called twice.
func (a *Arena[Tag]) Init() {
	a.sentinel.size = 0
	a.sentinel.next = addrOf(&a.sentinel)
	a.head = &a.sentinel
}

// inCyclicRange reports whether addr lies in the open interval (t, tNext)
// under the list's cyclic order, where t and tNext are the addresses of
// two consecutive free-list nodes.
func inCyclicRange(t, tNext, addr uintptr) bool {
	if t < tNext {
		return t < addr && addr < tNext
	}
	// t is the wrap point: the interval runs from t up to the top of the
	// address space, then from the bottom back up to tNext.
	return addr > t || addr < tNext
}

// findBestFit walks the cyclic list starting one past head, looking for
// the smallest free block whose size is >= reqUnits. It returns as soon
// as an exact-size match is found (already unlinked from the list), or
// after one full lap otherwise (not unlinked; the caller must carve it).
//
// Per spec.md §4.2, ties are first-encountered-wins: a later block of
// equal size never displaces an earlier recorded candidate.
func (a *Arena[Tag]) findBestFit(reqUnits uintptr) (prevBest, best *Header[Tag], exact bool) {
	prev := a.head
	cur := headerAt[Tag](a.head.next)

	var bestPrev, bestBlock *Header[Tag]
	var bestSize uintptr

	for {
		if cur.size != 0 && cur.size >= reqUnits {
			if cur.size == reqUnits {
				prev.next = cur.next
				a.head = prev
				return nil, cur, true
			}
			if bestBlock == nil || cur.size < bestSize {
				bestSize = cur.size
				bestPrev = prev
				bestBlock = cur
			}
		}
		if cur == a.head {
			break
		}
		prev = cur
		cur = headerAt[Tag](cur.next)
	}

	return bestPrev, bestBlock, false
}

// carve splits best (of size B) by detaching its high-address tail of
// size reqUnits as the outgoing allocation; the low half (prevBest.next)
// stays linked in the free list with only its size field shrunk.
func (a *Arena[Tag]) carve(prevBest, best *Header[Tag], reqUnits uintptr) *Header[Tag] {
	best.size -= reqUnits
	out := headerAt[Tag](addrOf(best) + best.size*Unit[Tag]())
	out.size = reqUnits
	a.head = prevBest
	return out
}

// Alloc makes one best-fit attempt for a block of reqUnits units,
// stamping tag onto the header it returns. ok is false when no free
// block of sufficient size exists after a full lap; the caller (package
// locked, package lockfree) must grow the arena via AddRegion and retry
// — spec.md §4.2's "one full lap" outcome.
func (a *Arena[Tag]) Alloc(reqUnits uintptr, tag Tag) (unsafe.Pointer, bool) {
	prevBest, best, exact := a.findBestFit(reqUnits)
	if best == nil {
		return nil, false
	}

	var h *Header[Tag]
	if exact {
		h = best
	} else {
		h = a.carve(prevBest, best, reqUnits)
	}
	h.Tag = tag
	return payloadOf(h), true
}

// insert locates the unique free-list node t such that h's address falls
// in (t, t.next) under cyclic order, then performs up to two coalescing
// steps: absorb the upper neighbor if h is exactly adjacent to it, then
// absorb h into the lower neighbor t if t is exactly adjacent to h. The
// upper merge must run first so the lower merge observes its effect on
// h.size/h.next, per spec.md §4.4.
func (a *Arena[Tag]) insert(h *Header[Tag]) {
	ha := addrOf(h)

	t := a.head
	for {
		tAddr := addrOf(t)
		tNextAddr := t.next
		if inCyclicRange(tAddr, tNextAddr, ha) {
			break
		}
		t = headerAt[Tag](tNextAddr)
	}

	tNextAddr := t.next
	if ha+h.size*Unit[Tag]() == tNextAddr {
		tNext := headerAt[Tag](tNextAddr)
		h.size += tNext.size
		h.next = tNext.next
	} else {
		h.next = tNextAddr
	}

	if addrOf(t)+t.size*Unit[Tag]() == ha {
		t.size += h.size
		t.next = h.next
	} else {
		t.next = ha
	}

	a.head = t
}

// Free returns a previously allocated payload pointer to the free list,
// coalescing with either neighbor that turns out to be contiguous. p
// must have been returned by this arena's Alloc/AddRegion machinery and
// not already freed; behavior is undefined otherwise (spec.md §7).
func (a *Arena[Tag]) Free(p unsafe.Pointer) {
	a.insert(headerOfPayload[Tag](p))
}

// AddRegion wraps a freshly OS-acquired region — starting at addr, sized
// units header-units, already exclusively owned by the caller — as a
// single free block and inserts it via the same coalesce-aware routine
// used by Free. tag is stamped onto the new header (the owning
// goroutine's identity in the lock-free variant; the zero value
// otherwise).
func (a *Arena[Tag]) AddRegion(addr, units uintptr, tag Tag) {
	h := headerAt[Tag](addr)
	h.size = units
	h.Tag = tag
	a.insert(h)
}

// HeaderTag returns the Tag stamped on the block owning payload pointer
// p, without otherwise touching the arena. Used by the lock-free
// variant to decide whether a free belongs to the calling goroutine.
func HeaderTag[Tag any](p unsafe.Pointer) Tag {
	return headerOfPayload[Tag](p).Tag
}

// Stats is a point-in-time snapshot of an arena's free list, computed by
// walking it once. It is not part of spec.md's required surface but is
// the instrumentation spec.md §1(c) leaves to "test harnesses measuring
// throughput and fragmentation" — built in-repo here instead of assumed
// external.
type Stats struct {
	FreeBlocks   int
	FreeUnits    uintptr
	LargestBlock uintptr
}

// Stats walks the free list once and reports aggregate free space. The
// sentinel (size 0) is excluded from FreeBlocks/LargestBlock but
// trivially contributes nothing to FreeUnits either.
func (a *Arena[Tag]) Stats() Stats {
	var s Stats
	start := a.head
	cur := start
	for {
		if cur.size != 0 {
			s.FreeBlocks++
			s.FreeUnits += cur.size
			if cur.size > s.LargestBlock {
				s.LargestBlock = cur.size
			}
		}
		next := headerAt[Tag](cur.next)
		if next == start {
			break
		}
		cur = next
	}
	return s
}

// Walk calls f once per free block in cyclic order starting at head,
// in units of block size. It stops early if f returns false. The
// sentinel is visited too, with size 0. Stats does its own walk and does
// not call Walk.
func (a *Arena[Tag]) Walk(f func(addr, sizeUnits uintptr) bool) {
	start := a.head
	cur := start
	for {
		if !f(addrOf(cur), cur.size) {
			return
		}
		next := headerAt[Tag](cur.next)
		if next == start {
			return
		}
		cur = next
	}
}
