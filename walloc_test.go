// Copyright 2017 The Walloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package walloc

import (
	"bytes"
	"flag"
	"math/rand"
	"sort"
	"testing"

	"github.com/bytedance/gopkg/lang/fastrand"
	"modernc.org/sortutil"
)

var (
	testN        = flag.Int("N", 128, "rnd test block count")
	testRndLimit = flag.Int("lim", 2*chunkSize, "rnd test block size limit")
)

func init() {
	if *testN <= 0 {
		*testN = 1
	}
}

func wput(t testing.TB, h Heap, off int64, w uint32) {
	var b [wSize]byte
	if n, err := h.WriteAt(w2b(b[:], w), off); n != wSize || err != nil {
		t.Fatal(n, err)
	}
}

func fill(t testing.TB, h Heap, off int64, b []byte) {
	if n, err := h.WriteAt(b, off); n != len(b) || err != nil {
		t.Fatal(n, err)
	}
}

func checkContent(t testing.TB, h Heap, off int64, want []byte) {
	t.Helper()
	g := make([]byte, len(want))
	if n, err := h.ReadAt(g, off); n != len(want) || err != nil {
		t.Fatal(n, err)
	}

	if !bytes.Equal(g, want) {
		t.Fatalf("content mismatch at off %#x", off)
	}
}

// Paranoid allocator, verifies the whole heap after every mutating
// operation.
type pAllocator struct {
	*Allocator
	h     *MemHeap
	stats Stats
	t     *testing.T
}

func newPAllocator(t *testing.T, limit int64) *pAllocator {
	h := NewMemHeap(limit)
	a, err := New(h)
	if err != nil {
		t.Fatal(err)
	}

	r := &pAllocator{Allocator: a, h: h, t: t}
	r.verify()
	return r
}

func (a *pAllocator) verify() {
	a.t.Helper()
	var errs []error
	if err := a.Verify(func(e error) bool {
		errs = append(errs, e)
		return len(errs) < 100
	}, &a.stats); err != nil {
		a.t.Fatal(err, errs)
	}
}

func (a *pAllocator) alloc(size int64) int64 {
	a.t.Helper()
	off, err := a.Alloc(size)
	if err != nil {
		a.t.Fatal(err)
	}

	a.verify()
	return off
}

func (a *pAllocator) free(off int64) {
	a.t.Helper()
	if err := a.Free(off); err != nil {
		a.t.Fatal(err)
	}

	a.verify()
}

func (a *pAllocator) realloc(off, size int64) int64 {
	a.t.Helper()
	noff, err := a.Realloc(off, size)
	if err != nil {
		a.t.Fatal(err)
	}

	a.verify()
	return noff
}

func TestNew(t *testing.T) {
	a := newPAllocator(t, 0)
	if g, e := a.h.Size(), int64(4*wSize+chunkSize); g != e {
		t.Fatal(g, e)
	}

	if g, e := a.stats.FreeBlocks, int64(1); g != e {
		t.Fatal(g, e)
	}

	if g, e := a.stats.FreeBytes, int64(chunkSize); g != e {
		t.Fatal(g, e)
	}

	if g, e := a.stats.AllocBlocks, int64(0); g != e {
		t.Fatal(g, e)
	}
}

func TestNewNonEmptyHeap(t *testing.T) {
	h := NewMemHeap(0)
	if _, err := h.Grow(16); err != nil {
		t.Fatal(err)
	}

	if _, err := New(h); err == nil {
		t.Fatal("unexpected success")
	}
}

func TestAllocZero(t *testing.T) {
	a := newPAllocator(t, 0)
	off, err := a.Alloc(0)
	if off != 0 || err != nil {
		t.Fatal(off, err)
	}
}

func TestAllocAlignment(t *testing.T) {
	a := newPAllocator(t, 0)
	for _, size := range []int64{1, 2, 7, 8, 9, 15, 16, 17, 100, 1000, 4088, 5000} {
		off := a.alloc(size)
		if off == 0 || off%dSize != 0 {
			t.Fatal(size, off)
		}
	}
}

// Alloc a single byte and free it again: the heap grows exactly once by
// CHUNKSIZE and the free list ends up with one block covering the whole
// extended region.
func TestAllocFreeCoalesceAll(t *testing.T) {
	a := newPAllocator(t, 0)
	off := a.alloc(1)
	if off == 0 {
		t.Fatal(off)
	}

	if g, e := a.h.Size(), int64(4*wSize+chunkSize); g != e {
		t.Fatal(g, e)
	}

	a.free(off)
	if g, e := a.h.Size(), int64(4*wSize+chunkSize); g != e {
		t.Fatal(g, e)
	}

	if g, e := a.stats.FreeBlocks, int64(1); g != e {
		t.Fatal(g, e)
	}

	if g, e := a.stats.FreeBytes, int64(chunkSize); g != e {
		t.Fatal(g, e)
	}

	if g, e := a.stats.ListLen, int64(1); g != e {
		t.Fatal(g, e)
	}
}

// Free the middle one of three adjacent allocations: its block joins the
// free list unmerged and the flanking payloads are untouched.
func TestFreeMiddle(t *testing.T) {
	a := newPAllocator(t, 0)
	pa := a.alloc(16)
	pb := a.alloc(16)
	pc := a.alloc(16)

	ca := bytes.Repeat([]byte{0xa5}, 16)
	cc := bytes.Repeat([]byte{0x5a}, 16)
	fill(t, a.h, pa, ca)
	fill(t, a.h, pc, cc)

	a.free(pb)
	if g, e := a.stats.FreeBlocks, int64(2); g != e { // pb's block and the tail
		t.Fatal(g, e)
	}

	size, allocated, err := a.hdr(pb)
	if err != nil {
		t.Fatal(err)
	}

	if allocated || size < 24 {
		t.Fatal(size, allocated)
	}

	checkContent(t, a.h, pa, ca)
	checkContent(t, a.h, pc, cc)
}

// Free two adjacent allocations: the second free performs a three way join
// of both blocks and the tail.
func TestCoalesceThreeWay(t *testing.T) {
	a := newPAllocator(t, 0)
	pa := a.alloc(16)
	pb := a.alloc(16)

	a.free(pa)
	if g, e := a.stats.FreeBlocks, int64(2); g != e {
		t.Fatal(g, e)
	}

	a.free(pb)
	if g, e := a.stats.FreeBlocks, int64(1); g != e {
		t.Fatal(g, e)
	}

	if g, e := a.stats.FreeBytes, int64(chunkSize); g != e {
		t.Fatal(g, e)
	}

	if g, e := a.stats.ListLen, int64(1); g != e {
		t.Fatal(g, e)
	}
}

// Realloc into a free right neighbour extends in place.
func TestReallocInPlaceGrow(t *testing.T) {
	a := newPAllocator(t, 0)
	p := a.alloc(100)
	pattern := make([]byte, 100)
	for i := range pattern {
		pattern[i] = byte(i)
	}
	fill(t, a.h, p, pattern)

	q := a.realloc(p, 200)
	if q != p {
		t.Fatal(q, p)
	}

	checkContent(t, a.h, q, pattern)
}

// Realloc with an allocated right neighbour relocates and copies the
// payload.
func TestReallocRelocate(t *testing.T) {
	a := newPAllocator(t, 0)
	p := a.alloc(100)
	a.alloc(16) // occupy the right neighbour
	pattern := make([]byte, 100)
	for i := range pattern {
		pattern[i] = byte(i ^ 0x55)
	}
	fill(t, a.h, p, pattern)

	q := a.realloc(p, 200)
	if q == p || q == 0 {
		t.Fatal(q, p)
	}

	checkContent(t, a.h, q, pattern)

	// the old block is free again
	if err := a.Free(p); err == nil {
		t.Fatal("unexpected success")
	}
}

func TestReallocSameSize(t *testing.T) {
	a := newPAllocator(t, 0)
	p := a.alloc(100)
	old, _, err := a.hdr(p)
	if err != nil {
		t.Fatal(err)
	}

	if q := a.realloc(p, 100); q != p {
		t.Fatal(q, p)
	}

	size, _, err := a.hdr(p)
	if err != nil {
		t.Fatal(err)
	}

	if size != old {
		t.Fatal(size, old)
	}

	// shrinking by less than a minimum block is absorbed
	if q := a.realloc(p, 97); q != p {
		t.Fatal(q, p)
	}
}

func TestReallocShrink(t *testing.T) {
	a := newPAllocator(t, 0)
	p := a.alloc(100)
	pattern := make([]byte, 20)
	for i := range pattern {
		pattern[i] = byte(i + 1)
	}
	fill(t, a.h, p, pattern)

	if q := a.realloc(p, 20); q != p {
		t.Fatal(q, p)
	}

	checkContent(t, a.h, p, pattern)

	size, allocated, err := a.hdr(p)
	if err != nil {
		t.Fatal(err)
	}

	if !allocated || size != adjust(20) {
		t.Fatal(size, allocated)
	}
}

func TestReallocNilAndZero(t *testing.T) {
	a := newPAllocator(t, 0)
	p, err := a.Realloc(0, 100)
	if p == 0 || err != nil {
		t.Fatal(p, err)
	}

	a.verify()
	q, err := a.Realloc(p, 0)
	if q != 0 || err != nil {
		t.Fatal(q, err)
	}

	a.verify()
	if err := a.Free(p); err == nil { // already freed via Realloc
		t.Fatal("unexpected success")
	}
}

func TestFreeErrors(t *testing.T) {
	a := newPAllocator(t, 0)
	if err := a.Free(0); err == nil {
		t.Fatal("unexpected success")
	}

	p := a.alloc(16)
	if err := a.Free(p + 4); err == nil { // misaligned
		t.Fatal("unexpected success")
	}

	if err := a.Free(a.h.Size() + 64); err == nil { // beyond the break
		t.Fatal("unexpected success")
	}

	a.free(p)
	if err := a.Free(p); err == nil { // double free
		t.Fatal("unexpected success")
	}

	a.verify()
}

// Alloc until the heap provider refuses to grow: the failure must surface
// as ErrNOMEM, previously handed out blocks stay valid and freeing them
// restores a single coalesced free block.
func TestHeapExhaustion(t *testing.T) {
	a := newPAllocator(t, 8*chunkSize)
	var offs []int64
	contents := map[int64][]byte{}
	for {
		off, err := a.Alloc(2048)
		if err != nil {
			if _, ok := err.(*ErrNOMEM); !ok {
				t.Fatal(err)
			}

			break
		}

		a.verify()
		b := make([]byte, 2048)
		for i := range b {
			b[i] = byte(off + int64(i))
		}
		fill(t, a.h, off, b)
		offs = append(offs, off)
		contents[off] = b
	}

	if len(offs) == 0 {
		t.Fatal("no allocation succeeded")
	}

	for _, off := range offs {
		checkContent(t, a.h, off, contents[off])
	}

	for _, off := range offs {
		a.free(off)
	}

	if g, e := a.stats.FreeBlocks, int64(1); g != e {
		t.Fatal(g, e)
	}

	if g, e := a.stats.ListLen, int64(1); g != e {
		t.Fatal(g, e)
	}
}

// Two chunk sized allocations force two heap extensions which must be
// contiguous; freeing both leaves one free block spanning both chunks.
func TestTwoChunks(t *testing.T) {
	a := newPAllocator(t, 0)
	pa := a.alloc(chunkSize - blkOverhead)
	pb := a.alloc(chunkSize - blkOverhead)
	if pb != pa+chunkSize {
		t.Fatal(pa, pb)
	}

	a.free(pa)
	a.free(pb)
	if g, e := a.stats.FreeBlocks, int64(1); g != e {
		t.Fatal(g, e)
	}

	if g, e := a.stats.FreeBytes, int64(2*chunkSize); g != e {
		t.Fatal(g, e)
	}
}

// Repeated alloc/free of the same size must not grow the heap beyond the
// first extension.
func TestSteadyState(t *testing.T) {
	a := newPAllocator(t, 0)
	p := a.alloc(5000)
	a.free(p)
	sz := a.h.Size()
	for i := 0; i < 100; i++ {
		p = a.alloc(5000)
		a.free(p)
		if g := a.h.Size(); g != sz {
			t.Fatal(i, g, sz)
		}
	}
}

func stableRef(m map[int64][]byte) (r []struct {
	off int64
	b   []byte
}) {
	a := make(sortutil.Int64Slice, 0, len(m))
	for k := range m {
		a = append(a, k)
	}
	sort.Sort(a)
	for _, v := range a {
		r = append(r, struct {
			off int64
			b   []byte
		}{v, m[v]})
	}
	return r
}

func TestRnd(t *testing.T) {
	N := *testN
	rng := rand.New(rand.NewSource(42))
	a := newPAllocator(t, 0)
	ref := map[int64][]byte{}

	content := func(n int) []byte {
		b := make([]byte, n)
		for i := range b {
			b[i] = byte(rng.Int())
		}
		return b
	}

	for pass := 0; pass < 2; pass++ {
		// A) Alloc N blocks
		for i := 0; i < N; i++ {
			rq := rng.Int31n(int32(*testRndLimit)) + 1
			if rq%11 == 0 {
				rq = rq%23 + 1
			}
			b := content(int(rq))
			off := a.alloc(int64(rq))
			fill(t, a.h, off, b)
			if _, ok := ref[off]; ok {
				t.Fatalf("A) double handout of off %#x", off)
			}

			ref[off] = b
		}

		// B) Check them back
		for off, b := range ref {
			checkContent(t, a.h, off, b)
		}

		// C) Free every third block
		for i, v := range stableRef(ref) {
			if i%3 != 0 {
				continue
			}

			a.free(v.off)
			delete(ref, v.off)
		}

		// D) Check them back
		for off, b := range ref {
			checkContent(t, a.h, off, b)
		}

		// E) Resize every block remaining
		for _, v := range stableRef(ref) {
			off, b := v.off, v.b
			var nn int
			switch rng.Int() & 1 {
			case 0:
				nn = len(b)*3/4 + 1
			case 1:
				nn = 2*len(b) + 1
			}
			noff := a.realloc(off, int64(nn))
			delete(ref, off)

			// prefix is preserved
			n := nn
			if len(b) < n {
				n = len(b)
			}
			checkContent(t, a.h, noff, b[:n])

			nb := content(nn)
			fill(t, a.h, noff, nb)
			ref[noff] = nb
		}

		// F) Check them back
		for off, b := range ref {
			checkContent(t, a.h, off, b)
		}
	}

	// Free everything
	for _, v := range stableRef(ref) {
		a.free(v.off)
		delete(ref, v.off)
	}

	if g, e := a.stats.FreeBlocks, int64(1); g != e {
		t.Fatal(g, e)
	}

	if g, e := a.stats.AllocBlocks, int64(0); g != e {
		t.Fatal(g, e)
	}
}

func benchmarkAlloc(b *testing.B, size int64) {
	b.SetBytes(size)
	h := NewMemHeap(0)
	a, err := New(h)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := a.Alloc(size); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkAlloc1e1(b *testing.B) { benchmarkAlloc(b, 1e1) }

func BenchmarkAlloc1e2(b *testing.B) { benchmarkAlloc(b, 1e2) }

func BenchmarkAlloc1e3(b *testing.B) { benchmarkAlloc(b, 1e3) }

func benchmarkAllocFree(b *testing.B, size int64) {
	b.SetBytes(size)
	h := NewMemHeap(0)
	a, err := New(h)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		off, err := a.Alloc(size)
		if err != nil {
			b.Fatal(err)
		}

		if err = a.Free(off); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkAllocFree1e1(b *testing.B) { benchmarkAllocFree(b, 1e1) }

func BenchmarkAllocFree1e2(b *testing.B) { benchmarkAllocFree(b, 1e2) }

func BenchmarkAllocFree1e3(b *testing.B) { benchmarkAllocFree(b, 1e3) }

func BenchmarkAllocFreeRnd(b *testing.B) {
	h := NewMemHeap(0)
	a, err := New(h)
	if err != nil {
		b.Fatal(err)
	}

	var offs []int64
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		off, err := a.Alloc(int64(fastrand.Intn(chunkSize)) + 1)
		if err != nil {
			b.Fatal(err)
		}

		offs = append(offs, off)
		if len(offs) >= 64 {
			x := fastrand.Intn(len(offs))
			if err = a.Free(offs[x]); err != nil {
				b.Fatal(err)
			}

			offs[x] = offs[len(offs)-1]
			offs = offs[:len(offs)-1]
		}
	}
}
