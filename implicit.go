// Copyright 2017 The Walloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The implicit list variant.

package walloc

import (
	"fmt"
	"os"

	"modernc.org/mathutil"
)

const minImplicitBlock = 8 // header + 4 byte payload

// ImplicitAllocator is the degenerate variant of Allocator: blocks carry a
// header only, there is no footer and no free list. Finding a fit walks the
// blocks themselves and freeing a block merges it with following free
// blocks only - the previous block cannot be reached in constant time
// without footers. The variant trades higher fragmentation for one 4 byte
// word less overhead per block and is retained for workloads of many small,
// short lived, uniformly sized blocks where coalescing buys nothing.
//
// The heap seed layout is shared with Allocator; heaps are not
// interchangeable between the two at any other point of their lifetime.
//
// ImplicitAllocator is not safe for concurrent use.
type ImplicitAllocator struct {
	h Heap
}

// NewImplicit returns a new ImplicitAllocator managing h, which must be of
// zero size.
func NewImplicit(h Heap) (a *ImplicitAllocator, err error) {
	if sz := h.Size(); sz != 0 {
		return nil, &ErrINVAL{"walloc.NewImplicit: heap size non zero", sz}
	}

	a = &ImplicitAllocator{h: h}
	if _, err = h.Grow(4 * wSize); err != nil {
		return nil, err
	}

	if err = a.putw(0, heapKey); err != nil {
		return nil, err
	}

	w := pack(dSize, true)
	if err = a.putw(prologueOff, w); err != nil {
		return nil, err
	}

	if err = a.putw(orgOff, w); err != nil {
		return nil, err
	}

	if err = a.putw(3*wSize, pack(0, true)); err != nil {
		return nil, err
	}

	if _, err = a.extendHeap(chunkSize / wSize); err != nil {
		return nil, err
	}

	return a, nil
}

// Alloc allocates a block with room for size payload bytes and returns its
// payload offset or an error, if any. See Allocator.Alloc.
func (a *ImplicitAllocator) Alloc(size int64) (off int64, err error) {
	switch {
	case size < 0 || size > maxRq:
		return 0, &ErrINVAL{"ImplicitAllocator.Alloc: size out of limits", size}
	case size == 0:
		return 0, nil
	}

	asize := adjustImplicit(size)
	var bp int64
	if bp, err = a.findFit(asize); err != nil {
		return 0, err
	}

	if bp == 0 { // must grow
		if bp, err = a.extendHeap(mathutil.MaxInt64(asize, chunkSize) / wSize); err != nil {
			return 0, err
		}
	}

	if err = a.place(bp, asize); err != nil {
		return 0, err
	}

	return bp, nil
}

// Free deallocates the block at payload offset off, merging it with any
// immediately following free blocks. See Allocator.Free.
func (a *ImplicitAllocator) Free(off int64) (err error) {
	var size int64
	if size, err = a.used(off, "ImplicitAllocator.Free"); err != nil {
		return err
	}

	// forward join only
	for {
		var w uint32
		if w, err = a.getw(off + size - wSize); err != nil {
			return err
		}

		nsize, nalloc := unpack(w)
		if nsize == 0 || nalloc {
			break
		}

		size += nsize
	}

	return a.putw(off-wSize, pack(size, false))
}

// adjustImplicit returns the block size backing a request for size payload
// bytes in the header only block format.
func adjustImplicit(size int64) int64 {
	if size <= wSize {
		return minImplicitBlock
	}

	return dSize * ((size + wSize + dSize - 1) / dSize)
}

// used checks that off is the payload offset of a live allocated block and
// returns the block size.
func (a *ImplicitAllocator) used(off int64, src string) (size int64, err error) {
	fsz := a.h.Size()
	switch {
	case off == 0:
		return 0, &ErrINVAL{src + ": nil offset", off}
	case off%dSize != 0, off < firstOff, off >= fsz:
		return 0, &ErrINVAL{src + ": offset out of limits", off}
	}

	var w uint32
	if w, err = a.getw(off - wSize); err != nil {
		return 0, err
	}

	var allocated bool
	size, allocated = unpack(w)
	switch {
	case size < minImplicitBlock || size%dSize != 0 || off+size > fsz:
		return 0, &ErrINVAL{src + ": not a block", off}
	case !allocated:
		return 0, &ErrINVAL{src + ": block is already free", off}
	}

	return size, nil
}

// findFit returns the first free block of at least asize bytes, walking the
// blocks from the heap base, or 0 when there is no fit.
func (a *ImplicitAllocator) findFit(asize int64) (bp int64, err error) {
	fsz := a.h.Size()
	p := int64(firstOff)
	for {
		hoff := p - wSize
		if hoff > fsz-wSize {
			return 0, &ErrILSEQ{Type: ErrEpilogue, Off: hoff}
		}

		var w uint32
		if w, err = a.getw(hoff); err != nil {
			return 0, err
		}

		size, allocated := unpack(w)
		if size == 0 {
			return 0, nil // epilogue
		}

		if !allocated && size >= asize {
			return p, nil
		}

		p += size
	}
}

// place carves an allocated block of asize bytes out of the free block at
// bp, keeping the high remainder free when it can stand alone.
func (a *ImplicitAllocator) place(bp, asize int64) (err error) {
	var w uint32
	if w, err = a.getw(bp - wSize); err != nil {
		return err
	}

	csize, _ := unpack(w)
	if csize-asize >= minImplicitBlock { // split
		if err = a.putw(bp-wSize, pack(asize, true)); err != nil {
			return err
		}

		return a.putw(bp+asize-wSize, pack(csize-asize, false))
	}

	return a.putw(bp-wSize, pack(csize, true))
}

// extendHeap grows the heap by words 4 byte words, rounded up to even,
// forms one free block over the new region and moves the epilogue to the
// new break. The new block is not merged with a free old tail; without
// footers the old tail cannot be found in constant time.
func (a *ImplicitAllocator) extendHeap(words int64) (bp int64, err error) {
	if words&1 != 0 {
		words++
	}

	n := words * wSize
	var off int64
	if off, err = a.h.Grow(n); err != nil {
		return 0, err
	}

	bp = off
	if err = a.putw(bp-wSize, pack(n, false)); err != nil {
		return 0, err
	}

	if err = a.putw(off+n-wSize, pack(0, true)); err != nil {
		return 0, err
	}

	return bp, nil
}

// Verify attempts to find any structural errors in the heap wrt the
// organization of it as defined by ImplicitAllocator. Unlike
// Allocator.Verify it does not flag adjacent free blocks; forward only
// coalescing leaves them behind and a later Free absorbs them. See
// Allocator.Verify for the log and stats contract.
func (a *ImplicitAllocator) Verify(log func(error) bool, stats *Stats) (err error) {
	if log == nil {
		log = nolog
	}

	fsz := a.h.Size()
	if fsz%dSize != 0 || fsz < firstOff {
		err = &ErrILSEQ{Type: ErrHeapSize, Arg: fsz}
		log(err)
		return err
	}

	var w uint32
	if w, err = a.getw(0); err != nil {
		return err
	}

	if w != heapKey {
		err = &ErrILSEQ{Type: ErrKey, Arg: int64(w)}
		log(err)
		return err
	}

	pw := pack(dSize, true)
	for _, off := range []int64{prologueOff, orgOff} {
		if w, err = a.getw(off); err != nil {
			return err
		}

		if w != pw {
			err = &ErrILSEQ{Type: ErrPrologue, Off: off}
			log(err)
			return err
		}
	}

	var st Stats
	st.TotalBytes = fsz
	p := int64(firstOff)
	for {
		hoff := p - wSize
		if hoff > fsz-wSize {
			err = &ErrILSEQ{Type: ErrEpilogue, Off: hoff}
			log(err)
			return err
		}

		if w, err = a.getw(hoff); err != nil {
			return err
		}

		size, allocated := unpack(w)
		if size == 0 {
			if !allocated || hoff != fsz-wSize {
				err = &ErrILSEQ{Type: ErrEpilogue, Off: hoff}
				log(err)
				return err
			}

			break
		}

		switch {
		case size < minImplicitBlock || size%dSize != 0 || p+size > fsz:
			err = &ErrILSEQ{Type: ErrBlkSize, Off: p, Arg: size}
			log(err)
			return err
		case p%dSize != 0:
			err = &ErrILSEQ{Type: ErrPayloadAlign, Off: p}
			log(err)
			return err
		}

		switch {
		case allocated:
			st.AllocBlocks++
			st.AllocBytes += size
		default:
			st.FreeBlocks++
			st.FreeBytes += size
		}

		p += size
	}

	if stats != nil {
		*stats = st
	}
	return nil
}

// Check is the os.Stderr reporting convenience over Verify. See
// Allocator.Check.
func (a *ImplicitAllocator) Check(verbose bool) (err error) {
	var st Stats
	err = a.Verify(func(e error) bool {
		fmt.Fprintln(os.Stderr, e)
		return true
	}, &st)
	if err != nil {
		return err
	}

	if verbose {
		fmt.Fprintf(
			os.Stderr,
			"walloc: implicit heap %d bytes, %d allocated blocks (%d bytes), %d free blocks (%d bytes)\n",
			st.TotalBytes, st.AllocBlocks, st.AllocBytes, st.FreeBlocks, st.FreeBytes,
		)
	}
	return nil
}

func (a *ImplicitAllocator) getw(off int64) (uint32, error) {
	var b [wSize]byte
	if rn, err := a.h.ReadAt(b[:], off); rn != len(b) {
		return 0, &ErrILSEQ{Type: ErrOther, Off: off, More: err}
	}

	return b2w(b[:]), nil
}

func (a *ImplicitAllocator) putw(off int64, w uint32) (err error) {
	var b [wSize]byte
	var n int
	if n, err = a.h.WriteAt(w2b(b[:], w), off); err != nil {
		return err
	}

	if n != len(b) {
		return &ErrILSEQ{Type: ErrOther, Off: off}
	}

	return nil
}
