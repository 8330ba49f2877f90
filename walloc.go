// Copyright 2017 The Walloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The heap block management.

/*

Package walloc implements a general purpose block allocator on top of a
contiguous, monotonically growing byte region (the heap) modeled by the Heap
interface. It services the classical malloc/free/realloc triple over 8 byte
aligned blocks addressed by byte offsets on a 32 bit address model.

The terms MUST or MUST NOT, if/where used in the documentation of Allocator,
written in all caps as seen here, are a requirement for any possible
alternative implementations aiming for compatibility with this one.

Heap layout

The heap is seeded with four words

	+----------+------------------+------------------+------------------+
	|    0     |        4         |        8         |        12        |
	+----------+------------------+------------------+------------------+
	| key word | prologue header  | prologue footer  | epilogue header  |
	+----------+------------------+------------------+------------------+

The key word is a canary; it is never read by the allocation paths but the
checker validates it. The prologue is an 8 byte block permanently marked
allocated; it anchors backward traversal and prevents coalescing past the
heap start. The epilogue is a zero sized pseudo block permanently marked
allocated whose header is always the last word of the heap; it terminates
forward traversal. Growing the heap overwrites the current epilogue header
with the header of the new free block and writes a fresh epilogue at the new
break.

Blocks

A block is a contiguous sequence of bytes starting with a 4 byte header word
and ending with a 4 byte footer word carrying the same value. The word packs
the block size, a multiple of 8, with the allocated flag in bit 0 (set ==
allocated). The three low bits of any block size are zero, which is what
makes them available for flags. Words are stored in network byte order.

A payload offset, the value handed out by Alloc, refers to the first byte
after the header

	header  == payload - 4
	footer  == payload + size - 8
	next    == payload + size
	prev    == payload - size(payload-8)

where size(x) reads the size stored in the word at offset x; the prev
navigation reads the previous block's footer, which is why every block MUST
carry one.

Free blocks

Free blocks are kept on a single circular doubly linked list whose link
fields live inside the free payloads

	+--------+----------+----------+--  ...  --+--------+
	| header | next     | prev     |   leak    | footer |
	+--------+----------+----------+--  ...  --+--------+

next and prev hold payload offsets of the list neighbours; 0 is the nil
offset (no block's payload can be there). The list is strictly address
ordered: following next from any node visits strictly increasing offsets
until the single wrap around back to the minimum offset node. The head of
the list is a movable cursor which is repositioned to the surviving block of
every insertion; workloads tend to reallocate near recently freed addresses,
which keeps the first fit search short.

The smallest block is 16 bytes: header, two link words, footer. Adjacent
free blocks MUST NOT exist; inserting a block into the free list coalesces
it with its physically adjacent free neighbours first, so after every public
operation the invariant holds.

The leak area of a free block carries whatever data the block had before it
was freed. For free blocks of CHUNKSIZE bytes and above the leak area is
punched out of heaps supporting HolePuncher, releasing the backing store
while keeping the header, links and footer in place.

Note: no Allocator method returns io.EOF.

*/
package walloc

import (
	"fmt"
	"io"
	"os"

	"modernc.org/mathutil"
)

const (
	wSize       = 4    // header/footer word size
	dSize       = 8    // alignment quantum
	chunkSize   = 4096 // minimum heap growth step
	minBlock    = 16   // header + next + prev + footer
	blkOverhead = 8    // header + footer

	punchThreshold = chunkSize // free blocks this big get their leak area punched

	heapKey = 0x57a110c8 // canary at offset 0, validated by the checker
	maxRq   = 1<<31 - 1  // requests must stay within the 32 bit address model

	prologueOff = wSize     // prologue header
	orgOff      = 2 * wSize // prologue footer, the backward traversal anchor
	firstOff    = 4 * wSize // payload of the first real block
)

func b2w(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func w2b(b []byte, w uint32) []byte {
	b[0], b[1], b[2], b[3] = byte(w>>24), byte(w>>16), byte(w>>8), byte(w)
	return b[:wSize]
}

// pack combines a block size and the allocated flag into a header/footer
// word. size MUST be a multiple of 8. The inverse is unpack, which masks the
// three flag bits off the size unconditionally. The flag convention (bit 0
// set == allocated) is confined to these two functions and the epilogue/
// prologue seeds.
func pack(size int64, allocated bool) uint32 {
	w := uint32(size)
	if allocated {
		w |= 1
	}
	return w
}

func unpack(w uint32) (size int64, allocated bool) {
	return int64(w &^ 7), w&1 != 0
}

// Allocator implements block allocation and deallocation on a Heap.
//
// The allocator hands out payload offsets and never touches payload content;
// reading and writing payloads is the caller's business, performed directly
// on the Heap. Offsets returned by Alloc are valid until passed to Free or
// relocated by Realloc. Passing any other offset to Free or Realloc is
// detected on a best effort basis only and can, when undetected, irreparably
// corrupt the heap.
//
// Allocator is not safe for concurrent use.
type Allocator struct {
	h   Heap
	hp  HolePuncher // non-nil when h supports hole punching
	flh int64       // free list head; 0 when the list is empty
}

// New returns a new Allocator managing h, which must be of zero size.
// Reopening a previously populated heap is not supported; the free list head
// is process state, not heap state.
//
// New seeds the heap with the key word, the prologue and the epilogue, and
// then grows it by CHUNKSIZE bytes forming the initial free block.
func New(h Heap) (a *Allocator, err error) {
	if sz := h.Size(); sz != 0 {
		return nil, &ErrINVAL{"walloc.New: heap size non zero", sz}
	}

	a = &Allocator{h: h}
	a.hp, _ = h.(HolePuncher)
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
// payload offset or an error, if any. The offset is a multiple of 8. Alloc
// of zero size returns the nil offset 0 and no error. The payload content is
// not initialized; it may carry whatever the block held before.
func (a *Allocator) Alloc(size int64) (off int64, err error) {
	switch {
	case size < 0 || size > maxRq:
		return 0, &ErrINVAL{"Allocator.Alloc: size out of limits", size}
	case size == 0:
		return 0, nil
	}

	asize := adjust(size)
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

// Free deallocates the block at payload offset off or returns an error, if
// any. Freeing the nil offset, an offset not obtained from Alloc/Realloc or
// an offset already freed is reported as an error without changing any
// state.
//
// After Free succeeds, off is invalid and must not be used.
func (a *Allocator) Free(off int64) (err error) {
	var size int64
	if size, err = a.used(off, "Allocator.Free"); err != nil {
		return err
	}

	if err = a.writeBlock(off, size, false); err != nil {
		return err
	}

	_, err = a.link(off)
	return err
}

// Realloc resizes the block at payload offset off to hold at least size
// payload bytes and returns the possibly relocated payload offset. The first
// min(old payload, size) bytes of the payload are preserved.
//
// Realloc(0, size) is equivalent to Alloc(size). Realloc(off, 0) is
// equivalent to Free(off) and returns the nil offset. If the block cannot be
// grown in place and allocating the replacement fails, the error is returned
// and the block at off is left intact.
func (a *Allocator) Realloc(off, size int64) (noff int64, err error) {
	switch {
	case off == 0:
		return a.Alloc(size)
	case size < 0 || size > maxRq:
		return 0, &ErrINVAL{"Allocator.Realloc: size out of limits", size}
	case size == 0:
		return 0, a.Free(off)
	}

	var old int64
	if old, err = a.used(off, "Allocator.Realloc"); err != nil {
		return 0, err
	}

	asize := adjust(size)
	switch {
	case asize == old, asize < old && old-asize < minBlock:
		// in place, the block is close enough already
		return off, nil
	case asize < old:
		// in place shrink
		if err = a.writeBlock(off, asize, true); err != nil {
			return 0, err
		}

		rp := off + asize
		if err = a.writeBlock(rp, old-asize, false); err != nil {
			return 0, err
		}

		if _, err = a.link(rp); err != nil {
			return 0, err
		}

		return off, nil
	}

	// grow, check the right neighbour first
	np := off + old
	var nsize int64
	var nalloc bool
	if nsize, nalloc, err = a.hdr(np); err != nil {
		return 0, err
	}

	if !nalloc && old+nsize >= asize {
		// in place extend
		if err = a.unlink(np); err != nil {
			return 0, err
		}

		combined := old + nsize
		if combined-asize >= minBlock {
			if err = a.writeBlock(off, asize, true); err != nil {
				return 0, err
			}

			rp := off + asize
			if err = a.writeBlock(rp, combined-asize, false); err != nil {
				return 0, err
			}

			if _, err = a.link(rp); err != nil {
				return 0, err
			}
		} else if err = a.writeBlock(off, combined, true); err != nil {
			return 0, err
		}

		return off, nil
	}

	// relocate
	b := make([]byte, old-blkOverhead)
	if err = a.read(b, off); err != nil {
		return 0, err
	}

	if noff, err = a.Alloc(size); err != nil {
		return 0, err
	}

	if err = a.writeAt(b, noff); err != nil {
		return 0, err
	}

	return noff, a.Free(off)
}

// adjust returns the block size backing a request for size payload bytes.
func adjust(size int64) int64 {
	if size <= dSize {
		return minBlock
	}

	return dSize * ((size + blkOverhead + dSize - 1) / dSize)
}

// used checks that off is the payload offset of a live allocated block and
// returns the block size.
func (a *Allocator) used(off int64, src string) (size int64, err error) {
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
	case size < minBlock || size%dSize != 0 || off+size > fsz:
		return 0, &ErrINVAL{src + ": not a block", off}
	case !allocated:
		return 0, &ErrINVAL{src + ": block is already free", off}
	}

	var f uint32
	if f, err = a.getw(off + size - blkOverhead); err != nil {
		return 0, err
	}

	if f != w {
		return 0, &ErrILSEQ{Type: ErrHdrFtrMismatch, Off: off, Arg: int64(w), Arg2: int64(f)}
	}

	return size, nil
}

// findFit returns the first free block of at least asize bytes, walking the
// free list from its head, or 0 when there is no fit.
func (a *Allocator) findFit(asize int64) (bp int64, err error) {
	if a.flh == 0 {
		return 0, nil
	}

	lim := a.h.Size() / minBlock
	c := a.flh
	for {
		var size int64
		var allocated bool
		if size, allocated, err = a.hdr(c); err != nil {
			return 0, err
		}

		if allocated {
			return 0, &ErrILSEQ{Type: ErrExpFree, Off: c}
		}

		if size >= asize {
			return c, nil
		}

		if c, err = a.nextFree(c); err != nil {
			return 0, err
		}

		if c == a.flh {
			return 0, nil
		}

		if lim--; lim < 0 {
			return 0, &ErrILSEQ{Type: ErrListCycle, Off: c}
		}
	}
}

// place carves an allocated block of asize bytes out of the free block at
// bp, splitting off the high remainder as a new free block when it is big
// enough to stand alone.
func (a *Allocator) place(bp, asize int64) (err error) {
	var csize int64
	if csize, _, err = a.hdr(bp); err != nil {
		return err
	}

	if err = a.unlink(bp); err != nil {
		return err
	}

	if csize-asize >= minBlock { // split
		if err = a.writeBlock(bp, asize, true); err != nil {
			return err
		}

		rp := bp + asize
		if err = a.writeBlock(rp, csize-asize, false); err != nil {
			return err
		}

		_, err = a.link(rp)
		return err
	}

	return a.writeBlock(bp, csize, true)
}

// extendHeap grows the heap by words 4 byte words, rounded up to even to
// keep the alignment quantum, forms one free block over the new region,
// moves the epilogue to the new break and links the block, coalescing it
// with a free old tail. It returns the payload offset of the surviving free
// block.
func (a *Allocator) extendHeap(words int64) (bp int64, err error) {
	if words&1 != 0 {
		words++
	}

	n := words * wSize
	var off int64
	if off, err = a.h.Grow(n); err != nil {
		return 0, err
	}

	// The old epilogue header becomes the header of the new block.
	bp = off
	if err = a.writeBlock(bp, n, false); err != nil {
		return 0, err
	}

	if err = a.putw(off+n-wSize, pack(0, true)); err != nil {
		return 0, err
	}

	return a.link(bp)
}

// link inserts the block at bp, whose header and footer are already marked
// free, into the address ordered free list, first merging it with its
// physically adjacent free neighbours. The head of the list is repositioned
// to the surviving block, which is returned.
//
// Inserting a block which is already in the list is reported as ErrDupInsert
// without modifying the list.
func (a *Allocator) link(bp int64) (sv int64, err error) {
	var size int64
	if size, _, err = a.hdr(bp); err != nil {
		return 0, err
	}

	if a.flh == 0 {
		if err = a.setNextFree(bp, bp); err != nil {
			return 0, err
		}

		if err = a.setPrevFree(bp, bp); err != nil {
			return 0, err
		}

		a.flh = bp
		a.punchLeak(bp, size)
		return bp, nil
	}

	var c, n int64
	if c, n, err = a.findGap(bp); err != nil {
		return 0, err
	}

	var csize, nsize int64
	if csize, _, err = a.hdr(c); err != nil {
		return 0, err
	}

	if nsize, _, err = a.hdr(n); err != nil {
		return 0, err
	}

	left := c+csize == bp
	right := n > bp && bp+size == n

	switch {
	case left && right:
		// <- three way join ->
		if err = a.unlink(n); err != nil {
			return 0, err
		}

		size += csize + nsize
		if err = a.writeBlock(c, size, false); err != nil {
			return 0, err
		}

		a.flh = c
		sv = c
	case left:
		// <- left join
		size += csize
		if err = a.writeBlock(c, size, false); err != nil {
			return 0, err
		}

		a.flh = c
		sv = c
	case right:
		// right join ->
		if err = a.unlink(n); err != nil {
			return 0, err
		}

		size += nsize
		if err = a.writeBlock(bp, size, false); err != nil {
			return 0, err
		}

		if err = a.insert(bp); err != nil {
			return 0, err
		}

		sv = bp
	default:
		// isolated
		if err = a.splice(bp, c, n); err != nil {
			return 0, err
		}

		a.flh = bp
		sv = bp
	}

	a.punchLeak(sv, size)
	return sv, nil
}

// insert links the block at bp into the address ordered list with no
// coalescing and repositions the head to it.
func (a *Allocator) insert(bp int64) (err error) {
	if a.flh == 0 {
		if err = a.setNextFree(bp, bp); err != nil {
			return err
		}

		if err = a.setPrevFree(bp, bp); err != nil {
			return err
		}

		a.flh = bp
		return nil
	}

	var c, n int64
	if c, n, err = a.findGap(bp); err != nil {
		return err
	}

	if err = a.splice(bp, c, n); err != nil {
		return err
	}

	a.flh = bp
	return nil
}

// findGap returns the list neighbours (c, n == next(c)) the offset bp sorts
// between. For a sane address ordered circular list exactly one such pair
// exists for any bp not already on the list.
func (a *Allocator) findGap(bp int64) (c, n int64, err error) {
	lim := a.h.Size() / minBlock
	c = a.flh
	for {
		if n, err = a.nextFree(c); err != nil {
			return 0, 0, err
		}

		if bp == c || bp == n {
			return 0, 0, &ErrILSEQ{Type: ErrDupInsert, Off: bp}
		}

		if c < bp && bp < n || c >= n && (bp > c || bp < n) {
			return c, n, nil
		}

		c = n
		if c == a.flh {
			return 0, 0, &ErrILSEQ{Type: ErrListUnordered, Off: bp}
		}

		if lim--; lim < 0 {
			return 0, 0, &ErrILSEQ{Type: ErrListCycle, Off: c}
		}
	}
}

// splice links bp between the adjacent list nodes c and n.
func (a *Allocator) splice(bp, c, n int64) (err error) {
	if err = a.setNextFree(c, bp); err != nil {
		return err
	}

	if err = a.setPrevFree(bp, c); err != nil {
		return err
	}

	if err = a.setNextFree(bp, n); err != nil {
		return err
	}

	return a.setPrevFree(n, bp)
}

// unlink removes the block at bp from the free list. Unlinking the last
// node empties the list; unlinking the head advances it to the successor.
func (a *Allocator) unlink(bp int64) (err error) {
	var n int64
	if n, err = a.nextFree(bp); err != nil {
		return err
	}

	if n == bp { // last node
		a.flh = 0
		return nil
	}

	var p int64
	if p, err = a.prevFree(bp); err != nil {
		return err
	}

	if err = a.setNextFree(p, n); err != nil {
		return err
	}

	if err = a.setPrevFree(n, p); err != nil {
		return err
	}

	if a.flh == bp {
		a.flh = n
	}
	return nil
}

// punchLeak releases, best effort, the backing store of a large free
// block's leak area, keeping the header, the link words and the footer.
func (a *Allocator) punchLeak(bp, size int64) {
	if a.hp == nil || size < punchThreshold {
		return
	}

	off := bp + 2*wSize
	end := bp + size - blkOverhead
	if end > off {
		a.hp.PunchHole(off, end-off)
	}
}

func (a *Allocator) hdr(p int64) (size int64, allocated bool, err error) {
	var w uint32
	if w, err = a.getw(p - wSize); err != nil {
		return 0, false, err
	}

	size, allocated = unpack(w)
	return size, allocated, nil
}

// writeBlock writes the header and footer of the block with payload offset
// p.
func (a *Allocator) writeBlock(p, size int64, allocated bool) (err error) {
	w := pack(size, allocated)
	if err = a.putw(p-wSize, w); err != nil {
		return err
	}

	return a.putw(p+size-blkOverhead, w)
}

func (a *Allocator) nextFree(p int64) (int64, error) {
	w, err := a.getw(p)
	return int64(w), err
}

func (a *Allocator) prevFree(p int64) (int64, error) {
	w, err := a.getw(p + wSize)
	return int64(w), err
}

func (a *Allocator) setNextFree(p, n int64) error {
	return a.putw(p, uint32(n))
}

func (a *Allocator) setPrevFree(p, q int64) error {
	return a.putw(p+wSize, uint32(q))
}

func (a *Allocator) getw(off int64) (uint32, error) {
	var b [wSize]byte
	if err := a.read(b[:], off); err != nil {
		return 0, err
	}

	return b2w(b[:]), nil
}

func (a *Allocator) putw(off int64, w uint32) error {
	var b [wSize]byte
	return a.writeAt(w2b(b[:], w), off)
}

func (a *Allocator) writeAt(b []byte, off int64) (err error) {
	var n int
	if n, err = a.h.WriteAt(b, off); err != nil {
		return err
	}

	if n != len(b) {
		err = io.ErrShortWrite
	}
	return err
}

func (a *Allocator) read(b []byte, off int64) (err error) {
	if rn, err := a.h.ReadAt(b, off); rn != len(b) {
		return &ErrILSEQ{Type: ErrOther, Off: off, More: err}
	}

	return nil
}

// Check walks the whole heap and the free list validating every structural
// invariant the allocator maintains, reporting violations to os.Stderr.
// When verbose, a one line summary of the heap is printed even on success.
// Check does not modify any state. The last violation reported is also
// returned.
func (a *Allocator) Check(verbose bool) (err error) {
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
			"walloc: heap %d bytes, %d allocated blocks (%d bytes), %d free blocks (%d bytes), free list length %d\n",
			st.TotalBytes, st.AllocBlocks, st.AllocBytes, st.FreeBlocks, st.FreeBytes, st.ListLen,
		)
	}
	return nil
}
