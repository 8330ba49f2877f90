// Copyright 2017 The Walloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Structural verification of a heap.

package walloc

import (
	"sort"

	"modernc.org/sortutil"
)

// Stats records statistics about a heap. It can be optionally filled by
// Verify, if successful. Block byte counts include the header and footer
// overhead.
type Stats struct {
	TotalBytes  int64 // the heap break
	AllocBlocks int64 // number of allocated blocks
	AllocBytes  int64 // bytes in allocated blocks
	FreeBlocks  int64 // number of free blocks
	FreeBytes   int64 // bytes in free blocks
	ListLen     int64 // nodes on the free list
}

var nolog = func(error) bool { return false }

// Verify attempts to find any structural errors in the heap wrt the
// organization of it as defined by Allocator. Any problems found are
// reported to 'log' except non verify related errors like heap read fails.
// If 'log' returns false or the error doesn't allow to (reliably) continue,
// the verification process is stopped and an error is returned from the
// Verify function. Passing a nil log works like providing a log function
// always returning false.
//
// The checks performed are
//
//	- the key word at the heap base is intact
//	- the prologue block is 8 bytes and marked allocated
//	- walking blocks forward from the prologue reaches the epilogue
//	  exactly, every visited block has a properly sized, aligned header
//	  carrying the same value as its footer
//	- no two physically adjacent blocks are both free
//	- every free list node is a free block, the list's prev/next linkage
//	  is symmetric, the walk terminates within the free block count and
//	  the node offsets are ascending modulo the head position
//	- every free block is on the free list
//
// Statistics are returned via 'stats' if non nil. The statistics are valid
// only if Verify succeeded, ie. it didn't report anything to log and it
// returned a nil error.
func (a *Allocator) Verify(log func(error) bool, stats *Stats) (err error) {
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

	// Phase 1 - walk the blocks from the prologue to the epilogue checking
	// boundaries, alignment and header/footer agreement.
	var st Stats
	st.TotalBytes = fsz
	free := map[int64]int64{}
	prevFree := int64(0)
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
		case size < minBlock || size%dSize != 0 || p+size > fsz:
			err = &ErrILSEQ{Type: ErrBlkSize, Off: p, Arg: size}
			log(err)
			return err
		case p%dSize != 0:
			err = &ErrILSEQ{Type: ErrPayloadAlign, Off: p}
			log(err)
			return err
		}

		var f uint32
		if f, err = a.getw(p + size - blkOverhead); err != nil {
			return err
		}

		if f != w {
			err = &ErrILSEQ{Type: ErrHdrFtrMismatch, Off: p, Arg: int64(w), Arg2: int64(f)}
			log(err)
			return err
		}

		switch {
		case allocated:
			st.AllocBlocks++
			st.AllocBytes += size
			prevFree = 0
		default:
			if prevFree != 0 {
				err = &ErrILSEQ{Type: ErrAdjacentFree, Off: prevFree, Arg: p}
				log(err)
				return err
			}

			free[p] = size
			st.FreeBlocks++
			st.FreeBytes += size
			prevFree = p
		}

		p += size
	}

	// Phase 2 - walk the free list checking membership, chaining and
	// ordering.
	inList := map[int64]bool{}
	if a.flh != 0 {
		var nodes []int64
		c := a.flh
		for {
			if _, ok := free[c]; !ok {
				err = &ErrILSEQ{Type: ErrInListNotFree, Off: c}
				log(err)
				return err
			}

			inList[c] = true
			nodes = append(nodes, c)
			if len(nodes) > len(free) {
				err = &ErrILSEQ{Type: ErrListCycle, Off: c}
				log(err)
				return err
			}

			var n, q int64
			if n, err = a.nextFree(c); err != nil {
				return err
			}

			if q, err = a.prevFree(n); err != nil {
				return err
			}

			if q != c {
				err = &ErrILSEQ{Type: ErrListChaining, Off: n, Arg: c, Arg2: q}
				log(err)
				return err
			}

			if n == a.flh {
				break
			}

			c = n
		}

		// Ascending offsets with exactly one wrap around, wherever the
		// head happens to be.
		descents := 0
		for i, v := range nodes {
			if nodes[(i+1)%len(nodes)] <= v {
				descents++
			}
		}
		if descents != 1 {
			err = &ErrILSEQ{Type: ErrListUnordered, Off: a.flh}
			log(err)
			return err
		}

		st.ListLen = int64(len(nodes))
	}

	// Phase 3 - every free block found by the walk must have been seen on
	// the list.
	if len(inList) != len(free) {
		lost := make(sortutil.Int64Slice, 0, len(free)-len(inList))
		for q := range free {
			if !inList[q] {
				lost = append(lost, q)
			}
		}
		sort.Sort(lost)
		for _, q := range lost {
			err = &ErrILSEQ{Type: ErrFreeNotInList, Off: q}
			if !log(err) {
				return err
			}
		}
		return err
	}

	if stats != nil {
		*stats = st
	}
	return nil
}
