// Copyright 2017 The Walloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// A memory-only implementation of Heap.

package walloc

import (
	"bytes"
	"io"

	"modernc.org/mathutil"
)

const (
	pgBits = 12
	pgSize = 1 << pgBits
	pgMask = pgSize - 1
)

// Ensure MemHeap is a hole punching Heap.
var (
	_ Heap        = &MemHeap{}
	_ HolePuncher = &MemHeap{}
)

type memHeapMap map[int64]*[pgSize]byte

// MemHeap is a memory backed Heap. Pages are allocated lazily on first
// write; unwritten ranges and the whole pages dropped by PunchHole read as
// zeros. MemHeap is not
// automatically persistent, but it has ReadFrom and WriteTo methods and
// snappy compressed Snapshot/RestoreSnapshot variants of them.
type MemHeap struct {
	limit int64
	m     memHeapMap
	size  int64
}

// NewMemHeap returns a new MemHeap. If limit is non zero then Grow refuses
// to move the break beyond limit bytes, which models an exhaustible backing
// store.
func NewMemHeap(limit int64) *MemHeap {
	return &MemHeap{limit: limit, m: memHeapMap{}}
}

// Grow implements Heap.
func (f *MemHeap) Grow(n int64) (off int64, err error) {
	if n <= 0 {
		return 0, &ErrINVAL{"MemHeap.Grow: size", n}
	}

	if f.limit != 0 && f.size+n > f.limit {
		return 0, &ErrNOMEM{"MemHeap.Grow", n}
	}

	off = f.size
	f.size += n
	return off, nil
}

// PunchHole implements HolePuncher. Only whole pages fully inside
// [off, off+size) are dropped.
func (f *MemHeap) PunchHole(off, size int64) (err error) {
	if off < 0 {
		return &ErrINVAL{"MemHeap.PunchHole: off", off}
	}

	if size < 0 || off+size > f.size {
		return &ErrINVAL{"MemHeap.PunchHole: size", size}
	}

	// Only pages fully covered by [off, off+size) may be dropped; a block
	// footer can sit right behind the punched range.
	first := (off + pgMask) >> pgBits
	last := (off + size) >> pgBits
	for pg := first; pg < last; pg++ {
		delete(f.m, pg)
	}
	return nil
}

var zeroPage [pgSize]byte

// ReadAt implements Heap.
func (f *MemHeap) ReadAt(b []byte, off int64) (n int, err error) {
	avail := f.size - off
	pgI := off >> pgBits
	pgO := int(off & pgMask)
	rem := len(b)
	if int64(rem) > avail {
		rem = int(avail)
		err = io.EOF
	}
	for rem != 0 && avail > 0 {
		pg := f.m[pgI]
		if pg == nil {
			pg = &zeroPage
		}
		nc := copy(b[:mathutil.Min(rem, pgSize)], pg[pgO:])
		pgI++
		pgO = 0
		rem -= nc
		n += nc
		b = b[nc:]
	}
	return n, err
}

// ReadFrom is a helper to populate MemHeap's content from r. It discards any
// previous content and resets the break to the number of bytes read, which
// is reported in n.
func (f *MemHeap) ReadFrom(r io.Reader) (n int64, err error) {
	f.m = memHeapMap{}
	f.size = 0

	var (
		b   [pgSize]byte
		rn  int
		off int64
	)

	var rerr error
	for rerr == nil {
		if rn, rerr = r.Read(b[:]); rn != 0 {
			f.size = off + int64(rn)
			f.writeAt(b[:rn], off)
			off += int64(rn)
			n += int64(rn)
		}
	}
	if rerr != io.EOF {
		err = rerr
	}
	return n, err
}

// Size implements Heap.
func (f *MemHeap) Size() int64 {
	return f.size
}

// WriteAt implements Heap.
func (f *MemHeap) WriteAt(b []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, &ErrINVAL{"MemHeap.WriteAt: off", off}
	}

	if off+int64(len(b)) > f.size {
		return 0, &ErrPERM{"MemHeap.WriteAt: beyond break"}
	}

	return f.writeAt(b, off)
}

func (f *MemHeap) writeAt(b []byte, off int64) (n int, err error) {
	pgI := off >> pgBits
	pgO := int(off & pgMask)
	n = len(b)
	rem := n
	var nc int
	for rem != 0 {
		if pgO == 0 && rem >= pgSize && bytes.Equal(b[:pgSize], zeroPage[:]) {
			delete(f.m, pgI)
			nc = pgSize
		} else {
			pg := f.m[pgI]
			if pg == nil {
				pg = new([pgSize]byte)
				f.m[pgI] = pg
			}
			nc = copy((*pg)[pgO:], b)
		}
		pgI++
		pgO = 0
		rem -= nc
		b = b[nc:]
	}
	return n, nil
}

// WriteTo is a helper to copy/persist MemHeap's content to w. 'n' reports
// the number of bytes written to 'w'.
func (f *MemHeap) WriteTo(w io.Writer) (n int64, err error) {
	var (
		b    [pgSize]byte
		wn   int
		rn   int
		off  int64
		rerr error
	)

	for rerr == nil {
		if rn, rerr = f.ReadAt(b[:], off); rn != 0 {
			off += int64(rn)
			var werr error
			if wn, werr = w.Write(b[:rn]); werr != nil {
				return n, werr
			}

			n += int64(wn)
		}
	}
	if rerr != io.EOF {
		err = rerr
	}
	return n, err
}
