// Copyright 2017 The Walloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// An abstraction of a contiguous, monotonically growing byte region.

package walloc

import (
	"io"
)

// A Heap is a flat, contiguous byte region [0, Size()) which can only grow.
// It is the sbrk-like collaborator the Allocator manages blocks on. ReadAt
// and WriteAt are always addressed by an absolute offset and are assumed to
// perform atomically. A Heap is not safe for concurrent access; it is
// designed for consumption by a single Allocator from one goroutine only.
//
// A Heap never shrinks. There is intentionally no Truncate; once the break
// has moved it stays moved for the lifetime of the heap.
type Heap interface {
	// Grow extends the region by exactly n bytes, n > 0, and returns the
	// offset of the first newly added byte, ie. the old break. The new
	// bytes read as zeros until written. If the request cannot be
	// satisfied, Grow returns an error and the region is left unchanged.
	Grow(n int64) (off int64, err error)

	// ReadAt reads len(b) bytes starting at absolute offset off. As
	// io.ReaderAt.ReadAt.
	ReadAt(b []byte, off int64) (n int, err error)

	// Size returns the current break, ie. the number of bytes in the
	// region.
	Size() int64

	// WriteAt writes len(b) bytes starting at absolute offset off. The
	// whole of b must fall below the current break. As
	// io.WriterAt.WriteAt.
	WriteAt(b []byte, off int64) (n int, err error)
}

// A HolePuncher is a Heap which can additionally release the backing store
// of a byte range while keeping the break and the range's addressability
// intact. The Size of the heap does not change when hole punching. In
// contrast to the Linux implementation of FALLOC_FL_PUNCH_HOLE in
// fallocate(2), a Heap is free to ignore PunchHole (implement it as a nop),
// and no guarantees about the content of the hole, when eventually read
// back, are required.
//
// The Allocator uses PunchHole, when available, on the leak area of large
// coalesced free blocks.
type HolePuncher interface {
	PunchHole(off, size int64) error
}

var (
	_ io.ReaderAt = Heap(nil)
	_ io.WriterAt = Heap(nil)
)
