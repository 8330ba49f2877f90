// Copyright 2017 The Walloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// A basic os.File backed Heap.

package walloc

import (
	"os"

	"modernc.org/fileutil"
)

// Ensure FileHeap is a hole punching Heap.
var (
	_ Heap        = &FileHeap{}
	_ HolePuncher = &FileHeap{}
)

// FileHeap is an os.File backed Heap intended for use where the heap image
// should survive the process or where it is too big to keep in memory. It
// performs no write ahead logging or journaling of any kind; an abruptly
// terminated process can leave a torn heap image behind.
type FileHeap struct {
	file *os.File
	size int64
}

// NewFileHeap returns a new FileHeap backed by f. The file must be empty;
// reopening an existing heap image is not supported as the Allocator's free
// list head is not persisted.
func NewFileHeap(f *os.File) (*FileHeap, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	if fi.Size() != 0 {
		return nil, &ErrINVAL{"NewFileHeap: non empty file", fi.Size()}
	}

	return &FileHeap{file: f}, nil
}

// Grow implements Heap.
func (f *FileHeap) Grow(n int64) (off int64, err error) {
	if n <= 0 {
		return 0, &ErrINVAL{"FileHeap.Grow: size", n}
	}

	if err = f.file.Truncate(f.size + n); err != nil {
		return 0, &ErrNOMEM{"FileHeap.Grow", n}
	}

	off = f.size
	f.size += n
	return off, nil
}

// Name returns the name of the backing file.
func (f *FileHeap) Name() string {
	return f.file.Name()
}

// PunchHole implements HolePuncher.
func (f *FileHeap) PunchHole(off, size int64) (err error) {
	if off < 0 {
		return &ErrINVAL{"FileHeap.PunchHole: off", off}
	}

	if size < 0 || off+size > f.size {
		return &ErrINVAL{"FileHeap.PunchHole: size", size}
	}

	return fileutil.PunchHole(f.file, off, size)
}

// ReadAt implements Heap.
func (f *FileHeap) ReadAt(b []byte, off int64) (n int, err error) {
	return f.file.ReadAt(b, off)
}

// Size implements Heap.
func (f *FileHeap) Size() int64 {
	return f.size
}

// Sync commits the current contents of the backing file to stable storage.
func (f *FileHeap) Sync() error {
	return f.file.Sync()
}

// WriteAt implements Heap.
func (f *FileHeap) WriteAt(b []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, &ErrINVAL{"FileHeap.WriteAt: off", off}
	}

	if off+int64(len(b)) > f.size {
		return 0, &ErrPERM{"FileHeap.WriteAt: beyond break"}
	}

	return f.file.WriteAt(b, off)
}
