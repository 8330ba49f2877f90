// Copyright 2017 The Walloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Compressed heap image dumps.

package walloc

import (
	"io"

	"github.com/golang/snappy"
)

// Snapshot writes a snappy compressed image of the heap to w. 'n' reports
// the number of uncompressed bytes written, ie. the heap break at the time
// of the call. Snapshots of corrupted heaps taken by test harnesses before
// and after a failing operation are the intended use.
func (f *MemHeap) Snapshot(w io.Writer) (n int64, err error) {
	zw := snappy.NewBufferedWriter(w)
	if n, err = f.WriteTo(zw); err != nil {
		zw.Close()
		return n, err
	}

	return n, zw.Close()
}

// RestoreSnapshot replaces the heap content with the image read from r,
// which must have been produced by Snapshot. 'n' reports the number of
// uncompressed bytes read, ie. the restored heap break.
func (f *MemHeap) RestoreSnapshot(r io.Reader) (n int64, err error) {
	return f.ReadFrom(snappy.NewReader(r))
}
