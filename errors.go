// Copyright 2017 The Walloc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Error types the package produces.

package walloc

import (
	"fmt"
)

// ErrINVAL reports invalid arguments passed to a function or method. The
// public API methods of Allocator return it, for example, for a nil offset
// passed to Free or for an attempt to free an already free block.
type ErrINVAL struct {
	Src string
	Val interface{}
}

// Error implements the built in error type.
func (e *ErrINVAL) Error() string {
	return fmt.Sprintf("%s: %v", e.Src, e.Val)
}

// ErrPERM is for operations which are not permitted, like writing beyond the
// current heap break.
type ErrPERM struct {
	Src string
}

// Error implements the built in error type.
func (e *ErrPERM) Error() string {
	return fmt.Sprintf("%s: operation not permitted", e.Src)
}

// ErrNOMEM reports a refused heap growth. Rq is the size of the rejected
// request in bytes.
type ErrNOMEM struct {
	Src string
	Rq  int64
}

// Error implements the built in error type.
func (e *ErrNOMEM) Error() string {
	return fmt.Sprintf("%s: out of memory, requested %d bytes", e.Src, e.Rq)
}

// ErrType is the type of an ErrILSEQ.
type ErrType int

// ErrILSEQ types
const (
	ErrOther ErrType = iota

	ErrAdjacentFree     // Adjacent free blocks (.Off and .Arg)
	ErrBlkSize          // Block size is invalid (.Off, size .Arg)
	ErrDupInsert        // Block is already in the free list (.Off)
	ErrEpilogue         // Forward walk did not reach a valid epilogue (.Off)
	ErrExpFree          // Expected a free block (.Off)
	ErrFreeNotInList    // Block marked free is missing from the free list (.Off)
	ErrHdrFtrMismatch   // Header and footer of a block differ (.Off, header .Arg, footer .Arg2)
	ErrHeapSize         // Heap break is not properly aligned (.Arg)
	ErrInListNotFree    // Free list node is not a free block (.Off)
	ErrKey              // Invalid key word at the heap base (.Arg)
	ErrListChaining     // Broken prev <-> next linkage (.Off, expected .Arg, got .Arg2)
	ErrListCycle        // Free list walk did not terminate within the block count (.Off)
	ErrListUnordered    // Free list is not address ordered (.Off)
	ErrPayloadAlign     // Payload is not properly aligned (.Off)
	ErrPrologue         // Invalid prologue block (.Off)
)

// ErrILSEQ reports a corrupted heap structure. Err type diagnostics are
// returned by Verify and by any operation detecting an inconsistency it
// cannot proceed through.
type ErrILSEQ struct {
	Type ErrType
	Off  int64
	Arg  int64
	Arg2 int64
	More interface{}
}

// Error implements the built in error type.
func (e *ErrILSEQ) Error() string {
	switch e.Type {
	case ErrAdjacentFree:
		return fmt.Sprintf("adjacent free blocks at offset %#x and %#x", e.Off, e.Arg)
	case ErrBlkSize:
		return fmt.Sprintf("invalid block size %d at offset %#x", e.Arg, e.Off)
	case ErrDupInsert:
		return fmt.Sprintf("block at offset %#x is already in the free list", e.Off)
	case ErrEpilogue:
		return fmt.Sprintf("heap walk did not reach a valid epilogue, stopped at offset %#x", e.Off)
	case ErrExpFree:
		return fmt.Sprintf("expected a free block at offset %#x", e.Off)
	case ErrFreeNotInList:
		return fmt.Sprintf("free block at offset %#x is not in the free list", e.Off)
	case ErrHdrFtrMismatch:
		return fmt.Sprintf("block at offset %#x: header %#x != footer %#x", e.Off, e.Arg, e.Arg2)
	case ErrHeapSize:
		return fmt.Sprintf("heap break %#x is not a multiple of the alignment quantum", e.Arg)
	case ErrInListNotFree:
		return fmt.Sprintf("free list node at offset %#x is not a free block", e.Off)
	case ErrKey:
		return fmt.Sprintf("invalid key word %#x at the heap base", e.Arg)
	case ErrListChaining:
		return fmt.Sprintf("broken free list chaining at offset %#x: expected prev %#x, got %#x", e.Off, e.Arg, e.Arg2)
	case ErrListCycle:
		return fmt.Sprintf("free list walk from offset %#x did not terminate", e.Off)
	case ErrListUnordered:
		return fmt.Sprintf("free list is not address ordered at offset %#x", e.Off)
	case ErrPayloadAlign:
		return fmt.Sprintf("misaligned payload at offset %#x", e.Off)
	case ErrPrologue:
		return fmt.Sprintf("invalid prologue block at offset %#x", e.Off)
	}

	more := ""
	if e.More != nil {
		more = fmt.Sprintf(", %v", e.More)
	}
	off := ""
	if e.Off != 0 {
		off = fmt.Sprintf(", off: %#x", e.Off)
	}
	return fmt.Sprintf("error%s%s", off, more)
}
