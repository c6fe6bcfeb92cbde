//go:build linux && arm

package v4l2

import "unsafe"

// Compile-time struct size assertions for 32-bit ARM with a 32-bit time_t.
// The format union and the buffer timestamp shrink relative to 64-bit.
var (
	_ [104]byte = [unsafe.Sizeof(v4l2Capability{})]byte{}
	_ [64]byte  = [unsafe.Sizeof(v4l2Fmtdesc{})]byte{}
	_ [44]byte  = [unsafe.Sizeof(v4l2Frmsizeenum{})]byte{}
	_ [52]byte  = [unsafe.Sizeof(v4l2Frmivalenum{})]byte{}
	_ [204]byte = [unsafe.Sizeof(v4l2Format{})]byte{}
	_ [20]byte  = [unsafe.Sizeof(v4l2RequestBuffers{})]byte{}
	_ [68]byte  = [unsafe.Sizeof(v4l2Buffer{})]byte{}
	_ [8]byte   = [unsafe.Sizeof(v4l2Control{})]byte{}
	_ [24]byte  = [unsafe.Sizeof(dmaHeapAllocationData{})]byte{}
)
