//go:build linux

// Package v4l2 provides pure Go bindings to the Video4Linux2 (V4L2) API
// for device enumeration, format queries and streaming capture.
//
// This package does not use cgo, enabling simple cross-compilation for
// different Linux architectures (amd64, arm64, arm).
//
// # Device Enumeration
//
// Use FindDevices to discover all V4L2 video capture devices:
//
//	devices, err := v4l2.FindDevices()
//	for _, dev := range devices {
//	    fmt.Printf("%s: %s\n", dev.DevicePath, dev.DeviceName)
//	}
//
// # Streaming Capture
//
// OpenCaptureDevice negotiates a format, requests buffers and queues all of
// them. Buffers are either driver memory mapped into the process
// (MemoryMMAP) or DMA heap allocations imported as dma-bufs (MemoryDMABuf):
//
//	dev, err := v4l2.OpenCaptureDevice(v4l2.CaptureConfig{
//	    Path:       "/dev/video0",
//	    NumBuffers: 8,
//	    Memory:     v4l2.MemoryDMABuf,
//	})
//	defer dev.Close()
//	dev.StreamOn()
//	buf, err := dev.Dequeue()
//	// read buf.Data
//	dev.Enqueue(buf.Index)
//
// Each buffer slot is owned either by the driver or by the caller. Dequeue
// hands a slot to the caller; Enqueue hands it back. Enqueueing a slot the
// caller does not hold returns ErrSlotNotOwned.
//
// # Sub-device Controls
//
// Sensor bring-up happens on sub-device nodes:
//
//	v4l2.SetControl("/dev/v4l-subdev0", v4l2.CIDVFlip, 1)
package v4l2
