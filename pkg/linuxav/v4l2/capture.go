//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// CaptureConfig describes how OpenCaptureDevice sets up a device.
type CaptureConfig struct {
	Path       string
	NumBuffers int
	Memory     MemoryType
	// Size requests an explicit Y12P image size. When nil the driver's
	// current format is accepted as is.
	Size *Size
	// HeapPath is the DMA heap used with MemoryDMABuf. Defaults to
	// DefaultHeapPath.
	HeapPath string
	Logger   *slog.Logger
}

// Buffer is a filled capture buffer handed to the caller by Dequeue. Data
// aliases kernel-shared memory and is valid until the buffer is enqueued or
// the device is closed.
type Buffer struct {
	Index     int
	Data      []byte
	BytesUsed int
	Sequence  uint32
	// Timestamp is the wall-clock time the buffer was dequeued.
	Timestamp time.Time
	// KernelTime is the driver's capture time on CLOCK_MONOTONIC, i.e.
	// time since boot.
	KernelTime time.Duration
}

// NoBuffer is the Index of a Buffer that carries no slot.
const NoBuffer = -1

type slotOwner uint8

const (
	ownedByKernel slotOwner = iota
	ownedByCaller
)

// CaptureDevice owns a V4L2 capture node and the buffer pool behind it.
//
// The device starts out configured with every buffer queued. StreamOn and
// StreamOff move it in and out of streaming; Dequeue and Enqueue hand
// buffers between the driver and the caller. Calls must be serialised by the
// caller.
type CaptureDevice struct {
	noCopy noCopy

	k         kernel
	fd        int
	path      string
	memory    MemoryType
	format    ImageFormat
	pool      BufferPool
	owner     []slotOwner
	requested bool
	streaming bool
	closed    bool
	logger    *slog.Logger
}

// OpenCaptureDevice opens and configures a capture device. Any failure
// releases everything acquired so far.
func OpenCaptureDevice(cfg CaptureConfig) (*CaptureDevice, error) {
	return openCaptureDevice(defaultKernel, cfg)
}

func openCaptureDevice(k kernel, cfg CaptureConfig) (*CaptureDevice, error) {
	if cfg.Path == "" {
		return nil, errors.New("capture device path is empty")
	}
	if cfg.NumBuffers <= 0 {
		return nil, fmt.Errorf("invalid buffer count %d", cfg.NumBuffers)
	}
	if cfg.HeapPath == "" {
		cfg.HeapPath = DefaultHeapPath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.With("component", "linuxav")
	}

	fd, err := k.Open(cfg.Path, unix.O_RDWR|unix.O_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}

	d := &CaptureDevice{
		k:      k,
		fd:     fd,
		path:   cfg.Path,
		memory: cfg.Memory,
		logger: logger.With("device", cfg.Path),
	}
	if err := d.configure(cfg); err != nil {
		return nil, errors.Join(fmt.Errorf("%s: %w", cfg.Path, err), d.release())
	}

	d.logger.Debug("capture device configured",
		"format", d.format.String(),
		"buffers", cfg.NumBuffers,
		"memory", cfg.Memory.String())
	return d, nil
}

func (d *CaptureDevice) configure(cfg CaptureConfig) error {
	if err := d.checkCapabilities(); err != nil {
		return err
	}
	if err := d.negotiateFormat(cfg.Size); err != nil {
		return err
	}

	req := v4l2RequestBuffers{
		count:  uint32(cfg.NumBuffers),
		typ:    bufTypeVideoCapture,
		memory: d.memory.v4l2(),
	}
	if err := xioctl(d.k, d.fd, vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("VIDIOC_REQBUFS %d: %w", cfg.NumBuffers, err)
	}
	d.requested = true
	if int(req.count) != cfg.NumBuffers {
		return fmt.Errorf("driver granted %d buffers, requested %d", req.count, cfg.NumBuffers)
	}

	var err error
	switch d.memory {
	case MemoryMMAP:
		d.pool, err = newMappedPool(d.k, d.fd, cfg.NumBuffers)
	case MemoryDMABuf:
		d.pool, err = newHeapPool(d.k, cfg.HeapPath, cfg.NumBuffers, int(d.format.SizeImage))
	default:
		err = fmt.Errorf("unsupported memory type %v", d.memory)
	}
	if err != nil {
		return err
	}

	d.owner = make([]slotOwner, cfg.NumBuffers)
	for i := range d.owner {
		d.owner[i] = ownedByCaller
	}
	for i := range d.owner {
		if err := d.Enqueue(i); err != nil {
			return err
		}
	}
	return nil
}

func (d *CaptureDevice) checkCapabilities() error {
	var c v4l2Capability
	if err := xioctl(d.k, d.fd, vidiocQuerycap, unsafe.Pointer(&c)); err != nil {
		return fmt.Errorf("VIDIOC_QUERYCAP: %w", err)
	}
	caps := effectiveCaps(&c)
	if caps&capVideoCapture == 0 {
		return errors.New("device does not support video capture")
	}
	if caps&capStreaming == 0 {
		return errors.New("device does not support streaming I/O")
	}
	return nil
}

func (d *CaptureDevice) negotiateFormat(size *Size) error {
	f := v4l2Format{typ: bufTypeVideoCapture}
	pix := f.pix()
	if size != nil {
		pix.width = size.Width
		pix.height = size.Height
		pix.pixelformat = PixFmtY12P
		pix.field = fieldAny
		pix.colorspace = colorspaceDefault
		if err := xioctl(d.k, d.fd, vidiocTryFmt, unsafe.Pointer(&f)); err != nil {
			return fmt.Errorf("VIDIOC_TRY_FMT %dx%d: %w", size.Width, size.Height, err)
		}
	} else if err := xioctl(d.k, d.fd, vidiocGFmt, unsafe.Pointer(&f)); err != nil {
		return fmt.Errorf("VIDIOC_G_FMT: %w", err)
	}

	if err := xioctl(d.k, d.fd, vidiocSFmt, unsafe.Pointer(&f)); err != nil {
		return fmt.Errorf("VIDIOC_S_FMT: %w", err)
	}
	if pix.sizeimage == 0 {
		return fmt.Errorf("format %s reports zero sizeimage", FormatFourCC(pix.pixelformat))
	}
	if pix.bytesperline == 0 {
		return fmt.Errorf("format %s reports zero bytesperline", FormatFourCC(pix.pixelformat))
	}
	d.format = ImageFormat{
		Width:        pix.width,
		Height:       pix.height,
		BytesPerLine: pix.bytesperline,
		SizeImage:    pix.sizeimage,
		PixelFormat:  pix.pixelformat,
	}
	return nil
}

// StreamOn starts capture.
func (d *CaptureDevice) StreamOn() error {
	if d.closed {
		return ErrClosed
	}
	if d.streaming {
		return ErrAlreadyStreaming
	}
	typ := int32(bufTypeVideoCapture)
	if err := xioctl(d.k, d.fd, vidiocStreamon, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMON: %w", err)
	}
	d.streaming = true
	return nil
}

// StreamOff stops capture. The driver drops every queued buffer on
// STREAMOFF; slots that were kernel-owned are queued again so a later
// StreamOn resumes with the same set. Caller-owned slots stay with the
// caller.
func (d *CaptureDevice) StreamOff() error {
	if d.closed {
		return ErrClosed
	}
	if !d.streaming {
		return ErrNotStreaming
	}
	typ := int32(bufTypeVideoCapture)
	if err := xioctl(d.k, d.fd, vidiocStreamoff, unsafe.Pointer(&typ)); err != nil {
		return fmt.Errorf("VIDIOC_STREAMOFF: %w", err)
	}
	d.streaming = false

	var errs []error
	for i, o := range d.owner {
		if o != ownedByKernel {
			continue
		}
		if err := d.qbuf(i, d.pool.Token(i)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WaitReady polls the device until a filled buffer is available or the
// timeout expires. A negative timeout waits forever.
func (d *CaptureDevice) WaitReady(timeout time.Duration) (bool, error) {
	if d.closed {
		return false, ErrClosed
	}
	if !d.streaming {
		return false, ErrNotStreaming
	}
	ready, err := d.k.Poll(d.fd, timeout)
	if err != nil {
		return false, fmt.Errorf("poll %s: %w", d.path, err)
	}
	return ready, nil
}

// Dequeue blocks until the driver fills a buffer and hands it to the caller.
// When the driver released a slot but CPU access could not start, the error
// comes with that slot's Index; the caller owns it and must Enqueue it.
// Every other error carries NoBuffer.
func (d *CaptureDevice) Dequeue() (Buffer, error) {
	if d.closed {
		return Buffer{Index: NoBuffer}, ErrClosed
	}
	if !d.streaming {
		return Buffer{Index: NoBuffer}, ErrNotStreaming
	}

	b := v4l2Buffer{
		typ:    bufTypeVideoCapture,
		memory: d.memory.v4l2(),
	}
	if err := xioctl(d.k, d.fd, vidiocDqbuf, unsafe.Pointer(&b)); err != nil {
		return Buffer{Index: NoBuffer}, fmt.Errorf("VIDIOC_DQBUF: %w", err)
	}
	now := time.Now()
	index := int(b.index)
	if index < 0 || index >= len(d.owner) {
		return Buffer{Index: NoBuffer}, fmt.Errorf("driver returned buffer %d of %d", index, len(d.owner))
	}
	if d.owner[index] != ownedByKernel {
		return Buffer{Index: NoBuffer}, fmt.Errorf("driver returned buffer %d which is not queued", index)
	}
	d.owner[index] = ownedByCaller

	data, err := d.pool.SyncStart(index)
	if err != nil {
		return Buffer{Index: index}, err
	}
	if n := int(d.format.SizeImage); n < len(data) {
		data = data[:n]
	}
	return Buffer{
		Index:      index,
		Data:       data,
		BytesUsed:  int(b.bytesused),
		Sequence:   b.sequence,
		Timestamp:  now,
		KernelTime: time.Duration(b.timestamp.Nano()),
	}, nil
}

// Enqueue returns a dequeued buffer to the driver. Enqueueing a slot the
// caller does not own fails with ErrSlotNotOwned.
func (d *CaptureDevice) Enqueue(index int) error {
	if d.closed {
		return ErrClosed
	}
	if index < 0 || index >= len(d.owner) || d.owner[index] != ownedByCaller {
		return fmt.Errorf("%w: index %d", ErrSlotNotOwned, index)
	}
	token, err := d.pool.SyncEnd(index)
	if err != nil {
		return err
	}
	if err := d.qbuf(index, token); err != nil {
		return err
	}
	d.owner[index] = ownedByKernel
	return nil
}

func (d *CaptureDevice) qbuf(index, token int) error {
	b := v4l2Buffer{
		index:  uint32(index),
		typ:    bufTypeVideoCapture,
		memory: d.memory.v4l2(),
		length: d.format.SizeImage,
	}
	if d.memory == MemoryDMABuf {
		b.setFD(token)
	}
	if err := xioctl(d.k, d.fd, vidiocQbuf, unsafe.Pointer(&b)); err != nil {
		return fmt.Errorf("VIDIOC_QBUF %d: %w", index, err)
	}
	return nil
}

// SetControl sets a control on the capture node itself.
func (d *CaptureDevice) SetControl(id uint32, value int32) error {
	if d.closed {
		return ErrClosed
	}
	return setControl(d.k, d.fd, id, value)
}

// Format returns the negotiated image format.
func (d *CaptureDevice) Format() ImageFormat {
	return d.format
}

// Size returns the negotiated width and height.
func (d *CaptureDevice) Size() Size {
	return Size{Width: d.format.Width, Height: d.format.Height}
}

// Bytes returns the frame size and line stride in bytes.
func (d *CaptureDevice) Bytes() (sizeImage, bytesPerLine uint32) {
	return d.format.SizeImage, d.format.BytesPerLine
}

// NumBuffers returns the number of buffers in the pool.
func (d *CaptureDevice) NumBuffers() int {
	return len(d.owner)
}

// Memory returns the buffer backing in use.
func (d *CaptureDevice) Memory() MemoryType {
	return d.memory
}

// Path returns the device node path.
func (d *CaptureDevice) Path() string {
	return d.path
}

// Streaming reports whether the device is streaming.
func (d *CaptureDevice) Streaming() bool {
	return d.streaming
}

// Close stops streaming and releases the pool and the device. Buffers still
// held by the caller become invalid. Close is idempotent.
func (d *CaptureDevice) Close() error {
	if d.closed {
		return nil
	}
	var errs []error
	if d.streaming {
		typ := int32(bufTypeVideoCapture)
		if err := xioctl(d.k, d.fd, vidiocStreamoff, unsafe.Pointer(&typ)); err != nil {
			errs = append(errs, fmt.Errorf("VIDIOC_STREAMOFF: %w", err))
		}
		d.streaming = false
	}
	errs = append(errs, d.release())
	return errors.Join(errs...)
}

// release tears down in reverse acquisition order: pool, driver buffers,
// device descriptor.
func (d *CaptureDevice) release() error {
	d.closed = true

	var errs []error
	if d.pool != nil {
		if err := d.pool.Close(); err != nil {
			errs = append(errs, err)
		}
		d.pool = nil
	}
	if d.requested {
		req := v4l2RequestBuffers{typ: bufTypeVideoCapture, memory: d.memory.v4l2()}
		if err := xioctl(d.k, d.fd, vidiocReqbufs, unsafe.Pointer(&req)); err != nil {
			d.logger.Debug("failed to free driver buffers", "error", err)
		}
		d.requested = false
	}
	if err := d.k.Close(d.fd); err != nil {
		errs = append(errs, fmt.Errorf("close %s: %w", d.path, err))
	}
	d.fd = -1
	d.owner = nil
	return errors.Join(errs...)
}
