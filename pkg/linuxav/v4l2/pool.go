//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"unsafe"
)

// BufferPool owns the memory behind the capture buffers and brackets CPU
// access to each of them.
//
// SyncStart must be called before the CPU reads a buffer the driver has
// filled, and SyncEnd before the buffer goes back to the driver. SyncEnd
// returns the token the driver needs to queue the buffer: 0 for mapped
// buffers, the dma-buf descriptor for heap buffers.
type BufferPool interface {
	Len() int
	SyncStart(index int) ([]byte, error)
	SyncEnd(index int) (int, error)
	// Token returns the queue token for index without touching caches.
	Token(index int) int
	Close() error
}

// noCopy may be embedded into structs which must not be copied after first
// use. go vet's copylocks check reports copies.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// MappedPool holds driver-allocated buffers mapped with mmap. The mapping is
// coherent, so the sync calls are bookkeeping only.
type MappedPool struct {
	noCopy noCopy

	k      kernel
	bufs   [][]byte
	closed bool
}

var _ BufferPool = (*MappedPool)(nil)

// newMappedPool queries and maps count buffers already requested on fd. On
// failure every mapping made so far is released.
func newMappedPool(k kernel, fd, count int) (*MappedPool, error) {
	p := &MappedPool{k: k, bufs: make([][]byte, 0, count)}
	for i := 0; i < count; i++ {
		buf := v4l2Buffer{
			index:  uint32(i),
			typ:    bufTypeVideoCapture,
			memory: memoryMMAP,
		}
		if err := xioctl(k, fd, vidiocQuerybuf, unsafe.Pointer(&buf)); err != nil {
			return nil, errors.Join(fmt.Errorf("VIDIOC_QUERYBUF %d: %w", i, err), p.Close())
		}
		data, err := k.Mmap(fd, int64(buf.offset()), int(buf.length))
		if err != nil {
			return nil, errors.Join(fmt.Errorf("mmap buffer %d (%d bytes): %w", i, buf.length, err), p.Close())
		}
		p.bufs = append(p.bufs, data)
	}
	return p, nil
}

func (p *MappedPool) Len() int {
	return len(p.bufs)
}

func (p *MappedPool) SyncStart(index int) ([]byte, error) {
	if err := p.check(index); err != nil {
		return nil, err
	}
	return p.bufs[index], nil
}

func (p *MappedPool) SyncEnd(index int) (int, error) {
	if err := p.check(index); err != nil {
		return 0, err
	}
	return 0, nil
}

func (p *MappedPool) Token(int) int {
	return 0
}

// Close unmaps every buffer. It is safe to call more than once.
func (p *MappedPool) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for i, b := range p.bufs {
		if err := p.k.Munmap(b); err != nil {
			errs = append(errs, fmt.Errorf("munmap buffer %d: %w", i, err))
		}
	}
	p.bufs = nil
	return errors.Join(errs...)
}

func (p *MappedPool) check(index int) error {
	if p.closed {
		return ErrClosed
	}
	if index < 0 || index >= len(p.bufs) {
		return fmt.Errorf("buffer index %d out of range [0, %d)", index, len(p.bufs))
	}
	return nil
}
