//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

type heapBuffer struct {
	data []byte
	fd   int
}

// HeapPool holds buffers allocated from a DMA heap. The memory is shared
// with the capture hardware and may be cached incoherently, so CPU access is
// bracketed with DMA_BUF_IOCTL_SYNC.
type HeapPool struct {
	noCopy noCopy

	k      kernel
	heapFD int
	bufs   []heapBuffer
	closed bool
}

var _ BufferPool = (*HeapPool)(nil)

// newHeapPool opens the heap at path and allocates count buffers of length
// bytes. On failure every allocation and mapping made so far is released.
func newHeapPool(k kernel, path string, count, length int) (*HeapPool, error) {
	heapFD, err := k.Open(path, unix.O_RDWR|unix.O_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("open dma heap %s: %w", path, err)
	}

	p := &HeapPool{k: k, heapFD: heapFD, bufs: make([]heapBuffer, 0, count)}
	for i := 0; i < count; i++ {
		alloc := dmaHeapAllocationData{
			len:     uint64(length),
			fdFlags: unix.O_RDWR | unix.O_CLOEXEC,
		}
		if err := xioctl(k, heapFD, dmaHeapIoctlAlloc, unsafe.Pointer(&alloc)); err != nil {
			return nil, errors.Join(fmt.Errorf("DMA_HEAP_IOCTL_ALLOC %d (%d bytes): %w", i, length, err), p.Close())
		}
		fd := int(alloc.fd)
		data, err := k.Mmap(fd, 0, length)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("mmap dma-buf %d: %w", i, err), k.Close(fd), p.Close())
		}
		p.bufs = append(p.bufs, heapBuffer{data: data, fd: fd})
	}
	return p, nil
}

func (p *HeapPool) Len() int {
	return len(p.bufs)
}

// SyncStart begins CPU access to the buffer and returns its mapping.
func (p *HeapPool) SyncStart(index int) ([]byte, error) {
	if err := p.check(index); err != nil {
		return nil, err
	}
	b := p.bufs[index]
	if err := p.sync(b.fd, dmaBufSyncStart|dmaBufSyncRW); err != nil {
		return nil, fmt.Errorf("dma-buf sync start %d: %w", index, err)
	}
	return b.data, nil
}

// SyncEnd ends CPU access and returns the dma-buf descriptor to queue.
func (p *HeapPool) SyncEnd(index int) (int, error) {
	if err := p.check(index); err != nil {
		return 0, err
	}
	b := p.bufs[index]
	if err := p.sync(b.fd, dmaBufSyncEnd|dmaBufSyncRW); err != nil {
		return 0, fmt.Errorf("dma-buf sync end %d: %w", index, err)
	}
	return b.fd, nil
}

func (p *HeapPool) Token(index int) int {
	if index < 0 || index >= len(p.bufs) {
		return -1
	}
	return p.bufs[index].fd
}

// Close unmaps and closes every dma-buf, then the heap itself. It is safe to
// call more than once.
func (p *HeapPool) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for i, b := range p.bufs {
		if err := p.k.Munmap(b.data); err != nil {
			errs = append(errs, fmt.Errorf("munmap dma-buf %d: %w", i, err))
		}
		if err := p.k.Close(b.fd); err != nil {
			errs = append(errs, fmt.Errorf("close dma-buf %d: %w", i, err))
		}
	}
	p.bufs = nil
	if err := p.k.Close(p.heapFD); err != nil {
		errs = append(errs, fmt.Errorf("close dma heap: %w", err))
	}
	return errors.Join(errs...)
}

func (p *HeapPool) sync(fd int, flags uint64) error {
	s := dmaBufSync{flags: flags}
	return xioctl(p.k, fd, dmaBufIoctlSync, unsafe.Pointer(&s))
}

func (p *HeapPool) check(index int) error {
	if p.closed {
		return ErrClosed
	}
	if index < 0 || index >= len(p.bufs) {
		return fmt.Errorf("buffer index %d out of range [0, %d)", index, len(p.bufs))
	}
	return nil
}
