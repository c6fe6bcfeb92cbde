//go:build linux

package v4l2

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const testHeapPath = "/dev/dma_heap/test"

type fdKind int

const (
	fdDevice fdKind = iota
	fdHeap
	fdDMABuf
)

// fakeKernel emulates a single-planar capture driver plus a DMA heap. It
// tracks every descriptor and mapping so tests can assert nothing leaks.
type fakeKernel struct {
	nextFD int
	fds    map[int]fdKind
	maps   map[*byte]fdKind

	caps     uint32
	nodeCaps uint32 // reported as device_caps
	format   v4l2PixFormat
	bufLen   uint32
	grant    int // buffers granted by REQBUFS, 0 grants what was asked

	requested int
	memory    uint32
	queued    []int
	streaming bool
	sequence  uint32

	calls    map[uint]int
	syncs    map[uint64]int
	controls map[uint32]int32
	subdev   *v4l2SubdevFormat
	lastTry  *v4l2PixFormat
	queuedFD map[int]int

	failIoctl  map[uint]error
	failAfter  map[uint]int // fail the call once this many have succeeded
	transient  map[uint]int // EINTR replies before a call goes through
	failOpen   map[string]error
	failMmapAt int
	mmapCount  int
	pollReady  bool
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{
		nextFD: 3,
		fds:    map[int]fdKind{},
		maps:   map[*byte]fdKind{},
		caps:   capVideoCapture | capStreaming,
		format: v4l2PixFormat{
			width:        16,
			height:       4,
			pixelformat:  PixFmtY12P,
			bytesperline: 24,
			sizeimage:    24 * 4,
		},
		bufLen:    4096,
		calls:     map[uint]int{},
		syncs:     map[uint64]int{},
		controls:  map[uint32]int32{},
		queuedFD:  map[int]int{},
		failIoctl: map[uint]error{},
		failAfter: map[uint]int{},
		transient: map[uint]int{},
		failOpen:  map[string]error{},
	}
}

// leaks describes descriptors and mappings still open.
func (k *fakeKernel) leaks() string {
	if len(k.fds) == 0 && len(k.maps) == 0 {
		return ""
	}
	return fmt.Sprintf("%d descriptors and %d mappings still open", len(k.fds), len(k.maps))
}

func (k *fakeKernel) Open(path string, _ int) (int, error) {
	if err := k.failOpen[path]; err != nil {
		return -1, err
	}
	fd := k.nextFD
	k.nextFD++
	if path == testHeapPath {
		k.fds[fd] = fdHeap
	} else {
		k.fds[fd] = fdDevice
	}
	return fd, nil
}

func (k *fakeKernel) Close(fd int) error {
	if _, ok := k.fds[fd]; !ok {
		return unix.EBADF
	}
	delete(k.fds, fd)
	return nil
}

func (k *fakeKernel) Mmap(fd int, _ int64, length int) ([]byte, error) {
	kind, ok := k.fds[fd]
	if !ok {
		return nil, unix.EBADF
	}
	k.mmapCount++
	if k.failMmapAt > 0 && k.mmapCount == k.failMmapAt {
		return nil, unix.ENOMEM
	}
	b := make([]byte, length)
	k.maps[&b[0]] = kind
	return b, nil
}

func (k *fakeKernel) Munmap(b []byte) error {
	if len(b) == 0 {
		return unix.EINVAL
	}
	if _, ok := k.maps[&b[0]]; !ok {
		return unix.EINVAL
	}
	delete(k.maps, &b[0])
	return nil
}

func (k *fakeKernel) Poll(fd int, _ time.Duration) (bool, error) {
	if _, ok := k.fds[fd]; !ok {
		return false, unix.EBADF
	}
	return k.pollReady, nil
}

func (k *fakeKernel) Ioctl(fd int, req uint, arg unsafe.Pointer) error {
	kind, ok := k.fds[fd]
	if !ok {
		return unix.EBADF
	}
	if n := k.transient[req]; n > 0 {
		k.transient[req] = n - 1
		return unix.EINTR
	}
	if err := k.failIoctl[req]; err != nil {
		if n, ok := k.failAfter[req]; !ok || k.calls[req] >= n {
			return err
		}
	}
	k.calls[req]++

	switch kind {
	case fdHeap:
		return k.heapIoctl(req, arg)
	case fdDMABuf:
		return k.dmabufIoctl(req, arg)
	}

	switch req {
	case vidiocQuerycap:
		c := (*v4l2Capability)(arg)
		copy(c.driver[:], "fake")
		copy(c.card[:], "Fake ToF")
		c.capabilities = k.caps
		c.deviceCaps = k.nodeCaps
	case vidiocGFmt:
		f := (*v4l2Format)(arg)
		*f.pix() = k.format
	case vidiocTryFmt:
		f := (*v4l2Format)(arg)
		pix := f.pix()
		try := *pix
		k.lastTry = &try
		pix.bytesperline = pix.width / 2 * 3
		pix.sizeimage = pix.bytesperline * pix.height
	case vidiocSFmt:
		k.format = *(*v4l2Format)(arg).pix()
	case vidiocReqbufs:
		return k.reqbufs((*v4l2RequestBuffers)(arg))
	case vidiocQuerybuf:
		b := (*v4l2Buffer)(arg)
		if int(b.index) >= k.requested {
			return unix.EINVAL
		}
		b.length = k.bufLen
		b.m = uintptr(b.index) * 4096
	case vidiocQbuf:
		return k.qbuf((*v4l2Buffer)(arg))
	case vidiocDqbuf:
		b := (*v4l2Buffer)(arg)
		if !k.streaming {
			return unix.EINVAL
		}
		if len(k.queued) == 0 {
			return unix.EIO
		}
		b.index = uint32(k.queued[0])
		k.queued = k.queued[1:]
		b.bytesused = k.format.sizeimage
		b.sequence = k.sequence
		b.timestamp = unix.NsecToTimeval(int64(k.sequence+1) * int64(33*time.Millisecond))
		k.sequence++
	case vidiocStreamon:
		k.streaming = true
	case vidiocStreamoff:
		k.streaming = false
		k.queued = nil
	case vidiocSCtrl:
		c := (*v4l2Control)(arg)
		k.controls[c.id] = c.value
	case vidiocSubdevSFmt:
		f := *(*v4l2SubdevFormat)(arg)
		k.subdev = &f
	default:
		return unix.ENOTTY
	}
	return nil
}

func (k *fakeKernel) reqbufs(r *v4l2RequestBuffers) error {
	if r.count == 0 {
		if k.memory == memoryMMAP && k.liveDeviceMaps() {
			return unix.EBUSY
		}
		k.requested = 0
		k.queued = nil
		return nil
	}
	k.memory = r.memory
	k.requested = int(r.count)
	if k.grant > 0 {
		k.requested = k.grant
	}
	r.count = uint32(k.requested)
	return nil
}

func (k *fakeKernel) liveDeviceMaps() bool {
	for _, kind := range k.maps {
		if kind == fdDevice {
			return true
		}
	}
	return false
}

func (k *fakeKernel) qbuf(b *v4l2Buffer) error {
	index := int(b.index)
	if index >= k.requested || b.memory != k.memory {
		return unix.EINVAL
	}
	for _, q := range k.queued {
		if q == index {
			return unix.EINVAL
		}
	}
	if b.memory == memoryDMABuf {
		fd := int(int32(uint32(b.m)))
		if kind, ok := k.fds[fd]; !ok || kind != fdDMABuf {
			return unix.EBADF
		}
		if b.length != k.format.sizeimage {
			return unix.EINVAL
		}
		k.queuedFD[index] = fd
	}
	k.queued = append(k.queued, index)
	return nil
}

func (k *fakeKernel) heapIoctl(req uint, arg unsafe.Pointer) error {
	if req != dmaHeapIoctlAlloc {
		return unix.ENOTTY
	}
	alloc := (*dmaHeapAllocationData)(arg)
	fd := k.nextFD
	k.nextFD++
	k.fds[fd] = fdDMABuf
	alloc.fd = uint32(fd)
	return nil
}

func (k *fakeKernel) dmabufIoctl(req uint, arg unsafe.Pointer) error {
	if req != dmaBufIoctlSync {
		return unix.ENOTTY
	}
	k.syncs[(*dmaBufSync)(arg).flags]++
	return nil
}
