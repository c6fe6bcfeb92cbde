//go:build linux

package v4l2

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl request encoding from include/uapi/asm-generic/ioctl.h.
const (
	iocNone  = 0
	iocWrite = 1
	iocRead  = 2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, typ, nr, size uintptr) uint {
	return uint(dir<<iocDirShift | size<<iocSizeShift | typ<<iocTypeShift | nr<<iocNRShift)
}

func ior(typ, nr, size uintptr) uint  { return ioc(iocRead, typ, nr, size) }
func iow(typ, nr, size uintptr) uint  { return ioc(iocWrite, typ, nr, size) }
func iowr(typ, nr, size uintptr) uint { return ioc(iocRead|iocWrite, typ, nr, size) }

// Request numbers derive from the struct sizes so the same source serves
// 32- and 64-bit targets.
var (
	vidiocQuerycap           = ior('V', 0, unsafe.Sizeof(v4l2Capability{}))
	vidiocEnumFmt            = iowr('V', 2, unsafe.Sizeof(v4l2Fmtdesc{}))
	vidiocGFmt               = iowr('V', 4, unsafe.Sizeof(v4l2Format{}))
	vidiocSFmt               = iowr('V', 5, unsafe.Sizeof(v4l2Format{}))
	vidiocReqbufs            = iowr('V', 8, unsafe.Sizeof(v4l2RequestBuffers{}))
	vidiocQuerybuf           = iowr('V', 9, unsafe.Sizeof(v4l2Buffer{}))
	vidiocQbuf               = iowr('V', 15, unsafe.Sizeof(v4l2Buffer{}))
	vidiocDqbuf              = iowr('V', 17, unsafe.Sizeof(v4l2Buffer{}))
	vidiocStreamon           = iow('V', 18, unsafe.Sizeof(int32(0)))
	vidiocStreamoff          = iow('V', 19, unsafe.Sizeof(int32(0)))
	vidiocSCtrl              = iowr('V', 28, unsafe.Sizeof(v4l2Control{}))
	vidiocTryFmt             = iowr('V', 64, unsafe.Sizeof(v4l2Format{}))
	vidiocEnumFramesizes     = iowr('V', 74, unsafe.Sizeof(v4l2Frmsizeenum{}))
	vidiocEnumFrameintervals = iowr('V', 75, unsafe.Sizeof(v4l2Frmivalenum{}))

	dmaHeapIoctlAlloc = iowr('H', 0, unsafe.Sizeof(dmaHeapAllocationData{}))
	dmaBufIoctlSync   = iow('b', 0, unsafe.Sizeof(dmaBufSync{}))
)

// kernel is the set of system calls the capture path needs. Tests substitute
// a fake that tracks descriptors and mappings.
type kernel interface {
	Open(path string, flags int) (int, error)
	Close(fd int) error
	Ioctl(fd int, req uint, arg unsafe.Pointer) error
	Mmap(fd int, offset int64, length int) ([]byte, error)
	Munmap(b []byte) error
	Poll(fd int, timeout time.Duration) (bool, error)
}

// sysKernel issues real system calls.
type sysKernel struct{}

func (sysKernel) Open(path string, flags int) (int, error) {
	for {
		fd, err := unix.Open(path, flags, 0)
		if !errors.Is(err, unix.EINTR) {
			return fd, err
		}
	}
}

func (sysKernel) Close(fd int) error {
	return unix.Close(fd)
}

func (sysKernel) Ioctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (sysKernel) Mmap(fd int, offset int64, length int) ([]byte, error) {
	return unix.Mmap(fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func (sysKernel) Munmap(b []byte) error {
	return unix.Munmap(b)
}

func (sysKernel) Poll(fd int, timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN | unix.POLLPRI}}
	for {
		n, err := unix.Poll(fds, int(timeout.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, err
		}
		if n > 0 && fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return false, fmt.Errorf("poll revents %#x: %w", fds[0].Revents, unix.ENODEV)
		}
		return n > 0, nil
	}
}

var defaultKernel kernel = sysKernel{}

// xioctl retries while the call is interrupted or the driver reports a
// transient EAGAIN. Every other error is returned as is.
func xioctl(k kernel, fd int, req uint, arg unsafe.Pointer) error {
	for {
		err := k.Ioctl(fd, req, arg)
		if !errors.Is(err, unix.EINTR) && !errors.Is(err, unix.EAGAIN) {
			return err
		}
	}
}

// ioctl is the package-level helper used by the one-shot query functions.
func ioctl(fd int, req uint, arg unsafe.Pointer) error {
	return xioctl(defaultKernel, fd, req, arg)
}

// openQuery opens a device node for capability and format queries.
func openQuery(path string) (int, error) {
	return defaultKernel.Open(path, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC)
}
