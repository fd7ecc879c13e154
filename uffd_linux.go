//go:build linux

package compactgc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl numbers for struct uffdio_* from linux/userfaultfd.h, computed the
// same way the retrieved dh-cli uffd handler derives _UFFDIO_COPY/
// _UFFDIO_ZEROPAGE: _IOWR(0xAA, nr, size) = READ|WRITE<<30 | size<<16 |
// 0xAA<<8 | nr.
const (
	_UFFDIO_API        = 0xc018aa3f
	_UFFDIO_REGISTER   = 0xc020aa00
	_UFFDIO_UNREGISTER = 0xc010aa01
	_UFFDIO_WAKE       = 0xc010aa02
	_UFFDIO_COPY       = 0xc028aa03
	_UFFDIO_ZEROPAGE   = 0xc020aa04
	_UFFDIO_CONTINUE   = 0xc020aa07
)

const (
	_UFFD_FEATURE_MISSING_HUGETLBFS = 1 << 0
	_UFFD_FEATURE_MINOR_HUGETLBFS   = 1 << 9
	_UFFD_FEATURE_MINOR_SHMEM       = 1 << 10

	_UFFDIO_REGISTER_MODE_MISSING = 1 << 0
	_UFFDIO_REGISTER_MODE_MINOR   = 1 << 2

	_UFFD_EVENT_PAGEFAULT = 0x12

	uffdMsgSize = 32
)

type uffdioAPI struct {
	api      uint64
	features uint64
	ioctls   uint64
}

type uffdioRegister struct {
	rangeStart uint64
	rangeLen   uint64
	mode       uint64
	ioctls     uint64
}

type uffdioRange struct {
	start uint64
	len   uint64
}

type uffdioCopy struct {
	dst  uint64
	src  uint64
	len  uint64
	mode uint64
	copy int64
}

type uffdioZeropage struct {
	rangeStart uint64
	rangeLen   uint64
	mode       uint64
	zeropage   int64
}

type uffdioContinue struct {
	rangeStart uint64
	rangeLen   uint64
	mode       uint64
	mapped     int64
}

// NewDriver opens the real userfaultfd-backed driver.
func NewDriver(cfg Config) (Driver, error) {
	return NewUffdDriver(cfg)
}

// UffdDriver implements component G's primary path (spec §4.G): it services
// page faults in the moving space by installing destination-page content
// produced by the Compactor/Slider via UFFDIO_COPY, UFFDIO_ZEROPAGE, or
// UFFDIO_CONTINUE depending on Config.Mode.
type UffdDriver struct {
	cfg      Config
	fd       int
	minorCap bool
}

// NewUffdDriver opens a userfaultfd and negotiates the API/feature set.
func NewUffdDriver(cfg Config) (*UffdDriver, error) {
	fd, _, errno := unix.Syscall(unix.SYS_USERFAULTFD, uintptr(unix.O_CLOEXEC|unix.O_NONBLOCK), 0, 0)
	if errno != 0 {
		return nil, &KernelError{Op: "userfaultfd", Errno: errno}
	}
	d := &UffdDriver{cfg: cfg, fd: int(fd)}
	if err := d.negotiateAPI(); err != nil {
		unix.Close(d.fd)
		return nil, err
	}
	return d, nil
}

func (d *UffdDriver) negotiateAPI() error {
	api := uffdioAPI{api: 0xAA}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), _UFFDIO_API, uintptr(unsafe.Pointer(&api)))
	if errno != 0 {
		return &KernelError{Op: "UFFDIO_API", Errno: errno}
	}
	d.minorCap = api.features&(_UFFD_FEATURE_MINOR_SHMEM|_UFFD_FEATURE_MINOR_HUGETLBFS) != 0
	return nil
}

// Register enrolls [base, base+size) for missing-page (and, in minor-fault
// mode, minor-fault) delivery.
func (d *UffdDriver) Register(base uintptr, size uint64) error {
	mode := uint64(_UFFDIO_REGISTER_MODE_MISSING)
	if d.cfg.Mode == ModeMinorFault && d.minorCap {
		mode |= _UFFDIO_REGISTER_MODE_MINOR
	}
	reg := uffdioRegister{rangeStart: uint64(base), rangeLen: size, mode: mode}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), _UFFDIO_REGISTER, uintptr(unsafe.Pointer(&reg)))
	if errno != 0 {
		return &KernelError{Op: "UFFDIO_REGISTER", Errno: errno}
	}
	return nil
}

// Unregister removes a previously registered range; the caller must have
// drained CompactionCounter to zero first (spec §4.H scenario 6). ENOENT
// (the range was already torn down by a concurrent termination wake) is
// tolerated rather than treated as a failed cycle.
func (d *UffdDriver) Unregister(base uintptr, size uint64) error {
	r := uffdioRange{start: uint64(base), len: size}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), _UFFDIO_UNREGISTER, uintptr(unsafe.Pointer(&r)))
	if errno != 0 && !tolerated(errno, unix.ENOENT) {
		return &KernelError{Op: "UFFDIO_UNREGISTER", Errno: errno}
	}
	return nil
}

// InstallCopy installs data at dst via UFFDIO_COPY. EEXIST (another thread
// installed the same page first) is tolerated, not an error.
func (d *UffdDriver) InstallCopy(dst uintptr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	cp := uffdioCopy{
		dst: uint64(dst),
		src: uint64(uintptr(unsafe.Pointer(&data[0]))),
		len: uint64(len(data)),
	}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), _UFFDIO_COPY, uintptr(unsafe.Pointer(&cp)))
	if errno != 0 && !tolerated(errno, unix.EEXIST) {
		return &KernelError{Op: "UFFDIO_COPY", Errno: errno}
	}
	return nil
}

// InstallZero installs a zero page at dst via UFFDIO_ZEROPAGE.
func (d *UffdDriver) InstallZero(dst uintptr, size uint64) error {
	zp := uffdioZeropage{rangeStart: uint64(dst), rangeLen: size}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), _UFFDIO_ZEROPAGE, uintptr(unsafe.Pointer(&zp)))
	if errno != 0 && !tolerated(errno, unix.EEXIST) {
		return &KernelError{Op: "UFFDIO_ZEROPAGE", Errno: errno}
	}
	return nil
}

// Continue installs a minor-fault range via UFFDIO_CONTINUE, used in
// ModeMinorFault once the shadow mapping already holds the compacted
// content. EAGAIN (partial completion, retry) and EEXIST are tolerated.
func (d *UffdDriver) Continue(dst uintptr, size uint64) error {
	c := uffdioContinue{rangeStart: uint64(dst), rangeLen: size}
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), _UFFDIO_CONTINUE, uintptr(unsafe.Pointer(&c)))
	if errno != 0 && !tolerated(errno, unix.EEXIST, unix.EAGAIN) {
		return &KernelError{Op: "UFFDIO_CONTINUE", Errno: errno}
	}
	return nil
}

// ServeFaults polls the uffd fd and invokes onFault with the faulting
// address for every UFFD_EVENT_PAGEFAULT, until stop is closed.
func (d *UffdDriver) ServeFaults(stop <-chan struct{}, onFault func(addr uintptr)) error {
	const maxBatch = 16
	var buf [uffdMsgSize * maxBatch]byte

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return &KernelError{Op: "poll(uffd)", Errno: err}
		}
		if n == 0 {
			continue
		}

		nr, err := unix.Read(d.fd, buf[:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			return &KernelError{Op: "read(uffd)", Errno: err}
		}

		numMsgs := nr / uffdMsgSize
		for i := 0; i < numMsgs; i++ {
			msg := buf[i*uffdMsgSize : (i+1)*uffdMsgSize]
			if msg[0] != _UFFD_EVENT_PAGEFAULT {
				continue
			}
			faultAddr := *(*uint64)(unsafe.Pointer(&msg[16]))
			onFault(uintptr(faultAddr))
		}
	}
}

// Close releases the uffd file descriptor.
func (d *UffdDriver) Close() error {
	return unix.Close(d.fd)
}

// RemapFromSpace implements the from-space swap of spec §4.G/§4.I:
// mremap(MREMAP_MAYMOVE|MREMAP_FIXED|MREMAP_DONTUNMAP) moves the moving
// space's backing pages to the from-space address while keeping the
// original virtual range mapped but empty (rather than unmapping it), so the
// page-fault driver can serve reads from a still-live mutator view of the
// moving range during compaction.
func RemapFromSpace(oldAddr uintptr, oldSize uint64, newAddr uintptr) (uintptr, error) {
	const mremapMaymove = 1
	const mremapFixed = 2
	const mremapDontunmap = 4
	ret, _, errno := unix.Syscall6(unix.SYS_MREMAP, oldAddr, uintptr(oldSize), uintptr(oldSize),
		uintptr(mremapMaymove|mremapFixed|mremapDontunmap), newAddr, 0)
	if errno != 0 {
		return 0, &KernelError{Op: "mremap(DONTUNMAP)", Errno: errno}
	}
	return ret, nil
}

// ReclaimRange gives physical pages in [addr, addr+size) back to the kernel
// without unmapping the virtual range (spec §4.I reverse-index reclaim).
func ReclaimRange(addr uintptr, size uint64) error {
	s := rawSlice(addr, size)
	if err := unix.Madvise(s, unix.MADV_DONTNEED); err != nil {
		return &KernelError{Op: "madvise(MADV_DONTNEED)", Errno: err}
	}
	return nil
}

// ProtectNone removes all access to [addr, addr+size). The collector itself
// does not call it.
func ProtectNone(addr uintptr, size uint64) error {
	s := rawSlice(addr, size)
	if err := unix.Mprotect(s, unix.PROT_NONE); err != nil {
		return &KernelError{Op: "mprotect(PROT_NONE)", Errno: err}
	}
	return nil
}
