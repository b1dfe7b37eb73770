//go:build unix

package osmem

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mapper issues anonymous private mappings with an optional placement hint.
// The zero value is ready to use.
type Mapper struct{}

// Map obtains size bytes of anonymous memory, readable and writable.
// hint is passed to the kernel as a non-binding placement address; the
// kernel may satisfy the request anywhere, so callers must compare the
// returned address against the hint themselves. hint 0 means "anywhere".
func (Mapper) Map(hint, size uintptr) (uintptr, error) {
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), size, //nolint:govet // hint is not a Go pointer
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return 0, err
	}
	return uintptr(p), nil
}

// Unmap returns a mapping obtained via Map to the kernel.
func (Mapper) Unmap(addr, size uintptr) error {
	return unix.MunmapPtr(unsafe.Pointer(addr), size) //nolint:govet // addr is not a Go pointer
}

// Protect toggles a region between read-write and no-access.
// Regions parked in the page cache are protected against access so that
// use-after-free bugs fault instead of silently reading stale pages.
func (Mapper) Protect(addr, size uintptr, writable bool) error {
	prot := unix.PROT_NONE
	if writable {
		prot = unix.PROT_READ | unix.PROT_WRITE
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size) //nolint:govet // addr is not a Go pointer
	return unix.Mprotect(b, prot)
}

// Advise tells the kernel the region's contents are no longer needed.
// The mapping itself stays intact; the backing pages may be reclaimed.
func (Mapper) Advise(addr, size uintptr) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size) //nolint:govet // addr is not a Go pointer
	return unix.Madvise(b, unix.MADV_DONTNEED)
}

// Zero clears the region's contents.
func (Mapper) Zero(addr, size uintptr) error {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size) //nolint:govet // addr is not a Go pointer
	clear(b)
	return nil
}

// PageSize reports the kernel page size.
func (Mapper) PageSize() uintptr {
	return uintptr(unix.Getpagesize())
}
