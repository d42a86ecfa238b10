// Package platform is the host memory shim: aligned anonymous allocation
// (AlignedAlloc, and MapAnon built on top of it) and file-backed mapping
// (MapFile). Apart from the kvm_run page that internal/kvm maps, it is the
// only package in this module that talks to the host kernel's mmap(2);
// everything above it deals purely in
// []byte host mappings and guest-physical addresses.
//
// Host memory allocation is treated as an external collaborator with an
// abstract contract; this package is that collaborator's concrete
// implementation on Linux.
package platform

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/wrfsh/libivee/defs"
)

func protFlags(p defs.Prot) int {
	flags := unix.PROT_NONE
	if p&defs.ProtRead != 0 {
		flags |= unix.PROT_READ
	}
	if p&defs.ProtWrite != 0 {
		flags |= unix.PROT_WRITE
	}
	if p&defs.ProtExec != 0 {
		flags |= unix.PROT_EXEC
	}
	return flags
}

// AlignedAlloc returns a zero-filled anonymous RW mapping of exactly size
// bytes. mmap(2) always returns page-aligned addresses, so no separate
// alignment step is needed; size itself must already be page-aligned
// (callers round up before calling this).
func AlignedAlloc(size int) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, defs.Wrap("platform.AlignedAlloc", defs.StatusOutOfMemory, err)
	}
	return b, nil
}

// MapAnon returns a zero-filled anonymous mapping of exactly size bytes
// with the given protection.
func MapAnon(size int, prot defs.Prot) ([]byte, error) {
	b, err := AlignedAlloc(size)
	if err != nil {
		return nil, err
	}
	if prot&defs.ProtWrite == 0 {
		// The fresh anonymous mapping is already zero-filled; drop it
		// to the requested (non-writable) protection, so anonymous
		// read-only regions start zero-filled.
		if err := unix.Mprotect(b, protFlags(prot)); err != nil {
			unix.Munmap(b)
			return nil, defs.Wrap("platform.MapAnon", defs.StatusOutOfMemory, err)
		}
	}
	return b, nil
}

// MapFile maps [offset, offset+size) of f into the host address space
// with the given protection. prot must not contain ProtWrite: file-backed
// regions in this module are always mapped MAP_PRIVATE read-only: no
// write permission on a mapping shared with the backing file.
func MapFile(f *os.File, offset int64, size int, prot defs.Prot) ([]byte, error) {
	if prot&defs.ProtWrite != 0 {
		return nil, defs.NewError("platform.MapFile", defs.StatusInvalid)
	}
	b, err := unix.Mmap(int(f.Fd()), offset, size, protFlags(prot), unix.MAP_PRIVATE)
	if err != nil {
		return nil, defs.Wrap("platform.MapFile", defs.StatusOutOfMemory, err)
	}
	return b, nil
}

// Unmap releases a mapping previously returned by MapAnon or MapFile.
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Munmap(b); err != nil {
		return defs.Wrap("platform.Unmap", defs.StatusBackend, err)
	}
	return nil
}
