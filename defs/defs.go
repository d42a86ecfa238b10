// Package defs holds the status codes and small bitsets shared by every other
// package in this module. Nothing here depends on anything else in the
// module; everything else depends on this.
package defs

import "fmt"

// Status is the taxonomy of failure kinds a libivee operation can return.
// The zero value is never returned as an error; a nil *Error means success.
type Status int

const (
	// StatusInvalid means a bad argument: misaligned GPA, overlapping
	// region, zero-size file, unsupported format selector, and so on.
	StatusInvalid Status = iota + 1
	// StatusUnsupported means a capability or guest exit the core does
	// not implement (an unadvertised capability bit, a PIO exit on a
	// port other than the magic one, any non-PIO exit reason).
	StatusUnsupported
	// StatusOutOfMemory means a host allocation or mapping failed.
	StatusOutOfMemory
	// StatusIOError means a file read/stat/open failed, or a short read
	// occurred while loading a segment.
	StatusIOError
	// StatusBackend means the hypervisor driver failed or the guest
	// produced an unrecoverable architectural exit (a triple fault, an
	// interrupted run).
	StatusBackend
)

func (s Status) String() string {
	switch s {
	case StatusInvalid:
		return "invalid"
	case StatusUnsupported:
		return "unsupported"
	case StatusOutOfMemory:
		return "out of memory"
	case StatusIOError:
		return "io error"
	case StatusBackend:
		return "backend"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Error makes a bare Status an error value, so it can be passed as the
// target of errors.Is.
func (s Status) Error() string { return s.String() }

// Error is the only error type this module's public API returns. It
// carries a Status plus, where one exists, the lower-level cause (a
// syscall.Errno, an *os.PathError, ...) so diagnostics are not lost the
// way a bare integer status code would lose them.
type Error struct {
	Status Status
	Op     string // operation that failed, e.g. "memmap.Map"
	Err    error  // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, defs.StatusInvalid) work directly against a
// Status value without callers needing to unwrap to *Error themselves.
func (e *Error) Is(target error) bool {
	s, ok := target.(Status)
	return ok && e.Status == s
}

// Is satisfies errors.Is when Status itself is used as the target, i.e.
// errors.Is(err, defs.StatusInvalid).
func (s Status) Is(target error) bool {
	other, ok := target.(Status)
	return ok && s == other
}

// NewError builds an *Error with no wrapped cause.
func NewError(op string, status Status) *Error {
	return &Error{Op: op, Status: status}
}

// Wrap builds an *Error around a lower-level cause. If err is nil, Wrap
// returns a nil *Error; stored in an error interface, that nil pointer
// compares non-nil, so callers returning error check err before calling
// Wrap.
func Wrap(op string, status Status, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Status: status, Err: err}
}

// Prot is a subset of {Read, Write, Exec} describing the access a guest
// (and the host, for anonymous regions) has to a Region.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

func (p Prot) String() string {
	b := [3]byte{'-', '-', '-'}
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b[:])
}

// Capabilities is a bitset of optional platform capabilities. No bits are
// currently advertised; list_platform_capabilities always returns zero
// and Create rejects any non-zero value.
type Capabilities uint64

// Format selects how an executable is interpreted by the loader.
type Format int

const (
	FormatFlat Format = iota
	FormatELF64
	FormatAuto
)

func (f Format) String() string {
	switch f {
	case FormatFlat:
		return "flat"
	case FormatELF64:
		return "elf64"
	case FormatAuto:
		return "auto"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// ExitPort is the fixed, implementation-defined 16-bit I/O port a guest
// writes to in order to terminate a call successfully. The payload byte
// written is ignored.
const ExitPort uint16 = 0x3F8
