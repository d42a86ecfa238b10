// Package kvm is the hypervisor-driver transport layer: a thin,
// policy-free binding to Linux's /dev/kvm ioctl interface, implemented
// here since no published Go package supplies one.
//
// The ioctl numbers and struct layouts match the Linux KVM UAPI
// (linux/kvm.h), cross-checked against several independent Go bindings
// (linuxboot/gokvm, bobuhiro11/gokvm, gVisor's platform/kvm) that all
// derive them from the same kernel header.
package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/wrfsh/libivee/cpu"
	"github.com/wrfsh/libivee/defs"
)

const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmGetVCPUMMapSize     = 0xAE04
	kvmCreateVCPU          = 0xAE41
	kvmSetUserMemoryRegion = 1075883590 // _IOW(KVMIO, 0x46, struct kvm_userspace_memory_region)
	kvmGetRegs             = 0x8090ae81
	kvmSetRegs             = 0x4090ae82
	kvmGetSregs            = 0x8138ae83
	kvmSetSregs            = 0x4138ae84
	kvmRun                 = 0xAE80
)

// ExitReason is the guest exit reason reported by KVM_RUN.
type ExitReason uint32

const (
	ExitUnknown       ExitReason = 0
	ExitException     ExitReason = 1
	ExitIO            ExitReason = 2
	ExitHypercall     ExitReason = 3
	ExitDebug         ExitReason = 4
	ExitHLT           ExitReason = 5
	ExitMMIO          ExitReason = 6
	ExitIRQWindow     ExitReason = 7
	ExitShutdown      ExitReason = 8
	ExitFailEntry     ExitReason = 9
	ExitIntr          ExitReason = 10
	ExitInternalError ExitReason = 17
)

// IO direction, matching KVM_EXIT_IO's "direction" field.
const (
	IODirIn  = 0
	IODirOut = 1
)

// Exit describes one guest exit.
type Exit struct {
	Reason    ExitReason
	IODir     uint8
	IOPort    uint16
	IOSize    uint8
	IOData    []byte
	FaultRIP  uint64 // not filled in by Run; always zero
}

// kvmRunData mirrors the head of struct kvm_run, enough to read the exit
// reason and the KVM_EXIT_IO union (offset 32, the first union member in
// the real struct after the common header).
type kvmRunData struct {
	RequestInterruptWindow uint8
	ImmediateExit          uint8
	_                      [6]uint8
	ExitReason             uint32
	ReadyForInterrupt      uint8
	IfFlag                 uint8
	_                      [2]uint8
	CR8                    uint64
	ApicBase               uint64
	Data                   [32]uint64
}

func (r *kvmRunData) io() (dir uint8, size uint8, port uint16, count uint32, offset uint64) {
	word := r.Data[0]
	dir = uint8(word & 0xFF)
	size = uint8((word >> 8) & 0xFF)
	port = uint16((word >> 16) & 0xFFFF)
	count = uint32(word >> 32)
	offset = r.Data[1]
	return
}

// kvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

const memRegionReadonly = 1 << 1

// kvmSegment mirrors struct kvm_segment (24 bytes).
type kvmSegment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	_        uint8
}

// kvmDtable mirrors struct kvm_dtable (the GDT/IDT pseudo-descriptor).
type kvmDtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// kvmSregs mirrors struct kvm_sregs, field order and all.
type kvmSregs struct {
	CS, DS, ES, FS, GS, SS kvmSegment
	TR, LDT                kvmSegment
	GDT, IDT               kvmDtable
	CR0, CR2, CR3, CR4, CR8 uint64
	EFER                   uint64
	ApicBase               uint64
	InterruptBitmap        [4]uint64
}

// kvmRegs mirrors struct kvm_regs, field order and all.
type kvmRegs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RSP, RBP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

func ioctl(fd int, op uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), op, arg)
	if errno != 0 {
		return errno
	}
	return nil
}

// Driver owns the process-wide /dev/kvm fd.
type Driver struct {
	fd int
}

// Open opens /dev/kvm and validates its API version.
func Open() (*Driver, error) {
	const op = "kvm.Open"
	fd, err := unix.Open("/dev/kvm", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, defs.Wrap(op, defs.StatusBackend, err)
	}
	// KVM_GET_API_VERSION returns its result as the ioctl's return value,
	// not through a pointer argument.
	version, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), kvmGetAPIVersion, 0)
	if errno != 0 {
		unix.Close(fd)
		return nil, defs.Wrap(op, defs.StatusBackend, errno)
	}
	if version != 12 {
		unix.Close(fd)
		return nil, defs.NewError(op, defs.StatusUnsupported)
	}
	return &Driver{fd: fd}, nil
}

// VM owns one VM fd, its single vCPU fd, and the mmap'd kvm_run page.
type VM struct {
	vmFd    int
	vcpuFd  int
	run     []byte
	runData *kvmRunData
}

// CreateVM creates a VM with a single vCPU: multi-CPU guests are out of
// scope for this module.
func (d *Driver) CreateVM() (*VM, error) {
	const op = "kvm.CreateVM"

	vmFd, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), kvmCreateVM, 0)
	if errno != 0 {
		return nil, defs.Wrap(op, defs.StatusBackend, errno)
	}

	vcpuFd, _, errno := unix.Syscall(unix.SYS_IOCTL, vmFd, kvmCreateVCPU, 0)
	if errno != 0 {
		unix.Close(int(vmFd))
		return nil, defs.Wrap(op, defs.StatusBackend, errno)
	}

	mmapSize, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), kvmGetVCPUMMapSize, 0)
	if errno != 0 {
		unix.Close(int(vcpuFd))
		unix.Close(int(vmFd))
		return nil, defs.Wrap(op, defs.StatusBackend, errno)
	}

	run, err := unix.Mmap(int(vcpuFd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(vcpuFd))
		unix.Close(int(vmFd))
		return nil, defs.Wrap(op, defs.StatusBackend, err)
	}

	return &VM{
		vmFd:    int(vmFd),
		vcpuFd:  int(vcpuFd),
		run:     run,
		runData: (*kvmRunData)(unsafe.Pointer(&run[0])),
	}, nil
}

// SetUserMemoryRegion installs one guest memory slot.
func (vm *VM) SetUserMemoryRegion(slot uint32, gpa, size, hva uint64, readonly bool) error {
	const op = "kvm.SetUserMemoryRegion"
	region := kvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: hva,
	}
	if readonly {
		region.Flags |= memRegionReadonly
	}
	if err := ioctl(vm.vmFd, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region))); err != nil {
		return defs.Wrap(op, defs.StatusBackend, err)
	}
	return nil
}

func toWireRegs(r cpu.Regs) kvmRegs {
	return kvmRegs{
		RAX: r.RAX, RBX: r.RBX, RCX: r.RCX, RDX: r.RDX,
		RSI: r.RSI, RDI: r.RDI, RSP: r.RSP, RBP: r.RBP,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
		RIP: r.RIP, RFLAGS: r.RFLAGS,
	}
}

func fromWireRegs(w kvmRegs) cpu.Regs {
	return cpu.Regs{
		RAX: w.RAX, RBX: w.RBX, RCX: w.RCX, RDX: w.RDX,
		RSI: w.RSI, RDI: w.RDI, RSP: w.RSP, RBP: w.RBP,
		R8: w.R8, R9: w.R9, R10: w.R10, R11: w.R11,
		R12: w.R12, R13: w.R13, R14: w.R14, R15: w.R15,
		RIP: w.RIP, RFLAGS: w.RFLAGS,
	}
}

func toWireSegment(s cpu.Segment) kvmSegment {
	return kvmSegment{
		Base:     s.Base,
		Limit:    s.Limit,
		Selector: s.Selector,
		Type:     s.Type,
		Present:  boolBit(s.Flags&cpu.SegP != 0),
		DPL:      s.DPL,
		DB:       boolBit(s.Flags&cpu.SegDB != 0),
		S:        boolBit(s.Flags&cpu.SegS != 0),
		L:        boolBit(s.Flags&cpu.SegL != 0),
		G:        boolBit(s.Flags&cpu.SegG != 0),
	}
}

func fromWireSegment(w kvmSegment) cpu.Segment {
	var flags uint8
	if w.Present != 0 {
		flags |= cpu.SegP
	}
	if w.DB != 0 {
		flags |= cpu.SegDB
	}
	if w.S != 0 {
		flags |= cpu.SegS
	}
	if w.L != 0 {
		flags |= cpu.SegL
	}
	if w.G != 0 {
		flags |= cpu.SegG
	}
	return cpu.Segment{
		Base:     w.Base,
		Limit:    w.Limit,
		Selector: w.Selector,
		Type:     w.Type,
		DPL:      w.DPL,
		Flags:    flags,
	}
}

func boolBit(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func toWireSregs(s cpu.Sregs) kvmSregs {
	return kvmSregs{
		CS: toWireSegment(s.CS), DS: toWireSegment(s.DS), ES: toWireSegment(s.ES),
		FS: toWireSegment(s.FS), GS: toWireSegment(s.GS), SS: toWireSegment(s.SS),
		TR: toWireSegment(s.TR), LDT: toWireSegment(s.LDT),
		CR0: s.CR0, CR3: s.CR3, CR4: s.CR4, EFER: s.EFER,
	}
}

func fromWireSregs(w kvmSregs) cpu.Sregs {
	return cpu.Sregs{
		CS: fromWireSegment(w.CS), DS: fromWireSegment(w.DS), ES: fromWireSegment(w.ES),
		FS: fromWireSegment(w.FS), GS: fromWireSegment(w.GS), SS: fromWireSegment(w.SS),
		TR: fromWireSegment(w.TR), LDT: fromWireSegment(w.LDT),
		CR0: w.CR0, CR3: w.CR3, CR4: w.CR4, EFER: w.EFER,
	}
}

// SetRegs commits the general-purpose registers to the vCPU.
func (vm *VM) SetRegs(r cpu.Regs) error {
	wire := toWireRegs(r)
	if err := ioctl(vm.vcpuFd, kvmSetRegs, uintptr(unsafe.Pointer(&wire))); err != nil {
		return defs.Wrap("kvm.SetRegs", defs.StatusBackend, err)
	}
	return nil
}

// GetRegs reads the general-purpose registers back from the vCPU.
func (vm *VM) GetRegs() (cpu.Regs, error) {
	var wire kvmRegs
	if err := ioctl(vm.vcpuFd, kvmGetRegs, uintptr(unsafe.Pointer(&wire))); err != nil {
		return cpu.Regs{}, defs.Wrap("kvm.GetRegs", defs.StatusBackend, err)
	}
	return fromWireRegs(wire), nil
}

// SetSregs commits the segment and control registers to the vCPU.
func (vm *VM) SetSregs(s cpu.Sregs) error {
	wire := toWireSregs(s)
	if err := ioctl(vm.vcpuFd, kvmSetSregs, uintptr(unsafe.Pointer(&wire))); err != nil {
		return defs.Wrap("kvm.SetSregs", defs.StatusBackend, err)
	}
	return nil
}

// GetSregs reads the segment and control registers back from the vCPU.
func (vm *VM) GetSregs() (cpu.Sregs, error) {
	var wire kvmSregs
	if err := ioctl(vm.vcpuFd, kvmGetSregs, uintptr(unsafe.Pointer(&wire))); err != nil {
		return cpu.Sregs{}, defs.Wrap("kvm.GetSregs", defs.StatusBackend, err)
	}
	return fromWireSregs(wire), nil
}

// Run executes the vCPU until the next exit.
func (vm *VM) Run() (Exit, error) {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vm.vcpuFd), kvmRun, 0)
	if errno != 0 {
		if errno == unix.EINTR || errno == unix.EAGAIN {
			return Exit{}, defs.NewError("kvm.Run", defs.StatusBackend)
		}
		return Exit{}, defs.Wrap("kvm.Run", defs.StatusBackend, errno)
	}

	exit := Exit{Reason: ExitReason(vm.runData.ExitReason)}
	if exit.Reason == ExitIO {
		dir, size, port, count, offset := vm.runData.io()
		exit.IODir = dir
		exit.IOSize = size
		exit.IOPort = port
		if count > 0 {
			n := int(uint32(size) * count)
			if int(offset)+n <= len(vm.run) {
				exit.IOData = vm.run[offset : int(offset)+n]
			}
		}
	}
	return exit, nil
}

// Close releases the vcpu fd, the kvm_run mapping, and the vm fd, in
// that order: all three are owned by the VM handle and released together.
func (vm *VM) Close() error {
	var firstErr error
	if err := unix.Close(vm.vcpuFd); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := unix.Munmap(vm.run); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := unix.Close(vm.vmFd); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return defs.Wrap("kvm.Close", defs.StatusBackend, firstErr)
	}
	return nil
}

// Close releases the driver's /dev/kvm fd.
func (d *Driver) Close() error {
	if err := unix.Close(d.fd); err != nil {
		return defs.Wrap("kvm.Driver.Close", defs.StatusBackend, err)
	}
	return nil
}
