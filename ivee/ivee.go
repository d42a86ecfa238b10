// Package ivee is libivee's public entry point: create a session, load an
// untrusted x86-64 executable into a hardware-virtualized sandbox, call
// into it, and read the result back.
package ivee

import (
	"sync"

	"github.com/wrfsh/libivee/cpu"
	"github.com/wrfsh/libivee/defs"
	"github.com/wrfsh/libivee/internal/kvm"
	"github.com/wrfsh/libivee/loader"
	"github.com/wrfsh/libivee/memmap"
	"github.com/wrfsh/libivee/pagetable"
	"github.com/wrfsh/libivee/vmctl"
)

var (
	driverOnce sync.Once
	driver     *kvm.Driver
	driverErr  error
)

// openDriver opens the process-wide /dev/kvm handle exactly once. It is
// never closed: the driver lives for the life of the process (see
// DESIGN.md's Open Question log).
func openDriver() (*kvm.Driver, error) {
	driverOnce.Do(func() {
		driver, driverErr = kvm.Open()
	})
	return driver, driverErr
}

// ListPlatformCapabilities reports the optional capability bits this
// build advertises. None are implemented yet, so this is always zero.
func ListPlatformCapabilities() defs.Capabilities {
	return 0
}

// Session is one guest VM: its memory map, its loaded executable's entry
// point, and the vCPU handle driving it.
type Session struct {
	vm         *kvm.VM
	mm         *memmap.MemoryMap
	ctl        *vmctl.Controller
	entry      uint64
	loaded     bool
	terminated bool
}

// Create opens a new session. caps must be zero: no optional capability
// is implemented, so any non-zero bit is StatusInvalid.
func Create(caps defs.Capabilities) (*Session, error) {
	const op = "ivee.Create"
	if caps != 0 {
		return nil, defs.NewError(op, defs.StatusInvalid)
	}

	drv, err := openDriver()
	if err != nil {
		return nil, defs.Wrap(op, defs.StatusBackend, err)
	}

	vm, err := drv.CreateVM()
	if err != nil {
		return nil, defs.Wrap(op, defs.StatusBackend, err)
	}

	mm := memmap.New()
	return &Session{
		vm:  vm,
		mm:  mm,
		ctl: vmctl.New(vm, mm),
	}, nil
}

// LoadExecutable loads path into the session's guest memory, builds the
// identity-mapped page tables over it, and installs the result as the
// VM's memory. On any failure the session's memory map is torn back down
// to empty: a session whose LoadExecutable failed is exactly as if it had
// never been called.
func (s *Session) LoadExecutable(path string, format defs.Format) error {
	entry, err := loader.Load(s.mm, path, format)
	if err != nil {
		s.mm.Free()
		return err
	}

	if _, err := pagetable.Build(s.mm); err != nil {
		s.mm.Free()
		return err
	}

	if err := s.ctl.InstallMemoryMap(); err != nil {
		s.mm.Free()
		return err
	}

	s.entry = entry
	s.loaded = true
	return nil
}

// ArchState is the general-purpose register file a call passes in and
// receives back: rax, rbx, rcx, rdx, rsi, rdi, rbp, r8..r15 in; the same
// set out.
type ArchState struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
}

func toRegs(a ArchState) cpu.Regs {
	return cpu.Regs{
		RAX: a.RAX, RBX: a.RBX, RCX: a.RCX, RDX: a.RDX,
		RSI: a.RSI, RDI: a.RDI, RBP: a.RBP,
		R8: a.R8, R9: a.R9, R10: a.R10, R11: a.R11,
		R12: a.R12, R13: a.R13, R14: a.R14, R15: a.R15,
	}
}

func fromRegs(r cpu.Regs) ArchState {
	return ArchState{
		RAX: r.RAX, RBX: r.RBX, RCX: r.RCX, RDX: r.RDX,
		RSI: r.RSI, RDI: r.RDI, RBP: r.RBP,
		R8: r.R8, R9: r.R9, R10: r.R10, R11: r.R11,
		R12: r.R12, R13: r.R13, R14: r.R14, R15: r.R15,
	}
}

// Call runs the guest from the session's entry point with state as the
// initial GPRs, blocking until the guest signals termination via the
// magic exit port or an unsupported/fatal exit occurs. On success state
// is overwritten with the post-guest GPR values. On failure state is left
// untouched. Concurrent Call on the same session is undefined and is not
// guarded here.
func (s *Session) Call(state *ArchState) error {
	const op = "ivee.Call"
	if !s.loaded {
		return defs.NewError(op, defs.StatusInvalid)
	}

	boot := cpu.BootImage(pagetable.PML4Base)
	in := toRegs(*state)
	in.RFLAGS = boot.Regs.RFLAGS

	if err := s.ctl.LoadVCPUState(s.entry, in, boot.Sregs); err != nil {
		return err
	}

	for {
		terminated, err := s.ctl.RunUntilExit()
		if err != nil {
			return err
		}
		if terminated {
			break
		}
	}

	regs, err := s.ctl.StoreVCPUState()
	if err != nil {
		return err
	}

	*state = fromRegs(regs)
	s.terminated = true
	return nil
}

// Destroy releases the session's VM handle and memory map. It is
// idempotent and safe to call on a nil *Session.
func (s *Session) Destroy() {
	if s == nil {
		return
	}
	if s.vm != nil {
		s.vm.Close()
		s.vm = nil
	}
	if s.mm != nil {
		s.mm.Free()
		s.mm = nil
	}
}
