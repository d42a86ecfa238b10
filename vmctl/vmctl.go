// Package vmctl drives one VM handle through its run loop: installing the
// guest memory map, committing and reading back CPU state, and turning
// KVM exits into libivee's status taxonomy.
package vmctl

import (
	"github.com/wrfsh/libivee/cpu"
	"github.com/wrfsh/libivee/defs"
	"github.com/wrfsh/libivee/disasm"
	"github.com/wrfsh/libivee/internal/kvm"
	"github.com/wrfsh/libivee/memmap"
	"github.com/wrfsh/libivee/util"
)

// Controller wraps one kvm.VM plus the memory map backing it.
type Controller struct {
	vm *kvm.VM
	mm *memmap.MemoryMap
}

// New wraps vm for driving against mm.
func New(vm *kvm.VM, mm *memmap.MemoryMap) *Controller {
	return &Controller{vm: vm, mm: mm}
}

// InstallMemoryMap installs one KVM memory slot per region in mm, slot
// numbered by position. Regions without write permission are installed
// read-only.
func (c *Controller) InstallMemoryMap() error {
	const op = "vmctl.InstallMemoryMap"
	for i, r := range c.mm.Regions() {
		if len(r.HVA) == 0 {
			continue
		}
		hva := uint64(r.HVAPointer())
		if err := c.vm.SetUserMemoryRegion(uint32(i), r.GPA(), uint64(r.Size()), hva, r.ReadOnly()); err != nil {
			return defs.Wrap(op, defs.StatusBackend, err)
		}
	}
	return nil
}

// LoadVCPUState commits the entire CPU image to the vCPU. rip is always
// overwritten with entry: the session's entry address, since a call
// always starts execution there regardless of what the caller's image
// carried.
func (c *Controller) LoadVCPUState(entry uint64, regs cpu.Regs, sregs cpu.Sregs) error {
	const op = "vmctl.LoadVCPUState"
	regs.RIP = entry
	if err := c.vm.SetRegs(regs); err != nil {
		return defs.Wrap(op, defs.StatusBackend, err)
	}
	if err := c.vm.SetSregs(sregs); err != nil {
		return defs.Wrap(op, defs.StatusBackend, err)
	}
	return nil
}

// StoreVCPUState reads every GPR back from the vCPU, rbp included — the
// symmetric fix for the reference implementation's dropped rbp.
func (c *Controller) StoreVCPUState() (cpu.Regs, error) {
	regs, err := c.vm.GetRegs()
	if err != nil {
		return cpu.Regs{}, defs.Wrap("vmctl.StoreVCPUState", defs.StatusBackend, err)
	}
	return regs, nil
}

// RunUntilExit drives KVM_RUN until the guest writes to defs.ExitPort
// (terminated=true) or a fatal exit occurs. Any PIO on another port, or
// any non-PIO exit reason, is StatusUnsupported; an interrupted run
// syscall is StatusBackend and is never retried.
func (c *Controller) RunUntilExit() (terminated bool, err error) {
	const op = "vmctl.RunUntilExit"

	exit, err := c.vm.Run()
	if err != nil {
		return false, defs.Wrap(op, defs.StatusBackend, err)
	}

	switch exit.Reason {
	case kvm.ExitIO:
		if exit.IODir == kvm.IODirOut && exit.IOPort == defs.ExitPort {
			return true, nil
		}
		return false, defs.NewError(op, defs.StatusUnsupported)

	case kvm.ExitShutdown, kvm.ExitFailEntry, kvm.ExitInternalError:
		return false, c.faultError(op)

	default:
		return false, defs.NewError(op, defs.StatusUnsupported)
	}
}

// faultError builds a StatusBackend error carrying a best-effort
// disassembly of the faulting instruction. Any failure to read the
// guest's code or decode it is swallowed: the diagnostic is optional,
// the error is not.
func (c *Controller) faultError(op string) error {
	regs, err := c.vm.GetRegs()
	if err != nil {
		return defs.NewError(op, defs.StatusBackend)
	}
	code := c.readGuestBytes(regs.RIP, 16)
	if code == nil {
		return defs.NewError(op, defs.StatusBackend)
	}
	desc := disasm.DescribeFault(code, disasm.Mode64)
	return defs.Wrap(op, defs.StatusBackend, faultDetail(desc))
}

type faultDetail string

func (f faultDetail) Error() string { return "faulting instruction: " + string(f) }

func (c *Controller) readGuestBytes(gva uint64, n int) []byte {
	for _, r := range c.mm.Regions() {
		start := r.GPA()
		end := start + uint64(r.Size())
		if gva < start || gva >= end {
			continue
		}
		off := gva - start
		avail := uint64(r.Size()) - off
		n = int(util.Min(uint64(n), avail))
		return r.HVA[off : off+uint64(n)]
	}
	return nil
}
