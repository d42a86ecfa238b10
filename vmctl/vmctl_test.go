package vmctl

import (
	"os"
	"testing"

	"github.com/wrfsh/libivee/cpu"
	"github.com/wrfsh/libivee/defs"
	"github.com/wrfsh/libivee/internal/kvm"
	"github.com/wrfsh/libivee/memmap"
	"github.com/wrfsh/libivee/pagetable"
)

func requireKVM(t *testing.T) *kvm.Driver {
	t.Helper()
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		t.Skipf("/dev/kvm unavailable: %v", err)
	}
	f.Close()

	drv, err := kvm.Open()
	if err != nil {
		t.Skipf("kvm.Open: %v", err)
	}
	return drv
}

func newTestController(t *testing.T, code []byte) *Controller {
	t.Helper()
	drv := requireKVM(t)
	vm, err := drv.CreateVM()
	if err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	t.Cleanup(func() { vm.Close() })

	mm := memmap.New()
	t.Cleanup(func() { mm.Free() })

	r, err := mm.Map(0x400000, memmap.PageSize, nil, 0, defs.ProtRead|defs.ProtWrite|defs.ProtExec)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	copy(r.HVA, code)

	if _, err := pagetable.Build(mm); err != nil {
		t.Fatalf("pagetable.Build: %v", err)
	}

	c := New(vm, mm)
	if err := c.InstallMemoryMap(); err != nil {
		t.Fatalf("InstallMemoryMap: %v", err)
	}
	return c
}

func TestRunUntilExitHaltAndExit(t *testing.T) {
	// mov dx, 0x3F8; out dx, al
	code := []byte{0x66, 0xBA, 0xF8, 0x03, 0xEE}
	c := newTestController(t, code)

	if err := c.LoadVCPUState(0x400000, cpu.Regs{}, cpu.BootImage(pagetable.PML4Base).Sregs); err != nil {
		t.Fatalf("LoadVCPUState: %v", err)
	}

	terminated, err := c.RunUntilExit()
	if err != nil {
		t.Fatalf("RunUntilExit: %v", err)
	}
	if !terminated {
		t.Fatalf("terminated = false, want true")
	}
}

func TestRunUntilExitUnsupportedPort(t *testing.T) {
	// mov dx, 0x60; in al, dx
	code := []byte{0x66, 0xBA, 0x60, 0x00, 0xEC}
	c := newTestController(t, code)

	if err := c.LoadVCPUState(0x400000, cpu.Regs{}, cpu.BootImage(pagetable.PML4Base).Sregs); err != nil {
		t.Fatalf("LoadVCPUState: %v", err)
	}

	_, err := c.RunUntilExit()
	if err == nil {
		t.Fatalf("RunUntilExit on unsupported port succeeded, want error")
	}
	if !isUnsupported(err) {
		t.Fatalf("RunUntilExit error = %v, want StatusUnsupported", err)
	}
}

func isUnsupported(err error) bool {
	e, ok := err.(*defs.Error)
	return ok && e.Status == defs.StatusUnsupported
}
