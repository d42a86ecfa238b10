package ivee

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wrfsh/libivee/defs"
)

func requireKVM(t *testing.T) {
	t.Helper()
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		t.Skipf("/dev/kvm unavailable: %v", err)
	}
	f.Close()
}

func writePayload(t *testing.T, code []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload")
	if err := os.WriteFile(path, code, 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestListPlatformCapabilitiesIsZero(t *testing.T) {
	if got := ListPlatformCapabilities(); got != 0 {
		t.Fatalf("ListPlatformCapabilities() = %v, want 0", got)
	}
}

func TestCreateRejectsNonZeroCapabilities(t *testing.T) {
	if _, err := Create(1); err == nil {
		t.Fatalf("Create(1) succeeded, want StatusInvalid")
	}
}

// TestHaltAndExit is the halt-and-exit scenario: a flat binary that writes
// to the exit port with a zeroed arch_state.
func TestHaltAndExit(t *testing.T) {
	requireKVM(t)

	path := writePayload(t, []byte{0x66, 0xBA, 0xF8, 0x03, 0xEE}) // mov dx,0x3F8; out dx,al

	s, err := Create(0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Destroy()

	if err := s.LoadExecutable(path, defs.FormatFlat); err != nil {
		t.Fatalf("LoadExecutable: %v", err)
	}

	var state ArchState
	if err := s.Call(&state); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if state.RAX != 0 {
		t.Fatalf("state.RAX = %#x, want 0", state.RAX)
	}
}

// TestIdentityReturn is the identity-return scenario: xchg rax, rbx; out
// to the exit port. rax/rbx must swap.
func TestIdentityReturn(t *testing.T) {
	requireKVM(t)

	// xchg rax, rbx (48 93); mov dx, 0x3F8 (66 ba f8 03); out dx, al (ee)
	path := writePayload(t, []byte{0x48, 0x93, 0x66, 0xBA, 0xF8, 0x03, 0xEE})

	s, err := Create(0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Destroy()

	if err := s.LoadExecutable(path, defs.FormatFlat); err != nil {
		t.Fatalf("LoadExecutable: %v", err)
	}

	state := ArchState{RAX: 0, RBX: 0xDEADBEEF}
	if err := s.Call(&state); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if state.RAX != 0xDEADBEEF {
		t.Fatalf("state.RAX = %#x, want 0xDEADBEEF", state.RAX)
	}
	if state.RBX != 0 {
		t.Fatalf("state.RBX = %#x, want 0", state.RBX)
	}
}

// TestUnsupportedExit covers the guest exiting through a port that is
// not the magic exit port.
func TestUnsupportedExit(t *testing.T) {
	requireKVM(t)

	// mov dx, 0x60 (66 ba 60 00); in al, dx (ec)
	path := writePayload(t, []byte{0x66, 0xBA, 0x60, 0x00, 0xEC})

	s, err := Create(0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Destroy()

	if err := s.LoadExecutable(path, defs.FormatFlat); err != nil {
		t.Fatalf("LoadExecutable: %v", err)
	}

	state := ArchState{RAX: 0x1111}
	err = s.Call(&state)
	if err == nil {
		t.Fatalf("Call on unsupported exit succeeded, want error")
	}
	if state.RAX != 0x1111 {
		t.Fatalf("state mutated on failed Call: RAX = %#x, want unchanged 0x1111", state.RAX)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	requireKVM(t)

	s, err := Create(0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.Destroy()
	s.Destroy()

	var nilSession *Session
	nilSession.Destroy()
}
