package pagetable

import (
	"testing"

	"github.com/wrfsh/libivee/defs"
	"github.com/wrfsh/libivee/memmap"
)

func TestBuildLeafPTEInvariants(t *testing.T) {
	mm := memmap.New()
	defer mm.Free()

	rw := mustRegion(t, mm, 0, memmap.PageSize, defs.ProtRead|defs.ProtWrite)
	rx := mustRegion(t, mm, memmap.PageSize, memmap.PageSize, defs.ProtRead|defs.ProtExec)
	ro := mustRegion(t, mm, 2*memmap.PageSize, memmap.PageSize, defs.ProtRead)

	if _, err := Build(mm); err != nil {
		t.Fatalf("Build: %v", err)
	}

	cases := []struct {
		name    string
		r       *memmap.Region
		wantRW  bool
		wantNX  bool
	}{
		{"rw region", rw, true, true},
		{"rx region", rx, false, false},
		{"ro region", ro, false, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			for gfn := c.r.FirstGFN; gfn <= c.r.LastGFN; gfn++ {
				pte, ok := Translate(mm, gfn)
				if !ok {
					t.Fatalf("Translate(%d): not found", gfn)
				}
				if pte&entryPresent == 0 {
					t.Fatalf("gfn %d: PRESENT not set, pte=%#x", gfn, pte)
				}
				if got := pte &^ 0xFFF &^ entryNX; got != gfn<<12 {
					t.Fatalf("gfn %d: address bits = %#x, want %#x", gfn, got, gfn<<12)
				}
				if gotRW := pte&entryRW != 0; gotRW != c.wantRW {
					t.Fatalf("gfn %d: RW = %v, want %v", gfn, gotRW, c.wantRW)
				}
				if gotNX := pte&entryNX != 0; gotNX != c.wantNX {
					t.Fatalf("gfn %d: NX = %v, want %v", gfn, gotNX, c.wantNX)
				}
			}
		})
	}
}

func TestBuildRejectsOverlapWithReservedWindow(t *testing.T) {
	mm := memmap.New()
	defer mm.Free()

	// A region that reaches into the page-table window must make the
	// reserved Build() call fail with StatusInvalid.
	if _, err := mm.Map(PML4Base, memmap.PageSize, nil, 0, defs.ProtRead|defs.ProtWrite); err != nil {
		t.Fatalf("Map into reserved window: %v", err)
	}
	if _, err := Build(mm); err == nil {
		t.Fatalf("Build() with pre-occupied reserved window succeeded, want error")
	}
}

// TestBuildBoundaryAtReservedWindow exercises the literal off-by-one-frame
// boundary: a region whose last gfn is (1 GiB/4 KiB) - 1 - 515 sits
// entirely below the reserved page-table window and Build succeeds; the
// same region shifted one frame higher starts inside the window and
// Build fails with StatusInvalid.
func TestBuildBoundaryAtReservedWindow(t *testing.T) {
	const totalFrames = GuestMemorySize / memmap.PageSize

	t.Run("last valid frame succeeds", func(t *testing.T) {
		mm := memmap.New()
		defer mm.Free()

		lastValidGFN := uint64(totalFrames - 1 - PageTablePages)
		gpa := lastValidGFN * memmap.PageSize
		if gpa+memmap.PageSize != PML4Base {
			t.Fatalf("region end = %#x, want PML4Base %#x", gpa+memmap.PageSize, PML4Base)
		}
		if _, err := mm.Map(gpa, memmap.PageSize, nil, 0, defs.ProtRead|defs.ProtWrite); err != nil {
			t.Fatalf("Map at last valid frame: %v", err)
		}
		if _, err := Build(mm); err != nil {
			t.Fatalf("Build() with region abutting the reserved window = %v, want success", err)
		}
	})

	t.Run("one frame higher fails", func(t *testing.T) {
		mm := memmap.New()
		defer mm.Free()

		oneFrameHigherGFN := uint64(totalFrames - PageTablePages)
		gpa := oneFrameHigherGFN * memmap.PageSize
		if gpa != PML4Base {
			t.Fatalf("region start = %#x, want PML4Base %#x", gpa, PML4Base)
		}
		if _, err := mm.Map(gpa, memmap.PageSize, nil, 0, defs.ProtRead|defs.ProtWrite); err != nil {
			t.Fatalf("Map one frame into reserved window: %v", err)
		}
		if _, err := Build(mm); err == nil {
			t.Fatalf("Build() with region one frame into the reserved window succeeded, want error")
		}
	})
}

func mustRegion(t *testing.T, mm *memmap.MemoryMap, gpa uint64, size int, prot defs.Prot) *memmap.Region {
	t.Helper()
	r, err := mm.Map(gpa, size, nil, 0, prot)
	if err != nil {
		t.Fatalf("Map(%#x, %d): %v", gpa, size, err)
	}
	return r
}
