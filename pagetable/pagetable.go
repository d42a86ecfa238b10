// Package pagetable builds the identity-mapped 4-level x86-64 paging
// hierarchy that lets a guest VM entry land directly in long mode with
// paging enabled.
//
// The hierarchy is built once per session, in a single reserved Region at
// the top of the 1 GiB guest address space, after every other region has
// been mapped. Intermediate levels (PML4, PDPT, PD) always map the full
// low-1GiB window as PRESENT|RW; per-page protection is enforced only at
// the leaf PTE.
package pagetable

import (
	"encoding/binary"

	"github.com/wrfsh/libivee/defs"
	"github.com/wrfsh/libivee/memmap"
)

const (
	pageSize = memmap.PageSize

	// GuestMemorySize is the total guest physical address space this
	// module identity-maps: the low 1 GiB.
	GuestMemorySize = 1 << 30

	// PageTablePages is 1 PML4 + 1 PDPT + 1 PD + 512 PT pages.
	PageTablePages = 515

	// PML4Base is the guest physical address of the first page-table
	// page: the last PageTablePages pages of the 1 GiB window.
	PML4Base = GuestMemorySize - PageTablePages*pageSize
	PDPTBase = PML4Base + pageSize
	PDBase   = PDPTBase + pageSize
	PTBase   = PDBase + pageSize

	entryPresent = uint64(1) << 0
	entryRW      = uint64(1) << 1
	entryNX      = uint64(1) << 63
)

// Build maps the page-table region into mm (failing with StatusInvalid if
// it would overlap an already-mapped region) and writes the full
// identity-mapped hierarchy for every
// region mm currently holds. Build is idempotent given the same memory
// map: calling it twice against the same set of regions produces the
// same bytes, though the second call will fail to re-Map the now-already-
// present page-table region, so in practice it is called exactly once
// per session, after loading and before installing the memory map.
func Build(mm *memmap.MemoryMap) (*memmap.Region, error) {
	ptRegion, err := mm.Map(PML4Base, PageTablePages*pageSize, nil, 0, defs.ProtRead|defs.ProtWrite)
	if err != nil {
		return nil, err
	}

	buf := ptRegion.HVA

	pml4 := buf[0:pageSize]
	pdpt := buf[pageSize : 2*pageSize]
	pd := buf[2*pageSize : 3*pageSize]
	ptBase := buf[3*pageSize:]

	putEntry(pml4, 0, PDPTBase|entryPresent|entryRW)
	putEntry(pdpt, 0, PDBase|entryPresent|entryRW)
	for i := 0; i < 512; i++ {
		putEntry(pd, i, (PTBase+uint64(i)*pageSize)|entryPresent|entryRW)
	}

	for i := range ptBase {
		ptBase[i] = 0
	}

	for _, r := range mm.Regions() {
		if r == ptRegion {
			continue
		}
		for gfn := r.FirstGFN; gfn <= r.LastGFN; gfn++ {
			pte := (gfn << 12) | entryPresent
			if r.Prot&defs.ProtWrite != 0 {
				pte |= entryRW
			}
			if r.Prot&defs.ProtExec == 0 {
				pte |= entryNX
			}
			setLeafPTE(ptBase, gfn, pte)
		}
	}

	return ptRegion, nil
}

func putEntry(page []byte, index int, v uint64) {
	binary.LittleEndian.PutUint64(page[index*8:], v)
}

// leafPTEOffset returns the byte offset, within the concatenation of all
// 512 PT pages, of the PTE for guest frame gfn:
// PT[(gfn>>9)&0x1FF][gfn&0x1FF].
func leafPTEOffset(gfn uint64) int {
	table := int((gfn >> 9) & 0x1FF)
	index := int(gfn & 0x1FF)
	return table*pageSize + index*8
}

func setLeafPTE(ptBase []byte, gfn uint64, v uint64) {
	binary.LittleEndian.PutUint64(ptBase[leafPTEOffset(gfn):], v)
}

// Translate reads back the leaf PTE for gfn from the page-table region
// mm already holds (mm must have had Build called on it). It is exported
// for tests exercising the PTE invariants directly.
func Translate(mm *memmap.MemoryMap, gfn uint64) (pte uint64, ok bool) {
	for _, r := range mm.Regions() {
		if r.GPA() == PML4Base {
			ptBase := r.HVA[3*pageSize:]
			off := leafPTEOffset(gfn)
			if off+8 > len(ptBase) {
				return 0, false
			}
			return binary.LittleEndian.Uint64(ptBase[off:]), true
		}
	}
	return 0, false
}
