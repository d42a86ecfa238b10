// Package memmap implements the guest physical memory map: an ordered,
// non-overlapping set of host-backed Regions spanning at most 1 GiB of
// guest physical address space.
package memmap

import (
	"os"
	"sort"
	"unsafe"

	"github.com/wrfsh/libivee/defs"
	"github.com/wrfsh/libivee/platform"
	"github.com/wrfsh/libivee/util"
)

// MaxGuestPhysicalSpan is the total guest physical address span every
// Region together may occupy.
const MaxGuestPhysicalSpan = 1 << 30

// PageSize is the guest frame size; every GPA and size dealt with here is
// a multiple of it.
const PageSize = util.PageSize

// Region is a contiguous range of guest physical address space backed by
// a host mapping of exactly Size bytes.
type Region struct {
	FirstGFN uint64
	LastGFN  uint64
	HVA      []byte
	Prot     defs.Prot
	// FileBacked is true for read-only mappings of a host file; false
	// for anonymous, zero-filled regions.
	FileBacked bool
}

// GPA returns the region's guest physical base address.
func (r *Region) GPA() uint64 { return r.FirstGFN * PageSize }

// Size returns the region's size in bytes.
func (r *Region) Size() int { return int(r.LastGFN-r.FirstGFN+1) * PageSize }

// ReadOnly reports whether the region lacks write permission, the
// property the VM controller uses to mark a KVM memory slot read-only.
func (r *Region) ReadOnly() bool { return r.Prot&defs.ProtWrite == 0 }

// HVAPointer returns the host virtual address of the region's backing
// mapping, for installing it as a KVM memory slot's userspace_addr. The
// Region must outlive any use of the returned pointer.
func (r *Region) HVAPointer() uintptr {
	if len(r.HVA) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.HVA[0]))
}

// MemoryMap is the ordered set of Regions backing one VM session. Regions
// are kept sorted by FirstGFN; there is no merging or splitting.
type MemoryMap struct {
	regions []*Region
}

// New returns an empty memory map.
func New() *MemoryMap {
	return &MemoryMap{}
}

// Regions returns the regions in ascending FirstGFN order. The returned
// slice aliases internal state and must not be mutated by the caller.
func (m *MemoryMap) Regions() []*Region {
	return m.regions
}

// Len returns the number of regions currently mapped, useful for a
// caller that wants to unwind back to a known point (see loader.LoadELF64).
func (m *MemoryMap) Len() int { return len(m.regions) }

// Truncate drops every region at index n and above, keeping the first n
// and unmapping the host backing of the rest. It is used to unwind a partially-completed load.
func (m *MemoryMap) Truncate(n int) error {
	var firstErr error
	for _, r := range m.regions[n:] {
		if err := platform.Unmap(r.HVA); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.regions = m.regions[:n]
	return firstErr
}

// overlaps reports whether [firstGFN, lastGFN] intersects any existing region.
func (m *MemoryMap) overlaps(firstGFN, lastGFN uint64) bool {
	for _, r := range m.regions {
		if firstGFN <= r.LastGFN && r.FirstGFN <= lastGFN {
			return true
		}
	}
	return false
}

func (m *MemoryMap) totalSpan(extra int) int {
	total := extra
	for _, r := range m.regions {
		total += r.Size()
	}
	return total
}

// Map creates a new Region at guest physical address gpa, sizing it up to
// the next page boundary. If file is non-nil, the region is a read-only
// mapping of [fileOffset, fileOffset+size) of file; otherwise it is
// zero-filled anonymous memory. On success the region is inserted in
// sorted position and returned; on failure the memory map is unchanged.
func (m *MemoryMap) Map(gpa uint64, size int, file *os.File, fileOffset int64, prot defs.Prot) (*Region, error) {
	const op = "memmap.Map"

	if size <= 0 {
		return nil, defs.NewError(op, defs.StatusInvalid)
	}
	if !util.IsPageAligned(gpa) {
		return nil, defs.NewError(op, defs.StatusInvalid)
	}
	if file != nil && prot&defs.ProtWrite != 0 {
		return nil, defs.NewError(op, defs.StatusInvalid)
	}

	pageSize := util.PageAlign(size)
	firstGFN := gpa / PageSize
	lastGFN := firstGFN + uint64(pageSize/PageSize) - 1

	if m.overlaps(firstGFN, lastGFN) {
		return nil, defs.NewError(op, defs.StatusInvalid)
	}
	if m.totalSpan(pageSize) > MaxGuestPhysicalSpan {
		return nil, defs.NewError(op, defs.StatusInvalid)
	}

	var hva []byte
	var err error
	if file != nil {
		hva, err = platform.MapFile(file, fileOffset, pageSize, prot)
	} else {
		hva, err = platform.MapAnon(pageSize, prot)
	}
	if err != nil {
		return nil, err
	}

	r := &Region{
		FirstGFN:   firstGFN,
		LastGFN:    lastGFN,
		HVA:        hva,
		Prot:       prot,
		FileBacked: file != nil,
	}
	m.insert(r)
	return r, nil
}

func (m *MemoryMap) insert(r *Region) {
	i := sort.Search(len(m.regions), func(i int) bool {
		return m.regions[i].FirstGFN > r.FirstGFN
	})
	m.regions = append(m.regions, nil)
	copy(m.regions[i+1:], m.regions[i:])
	m.regions[i] = r
}

// Free releases every region's host mapping and empties the memory map.
// After Free returns (even with an error) no region is usable.
func (m *MemoryMap) Free() error {
	return m.Truncate(0)
}
