// Package cpu defines the x86-64 boot CPU image (general-purpose
// registers, segment descriptors, control registers) and the constructor
// that produces the state required for a VM entry to land directly in
// 64-bit long mode with paging enabled.
package cpu

// Regs holds the general-purpose registers plus rip/rflags: rax..r15,
// rip, rflags.
type Regs struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	RIP, RFLAGS        uint64
}

// Segment is an x86 segment descriptor, shaped the way independent Go
// KVM bindings in the wild converge on representing struct kvm_segment.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Type     uint8
	DPL      uint8
	Flags    uint8
}

// Segment.Flags bits, named after the x86 SDM's segment-descriptor flag
// bits (S, P, G, L, DB). Present separately from Type so BootImage reads
// like a table of selector/type/flags triples.
const (
	SegS  uint8 = 1 << 0 // descriptor type: 1 = code/data, 0 = system
	SegP  uint8 = 1 << 1 // present
	SegG  uint8 = 1 << 2 // granularity (limit scaled by 4 KiB)
	SegL  uint8 = 1 << 3 // 64-bit code segment
	SegDB uint8 = 1 << 4 // default operand size / big
)

// Segment.Type bits for the handful of types BootImage needs.
const (
	SegTypeCode uint8 = 0xB // execute/read, accessed
	SegTypeData uint8 = 0x3 // read/write, accessed
	SegTypeTSS  uint8 = 0xB // 32-bit TSS, busy
	SegTypeLDT  uint8 = 0x2
)

// Sregs holds the segment and control-register state of a vCPU.
type Sregs struct {
	CS, DS, SS, ES, FS, GS Segment
	TR, LDT                Segment
	CR0, CR3, CR4, EFER    uint64
}

// Image bundles Regs and Sregs: everything load_vcpu_state/store_vcpu_state
// commit to and read back from the hypervisor.
type Image struct {
	Regs  Regs
	Sregs Sregs
}

const (
	cr0PE = 1 << 0
	cr0WP = 1 << 16
	cr0PG = 1 << 31

	cr4PAE = 1 << 5

	eferLME = 1 << 8
	eferLMA = 1 << 10
)

func flatSegment(selector uint16, typ, flags uint8) Segment {
	return Segment{
		Base:     0,
		Limit:    0xFFFFFFFF,
		Selector: selector,
		Type:     typ,
		DPL:      0,
		Flags:    flags,
	}
}

// BootImage returns the architectural state required for a VM entry to
// start executing in 64-bit long mode with paging enabled and cr3
// pointing at the identity-mapped page tables rooted at pml4Base.
//
// IDT and GDT limits are left at zero: any in-guest exception triple
// faults. This is deliberate; guests that want exception handling install
// their own descriptor tables, which this module does not support.
func BootImage(pml4Base uint64) *Image {
	img := &Image{
		Regs: Regs{RFLAGS: 0x2},
	}

	img.Sregs.CS = flatSegment(0x08, SegTypeCode, SegS|SegP|SegG|SegL)
	data := flatSegment(0x10, SegTypeData, SegS|SegP|SegG|SegDB)
	img.Sregs.DS = data
	img.Sregs.SS = data
	img.Sregs.ES = data
	img.Sregs.FS = data
	img.Sregs.GS = data

	// TR and LDT are placeholders required by VM-entry checks; they are
	// never used by a guest that never executes ltr/lldt.
	img.Sregs.TR = Segment{Selector: 0, Limit: 0, Type: SegTypeTSS, Flags: SegP}
	img.Sregs.LDT = Segment{Selector: 0, Limit: 0, Type: SegTypeLDT, Flags: SegP}

	img.Sregs.CR0 = cr0PE | cr0WP | cr0PG
	img.Sregs.CR4 = cr4PAE
	img.Sregs.EFER = eferLMA | eferLME
	img.Sregs.CR3 = pml4Base

	return img
}
