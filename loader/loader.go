// Package loader implements the flat-binary and ELF64 executable loaders:
// given a path and a format selector, it creates the regions an
// executable needs in a memmap.MemoryMap and returns the guest entry
// address.
package loader

import (
	"debug/elf"
	"io"
	"os"

	"github.com/wrfsh/libivee/defs"
	"github.com/wrfsh/libivee/memmap"
)

// FlatLoadAddress is the fixed guest virtual address a flat binary is
// mapped at.
const FlatLoadAddress = 0x400000

// Load dispatches on format and enforces the access(2)-equivalent
// precondition: the file must be readable and executable.
func Load(mm *memmap.MemoryMap, path string, format defs.Format) (uint64, error) {
	if err := checkAccess(path); err != nil {
		return 0, err
	}

	switch format {
	case defs.FormatFlat:
		return LoadFlat(mm, path)
	case defs.FormatELF64:
		return LoadELF64(mm, path)
	case defs.FormatAuto:
		return LoadAuto(mm, path)
	default:
		return 0, defs.NewError("loader.Load", defs.StatusInvalid)
	}
}

func checkAccess(path string) error {
	const op = "loader.Load"
	fi, err := os.Stat(path)
	if err != nil {
		return defs.Wrap(op, defs.StatusInvalid, err)
	}
	if fi.Mode()&0111 == 0 {
		return defs.NewError(op, defs.StatusInvalid)
	}
	f, err := os.Open(path)
	if err != nil {
		return defs.Wrap(op, defs.StatusInvalid, err)
	}
	return f.Close()
}

// LoadFlat maps the whole file read-only and executable at
// FlatLoadAddress and returns that address as the entry point.
func LoadFlat(mm *memmap.MemoryMap, path string) (uint64, error) {
	const op = "loader.LoadFlat"

	fi, err := os.Stat(path)
	if err != nil {
		return 0, defs.Wrap(op, defs.StatusIOError, err)
	}
	size := fi.Size()
	if size == 0 {
		return 0, defs.NewError(op, defs.StatusInvalid)
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, defs.Wrap(op, defs.StatusIOError, err)
	}
	defer f.Close()

	if _, err := mm.Map(FlatLoadAddress, int(size), f, 0, defs.ProtRead|defs.ProtExec); err != nil {
		return 0, err
	}

	return FlatLoadAddress, nil
}

// LoadELF64 validates and loads an ELF64 x86-64 executable or shared
// object, creating one anonymous region per PT_LOAD segment. If any
// segment fails to load, every region this call added is unmapped before
// returning an error, leaving no orphaned mappings behind.
func LoadELF64(mm *memmap.MemoryMap, path string) (uint64, error) {
	const op = "loader.LoadELF64"

	f, err := os.Open(path)
	if err != nil {
		return 0, defs.Wrap(op, defs.StatusIOError, err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return 0, defs.Wrap(op, defs.StatusUnsupported, err)
	}
	defer ef.Close()

	if ef.Class != elf.ELFCLASS64 {
		return 0, defs.NewError(op, defs.StatusUnsupported)
	}
	if ef.Machine != elf.EM_X86_64 {
		return 0, defs.NewError(op, defs.StatusUnsupported)
	}
	if ef.Type != elf.ET_EXEC && ef.Type != elf.ET_DYN {
		return 0, defs.NewError(op, defs.StatusUnsupported)
	}

	mark := mm.Len()

	for _, ph := range ef.Progs {
		if ph.Type != elf.PT_LOAD {
			continue
		}
		if ph.Filesz > ph.Memsz {
			mm.Truncate(mark)
			return 0, defs.NewError(op, defs.StatusInvalid)
		}

		prot := progFlagsToProt(ph.Flags)
		region, err := mm.Map(ph.Vaddr, int(ph.Memsz), nil, 0, prot)
		if err != nil {
			mm.Truncate(mark)
			return 0, err
		}

		if ph.Filesz > 0 {
			n, err := f.ReadAt(region.HVA[:ph.Filesz], int64(ph.Off))
			if err != nil && err != io.EOF {
				mm.Truncate(mark)
				return 0, defs.Wrap(op, defs.StatusIOError, err)
			}
			if uint64(n) != ph.Filesz {
				mm.Truncate(mark)
				return 0, defs.NewError(op, defs.StatusIOError)
			}
		}
		// [Filesz, Memsz) is already zero: region.HVA came from a
		// fresh anonymous mapping.
	}

	return ef.Entry, nil
}

func progFlagsToProt(f elf.ProgFlag) defs.Prot {
	var p defs.Prot
	if f&elf.PF_R != 0 {
		p |= defs.ProtRead
	}
	if f&elf.PF_W != 0 {
		p |= defs.ProtWrite
	}
	if f&elf.PF_X != 0 {
		p |= defs.ProtExec
	}
	return p
}

// LoadAuto tries LoadELF64 first; on any failure it unwinds whatever
// LoadELF64 left behind and falls back to LoadFlat.
func LoadAuto(mm *memmap.MemoryMap, path string) (uint64, error) {
	mark := mm.Len()
	entry, err := LoadELF64(mm, path)
	if err == nil {
		return entry, nil
	}
	mm.Truncate(mark)
	return LoadFlat(mm, path)
}
