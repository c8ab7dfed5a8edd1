package linker

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/A-new/reopt/pkg/elf"
	"github.com/A-new/reopt/pkg/log"
)

var (
	UnsupportedRelocationErr = errors.New("Relocation kind is not supported.")
	RelocationOverflowErr    = errors.New("Relocated value does not fit its field.")
	BufferOverflowErr        = errors.New("Write would run past the end of the buffer.")
)

// ApplyRelocations patches a section's payload according to its relocation
// entries. The caller's bytes are never touched: the section is copied,
// every entry is applied to the copy in list order, and the copy is handed
// back.
//
// PC32 stores the displacement to the symbol with no range check, a
// displacement out of 32-bit range wraps silently. The two absolute kinds
// check that the stored 32 bits reproduce the full value under their
// extension rule.
func ApplyRelocations(info *RelocationInfo, symtab []*elf.NamedSymbol, sectionAddr uint64, data []byte, entries []elf.ELF64Rela) ([]byte, error) {
	patched := make([]byte, len(data))
	copy(patched, data)

	for _, rela := range entries {
		ndx := int(rela.SymIndex())
		if ndx >= len(symtab) {
			return nil, errors.Wrapf(BadSymbolErr, "relocation at %#x names symbol %d of %d", rela.Offset, ndx, len(symtab))
		}
		symbol := symtab[ndx]

		addr, err := info.Resolve(symbol)
		if err != nil {
			return nil, errors.Wrapf(err, "relocation at %#x", rela.Offset)
		}

		if uint64(len(patched)) < 4 || rela.Offset > uint64(len(patched))-4 {
			return nil, errors.Wrapf(BufferOverflowErr, "relocation at %#x in %d byte section", rela.Offset, len(patched))
		}

		switch rela.Kind() {
		case elf.R_X86_64_PC32:
			value := addr + uint64(rela.Addend) - (sectionAddr + rela.Offset)
			binary.LittleEndian.PutUint32(patched[rela.Offset:], uint32(value))
			log.Debugf("PC32 %s: %#x at offset %#x", symbol.Name, uint32(value), rela.Offset)

		case elf.R_X86_64_32:
			value := addr + uint64(rela.Addend)
			if value != uint64(uint32(value)) {
				return nil, errors.Wrapf(RelocationOverflowErr, "%s: %#x does not safely zero extend", symbol.Name, value)
			}
			binary.LittleEndian.PutUint32(patched[rela.Offset:], uint32(value))

		case elf.R_X86_64_32S:
			value := int64(addr) + rela.Addend
			if value != int64(int32(value)) {
				return nil, errors.Wrapf(RelocationOverflowErr, "%s: %#x does not safely sign extend", symbol.Name, value)
			}
			binary.LittleEndian.PutUint32(patched[rela.Offset:], uint32(value))

		default:
			return nil, errors.Wrapf(UnsupportedRelocationErr, "kind %d against %s", rela.Kind(), symbol.Name)
		}
	}

	return patched, nil
}
