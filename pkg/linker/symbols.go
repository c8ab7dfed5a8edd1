package linker

import (
	"github.com/pkg/errors"

	"github.com/A-new/reopt/pkg/elf"
	"github.com/A-new/reopt/pkg/log"
)

var (
	UnmappedSectionErr       = errors.New("Symbol refers to a section that was not placed.")
	UnresolvedSymbolErr      = errors.New("Symbol is not among the binary's exported symbols.")
	UnsupportedSymbolTypeErr = errors.New("Symbol type is not modeled by the merger.")
	AmbiguousSymbolErr       = errors.New("More than one symbol carries the requested name.")
	BadSymbolErr             = errors.New("Symbol table entry is malformed.")
)

// RelocationInfo resolves the object's symbols to virtual addresses: section
// based symbols through the placements chosen for the object's sections,
// external references through the original binary's exported symbol map.
// Built once per merge, read-only afterward.
type RelocationInfo struct {
	sectionAddrs map[uint16]uint64
	exports      map[string]uint64
	ambiguous    map[string]struct{}
}

// NewRelocationInfo indexes the binary's exported symbols: global defined
// functions and objects. A name defined twice is recorded as ambiguous and
// poisons lookups for that name only.
func NewRelocationInfo(binary *elf.ELF64) *RelocationInfo {
	info := &RelocationInfo{
		sectionAddrs: make(map[uint16]uint64),
		exports:      make(map[string]uint64),
		ambiguous:    make(map[string]struct{}),
	}

	for _, symbol := range binary.Symbols {
		if symbol.Name == "" || symbol.Sym.GetBinding() != elf.STB_GLOBAL {
			continue
		}

		symType := symbol.Sym.GetType()
		if symType != elf.STT_FUNC && symType != elf.STT_OBJECT {
			continue
		}

		if symbol.Sym.StShNdx == elf.SHN_UNDEF {
			continue
		}

		if _, seen := info.exports[symbol.Name]; seen {
			info.ambiguous[symbol.Name] = struct{}{}
			continue
		}

		info.exports[symbol.Name] = symbol.Sym.StValue
	}

	log.Debugf("binary exports %d symbols, %d ambiguous", len(info.exports), len(info.ambiguous))

	return info
}

// MapSection records the virtual address an object section was placed at.
func (info *RelocationInfo) MapSection(shndx int, addr uint64) {
	info.sectionAddrs[uint16(shndx)] = addr
}

// LookupExport resolves a name against the binary's exported symbols.
func (info *RelocationInfo) LookupExport(name string) (uint64, error) {
	if _, dup := info.ambiguous[name]; dup {
		return 0, errors.Wrap(AmbiguousSymbolErr, name)
	}

	addr, ok := info.exports[name]
	if !ok {
		return 0, errors.Wrap(UnresolvedSymbolErr, name)
	}

	return addr, nil
}

// Resolve turns an object symbol into the virtual address it will have once
// the object is merged.
//
// Section symbols carry no offset of their own and must name a placed
// section. Functions resolve through their defining section's placement
// plus their value. Untyped symbols are external references and must be
// undefined, they resolve by name against the binary's exports. Every other
// symbol type is unsupported.
func (info *RelocationInfo) Resolve(symbol *elf.NamedSymbol) (uint64, error) {
	sym := symbol.Sym

	switch sym.GetType() {
	case elf.STT_SECTION:
		if sym.StValue != 0 {
			return 0, errors.Wrapf(BadSymbolErr, "section symbol %d carries value %#x", symbol.Index, sym.StValue)
		}
		if sym.StShNdx == elf.SHN_UNDEF {
			return 0, errors.Wrapf(BadSymbolErr, "section symbol %d is undefined", symbol.Index)
		}

		addr, ok := info.sectionAddrs[sym.StShNdx]
		if !ok {
			return 0, errors.Wrapf(UnmappedSectionErr, "section %d", sym.StShNdx)
		}

		return addr, nil

	case elf.STT_FUNC:
		base, ok := info.sectionAddrs[sym.StShNdx]
		if !ok {
			return 0, errors.Wrapf(UnmappedSectionErr, "section %d holding %s", sym.StShNdx, symbol.Name)
		}

		return base + sym.StValue, nil

	case elf.STT_NOTYPE:
		if sym.StShNdx != elf.SHN_UNDEF {
			return 0, errors.Wrapf(BadSymbolErr, "untyped symbol %s is defined in section %d", symbol.Name, sym.StShNdx)
		}

		return info.LookupExport(symbol.Name)

	default:
		return 0, errors.Wrapf(UnsupportedSymbolTypeErr, "%s has type %d", symbol.Name, sym.GetType())
	}
}
