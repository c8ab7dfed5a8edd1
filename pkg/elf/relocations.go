package elf

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// x86-64 relocation kinds, the low word of a rela Info field.
const (
	R_X86_64_NONE  = 0
	R_X86_64_64    = 1
	R_X86_64_PC32  = 2
	R_X86_64_GOT32 = 3
	R_X86_64_PLT32 = 4
	R_X86_64_COPY  = 5
	R_X86_64_32    = 10
	R_X86_64_32S   = 11
	R_X86_64_16    = 12
	R_X86_64_PC16  = 13
	R_X86_64_8     = 14
	R_X86_64_PC8   = 15
)

type ELF64Rela struct {
	Offset uint64
	Info   uint64
	Addend int64
}

// SymIndex returns the symbol table index encoded in Info.
func (rela ELF64Rela) SymIndex() uint32 {
	return uint32(rela.Info >> 32)
}

// Kind returns the relocation kind encoded in Info.
func (rela ELF64Rela) Kind() uint32 {
	return uint32(rela.Info & 0xFFFFFFFF)
}

var BadRelaSectionErr = errors.New("Section does not hold rela entries.")

// RelaEntries decodes the section payload as a table of rela records.
// x86-64 objects carry addends explicitly, plain SHT_REL sections are not
// produced for this target and are rejected.
func (section *Section) RelaEntries() ([]ELF64Rela, error) {
	if section.Hdr.ShType != SHT_RELA {
		return nil, errors.Wrapf(BadRelaSectionErr, "%s has type %d", section.Name, section.Hdr.ShType)
	}

	if len(section.Data)%RelaSize != 0 {
		return nil, errors.Wrapf(BadRelaSectionErr, "%s holds %d bytes, not a multiple of %d", section.Name, len(section.Data), RelaSize)
	}

	entries := make([]ELF64Rela, 0, len(section.Data)/RelaSize)
	for offset := 0; offset < len(section.Data); offset += RelaSize {
		entries = append(entries, ELF64Rela{
			Offset: binary.LittleEndian.Uint64(section.Data[offset : offset+0x08]),
			Info:   binary.LittleEndian.Uint64(section.Data[offset+0x08 : offset+0x10]),
			Addend: int64(binary.LittleEndian.Uint64(section.Data[offset+0x10 : offset+0x18])),
		})
	}

	return entries, nil
}
