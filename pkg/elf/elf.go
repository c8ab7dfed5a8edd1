package elf

import (
	"encoding/binary"
	"os"
	"reflect"

	"github.com/pkg/errors"

	"github.com/A-new/reopt/pkg/helpers"
)

/*
   The following structures and interface are documented by https://www.uclibc.org/docs/elf-64-gen.pdf
*/

type ELF64Sym struct {
	// string table offset
	StName uint32

	// Type and Binding
	StInfo byte

	// Padding
	StOther byte

	// section header index
	StShNdx uint16

	// section offset
	StValue uint64

	// object size
	StSize uint64
}

// Symbol type, low nibble of StInfo
type STT byte

const (
	STT_NOTYPE  = 0
	STT_OBJECT  = 1
	STT_FUNC    = 2
	STT_SECTION = 3
	STT_FILE    = 4
	STT_COMMON  = 5
	STT_TLS     = 6
	STT_LOOS    = 10
	STT_HIOS    = 12
	STT_LOPROC  = 13
	STT_HIPROC  = 15
)

// Symbol binding, high nibble of StInfo
type STB byte

const (
	STB_LOCAL  = 0
	STB_GLOBAL = 1
	STB_WEAK   = 2
	STB_LOOS   = 10
	STB_HIOS   = 12
	STB_LOPROC = 13
	STB_HIPROC = 15
)

const (
	SHN_UNDEF     = 0
	SHN_LORESERVE = 0xFF00
	SHN_ABS       = 0xFFF1
	SHN_COMMON    = 0xFFF2
)

type ELF64Ehdr struct {
	Ident     [16]byte // ELF identification
	Type      uint16   // Object file type
	Machine   uint16   // Machine type
	Version   uint32   // Object file version
	Entry     uint64   // Entry point address
	PhOff     uint64   // Program Header offset
	ShOff     uint64   // Section Header offset
	Flags     uint32   // Processor specific flags
	EhSize    uint16   // ELF Header size
	PhEntSize uint16   // Size of Program Header
	PhNum     uint16   // Number of program header entries
	ShEntSize uint16   // Size of the Section Header entry
	ShNum     uint16   // Number of Section Header entries
	ShStrNdx  uint16   // Section name String Table index
}

const (
	EI_MAG0       = 0
	EI_MAG1       = 1
	EI_MAG2       = 2
	EI_MAG3       = 3
	EI_CLASS      = 4
	EI_DATA       = 5
	EI_VERSION    = 6
	EI_OSABI      = 7
	EI_ABIVERSION = 8
	EI_PAD        = 9
	EI_NIDENT     = 16
)

// Fixed on-disk entry sizes for the 64-bit class.
const (
	EhdrSize = 64
	PhdrSize = 56
	ShdrSize = 64
	SymSize  = 24
	RelaSize = 24
)

var (
	InvalidMagicErr = errors.New("Invalid magic in ELF file.")
	UnparsedELFErr  = errors.New("ELF header was not parsed.")
	TruncatedELFErr = errors.New("ELF file ends before a declared table.")
)

// inBounds reports whether [off, off+size) lies inside a buffer of the given
// length, without tripping on unsigned wraparound.
func inBounds(off, size, length uint64) bool {
	return off <= length && size <= length-off
}

func (elf64Ehdr *ELF64Ehdr) VerifyMagic() error {
	if !reflect.DeepEqual(elf64Ehdr.Ident[EI_MAG0:EI_CLASS], []byte{'\x7f', 'E', 'L', 'F'}) {
		return InvalidMagicErr
	}

	return nil
}

func ParseHeader(elfDump []byte) (ELF64Ehdr, error) {
	if len(elfDump) < EhdrSize {
		return ELF64Ehdr{}, errors.Wrapf(TruncatedELFErr, "%d bytes is short of a full ELF header", len(elfDump))
	}

	elf64Ehdr := ELF64Ehdr{
		Type:      binary.LittleEndian.Uint16(elfDump[0x10:0x12]),
		Machine:   binary.LittleEndian.Uint16(elfDump[0x12:0x14]),
		Version:   binary.LittleEndian.Uint32(elfDump[0x14:0x18]),
		Entry:     binary.LittleEndian.Uint64(elfDump[0x18:0x20]),
		PhOff:     binary.LittleEndian.Uint64(elfDump[0x20:0x28]),
		ShOff:     binary.LittleEndian.Uint64(elfDump[0x28:0x30]),
		Flags:     binary.LittleEndian.Uint32(elfDump[0x30:0x34]),
		EhSize:    binary.LittleEndian.Uint16(elfDump[0x34:0x36]),
		PhEntSize: binary.LittleEndian.Uint16(elfDump[0x36:0x38]),
		PhNum:     binary.LittleEndian.Uint16(elfDump[0x38:0x3a]),
		ShEntSize: binary.LittleEndian.Uint16(elfDump[0x3a:0x3c]),
		ShNum:     binary.LittleEndian.Uint16(elfDump[0x3c:0x3e]),
		ShStrNdx:  binary.LittleEndian.Uint16(elfDump[0x3e:0x40]),
	}

	copy(elf64Ehdr.Ident[:], elfDump[0:16])

	return elf64Ehdr, nil
}

const (
	ELFCLASS32 uint32 = 1
	ELFCLASS64        = 2
)

const (
	ELFDATA2LSB uint32 = 1
	ELFDATA2MSB        = 2
)

const (
	ELFOSABI_SYSV       = 0
	ELFOSABI_HPUX       = 1
	ELFOSABI_STANDALONE = 255
)

// Type of ELF file
const (
	ET_NONE = 0

	// Relocatable object file
	ET_REL = 1

	// Executable file
	ET_EXEC = 2

	// Shared object file
	ET_DYN = 3

	ET_CORE   = 4
	ET_LOOS   = 0xFE00
	ET_HIOS   = 0xFEFF
	ET_LOPROC = 0xFF00
	ET_HIPROC = 0xFFFF
)

const (
	EM_X86_64 = 0x3E
)

func (elf64Ehdr *ELF64Ehdr) checkParsed() error {
	if elf64Ehdr.Ident[EI_MAG0] == 0 {
		return UnparsedELFErr
	}

	return nil
}

func (elf64Ehdr *ELF64Ehdr) GetClass() (uint32, error) {
	if err := elf64Ehdr.checkParsed(); err != nil {
		return 0, err
	}

	if elf64Ehdr.Ident[EI_CLASS] == 1 {
		return 0, errors.New("ELF32 is not supported.")
	}

	return ELFCLASS64, nil
}

func (elf64Ehdr *ELF64Ehdr) GetEndianess() (uint32, error) {
	if err := elf64Ehdr.checkParsed(); err != nil {
		return 0, err
	}

	if elf64Ehdr.Ident[EI_DATA] == 2 {
		return 0, errors.New("Big endianess not supported")
	}

	return ELFDATA2LSB, nil
}

func (elf64Ehdr *ELF64Ehdr) GetVersion() (uint32, error) {
	if err := elf64Ehdr.checkParsed(); err != nil {
		return 0, err
	}

	return uint32(elf64Ehdr.Ident[EI_VERSION]), nil
}

func (elf64Ehdr *ELF64Ehdr) GetOsABI() (uint32, error) {
	if err := elf64Ehdr.checkParsed(); err != nil {
		return 0, err
	}

	return uint32(elf64Ehdr.Ident[EI_OSABI]), nil
}

func (elf64Ehdr *ELF64Ehdr) GetABIVersion() (uint32, error) {
	if err := elf64Ehdr.checkParsed(); err != nil {
		return 0, err
	}

	return uint32(elf64Ehdr.Ident[EI_ABIVERSION]), nil
}

// Section header entries
type ELF64Shdr struct {
	ShName      uint32 // offset to the section name relative to section name table
	ShType      uint32 // section type
	ShFlags     uint64 //
	ShAddr      uint64
	ShOff       uint64
	ShSize      uint64
	ShLink      uint32
	ShInfo      uint32
	ShAddrAlign uint64
	ShEntSize   uint64
}

const (
	SHT_NULL     = 0
	SHT_PROGBITS = 1
	SHT_SYMTAB   = 2
	SHT_STRTAB   = 3
	SHT_RELA     = 4
	SHT_HASH     = 5
	SHT_DYNAMIC  = 6
	SHT_NOTE     = 7
	SHT_NOBITS   = 8
	SHT_REL      = 9
	SHT_SHLIB    = 10
	SHT_DYNSYM   = 11
	SHT_LOOS     = 0x60000000
	SHT_HIOS     = 0x6FFFFFFF
	SHT_LOPROC   = 0x70000000
	SHT_HIPROC   = 0x7FFFFFFF
)

const (
	SHF_WRITE     = 0x1
	SHF_ALLOC     = 0x2
	SHF_EXECINSTR = 0x4
	SHF_TLS       = 0x400
	SHF_MASKOS    = 0x0F000000
	SHF_MASKPROC  = 0xF0000000
)

type ELF64Phdr struct {
	Type   uint32
	Flags  uint32
	Offset uint64
	Vaddr  uint64
	Paddr  uint64 // padding
	FileSz uint64
	MemSz  uint64
	Align  uint64
}

const (
	PT_NULL         = 0
	PT_LOAD         = 1
	PT_DYNAMIC      = 2
	PT_INTERP       = 3
	PT_NOTE         = 4
	PT_SHLIB        = 5
	PT_PHDR         = 6
	PT_TLS          = 7
	PT_LOOS         = 0x60000000
	PT_GNU_EH_FRAME = 0x6474E550
	PT_GNU_STACK    = 0x6474E551
	PT_GNU_RELRO    = 0x6474E552
	PT_HIOS         = 0x6FFFFFFF
	PT_LOPROC       = 0x70000000
	PT_HIPROC       = 0x7FFFFFFF
)

const (
	PF_X        = 0x1
	PF_W        = 0x2
	PF_R        = 0x4
	PF_MASKOS   = 0x00FF0000
	PF_MASKPROC = 0xFF000000
)

// Section bundles a header entry with its resolved name and payload.
// Data is nil for SHT_NULL and SHT_NOBITS sections.
type Section struct {
	Index int
	Name  string
	Hdr   *ELF64Shdr
	Data  []byte
}

type NamedSymbol struct {
	Index int
	Name  string
	Sym   *ELF64Sym
}

type ELF64 struct {
	Filename string
	File     *os.File

	// Raw file image the section payloads alias into.
	Data []byte

	Header ELF64Ehdr

	ShdrEntries [](*ELF64Shdr)
	PhdrEntries []ELF64Phdr

	Sections []*Section
	Symbols  [](*NamedSymbol)
}

// NewFromBytes parses a complete ELF image. Section payloads alias into
// elfDump, they are never copied.
func NewFromBytes(name string, elfDump []byte) (*ELF64, error) {
	header, err := ParseHeader(elfDump)
	if err != nil {
		return nil, errors.Wrap(err, name)
	}

	if err := header.VerifyMagic(); err != nil {
		return nil, errors.Wrap(err, name)
	}

	elf := &ELF64{
		Filename: name,
		Data:     elfDump,
		Header:   header,
	}

	if err := elf.ParseShdr(elfDump); err != nil {
		return nil, errors.Wrap(err, name)
	}

	if err := elf.ParsePhdr(elfDump); err != nil {
		return nil, errors.Wrap(err, name)
	}

	if err := elf.ParseSymTable(elfDump); err != nil {
		return nil, errors.Wrap(err, name)
	}

	return elf, nil
}

// ParseShdr decodes every section header entry, including the null entry at
// index 0. Symbols and relocations refer to sections by table index, so the
// indices recorded here must match the file exactly.
func (elf *ELF64) ParseShdr(elfDump []byte) error {
	if err := elf.Header.checkParsed(); err != nil {
		return err
	}

	if elf.Header.ShNum == 0 {
		return nil
	}

	entryOffset := elf.Header.ShOff
	if !inBounds(entryOffset, uint64(elf.Header.ShNum)*ShdrSize, uint64(len(elfDump))) {
		return errors.Wrapf(TruncatedELFErr, "section header table at %#x", entryOffset)
	}

	for entryNdx := uint16(0); entryNdx < elf.Header.ShNum; entryNdx++ {
		entry := &ELF64Shdr{}
		entry.ShName = binary.LittleEndian.Uint32(elfDump[entryOffset : entryOffset+4])
		entry.ShType = binary.LittleEndian.Uint32(elfDump[entryOffset+0x04 : entryOffset+0x08])
		entry.ShFlags = binary.LittleEndian.Uint64(elfDump[entryOffset+0x08 : entryOffset+0x10])
		entry.ShAddr = binary.LittleEndian.Uint64(elfDump[entryOffset+0x10 : entryOffset+0x18])
		entry.ShOff = binary.LittleEndian.Uint64(elfDump[entryOffset+0x18 : entryOffset+0x20])
		entry.ShSize = binary.LittleEndian.Uint64(elfDump[entryOffset+0x20 : entryOffset+0x28])
		entry.ShLink = binary.LittleEndian.Uint32(elfDump[entryOffset+0x28 : entryOffset+0x2c])
		entry.ShInfo = binary.LittleEndian.Uint32(elfDump[entryOffset+0x2c : entryOffset+0x30])
		entry.ShAddrAlign = binary.LittleEndian.Uint64(elfDump[entryOffset+0x30 : entryOffset+0x38])
		entry.ShEntSize = binary.LittleEndian.Uint64(elfDump[entryOffset+0x38 : entryOffset+0x40])
		elf.ShdrEntries = append(elf.ShdrEntries, entry)
		entryOffset += ShdrSize
	}

	var shstrtab *ELF64Shdr
	if int(elf.Header.ShStrNdx) < len(elf.ShdrEntries) {
		shstrtab = elf.ShdrEntries[elf.Header.ShStrNdx]
		if !inBounds(shstrtab.ShOff, shstrtab.ShSize, uint64(len(elfDump))) {
			return errors.Wrapf(TruncatedELFErr, "section name table at %#x", shstrtab.ShOff)
		}
	}

	for ndx, entry := range elf.ShdrEntries {
		section := &Section{
			Index: ndx,
			Hdr:   entry,
		}

		if shstrtab != nil && uint64(entry.ShName) < shstrtab.ShSize {
			section.Name = helpers.GetString(elfDump[shstrtab.ShOff+uint64(entry.ShName) : shstrtab.ShOff+shstrtab.ShSize])
		}

		if entry.ShType != SHT_NULL && entry.ShType != SHT_NOBITS && entry.ShSize > 0 {
			if !inBounds(entry.ShOff, entry.ShSize, uint64(len(elfDump))) {
				return errors.Wrapf(TruncatedELFErr, "section %s at %#x", section.Name, entry.ShOff)
			}
			section.Data = elfDump[entry.ShOff : entry.ShOff+entry.ShSize]
		}

		elf.Sections = append(elf.Sections, section)
	}

	return nil
}

func (elf *ELF64) ParsePhdr(elfDump []byte) error {
	if err := elf.Header.checkParsed(); err != nil {
		return err
	}

	if elf.Header.PhNum == 0 {
		return nil
	}

	entryOffset := elf.Header.PhOff
	if !inBounds(entryOffset, uint64(elf.Header.PhNum)*PhdrSize, uint64(len(elfDump))) {
		return errors.Wrapf(TruncatedELFErr, "program header table at %#x", entryOffset)
	}

	for entryNdx := uint16(0); entryNdx < elf.Header.PhNum; entryNdx++ {
		entry := ELF64Phdr{
			Type:   binary.LittleEndian.Uint32(elfDump[entryOffset : entryOffset+0x04]),
			Flags:  binary.LittleEndian.Uint32(elfDump[entryOffset+0x04 : entryOffset+0x08]),
			Offset: binary.LittleEndian.Uint64(elfDump[entryOffset+0x08 : entryOffset+0x10]),
			Vaddr:  binary.LittleEndian.Uint64(elfDump[entryOffset+0x10 : entryOffset+0x18]),
			Paddr:  binary.LittleEndian.Uint64(elfDump[entryOffset+0x18 : entryOffset+0x20]),
			FileSz: binary.LittleEndian.Uint64(elfDump[entryOffset+0x20 : entryOffset+0x28]),
			MemSz:  binary.LittleEndian.Uint64(elfDump[entryOffset+0x28 : entryOffset+0x30]),
			Align:  binary.LittleEndian.Uint64(elfDump[entryOffset+0x30 : entryOffset+0x38]),
		}
		elf.PhdrEntries = append(elf.PhdrEntries, entry)
		entryOffset += PhdrSize
	}

	return nil
}

// ParseSymTable decodes the symbol table and resolves symbol names through
// the string table it links to. A file without a symbol table leaves Symbols
// empty, stripped executables are still inspectable.
func (elf *ELF64) ParseSymTable(elfDump []byte) error {
	symtabNdx := helpers.FindIf(elf.ShdrEntries, func(entry *ELF64Shdr) bool {
		return entry.ShType == SHT_SYMTAB
	})

	if symtabNdx == -1 {
		return nil
	}

	symtab := elf.ShdrEntries[symtabNdx]
	if !inBounds(symtab.ShOff, symtab.ShSize, uint64(len(elfDump))) {
		return errors.Wrapf(TruncatedELFErr, "symbol table at %#x", symtab.ShOff)
	}

	var strtab *ELF64Shdr
	if int(symtab.ShLink) < len(elf.ShdrEntries) {
		strtab = elf.ShdrEntries[symtab.ShLink]
		if !inBounds(strtab.ShOff, strtab.ShSize, uint64(len(elfDump))) {
			return errors.Wrapf(TruncatedELFErr, "symbol string table at %#x", strtab.ShOff)
		}
	}

	// parse each symbol, the null entry at index 0 included
	ndx := 0
	for offset := symtab.ShOff; offset+SymSize <= symtab.ShOff+symtab.ShSize; offset += SymSize {
		symbol := &ELF64Sym{
			StName:  binary.LittleEndian.Uint32(elfDump[offset : offset+0x04]),
			StInfo:  elfDump[offset+0x04],
			StOther: elfDump[offset+0x05],
			StShNdx: binary.LittleEndian.Uint16(elfDump[offset+0x06 : offset+0x08]),
			StValue: binary.LittleEndian.Uint64(elfDump[offset+0x08 : offset+0x10]),
			StSize:  binary.LittleEndian.Uint64(elfDump[offset+0x10 : offset+0x18]),
		}

		named := &NamedSymbol{
			Index: ndx,
			Sym:   symbol,
		}

		if strtab != nil && uint64(symbol.StName) < strtab.ShSize {
			named.Name = helpers.GetString(elfDump[strtab.ShOff+uint64(symbol.StName) : strtab.ShOff+strtab.ShSize])
		}

		elf.Symbols = append(elf.Symbols, named)
		ndx++
	}

	return nil
}

func (sym ELF64Sym) GetType() STT {
	return STT(sym.StInfo & 0x0f)
}

func (sym ELF64Sym) GetBinding() STB {
	return STB(sym.StInfo >> 4)
}
