package elf

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sampleTextOff  = 0x1000
	sampleTextAddr = 0x401000
	sampleFuncAddr = 0x401006

	sampleSymtabOff   = 0x1010
	sampleStrtabOff   = 0x1040
	sampleShstrtabOff = 0x104B
	sampleShdrOff     = 0x1070
)

var sampleText = []byte{
	0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3,
	0xB8, 0x45, 0x00, 0x00, 0x00, 0xC3,
	0x90, 0x90, 0x90, 0x90,
}

func putSym(buf []byte, sym ELF64Sym) {
	binary.LittleEndian.PutUint32(buf[0x00:], sym.StName)
	buf[0x04] = sym.StInfo
	buf[0x05] = sym.StOther
	binary.LittleEndian.PutUint16(buf[0x06:], sym.StShNdx)
	binary.LittleEndian.PutUint64(buf[0x08:], sym.StValue)
	binary.LittleEndian.PutUint64(buf[0x10:], sym.StSize)
}

// buildSampleExecutable lays out a small statically linked executable by
// hand: one executable load segment holding the file header, the program
// header table and sixteen bytes of code, a stack marker, and a symbol
// table naming the second of the two functions in the code.
func buildSampleExecutable() []byte {
	strtab := []byte("\x00orig_func\x00")
	shstrtab := []byte("\x00.text\x00.symtab\x00.strtab\x00.shstrtab\x00")

	out := make([]byte, sampleShdrOff+5*ShdrSize)

	putEhdr(out, ELF64Ehdr{
		Ident: [16]byte{
			0x7F, 'E', 'L', 'F',
			byte(ELFCLASS64), byte(ELFDATA2LSB), 1, 0,
			0, 0, 0, 0, 0, 0, 0, 0,
		},
		Type:      ET_EXEC,
		Machine:   EM_X86_64,
		Version:   1,
		Entry:     sampleTextAddr,
		PhOff:     EhdrSize,
		ShOff:     sampleShdrOff,
		EhSize:    EhdrSize,
		PhEntSize: PhdrSize,
		PhNum:     2,
		ShEntSize: ShdrSize,
		ShNum:     5,
		ShStrNdx:  4,
	})

	putPhdr(out[EhdrSize:], ELF64Phdr{
		Type:   PT_LOAD,
		Flags:  PF_R | PF_X,
		Offset: 0,
		Vaddr:  0x400000,
		Paddr:  0x400000,
		FileSz: sampleTextOff + uint64(len(sampleText)),
		MemSz:  sampleTextOff + uint64(len(sampleText)),
		Align:  0x1000,
	})
	putPhdr(out[EhdrSize+PhdrSize:], ELF64Phdr{
		Type:  PT_GNU_STACK,
		Flags: PF_R | PF_W,
		Align: 0x10,
	})

	copy(out[sampleTextOff:], sampleText)

	putSym(out[sampleSymtabOff+SymSize:], ELF64Sym{
		StName:  1,
		StInfo:  STB_GLOBAL<<4 | STT_FUNC,
		StShNdx: 1,
		StValue: sampleFuncAddr,
		StSize:  6,
	})
	copy(out[sampleStrtabOff:], strtab)
	copy(out[sampleShstrtabOff:], shstrtab)

	shdrs := []ELF64Shdr{
		{},
		{
			ShName:      1,
			ShType:      SHT_PROGBITS,
			ShFlags:     SHF_ALLOC | SHF_EXECINSTR,
			ShAddr:      sampleTextAddr,
			ShOff:       sampleTextOff,
			ShSize:      uint64(len(sampleText)),
			ShAddrAlign: 16,
		},
		{
			ShName:      7,
			ShType:      SHT_SYMTAB,
			ShOff:       sampleSymtabOff,
			ShSize:      2 * SymSize,
			ShLink:      3,
			ShInfo:      1,
			ShAddrAlign: 8,
			ShEntSize:   SymSize,
		},
		{
			ShName:      15,
			ShType:      SHT_STRTAB,
			ShOff:       sampleStrtabOff,
			ShSize:      uint64(len(strtab)),
			ShAddrAlign: 1,
		},
		{
			ShName:      23,
			ShType:      SHT_STRTAB,
			ShOff:       sampleShstrtabOff,
			ShSize:      uint64(len(shstrtab)),
			ShAddrAlign: 1,
		},
	}
	for i, shdr := range shdrs {
		putShdr(out[sampleShdrOff+uint64(i)*ShdrSize:], shdr)
	}

	return out
}

func TestParseHeader(t *testing.T) {
	header, err := ParseHeader(buildSampleExecutable())
	require.NoError(t, err)

	assert.Equal(t, uint16(ET_EXEC), header.Type)
	assert.Equal(t, uint16(EM_X86_64), header.Machine)
	assert.Equal(t, uint64(sampleTextAddr), header.Entry)
	assert.Equal(t, uint64(EhdrSize), header.PhOff)
	assert.Equal(t, uint64(sampleShdrOff), header.ShOff)
	assert.Equal(t, uint16(2), header.PhNum)
	assert.Equal(t, uint16(5), header.ShNum)
	assert.Equal(t, uint16(4), header.ShStrNdx)
}

func TestVerifyMagic(t *testing.T) {
	data := buildSampleExecutable()

	header, err := ParseHeader(data)
	require.NoError(t, err)
	assert.NoError(t, header.VerifyMagic())

	data[1] = 'X'
	header, err = ParseHeader(data)
	require.NoError(t, err)
	assert.True(t, errors.Is(header.VerifyMagic(), InvalidMagicErr))

	_, err = NewFromBytes("corrupt", data)
	assert.True(t, errors.Is(err, InvalidMagicErr))
}

func TestNewFromBytes(t *testing.T) {
	elf64, err := NewFromBytes("sample", buildSampleExecutable())
	require.NoError(t, err)

	assert.Equal(t, "sample", elf64.Filename)

	require.Len(t, elf64.Sections, 5)
	assert.Equal(t, ".text", elf64.Sections[1].Name)
	assert.Equal(t, sampleText, elf64.Sections[1].Data)
	assert.Equal(t, ".symtab", elf64.Sections[2].Name)
	assert.Equal(t, ".shstrtab", elf64.Sections[4].Name)

	require.Len(t, elf64.PhdrEntries, 2)
	assert.Equal(t, uint32(PT_LOAD), elf64.PhdrEntries[0].Type)
	assert.Equal(t, uint32(PT_GNU_STACK), elf64.PhdrEntries[1].Type)

	require.Len(t, elf64.Symbols, 2)
	symbol := elf64.Symbols[1]
	assert.Equal(t, "orig_func", symbol.Name)
	assert.Equal(t, STT(STT_FUNC), symbol.Sym.GetType())
	assert.Equal(t, STB(STB_GLOBAL), symbol.Sym.GetBinding())
	assert.Equal(t, uint64(sampleFuncAddr), symbol.Sym.StValue)
}

func TestNewFromBytesTruncated(t *testing.T) {
	data := buildSampleExecutable()

	_, err := NewFromBytes("truncated", data[:200])
	assert.True(t, errors.Is(err, TruncatedELFErr))
}

func TestSymbolAccessors(t *testing.T) {
	sym := ELF64Sym{StInfo: STB_WEAK<<4 | STT_OBJECT}

	assert.Equal(t, STT(STT_OBJECT), sym.GetType())
	assert.Equal(t, STB(STB_WEAK), sym.GetBinding())
}

func TestHeaderAccessors(t *testing.T) {
	var blank ELF64Ehdr
	_, err := blank.GetClass()
	assert.True(t, errors.Is(err, UnparsedELFErr))

	header, err := ParseHeader(buildSampleExecutable())
	require.NoError(t, err)

	class, err := header.GetClass()
	require.NoError(t, err)
	assert.Equal(t, uint32(ELFCLASS64), class)

	end, err := header.GetEndianess()
	require.NoError(t, err)
	assert.Equal(t, uint32(ELFDATA2LSB), end)
}
