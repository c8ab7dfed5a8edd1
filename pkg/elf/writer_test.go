package elf

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Parsing a binary, inferring its layout and serializing the layout again
// must reproduce the file byte for byte.
func TestWriteLayoutRoundtrip(t *testing.T) {
	data, layout := inferSampleLayout(t)

	out, err := WriteLayout(layout)
	require.NoError(t, err)

	require.Equal(t, len(data), len(out))
	assert.True(t, bytes.Equal(data, out), "serialized layout differs from the original image")
}

func TestWriteLayoutRequiresHeader(t *testing.T) {
	_, err := WriteLayout([]Region{RawRegion{Off: 0, Data: make([]byte, 8)}})
	assert.True(t, errors.Is(err, BadWriteLayoutErr))
}

func TestWriteLayoutRejectsDuplicateTables(t *testing.T) {
	_, err := WriteLayout([]Region{HeaderRegion{}, HeaderRegion{}})
	assert.True(t, errors.Is(err, BadWriteLayoutErr))
}

func TestWriteLayoutRejectsPhdrCountMismatch(t *testing.T) {
	_, err := WriteLayout([]Region{
		HeaderRegion{},
		PhdrTableRegion{Off: EhdrSize, Count: 2},
		SegmentRegion{Index: 0, Phdr: ELF64Phdr{Type: PT_LOAD}},
	})
	assert.True(t, errors.Is(err, BadWriteLayoutErr))
}

func TestWriteLayoutRejectsDuplicateSegmentIndex(t *testing.T) {
	_, err := WriteLayout([]Region{
		HeaderRegion{},
		PhdrTableRegion{Off: EhdrSize, Count: 2},
		SegmentRegion{Index: 1, Phdr: ELF64Phdr{Type: PT_LOAD}},
		SegmentRegion{Index: 1, Phdr: ELF64Phdr{Type: PT_NULL}},
	})
	assert.True(t, errors.Is(err, BadWriteLayoutErr))
}

func TestWriteLayoutOrdersSegmentsByIndex(t *testing.T) {
	out, err := WriteLayout([]Region{
		HeaderRegion{},
		PhdrTableRegion{Off: EhdrSize, Count: 2},
		SegmentRegion{Index: 1, Phdr: ELF64Phdr{Type: PT_LOAD, Offset: 0x200}},
		SegmentRegion{Index: 0, Phdr: ELF64Phdr{Type: PT_GNU_STACK}},
	})
	require.NoError(t, err)

	header, err := ParseHeader(out)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), header.PhNum)

	elf64 := &ELF64{Header: header}
	elf64.Header.Ident[EI_MAG0] = 0x7F
	require.NoError(t, elf64.ParsePhdr(out))

	assert.Equal(t, uint32(PT_GNU_STACK), elf64.PhdrEntries[0].Type)
	assert.Equal(t, uint32(PT_LOAD), elf64.PhdrEntries[1].Type)
}

// NOBITS sections occupy no file bytes, the image must not grow to hold
// them.
func TestWriteLayoutSkipsNobits(t *testing.T) {
	out, err := WriteLayout([]Region{
		HeaderRegion{},
		SegmentRegion{
			Index: 0,
			Phdr:  ELF64Phdr{Type: PT_LOAD, Offset: EhdrSize, FileSz: 0x10},
			Children: []Region{
				SectionRegion{
					Name: ".bss",
					Shdr: ELF64Shdr{ShType: SHT_NOBITS, ShOff: 0x40, ShSize: 0x4000},
				},
			},
		},
	})
	require.NoError(t, err)

	assert.Len(t, out, EhdrSize+0x10)
}
