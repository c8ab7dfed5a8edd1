package linker

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/A-new/reopt/pkg/elf"
)

func TestValidateBinaryAcceptsStaticExecutable(t *testing.T) {
	assert.NoError(t, validateBinary(buildHostBinary(t)))
}

func TestValidateBinaryRejectsDynamicLinking(t *testing.T) {
	binary := &elf.ELF64{
		Filename: "dyn",
		Header:   elfIdent(elf.ET_EXEC),
		PhdrEntries: []elf.ELF64Phdr{
			{Type: elf.PT_INTERP},
			{Type: elf.PT_LOAD},
			{Type: elf.PT_DYNAMIC},
		},
	}

	err := validateBinary(binary)
	require.Error(t, err)
	assert.True(t, errors.Is(err, InvalidInputErr))
	assert.Contains(t, err.Error(), "dynamically linked")
}

func TestValidateBinaryRejectsWrongType(t *testing.T) {
	binary := &elf.ELF64{Filename: "shared", Header: elfIdent(elf.ET_DYN)}

	err := validateBinary(binary)
	assert.True(t, errors.Is(err, InvalidInputErr))
	assert.Contains(t, err.Error(), "not an executable")
}

func TestValidateBinaryRejects32Bit(t *testing.T) {
	hdr := elfIdent(elf.ET_EXEC)
	hdr.Ident[elf.EI_CLASS] = 1
	binary := &elf.ELF64{Filename: "elf32", Header: hdr}

	err := validateBinary(binary)
	assert.True(t, errors.Is(err, InvalidInputErr))
	assert.Contains(t, err.Error(), "64-bit")
}

func TestValidateBinaryRejectsRelro(t *testing.T) {
	binary := &elf.ELF64{
		Filename: "hardened",
		Header:   elfIdent(elf.ET_EXEC),
		PhdrEntries: []elf.ELF64Phdr{
			{Type: elf.PT_LOAD},
			{Type: elf.PT_GNU_RELRO},
		},
	}

	err := validateBinary(binary)
	assert.True(t, errors.Is(err, InvalidInputErr))
	assert.Contains(t, err.Error(), "relro")
}

func TestValidateBinaryRejectsSecondTLSSegment(t *testing.T) {
	binary := &elf.ELF64{
		Filename: "twotls",
		Header:   elfIdent(elf.ET_EXEC),
		PhdrEntries: []elf.ELF64Phdr{
			{Type: elf.PT_TLS},
			{Type: elf.PT_TLS},
		},
	}

	err := validateBinary(binary)
	assert.True(t, errors.Is(err, InvalidInputErr))
	assert.Contains(t, err.Error(), "thread local")

	binary.PhdrEntries = binary.PhdrEntries[:1]
	assert.NoError(t, validateBinary(binary))
}

func TestValidateObjectAcceptsRelocatable(t *testing.T) {
	assert.NoError(t, validateObject(buildHostBinary(t), testObject(objectOpts{data: true})))
}

func TestValidateObjectRejectsWrongType(t *testing.T) {
	object := testObject(objectOpts{})
	object.Header = elfIdent(elf.ET_EXEC)

	err := validateObject(buildHostBinary(t), object)
	assert.True(t, errors.Is(err, InvalidInputErr))
	assert.Contains(t, err.Error(), "not a relocatable object")
}

func TestValidateObjectRejectsABIMismatch(t *testing.T) {
	object := testObject(objectOpts{})
	object.Header.Ident[elf.EI_OSABI] = 3

	err := validateObject(buildHostBinary(t), object)
	assert.True(t, errors.Is(err, InvalidInputErr))
	assert.Contains(t, err.Error(), "OS ABI")
}

func TestValidateObjectRejectsThreadLocalSections(t *testing.T) {
	object := testObject(objectOpts{data: true})
	object.Sections[4].Hdr.ShFlags |= elf.SHF_TLS

	err := validateObject(buildHostBinary(t), object)
	assert.True(t, errors.Is(err, InvalidInputErr))
	assert.Contains(t, err.Error(), "thread local section .data")
}

func TestObjWantsNXStack(t *testing.T) {
	assert.True(t, objWantsNXStack(testObject(objectOpts{})))
	assert.False(t, objWantsNXStack(testObject(objectOpts{execStack: true})))

	// No stack note at all leaves the merged binary without a marker.
	object := testObject(objectOpts{})
	object.Sections = object.Sections[:3]
	assert.False(t, objWantsNXStack(object))
}
