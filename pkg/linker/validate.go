package linker

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/A-new/reopt/pkg/elf"
)

var InvalidInputErr = errors.New("Input file cannot be merged.")

// validateBinary collects every reason the host binary is unfit for merging
// rather than bailing on the first. The merge only understands statically
// linked executables, a dynamic loader would not know about the synthesized
// segments.
func validateBinary(binary *elf.ELF64) error {
	var result *multierror.Error

	if class, err := binary.Header.GetClass(); err != nil || class != elf.ELFCLASS64 {
		result = multierror.Append(result, errors.Wrap(InvalidInputErr, "not a 64-bit ELF"))
	}
	if end, err := binary.Header.GetEndianess(); err != nil || end != elf.ELFDATA2LSB {
		result = multierror.Append(result, errors.Wrap(InvalidInputErr, "not little endian"))
	}
	if binary.Header.Type != elf.ET_EXEC {
		result = multierror.Append(result, errors.Wrapf(InvalidInputErr, "type %#x is not an executable", binary.Header.Type))
	}
	if binary.Header.Machine != elf.EM_X86_64 {
		result = multierror.Append(result, errors.Wrapf(InvalidInputErr, "machine %#x is not x86-64", binary.Header.Machine))
	}
	if binary.Header.Flags != 0 {
		result = multierror.Append(result, errors.Wrapf(InvalidInputErr, "unexpected header flags %#x", binary.Header.Flags))
	}

	tls := 0
	for _, phdr := range binary.PhdrEntries {
		switch phdr.Type {
		case elf.PT_DYNAMIC, elf.PT_INTERP:
			result = multierror.Append(result, errors.Wrap(InvalidInputErr, "binary is dynamically linked"))
		case elf.PT_GNU_RELRO:
			result = multierror.Append(result, errors.Wrap(InvalidInputErr, "binary carries a relro segment"))
		case elf.PT_TLS:
			tls++
		}
	}
	if tls > 1 {
		result = multierror.Append(result, errors.Wrapf(InvalidInputErr, "%d thread local segments, want at most one", tls))
	}

	return result.ErrorOrNil()
}

// validateObject rejects relocatable inputs the merge cannot represent.
// Thread local data in the object has no module to live in, the binary's
// static TLS block is already sized.
func validateObject(binary, object *elf.ELF64) error {
	var result *multierror.Error

	if class, err := object.Header.GetClass(); err != nil || class != elf.ELFCLASS64 {
		result = multierror.Append(result, errors.Wrap(InvalidInputErr, "not a 64-bit ELF"))
	}
	if end, err := object.Header.GetEndianess(); err != nil || end != elf.ELFDATA2LSB {
		result = multierror.Append(result, errors.Wrap(InvalidInputErr, "not little endian"))
	}
	if object.Header.Type != elf.ET_REL {
		result = multierror.Append(result, errors.Wrapf(InvalidInputErr, "type %#x is not a relocatable object", object.Header.Type))
	}
	if object.Header.Machine != elf.EM_X86_64 {
		result = multierror.Append(result, errors.Wrapf(InvalidInputErr, "machine %#x is not x86-64", object.Header.Machine))
	}
	if object.Header.Flags != 0 {
		result = multierror.Append(result, errors.Wrapf(InvalidInputErr, "unexpected header flags %#x", object.Header.Flags))
	}

	objABI, objErr := object.Header.GetOsABI()
	binABI, binErr := binary.Header.GetOsABI()
	if objErr != nil || binErr != nil || objABI != binABI {
		result = multierror.Append(result, errors.Wrap(InvalidInputErr, "OS ABI differs from the binary's"))
	}

	for _, section := range object.Sections {
		if section.Hdr.ShFlags&elf.SHF_TLS != 0 {
			result = multierror.Append(result, errors.Wrapf(InvalidInputErr, "object carries thread local section %s", section.Name))
		}
	}

	return result.ErrorOrNil()
}

// objWantsNXStack reports whether the object marks its stack non-executable.
// An executable .note.GNU-stack, or none at all, means the merged binary may
// not claim a non-executable stack on the object's behalf.
func objWantsNXStack(object *elf.ELF64) bool {
	for _, section := range object.Sections {
		if section.Name == ".note.GNU-stack" {
			return section.Hdr.ShFlags&elf.SHF_EXECINSTR == 0
		}
	}

	return false
}
