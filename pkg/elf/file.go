package elf

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// New maps the file read-only and parses it. The section payloads alias the
// mapping, so the result stays valid until Close is called.
func New(path string) (*ELF64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	if info.Size() < EhdrSize {
		file.Close()
		return nil, errors.Wrapf(TruncatedELFErr, "%s is %d bytes", path, info.Size())
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "mmap %s", path)
	}

	elf, err := NewFromBytes(path, data)
	if err != nil {
		unix.Munmap(data)
		file.Close()
		return nil, err
	}

	elf.File = file

	return elf, nil
}

// Close drops the mapping backing the parsed image. Only meaningful for
// files opened through New.
func (elf *ELF64) Close() error {
	if elf.File == nil {
		return nil
	}

	err := unix.Munmap(elf.Data)
	if closeErr := elf.File.Close(); err == nil {
		err = closeErr
	}

	elf.File = nil
	elf.Data = nil

	return err
}
