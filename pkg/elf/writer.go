package elf

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

var BadWriteLayoutErr = errors.New("Region list cannot be serialized.")

type indexedPhdr struct {
	index int
	phdr  ELF64Phdr
}

// WriteLayout serializes a structural region list into a file image. Every
// region lands at its recorded offset, program header entries are gathered
// from segment regions and ordered by their Index, and the header's table
// fields are filled in from the table regions present in the list.
func WriteLayout(regions []Region) ([]byte, error) {
	var header *HeaderRegion
	var phdrTable *PhdrTableRegion
	var shdrTable *ShdrTableRegion

	var phdrs []indexedPhdr
	var size uint64

	var walk func(region Region) error
	walk = func(region Region) error {
		if off, span := FileSpan(region); off+span > size {
			size = off + span
		}

		switch r := region.(type) {
		case HeaderRegion:
			if header != nil {
				return errors.Wrap(BadWriteLayoutErr, "two header regions present")
			}
			header = &r
		case PhdrTableRegion:
			if phdrTable != nil {
				return errors.Wrap(BadWriteLayoutErr, "two program header tables present")
			}
			phdrTable = &r
		case ShdrTableRegion:
			if shdrTable != nil {
				return errors.Wrap(BadWriteLayoutErr, "two section header tables present")
			}
			shdrTable = &r
		case SegmentRegion:
			phdrs = append(phdrs, indexedPhdr{index: r.Index, phdr: r.Phdr})
			for _, child := range r.Children {
				if err := walk(child); err != nil {
					return err
				}
			}
		}

		return nil
	}

	for _, region := range regions {
		if err := walk(region); err != nil {
			return nil, err
		}
	}

	if header == nil {
		return nil, errors.Wrap(BadWriteLayoutErr, "no header region present")
	}

	sort.SliceStable(phdrs, func(i, j int) bool { return phdrs[i].index < phdrs[j].index })
	for i := 1; i < len(phdrs); i++ {
		if phdrs[i].index == phdrs[i-1].index {
			return nil, errors.Wrapf(BadWriteLayoutErr, "two segments share index %d", phdrs[i].index)
		}
	}

	if phdrTable != nil && phdrTable.Count != len(phdrs) {
		return nil, errors.Wrapf(BadWriteLayoutErr,
			"program header table reserves %d entries, layout carries %d", phdrTable.Count, len(phdrs))
	}

	buf := make([]byte, size)

	var write func(region Region)
	write = func(region Region) {
		switch r := region.(type) {
		case PhdrTableRegion:
			off := r.Off
			for _, entry := range phdrs {
				putPhdr(buf[off:], entry.phdr)
				off += PhdrSize
			}
		case ShdrTableRegion:
			off := r.Off
			for _, shdr := range r.Shdrs {
				putShdr(buf[off:], shdr)
				off += ShdrSize
			}
		case ShstrtabRegion:
			copy(buf[r.Off:], r.Data)
		case SegmentRegion:
			for _, child := range r.Children {
				write(child)
			}
		case GotRegion:
			writeSection(buf, r.SectionRegion)
		case SectionRegion:
			writeSection(buf, r)
		case RawRegion:
			copy(buf[r.Off:], r.Data)
		}
	}

	for _, region := range regions {
		write(region)
	}

	hdr := header.Hdr
	hdr.EhSize = EhdrSize
	hdr.PhOff, hdr.PhNum, hdr.PhEntSize = 0, 0, 0
	if phdrTable != nil {
		hdr.PhOff = phdrTable.Off
		hdr.PhNum = uint16(len(phdrs))
		hdr.PhEntSize = PhdrSize
	}
	hdr.ShOff, hdr.ShNum, hdr.ShStrNdx, hdr.ShEntSize = 0, 0, 0, 0
	if shdrTable != nil {
		hdr.ShOff = shdrTable.Off
		hdr.ShNum = uint16(len(shdrTable.Shdrs))
		hdr.ShStrNdx = uint16(shdrTable.StrNdx)
		hdr.ShEntSize = ShdrSize
	}
	putEhdr(buf, hdr)

	return buf, nil
}

func writeSection(buf []byte, section SectionRegion) {
	if section.Shdr.ShType == SHT_NOBITS {
		return
	}

	copy(buf[section.Shdr.ShOff:], section.Data)
}

func putEhdr(buf []byte, hdr ELF64Ehdr) {
	copy(buf[0:16], hdr.Ident[:])
	binary.LittleEndian.PutUint16(buf[0x10:], hdr.Type)
	binary.LittleEndian.PutUint16(buf[0x12:], hdr.Machine)
	binary.LittleEndian.PutUint32(buf[0x14:], hdr.Version)
	binary.LittleEndian.PutUint64(buf[0x18:], hdr.Entry)
	binary.LittleEndian.PutUint64(buf[0x20:], hdr.PhOff)
	binary.LittleEndian.PutUint64(buf[0x28:], hdr.ShOff)
	binary.LittleEndian.PutUint32(buf[0x30:], hdr.Flags)
	binary.LittleEndian.PutUint16(buf[0x34:], hdr.EhSize)
	binary.LittleEndian.PutUint16(buf[0x36:], hdr.PhEntSize)
	binary.LittleEndian.PutUint16(buf[0x38:], hdr.PhNum)
	binary.LittleEndian.PutUint16(buf[0x3a:], hdr.ShEntSize)
	binary.LittleEndian.PutUint16(buf[0x3c:], hdr.ShNum)
	binary.LittleEndian.PutUint16(buf[0x3e:], hdr.ShStrNdx)
}

func putPhdr(buf []byte, phdr ELF64Phdr) {
	binary.LittleEndian.PutUint32(buf[0x00:], phdr.Type)
	binary.LittleEndian.PutUint32(buf[0x04:], phdr.Flags)
	binary.LittleEndian.PutUint64(buf[0x08:], phdr.Offset)
	binary.LittleEndian.PutUint64(buf[0x10:], phdr.Vaddr)
	binary.LittleEndian.PutUint64(buf[0x18:], phdr.Paddr)
	binary.LittleEndian.PutUint64(buf[0x20:], phdr.FileSz)
	binary.LittleEndian.PutUint64(buf[0x28:], phdr.MemSz)
	binary.LittleEndian.PutUint64(buf[0x30:], phdr.Align)
}

func putShdr(buf []byte, shdr ELF64Shdr) {
	binary.LittleEndian.PutUint32(buf[0x00:], shdr.ShName)
	binary.LittleEndian.PutUint32(buf[0x04:], shdr.ShType)
	binary.LittleEndian.PutUint64(buf[0x08:], shdr.ShFlags)
	binary.LittleEndian.PutUint64(buf[0x10:], shdr.ShAddr)
	binary.LittleEndian.PutUint64(buf[0x18:], shdr.ShOff)
	binary.LittleEndian.PutUint64(buf[0x20:], shdr.ShSize)
	binary.LittleEndian.PutUint32(buf[0x28:], shdr.ShLink)
	binary.LittleEndian.PutUint32(buf[0x2c:], shdr.ShInfo)
	binary.LittleEndian.PutUint64(buf[0x30:], shdr.ShAddrAlign)
	binary.LittleEndian.PutUint64(buf[0x38:], shdr.ShEntSize)
}
