package linker

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/A-new/reopt/pkg/elf"
	"github.com/A-new/reopt/pkg/log"
)

var (
	UnexpectedRegionErr     = errors.New("Region nesting violates the copier's assumptions.")
	UnmatchedRedirectionErr = errors.New("Redirection lands in no copied byte range.")
)

// RegionPatch is a resolved redirection: a jump stub destined for an
// absolute byte offset of the original file image.
type RegionPatch struct {
	Off  uint64
	Stub []byte

	applied bool
}

// CopyLayout rebuilds the original binary's regions at a new file offset.
//
// Header and table regions are dropped, the merge synthesizes fresh ones.
// Top level content outside any loadable segment is unreachable once loaded
// and is dropped as well. Loadable segments survive: their children are
// flattened, rebased to the accumulating output offset and patched with the
// redirections registered for their original segment index. A segment whose
// front bytes were dropped with the old header keeps the absolute addresses
// of its surviving bytes by advancing its virtual address by the trimmed
// amount. Thread local segments ride along whole, nested other segments
// dissolve into their parent keeping only their bytes.
//
// Every registered patch must land in a copied byte range, a redirection
// that misses would silently ship an unpatched binary.
func CopyLayout(layout []elf.Region, patches map[int][]*RegionPatch, start uint64, indexShift int) (uint64, []elf.Region, error) {
	var out []elf.Region
	cursor := start

	for _, region := range layout {
		seg, ok := region.(elf.SegmentRegion)
		if !ok {
			// Headers, tables and unmapped content, all regenerated or
			// unreachable.
			continue
		}

		switch seg.Phdr.Type {
		case elf.PT_LOAD:
			end, copied, err := copyLoadSegment(seg, patches[seg.Index], cursor, indexShift)
			if err != nil {
				return 0, nil, errors.Wrapf(err, "segment %d", seg.Index)
			}
			out = append(out, copied...)
			cursor = end

		case elf.PT_TLS:
			copied, err := copyTLSSegment(seg, cursor, indexShift)
			if err != nil {
				return 0, nil, errors.Wrapf(err, "segment %d", seg.Index)
			}
			out = append(out, copied)
			cursor += seg.Phdr.FileSz

		default:
			log.Debugf("dropping segment %d of type %#x", seg.Index, seg.Phdr.Type)
		}
	}

	if err := checkPatchesApplied(patches); err != nil {
		return 0, nil, err
	}

	return cursor, out, nil
}

func copyLoadSegment(seg elf.SegmentRegion, patches []*RegionPatch, cursor uint64, indexShift int) (uint64, []elf.Region, error) {
	segOff := seg.Phdr.Offset
	segEnd := segOff + seg.Phdr.FileSz

	flat, err := flattenChildren(seg.Children)
	if err != nil {
		return 0, nil, err
	}

	// Bytes between the segment start and the first surviving child belonged
	// to the dropped header and program header table. Trimming them moves
	// the segment start forward in both file and address space, so every
	// surviving byte keeps its original virtual address.
	firstOff := segEnd
	for _, child := range flat {
		off, size := childSpan(child)
		if size > 0 && off < firstOff {
			firstOff = off
		}
	}
	trim := firstOff - segOff

	vaddr := seg.Phdr.Vaddr + trim
	fileSz := seg.Phdr.FileSz - trim
	memSz := uint64(0)
	if seg.Phdr.MemSz > trim {
		memSz = seg.Phdr.MemSz - trim
	}

	var out []elf.Region
	if pad := congruencePad(cursor, vaddr, seg.Phdr.Align); pad > 0 {
		out = append(out, elf.RawRegion{Off: cursor, Data: make([]byte, pad)})
		cursor += pad
	}

	newOff := cursor
	children := make([]elf.Region, 0, len(flat))
	for _, child := range flat {
		childOff, _ := childSpan(child)
		// Empty children parked below the trim point land at the segment
		// start rather than underflowing.
		rel := uint64(0)
		if childOff > segOff+trim {
			rel = childOff - segOff - trim
		}
		rebased, err := rebaseChild(child, newOff+rel, patches, indexShift)
		if err != nil {
			return 0, nil, err
		}
		children = append(children, rebased)
	}

	phdr := seg.Phdr
	phdr.Offset = newOff
	phdr.Vaddr = vaddr
	phdr.Paddr = vaddr
	phdr.FileSz = fileSz
	phdr.MemSz = memSz

	out = append(out, elf.SegmentRegion{
		Index:    seg.Index + indexShift,
		Phdr:     phdr,
		Children: children,
	})

	return newOff + fileSz, out, nil
}

// copyTLSSegment moves a thread local segment to a new file offset in one
// piece. Its virtual address and sizes stay untouched and no redirections
// apply inside, initializer bytes are not code.
func copyTLSSegment(seg elf.SegmentRegion, newOff uint64, indexShift int) (elf.SegmentRegion, error) {
	flat, err := flattenChildren(seg.Children)
	if err != nil {
		return elf.SegmentRegion{}, err
	}

	children := make([]elf.Region, 0, len(flat))
	for _, child := range flat {
		childOff, _ := childSpan(child)
		rebased, err := rebaseChild(child, newOff+(childOff-seg.Phdr.Offset), nil, indexShift)
		if err != nil {
			return elf.SegmentRegion{}, err
		}
		children = append(children, rebased)
	}

	phdr := seg.Phdr
	phdr.Offset = newOff

	return elf.SegmentRegion{
		Index:    seg.Index + indexShift,
		Phdr:     phdr,
		Children: children,
	}, nil
}

// flattenChildren dissolves nested segments, keeping their bytes in place.
// Thread local segments survive as children, they are renumbered later and
// must stay whole. Table regions have no business inside code or data.
func flattenChildren(children []elf.Region) ([]elf.Region, error) {
	var flat []elf.Region
	for _, child := range children {
		switch c := child.(type) {
		case elf.SegmentRegion:
			if c.Phdr.Type == elf.PT_TLS {
				flat = append(flat, c)
				continue
			}

			inner, err := flattenChildren(c.Children)
			if err != nil {
				return nil, err
			}
			flat = append(flat, inner...)

		case elf.SectionRegion, elf.GotRegion, elf.RawRegion:
			flat = append(flat, c)

		default:
			return nil, errors.Wrapf(UnexpectedRegionErr, "%T inside a mapped segment", child)
		}
	}

	return flat, nil
}

// congruencePad returns the zero fill needed before a segment so its new
// file offset stays congruent to its virtual address modulo the alignment.
func congruencePad(cursor, vaddr, align uint64) uint64 {
	if align < 2 {
		return 0
	}

	want := vaddr % align
	have := cursor % align
	if want >= have {
		return want - have
	}

	return align - have + want
}

func childSpan(child elf.Region) (uint64, uint64) {
	if seg, ok := child.(elf.SegmentRegion); ok {
		return seg.Phdr.Offset, seg.Phdr.FileSz
	}

	return elf.FileSpan(child)
}

func rebaseChild(child elf.Region, newOff uint64, patches []*RegionPatch, indexShift int) (elf.Region, error) {
	switch c := child.(type) {
	case elf.SectionRegion:
		return rebaseSection(c, newOff, patches)

	case elf.GotRegion:
		rebased, err := rebaseSection(c.SectionRegion, newOff, patches)
		if err != nil {
			return nil, err
		}
		return elf.GotRegion{SectionRegion: rebased.(elf.SectionRegion)}, nil

	case elf.RawRegion:
		data, err := patchBytes(c.Data, c.Off, patches)
		if err != nil {
			return nil, err
		}
		return elf.RawRegion{Off: newOff, Data: data}, nil

	case elf.SegmentRegion:
		return copyTLSSegment(c, newOff, indexShift)
	}

	return nil, errors.Wrapf(UnexpectedRegionErr, "%T inside a mapped segment", child)
}

func rebaseSection(section elf.SectionRegion, newOff uint64, patches []*RegionPatch) (elf.Region, error) {
	data := section.Data
	if section.Shdr.ShType != elf.SHT_NOBITS {
		patched, err := patchBytes(data, section.Shdr.ShOff, patches)
		if err != nil {
			return nil, errors.Wrap(err, section.Name)
		}
		data = patched
	}

	hdr := section.Shdr
	hdr.ShOff = newOff

	return elf.SectionRegion{Name: section.Name, Shdr: hdr, Data: data}, nil
}

// patchBytes applies every patch whose offset falls inside the child's span,
// in list order. Two patches hitting the same bytes leave the later one's
// stub in place. The input bytes are only copied when a patch applies.
func patchBytes(data []byte, origOff uint64, patches []*RegionPatch) ([]byte, error) {
	out := data
	for _, patch := range patches {
		if patch.Off < origOff || patch.Off >= origOff+uint64(len(data)) {
			continue
		}

		patched, err := ApplyRedirection(out, patch.Off-origOff, patch.Stub)
		if err != nil {
			return nil, errors.Wrapf(err, "redirection at file offset %#x", patch.Off)
		}

		out = patched
		patch.applied = true
		log.Debugf("redirection applied at file offset %#x", patch.Off)
	}

	return out, nil
}

func checkPatchesApplied(patches map[int][]*RegionPatch) error {
	indices := make([]int, 0, len(patches))
	for index := range patches {
		indices = append(indices, index)
	}
	sort.Ints(indices)

	for _, index := range indices {
		for _, patch := range patches[index] {
			if !patch.applied {
				return errors.Wrapf(UnmatchedRedirectionErr, "segment %d, file offset %#x", index, patch.Off)
			}
		}
	}

	return nil
}
