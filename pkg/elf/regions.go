package elf

import (
	"sort"

	"github.com/pkg/errors"
)

// Region is one node of a binary's structural layout: the file image is the
// ordered concatenation of top level regions, and segments own the regions
// their file span covers. The set of shapes is closed, consumers dispatch
// with a type switch and treat unknown shapes as fatal.
type Region interface {
	isRegion()
}

type HeaderRegion struct {
	Hdr ELF64Ehdr
}

type PhdrTableRegion struct {
	Off   uint64
	Count int
}

type ShdrTableRegion struct {
	Off    uint64
	StrNdx int
	Shdrs  []ELF64Shdr
}

type ShstrtabRegion struct {
	Off  uint64
	Data []byte
}

type SegmentRegion struct {
	// Index orders program header entries in the emitted table. It is the
	// original slot for parsed binaries and the final slot for merged ones.
	Index    int
	Phdr     ELF64Phdr
	Children []Region
}

type SectionRegion struct {
	Name string
	Shdr ELF64Shdr
	Data []byte
}

type GotRegion struct {
	SectionRegion
}

type RawRegion struct {
	Off  uint64
	Data []byte
}

func (HeaderRegion) isRegion()    {}
func (PhdrTableRegion) isRegion() {}
func (ShdrTableRegion) isRegion() {}
func (ShstrtabRegion) isRegion()  {}
func (SegmentRegion) isRegion()   {}
func (SectionRegion) isRegion()   {}
func (GotRegion) isRegion()       {}
func (RawRegion) isRegion()       {}

// FileSpan returns the byte range a region occupies in the file image.
// Regions without file content, NOBITS sections among them, report size 0.
func FileSpan(region Region) (off uint64, size uint64) {
	switch r := region.(type) {
	case HeaderRegion:
		return 0, EhdrSize
	case PhdrTableRegion:
		return r.Off, uint64(r.Count) * PhdrSize
	case ShdrTableRegion:
		return r.Off, uint64(len(r.Shdrs)) * ShdrSize
	case ShstrtabRegion:
		return r.Off, uint64(len(r.Data))
	case SegmentRegion:
		return r.Phdr.Offset, r.Phdr.FileSz
	case GotRegion:
		return fileSpanOfSection(r.SectionRegion)
	case SectionRegion:
		return fileSpanOfSection(r)
	case RawRegion:
		return r.Off, uint64(len(r.Data))
	}

	return 0, 0
}

func fileSpanOfSection(section SectionRegion) (uint64, uint64) {
	if section.Shdr.ShType == SHT_NOBITS {
		return section.Shdr.ShOff, 0
	}

	return section.Shdr.ShOff, section.Shdr.ShSize
}

var BadLayoutErr = errors.New("Binary layout is inconsistent.")

// span is a half open byte interval used while reconstructing the layout.
type span struct {
	off, end uint64
}

func (s span) contains(other span) bool {
	return s.off <= other.off && other.end <= s.end
}

type segmentBuild struct {
	index   int
	phdr    ELF64Phdr
	parent  *segmentBuild
	nested  []*segmentBuild
	content []Region
}

func (sb *segmentBuild) span() span {
	return span{sb.phdr.Offset, sb.phdr.Offset + sb.phdr.FileSz}
}

// InferLayout reconstructs the structural region tree of a parsed binary:
// the header and program header table stay top level, segments nest by file
// span containment, sections attach to the deepest segment covering them and
// uncovered bytes become raw regions. The resulting top level list, walked
// in order, tiles the file image exactly.
func InferLayout(elf *ELF64) ([]Region, error) {
	total := uint64(len(elf.Data))

	builds := make([]*segmentBuild, 0, len(elf.PhdrEntries))
	for ndx, phdr := range elf.PhdrEntries {
		builds = append(builds, &segmentBuild{index: ndx, phdr: phdr})
	}

	// Nest segments by strict file span containment. Zero sized segments
	// such as PT_GNU_STACK markers own no bytes and stay top level.
	for _, sb := range builds {
		if sb.phdr.FileSz == 0 {
			continue
		}

		for _, other := range builds {
			if other == sb || other.phdr.FileSz <= sb.phdr.FileSz {
				continue
			}

			if !other.span().contains(sb.span()) {
				continue
			}

			if sb.parent == nil || sb.parent.phdr.FileSz > other.phdr.FileSz {
				sb.parent = other
			}
		}
	}

	for _, sb := range builds {
		if sb.parent != nil {
			sb.parent.nested = append(sb.parent.nested, sb)
		}
	}

	// Byte ranges owned by top level table regions. Segment interiors skip
	// over them instead of duplicating the bytes as raw content.
	claimed := []span{{0, EhdrSize}}
	if elf.Header.PhNum > 0 {
		claimed = append(claimed, span{elf.Header.PhOff, elf.Header.PhOff + uint64(elf.Header.PhNum)*PhdrSize})
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].off < claimed[j].off })

	var topContent []Region
	for _, section := range elf.Sections {
		if section.Hdr.ShType == SHT_NULL {
			continue
		}

		region := sectionToRegion(elf, section)
		owner := deepestOwner(builds, section)
		if owner != nil {
			owner.content = append(owner.content, region)
		} else {
			topContent = append(topContent, region)
		}
	}

	var top []Region
	top = append(top, HeaderRegion{Hdr: elf.Header})
	if elf.Header.PhNum > 0 {
		top = append(top, PhdrTableRegion{Off: elf.Header.PhOff, Count: int(elf.Header.PhNum)})
	}

	for _, sb := range builds {
		if sb.parent != nil {
			continue
		}

		region, err := buildSegment(elf, sb, claimed)
		if err != nil {
			return nil, err
		}
		top = append(top, region)
	}

	top = append(top, topContent...)

	if elf.Header.ShNum > 0 {
		shdrs := make([]ELF64Shdr, 0, len(elf.ShdrEntries))
		for _, entry := range elf.ShdrEntries {
			shdrs = append(shdrs, *entry)
		}
		top = append(top, ShdrTableRegion{
			Off:    elf.Header.ShOff,
			StrNdx: int(elf.Header.ShStrNdx),
			Shdrs:  shdrs,
		})
	}

	return tile(elf, top, span{0, total}, nil)
}

func sectionToRegion(elf *ELF64, section *Section) Region {
	sr := SectionRegion{
		Name: section.Name,
		Shdr: *section.Hdr,
		Data: section.Data,
	}

	switch section.Name {
	case ".shstrtab":
		return ShstrtabRegion{Off: section.Hdr.ShOff, Data: section.Data}
	case ".got", ".got.plt":
		return GotRegion{sr}
	}

	return sr
}

// deepestOwner picks the segment whose file span covers the section, the
// smallest such span winning. NOBITS sections attach by their offset point,
// end inclusive, since they occupy no bytes.
func deepestOwner(builds []*segmentBuild, section *Section) *segmentBuild {
	var owner *segmentBuild
	for _, sb := range builds {
		if sb.phdr.FileSz == 0 {
			continue
		}

		seg := sb.span()
		if section.Hdr.ShType == SHT_NOBITS {
			if section.Hdr.ShOff < seg.off || section.Hdr.ShOff > seg.end {
				continue
			}
		} else if !seg.contains(span{section.Hdr.ShOff, section.Hdr.ShOff + section.Hdr.ShSize}) {
			continue
		}

		if owner == nil || owner.phdr.FileSz > sb.phdr.FileSz {
			owner = sb
		}
	}

	return owner
}

func buildSegment(elf *ELF64, sb *segmentBuild, claimed []span) (Region, error) {
	// Marker segments own no bytes and carry no children.
	if sb.phdr.FileSz == 0 {
		return SegmentRegion{Index: sb.index, Phdr: sb.phdr}, nil
	}

	children := append([]Region{}, sb.content...)
	for _, nested := range sb.nested {
		region, err := buildSegment(elf, nested, claimed)
		if err != nil {
			return nil, err
		}
		children = append(children, region)
	}

	tiled, err := tile(elf, children, sb.span(), claimed)
	if err != nil {
		return nil, errors.Wrapf(err, "segment %d", sb.index)
	}

	return SegmentRegion{Index: sb.index, Phdr: sb.phdr, Children: tiled}, nil
}

// tileSpan is the byte range a region owns at its nesting level. It differs
// from FileSpan for segments: a load segment mapping the file header still
// owns only the bytes its children cover, the header and program header
// table tile as their own top level regions.
func tileSpan(region Region) (off uint64, size uint64) {
	seg, ok := region.(SegmentRegion)
	if !ok {
		return FileSpan(region)
	}

	end := seg.Phdr.Offset + seg.Phdr.FileSz
	first := end
	for _, child := range seg.Children {
		childOff, childSize := tileSpan(child)
		if childSize > 0 && childOff < first {
			first = childOff
		}
	}

	if first >= end {
		return seg.Phdr.Offset, 0
	}

	return first, end - first
}

// tile orders regions by file offset and fills uncovered ranges of the
// enclosing span with raw regions backed by the original image. Overlapping
// regions mean the section and segment tables disagree about the file.
func tile(elf *ELF64, regions []Region, within span, claimed []span) ([]Region, error) {
	sort.SliceStable(regions, func(i, j int) bool {
		iOff, iSize := tileSpan(regions[i])
		jOff, jSize := tileSpan(regions[j])
		if iOff != jOff {
			return iOff < jOff
		}

		// Regions without bytes sort after content at the same offset.
		return iSize > 0 && jSize == 0
	})

	skipClaimed := func(cursor uint64) uint64 {
		for _, c := range claimed {
			if cursor >= c.off && cursor < c.end {
				cursor = c.end
			}
		}
		return cursor
	}

	var out []Region
	cursor := skipClaimed(within.off)
	for _, region := range regions {
		off, size := tileSpan(region)
		if size == 0 {
			out = append(out, region)
			continue
		}

		if off < cursor {
			return nil, errors.Wrapf(BadLayoutErr, "content at %#x overlaps content reaching %#x", off, cursor)
		}

		if off > cursor {
			for _, c := range claimed {
				if c.off > cursor && c.off < off {
					return nil, errors.Wrapf(BadLayoutErr, "header table at %#x buried inside content", c.off)
				}
			}
			out = append(out, RawRegion{Off: cursor, Data: elf.Data[cursor:off]})
		}

		out = append(out, region)
		cursor = skipClaimed(off + size)
	}

	if cursor < within.end {
		out = append(out, RawRegion{Off: cursor, Data: elf.Data[cursor:within.end]})
	} else if cursor > within.end {
		return nil, errors.Wrapf(BadLayoutErr, "content reaching %#x spills past %#x", cursor, within.end)
	}

	return out, nil
}
