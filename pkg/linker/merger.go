package linker

import (
	"github.com/pkg/errors"

	"github.com/A-new/reopt/pkg/elf"
	"github.com/A-new/reopt/pkg/helpers"
	"github.com/A-new/reopt/pkg/log"
)

// CodeRedirection asks the merge to overwrite twelve bytes inside one of the
// binary's original segments with a jump to a symbol the object defines.
// The segment is named by its original program header index and the landing
// spot by its file offset in the original binary.
type CodeRedirection struct {
	SegmentIndex int
	FileOffset   uint64
	TargetSymbol string
}

// Merger merges one relocatable object into a statically linked executable.
type Merger struct {
	binary       *elf.ELF64
	object       *elf.ELF64
	redirections []CodeRedirection
	alloc        *AllocState
}

func NewMerger(binary, object *elf.ELF64, redirections []CodeRedirection, seed int64) *Merger {
	return &Merger{
		binary:       binary,
		object:       object,
		redirections: redirections,
		alloc:        NewAllocState(seed),
	}
}

// MergeObject links object into binary and serializes the result.
func MergeObject(binary, object *elf.ELF64, redirections []CodeRedirection, seed int64) ([]byte, error) {
	regions, err := NewMerger(binary, object, redirections, seed).Merge()
	if err != nil {
		return nil, err
	}

	return elf.WriteLayout(regions)
}

// Merge lays out the merged executable as a region tree.
//
// The object's code lands in a fresh read-execute segment at the front of
// the file, sharing it with the rebuilt ELF header and program header
// table. Its data lands in a following read-write segment. Both segments
// live at addresses drawn outside every original mapping, then the
// original binary's loadable content is copied behind them with any
// requested redirections stamped in.
func (merger *Merger) Merge() ([]elf.Region, error) {
	if err := validateBinary(merger.binary); err != nil {
		return nil, errors.Wrap(err, merger.binary.Filename)
	}
	if err := validateObject(merger.binary, merger.object); err != nil {
		return nil, errors.Wrap(err, merger.object.Filename)
	}

	stackPhdr, stackMarker := merger.planStackMarker()

	phnum := 2
	if stackMarker {
		phnum++
	}
	for _, phdr := range merger.binary.PhdrEntries {
		if phdr.Type == elf.PT_LOAD || phdr.Type == elf.PT_TLS {
			phnum++
		}
	}

	hdrEnd := uint64(elf.EhdrSize + phnum*elf.PhdrSize)

	textP, err := PlanSection(merger.object.Sections, hdrEnd, ".text")
	if err != nil {
		return nil, err
	}
	rodataP, err := PlanSection(merger.object.Sections, textP.End(), ".rodata")
	if err != nil {
		return nil, err
	}
	ehP, err := PlanSection(merger.object.Sections, rodataP.End(), ".eh_frame")
	if err != nil {
		return nil, err
	}
	codeFileEnd := ehP.End()

	dataP, err := PlanSection(merger.object.Sections, 0, ".data")
	if err != nil {
		return nil, err
	}
	bssP, err := PlanSection(merger.object.Sections, dataP.End(), ".bss")
	if err != nil {
		return nil, err
	}
	dataPlaced := dataP.Defined() || bssP.Defined()

	loadAlign := uint64(0)
	for _, phdr := range merger.binary.PhdrEntries {
		if phdr.Type != elf.PT_LOAD {
			continue
		}
		if phdr.MemSz > 0 {
			merger.alloc.Reserved.Insert(phdr.Vaddr, phdr.Vaddr+phdr.MemSz-1)
		}
		if phdr.Align > loadAlign {
			loadAlign = phdr.Align
		}
	}
	if loadAlign == 0 {
		loadAlign = PageSize
	}

	codeVA, err := merger.alloc.FindAddress(loadAlign, codeFileEnd, 0)
	if err != nil {
		return nil, err
	}
	log.Infof("code segment at %#x, %d bytes", codeVA, codeFileEnd)

	dataFileOff, dataVA := uint64(0), uint64(0)
	if dataPlaced {
		dataFileOff = helpers.AlignUp(codeFileEnd, PageSize)
		dataVA, err = merger.alloc.FindAddress(loadAlign, bssP.End(), dataFileOff)
		if err != nil {
			return nil, err
		}
		log.Infof("data segment at %#x, %d file bytes, %d memory bytes", dataVA, dataP.End(), bssP.End())
	}

	info := NewRelocationInfo(merger.binary)
	for _, placement := range []struct {
		p    SectionPlacement
		base uint64
	}{
		{textP, codeVA}, {rodataP, codeVA}, {ehP, codeVA},
		{dataP, dataVA}, {bssP, dataVA},
	} {
		if placement.p.Defined() {
			info.MapSection(placement.p.Shndx, placement.base+placement.p.Start)
		}
	}

	textData, err := merger.relocateSection(info, textP, codeVA)
	if err != nil {
		return nil, err
	}
	rodataData, err := merger.relocateSection(info, rodataP, codeVA)
	if err != nil {
		return nil, err
	}
	ehData, err := merger.relocateSection(info, ehP, codeVA)
	if err != nil {
		return nil, err
	}
	dataData, err := merger.relocateSection(info, dataP, dataVA)
	if err != nil {
		return nil, err
	}

	var regions []elf.Region
	index := 0
	if stackMarker {
		regions = append(regions, elf.SegmentRegion{Index: index, Phdr: stackPhdr})
		index++
	}

	codeChildren := []elf.Region{
		elf.HeaderRegion{Hdr: merger.binary.Header},
		elf.PhdrTableRegion{Off: elf.EhdrSize, Count: phnum},
	}
	cursor := hdrEnd
	for _, placed := range []struct {
		p    SectionPlacement
		data []byte
	}{
		{textP, textData}, {rodataP, rodataData}, {ehP, ehData},
	} {
		if !placed.p.Defined() {
			continue
		}
		if placed.p.Padding > 0 {
			codeChildren = append(codeChildren, elf.RawRegion{Off: cursor, Data: make([]byte, placed.p.Padding)})
			cursor += placed.p.Padding
		}
		codeChildren = append(codeChildren, merger.placedSection(placed.p, placed.data, placed.p.Start, codeVA))
		cursor += placed.p.Size
	}
	regions = append(regions, elf.SegmentRegion{
		Index: index,
		Phdr: elf.ELF64Phdr{
			Type:   elf.PT_LOAD,
			Flags:  elf.PF_R | elf.PF_X,
			Offset: 0,
			Vaddr:  codeVA,
			Paddr:  codeVA,
			FileSz: codeFileEnd,
			MemSz:  codeFileEnd,
			Align:  loadAlign,
		},
		Children: codeChildren,
	})
	index++

	cursor = codeFileEnd
	if dataPlaced {
		if gap := dataFileOff - codeFileEnd; gap > 0 {
			regions = append(regions, elf.RawRegion{Off: codeFileEnd, Data: make([]byte, gap)})
		}

		var dataChildren []elf.Region
		if dataP.Defined() {
			dataChildren = append(dataChildren, merger.placedSection(dataP, dataData, dataFileOff+dataP.Start, dataVA))
		}
		if bssP.Defined() {
			dataChildren = append(dataChildren, merger.placedSection(bssP, nil, dataFileOff+bssP.Start, dataVA))
		}
		regions = append(regions, elf.SegmentRegion{
			Index: index,
			Phdr: elf.ELF64Phdr{
				Type:   elf.PT_LOAD,
				Flags:  elf.PF_R | elf.PF_W,
				Offset: dataFileOff,
				Vaddr:  dataVA,
				Paddr:  dataVA,
				FileSz: dataP.End(),
				MemSz:  bssP.End(),
				Align:  loadAlign,
			},
			Children: dataChildren,
		})
		cursor = dataFileOff + dataP.End()
	} else {
		// Keeps the program header count independent of the object's
		// section inventory.
		regions = append(regions, elf.SegmentRegion{
			Index: index,
			Phdr:  elf.ELF64Phdr{Type: elf.PT_NULL},
		})
	}
	index++

	patches, err := merger.buildPatches(info)
	if err != nil {
		return nil, err
	}

	layout, err := elf.InferLayout(merger.binary)
	if err != nil {
		return nil, errors.Wrap(err, merger.binary.Filename)
	}

	copiedEnd, copied, err := CopyLayout(layout, patches, cursor, index)
	if err != nil {
		return nil, err
	}
	regions = append(regions, copied...)

	return appendTables(regions, copiedEnd), nil
}

// planStackMarker decides whether the merged binary may keep a
// non-executable stack marker. The original binary must carry one and the
// object must not demand an executable stack.
func (merger *Merger) planStackMarker() (elf.ELF64Phdr, bool) {
	for _, phdr := range merger.binary.PhdrEntries {
		if phdr.Type == elf.PT_GNU_STACK {
			return phdr, objWantsNXStack(merger.object)
		}
	}

	return elf.ELF64Phdr{}, false
}

func (merger *Merger) relocateSection(info *RelocationInfo, placement SectionPlacement, base uint64) ([]byte, error) {
	if !placement.Defined() {
		return nil, nil
	}

	section := merger.object.Sections[placement.Shndx]
	if section.Hdr.ShType == elf.SHT_NOBITS {
		return nil, nil
	}

	entries, err := merger.relaFor(section.Name)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		return section.Data, nil
	}

	log.Debugf("%s carries %d relocations", section.Name, len(entries))

	patched, err := ApplyRelocations(info, merger.object.Symbols, base+placement.Start, section.Data, entries)
	if err != nil {
		return nil, errors.Wrap(err, section.Name)
	}

	return patched, nil
}

func (merger *Merger) relaFor(name string) ([]elf.ELF64Rela, error) {
	var match *elf.Section
	for _, section := range merger.object.Sections {
		if section.Name != ".rela"+name {
			continue
		}
		if match != nil {
			return nil, errors.Wrapf(AmbiguousSectionErr, "sections %d and %d both relocate %s", match.Index, section.Index, name)
		}
		match = section
	}
	if match == nil {
		return nil, nil
	}

	return match.RelaEntries()
}

// placedSection adapts an object section header to its spot in the merged
// file. Links into the object's discarded symbol table are cut.
func (merger *Merger) placedSection(placement SectionPlacement, data []byte, fileOff, base uint64) elf.Region {
	section := merger.object.Sections[placement.Shndx]

	hdr := *section.Hdr
	hdr.ShAddr = base + placement.Start
	hdr.ShOff = fileOff
	hdr.ShLink = 0
	hdr.ShInfo = 0

	return elf.SectionRegion{Name: section.Name, Shdr: hdr, Data: data}
}

func (merger *Merger) buildPatches(info *RelocationInfo) (map[int][]*RegionPatch, error) {
	if len(merger.redirections) == 0 {
		return nil, nil
	}

	patches := make(map[int][]*RegionPatch)
	for _, redirection := range merger.redirections {
		target, err := merger.resolveRedirectionTarget(info, redirection.TargetSymbol)
		if err != nil {
			return nil, err
		}

		log.Infof("redirecting segment %d offset %#x to %s at %#x",
			redirection.SegmentIndex, redirection.FileOffset, redirection.TargetSymbol, target)

		patches[redirection.SegmentIndex] = append(patches[redirection.SegmentIndex], &RegionPatch{
			Off:  redirection.FileOffset,
			Stub: BuildJumpStub(target),
		})
	}

	return patches, nil
}

func (merger *Merger) resolveRedirectionTarget(info *RelocationInfo, name string) (uint64, error) {
	var match *elf.NamedSymbol
	for _, symbol := range merger.object.Symbols {
		if symbol.Name != name || symbol.Sym.StShNdx == elf.SHN_UNDEF {
			continue
		}
		if match != nil {
			return 0, errors.Wrapf(AmbiguousSymbolErr, "object defines %s more than once", name)
		}
		match = symbol
	}
	if match == nil {
		return 0, errors.Wrapf(UnresolvedSymbolErr, "redirection target %s", name)
	}

	return info.Resolve(match)
}

// appendTables closes the layout with a fresh section name table and section
// header table covering every surviving section.
func appendTables(regions []elf.Region, cursor uint64) []elf.Region {
	names := []byte{0}
	offsets := map[string]uint64{"": 0}
	intern := func(name string) uint64 {
		if off, ok := offsets[name]; ok {
			return off
		}
		off := uint64(len(names))
		offsets[name] = off
		names = append(names, helpers.String2Bytes(name)...)
		return off
	}

	var shdrs []elf.ELF64Shdr
	shdrs = append(shdrs, elf.ELF64Shdr{})

	var walk func(regions []elf.Region)
	walk = func(regions []elf.Region) {
		for _, region := range regions {
			switch r := region.(type) {
			case elf.SectionRegion:
				hdr := r.Shdr
				hdr.ShName = uint32(intern(r.Name))
				shdrs = append(shdrs, hdr)
			case elf.GotRegion:
				hdr := r.Shdr
				hdr.ShName = uint32(intern(r.Name))
				shdrs = append(shdrs, hdr)
			case elf.SegmentRegion:
				walk(r.Children)
			}
		}
	}
	walk(regions)

	nameOff := intern(".shstrtab")
	shdrs = append(shdrs, elf.ELF64Shdr{
		ShName:      uint32(nameOff),
		ShType:      elf.SHT_STRTAB,
		ShOff:       cursor,
		ShSize:      uint64(len(names)),
		ShAddrAlign: 1,
	})

	regions = append(regions, elf.ShstrtabRegion{Off: cursor, Data: names})
	regions = append(regions, elf.ShdrTableRegion{
		Off:    helpers.AlignUp(cursor+uint64(len(names)), 8),
		StrNdx: len(shdrs) - 1,
		Shdrs:  shdrs,
	})

	return regions
}
