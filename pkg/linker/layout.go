package linker

import (
	"github.com/pkg/errors"

	"github.com/A-new/reopt/pkg/elf"
	"github.com/A-new/reopt/pkg/helpers"
)

var AmbiguousSectionErr = errors.New("More than one section carries the requested name.")

// SectionPlacement records where a named object section lands inside its new
// segment. An absent section yields an undefined placement that carries the
// prior offset forward, so planning calls chain whether or not each section
// exists.
type SectionPlacement struct {
	// Shndx is the placed section's table index, -1 when the section is
	// absent from the object.
	Shndx   int
	Padding uint64
	Start   uint64
	Size    uint64
}

func (placement SectionPlacement) Defined() bool {
	return placement.Shndx >= 0
}

// End returns the first offset past the placement. Undefined placements end
// where they started.
func (placement SectionPlacement) End() uint64 {
	return placement.Start + placement.Size
}

// PlanSection places the section with the given name at the next offset that
// honors its alignment. Exactly one section may carry the name, several are
// an ambiguity the merge cannot resolve. Zero matches are not an error.
func PlanSection(sections []*elf.Section, priorEnd uint64, name string) (SectionPlacement, error) {
	var match *elf.Section
	for _, section := range sections {
		if section.Name != name {
			continue
		}

		if match != nil {
			return SectionPlacement{}, errors.Wrapf(AmbiguousSectionErr, "sections %d and %d are both named %s", match.Index, section.Index, name)
		}
		match = section
	}

	if match == nil {
		return SectionPlacement{Shndx: -1, Start: priorEnd}, nil
	}

	start := helpers.AlignUp(priorEnd, match.Hdr.ShAddrAlign)

	return SectionPlacement{
		Shndx:   match.Index,
		Padding: start - priorEnd,
		Start:   start,
		Size:    match.Hdr.ShSize,
	}, nil
}
