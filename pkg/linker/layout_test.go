package linker

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/A-new/reopt/pkg/elf"
)

func planSections(t *testing.T) []*elf.Section {
	t.Helper()

	return []*elf.Section{
		{Index: 0, Hdr: &elf.ELF64Shdr{ShType: elf.SHT_NULL}},
		{Index: 1, Name: ".text", Hdr: &elf.ELF64Shdr{ShType: elf.SHT_PROGBITS, ShSize: 0x123, ShAddrAlign: 16}},
		{Index: 2, Name: ".data", Hdr: &elf.ELF64Shdr{ShType: elf.SHT_PROGBITS, ShSize: 0x40, ShAddrAlign: 8}},
		{Index: 3, Name: ".bss", Hdr: &elf.ELF64Shdr{ShType: elf.SHT_NOBITS, ShSize: 0x200, ShAddrAlign: 32}},
	}
}

func TestPlanSectionAligns(t *testing.T) {
	placement, err := PlanSection(planSections(t), 0x121, ".text")
	require.NoError(t, err)

	want := SectionPlacement{Shndx: 1, Padding: 0xF, Start: 0x130, Size: 0x123}
	assert.Empty(t, cmp.Diff(want, placement))
	assert.True(t, placement.Defined())
	assert.Equal(t, uint64(0x253), placement.End())
}

func TestPlanSectionChainsWhenAbsent(t *testing.T) {
	placement, err := PlanSection(planSections(t), 0x500, ".rodata")
	require.NoError(t, err)

	assert.False(t, placement.Defined())
	assert.Equal(t, uint64(0x500), placement.Start)
	assert.Equal(t, uint64(0x500), placement.End())
	assert.Zero(t, placement.Padding)
}

func TestPlanSectionPlansNobits(t *testing.T) {
	placement, err := PlanSection(planSections(t), 0x41, ".bss")
	require.NoError(t, err)

	want := SectionPlacement{Shndx: 3, Padding: 0x1F, Start: 0x60, Size: 0x200}
	assert.Empty(t, cmp.Diff(want, placement))
}

func TestPlanSectionRejectsDuplicateNames(t *testing.T) {
	sections := append(planSections(t), &elf.Section{
		Index: 4, Name: ".text", Hdr: &elf.ELF64Shdr{ShType: elf.SHT_PROGBITS, ShSize: 8, ShAddrAlign: 1},
	})

	_, err := PlanSection(sections, 0, ".text")
	assert.True(t, errors.Is(err, AmbiguousSectionErr))
}
