package linker

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/A-new/reopt/pkg/helpers"
	"github.com/A-new/reopt/pkg/log"
)

// PageSize is the loader's mapping granularity.
const PageSize = 0x1000

// Candidates are drawn from the low 2 GiB so every allocated address stays
// representable by a sign extended 32-bit relocation.
const addressWindow = 0x7FFFFFFF

var BadAlignmentErr = errors.New("Alignment is not a power of two.")

// AllocState carries the merge's randomness and address reservations. It is
// created once per merge from the caller's seed and handed to every
// allocation, so a fixed seed replays the same address sequence.
type AllocState struct {
	Rand     *rand.Rand
	Reserved *IntervalSet
}

func NewAllocState(seed int64) *AllocState {
	return &AllocState{
		Rand:     rand.New(rand.NewSource(seed)),
		Reserved: NewIntervalSet(),
	}
}

// FindAddress picks a random virtual address for a region of the given size
// that collides with no reservation. The low alignment bits of the result
// are forced to match the page rounded file offset, keeping file offset and
// virtual address congruent the way PT_LOAD requires. The chosen range is
// reserved before returning.
//
// The search redraws until an unreserved candidate appears. A reservation
// set dense enough to exhaust the window makes this loop spin forever.
func (state *AllocState) FindAddress(align, size, fileOffset uint64) (uint64, error) {
	if align == 0 {
		align = 1
	}

	if !helpers.IsPowerOfTwo(align) {
		return 0, errors.Wrapf(BadAlignmentErr, "%#x", align)
	}

	pageOffset := helpers.AlignUp(fileOffset, PageSize)

	span := size
	if span == 0 {
		span = 1
	}

	for {
		candidate := state.Rand.Uint64() & addressWindow
		candidate = candidate&^(align-1) | pageOffset&(align-1)

		if candidate == 0 || state.Reserved.Overlaps(candidate, candidate+span-1) {
			continue
		}

		state.Reserved.Insert(candidate, candidate+span-1)
		log.Debugf("allocated [%#x, %#x] for file offset %#x", candidate, candidate+span-1, fileOffset)

		return candidate, nil
	}
}
