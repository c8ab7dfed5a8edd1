package linker

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIntervalSetMergesTouchingRanges(t *testing.T) {
	set := NewIntervalSet()
	set.Insert(0x1000, 0x1FFF)
	set.Insert(0x2000, 0x2FFF)

	assert.Equal(t, 1, set.Len())
	assert.Equal(t, []Interval{{Lo: 0x1000, Hi: 0x2FFF}}, set.Ranges())
}

func TestIntervalSetKeepsDisjointRanges(t *testing.T) {
	set := NewIntervalSet()
	set.Insert(0x1000, 0x1FFF)
	set.Insert(0x3000, 0x3FFF)

	assert.Equal(t, 2, set.Len())
}

func TestIntervalSetInsertBridgesRanges(t *testing.T) {
	set := NewIntervalSet()
	set.Insert(0, 10)
	set.Insert(20, 30)
	set.Insert(5, 25)

	assert.Equal(t, []Interval{{Lo: 0, Hi: 30}}, set.Ranges())
}

func TestIntervalSetOverlapsIsStrict(t *testing.T) {
	set := NewIntervalSet()
	set.Insert(0x1000, 0x1FFF)

	assert.True(t, set.Overlaps(0x1FFF, 0x2100))
	assert.True(t, set.Overlaps(0x0, 0x1000))
	assert.True(t, set.Overlaps(0x1500, 0x1500))

	// Adjacency does not intersect.
	assert.False(t, set.Overlaps(0x2000, 0x2100))
	assert.False(t, set.Overlaps(0x0, 0xFFF))
}

func TestIntervalSetAddressSpaceEdges(t *testing.T) {
	set := NewIntervalSet()
	set.Insert(0, 5)
	set.Insert(math.MaxUint64-5, math.MaxUint64)

	assert.Equal(t, 2, set.Len())
	assert.True(t, set.Overlaps(0, 0))
	assert.True(t, set.Overlaps(math.MaxUint64, math.MaxUint64))

	set.Insert(6, math.MaxUint64-6)
	assert.Equal(t, 1, set.Len())
	assert.Equal(t, []Interval{{Lo: 0, Hi: math.MaxUint64}}, set.Ranges())
}
