package linker

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildJumpStubEncoding(t *testing.T) {
	stub := BuildJumpStub(0x401000)

	want := []byte{
		0x48, 0xB8,
		0x00, 0x10, 0x40, 0x00, 0x00, 0x00, 0x00, 0x00,
		0xFF, 0xE0,
	}
	assert.Equal(t, want, stub)
	assert.Len(t, stub, JumpStubSize)
}

func TestApplyRedirectionLeavesInputAlone(t *testing.T) {
	buffer := make([]byte, 32)
	for i := range buffer {
		buffer[i] = 0x90
	}

	stub := BuildJumpStub(0xDEADBEEF)
	patched, err := ApplyRedirection(buffer, 8, stub)
	require.NoError(t, err)

	assert.Equal(t, stub, patched[8:8+JumpStubSize])
	assert.Equal(t, byte(0x90), patched[7])
	assert.Equal(t, byte(0x90), patched[8+JumpStubSize])

	for _, b := range buffer {
		assert.Equal(t, byte(0x90), b)
	}
}

func TestApplyRedirectionBounds(t *testing.T) {
	stub := BuildJumpStub(0x401000)

	_, err := ApplyRedirection(make([]byte, 16), 8, stub)
	assert.True(t, errors.Is(err, BufferOverflowErr))

	_, err = ApplyRedirection(make([]byte, 8), 32, stub)
	assert.True(t, errors.Is(err, BufferOverflowErr))
}
