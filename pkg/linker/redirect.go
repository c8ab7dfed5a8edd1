package linker

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// JumpStubSize is the length of the redirection stub in bytes.
const JumpStubSize = 12

// BuildJumpStub encodes an absolute jump to the target address:
//
//	movabs rax, target
//	jmp rax
//
// The clobbered scratch register is acceptable at the redirected call sites
// this tool is pointed at, rax is caller saved in the SysV ABI.
func BuildJumpStub(target uint64) []byte {
	stub := make([]byte, JumpStubSize)
	stub[0] = 0x48
	stub[1] = 0xB8
	binary.LittleEndian.PutUint64(stub[2:10], target)
	stub[10] = 0xFF
	stub[11] = 0xE0

	return stub
}

// ApplyRedirection overwrites len(stub) bytes of the buffer at localOffset,
// returning a fresh buffer. The write must fit entirely inside the buffer.
func ApplyRedirection(buffer []byte, localOffset uint64, stub []byte) ([]byte, error) {
	if localOffset > uint64(len(buffer)) || uint64(len(stub)) > uint64(len(buffer))-localOffset {
		return nil, errors.Wrapf(BufferOverflowErr, "%d byte stub at offset %#x in %d byte buffer", len(stub), localOffset, len(buffer))
	}

	patched := make([]byte, len(buffer))
	copy(patched, buffer)
	copy(patched[localOffset:], stub)

	return patched, nil
}
