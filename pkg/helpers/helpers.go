package helpers

// Convert from string to null terminated byte slice
func String2Bytes(str string) []byte {
	bytes := []byte(str)
	bytes = append(bytes, '\x00')

	return bytes
}

// Get the first string from a byte stream
func GetString(bytes []byte) string {
	for i, v := range bytes {
		if v == '\x00' {
			return string(bytes[:i])
		}
	}

	return ""
}

// Find item in slice and return it's index, if none found return -1
func FindIf[T any](haystack []T, eq func(el T) bool) int {
	for i, v := range haystack {
		if eq(v) {
			return i
		}
	}

	return -1
}

// Round v up to the next multiple of align. Alignments below two leave v
// untouched, anything above must be a power of two.
func AlignUp(v, align uint64) uint64 {
	if align < 2 {
		return v
	}

	return (v + align - 1) &^ (align - 1)
}

func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}
