package core

import "fmt"

// ClampRange resolves an (offset, length) request against a blob of the given
// size. Lengths running past the end are clamped; offsets past the end are
// invalid.
func ClampRange(size, offset, length int64) (start, end int64, err error) {
	if offset < 0 || length < ToEnd {
		return 0, 0, fmt.Errorf("%w: range offset=%d length=%d", ErrInvalidInput, offset, length)
	}
	if offset > size {
		return 0, 0, fmt.Errorf("%w: offset %d beyond blob size %d", ErrInvalidInput, offset, size)
	}
	end = size
	if length != ToEnd && offset+length < size {
		end = offset + length
	}
	return offset, end, nil
}
