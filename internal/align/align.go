package align

import "golang.org/x/exp/constraints"

// Up rounds value up to the next multiple of align. align must be a power of
// two; zero leaves value unchanged.
func Up[T constraints.Unsigned](value, align T) T {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

func Down[T constraints.Unsigned](value, align T) T {
	if align == 0 {
		return value
	}
	return value &^ (align - 1)
}

// IsAligned reports whether value is a multiple of align.
func IsAligned[T constraints.Unsigned](value, align T) bool {
	return align == 0 || value&(align-1) == 0
}

// Pages returns the number of pageSize pages needed to hold size bytes. It
// does not overflow for sizes close to the maximum of T.
func Pages[T constraints.Unsigned](size, pageSize T) T {
	n := size / pageSize
	if size%pageSize != 0 {
		n++
	}
	return n
}
