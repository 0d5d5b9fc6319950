// Package sizeclass maps requested byte sizes onto a fixed set of pool indexes.
//
// Requests of 16 bytes or less are bucketed at a 4-byte granularity (classes
// 0..3). Larger requests are bucketed at a 16-byte granularity, offset by the
// four small classes, up to PoolCount. Class PoolCount is never backed by a pool of its
// own: it stands for the heap's default pool and absorbs every request of
// more than 176 bytes.
//
//	size     class
//	0..4     0
//	5..8     1
//	9..12    2
//	13..16   3
//	17..32   4
//	33..48   5
//	...
//	161..176 13
//	177..    14 (DefaultClass)
package sizeclass

const (
	// PoolCount is the number of real size classes. It must be greater than 4.
	PoolCount = 14
	// DefaultClass is the class id that routes to the default pool.
	DefaultClass = PoolCount

	smallLimit = 16
)

// Classify returns the size class for a request of size bytes.
// Sizes of zero (and below) resolve to class 0.
func Classify(size int) int {
	if size <= 0 {
		return 0
	}
	if size <= smallLimit {
		return (size - 1) >> 2
	}
	return min(((size-1)>>4)+3, PoolCount)
}

// IsDefault reports whether class routes to the default pool.
func IsDefault(class int) bool {
	return class >= DefaultClass
}

// Bounds returns the inclusive range of request sizes served by class.
// hi is -1 for the default class, which is unbounded.
func Bounds(class int) (lo, hi int) {
	switch {
	case class < 0:
		return 0, -1
	case class == 0:
		return 0, 4
	case class < 4:
		return class*4 + 1, class*4 + 4
	case class < DefaultClass:
		return (class-4)*16 + smallLimit + 1, (class - 3) * 16
	default:
		return MaxPooledSize + 1, -1
	}
}

// MaxPooledSize is the largest request still served by a dedicated pool.
const MaxPooledSize = (DefaultClass - 3) * 16
