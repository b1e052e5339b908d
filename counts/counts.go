// Package counts holds the saturating counters used for numbers of
// reads and lines, and formats them for humans.
package counts

import (
	"math"
)

// Count64 counts something, such as FASTQ records. It saturates at
// math.MaxUint64 rather than wrapping.
type Count64 uint64

func NewCount64(n uint64) Count64 {
	return Count64(n)
}

func (n Count64) ToUint64() uint64 {
	return uint64(n)
}

// Plus returns the sum of two counts, capped at math.MaxUint64.
func (n1 Count64) Plus(n2 Count64) Count64 {
	n := n1 + n2
	if n < n1 {
		// Overflow
		return math.MaxUint64
	}
	return n
}

// Increment adds `n2` to `*n1`, capped at math.MaxUint64.
func (n1 *Count64) Increment(n2 Count64) {
	*n1 = n1.Plus(n2)
}

// Sum adds up `ns`, capped at math.MaxUint64.
func Sum(ns ...Count64) Count64 {
	var total Count64
	for _, n := range ns {
		total.Increment(n)
	}
	return total
}
