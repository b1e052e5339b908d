package counts

import (
	"fmt"
	"math"
)

type Prefix struct {
	Name       string
	Multiplier uint64
}

// MetricPrefixes are used for counts of reads and lines.
var MetricPrefixes = []Prefix{
	{"", 1},
	{"k", 1e3},
	{"M", 1e6},
	{"G", 1e9},
	{"T", 1e12},
	{"P", 1e15},
}

// BinaryPrefixes are used for sizes of files.
var BinaryPrefixes = []Prefix{
	{"", 1 << (10 * 0)},
	{"Ki", 1 << (10 * 1)},
	{"Mi", 1 << (10 * 2)},
	{"Gi", 1 << (10 * 3)},
	{"Ti", 1 << (10 * 4)},
	{"Pi", 1 << (10 * 5)},
}

// Human formats `n` as a number and a unit, in `len(unit) + 10` or
// fewer characters (except for extremely large numbers).
func Human(n uint64, prefixes []Prefix, unit string) (string, string) {
	prefix := prefixes[0]
	wholePart := n
	for _, p := range prefixes {
		if w := n / p.Multiplier; w >= 1 {
			wholePart = w
			prefix = p
		}
	}

	if prefix.Multiplier == 1 {
		return fmt.Sprintf("%d", n), unit
	}

	mantissa := float64(n) / float64(prefix.Multiplier)
	var format string
	switch {
	case wholePart >= 100:
		// `mantissa` can actually be up to 1023.999.
		format = "%.0f"
	case wholePart >= 10:
		format = "%.1f"
	default:
		format = "%.2f"
	}
	return fmt.Sprintf(format, mantissa), prefix.Name + unit
}

// Human formats `n` like `Human()`, except that a saturated count is
// shown as "∞".
func (n Count64) Human(prefixes []Prefix, unit string) (string, string) {
	if n == math.MaxUint64 {
		return "∞", unit
	}
	return Human(uint64(n), prefixes, unit)
}

// String formats `n` with metric prefixes, e.g. "50.0k".
func (n Count64) String() string {
	number, unit := n.Human(MetricPrefixes, "")
	return number + unit
}
