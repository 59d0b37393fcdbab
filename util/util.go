// Package util contains misc internal utilities.
package util

import (
	"cmp"
	"math"
	"strconv"
	"strings"
	"time"
)

// IntSliceToCSV convets a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// Clamp limits v to the closed interval [low, high]
func Clamp[T cmp.Ordered](v, low, high T) T {
	return max(low, min(v, high))
}

// AlignDown rounds n down to a whole multiple of unit.
// a unit <= 0 returns n unchanged
func AlignDown(n, unit int) int {
	if unit <= 0 {
		return n
	}
	return n - n%unit
}

// SecsToDuration converts a number of seconds to a time.Duration,
// rounding to the nearest nanosecond
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * 1e9))
}
