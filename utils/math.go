// Package utils contains small numeric and concurrency helpers shared by the calibration and
// tracking packages.
package utils

import "math"

// Factorial returns n! for small n. It saturates at math.MaxInt64 instead of overflowing.
func Factorial(n int) int64 {
	result := int64(1)
	for i := 2; i <= n; i++ {
		if result > math.MaxInt64/int64(i) {
			return math.MaxInt64
		}
		result *= int64(i)
	}
	return result
}
