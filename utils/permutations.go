package utils

import "github.com/pkg/errors"

// ErrTooManyPermutations is returned when an exhaustive permutation search would exceed its
// bound.
var ErrTooManyPermutations = errors.New("permutation search exceeds bound")

// ForEachPermutation calls f with every permutation of [0, n) in Heap's order. The slice handed
// to f is reused between calls. Iteration stops early if f returns false. n! permutations are
// visited, so callers bound n; maxN <= 0 disables the bound.
func ForEachPermutation(n, maxN int, f func(perm []int) bool) error {
	if maxN > 0 && n > maxN {
		return errors.Wrapf(ErrTooManyPermutations, "%d elements (%d permutations), max %d elements",
			n, Factorial(n), maxN)
	}
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	if !f(perm) {
		return nil
	}
	c := make([]int, n)
	for i := 0; i < n; {
		if c[i] < i {
			if i%2 == 0 {
				perm[0], perm[i] = perm[i], perm[0]
			} else {
				perm[c[i]], perm[i] = perm[i], perm[c[i]]
			}
			if !f(perm) {
				return nil
			}
			c[i]++
			i = 0
		} else {
			c[i] = 0
			i++
		}
	}
	return nil
}

// ForEachCombination calls f with one choice index per slot, where slot i has counts[i] choices,
// enumerating the full cartesian product. Slots with zero choices yield no combinations.
// Iteration stops early if f returns false.
func ForEachCombination(counts []int, f func(choice []int) bool) {
	for _, c := range counts {
		if c == 0 {
			return
		}
	}
	choice := make([]int, len(counts))
	for {
		if !f(choice) {
			return
		}
		i := 0
		for ; i < len(counts); i++ {
			choice[i]++
			if choice[i] < counts[i] {
				break
			}
			choice[i] = 0
		}
		if i == len(counts) {
			return
		}
	}
}
