package policy

import "math/rand"

// weightedPick chooses a child index for load-balance/redundant-load-
// balance nodes. No pack dependency offers weighted random selection, so
// this falls back to math/rand (DESIGN.md: stdlib-only justification).
func weightedPick(weights []int, n int) int {
	if n <= 0 {
		return 0
	}
	if len(weights) != n {
		return rand.Intn(n)
	}
	total := 0
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return rand.Intn(n)
	}
	r := rand.Intn(total)
	acc := 0
	for i, w := range weights {
		if w > 0 {
			acc += w
		}
		if r < acc {
			return i
		}
	}
	return n - 1
}
