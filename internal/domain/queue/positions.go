package queue

import "sort"

// RecomputePositions numbers the active entries 1..N in seq order and gives
// completed entries 0. The result is index aligned with entries; the input is
// not modified and need not be sorted.
func RecomputePositions(entries []*Entry) []int {
	order := make([]int, len(entries))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return entries[order[a]].Seq < entries[order[b]].Seq
	})

	positions := make([]int, len(entries))
	next := 1
	for _, i := range order {
		if entries[i].Active() {
			positions[i] = next
			next++
		}
	}
	return positions
}
