package coverage

import (
	"sort"

	"testscope/internal/event"
)

// BlockRange is a raw usage range as reported by the browser. JS block
// coverage nests ranges; a nested range overrides the count of its parent.
type BlockRange struct {
	Start int
	End   int
	Count int
}

type point struct {
	offset int
	end    bool
	r      BlockRange
}

// DisjointRanges flattens nested block ranges into sorted, disjoint used
// ranges. Adjacent used ranges are merged and ranges of one byte or less are
// dropped.
func DisjointRanges(blocks []BlockRange) []event.Range {
	points := make([]point, 0, 2*len(blocks))
	for _, b := range blocks {
		points = append(points, point{offset: b.Start, r: b}, point{offset: b.End, end: true, r: b})
	}
	sort.SliceStable(points, func(i, j int) bool {
		a, b := points[i], points[j]
		if a.offset != b.offset {
			return a.offset < b.offset
		}
		// End points go before start points at the same offset.
		if a.end != b.end {
			return a.end
		}
		aLen := a.r.End - a.r.Start
		bLen := b.r.End - b.r.Start
		if !a.end {
			// Longer ranges open first.
			return aLen > bLen
		}
		// Shorter ranges close first.
		return aLen < bLen
	})

	var stack []int
	var results []event.Range
	last := 0
	for _, p := range points {
		if len(stack) > 0 && last < p.offset && stack[len(stack)-1] > 0 {
			if n := len(results); n > 0 && results[n-1].End == last {
				results[n-1].End = p.offset
			} else {
				results = append(results, event.Range{Start: last, End: p.offset})
			}
		}
		last = p.offset
		if p.end {
			stack = stack[:len(stack)-1]
		} else {
			stack = append(stack, p.r.Count)
		}
	}

	out := results[:0]
	for _, r := range results {
		if r.End-r.Start > 1 {
			out = append(out, r)
		}
	}
	return out
}

// RuleUsage is one CSS rule's usage as reported by the browser.
type RuleUsage struct {
	Start int
	End   int
	Used  bool
}

// CSSRanges converts rule usage into disjoint used ranges.
func CSSRanges(rules []RuleUsage) []event.Range {
	blocks := make([]BlockRange, len(rules))
	for i, r := range rules {
		count := 0
		if r.Used {
			count = 1
		}
		blocks[i] = BlockRange{Start: r.Start, End: r.End, Count: count}
	}
	return DisjointRanges(blocks)
}
