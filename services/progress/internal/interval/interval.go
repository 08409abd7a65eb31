// Package interval implements the watched-seconds interval set: coalescing of
// inclusive integer-second spans and the percentage derived from them.
package interval

import (
	"math"
	"sort"
)

// Interval is an inclusive span of watched seconds [Start, End].
type Interval struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Valid reports whether the interval has a non-negative start and End >= Start.
func (iv Interval) Valid() bool {
	return iv.Start >= 0 && iv.End >= iv.Start
}

// Len is the number of seconds covered by the interval.
func (iv Interval) Len() int {
	return iv.End - iv.Start + 1
}

// Set is a list of intervals. A Set returned by Merge is canonical: sorted by
// Start with at least one unwatched second between consecutive intervals.
type Set []Interval

// Merge coalesces existing and incoming into a canonical set. Invalid
// intervals are dropped. Intervals that overlap or touch (next.Start ==
// cur.End+1) are joined; a gap of one or more seconds keeps them apart.
func Merge(existing Set, incoming []Interval) Set {
	all := make([]Interval, 0, len(existing)+len(incoming))
	for _, iv := range existing {
		if iv.Valid() {
			all = append(all, iv)
		}
	}
	for _, iv := range incoming {
		if iv.Valid() {
			all = append(all, iv)
		}
	}
	if len(all) == 0 {
		return Set{}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Start < all[j].Start })

	out := make(Set, 0, len(all))
	cur := all[0]
	for _, iv := range all[1:] {
		if iv.Start > cur.End+1 {
			out = append(out, cur)
			cur = iv
			continue
		}
		if iv.End > cur.End {
			cur.End = iv.End
		}
	}
	return append(out, cur)
}

// UniqueSeconds sums the lengths of a canonical set.
func UniqueSeconds(s Set) int {
	total := 0
	for _, iv := range s {
		total += iv.Len()
	}
	return total
}

// Percent is the watched share of duration, rounded to two decimals and
// clamped to [0, 100]. Non-positive durations and non-finite results yield 0.
func Percent(s Set, duration int) float64 {
	if duration <= 0 {
		return 0
	}
	p := round2(float64(UniqueSeconds(s)) / float64(duration) * 100)
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return 0
	}
	return clamp(p, 0, 100)
}

// Clamp trims intervals to [0, duration-1]. Intervals starting at or past
// duration are dropped, as are invalid ones.
func Clamp(ivs []Interval, duration int) []Interval {
	out := make([]Interval, 0, len(ivs))
	if duration <= 0 {
		return out
	}
	last := duration - 1
	for _, iv := range ivs {
		if !iv.Valid() || iv.Start >= duration {
			continue
		}
		if iv.End > last {
			iv.End = last
		}
		out = append(out, iv)
	}
	return out
}

// Canonical reports whether s is sorted, valid and free of mergeable neighbours.
func Canonical(s Set) bool {
	for i, iv := range s {
		if !iv.Valid() {
			return false
		}
		if i > 0 && iv.Start <= s[i-1].End+1 {
			return false
		}
	}
	return true
}

// Contains reports whether second sec is covered by the canonical set s.
func Contains(s Set, sec int) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i].End >= sec })
	return i < len(s) && s[i].Start <= sec
}

// Each calls fn for every second covered by s, in ascending order.
func Each(s Set, fn func(sec int)) {
	for _, iv := range s {
		for sec := iv.Start; sec <= iv.End; sec++ {
			fn(sec)
		}
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
