package interval

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMerge_Examples(t *testing.T) {
	tests := []struct {
		name     string
		existing Set
		incoming []Interval
		duration int
		want     Set
		percent  float64
	}{
		{
			name:     "empty existing",
			existing: Set{},
			incoming: []Interval{{0, 4}},
			duration: 10,
			want:     Set{{0, 4}},
			percent:  50,
		},
		{
			name:     "adjacent intervals join",
			existing: Set{{0, 4}},
			incoming: []Interval{{5, 9}},
			duration: 10,
			want:     Set{{0, 9}},
			percent:  100,
		},
		{
			name:     "one second gap stays split",
			existing: Set{{0, 4}},
			incoming: []Interval{{6, 9}},
			duration: 10,
			want:     Set{{0, 4}, {6, 9}},
			percent:  90,
		},
		{
			name:     "overlap and containment",
			existing: Set{{10, 20}},
			incoming: []Interval{{12, 15}, {18, 25}, {0, 3}},
			duration: 100,
			want:     Set{{0, 3}, {10, 25}},
			percent:  20,
		},
		{
			name:     "invalid intervals dropped",
			existing: nil,
			incoming: []Interval{{-1, 3}, {5, 4}, {7, 7}},
			duration: 10,
			want:     Set{{7, 7}},
			percent:  10,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Merge(tt.existing, tt.incoming)
			require.Equal(t, tt.want, got)
			require.True(t, Canonical(got))
			require.Equal(t, tt.percent, Percent(got, tt.duration))
		})
	}
}

func TestMerge_EmptyReturnsNonNil(t *testing.T) {
	got := Merge(nil, nil)
	require.NotNil(t, got)
	require.Empty(t, got)
}

func TestMerge_Idempotent(t *testing.T) {
	batch := []Interval{{3, 8}, {12, 12}, {20, 31}}
	once := Merge(nil, batch)
	twice := Merge(once, batch)
	require.Equal(t, once, twice)
}

func TestMerge_OrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		a := randomIntervals(rng, 4, 60)
		b := randomIntervals(rng, 4, 60)

		ab := Merge(Merge(nil, a), b)
		ba := Merge(Merge(nil, b), a)
		require.Equal(t, ab, ba)
		require.True(t, Canonical(ab), "non canonical: %v", ab)
	}
}

func TestMerge_CoversExactlyInputSeconds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		ivs := randomIntervals(rng, 6, 80)
		want := map[int]bool{}
		for _, iv := range ivs {
			for s := iv.Start; s <= iv.End; s++ {
				want[s] = true
			}
		}
		got := Merge(nil, ivs)
		require.Equal(t, len(want), UniqueSeconds(got))
		for s := range want {
			require.True(t, Contains(got, s), "second %d missing from %v", s, got)
		}
	}
}

func TestPercent(t *testing.T) {
	require.Equal(t, 0.0, Percent(Set{{0, 4}}, 0))
	require.Equal(t, 0.0, Percent(Set{{0, 4}}, -3))
	require.Equal(t, 33.33, Percent(Set{{0, 0}}, 3))
	require.Equal(t, 66.67, Percent(Set{{0, 1}}, 3))
	require.Equal(t, 100.0, Percent(Set{{0, 20}}, 10))
	require.Equal(t, 0.0, Percent(nil, 10))
}

func TestClamp(t *testing.T) {
	got := Clamp([]Interval{{8, 12}, {15, 20}, {0, 2}, {4, 3}}, 10)
	require.Equal(t, []Interval{{8, 9}, {0, 2}}, got)

	require.Empty(t, Clamp([]Interval{{0, 1}}, 0))
}

func TestCanonical(t *testing.T) {
	require.True(t, Canonical(nil))
	require.True(t, Canonical(Set{{0, 4}, {6, 9}}))
	require.False(t, Canonical(Set{{0, 4}, {5, 9}}))
	require.False(t, Canonical(Set{{6, 9}, {0, 4}}))
	require.False(t, Canonical(Set{{3, 1}}))
}

func TestContainsAndEach(t *testing.T) {
	s := Set{{2, 4}, {8, 8}}
	require.False(t, Contains(s, 1))
	require.True(t, Contains(s, 3))
	require.False(t, Contains(s, 5))
	require.True(t, Contains(s, 8))
	require.False(t, Contains(s, 9))

	var secs []int
	Each(s, func(sec int) { secs = append(secs, sec) })
	require.Equal(t, []int{2, 3, 4, 8}, secs)
}

func randomIntervals(rng *rand.Rand, n, maxSec int) []Interval {
	count := rng.Intn(n) + 1
	out := make([]Interval, 0, count)
	for i := 0; i < count; i++ {
		start := rng.Intn(maxSec)
		out = append(out, Interval{Start: start, End: start + rng.Intn(8)})
	}
	return out
}
