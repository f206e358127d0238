package prioq

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicOrdering(t *testing.T) {
	q := New[int, string]()
	q.Insert(5, "e")
	q.Insert(1, "a")
	q.Insert(3, "c")
	q.Insert(2, "b")
	q.Insert(4, "d")

	require.Equal(t, 5, q.Len())
	for want := 1; want <= 5; want++ {
		e := q.RemoveMin()
		assert.Equal(t, want, e.Key)
	}
	assert.True(t, q.Empty())
}

func TestKeyUpdate(t *testing.T) {
	q := New[uint64, uint64]()
	q.Insert(10, 100)
	q.Insert(20, 200)
	q.Insert(30, 300)

	q.DecreaseKey(5, 300)
	assert.Equal(t, uint64(5), q.Key(300))
	assert.Equal(t, uint64(300), q.Min().Value)

	q.IncreaseKey(25, 100)
	e := q.RemoveMin()
	assert.Equal(t, uint64(300), e.Value)
	e = q.RemoveMin()
	assert.Equal(t, uint64(200), e.Value)
	e = q.RemoveMin()
	assert.Equal(t, uint64(100), e.Value)
	assert.Equal(t, uint64(25), e.Key)
}

func TestEraseAndContains(t *testing.T) {
	q := New[int, int]()
	for i := 0; i < 10; i++ {
		q.Insert(i*7%10, i)
	}
	require.True(t, q.Contains(4))
	q.Erase(4)
	assert.False(t, q.Contains(4))
	assert.Equal(t, 9, q.Len())

	var keys []int
	for !q.Empty() {
		keys = append(keys, q.RemoveMin().Key)
	}
	assert.True(t, sort.IntsAreSorted(keys))
}

func TestRemoveSecondMin(t *testing.T) {
	q := New[int, string]()
	q.Insert(1, "a")
	q.Insert(2, "b")
	q.Insert(3, "c")
	q.Insert(4, "d")

	second := q.RemoveSecondMin()
	assert.Equal(t, 2, second.Key)
	// Root untouched.
	assert.Equal(t, 1, q.Min().Key)
	assert.Equal(t, 3, q.Len())
	assert.False(t, q.Contains("b"))

	// Two-element case.
	q2 := New[int, string]()
	q2.Insert(1, "a")
	q2.Insert(9, "z")
	assert.Equal(t, 9, q2.RemoveSecondMin().Key)
	assert.Equal(t, 1, q2.Min().Key)
}

// TestRandomInterleaving drives a random interleaving of operations
// against a reference map and checks that the sequence of minima is
// non-decreasing between structural changes and always equals the true
// minimum of the remaining keys.
func TestRandomInterleaving(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	q := New[int, int]()
	ref := make(map[int]int) // value -> key

	checkMin := func() {
		if len(ref) == 0 {
			require.True(t, q.Empty())
			return
		}
		best := 1 << 30
		for _, k := range ref {
			if k < best {
				best = k
			}
		}
		require.Equal(t, best, q.Min().Key)
	}

	nextValue := 0
	for step := 0; step < 5000; step++ {
		switch op := rng.Intn(6); {
		case op <= 1 || len(ref) == 0:
			key := rng.Intn(1000)
			q.Insert(key, nextValue)
			ref[nextValue] = key
			nextValue++
		case op == 2:
			e := q.RemoveMin()
			require.Equal(t, ref[e.Value], e.Key)
			delete(ref, e.Value)
		case op == 3:
			v := anyValue(rng, ref)
			q.Erase(v)
			delete(ref, v)
		case op == 4:
			v := anyValue(rng, ref)
			nk := ref[v] - rng.Intn(100)
			q.DecreaseKey(nk, v)
			ref[v] = nk
		default:
			v := anyValue(rng, ref)
			nk := ref[v] + rng.Intn(100)
			q.IncreaseKey(nk, v)
			ref[v] = nk
		}
		require.Equal(t, len(ref), q.Len())
		checkMin()
	}

	// Drain: minima must come out sorted.
	var got []int
	for !q.Empty() {
		got = append(got, q.RemoveMin().Key)
	}
	assert.True(t, sort.IntsAreSorted(got))
}

func anyValue(rng *rand.Rand, ref map[int]int) int {
	vals := make([]int, 0, len(ref))
	for v := range ref {
		vals = append(vals, v)
	}
	sort.Ints(vals)
	return vals[rng.Intn(len(vals))]
}
