package generics

import (
	"slices"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSliceMap(t *testing.T) {
	assert.Equal(t, []string{"1", "2", "3"}, SliceMap([]int{1, 2, 3}, strconv.Itoa))
	assert.Equal(t, []float32{}, SliceMap([]int{}, func(e int) float32 { return float32(e) }))
}

func TestArgMax(t *testing.T) {
	assert.Equal(t, -1, ArgMax([]float32{}))
	assert.Equal(t, 1, ArgMax([]float32{7, 11, -3}))
	// First occurrence wins on ties.
	assert.Equal(t, 0, ArgMax([]int{5, 5, 5}))
}

func TestSortedKeysAndValues(t *testing.T) {
	m := map[int]string{1: "1", 5: "5", 3: "3"}
	// Since the builtin map iterator in Go is deliberately non-deterministic, we
	// run it a bunch of times to show it is stably sorted.
	wantKeys := []int{1, 3, 5}
	for _ = range 100 {
		var gotKeys []int
		for k, v := range SortedKeysAndValues(m) {
			gotKeys = append(gotKeys, k)
			assert.Equal(t, strconv.Itoa(k), v)
		}
		if !slices.Equal(gotKeys, wantKeys) {
			t.Errorf("got %v, want %v", gotKeys, wantKeys)
		}
	}
}

func TestSet(t *testing.T) {
	// Sets are created empty.
	s := MakeSet[int](10)
	assert.Len(t, s, 0)

	// Check inserting and recovery.
	s.Insert(3, 7)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.True(t, s.Has(7))
	assert.False(t, s.Has(5))

	s2 := SetWith(5, 7)
	assert.Len(t, s2, 2)
	assert.True(t, s2.Has(5))
	assert.True(t, s2.Has(7))
	assert.False(t, s2.Has(3))

	delete(s, 7)
	assert.Len(t, s, 1)
	assert.True(t, s.Has(3))
	assert.False(t, s.Has(7))
}
