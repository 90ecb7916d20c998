package seqmgr

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type heapItem struct {
	key    int
	handle heapHandle
}

func newIntHeap() *intrusiveHeap[*heapItem] {
	return newIntrusiveHeap(
		func(a, b *heapItem) bool { return a.key < b.key },
		func(item *heapItem, h heapHandle) { item.handle = h },
	)
}

func TestIntrusiveHeap_InsertPopOrdered(t *testing.T) {
	h := newIntHeap()
	keys := []int{5, 3, 8, 1, 9, 2, 7, 4, 6, 0}
	items := make([]*heapItem, len(keys))
	for i, k := range keys {
		items[i] = &heapItem{key: k}
		h.Insert(items[i])
	}
	require.Equal(t, len(keys), h.Len())

	var popped []int
	for !h.Empty() {
		min, ok := h.Pop()
		require.True(t, ok)
		popped = append(popped, min.key)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, popped)
}

func TestIntrusiveHeap_EraseArbitrary(t *testing.T) {
	h := newIntHeap()
	items := make([]*heapItem, 0, 20)
	for i := 0; i < 20; i++ {
		it := &heapItem{key: i}
		items = append(items, it)
		h.Insert(it)
	}
	// erase every third item by its own handle
	for i := 0; i < len(items); i += 3 {
		h.Erase(items[i].handle)
		assert.Equal(t, noHeapHandle, items[i].handle)
	}
	assert.Equal(t, 20-len(items)/3-1, h.Len())

	var last int = -1
	for !h.Empty() {
		min, _ := h.Pop()
		assert.GreaterOrEqual(t, min.key, last)
		last = min.key
	}
}

func TestIntrusiveHeap_ChangeKey(t *testing.T) {
	h := newIntHeap()
	a := &heapItem{key: 1}
	b := &heapItem{key: 2}
	c := &heapItem{key: 3}
	h.Insert(a)
	h.Insert(b)
	h.Insert(c)

	a.key = 100
	h.ChangeKey(a.handle, a)

	min, ok := h.Min()
	require.True(t, ok)
	assert.Equal(t, 2, min.key)
}

func TestIntrusiveHeap_RandomizedAgainstSortedReference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	h := newIntHeap()
	var keys []int
	for i := 0; i < 500; i++ {
		k := rng.Intn(1000)
		keys = append(keys, k)
		h.Insert(&heapItem{key: k})
	}
	sort.Ints(keys)
	for _, want := range keys {
		min, ok := h.Pop()
		require.True(t, ok)
		assert.Equal(t, want, min.key)
	}
	assert.True(t, h.Empty())
}

func TestIntrusiveHeap_ErasePanicsOnBadHandle(t *testing.T) {
	h := newIntHeap()
	h.Insert(&heapItem{key: 1})
	assert.Panics(t, func() { h.Erase(noHeapHandle) })
	assert.Panics(t, func() { h.Erase(heapHandle(99)) })
}
