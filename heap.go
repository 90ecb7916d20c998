package seqmgr

// heapHandle is the index an element occupies within an intrusiveHeap's
// backing slice. It is written into the element itself (see setHandle),
// which is what makes erase/changeKey O(log n) instead of O(n): no
// external map from element identity to index is needed.
type heapHandle int

// noHeapHandle marks an element that is not currently present in any heap.
const noHeapHandle heapHandle = 0

// intrusiveHeap is a 1-indexed binary min-heap over pointer-shaped
// elements of type T. Index 0 of the backing slice is never used, so that
// a heapHandle of 0 can unambiguously mean "not present" — child/parent
// arithmetic (parent = i/2, child = 2i) also falls out naturally from
// 1-based indexing.
//
// less and setHandle are supplied by the caller at construction: less
// orders two elements, and setHandle records an element's current
// 1-based position (or noHeapHandle once removed) back onto the element,
// since the element itself owns its handle slot (see DESIGN.md's note on
// intrusive data structures).
type intrusiveHeap[T any] struct {
	items     []T
	less      func(a, b T) bool
	setHandle func(item T, h heapHandle)
}

// newIntrusiveHeap constructs an empty heap with a minimum backing
// capacity of 4 — empirically most sets used by this scheduler contain
// 0..3 elements.
func newIntrusiveHeap[T any](less func(a, b T) bool, setHandle func(item T, h heapHandle)) *intrusiveHeap[T] {
	items := make([]T, 1, 4)
	return &intrusiveHeap[T]{items: items, less: less, setHandle: setHandle}
}

func (h *intrusiveHeap[T]) Len() int { return len(h.items) - 1 }

func (h *intrusiveHeap[T]) Empty() bool { return len(h.items) <= 1 }

// Min returns the smallest element without removing it.
func (h *intrusiveHeap[T]) Min() (T, bool) {
	if h.Empty() {
		var zero T
		return zero, false
	}
	return h.items[1], true
}

func (h *intrusiveHeap[T]) set(i heapHandle, item T) {
	h.items[i] = item
	h.setHandle(item, i)
}

// Insert adds item to the heap. Leaf insertions use the "hole bubbles up"
// pattern: one comparison per level on the way up from the new leaf.
func (h *intrusiveHeap[T]) Insert(item T) {
	h.items = append(h.items, item)
	i := heapHandle(len(h.items) - 1)
	h.set(i, item)
	h.siftUp(i)
}

// Pop removes and returns the minimum element.
func (h *intrusiveHeap[T]) Pop() (T, bool) {
	min, ok := h.Min()
	if !ok {
		return min, false
	}
	h.erase(1)
	return min, true
}

// Erase removes the element at the given handle, which must reference an
// element currently present in this heap.
func (h *intrusiveHeap[T]) Erase(handle heapHandle) {
	if handle <= 0 || int(handle) >= len(h.items) {
		invariantViolation("heap erase: handle out of range")
	}
	h.erase(handle)
}

func (h *intrusiveHeap[T]) erase(i heapHandle) {
	var zero T
	h.setHandle(h.items[i], noHeapHandle)
	last := heapHandle(len(h.items) - 1)
	if i != last {
		h.items[i] = h.items[last]
		h.setHandle(h.items[i], i)
	}
	h.items[last] = zero
	h.items = h.items[:last]
	if i != last && i <= heapHandle(len(h.items)-1) {
		// Non-leaf replacement: the moved-in element may need to go
		// either direction, so sift down then up.
		h.siftDown(i)
		h.siftUp(i)
	}
}

// ReplaceMin replaces the current minimum with item in place.
func (h *intrusiveHeap[T]) ReplaceMin(item T) {
	if h.Empty() {
		invariantViolation("heap replace_min: empty heap")
	}
	h.setHandle(h.items[1], noHeapHandle)
	h.set(1, item)
	h.siftDown(1)
}

// ChangeKey re-keys the element at handle to item (item must compare
// equal-or-different only in its sort key; identity is whatever the
// caller's setHandle/less functions treat it as).
func (h *intrusiveHeap[T]) ChangeKey(handle heapHandle, item T) {
	if handle <= 0 || int(handle) >= len(h.items) {
		invariantViolation("heap change_key: handle out of range")
	}
	h.set(handle, item)
	h.siftDown(handle)
	h.siftUp(handle)
}

// Clear empties the heap, clearing every element's handle in O(n).
func (h *intrusiveHeap[T]) Clear() {
	for i := 1; i < len(h.items); i++ {
		h.setHandle(h.items[i], noHeapHandle)
	}
	h.items = h.items[:1]
}

func (h *intrusiveHeap[T]) siftUp(i heapHandle) {
	for i > 1 {
		parent := i / 2
		if !h.less(h.items[i], h.items[parent]) {
			break
		}
		h.swap(i, parent)
		i = parent
	}
}

func (h *intrusiveHeap[T]) siftDown(i heapHandle) {
	n := heapHandle(len(h.items) - 1)
	for {
		smallest := i
		if l := 2 * i; l <= n && h.less(h.items[l], h.items[smallest]) {
			smallest = l
		}
		if r := 2*i + 1; r <= n && h.less(h.items[r], h.items[smallest]) {
			smallest = r
		}
		if smallest == i {
			return
		}
		h.swap(i, smallest)
		i = smallest
	}
}

func (h *intrusiveHeap[T]) swap(i, j heapHandle) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.setHandle(h.items[i], i)
	h.setHandle(h.items[j], j)
}
