package buffer

// Ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
// It is not safe for concurrent use; callers hold their own lock.
type Ring[T any] struct {
	entries []T
	start   int
	count   int
}

func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 1
	}
	return &Ring[T]{
		entries: make([]T, size),
	}
}

func (r *Ring[T]) Add(entry T) {
	r.Push(entry)
}

// Push adds entry and returns the entry it overwrote, if the ring was full.
func (r *Ring[T]) Push(entry T) (T, bool) {
	var evicted T
	if r == nil || len(r.entries) == 0 {
		return evicted, false
	}

	if r.count < len(r.entries) {
		index := (r.start + r.count) % len(r.entries)
		r.entries[index] = entry
		r.count++
		return evicted, false
	}

	evicted = r.entries[r.start]
	r.entries[r.start] = entry
	r.start = (r.start + 1) % len(r.entries)
	return evicted, true
}

func (r *Ring[T]) Len() int {
	if r == nil {
		return 0
	}
	return r.count
}

func (r *Ring[T]) Cap() int {
	if r == nil {
		return 0
	}
	return len(r.entries)
}

// List returns every entry, oldest first.
func (r *Ring[T]) List() []T {
	return r.Last(0)
}

// Last returns the newest n entries, oldest first. n <= 0 means all.
func (r *Ring[T]) Last(n int) []T {
	if r == nil || r.count == 0 {
		return nil
	}
	if n <= 0 || n > r.count {
		n = r.count
	}

	out := make([]T, n)
	skip := r.count - n
	for i := 0; i < n; i++ {
		index := (r.start + skip + i) % len(r.entries)
		out[i] = r.entries[index]
	}
	return out
}
