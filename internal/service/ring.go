package service

import "encoding/json"

// Ring is a fixed-capacity circular buffer. Once full, Push overwrites the oldest value.
// Ring is not safe for concurrent use; callers guard it with the owning record's lock.
type Ring[T any] struct {
	buf   []T
	start int
	count int
}

// NewRing returns an empty ring holding at most capacity values (minimum 1).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest value when the ring is full.
func (r *Ring[T]) Push(v T) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = v
		r.count++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
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
	return len(r.buf)
}

// Values returns the buffered values in insertion order, oldest first.
func (r *Ring[T]) Values() []T {
	if r == nil || r.count == 0 {
		return []T{}
	}
	out := make([]T, r.count)
	n := copy(out, r.buf[r.start:min(r.start+r.count, len(r.buf))])
	if n < r.count {
		copy(out[n:], r.buf[:r.count-n])
	}
	return out
}

// Last returns the most recently pushed value.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r == nil || r.count == 0 {
		return zero, false
	}
	return r.buf[(r.start+r.count-1)%len(r.buf)], true
}

// Clone returns an independent copy of r.
func (r *Ring[T]) Clone() *Ring[T] {
	if r == nil {
		return nil
	}
	c := &Ring[T]{buf: make([]T, len(r.buf)), start: r.start, count: r.count}
	copy(c.buf, r.buf)
	return c
}

func (r *Ring[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Values())
}

// Mean returns the arithmetic mean of values, or 0 when empty.
func Mean[T ~int64 | ~float64](values []T) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	return sum / float64(len(values))
}

// UnmarshalJSON rebuilds the ring from an array. A ring without capacity is sized to the input.
func (r *Ring[T]) UnmarshalJSON(b []byte) error {
	var vals []T
	if err := json.Unmarshal(b, &vals); err != nil {
		return err
	}
	capacity := len(r.buf)
	if capacity == 0 {
		capacity = max(len(vals), 1)
	}
	*r = Ring[T]{buf: make([]T, capacity)}
	for _, v := range vals {
		r.Push(v)
	}
	return nil
}
