// Copyright 2024 The Cockroach Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Derived from https://github.com/cockroachdb/fifo/blob/0bbfbd93/queue.go

package fifo

// Queue is a FIFO queue backed by a single ring buffer that doubles when it
// fills. It is not safe for concurrent access.
//
// Pointers returned by PushBack and PeekFront are invalidated by the next
// PushBack that grows the ring and by PopFront of the element.
type Queue[T any] struct {
	buf  []T
	head int
	len  int
}

const minCapacity = 16

// MakeQueue constructs a Queue with room for at least hint elements before it
// reallocates.
func MakeQueue[T any](hint int) Queue[T] {
	c := minCapacity
	for c < hint {
		c <<= 1
	}
	return Queue[T]{buf: make([]T, c)}
}

// Len returns the current length of the queue.
func (q *Queue[T]) Len() int {
	return q.len
}

// PushBack adds t to the end of the queue and returns a pointer to the stored
// element.
func (q *Queue[T]) PushBack(t T) *T {
	if q.len == len(q.buf) {
		q.grow()
	}
	i := (q.head + q.len) & (len(q.buf) - 1)
	q.buf[i] = t
	q.len++
	return &q.buf[i]
}

// PeekFront returns the current head of the queue, or nil if the queue is
// empty.
func (q *Queue[T]) PeekFront() *T {
	if q.len == 0 {
		return nil
	}
	return &q.buf[q.head]
}

// PopFront removes and returns the current head of the queue. It returns false
// if the queue is empty.
func (q *Queue[T]) PopFront() (T, bool) {
	var zero T
	if q.len == 0 {
		return zero, false
	}
	t := q.buf[q.head]
	q.buf[q.head] = zero
	q.head = (q.head + 1) & (len(q.buf) - 1)
	q.len--
	return t, true
}

// AppendTo appends the queued elements to dst in FIFO order without removing
// them.
func (q *Queue[T]) AppendTo(dst []T) []T {
	for i := 0; i < q.len; i++ {
		dst = append(dst, q.buf[(q.head+i)&(len(q.buf)-1)])
	}
	return dst
}

// Reset empties the queue, keeping its storage.
func (q *Queue[T]) Reset() {
	var zero T
	for i := range q.buf {
		q.buf[i] = zero
	}
	q.head = 0
	q.len = 0
}

func (q *Queue[T]) grow() {
	c := len(q.buf) << 1
	if c == 0 {
		c = minCapacity
	}
	buf := make([]T, c)
	n := copy(buf, q.buf[q.head:])
	copy(buf[n:], q.buf[:q.head])
	q.buf = buf
	q.head = 0
}
