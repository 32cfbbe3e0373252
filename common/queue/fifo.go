package queue

// Fifo is a first-in first-out (FIFO) queue of elements of type T.
//
// Fifo is not thread-safe.
type Fifo[T any] struct {
	elements []T
}

// NewFifo creates a new Fifo with the specified initial capacity and returns a pointer to it.
func NewFifo[T any](initialCapacity int) *Fifo[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}

	return &Fifo[T]{
		elements: make([]T, 0, initialCapacity),
	}
}

// Enqueue adds the specified element to the back of the queue.
func (q *Fifo[T]) Enqueue(elem T) {
	q.elements = append(q.elements, elem)
}

// Dequeue removes and returns the element at the front of the queue.
//
// If the queue is empty, then Dequeue returns the zero value of T and false.
func (q *Fifo[T]) Dequeue() (T, bool) {
	var zero T
	if len(q.elements) == 0 {
		return zero, false
	}

	elem := q.elements[0]
	q.elements[0] = zero
	q.elements = q.elements[1:]

	if len(q.elements) == 0 {
		// Let the backing array be reclaimed once the queue drains.
		q.elements = q.elements[:0:0]
	}

	return elem, true
}

// Peek returns but does not remove the element at the front of the queue.
//
// If the queue is empty, then Peek returns the zero value of T and false.
func (q *Fifo[T]) Peek() (T, bool) {
	if len(q.elements) == 0 {
		var zero T
		return zero, false
	}

	return q.elements[0], true
}

// Len returns the number of elements in the queue.
func (q *Fifo[T]) Len() int {
	return len(q.elements)
}
