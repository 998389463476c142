// Package commitlog assembles an in-order stream from out-of-order
// arrivals. The ordering layer may deliver slot i+1 before slot i;
// consumers require strictly sequential dequeues.
package commitlog

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicatePosition means a position >= next was inserted twice.
	// This is a programmer error in the ordering layer; callers treat it
	// as fatal.
	ErrDuplicatePosition = errors.New("log position has already been taken")

	// ErrEmpty means Next or Peek was called while the next position is
	// absent.
	ErrEmpty = errors.New("next item does not exist")
)

// AsyncLog is a log of items numbered consecutively in increasing order.
// Items can be added in any order but are read one by one following their
// number: if the item right after the most recently read one has not been
// added yet, reads stall. A log only moves forward.
//
// Not safe for concurrent use; each log is owned by one module loop.
type AsyncLog[T any] struct {
	log  map[uint32]T
	next uint32
}

// NewAsyncLog creates a log whose first dequeue position is startFrom.
func NewAsyncLog[T any](startFrom uint32) *AsyncLog[T] {
	return &AsyncLog[T]{
		log:  make(map[uint32]T),
		next: startFrom,
	}
}

// Insert places item at position. Positions before the read head are
// dropped silently (idempotent late arrival). Inserting a position that
// is already occupied fails with ErrDuplicatePosition.
func (l *AsyncLog[T]) Insert(position uint32, item T) error {
	if position < l.next {
		return nil
	}
	if _, taken := l.log[position]; taken {
		return fmt.Errorf("%w: %d", ErrDuplicatePosition, position)
	}
	l.log[position] = item
	return nil
}

// HasNext reports whether the item at the read head has arrived.
func (l *AsyncLog[T]) HasNext() bool {
	_, ok := l.log[l.next]
	return ok
}

// Peek returns the item at the read head without consuming it.
func (l *AsyncLog[T]) Peek() (T, error) {
	item, ok := l.log[l.next]
	if !ok {
		var zero T
		return zero, ErrEmpty
	}
	return item, nil
}

// Next consumes the item at the read head and advances it, returning the
// position the item occupied.
func (l *AsyncLog[T]) Next() (uint32, T, error) {
	item, ok := l.log[l.next]
	if !ok {
		var zero T
		return 0, zero, ErrEmpty
	}
	position := l.next
	delete(l.log, position)
	l.next++
	return position, item, nil
}

// NextPosition returns the current read head.
func (l *AsyncLog[T]) NextPosition() uint32 { return l.next }

// Len returns the number of buffered items (the in-flight gap).
func (l *AsyncLog[T]) Len() int { return len(l.log) }
