// Package session holds the single shared authenticated session.
// The session is checked out by exactly one workflow step at a time and
// put back when that step ends, however it ends.
package session

import (
	"errors"
	"sync"
)

// ErrUnavailable is returned when a guard is acquired against an empty slot.
var ErrUnavailable = errors.New("not logged in")

// Slot is a mutex-protected single-value store.
type Slot[T any] struct {
	mu      sync.Mutex
	value   T
	present bool
	gen     uint64 // bumped by Put and Clear
}

// Put stores v, replacing any current value.
func (s *Slot[T]) Put(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = v
	s.present = true
	s.gen++
}

// Clear empties the slot and returns what it held.
func (s *Slot[T]) Clear() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.value, s.present
	var zero T
	s.value = zero
	s.present = false
	s.gen++
	return v, ok
}

// Peek returns the current value without taking it.
func (s *Slot[T]) Peek() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.present
}

// Present reports whether the slot holds a value.
func (s *Slot[T]) Present() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present
}

// take removes the value. The lock is held only for the take itself.
func (s *Slot[T]) take() (T, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if !s.present {
		return zero, 0, false
	}
	v := s.value
	s.value = zero
	s.present = false
	return v, s.gen, true
}

// restore puts v back unless the slot was written while v was checked out.
func (s *Slot[T]) restore(v T, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.present {
		return false
	}
	s.value = v
	s.present = true
	return true
}
