package session

import "sync"

// Guard is exclusive ownership of a checked-out slot value.
// While a Guard is live the slot is empty, so no second Acquire can succeed.
type Guard[T any] struct {
	slot  *Slot[T]
	value T
	gen   uint64
	once  sync.Once
}

// Acquire takes the value out of the slot. It never blocks on an empty
// slot; it fails with ErrUnavailable instead.
func Acquire[T any](slot *Slot[T]) (*Guard[T], error) {
	v, gen, ok := slot.take()
	if !ok {
		return nil, ErrUnavailable
	}
	return &Guard[T]{slot: slot, value: v, gen: gen}, nil
}

// Value returns the checked-out value.
func (g *Guard[T]) Value() T {
	return g.value
}

// Release puts the value back. Safe to call more than once.
// A value that went stale during the checkout is still restored; deciding
// whether it is usable is the next acquirer's job. If the slot was replaced
// or cleared in the meantime, the newer state is kept.
func (g *Guard[T]) Release() {
	g.once.Do(func() {
		g.slot.restore(g.value, g.gen)
	})
}

// With runs fn against the exclusively held value and restores it on
// return or panic.
func With[T any](slot *Slot[T], fn func(T) error) error {
	g, err := Acquire(slot)
	if err != nil {
		return err
	}
	defer g.Release()
	return fn(g.Value())
}

// WithResult is With for operations that produce a value.
func WithResult[T, R any](slot *Slot[T], fn func(T) (R, error)) (R, error) {
	g, err := Acquire(slot)
	if err != nil {
		var zero R
		return zero, err
	}
	defer g.Release()
	return fn(g.Value())
}
