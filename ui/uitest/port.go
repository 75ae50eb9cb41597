// Package uitest provides an in-memory UI observer for tests.
// It records emitted events and lets a test play the part of the user by
// sending inbound events, either directly or from an OnEmit hook.
package uitest

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrEmitFailed is returned by Emit when the port is set to fail.
var ErrEmitFailed = errors.New("uitest: emit failed")

// Event is one recorded emission.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// Port is an in-memory implementation of the hub's Emit/Listen surface.
type Port struct {
	mu        sync.Mutex
	events    []Event
	listeners map[string]map[int]*listener
	nextID    int
	failEmit  bool
	closed    bool

	// OnEmit, when set, runs after each emission with the event name.
	// It is called without the port lock held, so it may call Send.
	OnEmit func(event string, payload json.RawMessage)
}

type listener struct {
	fn   func([]byte)
	done chan struct{}
}

// New returns an empty port.
func New() *Port {
	return &Port{listeners: make(map[string]map[int]*listener)}
}

// FailEmits makes every later Emit return ErrEmitFailed. Events are still recorded.
func (p *Port) FailEmits(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failEmit = fail
}

// Emit records the event.
func (p *Port) Emit(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.events = append(p.events, Event{Name: event, Payload: raw})
	fail := p.failEmit
	hook := p.OnEmit
	p.mu.Unlock()

	if hook != nil {
		hook(event, raw)
	}
	if fail {
		return ErrEmitFailed
	}
	return nil
}

// Listen registers fn for inbound event.
func (p *Port) Listen(event string, fn func([]byte)) (<-chan struct{}, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	l := &listener{fn: fn, done: make(chan struct{})}
	if p.closed {
		close(l.done)
		return l.done, func() {}
	}
	id := p.nextID
	p.nextID++
	if p.listeners[event] == nil {
		p.listeners[event] = make(map[int]*listener)
	}
	p.listeners[event][id] = l

	return l.done, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners[event], id)
	}
}

// Send delivers an inbound event to every current listener. It returns
// how many listeners received it.
func (p *Port) Send(event string, payload []byte) int {
	p.mu.Lock()
	fns := make([]func([]byte), 0, len(p.listeners[event]))
	for _, l := range p.listeners[event] {
		fns = append(fns, l.fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(payload)
	}
	return len(fns)
}

// Listeners returns the number of live listeners for event.
func (p *Port) Listeners(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners[event])
}

// Close tears the port down, signalling every listener.
func (p *Port) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, ls := range p.listeners {
		for _, l := range ls {
			close(l.done)
		}
	}
	p.listeners = make(map[string]map[int]*listener)
}

// Events returns a copy of everything emitted so far.
func (p *Port) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Names returns the emitted event names in order.
func (p *Port) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Name
	}
	return out
}

// Decode unmarshals the payload of the i-th event into v.
func (p *Port) Decode(i int, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.events) {
		return errors.New("uitest: no such event")
	}
	return json.Unmarshal(p.events[i].Payload, v)
}
