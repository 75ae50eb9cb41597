// Package operation tracks one user-visible, multi-phase workflow and
// reports its progress to the UI.
//
// Every fallible step of a workflow is routed through FailIfErr or Check,
// so a pipeline reads as straight-line code that stops at the first error
// while the failure is recorded and emitted.
package operation

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// UI events.
const (
	EventPhaseStarted   = "operation-phase-started"
	EventPhaseSucceeded = "operation-phase-succeeded"
	EventFailed         = "operation-failed"
	EventCompleted      = "operation-completed"
)

var (
	// ErrTerminal is returned by any transition on a finished operation.
	ErrTerminal = errors.New("operation already finished")
	// ErrPhaseRunning is returned when a phase starts while another runs.
	ErrPhaseRunning = errors.New("another phase is running")
	// ErrPhaseNotRunning is returned by MoveOn when from is not the running phase.
	ErrPhaseNotRunning = errors.New("phase is not running")
)

// Emitter delivers fire-and-forget events to the UI observer.
type Emitter interface {
	Emit(event string, payload any) error
}

// State is the status of an operation or of one of its phases.
type State int

const (
	Pending State = iota
	Running
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Phase is one step of an operation.
type Phase struct {
	Name    string
	State   State
	Message string
}

// Snapshot is a copy of an operation's state.
type Snapshot struct {
	ID     string
	Name   string
	State  State
	Phases []Phase
}

// Failure is the error returned when an operation fails.
type Failure struct {
	Operation string
	Phase     string
	Message   string
	Err       error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s: %s", f.Operation, f.Phase, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Event payloads.
type phaseEvent struct {
	ID        string `json:"id"`
	Operation string `json:"operation"`
	Phase     string `json:"phase"`
}

type failedEvent struct {
	ID        string `json:"id"`
	Operation string `json:"operation"`
	Phase     string `json:"phase"`
	Message   string `json:"message"`
}

type completedEvent struct {
	ID        string `json:"id"`
	Operation string `json:"operation"`
}

// Operation is one running workflow instance. It is driven by a single
// logical thread of control; the mutex only makes Snapshot safe to call
// from elsewhere.
type Operation struct {
	id      string
	name    string
	emitter Emitter
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	phases  []Phase
	running int // index into phases, -1 when idle
}

// New creates an operation in the Running state.
func New(name string, emitter Emitter, logger *slog.Logger) *Operation {
	if logger == nil {
		logger = slog.Default()
	}
	return &Operation{
		id:      uuid.NewString(),
		name:    name,
		emitter: emitter,
		logger:  logger.With("operation", name),
		state:   Running,
		running: -1,
	}
}

// ID returns the instance id carried on every event.
func (o *Operation) ID() string { return o.id }

// Name returns the operation name.
func (o *Operation) Name() string { return o.name }

// Start enters phase.
func (o *Operation) Start(phase string) error {
	o.mu.Lock()
	if err := o.startLocked(phase); err != nil {
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()

	o.emit(EventPhaseStarted, phaseEvent{ID: o.id, Operation: o.name, Phase: phase})
	return nil
}

// MoveOn marks from as succeeded and starts to.
func (o *Operation) MoveOn(from, to string) error {
	o.mu.Lock()
	if o.state != Running {
		o.mu.Unlock()
		return ErrTerminal
	}
	if o.running < 0 || o.phases[o.running].Name != from {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPhaseNotRunning, from)
	}
	o.phases[o.running].State = Succeeded
	o.running = -1
	if err := o.startLocked(to); err != nil {
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()

	o.emit(EventPhaseSucceeded, phaseEvent{ID: o.id, Operation: o.name, Phase: from})
	o.emit(EventPhaseStarted, phaseEvent{ID: o.id, Operation: o.name, Phase: to})
	return nil
}

// Fail marks phase and the operation as failed and returns a *Failure so
// the caller can stop. On a finished operation it changes nothing and
// returns ErrTerminal.
func (o *Operation) Fail(phase, message string) error {
	return o.fail(phase, message, nil)
}

// Check is FailIfErr for steps that produce no value.
func (o *Operation) Check(phase string, err error) error {
	if err == nil {
		return nil
	}
	return o.fail(phase, err.Error(), err)
}

// FailIfErr passes v through when err is nil; otherwise it fails phase
// with err's message and returns the failure.
func FailIfErr[T any](o *Operation, phase string, v T, err error) (T, error) {
	if err != nil {
		var zero T
		return zero, o.fail(phase, err.Error(), err)
	}
	return v, nil
}

// Complete marks phase and the operation as succeeded.
func (o *Operation) Complete(phase string) error {
	o.mu.Lock()
	if o.state != Running {
		o.mu.Unlock()
		return ErrTerminal
	}
	o.phases[o.phaseLocked(phase)].State = Succeeded
	o.running = -1
	o.state = Succeeded
	o.mu.Unlock()

	o.emit(EventPhaseSucceeded, phaseEvent{ID: o.id, Operation: o.name, Phase: phase})
	o.emit(EventCompleted, completedEvent{ID: o.id, Operation: o.name})
	return nil
}

// State returns the operation state.
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Snapshot returns a copy of the operation and its phases.
func (o *Operation) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	phases := make([]Phase, len(o.phases))
	copy(phases, o.phases)
	return Snapshot{ID: o.id, Name: o.name, State: o.state, Phases: phases}
}

// PhaseState returns the state of the named phase, Pending if unknown.
func (o *Operation) PhaseState(name string) State {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.phases {
		if p.Name == name {
			return p.State
		}
	}
	return Pending
}

func (o *Operation) fail(phase, message string, cause error) error {
	o.mu.Lock()
	if o.state != Running {
		o.mu.Unlock()
		if cause != nil {
			return fmt.Errorf("%w: %w", ErrTerminal, cause)
		}
		return ErrTerminal
	}
	if o.running >= 0 && o.phases[o.running].Name != phase {
		o.phases[o.running].State = Failed
	}
	i := o.phaseLocked(phase)
	o.phases[i].State = Failed
	o.phases[i].Message = message
	o.running = -1
	o.state = Failed
	o.mu.Unlock()

	o.logger.Warn("operation failed", "phase", phase, "message", message)
	o.emit(EventFailed, failedEvent{ID: o.id, Operation: o.name, Phase: phase, Message: message})
	return &Failure{Operation: o.name, Phase: phase, Message: message, Err: cause}
}

func (o *Operation) startLocked(phase string) error {
	if o.state != Running {
		return ErrTerminal
	}
	if o.running >= 0 {
		return fmt.Errorf("%w: %s", ErrPhaseRunning, o.phases[o.running].Name)
	}
	i := o.phaseLocked(phase)
	o.phases[i].State = Running
	o.phases[i].Message = ""
	o.running = i
	return nil
}

// phaseLocked returns the index of the named phase, appending it if new.
func (o *Operation) phaseLocked(name string) int {
	for i := range o.phases {
		if o.phases[i].Name == name {
			return i
		}
	}
	o.phases = append(o.phases, Phase{Name: name})
	return len(o.phases) - 1
}

// emit is best effort: a lost event is logged and otherwise ignored.
func (o *Operation) emit(event string, payload any) {
	if o.emitter == nil {
		return
	}
	if err := o.emitter.Emit(event, payload); err != nil {
		o.logger.Warn("failed to emit event", "event", event, "error", err)
	}
}
