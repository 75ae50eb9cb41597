package operation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kakik0u/iloader/ui/uitest"
)

func TestHappyPath(t *testing.T) {
	port := uitest.New()
	op := New("install_sidestore", port, nil)

	require.NoError(t, op.Start("download"))
	require.NoError(t, op.MoveOn("download", "install"))
	require.NoError(t, op.MoveOn("install", "pairing"))
	require.NoError(t, op.Complete("pairing"))

	assert.Equal(t, Succeeded, op.State())
	snap := op.Snapshot()
	require.Len(t, snap.Phases, 3)
	for _, p := range snap.Phases {
		assert.Equal(t, Succeeded, p.State, p.Name)
	}

	assert.Equal(t, []string{
		EventPhaseStarted,
		EventPhaseSucceeded, EventPhaseStarted,
		EventPhaseSucceeded, EventPhaseStarted,
		EventPhaseSucceeded, EventCompleted,
	}, port.Names())

	var ev phaseEvent
	require.NoError(t, port.Decode(0, &ev))
	assert.Equal(t, "install_sidestore", ev.Operation)
	assert.Equal(t, "download", ev.Phase)
	assert.Equal(t, op.ID(), ev.ID)
}

func TestFailEmitsAndStops(t *testing.T) {
	port := uitest.New()
	op := New("sideload", port, nil)
	require.NoError(t, op.Start("install"))

	err := op.Fail("install", "No device selected")
	require.Error(t, err)

	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, "sideload", f.Operation)
	assert.Equal(t, "install", f.Phase)
	assert.Contains(t, err.Error(), "No device selected")

	assert.Equal(t, Failed, op.State())
	assert.Equal(t, Failed, op.PhaseState("install"))

	names := port.Names()
	assert.Equal(t, EventFailed, names[len(names)-1])
	var ev failedEvent
	require.NoError(t, port.Decode(len(names)-1, &ev))
	assert.Equal(t, "No device selected", ev.Message)
}

func TestTerminalIdempotence(t *testing.T) {
	finish := map[string]func(*Operation){
		"failed":    func(op *Operation) { _ = op.Fail("a", "boom") },
		"succeeded": func(op *Operation) { _ = op.Complete("a") },
	}

	for name, end := range finish {
		t.Run(name, func(t *testing.T) {
			port := uitest.New()
			op := New("op", port, nil)
			require.NoError(t, op.Start("a"))
			end(op)

			before := op.Snapshot()
			emitted := len(port.Events())

			assert.ErrorIs(t, op.Start("b"), ErrTerminal)
			assert.ErrorIs(t, op.MoveOn("a", "b"), ErrTerminal)
			assert.ErrorIs(t, op.Complete("a"), ErrTerminal)
			assert.ErrorIs(t, op.Fail("a", "again"), ErrTerminal)
			assert.ErrorIs(t, op.Check("a", errors.New("late")), ErrTerminal)
			_, err := FailIfErr(op, "a", 0, errors.New("late"))
			assert.ErrorIs(t, err, ErrTerminal)

			assert.Equal(t, before, op.Snapshot())
			assert.Len(t, port.Events(), emitted)
		})
	}
}

func TestFailIfErrSuccessPassesThrough(t *testing.T) {
	port := uitest.New()
	op := New("op", port, nil)
	require.NoError(t, op.Start("download"))

	before := op.Snapshot()
	emitted := len(port.Events())

	type info struct{ BundleID string }
	want := &info{BundleID: "com.example.app"}
	got, err := FailIfErr(op, "download", want, nil)
	assert.NoError(t, err)
	assert.Same(t, want, got)

	assert.NoError(t, op.Check("download", nil))
	assert.Equal(t, before, op.Snapshot())
	assert.Len(t, port.Events(), emitted)
}

func TestFailIfErrFailsOnce(t *testing.T) {
	port := uitest.New()
	op := New("op", port, nil)
	require.NoError(t, op.Start("install"))

	cause := errors.New("device locked")
	v, err := FailIfErr(op, "install", "ignored", cause)
	assert.Empty(t, v)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "op: install: device locked", err.Error())
	assert.Equal(t, Failed, op.State())

	failures := 0
	for _, n := range port.Names() {
		if n == EventFailed {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestOnePhaseRunning(t *testing.T) {
	op := New("op", nil, nil)
	require.NoError(t, op.Start("a"))

	assert.ErrorIs(t, op.Start("b"), ErrPhaseRunning)
	assert.ErrorIs(t, op.MoveOn("b", "c"), ErrPhaseNotRunning)
	assert.Equal(t, Running, op.PhaseState("a"))
	assert.Equal(t, Pending, op.PhaseState("b"))
}

func TestFailMarksRunningPhase(t *testing.T) {
	op := New("op", nil, nil)
	require.NoError(t, op.Start("install"))
	_ = op.Fail("pairing", "not found")

	assert.Equal(t, Failed, op.PhaseState("install"))
	assert.Equal(t, Failed, op.PhaseState("pairing"))
}

func TestEmitFailureIsNotEscalated(t *testing.T) {
	port := uitest.New()
	port.FailEmits(true)
	op := New("op", port, nil)

	assert.NoError(t, op.Start("a"))
	assert.NoError(t, op.MoveOn("a", "b"))
	assert.NoError(t, op.Complete("b"))
	assert.Equal(t, Succeeded, op.State())
	assert.NotEmpty(t, port.Events())
}
