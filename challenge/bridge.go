// Package challenge turns the verification-code callback of a login flow
// into a round trip with the UI.
//
// The login flow calls Code synchronously from its own goroutine. Code
// asks the UI for a code and blocks that goroutine until the user answers,
// the window elapses or the UI goes away.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// UI events.
const (
	EventRequired = "challenge-required"
	EventResponse = "challenge-response"
)

// DefaultTimeout is how long Code waits for the user.
const DefaultTimeout = 120 * time.Second

var (
	ErrTimedOut     = errors.New("verification code cancelled or timed out")
	ErrDisconnected = errors.New("verification code channel disconnected")
)

// Port is the UI side of the round trip. Listen returns a channel closed
// when the port is torn down and a func that removes the subscription.
type Port interface {
	Emit(event string, payload any) error
	Listen(event string, fn func(payload []byte)) (done <-chan struct{}, cancel func())
}

// Bridge requests verification codes through a Port.
type Bridge struct {
	port    Port
	clock   clockwork.Clock
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithClock replaces the wall clock, for tests.
func WithClock(c clockwork.Clock) Option {
	return func(b *Bridge) { b.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// New creates a Bridge over port.
func New(port Port, opts ...Option) *Bridge {
	b := &Bridge{
		port:    port,
		clock:   clockwork.NewRealClock(),
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Code asks the UI for a verification code and waits for exactly one
// answer. Every call gets its own channel and subscription, so a late
// answer to an earlier call is never delivered to a later one.
func (b *Bridge) Code(ctx context.Context) (string, error) {
	responses := make(chan string, 1)
	done, cancel := b.port.Listen(EventResponse, func(payload []byte) {
		select {
		case responses <- string(payload):
		default: // already answered
		}
	})
	defer cancel()

	if err := b.port.Emit(EventRequired, struct{}{}); err != nil {
		b.logger.Warn("failed to emit challenge request", "error", err)
	}

	timer := b.clock.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case payload := <-responses:
		return Unquote(payload), nil
	case <-timer.Chan():
		b.logger.Info("verification code timed out", "timeout", b.timeout)
		return "", ErrTimedOut
	case <-done:
		return "", ErrDisconnected
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for verification code: %w", ctx.Err())
	}
}

// Unquote strips the quote characters a JSON string payload arrives with.
func Unquote(payload string) string {
	return strings.Trim(strings.TrimSpace(payload), `"`)
}
