package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kakik0u/iloader/account"
	"github.com/kakik0u/iloader/challenge"
	"github.com/kakik0u/iloader/pkg/metrics"
	"github.com/kakik0u/iloader/ui"
)

// instrumented counts invocations of fn by outcome.
func (a *App) instrumented(command string, fn ui.CommandFunc) ui.CommandFunc {
	return func(ctx context.Context, args json.RawMessage) (any, error) {
		v, err := fn(ctx, args)
		a.metrics.Commands.WithLabelValues(command, metrics.Outcome(err)).Inc()
		return v, err
	}
}

// countingCodes records how each verification code request ended.
type countingCodes struct {
	codes   account.CodeProvider
	results *prometheus.CounterVec
}

func (c countingCodes) Code(ctx context.Context) (string, error) {
	code, err := c.codes.Code(ctx)
	c.results.WithLabelValues(challengeResult(err)).Inc()
	return code, err
}

func challengeResult(err error) string {
	switch {
	case err == nil:
		return "answered"
	case errors.Is(err, challenge.ErrTimedOut):
		return "timed_out"
	case errors.Is(err, challenge.ErrDisconnected):
		return "disconnected"
	default:
		return "cancelled"
	}
}

// trackConnections keeps g at the number of open sockets. The hub's
// ServeHTTP returns when the socket closes.
func trackConnections(g prometheus.Gauge, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.Inc()
		defer g.Dec()
		next.ServeHTTP(w, r)
	})
}
