// Package app is the application context: it owns the shared state slots,
// wires the components together and exposes them to the UI as commands.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/kakik0u/iloader/account"
	"github.com/kakik0u/iloader/challenge"
	"github.com/kakik0u/iloader/config"
	"github.com/kakik0u/iloader/device"
	"github.com/kakik0u/iloader/pkg/metrics"
	"github.com/kakik0u/iloader/session"
	"github.com/kakik0u/iloader/sideload"
	"github.com/kakik0u/iloader/ui"
)

const shutdownTimeout = 5 * time.Second

// Backend performs the account and device work.
type Backend interface {
	account.Authenticator
	device.Discovery
	sideload.Installer
	sideload.Pairer
}

// App holds everything that lives for the whole process.
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	Hub        *ui.Hub
	Sessions   *session.Slot[*account.Session]
	Devices    *device.Registry
	Challenges *challenge.Bridge
	Accounts   *account.Manager
	Workflows  *sideload.Orchestrator
}

// Option configures an App.
type Option func(*options)

type options struct {
	fetcher   sideload.Fetcher
	challenge []challenge.Option
}

// WithFetcher replaces the HTTP artifact fetcher.
func WithFetcher(f sideload.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithChallengeOptions passes extra options to the challenge bridge.
func WithChallengeOptions(opts ...challenge.Option) Option {
	return func(o *options) { o.challenge = append(o.challenge, opts...) }
}

// New builds the application context over backend.
func New(cfg *config.Config, backend Backend, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	keyring, err := account.NewKeyring(cfg.KeyringDir())
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	if err := os.MkdirAll(cfg.DownloadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create download dir: %w", err)
	}

	if o.fetcher == nil {
		f := sideload.NewHTTPFetcher(logger.With("component", "fetch"))
		f.Retry = cfg.DownloadRetry()
		o.fetcher = f
	}

	hub := ui.NewHub(logger.With("component", "ui"), cfg.AllowedOrigins)
	bridge := challenge.New(hub, append([]challenge.Option{
		challenge.WithTimeout(cfg.ChallengeTimeout),
		challenge.WithLogger(logger.With("component", "challenge")),
	}, o.challenge...)...)

	registry := metrics.NewRegistry()
	m := metrics.New(registry)

	sessions := &session.Slot[*account.Session]{}
	devices := device.NewRegistry(backend)
	codes := countingCodes{codes: bridge, results: m.Challenges}
	accounts := account.NewManager(sessions, backend, codes, keyring,
		account.AnisetteConfig{Server: cfg.AnisetteServer, ConfigDir: cfg.AnisetteDir()},
		logger.With("component", "account"))

	a := &App{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		metrics:    m,
		Hub:        hub,
		Sessions:   sessions,
		Devices:    devices,
		Challenges: bridge,
		Accounts:   accounts,
		Workflows:  &sideload.Orchestrator{
			Devices:     devices,
			Sessions:    sessions,
			Accounts:    accounts,
			Installer:   backend,
			Pairer:      backend,
			Fetcher:     o.fetcher,
			DownloadDir: cfg.DownloadDir,
			Logger:      logger.With("component", "sideload"),
		},
	}
	a.registerCommands()
	return a, nil
}

// Handler serves the UI socket, the health check and the metrics.
func (a *App) Handler() http.Handler {
	r := mux.NewRouter()
	r.Handle("/ws", trackConnections(a.metrics.UIConnections, a.Hub))
	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler(a.registry)).Methods(http.MethodGet)
	return r
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	_, loggedIn := a.Accounts.LoggedInAs()
	_, selected := a.Devices.Get()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"loggedIn":       loggedIn,
		"deviceSelected": selected,
	})
}

// Run serves until ctx is done, then shuts down.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("shutting down")
		// Closing the hub first ends pending challenges and the
		// hijacked WebSocket connections Shutdown does not track.
		a.Hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
