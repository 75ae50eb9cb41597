// Package sideload drives the install workflows: fetching the companion
// app, installing it with the account session, and placing the pairing
// record it needs to keep managing the device.
package sideload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/kakik0u/iloader/account"
	"github.com/kakik0u/iloader/device"
	"github.com/kakik0u/iloader/operation"
	"github.com/kakik0u/iloader/session"
)

// Operation names.
const (
	OpSideload         = "sideload"
	OpInstallSideStore = "install_sidestore"
)

// Phases of the workflows.
const (
	PhaseDownload = "download"
	PhaseInstall  = "install"
	PhasePairing  = "pairing"
)

// ErrCompanionNotFound is reported when the companion app cannot be
// located on the device after installing it.
var ErrCompanionNotFound = errors.New("Could not find SideStore's bundle ID")

// Installer signs and installs an app bundle. It must only be called with
// a session checked out through a session guard.
type Installer interface {
	Install(ctx context.Context, p device.Provider, s *account.Session, appPath string) (*device.App, error)
}

// Pairer finds installed apps and gives them a pairing record.
type Pairer interface {
	// Locate returns nil, nil when the companion app is not installed.
	Locate(ctx context.Context, d device.Device, liveContainer bool) (*device.App, error)
	PlacePairing(ctx context.Context, d device.Device, bundleID, path string) error
}

// Artifact returns the download URL and local file name of the companion
// app build for the given channel and variant.
func Artifact(nightly, liveContainer bool) (url, filename string) {
	switch {
	case liveContainer && nightly:
		return "https://github.com/LiveContainer/LiveContainer/releases/download/nightly/LiveContainer+SideStore.ipa",
			"LiveContainerSideStore-Nightly.ipa"
	case liveContainer:
		return "https://github.com/LiveContainer/LiveContainer/releases/latest/download/LiveContainer+SideStore.ipa",
			"LiveContainerSideStore.ipa"
	case nightly:
		return "https://github.com/SideStore/SideStore/releases/download/nightly/SideStore.ipa",
			"SideStore-Nightly.ipa"
	default:
		return "https://github.com/SideStore/SideStore/releases/latest/download/SideStore.ipa",
			"SideStore.ipa"
	}
}

// Orchestrator runs workflows against the shared application state.
type Orchestrator struct {
	Devices     *device.Registry
	Sessions    *session.Slot[*account.Session]
	Accounts    *account.Manager
	Installer   Installer
	Pairer      Pairer
	Fetcher     Fetcher
	DownloadDir string
	Logger      *slog.Logger
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// Sideload installs a user-chosen app bundle on the selected device.
func (o *Orchestrator) Sideload(ctx context.Context, events operation.Emitter, appPath string) error {
	op := operation.New(OpSideload, events, o.logger())
	if err := op.Start(PhaseInstall); err != nil {
		return err
	}
	if _, err := o.install(ctx, op, appPath); err != nil {
		return err
	}
	return op.Complete(PhaseInstall)
}

// InstallCompanion downloads the companion app, installs it and places
// its pairing record. Any failing phase stops the rest.
func (o *Orchestrator) InstallCompanion(ctx context.Context, events operation.Emitter, nightly, liveContainer bool) error {
	op := operation.New(OpInstallSideStore, events, o.logger())
	if err := op.Start(PhaseDownload); err != nil {
		return err
	}

	// TODO: cache the artifact and compare versions before downloading again.
	url, filename := Artifact(nightly, liveContainer)
	dest, err := o.download(ctx, url, filename)
	if dest, err = operation.FailIfErr(op, PhaseDownload, dest, err); err != nil {
		return err
	}

	if err := op.MoveOn(PhaseDownload, PhaseInstall); err != nil {
		return err
	}
	dev, err := o.install(ctx, op, dest)
	if err != nil {
		return err
	}

	if err := op.MoveOn(PhaseInstall, PhasePairing); err != nil {
		return err
	}
	app, err := o.Pairer.Locate(ctx, dev, liveContainer)
	if app, err = operation.FailIfErr(op, PhasePairing, app, err); err != nil {
		return err
	}
	if app == nil {
		return op.Fail(PhasePairing, ErrCompanionNotFound.Error())
	}
	if err := op.Check(PhasePairing, o.Pairer.PlacePairing(ctx, dev, app.BundleID, app.Path)); err != nil {
		return err
	}
	return op.Complete(PhasePairing)
}

func (o *Orchestrator) download(ctx context.Context, url, filename string) (string, error) {
	dir := o.DownloadDir
	if dir == "" {
		dir = os.TempDir()
	}
	dest := filepath.Join(dir, filename)

	o.logger().Info("downloading", "url", url, "dest", dest)
	body, err := o.Fetcher.Fetch(ctx, url)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(dest, body, 0644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", dest, err)
	}
	return dest, nil
}

// install runs the install phase on op and returns the device it
// installed to.
func (o *Orchestrator) install(ctx context.Context, op *operation.Operation, appPath string) (device.Device, error) {
	dev, provider, err := o.Devices.Resolve(ctx)
	if err := op.Check(PhaseInstall, err); err != nil {
		return dev, err
	}

	installed, err := session.WithResult(o.Sessions, func(s *account.Session) (*device.App, error) {
		app, err := o.Installer.Install(ctx, provider, s, appPath)
		if o.Accounts != nil {
			err = o.Accounts.Expired(err)
		}
		return app, err
	})
	if installed, err = operation.FailIfErr(op, PhaseInstall, installed, err); err != nil {
		return dev, err
	}
	if installed != nil {
		o.logger().Info("installed app", "device", dev.String(), "bundle_id", installed.BundleID)
	}
	return dev, nil
}
