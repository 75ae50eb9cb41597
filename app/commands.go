package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kakik0u/iloader/account"
	"github.com/kakik0u/iloader/device"
	"github.com/kakik0u/iloader/pkg/metrics"
	"github.com/kakik0u/iloader/sideload"
	"github.com/kakik0u/iloader/ui"
)

// UI command names.
const (
	CmdLoginEmailPass     = "login_email_pass"
	CmdLoginStoredPass    = "login_stored_pass"
	CmdDeleteAccount      = "delete_account"
	CmdLoggedInAs         = "logged_in_as"
	CmdInvalidateAccount  = "invalidate_account"
	CmdSavedAccounts      = "saved_accounts"
	CmdListDevices        = "list_devices"
	CmdSetSelectedDevice  = "set_selected_device"
	CmdSideloadOperation  = "sideload_operation"
	CmdInstallSideStoreOp = "install_sidestore_operation"
)

func (a *App) registerCommands() {
	commands := map[string]ui.CommandFunc{
		CmdLoginEmailPass:     decoded(a.loginEmailPass),
		CmdLoginStoredPass:    decoded(a.loginStoredPass),
		CmdDeleteAccount:      decoded(a.deleteAccount),
		CmdLoggedInAs:         a.loggedInAs,
		CmdInvalidateAccount:  a.invalidateAccount,
		CmdSavedAccounts:      a.savedAccounts,
		CmdListDevices:        a.listDevices,
		CmdSetSelectedDevice:  decoded(a.setSelectedDevice),
		CmdSideloadOperation:  decoded(a.sideloadOperation),
		CmdInstallSideStoreOp: decoded(a.installSideStoreOperation),
	}
	for name, fn := range commands {
		a.Hub.Handle(name, a.instrumented(name, fn))
	}
}

// decoded adapts a handler taking typed arguments.
func decoded[A any](fn func(context.Context, A) (any, error)) ui.CommandFunc {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args A
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
		}
		return fn(ctx, args)
	}
}

func (a *App) loginEmailPass(ctx context.Context, req account.LoginRequest) (any, error) {
	return a.Accounts.Login(ctx, req)
}

type storedLoginArgs struct {
	Email          string `json:"email"`
	AnisetteServer string `json:"anisetteServer"`
}

func (a *App) loginStoredPass(ctx context.Context, args storedLoginArgs) (any, error) {
	return a.Accounts.LoginStored(ctx, args.Email, args.AnisetteServer)
}

type emailArgs struct {
	Email string `json:"email"`
}

func (a *App) deleteAccount(_ context.Context, args emailArgs) (any, error) {
	return nil, a.Accounts.DeleteAccount(args.Email)
}

// loggedInAs answers null when no session is held.
func (a *App) loggedInAs(context.Context, json.RawMessage) (any, error) {
	id, ok := a.Accounts.LoggedInAs()
	if !ok {
		return nil, nil
	}
	return id, nil
}

func (a *App) invalidateAccount(context.Context, json.RawMessage) (any, error) {
	a.Accounts.Invalidate()
	return nil, nil
}

func (a *App) savedAccounts(context.Context, json.RawMessage) (any, error) {
	return a.Accounts.SavedAccounts()
}

func (a *App) listDevices(ctx context.Context, _ json.RawMessage) (any, error) {
	return a.Devices.List(ctx)
}

type selectDeviceArgs struct {
	Device device.Device `json:"device"`
}

func (a *App) setSelectedDevice(_ context.Context, args selectDeviceArgs) (any, error) {
	a.Devices.Set(args.Device)
	a.logger.Info("device selected", "device", args.Device.String())
	return nil, nil
}

type sideloadArgs struct {
	AppPath string `json:"appPath"`
}

func (a *App) sideloadOperation(ctx context.Context, args sideloadArgs) (any, error) {
	err := a.Workflows.Sideload(ctx, a.Hub, args.AppPath)
	a.metrics.Operations.WithLabelValues(sideload.OpSideload, metrics.Outcome(err)).Inc()
	return nil, err
}

type installSideStoreArgs struct {
	Nightly       bool `json:"nightly"`
	LiveContainer bool `json:"liveContainer"`
}

func (a *App) installSideStoreOperation(ctx context.Context, args installSideStoreArgs) (any, error) {
	err := a.Workflows.InstallCompanion(ctx, a.Hub, args.Nightly, args.LiveContainer)
	a.metrics.Operations.WithLabelValues(sideload.OpInstallSideStore, metrics.Outcome(err)).Inc()
	return nil, err
}
