// Package helper talks to the external signing helper. Each call starts one
// helper process, writes a JSON request on its stdin and reads JSON frames
// from its stdout until a result or an error arrives. A login may pause on a
// challenge frame, which is answered on stdin with the verification code.
package helper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/kakik0u/iloader/account"
	"github.com/kakik0u/iloader/device"
	"github.com/kakik0u/iloader/sideload"
)

// Commands understood by the helper.
const (
	CmdLogin         = "login"
	CmdListDevices   = "list-devices"
	CmdResolveDevice = "resolve-device"
	CmdInstall       = "install"
	CmdLocateApp     = "locate-app"
	CmdPlacePairing  = "place-pairing"
)

// Frame types.
const (
	frameChallenge = "challenge"
	frameCode      = "code"
	frameLog       = "log"
	frameResult    = "result"
	frameError     = "error"
)

// KindDeviceNotFound is the error kind reported for an unknown UDID.
const KindDeviceNotFound = "device_not_found"

var (
	ErrNoResult      = errors.New("helper exited without a result")
	ErrNoCodeSource  = errors.New("helper asked for a verification code but none can be provided")
	ErrHelperMissing = errors.New("signing helper not configured")
)

var (
	_ account.Authenticator = (*Client)(nil)
	_ device.Discovery      = (*Client)(nil)
	_ sideload.Installer    = (*Client)(nil)
	_ sideload.Pairer       = (*Client)(nil)
)

// Error is a failure reported by the helper itself.
type Error struct {
	Command string
	Code    int
	Kind    string
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Kind != "" {
		return fmt.Sprintf("%s failed: %s", e.Command, e.Kind)
	}
	return fmt.Sprintf("%s failed with code %d", e.Command, e.Code)
}

// Is maps helper codes onto the sentinels callers branch on.
func (e *Error) Is(target error) bool {
	switch target {
	case account.ErrSessionExpired:
		return e.Code == account.SessionExpiredCode
	case device.ErrDeviceNotFound:
		return e.Kind == KindDeviceNotFound
	}
	return false
}

type request struct {
	Command string `json:"command"`
	Args    any    `json:"args,omitempty"`
}

type inbound struct {
	Type    string          `json:"type"`
	Result  json.RawMessage `json:"result,omitempty"`
	Code    int             `json:"code,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Message string          `json:"message,omitempty"`
}

type codeReply struct {
	Type string `json:"type"`
	Code string `json:"code"`
}

// Client runs the helper binary at Path.
type Client struct {
	Path   string
	Args   []string
	Env    []string // appended to the process environment
	Logger *slog.Logger
}

// New creates a client for the helper at path.
func New(path string, logger *slog.Logger) *Client {
	return &Client{Path: path, Logger: logger}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// call runs one helper process. codes may be nil for commands that never
// ask for a verification code. out receives the result payload.
func (c *Client) call(ctx context.Context, command string, args any, codes account.CodeProvider, out any) error {
	if c.Path == "" {
		return ErrHelperMissing
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start helper: %w", err)
	}

	finished, waited := false, false
	// stdin must be closed before Wait or a helper still reading it
	// never exits.
	defer func() {
		stdin.Close()
		if waited {
			return
		}
		if !finished {
			cmd.Process.Kill()
		}
		if err := cmd.Wait(); err != nil && finished {
			c.logger().Debug("helper exit", "command", command, "error", err)
		}
	}()

	c.logger().Debug("helper call", "command", command)
	enc := json.NewEncoder(stdin)
	if err := enc.Encode(request{Command: command, Args: args}); err != nil {
		return fmt.Errorf("send %s request: %w", command, err)
	}

	dec := json.NewDecoder(stdout)
	for {
		var f inbound
		if err := dec.Decode(&f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				// stderr is only complete once Wait returns.
				stdin.Close()
				cmd.Wait()
				waited = true
				return c.noResult(command, &stderr)
			}
			return fmt.Errorf("read %s response: %w", command, err)
		}

		switch f.Type {
		case frameChallenge:
			if codes == nil {
				return ErrNoCodeSource
			}
			code, err := codes.Code(ctx)
			if err != nil {
				return err
			}
			if err := enc.Encode(codeReply{Type: frameCode, Code: code}); err != nil {
				return fmt.Errorf("send verification code: %w", err)
			}
		case frameLog:
			c.logger().Info("helper", "command", command, "message", f.Message)
		case frameError:
			finished = true
			return &Error{Command: command, Code: f.Code, Kind: f.Kind, Message: f.Message}
		case frameResult:
			finished = true
			if out == nil || len(f.Result) == 0 {
				return nil
			}
			if err := json.Unmarshal(f.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", command, err)
			}
			return nil
		default:
			c.logger().Warn("unknown helper frame", "command", command, "type", f.Type)
		}
	}
}

func (c *Client) noResult(command string, stderr *bytes.Buffer) error {
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		return fmt.Errorf("%s: %w", command, ErrNoResult)
	}
	return fmt.Errorf("%s: %w: %s", command, ErrNoResult, msg)
}

// Login runs the account login, answering the second factor with codes.
func (c *Client) Login(ctx context.Context, creds account.Credentials, codes account.CodeProvider, cfg account.AnisetteConfig) (*account.Session, error) {
	args := struct {
		account.Credentials
		Anisette account.AnisetteConfig `json:"anisette"`
	}{creds, cfg}

	var sess account.Session
	if err := c.call(ctx, CmdLogin, args, codes, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// List returns the tethered devices.
func (c *Client) List(ctx context.Context) ([]device.Device, error) {
	devices := []device.Device{}
	if err := c.call(ctx, CmdListDevices, nil, nil, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// Provider resolves udid to a connection the helper can address.
func (c *Client) Provider(ctx context.Context, udid string) (device.Provider, error) {
	var d device.Device
	if err := c.call(ctx, CmdResolveDevice, map[string]string{"uuid": udid}, nil, &d); err != nil {
		return nil, err
	}
	if d.UDID == "" {
		d.UDID = udid
	}
	return Connection{Device: d}, nil
}

// Install signs appPath with the session and installs it on the device.
func (c *Client) Install(ctx context.Context, p device.Provider, s *account.Session, appPath string) (*device.App, error) {
	args := struct {
		UDID    string           `json:"uuid"`
		Session *account.Session `json:"session"`
		AppPath string           `json:"appPath"`
	}{p.UDID(), s, appPath}

	var app *device.App
	if err := c.call(ctx, CmdInstall, args, nil, &app); err != nil {
		return nil, err
	}
	return app, nil
}

// Locate finds the companion app on d. A null result means not installed.
func (c *Client) Locate(ctx context.Context, d device.Device, liveContainer bool) (*device.App, error) {
	args := struct {
		UDID          string `json:"uuid"`
		LiveContainer bool   `json:"liveContainer"`
	}{d.UDID, liveContainer}

	var app *device.App
	if err := c.call(ctx, CmdLocateApp, args, nil, &app); err != nil {
		return nil, err
	}
	return app, nil
}

// PlacePairing writes the pairing record into the app's container.
func (c *Client) PlacePairing(ctx context.Context, d device.Device, bundleID, path string) error {
	args := struct {
		UDID     string `json:"uuid"`
		BundleID string `json:"bundleId"`
		Path     string `json:"path"`
	}{d.UDID, bundleID, path}
	return c.call(ctx, CmdPlacePairing, args, nil, nil)
}

// Connection is a device resolved by the helper.
type Connection struct {
	Device device.Device
}

func (c Connection) UDID() string { return c.Device.UDID }
