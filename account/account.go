// Package account manages the developer account session: logging in with
// an interactive verification code, keeping the one session the process
// holds, and dropping it on logout or when the service reports it expired.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kakik0u/iloader/session"
)

// SessionExpiredCode is the service error code for a session that has
// been logged in for too long and must log in again.
const SessionExpiredCode = -22411

// ErrSessionExpired matches authentication errors carrying SessionExpiredCode.
var ErrSessionExpired = errors.New("session expired")

// Session is the authenticated capability used to sign and install apps.
// Token is opaque to this process.
type Session struct {
	AppleID string `json:"appleId"`
	Token   string `json:"token"`
}

// Credentials are the first login factor.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AnisetteConfig points the authentication service at its provisioning server.
type AnisetteConfig struct {
	Server    string `json:"server"`
	ConfigDir string `json:"configDir"`
}

// CodeProvider supplies the verification code mid-login. It is called
// synchronously and may block for as long as the user takes to answer.
type CodeProvider interface {
	Code(ctx context.Context) (string, error)
}

// Authenticator is the account authentication service.
type Authenticator interface {
	Login(ctx context.Context, creds Credentials, codes CodeProvider, cfg AnisetteConfig) (*Session, error)
}

// Manager owns the session slot for the account side of the app.
type Manager struct {
	slot    *session.Slot[*Session]
	auth    Authenticator
	codes   CodeProvider
	keyring *Keyring
	cfg     AnisetteConfig
	logger  *slog.Logger
}

// NewManager wires a Manager. keyring may be nil, which disables saved logins.
func NewManager(slot *session.Slot[*Session], auth Authenticator, codes CodeProvider, keyring *Keyring, cfg AnisetteConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		slot:    slot,
		auth:    auth,
		codes:   codes,
		keyring: keyring,
		cfg:     cfg,
		logger:  logger,
	}
}

// LoginRequest is a password login from the UI.
type LoginRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	AnisetteServer  string `json:"anisetteServer"`
	SaveCredentials bool   `json:"saveCredentials"`
}

// Login authenticates and stores the new session. Concurrent logins are
// not serialized.
func (m *Manager) Login(ctx context.Context, req LoginRequest) (string, error) {
	sess, err := m.login(ctx, req.Email, req.Password, req.AnisetteServer)
	if err != nil {
		return "", err
	}

	if req.SaveCredentials {
		if m.keyring == nil {
			return "", errors.New("credential storage is not available")
		}
		m.logger.Info("saving credentials to keyring", "apple_id", sess.AppleID)
		if err := m.keyring.SavePassword(sess.AppleID, req.Password); err != nil {
			return "", fmt.Errorf("failed to save credentials to keyring: %w", err)
		}
	}
	return sess.AppleID, nil
}

// LoginStored logs in with a saved password.
func (m *Manager) LoginStored(ctx context.Context, email, anisetteServer string) (string, error) {
	if m.keyring == nil {
		return "", ErrNoSavedCredentials
	}
	password, err := m.keyring.LoadPassword(email)
	if err != nil {
		return "", fmt.Errorf("failed to get credentials: %w", err)
	}
	sess, err := m.login(ctx, email, password, anisetteServer)
	if err != nil {
		return "", err
	}
	return sess.AppleID, nil
}

func (m *Manager) login(ctx context.Context, email, password, anisetteServer string) (*Session, error) {
	cfg := m.cfg
	if anisetteServer != "" {
		cfg.Server = anisetteServer
	}
	sess, err := m.auth.Login(ctx, Credentials{Email: email, Password: password}, m.codes, cfg)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, errors.New("authentication returned no session")
	}
	if sess.AppleID == "" {
		sess.AppleID = email
	}
	m.slot.Put(sess)
	m.logger.Info("logged in", "apple_id", sess.AppleID)
	return sess, nil
}

// DeleteAccount forgets the saved credentials for email.
func (m *Manager) DeleteAccount(email string) error {
	if m.keyring == nil {
		return ErrNoSavedCredentials
	}
	if err := m.keyring.Delete(email); err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}

// SavedAccounts lists the ids with saved credentials.
func (m *Manager) SavedAccounts() ([]string, error) {
	if m.keyring == nil {
		return []string{}, nil
	}
	return m.keyring.IDs()
}

// LoggedInAs returns the current account id. A session checked out by a
// running step does not count.
func (m *Manager) LoggedInAs() (string, bool) {
	sess, ok := m.slot.Peek()
	if !ok || sess == nil {
		return "", false
	}
	return sess.AppleID, true
}

// Invalidate drops the session so the next action asks for a new login.
func (m *Manager) Invalidate() {
	if sess, ok := m.slot.Clear(); ok && sess != nil {
		m.logger.Info("session invalidated", "apple_id", sess.AppleID)
	}
}

// Expired recovers the session-expired error: it invalidates the session
// and tells the user to try again. Other errors pass through unchanged.
func (m *Manager) Expired(err error) error {
	if err == nil || !errors.Is(err, ErrSessionExpired) {
		return err
	}
	m.Invalidate()
	return fmt.Errorf("Session timed out, please try again: %w", err)
}
