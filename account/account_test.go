package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kakik0u/iloader/challenge"
	"github.com/kakik0u/iloader/session"
	"github.com/kakik0u/iloader/ui/uitest"
)

// fakeAuth asks for a code when wantCode is set and checks it.
type fakeAuth struct {
	wantCode string
	err      error
	gotCfg   AnisetteConfig
	gotCreds Credentials
}

func (f *fakeAuth) Login(ctx context.Context, creds Credentials, codes CodeProvider, cfg AnisetteConfig) (*Session, error) {
	f.gotCreds = creds
	f.gotCfg = cfg
	if f.err != nil {
		return nil, f.err
	}
	if f.wantCode != "" {
		code, err := codes.Code(ctx)
		if err != nil {
			return nil, err
		}
		if code != f.wantCode {
			return nil, errors.New("incorrect verification code")
		}
	}
	return &Session{AppleID: creds.Email, Token: "tok-" + creds.Email}, nil
}

type expiredErr struct{}

func (expiredErr) Error() string        { return fmt.Sprintf("auth error %d", SessionExpiredCode) }
func (expiredErr) Is(target error) bool { return target == ErrSessionExpired }

func newManager(t *testing.T, auth Authenticator, port *uitest.Port) (*Manager, *session.Slot[*Session]) {
	t.Helper()
	kr, err := NewKeyring(t.TempDir())
	require.NoError(t, err)
	slot := &session.Slot[*Session]{}
	m := NewManager(slot, auth, challenge.New(port), kr, AnisetteConfig{Server: "https://ani.example.com"}, nil)
	return m, slot
}

func TestLoginWithVerificationCode(t *testing.T) {
	port := uitest.New()
	port.OnEmit = func(event string, _ json.RawMessage) {
		if event == challenge.EventRequired {
			go port.Send(challenge.EventResponse, []byte(`"424242"`))
		}
	}
	auth := &fakeAuth{wantCode: "424242"}
	m, slot := newManager(t, auth, port)

	id, err := m.Login(context.Background(), LoginRequest{Email: "alice@example.com", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", id)
	assert.Equal(t, "https://ani.example.com", auth.gotCfg.Server)

	sess, ok := slot.Peek()
	require.True(t, ok)
	assert.Equal(t, "tok-alice@example.com", sess.Token)

	who, ok := m.LoggedInAs()
	assert.True(t, ok)
	assert.Equal(t, "alice@example.com", who)

	saved, err := m.SavedAccounts()
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestLoginSavesAndReusesCredentials(t *testing.T) {
	auth := &fakeAuth{}
	m, slot := newManager(t, auth, uitest.New())

	_, err := m.Login(context.Background(), LoginRequest{
		Email: "bob@example.com", Password: "s3cret", AnisetteServer: "https://other", SaveCredentials: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://other", auth.gotCfg.Server)

	saved, err := m.SavedAccounts()
	require.NoError(t, err)
	assert.Equal(t, []string{"bob@example.com"}, saved)

	m.Invalidate()
	assert.False(t, slot.Present())

	id, err := m.LoginStored(context.Background(), "bob@example.com", "")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", id)
	assert.Equal(t, "s3cret", auth.gotCreds.Password)
	assert.Equal(t, "https://ani.example.com", auth.gotCfg.Server)

	require.NoError(t, m.DeleteAccount("bob@example.com"))
	_, err = m.LoginStored(context.Background(), "bob@example.com", "")
	assert.ErrorIs(t, err, ErrNoSavedCredentials)
}

func TestLoginFailureLeavesSlotAlone(t *testing.T) {
	auth := &fakeAuth{err: errors.New("bad password")}
	m, slot := newManager(t, auth, uitest.New())

	_, err := m.Login(context.Background(), LoginRequest{Email: "a", Password: "b"})
	assert.EqualError(t, err, "bad password")
	assert.False(t, slot.Present())
	_, ok := m.LoggedInAs()
	assert.False(t, ok)
}

func TestExpired(t *testing.T) {
	m, slot := newManager(t, &fakeAuth{}, uitest.New())
	slot.Put(&Session{AppleID: "a"})

	plain := errors.New("install failed")
	assert.Same(t, plain, m.Expired(plain))
	assert.True(t, slot.Present())
	assert.NoError(t, m.Expired(nil))

	err := m.Expired(expiredErr{})
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Contains(t, err.Error(), "Session timed out, please try again")
	assert.False(t, slot.Present())
}

func TestExpiredDuringCheckoutStaysLoggedOut(t *testing.T) {
	m, slot := newManager(t, &fakeAuth{}, uitest.New())
	slot.Put(&Session{AppleID: "a"})

	err := session.With(slot, func(*Session) error {
		return m.Expired(expiredErr{})
	})
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.False(t, slot.Present())
}
