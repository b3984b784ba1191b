package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"classline/auth/internal/cache"
	"classline/auth/internal/config"
	"classline/auth/internal/model"
	"classline/auth/internal/repository"
)

type fakeUserStore struct {
	mu    sync.Mutex
	users map[string]model.User // keyed by ID
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[string]model.User{}}
}

func (f *fakeUserStore) CreateUser(_ context.Context, user model.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.users {
		if strings.EqualFold(existing.Email, user.Email) {
			return repository.ErrDuplicateEmail
		}
	}
	f.users[user.ID] = user
	return nil
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if strings.EqualFold(user.Email, email) {
			return user, nil
		}
	}
	return model.User{}, repository.ErrNotFound
}

func (f *fakeUserStore) GetUserByID(_ context.Context, userID string) (model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return model.User{}, repository.ErrNotFound
	}
	return user, nil
}

func (f *fakeUserStore) UpdatePasswordHash(_ context.Context, userID, passwordHash string, updatedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	user.PasswordHash = passwordHash
	user.UpdatedAt = updatedAt
	f.users[userID] = user
	return nil
}

func (f *fakeUserStore) setActive(userID string, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := f.users[userID]
	user.Active = active
	f.users[userID] = user
}

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions []model.Session
}

func (f *fakeSessionStore) CreateSession(_ context.Context, session model.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, session)
	return nil
}

func (f *fakeSessionStore) DeleteSession(_ context.Context, userID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.sessions[:0]
	for _, s := range f.sessions {
		if s.UserID == userID && s.Token == token {
			continue
		}
		kept = append(kept, s)
	}
	f.sessions = kept
	return nil
}

func (f *fakeSessionStore) DeleteSessionsByUser(_ context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var deleted int64
	kept := f.sessions[:0]
	for _, s := range f.sessions {
		if s.UserID == userID {
			deleted++
			continue
		}
		kept = append(kept, s)
	}
	f.sessions = kept
	return deleted, nil
}

func (f *fakeSessionStore) byUser(userID string) []model.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Session
	for _, s := range f.sessions {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

type fakeTokenCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func newFakeTokenCache() *fakeTokenCache {
	return &fakeTokenCache{entries: map[string]string{}}
}

func (f *fakeTokenCache) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.entries[key]
	if !ok {
		return "", cache.ErrNotFound
	}
	return value, nil
}

func (f *fakeTokenCache) SetWithTTL(_ context.Context, key, value string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = value
	return nil
}

func (f *fakeTokenCache) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.entries, key)
	}
	return nil
}

func (f *fakeTokenCache) DeleteByPattern(_ context.Context, pattern string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	for key := range f.entries {
		if strings.HasPrefix(key, prefix) {
			delete(f.entries, key)
		}
	}
	return nil
}

func (f *fakeTokenCache) countWithPrefix(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var count int
	for key := range f.entries {
		if strings.HasPrefix(key, prefix) {
			count++
		}
	}
	return count
}

type fakeNotifier struct {
	mu      sync.Mutex
	emails  []string
	secrets []string
}

func (f *fakeNotifier) SendPasswordReset(_ context.Context, email, resetSecret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emails = append(f.emails, email)
	f.secrets = append(f.secrets, resetSecret)
	return nil
}

func (f *fakeNotifier) lastSecret() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.secrets) == 0 {
		return ""
	}
	return f.secrets[len(f.secrets)-1]
}

type testEnv struct {
	svc      *AuthService
	users    *fakeUserStore
	sessions *fakeSessionStore
	tokens   *fakeTokenCache
	notifier *fakeNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		users:    newFakeUserStore(),
		sessions: &fakeSessionStore{},
		tokens:   newFakeTokenCache(),
		notifier: &fakeNotifier{},
	}
	cfg := config.Config{
		JWTSecret:       "test-secret",
		JWTIssuer:       "test-issuer",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 7 * 24 * time.Hour,
		ResetTokenTTL:   time.Hour,
	}
	env.svc = New(cfg, env.users, env.sessions, env.tokens, env.notifier, zerolog.Nop())
	return env
}

func kindOf(t *testing.T, err error) ErrorKind {
	t.Helper()
	require.Error(t, err)
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	return authErr.Kind
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.svc.Register(ctx, RegisterInput{
		Email:     "a@x.com",
		Password:  "Secret123!",
		UserType:  model.UserTypeStudent,
		ProfileID: "profile-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Tokens.AccessToken)
	assert.NotEmpty(t, result.Tokens.RefreshToken)
	assert.Empty(t, result.User.PasswordHash, "password hash must never leave the service")
	assert.Equal(t, "a@x.com", result.User.Email)
	assert.True(t, result.User.Active)

	// Register issues tokens but no session.
	assert.Empty(t, env.sessions.byUser(result.User.ID))

	login, err := env.svc.Login(ctx, LoginInput{Email: "A@X.com ", Password: "Secret123!"}, "10.0.0.1", "go-test")
	require.NoError(t, err)
	assert.Empty(t, login.User.PasswordHash)

	sessions := env.sessions.byUser(result.User.ID)
	require.Len(t, sessions, 1)
	assert.Equal(t, "10.0.0.1", sessions[0].IPAddress)
	assert.Equal(t, "go-test", sessions[0].UserAgent)
	assert.Equal(t, login.Tokens.RefreshToken, sessions[0].Token)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Register(ctx, RegisterInput{Email: "a@x.com", Password: "Secret123!", UserType: model.UserTypeStudent, ProfileID: "p1"})
	require.NoError(t, err)

	_, err = env.svc.Register(ctx, RegisterInput{Email: "A@x.COM", Password: "Other456!", UserType: model.UserTypeTeacher, ProfileID: "p2"})
	assert.Equal(t, KindDuplicateIdentity, kindOf(t, err))
}

func TestLoginFailures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reg, err := env.svc.Register(ctx, RegisterInput{Email: "a@x.com", Password: "Secret123!", UserType: model.UserTypeStudent, ProfileID: "p1"})
	require.NoError(t, err)

	_, wrongPass := env.svc.Login(ctx, LoginInput{Email: "a@x.com", Password: "wrong"}, "ip", "ua")
	_, unknownEmail := env.svc.Login(ctx, LoginInput{Email: "nobody@x.com", Password: "Secret123!"}, "ip", "ua")

	// Unknown email and wrong password must be indistinguishable.
	assert.Equal(t, KindInvalidCredentials, kindOf(t, wrongPass))
	assert.Equal(t, KindInvalidCredentials, kindOf(t, unknownEmail))
	assert.Equal(t, wrongPass.Error(), unknownEmail.Error())

	env.users.setActive(reg.User.ID, false)
	_, disabled := env.svc.Login(ctx, LoginInput{Email: "a@x.com", Password: "Secret123!"}, "ip", "ua")
	assert.Equal(t, KindAccountDisabled, kindOf(t, disabled))
}

func TestRefreshRotation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Register(ctx, RegisterInput{Email: "a@x.com", Password: "Secret123!", UserType: model.UserTypeStudent, ProfileID: "p1"})
	require.NoError(t, err)
	login, err := env.svc.Login(ctx, LoginInput{Email: "a@x.com", Password: "Secret123!"}, "ip", "ua")
	require.NoError(t, err)

	rotated, err := env.svc.RefreshToken(ctx, login.Tokens.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, rotated.AccessToken)
	assert.NotEqual(t, login.Tokens.RefreshToken, rotated.RefreshToken)

	// The old token must never verify again post-rotation.
	_, err = env.svc.RefreshToken(ctx, login.Tokens.RefreshToken)
	assert.Equal(t, KindInvalidToken, kindOf(t, err))

	// The rotated token is live.
	_, err = env.svc.RefreshToken(ctx, rotated.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshUnknownToken(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.RefreshToken(context.Background(), "not-a-token")
	assert.Equal(t, KindInvalidToken, kindOf(t, err))
}

func TestRefreshForgedToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// A token present in the store but failing signature verification
	// must still be rejected.
	env.tokens.entries[cache.RefreshTokenPrefix+"forged"] = "{}"
	_, err := env.svc.RefreshToken(ctx, "forged")
	assert.Equal(t, KindInvalidToken, kindOf(t, err))
}

func TestRefreshInactiveUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reg, err := env.svc.Register(ctx, RegisterInput{Email: "a@x.com", Password: "Secret123!", UserType: model.UserTypeStudent, ProfileID: "p1"})
	require.NoError(t, err)
	login, err := env.svc.Login(ctx, LoginInput{Email: "a@x.com", Password: "Secret123!"}, "ip", "ua")
	require.NoError(t, err)

	env.users.setActive(reg.User.ID, false)
	_, err = env.svc.RefreshToken(ctx, login.Tokens.RefreshToken)
	assert.Equal(t, KindUserUnavailable, kindOf(t, err))
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reg, err := env.svc.Register(ctx, RegisterInput{Email: "a@x.com", Password: "Secret123!", UserType: model.UserTypeStudent, ProfileID: "p1"})
	require.NoError(t, err)
	login, err := env.svc.Login(ctx, LoginInput{Email: "a@x.com", Password: "Secret123!"}, "ip", "ua")
	require.NoError(t, err)

	require.NoError(t, env.svc.Logout(ctx, reg.User.ID, login.Tokens.RefreshToken))
	assert.Empty(t, env.sessions.byUser(reg.User.ID))

	_, err = env.svc.RefreshToken(ctx, login.Tokens.RefreshToken)
	assert.Equal(t, KindInvalidToken, kindOf(t, err))

	// Logging out twice is not an error.
	require.NoError(t, env.svc.Logout(ctx, reg.User.ID, login.Tokens.RefreshToken))
}

func TestForgotPasswordHidesExistence(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.Register(ctx, RegisterInput{Email: "a@x.com", Password: "Secret123!", UserType: model.UserTypeStudent, ProfileID: "p1"})
	require.NoError(t, err)

	require.NoError(t, env.svc.ForgotPassword(ctx, "a@x.com"))
	assert.Equal(t, 1, env.tokens.countWithPrefix(cache.ResetTokenPrefix))
	require.Len(t, env.notifier.secrets, 1)

	// Unknown email: same outward success, no entry, no notification.
	require.NoError(t, env.svc.ForgotPassword(ctx, "nobody@x.com"))
	assert.Equal(t, 1, env.tokens.countWithPrefix(cache.ResetTokenPrefix))
	assert.Len(t, env.notifier.secrets, 1)
}

func TestResetPasswordSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reg, err := env.svc.Register(ctx, RegisterInput{Email: "a@x.com", Password: "Secret123!", UserType: model.UserTypeStudent, ProfileID: "p1"})
	require.NoError(t, err)
	_, err = env.svc.Login(ctx, LoginInput{Email: "a@x.com", Password: "Secret123!"}, "ip", "ua")
	require.NoError(t, err)
	_, err = env.svc.Login(ctx, LoginInput{Email: "a@x.com", Password: "Secret123!"}, "ip2", "ua2")
	require.NoError(t, err)

	require.NoError(t, env.svc.ForgotPassword(ctx, "a@x.com"))
	secret := env.notifier.lastSecret()
	require.NotEmpty(t, secret)

	require.NoError(t, env.svc.ResetPassword(ctx, secret, "NewSecret456!"))

	// Every session for the user is invalidated.
	assert.Empty(t, env.sessions.byUser(reg.User.ID))

	// The reset token is single use.
	err = env.svc.ResetPassword(ctx, secret, "Another789!")
	assert.Equal(t, KindInvalidResetToken, kindOf(t, err))

	_, err = env.svc.Login(ctx, LoginInput{Email: "a@x.com", Password: "Secret123!"}, "ip", "ua")
	assert.Equal(t, KindInvalidCredentials, kindOf(t, err))
	_, err = env.svc.Login(ctx, LoginInput{Email: "a@x.com", Password: "NewSecret456!"}, "ip", "ua")
	require.NoError(t, err)
}

func TestResetPasswordBadSecret(t *testing.T) {
	env := newTestEnv(t)

	err := env.svc.ResetPassword(context.Background(), "bogus-secret", "NewSecret456!")
	assert.Equal(t, KindInvalidResetToken, kindOf(t, err))
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reg, err := env.svc.Register(ctx, RegisterInput{Email: "a@x.com", Password: "Secret123!", UserType: model.UserTypeStudent, ProfileID: "p1"})
	require.NoError(t, err)
	_, err = env.svc.Login(ctx, LoginInput{Email: "a@x.com", Password: "Secret123!"}, "ip", "ua")
	require.NoError(t, err)

	err = env.svc.ChangePassword(ctx, reg.User.ID, "wrong", "NewSecret456!")
	assert.Equal(t, KindInvalidPassword, kindOf(t, err))

	require.NoError(t, env.svc.ChangePassword(ctx, reg.User.ID, "Secret123!", "NewSecret456!"))
	assert.Empty(t, env.sessions.byUser(reg.User.ID))

	_, err = env.svc.Login(ctx, LoginInput{Email: "a@x.com", Password: "Secret123!"}, "ip", "ua")
	assert.Equal(t, KindInvalidCredentials, kindOf(t, err))
	_, err = env.svc.Login(ctx, LoginInput{Email: "a@x.com", Password: "NewSecret456!"}, "ip", "ua")
	require.NoError(t, err)

	err = env.svc.ChangePassword(ctx, "missing-user", "x", "NewSecret456!")
	assert.Equal(t, KindUserUnavailable, kindOf(t, err))
}

func TestGetUserByID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	reg, err := env.svc.Register(ctx, RegisterInput{Email: "a@x.com", Password: "Secret123!", UserType: model.UserTypeStudent, ProfileID: "p1"})
	require.NoError(t, err)

	user, err := env.svc.GetUserByID(ctx, reg.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", user.Email)
	assert.Empty(t, user.PasswordHash)

	_, err = env.svc.GetUserByID(ctx, "missing")
	assert.Equal(t, KindUserUnavailable, kindOf(t, err))
}
