// Package service implements the credential and session state machine:
// credential verification, token issuance and rotation, session
// tracking, and password lifecycle across the durable store and the
// ephemeral token store.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"classline/auth/internal/auth"
	"classline/auth/internal/cache"
	"classline/auth/internal/config"
	"classline/auth/internal/crypto"
	"classline/auth/internal/model"
	"classline/auth/internal/notify"
	"classline/auth/internal/repository"
)

// Fixed-cost comparison target for logins against unknown emails, so
// the unknown-email and wrong-password paths are indistinguishable.
const dummyPasswordHash = "$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"

type UserStore interface {
	CreateUser(ctx context.Context, user model.User) error
	GetUserByEmail(ctx context.Context, email string) (model.User, error)
	GetUserByID(ctx context.Context, userID string) (model.User, error)
	UpdatePasswordHash(ctx context.Context, userID, passwordHash string, updatedAt time.Time) error
}

type SessionStore interface {
	CreateSession(ctx context.Context, session model.Session) error
	DeleteSession(ctx context.Context, userID, token string) error
	DeleteSessionsByUser(ctx context.Context, userID string) (int64, error)
}

type TokenCache interface {
	Get(ctx context.Context, key string) (string, error)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteByPattern(ctx context.Context, pattern string) error
}

type AuthService struct {
	users    UserStore
	sessions SessionStore
	tokens   TokenCache
	notifier notify.Notifier
	cfg      config.Config
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*AuthService)

// WithNow overrides the clock, primarily for tests.
func WithNow(now func() time.Time) Option {
	return func(s *AuthService) {
		s.now = now
	}
}

func New(cfg config.Config, users UserStore, sessions SessionStore, tokens TokenCache, notifier notify.Notifier, logger zerolog.Logger, opts ...Option) *AuthService {
	s := &AuthService{
		users:    users,
		sessions: sessions,
		tokens:   tokens,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type RegisterInput struct {
	Email     string
	Password  string
	UserType  string
	ProfileID string
}

type LoginInput struct {
	Email    string
	Password string
}

type AuthResult struct {
	User   model.User      `json:"user"`
	Tokens model.TokenPair `json:"tokens"`
}

// refreshPayload is the claims snapshot stored alongside each live
// refresh token in the ephemeral store.
type refreshPayload struct {
	UserID   string `json:"userId"`
	Email    string `json:"email"`
	UserType string `json:"userType"`
}

func (s *AuthService) Register(ctx context.Context, input RegisterInput) (AuthResult, error) {
	email := normalizeEmail(input.Email)

	if _, err := s.users.GetUserByEmail(ctx, email); err == nil {
		return AuthResult{}, newError(KindDuplicateIdentity, "user already exists")
	} else if !errors.Is(err, repository.ErrNotFound) {
		s.logger.Error().Err(err).Msg("register: user lookup failed")
		return AuthResult{}, err
	}

	hash, err := crypto.HashPassword(input.Password)
	if err != nil {
		s.logger.Error().Err(err).Msg("register: password hash failed")
		return AuthResult{}, err
	}

	now := s.now().UTC()
	user := model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		UserType:     input.UserType,
		ProfileID:    input.ProfileID,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return AuthResult{}, newError(KindDuplicateIdentity, "user already exists")
		}
		s.logger.Error().Err(err).Msg("register: user create failed")
		return AuthResult{}, err
	}

	tokens, err := s.issueTokenPair(ctx, user)
	if err != nil {
		return AuthResult{}, err
	}

	s.logger.Info().Str("user_id", user.ID).Str("email", email).Msg("user registered")
	return AuthResult{User: user.Sanitized(), Tokens: tokens}, nil
}

func (s *AuthService) Login(ctx context.Context, input LoginInput, ipAddress, userAgent string) (AuthResult, error) {
	email := normalizeEmail(input.Email)

	user, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		// Burn a comparison so the miss costs the same as a mismatch.
		_ = crypto.CheckPassword(dummyPasswordHash, input.Password)
		return AuthResult{}, newError(KindInvalidCredentials, "invalid credentials")
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("login: user lookup failed")
		return AuthResult{}, err
	}

	if !user.Active {
		return AuthResult{}, newError(KindAccountDisabled, "account is deactivated")
	}

	if err := crypto.CheckPassword(user.PasswordHash, input.Password); err != nil {
		return AuthResult{}, newError(KindInvalidCredentials, "invalid credentials")
	}

	tokens, err := s.issueTokenPair(ctx, user)
	if err != nil {
		return AuthResult{}, err
	}

	now := s.now().UTC()
	session := model.Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Token:     tokens.RefreshToken,
		IPAddress: ipAddress,
		UserAgent: userAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
	}
	if err := s.sessions.CreateSession(ctx, session); err != nil {
		s.logger.Error().Err(err).Msg("login: session create failed")
		return AuthResult{}, err
	}

	s.logger.Info().Str("user_id", user.ID).Str("email", email).Msg("user logged in")
	return AuthResult{User: user.Sanitized(), Tokens: tokens}, nil
}

// Logout is idempotent: revoking an already-absent token succeeds.
func (s *AuthService) Logout(ctx context.Context, userID, refreshToken string) error {
	if err := s.tokens.Delete(ctx, cache.RefreshTokenPrefix+refreshToken); err != nil {
		s.logger.Error().Err(err).Msg("logout: token delete failed")
		return err
	}
	if err := s.sessions.DeleteSession(ctx, userID, refreshToken); err != nil {
		s.logger.Error().Err(err).Msg("logout: session delete failed")
		return err
	}
	s.logger.Info().Str("user_id", userID).Msg("user logged out")
	return nil
}

// RefreshToken rotates a refresh token. The store lookup is
// authoritative: once the old entry is deleted, the old token never
// verifies again, no matter what its signature says.
func (s *AuthService) RefreshToken(ctx context.Context, refreshToken string) (model.TokenPair, error) {
	key := cache.RefreshTokenPrefix + refreshToken

	if _, err := s.tokens.Get(ctx, key); err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return model.TokenPair{}, newError(KindInvalidToken, "invalid refresh token")
		}
		s.logger.Error().Err(err).Msg("refresh: token lookup failed")
		return model.TokenPair{}, err
	}

	claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, refreshToken)
	if err != nil {
		s.logger.Warn().Err(err).Msg("refresh: token verification failed")
		return model.TokenPair{}, newError(KindInvalidToken, "invalid refresh token")
	}

	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.TokenPair{}, newError(KindUserUnavailable, "user not found or inactive")
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("refresh: user lookup failed")
		return model.TokenPair{}, err
	}
	if !user.Active {
		return model.TokenPair{}, newError(KindUserUnavailable, "user not found or inactive")
	}

	if err := s.tokens.Delete(ctx, key); err != nil {
		s.logger.Error().Err(err).Msg("refresh: token delete failed")
		return model.TokenPair{}, err
	}

	tokens, err := s.issueTokenPair(ctx, user)
	if err != nil {
		return model.TokenPair{}, err
	}

	s.logger.Info().Str("user_id", user.ID).Msg("tokens refreshed")
	return tokens, nil
}

// ForgotPassword always succeeds outwardly; whether the email exists
// must not be observable to the caller.
func (s *AuthService) ForgotPassword(ctx context.Context, email string) error {
	email = normalizeEmail(email)

	user, err := s.users.GetUserByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn().Str("email", email).Msg("password reset requested for unknown email")
		return nil
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("forgot password: user lookup failed")
		return err
	}

	secret, err := crypto.NewResetSecret()
	if err != nil {
		s.logger.Error().Err(err).Msg("forgot password: secret generation failed")
		return err
	}

	key := cache.ResetTokenPrefix + crypto.HashSecret(secret)
	if err := s.tokens.SetWithTTL(ctx, key, user.ID, s.cfg.ResetTokenTTL); err != nil {
		s.logger.Error().Err(err).Msg("forgot password: token store failed")
		return err
	}

	if err := s.notifier.SendPasswordReset(ctx, user.Email, secret); err != nil {
		s.logger.Error().Err(err).Msg("forgot password: notification failed")
		return err
	}

	s.logger.Info().Str("user_id", user.ID).Msg("password reset token generated")
	return nil
}

func (s *AuthService) ResetPassword(ctx context.Context, resetSecret, newPassword string) error {
	key := cache.ResetTokenPrefix + crypto.HashSecret(resetSecret)

	userID, err := s.tokens.Get(ctx, key)
	if errors.Is(err, cache.ErrNotFound) {
		return newError(KindInvalidResetToken, "invalid or expired reset token")
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("reset password: token lookup failed")
		return err
	}

	user, err := s.users.GetUserByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return newError(KindUserUnavailable, "user not found")
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("reset password: user lookup failed")
		return err
	}

	if err := s.updatePassword(ctx, user.ID, newPassword); err != nil {
		return err
	}

	// Single use: the entry dies with the reset.
	if err := s.tokens.Delete(ctx, key); err != nil {
		s.logger.Error().Err(err).Msg("reset password: token delete failed")
		return err
	}

	s.logger.Info().Str("user_id", user.ID).Msg("password reset")
	return nil
}

func (s *AuthService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	user, err := s.users.GetUserByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return newError(KindUserUnavailable, "user not found")
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("change password: user lookup failed")
		return err
	}

	if err := crypto.CheckPassword(user.PasswordHash, currentPassword); err != nil {
		return newError(KindInvalidPassword, "current password is incorrect")
	}

	if err := s.updatePassword(ctx, user.ID, newPassword); err != nil {
		return err
	}

	s.logger.Info().Str("user_id", user.ID).Msg("password changed")
	return nil
}

func (s *AuthService) GetUserByID(ctx context.Context, userID string) (model.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return model.User{}, newError(KindUserUnavailable, "user not found")
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("get user: lookup failed")
		return model.User{}, err
	}
	return user.Sanitized(), nil
}

// updatePassword overwrites the hash and invalidates every session for
// the user, forcing re-authentication on all devices. Already-issued
// access tokens stay valid until natural expiry.
func (s *AuthService) updatePassword(ctx context.Context, userID, newPassword string) error {
	hash, err := crypto.HashPassword(newPassword)
	if err != nil {
		s.logger.Error().Err(err).Msg("password hash failed")
		return err
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, hash, s.now().UTC()); err != nil {
		s.logger.Error().Err(err).Msg("password update failed")
		return err
	}

	deleted, err := s.sessions.DeleteSessionsByUser(ctx, userID)
	if err != nil {
		s.logger.Error().Err(err).Msg("session invalidation failed")
		return err
	}
	s.logger.Info().Str("user_id", userID).Int64("sessions", deleted).Msg("sessions invalidated")
	return nil
}

func (s *AuthService) issueTokenPair(ctx context.Context, user model.User) (model.TokenPair, error) {
	claims := auth.Claims{
		UserID:   user.ID,
		Email:    user.Email,
		UserType: user.UserType,
	}

	accessToken, err := auth.NewToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.AccessTokenTTL, claims)
	if err != nil {
		s.logger.Error().Err(err).Msg("access token signing failed")
		return model.TokenPair{}, err
	}
	refreshToken, err := auth.NewToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.RefreshTokenTTL, claims)
	if err != nil {
		s.logger.Error().Err(err).Msg("refresh token signing failed")
		return model.TokenPair{}, err
	}

	payload, err := json.Marshal(refreshPayload{
		UserID:   user.ID,
		Email:    user.Email,
		UserType: user.UserType,
	})
	if err != nil {
		return model.TokenPair{}, err
	}
	if err := s.tokens.SetWithTTL(ctx, cache.RefreshTokenPrefix+refreshToken, string(payload), s.cfg.RefreshTokenTTL); err != nil {
		s.logger.Error().Err(err).Msg("refresh token store failed")
		return model.TokenPair{}, err
	}

	return model.TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
