package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"accounts/internal/domain/models"
	"accounts/internal/lib/sl"
	"accounts/internal/storage"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidResetToken  = errors.New("invalid reset token")
	ErrResetTokenExpired  = errors.New("reset token expired")
)

// Auth handles account registration, credential checks and the password-reset
// flow. Token minting and revocation are delegated to the token service.
type Auth struct {
	logger        *slog.Logger
	userSaver     UserSaver
	userProvider  UserProvider
	resetStore    ResetTokenStore
	tokens        PairIssuer
	resetTokenTTL time.Duration
	now           func() time.Time
}

type UserSaver interface {
	SaveUser(
		ctx context.Context,
		email string,
		passHash []byte,
	) (uid int64, err error)
	SaveExternalUser(
		ctx context.Context,
		email string,
		provider models.AuthProvider,
		providerUserID string,
	) (uid int64, err error)
	UpdatePassword(ctx context.Context, userID int64, passHash []byte) error
}

type UserProvider interface {
	User(
		ctx context.Context,
		email string,
	) (user *models.User, err error)
	UserByID(
		ctx context.Context,
		userID int64,
	) (user *models.User, err error)
	UserByProvider(
		ctx context.Context,
		provider models.AuthProvider,
		providerUserID string,
	) (user *models.User, err error)
}

type ResetTokenStore interface {
	SavePasswordReset(ctx context.Context, reset *models.PasswordReset) error
	GetPasswordReset(ctx context.Context, token string) (*models.PasswordReset, error)
	// ConsumePasswordReset marks the token used, conditional on it not being
	// used yet. A lost race surfaces as storage.ErrResetTokenAlreadyUsed.
	ConsumePasswordReset(ctx context.Context, token string, usedAt time.Time) error
}

type PairIssuer interface {
	IssuePair(ctx context.Context, user *models.User) (accessToken, refreshToken string, err error)
	RevokeOne(ctx context.Context, token string, reason string) error
	RevokeAllForAccount(ctx context.Context, userID int64, reason string) error
}

// New returns a new instance of the Auth service.
func New(
	logger *slog.Logger,
	userSaver UserSaver,
	userProvider UserProvider,
	resetStore ResetTokenStore,
	tokens PairIssuer,
	resetTokenTTL time.Duration,
) *Auth {
	return &Auth{
		logger:        logger,
		userSaver:     userSaver,
		userProvider:  userProvider,
		resetStore:    resetStore,
		tokens:        tokens,
		resetTokenTTL: resetTokenTTL,
		now:           time.Now,
	}
}

// WithClock replaces the time source, for deterministic expiry in tests.
func (a *Auth) WithClock(now func() time.Time) *Auth {
	a.now = now
	return a
}

func (a *Auth) Register(
	ctx context.Context,
	email string,
	password string,
) (userID int64, err error) {
	const op = "auth.Register"
	log := a.logger.With(
		slog.String("op", op),
		slog.String("email", email),
	)
	log.Info("register request")

	passHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	userID, err = a.userSaver.SaveUser(ctx, email, passHash)
	if err != nil {
		if errors.Is(err, storage.ErrUserAlreadyExists) {
			log.Warn("user already exists", sl.Err(err))
			return 0, fmt.Errorf("%s: %w", op, ErrUserAlreadyExists)
		}
		log.Error("failed to save user", sl.Err(err))
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user registered", slog.Int64("userID", userID))

	return userID, nil
}

// Login authenticates a local user and returns an access/refresh pair.
func (a *Auth) Login(
	ctx context.Context,
	email string,
	password string,
) (accessToken, refreshToken string, err error) {
	const op = "auth.Login"
	log := a.logger.With(slog.String("op", op))
	log.Info("login request", slog.String("email", email))

	user, err := a.userProvider.User(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found", sl.Err(err))
			return "", "", fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		log.Error("failed to get user", sl.Err(err))
		return "", "", fmt.Errorf("%s: %w", op, err)
	}

	if err := bcrypt.CompareHashAndPassword(user.PassHash, []byte(password)); err != nil {
		log.Warn("invalid password", sl.Err(err))
		return "", "", fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	accessToken, refreshToken, err = a.tokens.IssuePair(ctx, user)
	if err != nil {
		log.Error("failed to issue token pair", sl.Err(err))
		return "", "", fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged in", slog.Int64("userID", user.ID))

	return accessToken, refreshToken, nil
}

// LoginExternal signs in a user whose identity was already verified by an
// external OAuth provider, creating the account on first login. The provider
// handshake itself happens outside this service.
func (a *Auth) LoginExternal(
	ctx context.Context,
	provider models.AuthProvider,
	providerUserID string,
	email string,
) (accessToken, refreshToken string, err error) {
	const op = "auth.LoginExternal"
	log := a.logger.With(
		slog.String("op", op),
		slog.String("provider", string(provider)),
	)
	log.Info("external login request", slog.String("email", email))

	user, err := a.userProvider.UserByProvider(ctx, provider, providerUserID)
	if err != nil {
		if !errors.Is(err, storage.ErrUserNotFound) {
			log.Error("failed to get user by provider", sl.Err(err))
			return "", "", fmt.Errorf("%s: %w", op, err)
		}

		userID, saveErr := a.userSaver.SaveExternalUser(ctx, email, provider, providerUserID)
		if saveErr != nil {
			if errors.Is(saveErr, storage.ErrUserAlreadyExists) {
				log.Warn("provider email already linked", sl.Err(saveErr))
				return "", "", fmt.Errorf("%s: %w", op, ErrUserAlreadyExists)
			}
			log.Error("failed to save external user", sl.Err(saveErr))
			return "", "", fmt.Errorf("%s: %w", op, saveErr)
		}

		log.Info("external user registered", slog.Int64("userID", userID))

		user, err = a.userProvider.UserByID(ctx, userID)
		if err != nil {
			log.Error("failed to get user", sl.Err(err))
			return "", "", fmt.Errorf("%s: %w", op, err)
		}
	}

	accessToken, refreshToken, err = a.tokens.IssuePair(ctx, user)
	if err != nil {
		log.Error("failed to issue token pair", sl.Err(err))
		return "", "", fmt.Errorf("%s: %w", op, err)
	}

	log.Info("external user logged in", slog.Int64("userID", user.ID))

	return accessToken, refreshToken, nil
}

// Logout revokes a single refresh token. Unknown tokens are a no-op success.
func (a *Auth) Logout(ctx context.Context, refreshToken string) error {
	const op = "auth.Logout"

	if err := a.tokens.RevokeOne(ctx, refreshToken, models.ReasonManualLogout); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// LogoutAll revokes every active refresh token the account holds.
func (a *Auth) LogoutAll(ctx context.Context, userID int64) error {
	const op = "auth.LogoutAll"

	if err := a.tokens.RevokeAllForAccount(ctx, userID, models.ReasonManualLogout); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RequestPasswordReset issues a single-use reset token for the account.
// The raw token is returned to the caller boundary for out-of-band delivery.
// An unknown email yields ErrUserNotFound; the HTTP layer decides whether
// to disclose that to the client.
func (a *Auth) RequestPasswordReset(
	ctx context.Context,
	email string,
) (resetToken string, err error) {
	const op = "auth.RequestPasswordReset"
	log := a.logger.With(slog.String("op", op))
	log.Info("password reset request", slog.String("email", email))

	user, err := a.userProvider.User(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found", sl.Err(err))
			return "", fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		log.Error("failed to get user", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	raw, err := generateResetTokenRaw()
	if err != nil {
		log.Error("failed to generate reset token", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	now := a.now().UTC()
	reset := &models.PasswordReset{
		ID:        uuid.NewString(),
		Token:     raw,
		UserID:    user.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(a.resetTokenTTL),
	}

	if err := a.resetStore.SavePasswordReset(ctx, reset); err != nil {
		log.Error("failed to save reset token", sl.Err(err))
		return "", fmt.Errorf("%s: %w", op, err)
	}

	log.Info("reset token issued", slog.Int64("userID", user.ID))

	return raw, nil
}

// ConfirmPasswordReset consumes a reset token, replaces the password hash and
// revokes every active refresh token on the account, forcing re-login
// everywhere.
func (a *Auth) ConfirmPasswordReset(
	ctx context.Context,
	resetToken string,
	newPassword string,
) error {
	const op = "auth.ConfirmPasswordReset"
	log := a.logger.With(slog.String("op", op))
	log.Info("password reset confirmation")

	reset, err := a.resetStore.GetPasswordReset(ctx, resetToken)
	if err != nil {
		if errors.Is(err, storage.ErrResetTokenNotFound) {
			log.Warn("reset token not found")
			return fmt.Errorf("%s: %w", op, ErrInvalidResetToken)
		}
		log.Error("failed to get reset token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	now := a.now().UTC()

	if reset.UsedAt != nil {
		log.Warn("reset token already used", slog.Int64("userID", reset.UserID))
		return fmt.Errorf("%s: %w", op, ErrInvalidResetToken)
	}

	if !reset.ExpiresAt.After(now) {
		log.Warn("reset token expired", slog.Int64("userID", reset.UserID))
		return fmt.Errorf("%s: %w", op, ErrResetTokenExpired)
	}

	if err := a.resetStore.ConsumePasswordReset(ctx, resetToken, now); err != nil {
		if errors.Is(err, storage.ErrResetTokenAlreadyUsed) {
			log.Warn("reset token consumed concurrently", slog.Int64("userID", reset.UserID))
			return fmt.Errorf("%s: %w", op, ErrInvalidResetToken)
		}
		log.Error("failed to consume reset token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	passHash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := a.userSaver.UpdatePassword(ctx, reset.UserID, passHash); err != nil {
		log.Error("failed to update password", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := a.tokens.RevokeAllForAccount(ctx, reset.UserID, models.ReasonManualLogout); err != nil {
		log.Error("failed to revoke account tokens", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("password reset completed", slog.Int64("userID", reset.UserID))

	return nil
}

// generateResetTokenRaw generates a cryptographically secure random token.
func generateResetTokenRaw() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
