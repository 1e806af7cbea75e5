package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"accounts/internal/domain/models"
	"accounts/internal/lib/jwt"
	"accounts/internal/lib/sl"
	"accounts/internal/storage"
)

var (
	ErrInvalidToken    = errors.New("invalid refresh token")
	ErrTokenExpired    = errors.New("refresh token expired")
	ErrTokenReuse      = errors.New("refresh token reuse detected")
	ErrAccountNotFound = errors.New("account not found")
)

// Service owns the refresh-token ledger: issuing pairs, rotating refresh
// tokens and revoking them. All ledger timestamps are normalized to UTC
// before storage so expiry comparisons never depend on a row's zone.
type Service struct {
	logger          *slog.Logger
	ledger          TokenLedger
	users           UserProvider
	jwtSecret       string
	tokenTTL        time.Duration
	refreshTokenTTL time.Duration
	now             func() time.Time
}

type TokenLedger interface {
	SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error
	GetRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error)
	// RotateRefreshToken revokes the presented row and inserts the successor
	// in one atomic step. The revoke is conditional on the row still being
	// unrevoked; a lost race surfaces as storage.ErrTokenAlreadyRevoked.
	RotateRefreshToken(ctx context.Context, oldToken string, successor *models.RefreshToken, revokedAt time.Time) error
	// RevokeRefreshToken is idempotent: revoking a missing or already-revoked
	// token is a no-op success.
	RevokeRefreshToken(ctx context.Context, token string, revokedAt time.Time, reason string) error
	RevokeAllForUser(ctx context.Context, userID int64, revokedAt time.Time, reason string) error
}

type UserProvider interface {
	UserByID(ctx context.Context, userID int64) (*models.User, error)
}

// New returns a new instance of the token service.
func New(
	logger *slog.Logger,
	ledger TokenLedger,
	users UserProvider,
	jwtSecret string,
	tokenTTL time.Duration,
	refreshTokenTTL time.Duration,
) *Service {
	return &Service{
		logger:          logger,
		ledger:          ledger,
		users:           users,
		jwtSecret:       jwtSecret,
		tokenTTL:        tokenTTL,
		refreshTokenTTL: refreshTokenTTL,
		now:             time.Now,
	}
}

// WithClock replaces the time source, for deterministic expiry in tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// IssuePair mints an access token and a fresh refresh token for the user,
// persisting the refresh token as a new active ledger row.
func (s *Service) IssuePair(ctx context.Context, user *models.User) (accessToken, refreshToken string, err error) {
	const op = "token.IssuePair"
	log := s.logger.With(slog.String("op", op), slog.Int64("userID", user.ID))

	accessToken, err = jwt.GenerateToken(user, s.jwtSecret, s.tokenTTL)
	if err != nil {
		log.Error("failed to generate access token", sl.Err(err))
		return "", "", fmt.Errorf("%s: %w", op, err)
	}

	row, err := s.newRefreshToken(user.ID)
	if err != nil {
		log.Error("failed to generate refresh token", sl.Err(err))
		return "", "", fmt.Errorf("%s: %w", op, err)
	}

	if err := s.ledger.SaveRefreshToken(ctx, row); err != nil {
		log.Error("failed to save refresh token", sl.Err(err))
		return "", "", fmt.Errorf("%s: %w", op, err)
	}

	return accessToken, row.Token, nil
}

// Rotate exchanges a valid refresh token for a new access/refresh pair,
// revoking the presented token. Presenting an already-consumed token is
// treated as evidence of compromise: every active token on the account is
// revoked and ErrTokenReuse is returned.
func (s *Service) Rotate(ctx context.Context, presented string) (newAccessToken, newRefreshToken string, err error) {
	const op = "token.Rotate"
	log := s.logger.With(slog.String("op", op))
	log.Info("rotation request")

	row, err := s.ledger.GetRefreshToken(ctx, presented)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			log.Warn("refresh token not found")
			return "", "", fmt.Errorf("%s: %w", op, ErrInvalidToken)
		}
		log.Error("failed to get refresh token", sl.Err(err))
		return "", "", fmt.Errorf("%s: %w", op, err)
	}

	now := s.now().UTC()

	if row.RevokedAt != nil {
		return "", "", s.failReuse(ctx, log, op, row.UserID, now)
	}

	if !row.ExpiresAt.After(now) {
		log.Warn("refresh token expired", slog.Int64("userID", row.UserID))
		return "", "", fmt.Errorf("%s: %w", op, ErrTokenExpired)
	}

	user, err := s.users.UserByID(ctx, row.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("account no longer exists", slog.Int64("userID", row.UserID))
			return "", "", fmt.Errorf("%s: %w", op, ErrAccountNotFound)
		}
		log.Error("failed to get user", sl.Err(err))
		return "", "", fmt.Errorf("%s: %w", op, err)
	}

	successor, err := s.newRefreshToken(row.UserID)
	if err != nil {
		log.Error("failed to generate refresh token", sl.Err(err))
		return "", "", fmt.Errorf("%s: %w", op, err)
	}

	if err := s.ledger.RotateRefreshToken(ctx, presented, successor, now); err != nil {
		// A concurrent caller consumed the token between our read and the
		// conditional revoke. Indistinguishable from replay; same response.
		if errors.Is(err, storage.ErrTokenAlreadyRevoked) {
			return "", "", s.failReuse(ctx, log, op, row.UserID, now)
		}
		log.Error("failed to rotate refresh token", sl.Err(err))
		return "", "", fmt.Errorf("%s: %w", op, err)
	}

	newAccessToken, err = jwt.GenerateToken(user, s.jwtSecret, s.tokenTTL)
	if err != nil {
		log.Error("failed to generate access token", sl.Err(err))
		return "", "", fmt.Errorf("%s: %w", op, err)
	}

	log.Info("tokens rotated", slog.Int64("userID", row.UserID))

	return newAccessToken, successor.Token, nil
}

// failReuse handles the replay branch: revoke every active token the account
// still holds, loudly, then report the reuse to the caller.
func (s *Service) failReuse(ctx context.Context, log *slog.Logger, op string, userID int64, now time.Time) error {
	log.Warn("refresh token reuse detected, revoking all sessions", slog.Int64("userID", userID))

	if err := s.ledger.RevokeAllForUser(ctx, userID, now, models.ReasonReuseDetected); err != nil {
		log.Error("failed to cascade-revoke account tokens", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	return fmt.Errorf("%s: %w", op, ErrTokenReuse)
}

// RevokeOne marks a single refresh token revoked. Revoking a token that is
// missing or already revoked is a successful no-op.
func (s *Service) RevokeOne(ctx context.Context, token string, reason string) error {
	const op = "token.RevokeOne"
	log := s.logger.With(slog.String("op", op))

	if err := s.ledger.RevokeRefreshToken(ctx, token, s.now().UTC(), reason); err != nil {
		log.Error("failed to revoke refresh token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("refresh token revoked", slog.String("reason", reason))

	return nil
}

// RevokeAllForAccount revokes every currently-active refresh token the
// account holds. Used by logout-everywhere and the reuse cascade.
func (s *Service) RevokeAllForAccount(ctx context.Context, userID int64, reason string) error {
	const op = "token.RevokeAllForAccount"
	log := s.logger.With(slog.String("op", op), slog.Int64("userID", userID))

	if err := s.ledger.RevokeAllForUser(ctx, userID, s.now().UTC(), reason); err != nil {
		log.Error("failed to revoke account tokens", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	log.Info("all account tokens revoked", slog.String("reason", reason))

	return nil
}

// newRefreshToken builds an unsaved active ledger row with a fresh secret.
func (s *Service) newRefreshToken(userID int64) (*models.RefreshToken, error) {
	secret, err := generateOpaqueToken()
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()

	return &models.RefreshToken{
		ID:        uuid.NewString(),
		Token:     secret,
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.refreshTokenTTL),
	}, nil
}

// generateOpaqueToken returns a URL-safe secret with 256 bits of entropy.
func generateOpaqueToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
