package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"accounts/internal/domain/models"
	"accounts/internal/storage"
)

const uniqueViolation = "23505"

type Storage struct {
	pool *pgxpool.Pool
}

// New connects to Postgres and verifies the connection.
func New(ctx context.Context, dsn string) (*Storage, error) {
	const op = "storage.postgres.New"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	return &Storage{pool: pool}, nil
}

func (s *Storage) Close() {
	s.pool.Close()
}

func (s *Storage) SaveUser(ctx context.Context, email string, passHash []byte) (int64, error) {
	const op = "storage.postgres.SaveUser"

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (email, pass_hash, provider, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		email, passHash, models.ProviderLocal, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return id, nil
}

func (s *Storage) SaveExternalUser(
	ctx context.Context,
	email string,
	provider models.AuthProvider,
	providerUserID string,
) (int64, error) {
	const op = "storage.postgres.SaveExternalUser"

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (email, provider, provider_user_id, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		email, provider, providerUserID, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return id, nil
}

func (s *Storage) UpdatePassword(ctx context.Context, userID int64, passHash []byte) error {
	const op = "storage.postgres.UpdatePassword"

	tag, err := s.pool.Exec(ctx,
		"UPDATE users SET pass_hash = $1 WHERE id = $2", passHash, userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	return nil
}

func (s *Storage) User(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.postgres.User"
	return s.scanUser(ctx, op,
		`SELECT id, email, pass_hash, provider, provider_user_id, created_at
		 FROM users WHERE email = $1 AND provider = $2`,
		email, models.ProviderLocal,
	)
}

func (s *Storage) UserByID(ctx context.Context, userID int64) (*models.User, error) {
	const op = "storage.postgres.UserByID"
	return s.scanUser(ctx, op,
		`SELECT id, email, pass_hash, provider, provider_user_id, created_at
		 FROM users WHERE id = $1`,
		userID,
	)
}

func (s *Storage) UserByProvider(
	ctx context.Context,
	provider models.AuthProvider,
	providerUserID string,
) (*models.User, error) {
	const op = "storage.postgres.UserByProvider"
	return s.scanUser(ctx, op,
		`SELECT id, email, pass_hash, provider, provider_user_id, created_at
		 FROM users WHERE provider = $1 AND provider_user_id = $2`,
		provider, providerUserID,
	)
}

func (s *Storage) scanUser(ctx context.Context, op, query string, args ...any) (*models.User, error) {
	var user models.User
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&user.ID, &user.Email, &user.PassHash, &user.Provider, &user.ProviderUserID, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &user, nil
}

func (s *Storage) SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	const op = "storage.postgres.SaveRefreshToken"

	_, err := s.pool.Exec(ctx,
		`INSERT INTO refresh_tokens (id, token, user_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		token.ID, token.Token, token.UserID, token.CreatedAt.UTC(), token.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) GetRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	const op = "storage.postgres.GetRefreshToken"

	var t models.RefreshToken
	err := s.pool.QueryRow(ctx,
		`SELECT id, token, user_id, created_at, expires_at, revoked_at, replaced_by_token, revocation_reason
		 FROM refresh_tokens WHERE token = $1`,
		token,
	).Scan(&t.ID, &t.Token, &t.UserID, &t.CreatedAt, &t.ExpiresAt, &t.RevokedAt, &t.ReplacedByToken, &t.RevocationReason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &t, nil
}

// RotateRefreshToken revokes the old row and inserts its successor in one
// transaction. The conditional update keyed on revoked_at guarantees a single
// winner under concurrent rotation of the same token.
func (s *Storage) RotateRefreshToken(
	ctx context.Context,
	oldToken string,
	successor *models.RefreshToken,
	revokedAt time.Time,
) error {
	const op = "storage.postgres.RotateRefreshToken"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE refresh_tokens
		 SET revoked_at = $1, replaced_by_token = $2, revocation_reason = $3
		 WHERE token = $4 AND revoked_at IS NULL`,
		revokedAt.UTC(), successor.Token, models.ReasonRotated, oldToken,
	)
	if err != nil {
		return fmt.Errorf("%s: revoke old: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenAlreadyRevoked)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO refresh_tokens (id, token, user_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		successor.ID, successor.Token, successor.UserID, successor.CreatedAt.UTC(), successor.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("%s: insert new: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (s *Storage) RevokeRefreshToken(ctx context.Context, token string, revokedAt time.Time, reason string) error {
	const op = "storage.postgres.RevokeRefreshToken"

	_, err := s.pool.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = $1, revocation_reason = $2
		 WHERE token = $3 AND revoked_at IS NULL`,
		revokedAt.UTC(), reason, token,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) RevokeAllForUser(ctx context.Context, userID int64, revokedAt time.Time, reason string) error {
	const op = "storage.postgres.RevokeAllForUser"

	_, err := s.pool.Exec(ctx,
		`UPDATE refresh_tokens SET revoked_at = $1, revocation_reason = $2
		 WHERE user_id = $3 AND revoked_at IS NULL`,
		revokedAt.UTC(), reason, userID,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) SavePasswordReset(ctx context.Context, reset *models.PasswordReset) error {
	const op = "storage.postgres.SavePasswordReset"

	_, err := s.pool.Exec(ctx,
		`INSERT INTO password_resets (id, token, user_id, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		reset.ID, reset.Token, reset.UserID, reset.CreatedAt.UTC(), reset.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) GetPasswordReset(ctx context.Context, token string) (*models.PasswordReset, error) {
	const op = "storage.postgres.GetPasswordReset"

	var r models.PasswordReset
	err := s.pool.QueryRow(ctx,
		`SELECT id, token, user_id, created_at, expires_at, used_at
		 FROM password_resets WHERE token = $1`,
		token,
	).Scan(&r.ID, &r.Token, &r.UserID, &r.CreatedAt, &r.ExpiresAt, &r.UsedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrResetTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &r, nil
}

func (s *Storage) ConsumePasswordReset(ctx context.Context, token string, usedAt time.Time) error {
	const op = "storage.postgres.ConsumePasswordReset"

	tag, err := s.pool.Exec(ctx,
		"UPDATE password_resets SET used_at = $1 WHERE token = $2 AND used_at IS NULL",
		usedAt.UTC(), token,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrResetTokenAlreadyUsed)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
