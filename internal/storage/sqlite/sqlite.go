package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"accounts/internal/domain/models"
	"accounts/internal/storage"
)

type Storage struct {
	db *sql.DB
}

// New returns a new instance of the Storage.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"
	db, err := sql.Open("sqlite3", storagePath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for the migrator and tests.
func (s *Storage) DB() *sql.DB {
	return s.db
}

func (s *Storage) SaveUser(ctx context.Context, email string, passHash []byte) (int64, error) {
	const op = "storage.sqlite.SaveUser"
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO users (email, pass_hash, provider, created_at) VALUES (?, ?, ?, ?)",
		email, passHash, models.ProviderLocal, time.Now().UTC(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return result.LastInsertId()
}

func (s *Storage) SaveExternalUser(
	ctx context.Context,
	email string,
	provider models.AuthProvider,
	providerUserID string,
) (int64, error) {
	const op = "storage.sqlite.SaveExternalUser"
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO users (email, provider, provider_user_id, created_at) VALUES (?, ?, ?, ?)",
		email, provider, providerUserID, time.Now().UTC(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return 0, fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return result.LastInsertId()
}

func (s *Storage) UpdatePassword(ctx context.Context, userID int64, passHash []byte) error {
	const op = "storage.sqlite.UpdatePassword"
	result, err := s.db.ExecContext(ctx,
		"UPDATE users SET pass_hash = ? WHERE id = ?", passHash, userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	return nil
}

func (s *Storage) User(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.sqlite.User"
	row := s.db.QueryRowContext(ctx,
		"SELECT id, email, pass_hash, provider, provider_user_id, created_at FROM users WHERE email = ? AND provider = ?",
		email, models.ProviderLocal,
	)
	return scanUser(row, op)
}

func (s *Storage) UserByID(ctx context.Context, userID int64) (*models.User, error) {
	const op = "storage.sqlite.UserByID"
	row := s.db.QueryRowContext(ctx,
		"SELECT id, email, pass_hash, provider, provider_user_id, created_at FROM users WHERE id = ?",
		userID,
	)
	return scanUser(row, op)
}

func (s *Storage) UserByProvider(
	ctx context.Context,
	provider models.AuthProvider,
	providerUserID string,
) (*models.User, error) {
	const op = "storage.sqlite.UserByProvider"
	row := s.db.QueryRowContext(ctx,
		"SELECT id, email, pass_hash, provider, provider_user_id, created_at FROM users WHERE provider = ? AND provider_user_id = ?",
		provider, providerUserID,
	)
	return scanUser(row, op)
}

func scanUser(row *sql.Row, op string) (*models.User, error) {
	var user models.User
	var passHash []byte
	var providerUserID sql.NullString
	err := row.Scan(&user.ID, &user.Email, &passHash, &user.Provider, &providerUserID, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	user.PassHash = passHash
	if providerUserID.Valid {
		user.ProviderUserID = &providerUserID.String
	}
	return &user, nil
}

// SaveRefreshToken inserts a new active ledger row.
func (s *Storage) SaveRefreshToken(ctx context.Context, token *models.RefreshToken) error {
	const op = "storage.sqlite.SaveRefreshToken"
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO refresh_tokens (id, token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?, ?)",
		token.ID, token.Token, token.UserID, token.CreatedAt.UTC(), token.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetRefreshToken retrieves a ledger row by exact token match.
func (s *Storage) GetRefreshToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	const op = "storage.sqlite.GetRefreshToken"
	row := s.db.QueryRowContext(ctx,
		`SELECT id, token, user_id, created_at, expires_at, revoked_at, replaced_by_token, revocation_reason
		 FROM refresh_tokens WHERE token = ?`,
		token,
	)

	var t models.RefreshToken
	var revokedAt sql.NullTime
	var replacedBy, reason sql.NullString
	err := row.Scan(&t.ID, &t.Token, &t.UserID, &t.CreatedAt, &t.ExpiresAt, &revokedAt, &replacedBy, &reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if revokedAt.Valid {
		t.RevokedAt = &revokedAt.Time
	}
	if replacedBy.Valid {
		t.ReplacedByToken = &replacedBy.String
	}
	if reason.Valid {
		t.RevocationReason = &reason.String
	}
	return &t, nil
}

// RotateRefreshToken revokes the old row and inserts its successor in one
// transaction. The revoke is conditional on revoked_at still being null, so
// concurrent rotations of the same token produce exactly one winner; losers
// get storage.ErrTokenAlreadyRevoked.
func (s *Storage) RotateRefreshToken(
	ctx context.Context,
	oldToken string,
	successor *models.RefreshToken,
	revokedAt time.Time,
) error {
	const op = "storage.sqlite.RotateRefreshToken"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE refresh_tokens
		 SET revoked_at = ?, replaced_by_token = ?, revocation_reason = ?
		 WHERE token = ? AND revoked_at IS NULL`,
		revokedAt.UTC(), successor.Token, models.ReasonRotated, oldToken,
	)
	if err != nil {
		return fmt.Errorf("%s: revoke old: %w", op, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenAlreadyRevoked)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO refresh_tokens (id, token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?, ?)",
		successor.ID, successor.Token, successor.UserID, successor.CreatedAt.UTC(), successor.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("%s: insert new: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RevokeRefreshToken marks one row revoked. Missing or already-revoked rows
// are left alone and reported as success.
func (s *Storage) RevokeRefreshToken(ctx context.Context, token string, revokedAt time.Time, reason string) error {
	const op = "storage.sqlite.RevokeRefreshToken"
	_, err := s.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked_at = ?, revocation_reason = ? WHERE token = ? AND revoked_at IS NULL",
		revokedAt.UTC(), reason, token,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RevokeAllForUser marks every currently-active row of the user revoked.
func (s *Storage) RevokeAllForUser(ctx context.Context, userID int64, revokedAt time.Time, reason string) error {
	const op = "storage.sqlite.RevokeAllForUser"
	_, err := s.db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked_at = ?, revocation_reason = ? WHERE user_id = ? AND revoked_at IS NULL",
		revokedAt.UTC(), reason, userID,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) SavePasswordReset(ctx context.Context, reset *models.PasswordReset) error {
	const op = "storage.sqlite.SavePasswordReset"
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO password_resets (id, token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?, ?)",
		reset.ID, reset.Token, reset.UserID, reset.CreatedAt.UTC(), reset.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) GetPasswordReset(ctx context.Context, token string) (*models.PasswordReset, error) {
	const op = "storage.sqlite.GetPasswordReset"
	row := s.db.QueryRowContext(ctx,
		"SELECT id, token, user_id, created_at, expires_at, used_at FROM password_resets WHERE token = ?",
		token,
	)

	var r models.PasswordReset
	var usedAt sql.NullTime
	err := row.Scan(&r.ID, &r.Token, &r.UserID, &r.CreatedAt, &r.ExpiresAt, &usedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrResetTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if usedAt.Valid {
		r.UsedAt = &usedAt.Time
	}
	return &r, nil
}

// ConsumePasswordReset marks the reset token used, exactly once.
func (s *Storage) ConsumePasswordReset(ctx context.Context, token string, usedAt time.Time) error {
	const op = "storage.sqlite.ConsumePasswordReset"
	result, err := s.db.ExecContext(ctx,
		"UPDATE password_resets SET used_at = ? WHERE token = ? AND used_at IS NULL",
		usedAt.UTC(), token,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrResetTokenAlreadyUsed)
	}
	return nil
}
