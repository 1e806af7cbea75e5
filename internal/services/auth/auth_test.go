package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"accounts/internal/domain/models"
	"accounts/internal/storage"
)

type fakeUserStore struct {
	nextID int64
	users  map[int64]*models.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[int64]*models.User)}
}

func (f *fakeUserStore) SaveUser(_ context.Context, email string, passHash []byte) (int64, error) {
	for _, u := range f.users {
		if u.Email == email && u.Provider == models.ProviderLocal {
			return 0, storage.ErrUserAlreadyExists
		}
	}
	f.nextID++
	f.users[f.nextID] = &models.User{
		ID:       f.nextID,
		Email:    email,
		PassHash: passHash,
		Provider: models.ProviderLocal,
	}
	return f.nextID, nil
}

func (f *fakeUserStore) SaveExternalUser(_ context.Context, email string, provider models.AuthProvider, providerUserID string) (int64, error) {
	for _, u := range f.users {
		if u.Provider == provider && u.Email == email {
			return 0, storage.ErrUserAlreadyExists
		}
	}
	f.nextID++
	f.users[f.nextID] = &models.User{
		ID:             f.nextID,
		Email:          email,
		Provider:       provider,
		ProviderUserID: &providerUserID,
	}
	return f.nextID, nil
}

func (f *fakeUserStore) UpdatePassword(_ context.Context, userID int64, passHash []byte) error {
	u, ok := f.users[userID]
	if !ok {
		return storage.ErrUserNotFound
	}
	u.PassHash = passHash
	return nil
}

func (f *fakeUserStore) User(_ context.Context, email string) (*models.User, error) {
	for _, u := range f.users {
		if u.Email == email && u.Provider == models.ProviderLocal {
			return u, nil
		}
	}
	return nil, storage.ErrUserNotFound
}

func (f *fakeUserStore) UserByID(_ context.Context, userID int64) (*models.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	return u, nil
}

func (f *fakeUserStore) UserByProvider(_ context.Context, provider models.AuthProvider, providerUserID string) (*models.User, error) {
	for _, u := range f.users {
		if u.Provider == provider && u.ProviderUserID != nil && *u.ProviderUserID == providerUserID {
			return u, nil
		}
	}
	return nil, storage.ErrUserNotFound
}

type fakeResetStore struct {
	resets map[string]*models.PasswordReset
}

func newFakeResetStore() *fakeResetStore {
	return &fakeResetStore{resets: make(map[string]*models.PasswordReset)}
}

func (f *fakeResetStore) SavePasswordReset(_ context.Context, reset *models.PasswordReset) error {
	cp := *reset
	f.resets[reset.Token] = &cp
	return nil
}

func (f *fakeResetStore) GetPasswordReset(_ context.Context, token string) (*models.PasswordReset, error) {
	r, ok := f.resets[token]
	if !ok {
		return nil, storage.ErrResetTokenNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeResetStore) ConsumePasswordReset(_ context.Context, token string, usedAt time.Time) error {
	r, ok := f.resets[token]
	if !ok || r.UsedAt != nil {
		return storage.ErrResetTokenAlreadyUsed
	}
	r.UsedAt = &usedAt
	return nil
}

// fakeIssuer records revocations instead of hitting a real ledger.
type fakeIssuer struct {
	issued     int
	revokedAll []int64
	revokedOne []string
}

func (f *fakeIssuer) IssuePair(_ context.Context, user *models.User) (string, string, error) {
	f.issued++
	return "access-token", "refresh-token", nil
}

func (f *fakeIssuer) RevokeOne(_ context.Context, token string, _ string) error {
	f.revokedOne = append(f.revokedOne, token)
	return nil
}

func (f *fakeIssuer) RevokeAllForAccount(_ context.Context, userID int64, _ string) error {
	f.revokedAll = append(f.revokedAll, userID)
	return nil
}

func newTestAuth(t *testing.T) (*Auth, *fakeUserStore, *fakeResetStore, *fakeIssuer, time.Time) {
	t.Helper()

	users := newFakeUserStore()
	resets := newFakeResetStore()
	issuer := &fakeIssuer{}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(logger, users, users, resets, issuer, time.Hour).
		WithClock(func() time.Time { return now })

	return svc, users, resets, issuer, now
}

func TestRegisterAndLogin(t *testing.T) {
	svc, users, _, issuer, _ := newTestAuth(t)
	ctx := context.Background()

	userID, err := svc.Register(ctx, "alice@example.com", "correct-password-123")
	require.NoError(t, err)
	require.NotZero(t, userID)

	// Stored hash must verify against the original password.
	stored := users.users[userID]
	require.NoError(t, bcrypt.CompareHashAndPassword(stored.PassHash, []byte("correct-password-123")))

	access, refresh, err := svc.Login(ctx, "alice@example.com", "correct-password-123")
	require.NoError(t, err)
	assert.NotEmpty(t, access)
	assert.NotEmpty(t, refresh)
	assert.Equal(t, 1, issuer.issued)
}

func TestRegisterDuplicate(t *testing.T) {
	svc, _, _, _, _ := newTestAuth(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice@example.com", "correct-password-123")
	require.NoError(t, err)

	_, err = svc.Register(ctx, "alice@example.com", "another-password-456")
	require.ErrorIs(t, err, ErrUserAlreadyExists)
}

func TestLoginFailCases(t *testing.T) {
	svc, _, _, _, _ := newTestAuth(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice@example.com", "correct-password-123")
	require.NoError(t, err)

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{
			name:     "wrong password",
			email:    "alice@example.com",
			password: "wrong-password",
		},
		{
			name:     "unknown email",
			email:    "bob@example.com",
			password: "correct-password-123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := svc.Login(ctx, tt.email, tt.password)
			require.ErrorIs(t, err, ErrInvalidCredentials)
		})
	}
}

func TestLoginExternalCreatesOnce(t *testing.T) {
	svc, users, _, issuer, _ := newTestAuth(t)
	ctx := context.Background()

	_, _, err := svc.LoginExternal(ctx, models.ProviderGoogle, "google-uid-1", "alice@gmail.com")
	require.NoError(t, err)
	require.Len(t, users.users, 1)

	// Second login with the same provider identity reuses the account.
	_, _, err = svc.LoginExternal(ctx, models.ProviderGoogle, "google-uid-1", "alice@gmail.com")
	require.NoError(t, err)
	require.Len(t, users.users, 1)
	assert.Equal(t, 2, issuer.issued)
}

func TestLogout(t *testing.T) {
	svc, _, _, issuer, _ := newTestAuth(t)

	require.NoError(t, svc.Logout(context.Background(), "some-refresh-token"))
	assert.Equal(t, []string{"some-refresh-token"}, issuer.revokedOne)
}

func TestPasswordResetFlow(t *testing.T) {
	svc, users, _, issuer, _ := newTestAuth(t)
	ctx := context.Background()

	userID, err := svc.Register(ctx, "alice@example.com", "correct-password-123")
	require.NoError(t, err)

	resetToken, err := svc.RequestPasswordReset(ctx, "alice@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, resetToken)

	require.NoError(t, svc.ConfirmPasswordReset(ctx, resetToken, "brand-new-password-456"))

	// Password changed and every session revoked.
	stored := users.users[userID]
	require.NoError(t, bcrypt.CompareHashAndPassword(stored.PassHash, []byte("brand-new-password-456")))
	assert.Equal(t, []int64{userID}, issuer.revokedAll)

	// Single-use: the same token cannot be consumed twice.
	err = svc.ConfirmPasswordReset(ctx, resetToken, "yet-another-password-789")
	require.ErrorIs(t, err, ErrInvalidResetToken)
}

func TestPasswordResetUnknownEmail(t *testing.T) {
	svc, _, _, _, _ := newTestAuth(t)

	_, err := svc.RequestPasswordReset(context.Background(), "nobody@example.com")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestPasswordResetExpired(t *testing.T) {
	svc, _, resets, _, now := newTestAuth(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "alice@example.com", "correct-password-123")
	require.NoError(t, err)

	resetToken, err := svc.RequestPasswordReset(ctx, "alice@example.com")
	require.NoError(t, err)

	// Age the token past its TTL.
	resets.resets[resetToken].ExpiresAt = now.Add(-time.Minute)

	err = svc.ConfirmPasswordReset(ctx, resetToken, "brand-new-password-456")
	require.ErrorIs(t, err, ErrResetTokenExpired)
}

func TestInvalidResetToken(t *testing.T) {
	svc, _, _, _, _ := newTestAuth(t)

	err := svc.ConfirmPasswordReset(context.Background(), "no-such-token", "brand-new-password-456")
	require.ErrorIs(t, err, ErrInvalidResetToken)
}
