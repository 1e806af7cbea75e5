package token

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accounts/internal/domain/models"
	"accounts/internal/storage"
)

// fakeLedger is an in-memory TokenLedger with the same conditional-update
// semantics as the real backends.
type fakeLedger struct {
	mu     sync.Mutex
	tokens map[string]*models.RefreshToken
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{tokens: make(map[string]*models.RefreshToken)}
}

func (l *fakeLedger) SaveRefreshToken(_ context.Context, token *models.RefreshToken) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *token
	l.tokens[token.Token] = &cp
	return nil
}

func (l *fakeLedger) GetRefreshToken(_ context.Context, token string) (*models.RefreshToken, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	cp := *t
	return &cp, nil
}

func (l *fakeLedger) RotateRefreshToken(_ context.Context, oldToken string, successor *models.RefreshToken, revokedAt time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	old, ok := l.tokens[oldToken]
	if !ok || old.RevokedAt != nil {
		return storage.ErrTokenAlreadyRevoked
	}
	reason := models.ReasonRotated
	replacedBy := successor.Token
	old.RevokedAt = &revokedAt
	old.ReplacedByToken = &replacedBy
	old.RevocationReason = &reason
	cp := *successor
	l.tokens[successor.Token] = &cp
	return nil
}

func (l *fakeLedger) RevokeRefreshToken(_ context.Context, token string, revokedAt time.Time, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tokens[token]
	if !ok || t.RevokedAt != nil {
		return nil
	}
	t.RevokedAt = &revokedAt
	t.RevocationReason = &reason
	return nil
}

func (l *fakeLedger) RevokeAllForUser(_ context.Context, userID int64, revokedAt time.Time, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.tokens {
		if t.UserID == userID && t.RevokedAt == nil {
			t.RevokedAt = &revokedAt
			r := reason
			t.RevocationReason = &r
		}
	}
	return nil
}

func (l *fakeLedger) get(token string) *models.RefreshToken {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tokens[token]
}

type fakeUsers struct {
	users map[int64]*models.User
}

func (f *fakeUsers) UserByID(_ context.Context, userID int64) (*models.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	return u, nil
}

func newTestService(t *testing.T) (*Service, *fakeLedger, time.Time) {
	t.Helper()

	ledger := newFakeLedger()
	users := &fakeUsers{users: map[int64]*models.User{
		1: {ID: 1, Email: "alice@example.com", Provider: models.ProviderLocal},
	}}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := New(logger, ledger, users, "test-secret", 15*time.Minute, 30*24*time.Hour).
		WithClock(func() time.Time { return now })

	return svc, ledger, now
}

func TestIssuePairThenRotate(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ctx := context.Background()

	user := &models.User{ID: 1, Email: "alice@example.com"}
	access, refresh, err := svc.IssuePair(ctx, user)
	require.NoError(t, err)
	require.NotEmpty(t, access)
	require.NotEmpty(t, refresh)

	newAccess, newRefresh, err := svc.Rotate(ctx, refresh)
	require.NoError(t, err)
	require.NotEmpty(t, newAccess)
	require.NotEmpty(t, newRefresh)
	assert.NotEqual(t, refresh, newRefresh)

	old := ledger.get(refresh)
	require.NotNil(t, old)
	require.NotNil(t, old.RevokedAt)
	require.NotNil(t, old.ReplacedByToken)
	assert.Equal(t, newRefresh, *old.ReplacedByToken)
	require.NotNil(t, old.RevocationReason)
	assert.Equal(t, models.ReasonRotated, *old.RevocationReason)

	successor := ledger.get(newRefresh)
	require.NotNil(t, successor)
	assert.Nil(t, successor.RevokedAt)
	assert.Nil(t, successor.ReplacedByToken)
}

func TestRotateUnknownToken(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, _, err := svc.Rotate(context.Background(), "no-such-token")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRotateExpiredToken(t *testing.T) {
	svc, ledger, now := newTestService(t)
	ctx := context.Background()

	expired := &models.RefreshToken{
		ID:        "t-expired",
		Token:     "expired-token",
		UserID:    1,
		CreatedAt: now.Add(-48 * time.Hour),
		ExpiresAt: now.Add(-time.Second),
	}
	require.NoError(t, ledger.SaveRefreshToken(ctx, expired))

	other := &models.RefreshToken{
		ID:        "t-other",
		Token:     "other-token",
		UserID:    1,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, ledger.SaveRefreshToken(ctx, other))

	_, _, err := svc.Rotate(ctx, "expired-token")
	require.ErrorIs(t, err, ErrTokenExpired)

	// No cascade and no row mutation on expiry.
	assert.Nil(t, ledger.get("expired-token").RevokedAt)
	assert.Nil(t, ledger.get("other-token").RevokedAt)
}

func TestRotateReuseCascade(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ctx := context.Background()

	user := &models.User{ID: 1, Email: "alice@example.com"}
	_, t1, err := svc.IssuePair(ctx, user)
	require.NoError(t, err)

	_, t2, err := svc.Rotate(ctx, t1)
	require.NoError(t, err)

	// Replaying t1 must fail and revoke t2 as collateral.
	_, _, err = svc.Rotate(ctx, t1)
	require.ErrorIs(t, err, ErrTokenReuse)

	row2 := ledger.get(t2)
	require.NotNil(t, row2.RevokedAt)
	require.NotNil(t, row2.RevocationReason)
	assert.Equal(t, models.ReasonReuseDetected, *row2.RevocationReason)

	// t2 exists but is revoked: reuse, not invalid.
	_, _, err = svc.Rotate(ctx, t2)
	require.ErrorIs(t, err, ErrTokenReuse)
	require.NotErrorIs(t, err, ErrInvalidToken)
}

func TestRotateAccountGone(t *testing.T) {
	svc, ledger, now := newTestService(t)
	ctx := context.Background()

	orphan := &models.RefreshToken{
		ID:        "t-orphan",
		Token:     "orphan-token",
		UserID:    42,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, ledger.SaveRefreshToken(ctx, orphan))

	_, _, err := svc.Rotate(ctx, "orphan-token")
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestRevokeOneIdempotent(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ctx := context.Background()

	user := &models.User{ID: 1, Email: "alice@example.com"}
	_, refresh, err := svc.IssuePair(ctx, user)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeOne(ctx, refresh, models.ReasonManualLogout))

	row := ledger.get(refresh)
	require.NotNil(t, row.RevokedAt)
	firstRevokedAt := *row.RevokedAt
	assert.Equal(t, models.ReasonManualLogout, *row.RevocationReason)

	// Second revoke is a no-op success and leaves the row untouched.
	require.NoError(t, svc.RevokeOne(ctx, refresh, models.ReasonReuseDetected))
	row = ledger.get(refresh)
	assert.Equal(t, firstRevokedAt, *row.RevokedAt)
	assert.Equal(t, models.ReasonManualLogout, *row.RevocationReason)

	// Revoking an unknown token is also a success.
	require.NoError(t, svc.RevokeOne(ctx, "missing-token", models.ReasonManualLogout))
}

func TestRevokeAllForAccount(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ctx := context.Background()

	user := &models.User{ID: 1, Email: "alice@example.com"}
	_, t1, err := svc.IssuePair(ctx, user)
	require.NoError(t, err)
	_, t2, err := svc.IssuePair(ctx, user)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeAllForAccount(ctx, 1, models.ReasonManualLogout))

	for _, tok := range []string{t1, t2} {
		row := ledger.get(tok)
		require.NotNil(t, row.RevokedAt, "token %s should be revoked", tok)
		assert.Equal(t, models.ReasonManualLogout, *row.RevocationReason)
	}
}

func TestRotateConcurrencySingleWinner(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ctx := context.Background()

	user := &models.User{ID: 1, Email: "alice@example.com"}
	_, refresh, err := svc.IssuePair(ctx, user)
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _, err := svc.Rotate(ctx, refresh)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success := 0
	reuse := 0
	for err := range results {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrTokenReuse):
			reuse++
		default:
			t.Fatalf("unexpected rotate error: %v", err)
		}
	}

	require.Equal(t, 1, success, "expected exactly one rotation winner")
	require.Equal(t, n-1, reuse)

	// The presented token must have exactly one successor.
	row := ledger.get(refresh)
	require.NotNil(t, row.ReplacedByToken)
	assert.NotNil(t, ledger.get(*row.ReplacedByToken))
}

func TestChainIsSinglyLinked(t *testing.T) {
	svc, ledger, _ := newTestService(t)
	ctx := context.Background()

	user := &models.User{ID: 1, Email: "alice@example.com"}
	_, current, err := svc.IssuePair(ctx, user)
	require.NoError(t, err)

	chain := []string{current}
	for i := 0; i < 5; i++ {
		_, next, err := svc.Rotate(ctx, current)
		require.NoError(t, err)
		chain = append(chain, next)
		current = next
	}

	// Every link points exactly one step forward; the head is the only
	// active row.
	for i := 0; i < len(chain)-1; i++ {
		row := ledger.get(chain[i])
		require.NotNil(t, row.ReplacedByToken, "link %d", i)
		assert.Equal(t, chain[i+1], *row.ReplacedByToken, fmt.Sprintf("link %d", i))
	}
	head := ledger.get(chain[len(chain)-1])
	assert.Nil(t, head.RevokedAt)
	assert.Nil(t, head.ReplacedByToken)
}
