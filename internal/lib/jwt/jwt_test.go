package jwt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accounts/internal/domain/models"
)

const testSecret = "test-secret"

func TestGenerateAndParse(t *testing.T) {
	user := &models.User{ID: 7, Email: "alice@example.com"}

	before := time.Now()
	token, err := GenerateToken(user, testSecret, 15*time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := ParseToken(token, testSecret)
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", claims["email"].(string))

	uid, err := UserID(claims)
	require.NoError(t, err)
	assert.Equal(t, int64(7), uid)

	const deltaSeconds = 1
	assert.InDelta(t, before.Add(15*time.Minute).Unix(), claims["exp"].(float64), deltaSeconds)
}

func TestParseWrongSecret(t *testing.T) {
	user := &models.User{ID: 7, Email: "alice@example.com"}

	token, err := GenerateToken(user, testSecret, 15*time.Minute)
	require.NoError(t, err)

	_, err = ParseToken(token, "other-secret")
	require.Error(t, err)
}

func TestParseExpired(t *testing.T) {
	user := &models.User{ID: 7, Email: "alice@example.com"}

	token, err := GenerateToken(user, testSecret, -time.Minute)
	require.NoError(t, err)

	_, err = ParseToken(token, testSecret)
	require.Error(t, err)
}

func TestParseGarbage(t *testing.T) {
	_, err := ParseToken("not-a-jwt", testSecret)
	require.Error(t, err)
}
