package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"accounts/internal/domain/models"
)

var ErrInvalidToken = errors.New("invalid token")

// GenerateToken creates a signed access token for the user. The secret is
// process-wide signing key material loaded once at startup.
func GenerateToken(
	user *models.User,
	secret string,
	duration time.Duration,
) (string, error) {
	now := time.Now()

	token := jwt.NewWithClaims(
		jwt.SigningMethodHS256,
		jwt.MapClaims{
			"uid":   user.ID,
			"email": user.Email,
			"iat":   now.Unix(),
			"exp":   now.Add(duration).Unix(),
		})
	return token.SignedString([]byte(secret))
}

// ParseToken parses and validates an access token, returning the claims.
func ParseToken(tokenString string, secret string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// UserID extracts the uid claim from parsed claims.
func UserID(claims jwt.MapClaims) (int64, error) {
	uid, ok := claims["uid"].(float64)
	if !ok {
		return 0, ErrInvalidToken
	}
	return int64(uid), nil
}
