package storage

import "errors"

var (
	ErrUserAlreadyExists     = errors.New("user already exists")
	ErrUserNotFound          = errors.New("user not found")
	ErrTokenNotFound         = errors.New("refresh token not found")
	ErrTokenAlreadyRevoked   = errors.New("refresh token already revoked")
	ErrResetTokenNotFound    = errors.New("password reset token not found")
	ErrResetTokenAlreadyUsed = errors.New("password reset token already used")
)
