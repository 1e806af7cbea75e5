package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"accounts/internal/domain/models"
	authservice "accounts/internal/services/auth"
	tokenservice "accounts/internal/services/token"
)

// Auth is the account-facing service surface consumed by the HTTP layer.
type Auth interface {
	Register(ctx context.Context, email, password string) (userID int64, err error)
	Login(ctx context.Context, email, password string) (accessToken, refreshToken string, err error)
	LoginExternal(ctx context.Context, provider models.AuthProvider, providerUserID, email string) (accessToken, refreshToken string, err error)
	Logout(ctx context.Context, refreshToken string) error
	LogoutAll(ctx context.Context, userID int64) error
	RequestPasswordReset(ctx context.Context, email string) (resetToken string, err error)
	ConfirmPasswordReset(ctx context.Context, resetToken, newPassword string) error
}

// TokenRotator exchanges a refresh token for a new pair.
type TokenRotator interface {
	Rotate(ctx context.Context, refreshToken string) (newAccessToken, newRefreshToken string, err error)
}

type serverAPI struct {
	auth   Auth
	tokens TokenRotator
}

// Register mounts the auth routes onto the router group. The authenticated
// group must carry the bearer middleware.
func Register(public, authenticated *gin.RouterGroup, auth Auth, tokens TokenRotator) {
	s := &serverAPI{auth: auth, tokens: tokens}

	public.POST("/register", s.register)
	public.POST("/login", s.login)
	public.POST("/oauth", s.oauth)
	public.POST("/refresh", s.refresh)
	public.POST("/logout", s.logout)
	public.POST("/password-reset/request", s.requestPasswordReset)
	public.POST("/password-reset/confirm", s.confirmPasswordReset)

	authenticated.POST("/logout-all", s.logoutAll)
}

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

func (s *serverAPI) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	userID, err := s.auth.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, authservice.ErrUserAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "user already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"user_id": userID})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (s *serverAPI) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	accessToken, refreshToken, err := s.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, authservice.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
	})
}

type oauthRequest struct {
	Provider       string `json:"provider" binding:"required,oneof=google microsoft github"`
	ProviderUserID string `json:"provider_user_id" binding:"required"`
	Email          string `json:"email" binding:"required,email"`
}

// oauth signs in a provider identity that was already verified upstream by
// the OAuth callback handler.
func (s *serverAPI) oauth(c *gin.Context) {
	var req oauthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	accessToken, refreshToken, err := s.auth.LoginExternal(
		c.Request.Context(),
		models.AuthProvider(req.Provider),
		req.ProviderUserID,
		req.Email,
	)
	if err != nil {
		if errors.Is(err, authservice.ErrUserAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "email already linked to another account"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (s *serverAPI) refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token is required"})
		return
	}

	accessToken, refreshToken, err := s.tokens.Rotate(c.Request.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, tokenservice.ErrInvalidToken):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		case errors.Is(err, tokenservice.ErrTokenExpired):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token expired"})
		case errors.Is(err, tokenservice.ErrTokenReuse):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "refresh token reuse detected"})
		case errors.Is(err, tokenservice.ErrAccountNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
	})
}

func (s *serverAPI) logout(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_token is required"})
		return
	}

	if err := s.auth.Logout(c.Request.Context(), req.RefreshToken); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "logged out"})
}

func (s *serverAPI) logoutAll(c *gin.Context) {
	userID := c.GetInt64("uid")

	if err := s.auth.LogoutAll(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "all sessions revoked"})
}

type resetRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// requestPasswordReset never discloses whether the email exists; the reset
// token reaches the user out of band.
func (s *serverAPI) requestPasswordReset(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
		return
	}

	_, err := s.auth.RequestPasswordReset(c.Request.Context(), req.Email)
	if err != nil && !errors.Is(err, authservice.ErrUserNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "if the account exists, a reset link has been sent"})
}

type resetConfirmRequest struct {
	Token       string `json:"token" binding:"required"`
	NewPassword string `json:"new_password" binding:"required,min=8"`
}

func (s *serverAPI) confirmPasswordReset(c *gin.Context) {
	var req resetConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	err := s.auth.ConfirmPasswordReset(c.Request.Context(), req.Token, req.NewPassword)
	if err != nil {
		switch {
		case errors.Is(err, authservice.ErrInvalidResetToken):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid reset token"})
		case errors.Is(err, authservice.ErrResetTokenExpired):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "reset token expired"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "password updated"})
}
