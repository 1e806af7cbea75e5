package httpapp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	authhttp "accounts/internal/http/auth"
	"accounts/internal/http/middleware"
)

type App struct {
	logger *slog.Logger
	server *http.Server
	port   int
}

func New(
	logger *slog.Logger,
	authService authhttp.Auth,
	tokenService authhttp.TokenRotator,
	jwtSecret string,
	port int,
	timeout time.Duration,
) *App {
	router := NewRouter(authService, tokenService, jwtSecret)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}

	return &App{
		logger: logger,
		server: server,
		port:   port,
	}
}

// NewRouter builds the gin engine with all auth routes mounted.
func NewRouter(
	authService authhttp.Auth,
	tokenService authhttp.TokenRotator,
	jwtSecret string,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	public := router.Group("/auth")
	authenticated := router.Group("/auth")
	authenticated.Use(middleware.BearerAuth(jwtSecret))

	authhttp.Register(public, authenticated, authService, tokenService)

	return router
}

func (a *App) MustRun() {
	if err := a.Run(); err != nil {
		panic(err)
	}
}

func (a *App) Run() error {
	const op = "httpapp.Run"

	log := a.logger.With(
		slog.String("op", op),
		slog.Int("port", a.port),
	)

	log.Info("HTTP server is running", slog.String("address", a.server.Addr))

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (a *App) Stop() {
	const op = "httpapp.Stop"
	log := a.logger.With(slog.String("op", op))
	log.Info("stopping HTTP server", slog.Int("port", a.port))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		log.Error("graceful shutdown failed")
	}
}
